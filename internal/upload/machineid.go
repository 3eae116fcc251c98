package upload

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"runtime"
	"strings"

	"github.com/google/uuid"
)

// MachineID derives a stable 16 hex character id from the host's MAC address,
// hostname and platform. If the host can't be identified a random id is used.
func MachineID() string {
	mac := hardwareAddr()
	host, err := os.Hostname()
	if err != nil || mac == "" {
		return randomID()
	}
	return hashID(mac, host, runtime.GOOS, runtime.GOARCH)
}

func hashID(mac, host, goos, goarch string) string {
	info := fmt.Sprintf("%s-%s-%s-%s", mac, host, goos, goarch)
	sum := md5.Sum([]byte(info))
	return hex.EncodeToString(sum[:])[:16]
}

func randomID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// hardwareAddr returns the first non-loopback MAC address as hex
func hardwareAddr() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		return hex.EncodeToString(iface.HardwareAddr)
	}
	return ""
}
