package lcu

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
)

const DefaultClientProcess = "LeagueClientUx"

var (
	appPortPattern   = regexp.MustCompile(`--app-port=(\d+)`)
	authTokenPattern = regexp.MustCompile(`--remoting-auth-token=([\w-]+)`)
)

// DefaultInstallDirs are the common League install locations checked for a lockfile
var DefaultInstallDirs = []string{
	"C:/Riot Games/League of Legends",
	"D:/Riot Games/League of Legends",
	"E:/Riot Games/League of Legends",
	"C:/Program Files/Riot Games/League of Legends",
	"C:/Program Files (x86)/Riot Games/League of Legends",
	"/Applications/League of Legends.app/Contents/LoL",
}

// ProcessInspector returns the launch command lines of running processes
type ProcessInspector interface {
	CommandLines(ctx context.Context, processName string) ([]string, error)
}

// ResolverConfig configures a CredentialResolver
type ResolverConfig struct {
	ProcessName   string
	InstallDirs   []string
	FallbackPort  string
	FallbackToken string
}

// CredentialResolver finds the port and token of the running League client
type CredentialResolver struct {
	inspector ProcessInspector
	config    ResolverConfig
	logger    zerolog.Logger
}

// NewCredentialResolver creates a resolver. A nil inspector skips command-line inspection.
func NewCredentialResolver(inspector ProcessInspector, config ResolverConfig, logger zerolog.Logger) *CredentialResolver {
	if config.ProcessName == "" {
		config.ProcessName = DefaultClientProcess
	}
	if config.InstallDirs == nil {
		config.InstallDirs = DefaultInstallDirs
	}
	return &CredentialResolver{
		inspector: inspector,
		config:    config,
		logger:    logger.With().Str("component", "credentials").Logger(),
	}
}

// Resolve tries, in order: the client's command line, the install lockfile,
// and the configured fallback pair. When none produce usable credentials the
// error wraps ErrNoCredentials and the command-line cause, e.g. ErrAccessDenied.
// It is called every backoff cycle while the client is down, so it only logs
// at debug level; callers decide what to surface.
func (r *CredentialResolver) Resolve(ctx context.Context) (Credentials, error) {
	creds, procErr := r.fromProcess(ctx)
	if procErr == nil {
		r.logger.Debug().Int("port", creds.Port).Str("token", creds.MaskedToken()).Msg("Found credentials in client command line")
		return creds, nil
	}
	r.logger.Debug().Err(procErr).Msg("Could not read credentials from client process")

	creds, path, err := r.fromLockfile()
	if err == nil {
		r.logger.Debug().Str("lockfile", path).Int("port", creds.Port).Msg("Found credentials in lockfile")
		return creds, nil
	}
	r.logger.Debug().Err(err).Msg("No usable lockfile")

	if r.config.FallbackPort == "" || r.config.FallbackToken == "" {
		return Credentials{}, fmt.Errorf("%w: %w", ErrNoCredentials, procErr)
	}
	port, err := ParsePort(r.config.FallbackPort)
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: %w; fallback port: %w", ErrNoCredentials, procErr, err)
	}
	r.logger.Debug().Int("port", port).Msg("Using configured fallback credentials")
	return Credentials{Port: port, Token: r.config.FallbackToken}, nil
}

func (r *CredentialResolver) fromProcess(ctx context.Context) (Credentials, error) {
	if r.inspector == nil {
		return Credentials{}, ErrProcessNotFound
	}

	lines, err := r.inspector.CommandLines(ctx, r.config.ProcessName)
	if err != nil {
		return Credentials{}, err
	}

	var lastErr error = ErrProcessNotFound
	for _, line := range lines {
		creds, err := ParseCommandLine(line)
		if err == nil {
			return creds, nil
		}
		lastErr = err
	}
	return Credentials{}, lastErr
}

func (r *CredentialResolver) fromLockfile() (Credentials, string, error) {
	path, err := FindLockfile(r.config.InstallDirs)
	if err != nil {
		return Credentials{}, "", err
	}
	creds, err := ParseLockfile(path)
	if err != nil {
		return Credentials{}, path, err
	}
	return creds, path, nil
}

// ParseCommandLine extracts --app-port and --remoting-auth-token from a launch command line
func ParseCommandLine(cmdline string) (Credentials, error) {
	portMatch := appPortPattern.FindStringSubmatch(cmdline)
	tokenMatch := authTokenPattern.FindStringSubmatch(cmdline)

	switch {
	case portMatch == nil && tokenMatch == nil:
		return Credentials{}, errors.New("no port or token in command line")
	case portMatch == nil:
		return Credentials{}, errors.New("no --app-port in command line")
	case tokenMatch == nil:
		return Credentials{}, errors.New("no --remoting-auth-token in command line")
	}

	port, err := ParsePort(portMatch[1])
	if err != nil {
		return Credentials{}, err
	}
	return Credentials{Port: port, Token: tokenMatch[1]}, nil
}

// FindLockfile returns the first lockfile present in dirs
func FindLockfile(dirs []string) (string, error) {
	for _, dir := range dirs {
		path := filepath.Join(dir, "lockfile")
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", ErrLockfileNotFound
}

// ParseLockfile reads a lockfile of the form LeagueClient:pid:port:password:protocol
func ParseLockfile(path string) (Credentials, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to read lockfile: %w", err)
	}

	parts := strings.Split(strings.TrimSpace(string(content)), ":")
	if len(parts) != 5 {
		return Credentials{}, fmt.Errorf("invalid lockfile format: expected 5 parts, got %d", len(parts))
	}

	port, err := ParsePort(parts[2])
	if err != nil {
		return Credentials{}, fmt.Errorf("invalid lockfile: %w", err)
	}
	if parts[3] == "" {
		return Credentials{}, errors.New("invalid lockfile: empty password")
	}
	return Credentials{Port: port, Token: parts[3]}, nil
}
