// Package config loads the agent configuration.
//
// Values are layered: built-in defaults, then the YAML file, then .env and
// LCU_AGENT_* environment variables. Command-line flags are applied last by
// the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"lolcapture/internal/lcu"
)

const (
	// DefaultFileName is looked up in the working directory when no file is given
	DefaultFileName = "lcu-agent.yaml"

	// EnvPrefix prefixes every environment override
	EnvPrefix = "LCU_AGENT_"
)

var ErrInvalid = errors.New("invalid configuration")

// DefaultEnvPaths are tried in order; the first .env found wins
var DefaultEnvPaths = []string{".env", "../.env", "../../.env"}

// Config is the full agent configuration
type Config struct {
	// LiveDataURL is the in-game live data endpoint
	LiveDataURL string `yaml:"live_data_url"`
	// EOGEndpoint is the LCU path serving end-of-game stats
	EOGEndpoint string `yaml:"eog_endpoint"`
	// ProbeEndpoint is the LCU path used to check the client is reachable
	ProbeEndpoint string `yaml:"probe_endpoint"`

	// LCUPort and LCUToken are used when the client process can't be inspected
	LCUPort  string `yaml:"lcu_port"`
	LCUToken string `yaml:"lcu_token"`

	// ClientProcess is the process whose command line carries the credentials
	ClientProcess string `yaml:"client_process"`
	// InstallDirs are searched for the client lockfile
	InstallDirs []string `yaml:"install_dirs"`

	LiveDir     string `yaml:"live_dir"`
	PostgameDir string `yaml:"postgame_dir"`

	PollInterval        time.Duration `yaml:"poll_interval"`
	LiveCaptureInterval time.Duration `yaml:"live_capture_interval"`
	MaxEOGWait          time.Duration `yaml:"max_eog_wait"`
	ProbeBackoff        time.Duration `yaml:"probe_backoff"`
	LiveTimeout         time.Duration `yaml:"live_timeout"`
	FetchTimeout        time.Duration `yaml:"fetch_timeout"`
	ProbeTimeout        time.Duration `yaml:"probe_timeout"`

	Upload UploadConfig `yaml:"upload"`

	// LedgerPath is the SQLite session history. Empty disables it.
	LedgerPath string `yaml:"ledger_path"`

	Log    LogConfig    `yaml:"log"`
	Notify NotifyConfig `yaml:"notify"`
}

// UploadConfig configures uploads to the remote collector
type UploadConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// LogConfig configures logging
type LogConfig struct {
	// Dir holds daily log files. Empty logs to the console only.
	Dir   string `yaml:"dir"`
	Level string `yaml:"level"`
}

// NotifyConfig configures session notifications
type NotifyConfig struct {
	DiscordWebhook string `yaml:"discord_webhook"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		LiveDataURL:         lcu.DefaultLiveDataURL,
		EOGEndpoint:         lcu.DefaultEOGEndpoint,
		ProbeEndpoint:       lcu.DefaultProbeEndpoint,
		ClientProcess:       lcu.DefaultClientProcess,
		InstallDirs:         append([]string(nil), lcu.DefaultInstallDirs...),
		LiveDir:             "game_logs_live",
		PostgameDir:         "game_logs_postgame",
		PollInterval:        5 * time.Second,
		LiveCaptureInterval: 30 * time.Second,
		MaxEOGWait:          120 * time.Second,
		ProbeBackoff:        time.Second,
		LiveTimeout:         2 * time.Second,
		FetchTimeout:        10 * time.Second,
		ProbeTimeout:        3 * time.Second,
		LedgerPath:          "lcu-agent.db",
		Log: LogConfig{
			Dir:   "logs",
			Level: "info",
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path and the
// environment. An empty path uses DefaultFileName if it exists.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		if _, err := os.Stat(DefaultFileName); err == nil {
			path = DefaultFileName
		}
	}
	if path != "" {
		if err := loadFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

// LoadEnvFiles loads the first .env file found and returns its path, or ""
func LoadEnvFiles(paths ...string) string {
	for _, path := range paths {
		if err := godotenv.Load(path); err == nil {
			return path
		}
	}
	return ""
}

// ApplyEnv overrides fields from LCU_AGENT_* variables
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"LIVE_DATA_URL":   &cfg.LiveDataURL,
		"EOG_ENDPOINT":    &cfg.EOGEndpoint,
		"PROBE_ENDPOINT":  &cfg.ProbeEndpoint,
		"LCU_PORT":        &cfg.LCUPort,
		"LCU_TOKEN":       &cfg.LCUToken,
		"CLIENT_PROCESS":  &cfg.ClientProcess,
		"LIVE_DIR":        &cfg.LiveDir,
		"POSTGAME_DIR":    &cfg.PostgameDir,
		"UPLOAD_URL":      &cfg.Upload.URL,
		"LEDGER_PATH":     &cfg.LedgerPath,
		"LOG_DIR":         &cfg.Log.Dir,
		"LOG_LEVEL":       &cfg.Log.Level,
		"DISCORD_WEBHOOK": &cfg.Notify.DiscordWebhook,
	}
	for key, dst := range strs {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"POLL_INTERVAL":         &cfg.PollInterval,
		"LIVE_CAPTURE_INTERVAL": &cfg.LiveCaptureInterval,
		"MAX_EOG_WAIT":          &cfg.MaxEOGWait,
		"PROBE_BACKOFF":         &cfg.ProbeBackoff,
		"LIVE_TIMEOUT":          &cfg.LiveTimeout,
		"FETCH_TIMEOUT":         &cfg.FetchTimeout,
		"PROBE_TIMEOUT":         &cfg.ProbeTimeout,
	}
	for key, dst := range durations {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %s%s: %w", ErrInvalid, EnvPrefix, key, err)
		}
		*dst = d
	}

	if v, ok := lookup(EnvPrefix + "UPLOAD_ENABLED"); ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %sUPLOAD_ENABLED: %w", ErrInvalid, EnvPrefix, err)
		}
		cfg.Upload.Enabled = enabled
	}

	if v, ok := lookup(EnvPrefix + "INSTALL_DIRS"); ok {
		cfg.InstallDirs = filepath.SplitList(v)
	}
	return nil
}

// Validate reports every problem found, wrapped in ErrInvalid
func (c Config) Validate() error {
	var problems []error
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	if c.LiveDataURL == "" {
		add("live_data_url is required")
	}
	for name, path := range map[string]string{"eog_endpoint": c.EOGEndpoint, "probe_endpoint": c.ProbeEndpoint} {
		if !strings.HasPrefix(path, "/") {
			add("%s must start with /", name)
		}
	}
	if c.ClientProcess == "" {
		add("client_process is required")
	}
	if c.LCUPort != "" {
		if _, err := lcu.ParsePort(c.LCUPort); err != nil {
			add("lcu_port: %v", err)
		}
	}

	if c.LiveDir == "" || c.PostgameDir == "" {
		add("live_dir and postgame_dir are required")
	} else if filepath.Clean(c.LiveDir) == filepath.Clean(c.PostgameDir) {
		add("live_dir and postgame_dir must differ")
	}

	for name, d := range map[string]time.Duration{
		"poll_interval":         c.PollInterval,
		"live_capture_interval": c.LiveCaptureInterval,
		"max_eog_wait":          c.MaxEOGWait,
		"probe_backoff":         c.ProbeBackoff,
		"live_timeout":          c.LiveTimeout,
		"fetch_timeout":         c.FetchTimeout,
		"probe_timeout":         c.ProbeTimeout,
	} {
		if d <= 0 {
			add("%s must be positive", name)
		}
	}
	if c.ProbeBackoff >= c.PollInterval {
		add("probe_backoff (%s) must be shorter than poll_interval (%s)", c.ProbeBackoff, c.PollInterval)
	}

	if c.Upload.Enabled && c.Upload.URL == "" {
		add("upload.url is required when upload is enabled")
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		add("log.level: %v", err)
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(problems...))
}
