package main

import (
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"lolcapture/internal/config"
	"lolcapture/internal/logging"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// rootOptions are the flags shared by every command
type rootOptions struct {
	configPath  string
	envFile     string
	logLevel    string
	logDir      string
	liveDir     string
	postgameDir string
	ledgerPath  string
	noColor     bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "lcu-agent",
		Short: "Capture League of Legends match data from the local client",
		Long: `lcu-agent watches the local League of Legends client and saves match data.

While a game is running it snapshots the Live Client Data API into a
per-match directory. When the game ends it waits for the client's
end-of-game stats and saves those too, optionally uploading the match
to a remote collector.

Quick Start:
  lcu-agent run                      # Capture matches until interrupted
  lcu-agent sessions                 # List captured matches
  lcu-agent upload --latest          # Upload the most recent match
  lcu-agent credentials              # Check the client can be reached`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Path to YAML config (default: ./"+config.DefaultFileName+" if present)")
	flags.StringVar(&opts.envFile, "env-file", "", "Path to a .env file (default: search .env, ../.env, ../../.env)")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flags.StringVar(&opts.logDir, "log-dir", "", "Directory for daily log files")
	flags.StringVar(&opts.liveDir, "live-dir", "", "Base directory for live captures")
	flags.StringVar(&opts.postgameDir, "postgame-dir", "", "Base directory for post-game captures")
	flags.StringVar(&opts.ledgerPath, "ledger", "", "Path to the session history database")
	flags.BoolVar(&opts.noColor, "no-color", false, "Disable colored console output")

	cmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	cmd.AddCommand(
		newRunCmd(opts),
		newUploadCmd(opts),
		newSessionsCmd(opts),
		newCredentialsCmd(opts),
		newProcessesCmd(opts),
	)
	return cmd
}

// loadConfig layers .env, the config file, the environment and flags. Callers validate.
func (o *rootOptions) loadConfig(cmd *cobra.Command) (config.Config, error) {
	if o.envFile != "" {
		if config.LoadEnvFiles(o.envFile) == "" {
			return config.Config{}, fmt.Errorf("failed to load env file %s", o.envFile)
		}
	} else {
		config.LoadEnvFiles(config.DefaultEnvPaths...)
	}

	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, err
	}

	flags := cmd.Flags()
	overrides := map[string]*string{
		"log-level":    &cfg.Log.Level,
		"log-dir":      &cfg.Log.Dir,
		"live-dir":     &cfg.LiveDir,
		"postgame-dir": &cfg.PostgameDir,
		"ledger":       &cfg.LedgerPath,
	}
	values := map[string]string{
		"log-level":    o.logLevel,
		"log-dir":      o.logDir,
		"live-dir":     o.liveDir,
		"postgame-dir": o.postgameDir,
		"ledger":       o.ledgerPath,
	}
	for name, dst := range overrides {
		if flags.Changed(name) {
			*dst = values[name]
		}
	}
	return cfg, nil
}

// newLogger logs to the command's stderr and, if configured, the daily log file
func (o *rootOptions) newLogger(cmd *cobra.Command, cfg config.Config, withFile bool) (zerolog.Logger, io.Closer, error) {
	opts := logging.Options{
		Level:   cfg.Log.Level,
		Console: cmd.ErrOrStderr(),
		NoColor: o.noColor,
	}
	if withFile {
		opts.Dir = cfg.Log.Dir
	}
	return logging.New(opts)
}
