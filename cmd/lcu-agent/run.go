package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"lolcapture/internal/agent"
	"lolcapture/internal/config"
	"lolcapture/internal/lcu"
	"lolcapture/internal/notify"
	"lolcapture/internal/storage"
	"lolcapture/internal/upload"
)

type runOptions struct {
	upload              bool
	uploadURL           string
	pollInterval        time.Duration
	liveCaptureInterval time.Duration
	maxEOGWait          time.Duration
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Capture matches until interrupted",
		Long: `Watch the local client and capture every match played.

Live snapshots are written while the game is running and the end-of-game
stats once the client publishes them. Press Ctrl+C to stop; a second
Ctrl+C exits immediately.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig(cmd)
			if err != nil {
				return err
			}
			opts.apply(cmd, &cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger, closer, err := root.newLogger(cmd, cfg, true)
			if err != nil {
				return err
			}
			defer closer.Close()

			return runAgent(cmd.Context(), cfg, logger)
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&opts.upload, "upload", false, "Upload each finished match")
	flags.StringVar(&opts.uploadURL, "upload-url", "", "Collector endpoint for uploads")
	flags.DurationVar(&opts.pollInterval, "poll-interval", 0, "Delay between cycles")
	flags.DurationVar(&opts.liveCaptureInterval, "live-capture-interval", 0, "Minimum time between live snapshots")
	flags.DurationVar(&opts.maxEOGWait, "max-eog-wait", 0, "How long to wait for end-of-game stats")
	return cmd
}

func (o *runOptions) apply(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("upload") {
		cfg.Upload.Enabled = o.upload
	}
	if flags.Changed("upload-url") {
		cfg.Upload.URL = o.uploadURL
	}
	if flags.Changed("poll-interval") {
		cfg.PollInterval = o.pollInterval
	}
	if flags.Changed("live-capture-interval") {
		cfg.LiveCaptureInterval = o.liveCaptureInterval
	}
	if flags.Changed("max-eog-wait") {
		cfg.MaxEOGWait = o.maxEOGWait
	}
}

func runAgent(parent context.Context, cfg config.Config, logger zerolog.Logger) error {
	store := storage.NewCaptureStore(cfg.LiveDir, cfg.PostgameDir, logger)
	if err := store.EnsureBaseDirectories(); err != nil {
		return fmt.Errorf("cannot prepare capture directories: %w", err)
	}

	inspector := lcu.NewSystemInspector()
	deps := agent.Dependencies{
		Live:        lcu.NewLiveClient(cfg.LiveDataURL, cfg.LiveTimeout),
		Postgame:    newLCUClient(cfg),
		Credentials: newResolver(cfg, inspector, logger),
		Store:       store,
		Diagnostics: func(ctx context.Context) {
			lcu.LogProcesses(ctx, inspector, logger)
		},
		Logger: logger,
	}

	if cfg.LedgerPath != "" {
		ledger, err := storage.OpenLedger(cfg.LedgerPath)
		if err != nil {
			logger.Warn().Err(err).Str("path", cfg.LedgerPath).Msg("Session history disabled")
		} else {
			defer ledger.Close()
			deps.Recorder = ledger
		}
	}
	if cfg.Upload.Enabled {
		deps.Uploader = upload.NewUploader(cfg.Upload.URL, logger)
	}
	if cfg.Notify.DiscordWebhook != "" {
		deps.Notifier = notify.NewWebhookClient(cfg.Notify.DiscordWebhook)
	}

	a, err := agent.New(agent.Config{
		PollInterval:        cfg.PollInterval,
		LiveCaptureInterval: cfg.LiveCaptureInterval,
		MaxEOGWait:          cfg.MaxEOGWait,
		ProbeBackoff:        cfg.ProbeBackoff,
		UploadEnabled:       cfg.Upload.Enabled,
	}, deps)
	if err != nil {
		return err
	}

	ctx, stop := SetupSignalHandler(parent, logger, func(context.Context) {
		logger.Info().Stringer("state", a.State()).Msg("Stopping agent")
	})
	defer stop()

	logger.Info().
		Str("live_dir", store.LiveBase()).
		Str("postgame_dir", store.PostgameBase()).
		Str("ledger", cfg.LedgerPath).
		Msg("Capture directories ready")

	err = a.Run(ctx)

	stats := a.Stats()
	logger.Info().
		Int64("sessions", stats.SessionsStarted).
		Int64("captured", stats.SessionsCaptured).
		Int64("abandoned", stats.SessionsAbandoned).
		Int64("live_captures", stats.LiveCaptures).
		Int64("postgame_captures", stats.PostgameCaptures).
		Int64("files_uploaded", stats.FilesUploaded).
		Int64("files_failed", stats.FilesFailed).
		Msg("Agent stopped")

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newLCUClient(cfg config.Config) *lcu.Client {
	return lcu.NewClient(
		lcu.WithEOGEndpoint(cfg.EOGEndpoint),
		lcu.WithProbeEndpoint(cfg.ProbeEndpoint),
		lcu.WithFetchTimeout(cfg.FetchTimeout),
		lcu.WithProbeTimeout(cfg.ProbeTimeout),
	)
}
