package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"lolcapture/internal/storage"
	"lolcapture/internal/upload"
)

type uploadOptions struct {
	latest bool
	all    bool
	url    string
}

func newUploadCmd(root *rootOptions) *cobra.Command {
	opts := &uploadOptions{}

	cmd := &cobra.Command{
		Use:   "upload [session]",
		Short: "Upload captured matches to the collector",
		Long: `Upload the capture files of one or more sessions.

Pass a session id (see "lcu-agent sessions"), or use --latest for the
most recent session or --all for every session on disk.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("url") {
				cfg.Upload.URL = opts.url
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if cfg.Upload.URL == "" {
				return upload.ErrNoURL
			}

			logger, closer, err := root.newLogger(cmd, cfg, false)
			if err != nil {
				return err
			}
			defer closer.Close()

			store := storage.NewCaptureStore(cfg.LiveDir, cfg.PostgameDir, logger)
			ids, err := opts.sessions(store, args)
			if err != nil {
				return err
			}

			var ledger *storage.Ledger
			if cfg.LedgerPath != "" {
				if ledger, err = storage.OpenLedger(cfg.LedgerPath); err != nil {
					logger.Warn().Err(err).Msg("Upload results will not be recorded")
				} else {
					defer ledger.Close()
				}
			}

			uploader := upload.NewUploader(cfg.Upload.URL, logger)
			out := cmd.OutOrStdout()
			var total upload.Report
			for _, id := range ids {
				files, err := store.SessionFiles(id)
				if err != nil {
					return err
				}
				report := uploader.UploadSession(cmd.Context(), id, files)
				total.Succeeded += report.Succeeded
				total.Failed += report.Failed
				fmt.Fprintf(out, "%s: %d succeeded, %d failed\n", id, report.Succeeded, report.Failed)

				if ledger != nil {
					if err := ledger.RecordUpload(id, report.Succeeded, report.Failed, time.Now()); err != nil {
						logger.Warn().Err(err).Str("session", id).Msg("Failed to record upload")
					}
				}
			}

			if len(ids) > 1 {
				fmt.Fprintf(out, "Total: %d succeeded, %d failed\n", total.Succeeded, total.Failed)
			}
			if total.Failed > 0 {
				return fmt.Errorf("%d of %d files failed to upload", total.Failed, total.Total())
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&opts.latest, "latest", false, "Upload the most recent session")
	flags.BoolVar(&opts.all, "all", false, "Upload every session")
	flags.StringVar(&opts.url, "url", "", "Collector endpoint (overrides upload.url)")
	cmd.MarkFlagsMutuallyExclusive("latest", "all")
	return cmd
}

// sessions picks the session ids to upload from args and flags
func (o *uploadOptions) sessions(store *storage.CaptureStore, args []string) ([]string, error) {
	if len(args) == 1 {
		if o.latest || o.all {
			return nil, errors.New("pass a session id or --latest/--all, not both")
		}
		return args, nil
	}
	if !o.latest && !o.all {
		return nil, errors.New("no session given: pass a session id, --latest or --all")
	}

	ids, err := store.ListSessions()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, errors.New("no captured sessions found")
	}
	if o.latest {
		return ids[len(ids)-1:], nil
	}
	return ids, nil
}
