package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"lolcapture/internal/storage"
)

func newSessionsCmd(root *rootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List captured matches",
		Long: `List captured matches, newest first.

With a session history database the listing includes each match's
outcome, capture count, size and upload results. Without one it lists
the session directories found on disk.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive, got %d", limit)
			}
			logger, closer, err := root.newLogger(cmd, cfg, false)
			if err != nil {
				return err
			}
			defer closer.Close()

			out := cmd.OutOrStdout()
			if cfg.LedgerPath != "" {
				ledger, err := storage.OpenLedger(cfg.LedgerPath)
				if err == nil {
					defer ledger.Close()
					records, err := ledger.RecentSessions(limit)
					if err != nil {
						return err
					}
					if len(records) > 0 {
						return printRecords(out, records)
					}
				} else {
					logger.Warn().Err(err).Msg("Session history unavailable, listing directories")
				}
			}

			store := storage.NewCaptureStore(cfg.LiveDir, cfg.PostgameDir, logger)
			ids, err := store.ListSessions()
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				fmt.Fprintln(out, "No sessions captured yet.")
				return nil
			}
			// newest first, like the history listing
			for i := len(ids) - 1; i >= 0 && len(ids)-i <= limit; i-- {
				fmt.Fprintln(out, ids[i])
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of sessions to show")
	return cmd
}

func printRecords(out io.Writer, records []storage.SessionRecord) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tSTARTED\tOUTCOME\tCAPTURES\tSIZE\tATTEMPTS\tUPLOADED")
	for _, r := range records {
		uploaded := "-"
		if r.UploadsSucceeded+r.UploadsFailed > 0 {
			uploaded = fmt.Sprintf("%d/%d", r.UploadsSucceeded, r.UploadsSucceeded+r.UploadsFailed)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%d\t%s\n",
			r.ID,
			humanize.Time(r.StartedAt),
			r.Outcome,
			r.Captures,
			humanize.Bytes(uint64(r.Bytes)),
			r.EOGAttempts,
			uploaded,
		)
	}
	return w.Flush()
}
