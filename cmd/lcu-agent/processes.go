package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"lolcapture/internal/lcu"
)

func newProcessesCmd(root *rootOptions) *cobra.Command {
	var leagueOnly bool

	cmd := &cobra.Command{
		Use:   "processes",
		Short: "List running processes, marking League ones",
		Long: `List the processes visible to the agent. League client and game
processes are marked with *. Useful when the client can't be found.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			procs, err := lcu.NewSystemInspector().ListProcesses(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list processes: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, " \tPID\tNAME")
			league := 0
			for _, p := range procs {
				mark := " "
				if lcu.IsLeagueProcess(p.Name) {
					mark = "*"
					league++
				} else if leagueOnly {
					continue
				}
				fmt.Fprintf(w, "%s\t%d\t%s\n", mark, p.PID, p.Name)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d processes, %d League\n", len(procs), league)
			return nil
		},
	}

	cmd.Flags().BoolVar(&leagueOnly, "league", false, "Only show League processes")
	return cmd
}
