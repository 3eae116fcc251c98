package main

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"lolcapture/internal/config"
	"lolcapture/internal/lcu"
)

// ErrNoClient is returned when no credentials could be found
var ErrNoClient = errors.New("league client credentials not found")

func newCredentialsCmd(root *rootOptions) *cobra.Command {
	var noProbe bool

	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Find the client's port and token and check it responds",
		Long: `Resolve the client's control-plane credentials the same way the agent
does: from the client's command line, then the install lockfile, then the
configured lcu_port and lcu_token. The token is masked.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger, closer, err := root.newLogger(cmd, cfg, false)
			if err != nil {
				return err
			}
			defer closer.Close()

			resolver := newResolver(cfg, lcu.NewSystemInspector(), logger)
			creds, err := resolver.Resolve(cmd.Context())
			if err != nil {
				if errors.Is(err, lcu.ErrAccessDenied) {
					fmt.Fprintln(cmd.ErrOrStderr(), "Reading the client's launch arguments needs elevated privileges. Run as administrator.")
				}
				return fmt.Errorf("%w: %w", ErrNoClient, err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Port:  %d\n", creds.Port)
			fmt.Fprintf(out, "Token: %s\n", creds.MaskedToken())
			if noProbe {
				return nil
			}

			if newLCUClient(cfg).Probe(cmd.Context(), creds) {
				fmt.Fprintln(out, "Probe: reachable")
				return nil
			}
			fmt.Fprintln(out, "Probe: unreachable")
			return fmt.Errorf("client at port %d did not respond", creds.Port)
		},
	}

	cmd.Flags().BoolVar(&noProbe, "no-probe", false, "Only resolve, don't contact the client")
	return cmd
}

func newResolver(cfg config.Config, inspector lcu.ProcessInspector, logger zerolog.Logger) *lcu.CredentialResolver {
	return lcu.NewCredentialResolver(inspector, lcu.ResolverConfig{
		ProcessName:   cfg.ClientProcess,
		InstallDirs:   cfg.InstallDirs,
		FallbackPort:  cfg.LCUPort,
		FallbackToken: cfg.LCUToken,
	}, logger)
}
