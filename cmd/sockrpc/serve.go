package main

import (
	"github.com/spf13/cobra"

	"github.com/anhtranbk/sockrpc/internal/devbackend"
)

func serveCmd(flags *globalFlags) *cobra.Command {
	var (
		addr string
		cfg  = devbackend.DefaultConfig()
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the in-memory development backend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, logger, err := flags.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return devbackend.New(cfg, logger).ListenAndServe(cmd.Context(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":5000", "listen address")
	cmd.Flags().DurationVar(&cfg.LeaseTimeout, "lease", cfg.LeaseTimeout, "drop players without a heartbeat for this long")
	return cmd
}
