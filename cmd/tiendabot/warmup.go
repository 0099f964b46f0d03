package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
)

func newWarmupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "warmup",
		Short: "Prefetch identity tokens and probe downstream services",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}

			client := clientFromConfig(cfg, logger)
			defer client.Close()

			timeout, _ := cmd.Flags().GetDuration("timeout")
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			client.Warmup(ctx)
			return nil
		},
	}

	cmd.Flags().Duration("timeout", 30*time.Second, "Warmup timeout.")
	return cmd
}
