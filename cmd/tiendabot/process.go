package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vitrina/tiendabot/config"
	"github.com/vitrina/tiendabot/processor"
	"github.com/vitrina/tiendabot/productcache"
	"github.com/vitrina/tiendabot/providers/cloudrun"
)

func newProcessCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "process [text]",
		Short: "Run a text prompt through the message processor",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}

			client := clientFromConfig(cfg, logger)
			defer client.Close()

			proc := processor.New(client, processorConfig(cfg),
				processor.WithLogger(logger),
				processor.WithProductCache(productcache.New(cfg.ProductCache.TTL, cfg.ProductCache.MaxSize)),
			)

			timeout, _ := cmd.Flags().GetDuration("timeout")
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			res := proc.ProcessText(ctx, strings.Join(args, " "), processor.TextOptions{})
			if res.Status != processor.StatusSuccess {
				return fmt.Errorf("processing %s: %s", res.Status, res.Err)
			}
			fmt.Println(res.Response)
			return nil
		},
	}

	cmd.Flags().Duration("timeout", 2*time.Minute, "Overall processing timeout.")
	return cmd
}

func processorConfig(cfg config.Config) processor.Config {
	return processor.Config{
		ExactMatchThreshold: cfg.Search.ExactMatchThreshold,
		SearchLimit:         cfg.Search.Limit,
		SearchMaxDistance:   cfg.Search.MaxDistance,
	}
}

func setup() (config.Config, *slog.Logger, error) {
	cfg, err := config.FromViper(viper.GetViper())
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := loggerFromConfig(cfg.Logging)
	if err != nil {
		return config.Config{}, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func clientFromConfig(cfg config.Config, logger *slog.Logger) *cloudrun.Client {
	return cloudrun.New(cloudrun.Config{
		NLPURL:   cfg.Services.NLPURL,
		ASRURL:   cfg.Services.ASRURL,
		OCRURL:   cfg.Services.OCRURL,
		MCPURL:   cfg.Services.MCPURL,
		ClientID: cfg.Services.ClientID,
		TokenTTL: cfg.Services.TokenTTL,
		Retry: cloudrun.RetryConfig{
			MaxRetries: cfg.Retry.MaxRetries,
			BaseDelay:  cfg.Retry.BaseDelay,
			MaxDelay:   cfg.Retry.MaxDelay,
			Jitter:     cfg.Retry.Jitter,
		},
	}, cloudrun.WithLogger(logger))
}
