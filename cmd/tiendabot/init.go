package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/vitrina/tiendabot/config"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Write a starter config.yaml with the default settings",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 && args[0] != "" {
				dir = args[0]
			}
			dir = filepath.Clean(dir)
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}

			cfgPath := filepath.Join(dir, "config.yaml")
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists: %s", cfgPath)
			}

			body, err := yaml.Marshal(config.Default())
			if err != nil {
				return err
			}
			if err := os.WriteFile(cfgPath, body, 0o644); err != nil {
				return err
			}

			fmt.Printf("initialized %s\n", cfgPath)
			return nil
		},
	}

	return cmd
}
