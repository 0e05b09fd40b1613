package main

import (
	"errors"
	"fmt"

	"github.com/klyr/klyr/internal/config"
	"github.com/klyr/klyr/internal/rules"
	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file and compile its rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				return errors.New("config path is required")
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			engine, err := rules.BuildEngine(cfg)
			if err != nil {
				return fmt.Errorf("compile rules: %w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "config ok: %d policies, %d routes, %d rules, %d global filters\n",
				len(cfg.Policies), len(cfg.Routes), engine.Len(), len(cfg.GlobalFilters))
			return err
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	return cmd
}
