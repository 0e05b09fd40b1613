package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klyr/klyr/internal/api"
	"github.com/klyr/klyr/internal/config"
	"github.com/klyr/klyr/internal/decision"
	"github.com/klyr/klyr/internal/grasshopper"
	"github.com/klyr/klyr/internal/inspect"
	"github.com/klyr/klyr/internal/rules"
	"github.com/spf13/cobra"
)

func newInspectCmd() *cobra.Command {
	var configPath string
	var inputPath string
	var profile string

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Inspect one request read from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				return errors.New("config path is required")
			}
			store, err := config.OpenStore(configPath)
			if err != nil {
				return err
			}

			var in io.Reader = cmd.InOrStdin()
			if inputPath != "" && inputPath != "-" {
				f, err := os.Open(inputPath)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			var req api.InspectRequest
			if err := json.NewDecoder(in).Decode(&req); err != nil {
				return fmt.Errorf("decode request: %w", err)
			}

			ins := inspect.New(store, rules.NewDB())
			if err := ins.LoadRules(); err != nil {
				return err
			}
			library, _ := config.With(store, func(cfg *config.Config) string {
				return cfg.ResolvePath(cfg.Grasshopper.Library)
			})
			if gh := grasshopper.Open(library, nil); gh != nil {
				ins.SetGateway(gh)
			}

			var res decision.AnalyzeResult
			if profile != "" {
				res = ins.ContentFilterOnly(cmd.Context(), req.Raw(), profile)
			} else if res, err = ins.Inspect(cmd.Context(), req.Raw()); err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	cmd.Flags().StringVar(&inputPath, "in", "-", "Path to request JSON (default stdin)")
	cmd.Flags().StringVar(&profile, "content-filter", "", "Only run the content filter of this policy")

	return cmd
}
