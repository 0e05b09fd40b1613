package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/klyr/klyr/internal/logging"
	"github.com/klyr/klyr/internal/report"
	"github.com/spf13/cobra"
)

func newReportCmd() *cobra.Command {
	var inputPath string
	var since string
	var format string
	var outPath string
	var dbPath string
	var limit int

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize decision logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if inputPath == "" && dbPath == "" {
				return errors.New("input path or decision store is required")
			}

			reader := report.Reader{}
			if since != "" {
				dur, err := time.ParseDuration(since)
				if err != nil {
					return fmt.Errorf("invalid since duration: %w", err)
				}
				reader.Since = time.Now().Add(-dur)
			}

			var decisions []logging.Record
			var err error
			if dbPath != "" {
				decisions, err = readStore(cmd.Context(), dbPath, limit, reader.Since)
			} else {
				decisions, err = reader.Read(inputPath)
			}
			if err != nil {
				return err
			}

			summary := report.Summarize(decisions)
			switch format {
			case "", "text":
				return report.WriteOutput(outPath, []byte(report.RenderText(summary)))
			case "md":
				return report.WriteOutput(outPath, []byte(report.RenderMarkdown(summary)))
			case "json":
				data, err := report.RenderJSON(summary)
				if err != nil {
					return err
				}
				return report.WriteOutput(outPath, data)
			default:
				return fmt.Errorf("unknown format %q", format)
			}
		},
	}

	cmd.Flags().StringVar(&inputPath, "in", "", "Path to decision log JSONL")
	cmd.Flags().StringVar(&since, "since", "", "Only include entries newer than this duration (e.g. 10m)")
	cmd.Flags().StringVar(&format, "format", "text", "Output format: text|md|json")
	cmd.Flags().StringVar(&outPath, "out", "", "Output file path (default stdout)")
	cmd.Flags().StringVar(&dbPath, "db", "", "Read from a SQLite decision store instead of JSONL")
	cmd.Flags().IntVar(&limit, "limit", 10000, "Maximum records read from the decision store")

	return cmd
}

func readStore(ctx context.Context, path string, limit int, since time.Time) ([]logging.Record, error) {
	store, err := logging.OpenSQLiteStore(path)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	records, err := store.Recent(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := records[:0]
	for _, rec := range records {
		if since.IsZero() || !rec.Timestamp.Before(since) {
			out = append(out, rec)
		}
	}
	return out, nil
}
