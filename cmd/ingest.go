package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldscope/permitmap/internal/fetcher"
	"github.com/fieldscope/permitmap/internal/ingest"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <manifest.yaml> [manifest.yaml...]",
	Short: "Load permit datasets from manifests",
	Long:  "Downloads each manifest's dataset (HTTP or FTP, with ETag skip for unchanged files), parses it, and upserts locations into the store.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("ingest"); err != nil {
			return err
		}

		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.Migrate(ctx); err != nil {
			return err
		}

		timeout := time.Duration(cfg.Ingest.TimeoutSecs) * time.Second
		httpF := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
			UserAgent:  cfg.Ingest.UserAgent,
			Timeout:    timeout,
			MaxRetries: cfg.Ingest.MaxRetries,
		})
		ftpF := fetcher.NewFTPFetcher(fetcher.FTPOptions{Timeout: timeout})

		runner := ingest.NewRunner(st, httpF, ftpF, cfg.Ingest.TempDir)
		summaries, runErr := runner.RunManifests(ctx, args)

		for _, s := range summaries {
			if s.NotChanged {
				fmt.Printf("%-24s unchanged, skipped\n", s.Dataset)
				continue
			}
			fmt.Printf("%-24s parsed=%d invalid=%d upserted=%d in %s\n",
				s.Dataset, s.Parsed, s.Invalid, s.Upserted, s.Duration.Round(time.Millisecond))
		}

		return runErr
	},
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}
