package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/listing-ingest/internal/app"
	"github.com/JakeFAU/listing-ingest/internal/clock/system"
	"github.com/JakeFAU/listing-ingest/internal/crawler"
)

func newDiscoverCmd() *cobra.Command {
	var profilePath string
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Runs discovery for a site profile and prints the result as JSON",
		Long: `discover loads a site profile document, runs the configured discovery
strategy against the live site, and writes the discovered items and run
counters to stdout. Nothing is queued or stored.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			raw, err := os.ReadFile(profilePath)
			if err != nil {
				return fmt.Errorf("read profile: %w", err)
			}
			profile, err := crawler.ParseSiteProfile(raw)
			if err != nil {
				return err
			}
			_, engine := app.NewEngine(e.cfg, system.New(), e.logger)
			res, err := engine.Discover(cmd.Context(), profile)
			if err != nil {
				return fmt.Errorf("discover: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	cmd.Flags().StringVar(&profilePath, "profile", "", "path to a site profile JSON document")
	_ = cmd.MarkFlagRequired("profile")
	return cmd
}
