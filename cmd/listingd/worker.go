package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/listing-ingest/internal/app"
	"github.com/JakeFAU/listing-ingest/internal/processor"
)

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Processes crawl_site jobs until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, _, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			return runWorker(cmd.Context(), a)
		},
	}
}

func runWorker(ctx context.Context, a *app.App) error {
	p, err := a.CrawlProcessor()
	if err != nil {
		return err
	}
	w, err := a.Adapter.CreateWorker(processor.JobTypeCrawlSite, p, a.WorkerOptions())
	if err != nil {
		return fmt.Errorf("create worker: %w", err)
	}
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run worker: %w", err)
	}
	return nil
}
