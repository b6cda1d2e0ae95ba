package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/listing-ingest/internal/crawler"
	"github.com/JakeFAU/listing-ingest/internal/processor"
)

func newEnqueueCmd() *cobra.Command {
	var (
		corr crawler.Correlation
		key  string
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queues a crawl_site job for a data source",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, _, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			id, err := a.Adapter.Enqueue(cmd.Context(), processor.JobTypeCrawlSite,
				processor.CrawlSitePayload{DataSourceID: corr.DataSourceID}, corr, key)
			if err != nil {
				return fmt.Errorf("enqueue: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&corr.DataSourceID, "data-source", "", "data source id")
	cmd.Flags().StringVar(&corr.CustomerID, "customer", "", "customer id owning the data source")
	cmd.Flags().StringVar(&corr.RunID, "run-id", "", "run id; generated by the worker when empty")
	cmd.Flags().StringVar(&key, "key", "", "idempotency key; repeated keys return the existing job")
	_ = cmd.MarkFlagRequired("data-source")
	_ = cmd.MarkFlagRequired("customer")
	return cmd
}
