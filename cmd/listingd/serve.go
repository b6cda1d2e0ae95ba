package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/listing-ingest/internal/api"
	"github.com/JakeFAU/listing-ingest/internal/processor"
)

func newServeCmd() *cobra.Command {
	var withWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serves the job API plus health and metrics endpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, e, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			opts := api.Options{
				JobTypes: []string{processor.JobTypeCrawlSite},
				Status:   a.Status,
				Checks:   a.ReadinessChecks(),
				Logger:   e.logger.Named("api"),
			}
			if e.cfg.Auth.Enabled {
				opts.APIKey = e.cfg.Auth.APIKey
			}
			srv := &http.Server{
				Addr:              fmt.Sprintf(":%d", e.cfg.Server.Port),
				Handler:           api.NewServer(a.Adapter, opts).Handler(),
				ReadHeaderTimeout: 5 * time.Second,
			}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				e.logger.Info("http server started", zap.Int("port", e.cfg.Server.Port))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			})
			if withWorker {
				g.Go(func() error { return runWorker(ctx, a) })
			}
			g.Go(func() error {
				<-ctx.Done()
				e.logger.Info("shutdown initiated")
				shutdownCtx, cancel := context.WithTimeout(context.Background(),
					time.Duration(e.cfg.Server.ShutdownTimeoutSeconds)*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					return fmt.Errorf("server shutdown: %w", err)
				}
				return nil
			})
			err = g.Wait()
			e.logger.Info("shutdown complete")
			return err
		},
	}
	cmd.Flags().BoolVar(&withWorker, "with-worker", false, "also run a crawl_site worker in this process")
	return cmd
}
