package postgres

import (
	"context"
	"fmt"

	"github.com/JakeFAU/listing-ingest/internal/crawler"
)

// RecordRun upserts the history row of a crawl attempt. A run id reused
// across retries keeps one row holding the latest attempt.
func (s *Store) RecordRun(ctx context.Context, run crawler.RunRecord) error {
	if run.RunID == "" || run.DataSourceID == "" {
		return fmt.Errorf("run id and data source id are required")
	}
	const query = `
INSERT INTO crawl_runs (
	run_id,
	data_source_id,
	customer_id,
	job_id,
	attempt,
	status,
	reason,
	items_discovered,
	items_upserted,
	items_failed,
	items_removed,
	stopped_by,
	started_at,
	finished_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
)
ON CONFLICT (run_id) DO UPDATE SET
	job_id = EXCLUDED.job_id,
	attempt = EXCLUDED.attempt,
	status = EXCLUDED.status,
	reason = EXCLUDED.reason,
	items_discovered = EXCLUDED.items_discovered,
	items_upserted = EXCLUDED.items_upserted,
	items_failed = EXCLUDED.items_failed,
	items_removed = EXCLUDED.items_removed,
	stopped_by = EXCLUDED.stopped_by,
	started_at = EXCLUDED.started_at,
	finished_at = EXCLUDED.finished_at`

	_, err := s.pool.Exec(ctx, query,
		run.RunID,
		run.DataSourceID,
		run.CustomerID,
		run.JobID,
		run.Attempt,
		string(run.Status),
		nullable(string(run.Reason)),
		run.ItemsDiscovered,
		run.ItemsUpserted,
		run.ItemsFailed,
		run.ItemsRemoved,
		nullable(run.StoppedBy),
		run.StartedAt.UTC(),
		run.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record run %s: %w", run.RunID, err)
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
