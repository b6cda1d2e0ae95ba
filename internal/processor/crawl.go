// Package processor implements the crawl_site job: discover detail pages for
// a customer's data source, fetch and extract each one, persist the
// listings and settle the job.
package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-ingest/internal/crawler"
	"github.com/JakeFAU/listing-ingest/internal/discovery"
	"github.com/JakeFAU/listing-ingest/internal/extract"
	"github.com/JakeFAU/listing-ingest/internal/fetcher"
	"github.com/JakeFAU/listing-ingest/internal/jobqueue"
)

// JobTypeCrawlSite is the queue name of the crawl job.
const JobTypeCrawlSite = "crawl_site"

// CrawlSitePayload is the job payload. DataSourceID falls back to the
// correlation's dataSourceId when empty.
type CrawlSitePayload struct {
	DataSourceID string `json:"dataSourceId,omitempty"`
}

// DataSourceStore loads data sources with their site profile.
type DataSourceStore interface {
	LoadDataSource(ctx context.Context, id string) (crawler.DataSource, error)
}

// ListingStore persists extracted listings. MarkMissing flags the data
// source's listings that were neither written by runID nor named in seen.
type ListingStore interface {
	UpsertListing(ctx context.Context, rec crawler.ListingRecord) error
	MarkMissing(ctx context.Context, dataSourceID, runID string, seen []string, at time.Time) (int64, error)
}

// RunStore keeps the history of crawl attempts.
type RunStore interface {
	RecordRun(ctx context.Context, run crawler.RunRecord) error
}

// Discoverer finds detail pages for a profile.
type Discoverer interface {
	Discover(ctx context.Context, profile crawler.SiteProfile) (discovery.Result, error)
}

// Config tunes the processor.
type Config struct {
	MaxHTMLBytes   int
	SnapshotPrefix string
	ContentType    string
}

// Deps are the collaborators of CrawlSite. Runs, Blobs and Events may be nil.
type Deps struct {
	Sources    DataSourceStore
	Listings   ListingStore
	Runs       RunStore
	Discoverer Discoverer
	Drivers    fetcher.Drivers
	Blobs      crawler.BlobStore
	Hasher     crawler.Hasher
	Clock      crawler.Clock
	IDs        crawler.IDGenerator
	Events     EventSink
	Retry      *RetryPolicy
}

// CrawlSite processes crawl_site jobs.
type CrawlSite struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs a CrawlSite processor.
func New(deps Deps, cfg Config, logger *zap.Logger) *CrawlSite {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Retry == nil {
		deps.Retry = NewRetryPolicy(0, 0, 0)
	}
	if cfg.MaxHTMLBytes <= 0 {
		cfg.MaxHTMLBytes = fetcher.DefaultMaxHTMLBytes
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html; charset=utf-8"
	}
	return &CrawlSite{deps: deps, cfg: cfg, logger: logger}
}

// Process implements jobqueue.Processor. Every path settles the job.
func (p *CrawlSite) Process(ctx context.Context, job *jobqueue.QueuedJob) error {
	logger := p.logger.With(
		zap.String("job_id", job.ID),
		zap.String("customer_id", job.Correlation.CustomerID),
		zap.Int("attempt", job.Attempt),
	)
	r := &crawlRun{job: job, logger: logger, startedAt: p.deps.Clock.Now()}
	err := p.run(ctx, r)
	if err == nil {
		if ackErr := job.Ack(ctx); ackErr != nil {
			return fmt.Errorf("ack job: %w", ackErr)
		}
		p.record(ctx, r, crawler.RunCompleted, "")
		logger.Info("crawl completed",
			zap.String("run_id", r.runID),
			zap.Int("items_discovered", r.summary.ItemsDiscovered),
			zap.Int("items_upserted", r.summary.ItemsUpserted),
			zap.Int("items_failed", r.summary.ItemsFailed),
			zap.Int64("items_removed", r.summary.ItemsRemoved),
		)
		summary := r.summary
		p.emit(ctx, r, Event{Type: EventCompleted, Summary: &summary})
		return nil
	}
	return p.settleFailure(ctx, r, err)
}

func (p *CrawlSite) settleFailure(ctx context.Context, r *crawlRun, runErr error) error {
	code := crawler.CodeOf(runErr)
	if p.deps.Retry.ShouldRetry(runErr, r.job.Attempt) {
		delay := p.deps.Retry.Backoff(r.job.Attempt)
		r.logger.Warn("crawl failed; retrying",
			zap.String("reason", string(code)),
			zap.Duration("delay", delay),
			zap.Error(runErr),
		)
		if err := r.job.Retry(ctx, delay, code); err != nil {
			return fmt.Errorf("retry job: %w", err)
		}
		p.record(ctx, r, crawler.RunRetrying, code)
		p.emit(ctx, r, Event{Type: EventRetry, Reason: string(code), RetryInMs: delay.Milliseconds()})
		return nil
	}
	r.logger.Error("crawl failed; dead-lettering", zap.String("reason", string(code)), zap.Error(runErr))
	if err := r.job.DeadLetter(ctx, code); err != nil {
		return fmt.Errorf("dead-letter job: %w", err)
	}
	p.record(ctx, r, crawler.RunDeadLettered, code)
	p.emit(ctx, r, Event{Type: EventDeadLettered, Reason: string(code)})
	return nil
}

// record writes the attempt to the run history. Attempts rejected before a
// run id exists are not recorded. Failures are logged only; the job is
// already settled.
func (p *CrawlSite) record(ctx context.Context, r *crawlRun, status crawler.RunStatus, reason crawler.ErrorCode) {
	if p.deps.Runs == nil || r.runID == "" {
		return
	}
	err := p.deps.Runs.RecordRun(ctx, crawler.RunRecord{
		RunID:           r.runID,
		JobID:           r.job.ID,
		DataSourceID:    r.dataSourceID,
		CustomerID:      r.job.Correlation.CustomerID,
		Attempt:         r.job.Attempt,
		Status:          status,
		Reason:          reason,
		ItemsDiscovered: r.summary.ItemsDiscovered,
		ItemsUpserted:   r.summary.ItemsUpserted,
		ItemsFailed:     r.summary.ItemsFailed,
		ItemsRemoved:    r.summary.ItemsRemoved,
		StoppedBy:       r.summary.StoppedBy,
		StartedAt:       r.startedAt,
		FinishedAt:      p.deps.Clock.Now(),
	})
	if err != nil {
		r.logger.Warn("failed to record run", zap.Error(err))
	}
}

func (p *CrawlSite) emit(ctx context.Context, r *crawlRun, ev Event) {
	if p.deps.Events == nil {
		return
	}
	ev.JobType = r.job.Type
	ev.JobID = r.job.ID
	ev.CustomerID = r.job.Correlation.CustomerID
	ev.DataSourceID = r.dataSourceID
	ev.RunID = r.runID
	ev.Attempt = r.job.Attempt
	ev.Timestamp = p.deps.Clock.Now().UTC()
	p.deps.Events.Emit(ctx, ev)
}

// crawlRun is the state of one job attempt.
type crawlRun struct {
	job          *jobqueue.QueuedJob
	logger       *zap.Logger
	dataSourceID string
	runID        string
	startedAt    time.Time
	summary      Summary
}

func (p *CrawlSite) run(ctx context.Context, r *crawlRun) error {
	const op = "crawl site"

	var payload CrawlSitePayload
	if len(r.job.Payload) > 0 && string(r.job.Payload) != "null" {
		if err := r.job.Decode(&payload); err != nil {
			return err
		}
	}
	r.dataSourceID = strings.TrimSpace(payload.DataSourceID)
	if r.dataSourceID == "" {
		r.dataSourceID = r.job.Correlation.DataSourceID
	}
	if r.dataSourceID == "" {
		return crawler.Errorf(crawler.CodeValidationFail, op, "dataSourceId is required")
	}

	ds, err := p.deps.Sources.LoadDataSource(ctx, r.dataSourceID)
	switch {
	case errors.Is(err, crawler.ErrNotFound):
		return crawler.NewError(crawler.CodeValidationFail, op, err)
	case err != nil:
		return fmt.Errorf("load data source %s: %w", r.dataSourceID, err)
	case !ds.Active:
		return crawler.Errorf(crawler.CodeValidationFail, op, "data source %s is inactive", ds.ID)
	case ds.CustomerID != r.job.Correlation.CustomerID:
		return crawler.Errorf(crawler.CodeValidationFail, op, "data source %s does not belong to customer", ds.ID)
	}

	r.runID = r.job.Correlation.RunID
	if r.runID == "" {
		if r.runID, err = p.deps.IDs.NewID(); err != nil {
			return fmt.Errorf("generate run id: %w", err)
		}
	}
	r.logger = r.logger.With(zap.String("data_source_id", ds.ID), zap.String("run_id", r.runID))

	result, err := p.deps.Discoverer.Discover(ctx, ds.Profile)
	if err != nil {
		return err
	}
	r.summary.ItemsDiscovered = len(result.Items)
	r.summary.StoppedBy = result.Meta.StoppedBy
	if len(result.Items) == 0 {
		if n := result.Meta.Counters["pageHTTPErrors"]; n > 0 {
			return crawler.Errorf(crawler.CodeFetchFail, op, "discovery found no items; %d pages returned an error status", n)
		}
		return crawler.Errorf(crawler.CodeValidationFail, op, "discovery found no items with strategy %q", result.Meta.Strategy)
	}
	r.logger.Info("discovery finished",
		zap.Int("items", len(result.Items)),
		zap.String("stopped_by", result.Meta.StoppedBy),
		zap.Int64("duration_ms", result.Meta.DurationMs),
	)

	driver, opts, err := p.itemDriver(ds.Profile, ds.Profile.Fetch.Driver)
	if err != nil {
		return err
	}

	var lastErr error
	seen := make([]string, 0, len(result.Items))
	for _, item := range result.Items {
		if ctx.Err() != nil {
			return crawler.NewError(crawler.CodeFetchTimeout, op, ctx.Err())
		}
		seen = append(seen, item.SourceItemID)
		err := p.processItem(ctx, r, ds, driver, opts, item)
		if errors.Is(err, crawler.ErrHeadlessDisabled) {
			r.logger.Warn("headless driver unavailable; fetching items over http")
			if driver, opts, err = p.itemDriver(ds.Profile, crawler.DriverHTTP); err != nil {
				return err
			}
			err = p.processItem(ctx, r, ds, driver, opts, item)
		}
		if err != nil {
			r.summary.ItemsFailed++
			lastErr = err
			r.logger.Warn("item failed",
				zap.String("source_item_id", item.SourceItemID),
				zap.String("url", item.URL),
				zap.String("reason", string(crawler.CodeOf(err))),
				zap.Error(err),
			)
			continue
		}
		r.summary.ItemsUpserted++
	}
	if r.summary.ItemsUpserted == 0 {
		code := crawler.CodeFetchFail
		if crawler.IsPermanent(lastErr) {
			code = crawler.CodeOf(lastErr)
		}
		return crawler.NewError(code, op,
			fmt.Errorf("all %d items failed: %w", r.summary.ItemsFailed, lastErr))
	}

	// A stopped discovery saw only part of the site.
	if result.Meta.StoppedBy != "" {
		r.logger.Info("skipping removal of missing listings", zap.String("stopped_by", result.Meta.StoppedBy))
		return nil
	}
	removed, err := p.deps.Listings.MarkMissing(ctx, ds.ID, r.runID, seen, p.deps.Clock.Now())
	if err != nil {
		return fmt.Errorf("mark missing listings: %w", err)
	}
	r.summary.ItemsRemoved = removed
	return nil
}

// itemDriver selects the detail-page driver for kind, using plain HTTP when
// headless is not configured.
func (p *CrawlSite) itemDriver(profile crawler.SiteProfile, kind crawler.DriverKind) (crawler.Driver, crawler.FetchOptions, error) {
	driver, err := p.deps.Drivers.Select(kind)
	if errors.Is(err, crawler.ErrHeadlessDisabled) {
		kind = crawler.DriverHTTP
		driver, err = p.deps.Drivers.Select(kind)
	}
	if err != nil {
		return nil, crawler.FetchOptions{}, err
	}
	return driver, fetcher.OptionsFor(profile, kind, 0), nil
}

func (p *CrawlSite) processItem(
	ctx context.Context,
	r *crawlRun,
	ds crawler.DataSource,
	driver crawler.Driver,
	opts crawler.FetchOptions,
	item crawler.DiscoveredItem,
) error {
	res, err := driver.Fetch(ctx, item.URL, opts)
	if err != nil {
		return err
	}
	if res.Status == nil {
		code := res.Trace.ErrorCode
		if code == "" {
			code = crawler.CodeFetchFail
		}
		return crawler.Errorf(code, "fetch item", "%s", res.Trace.Error)
	}
	if !res.OK() {
		return crawler.Errorf(crawler.CodeFetchFail, "fetch item", "status %d", res.StatusCode())
	}

	t := fetcher.TruncateHTMLForParse(res.Body, p.cfg.MaxHTMLBytes)
	res.Body = t.HTML
	res.Trace.HTMLTruncated = t.WasTruncated
	res.Trace.OriginalBytes = t.OriginalBytes
	res.Trace.TruncatedBytes = t.TruncatedBytes

	fields, err := extract.Extract(extract.Input{Profile: ds.Profile, Fetch: res})
	if err != nil {
		return err
	}

	body := []byte(res.Body)
	hash, err := p.deps.Hasher.Hash(body)
	if err != nil {
		return fmt.Errorf("hash body: %w", err)
	}
	var uri string
	if p.deps.Blobs != nil {
		uri, err = p.deps.Blobs.PutObject(ctx, p.snapshotPath(ds.ID, r.runID, hash), p.cfg.ContentType, body)
		if err != nil {
			return fmt.Errorf("put snapshot: %w", err)
		}
	}

	rec := crawler.ListingRecord{
		DataSourceID: ds.ID,
		SourceItemID: item.SourceItemID,
		URL:          item.URL,
		RunID:        r.runID,
		Fields:       fields,
		ContentHash:  hash,
		BlobURI:      uri,
		FetchedAt:    p.deps.Clock.Now(),
	}
	if err := p.deps.Listings.UpsertListing(ctx, rec); err != nil {
		return fmt.Errorf("upsert listing: %w", err)
	}
	return nil
}

func (p *CrawlSite) snapshotPath(dataSourceID, runID, hash string) string {
	prefix := strings.Trim(p.cfg.SnapshotPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s/%s.html", dataSourceID, runID, hash)
	}
	return fmt.Sprintf("%s/%s/%s/%s.html", prefix, dataSourceID, runID, hash)
}
