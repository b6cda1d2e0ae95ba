package processor_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-ingest/internal/crawler"
	"github.com/JakeFAU/listing-ingest/internal/discovery"
	"github.com/JakeFAU/listing-ingest/internal/fetcher"
	"github.com/JakeFAU/listing-ingest/internal/fetcher/headless"
	"github.com/JakeFAU/listing-ingest/internal/hash/sha256"
	"github.com/JakeFAU/listing-ingest/internal/jobqueue"
	queuemem "github.com/JakeFAU/listing-ingest/internal/jobqueue/memory"
	"github.com/JakeFAU/listing-ingest/internal/processor"
	pubmem "github.com/JakeFAU/listing-ingest/internal/publisher/memory"
	blobmem "github.com/JakeFAU/listing-ingest/internal/storage/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type fakeSources struct {
	sources map[string]crawler.DataSource
}

func (f *fakeSources) LoadDataSource(_ context.Context, id string) (crawler.DataSource, error) {
	ds, ok := f.sources[id]
	if !ok {
		return crawler.DataSource{}, crawler.ErrNotFound
	}
	return ds, nil
}

type fakeListings struct {
	mu          sync.Mutex
	records     []crawler.ListingRecord
	markedRunID string
	markedSeen  []string
}

func (f *fakeListings) UpsertListing(_ context.Context, rec crawler.ListingRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeListings) MarkMissing(_ context.Context, _ string, runID string, seen []string, _ time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markedRunID = runID
	f.markedSeen = append([]string(nil), seen...)
	return 3, nil
}

func (f *fakeListings) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.markedSeen
}

func (f *fakeListings) snapshot() ([]crawler.ListingRecord, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]crawler.ListingRecord(nil), f.records...), f.markedRunID
}

type fakeRuns struct {
	mu   sync.Mutex
	runs []crawler.RunRecord
}

func (f *fakeRuns) RecordRun(_ context.Context, run crawler.RunRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, run)
	return nil
}

func (f *fakeRuns) snapshot() []crawler.RunRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]crawler.RunRecord(nil), f.runs...)
}

type fakeDiscoverer struct {
	result discovery.Result
	err    error
	calls  atomic.Int32
}

func (f *fakeDiscoverer) Discover(context.Context, crawler.SiteProfile) (discovery.Result, error) {
	f.calls.Add(1)
	return f.result, f.err
}

type pageDriver struct {
	pages map[string]string
}

func (d pageDriver) Fetch(_ context.Context, url string, _ crawler.FetchOptions) (crawler.FetchResult, error) {
	body, ok := d.pages[url]
	if !ok {
		return fetcher.FailedResult(url, crawler.DriverHTTP, 1,
			crawler.Errorf(crawler.CodeFetchFail, "fetch", "connection refused")), nil
	}
	status := http.StatusOK
	return crawler.FetchResult{FinalURL: url, Status: &status, Body: body}, nil
}

type staticIDs struct{}

func (staticIDs) NewID() (string, error) { return "run-generated", nil }

const detailPage = `<html><head><title>Volvo V70</title>
<meta property="og:description" content="Well kept estate"></head>
<body><h1>Volvo V70</h1></body></html>`

type harness struct {
	broker     *queuemem.Broker
	adapter    *jobqueue.Adapter
	sources    *fakeSources
	listings   *fakeListings
	runs       *fakeRuns
	discoverer *fakeDiscoverer
	blobs      *blobmem.BlobStore
	events     *pubmem.Publisher
	pages      map[string]string
	headless   crawler.Driver
	retry      *processor.RetryPolicy
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		broker: queuemem.NewBroker(),
		sources: &fakeSources{sources: map[string]crawler.DataSource{
			"ds-1": {
				ID:         "ds-1",
				CustomerID: "cust-1",
				Active:     true,
				Profile: crawler.SiteProfile{
					Version: 1,
					Discovery: crawler.DiscoveryConfig{
						Strategy: crawler.StrategyHTMLLinks,
						SeedURLs: []string{"https://dealer.example/cars"},
					},
					Extract: crawler.ExtractConfig{Vertical: crawler.VerticalGeneric},
				},
			},
			"ds-off": {ID: "ds-off", CustomerID: "cust-1"},
		}},
		listings: &fakeListings{},
		runs:     &fakeRuns{},
		discoverer: &fakeDiscoverer{result: discovery.Result{
			Items: []crawler.DiscoveredItem{
				{SourceItemID: "1", URL: "https://dealer.example/cars/1"},
				{SourceItemID: "2", URL: "https://dealer.example/cars/2"},
			},
			Meta: discovery.Meta{Strategy: crawler.StrategyHTMLLinks, DiscoveredCount: 2},
		}},
		blobs:  blobmem.NewBlobStore(),
		events: pubmem.New(),
		pages: map[string]string{
			"https://dealer.example/cars/1": detailPage,
			"https://dealer.example/cars/2": detailPage,
		},
		retry: processor.NewRetryPolicy(3, time.Minute, time.Hour),
	}
	h.adapter = jobqueue.NewAdapter(h.broker, jobqueue.Options{})
	t.Cleanup(func() { _ = h.adapter.Close() })
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	clock := fixedClock{now: time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)}
	p := processor.New(processor.Deps{
		Sources:    h.sources,
		Listings:   h.listings,
		Runs:       h.runs,
		Discoverer: h.discoverer,
		Drivers:    fetcher.Drivers{HTTP: pageDriver{pages: h.pages}, Headless: h.headless},
		Blobs:      h.blobs,
		Hasher:     sha256.New(),
		Clock:      clock,
		IDs:        staticIDs{},
		Events:     processor.NewPublisherSink(h.events, "run-events", nil),
		Retry:      h.retry,
	}, processor.Config{SnapshotPrefix: "snapshots"}, nil)
	w, err := h.adapter.CreateWorker(processor.JobTypeCrawlSite, p, jobqueue.WorkerOptions{PollInterval: 5 * time.Millisecond})
	require.NoError(t, err)
	go func() { _ = w.Run(context.Background()) }()
}

func (h *harness) enqueue(t *testing.T, payload processor.CrawlSitePayload, corr crawler.Correlation) string {
	t.Helper()
	id, err := h.adapter.Enqueue(context.Background(), processor.JobTypeCrawlSite, payload, corr, "")
	require.NoError(t, err)
	return id
}

func (h *harness) waitState(t *testing.T, id, state string) queuemem.Info {
	t.Helper()
	var info queuemem.Info
	require.Eventually(t, func() bool {
		var ok bool
		info, ok = h.broker.Job(processor.JobTypeCrawlSite, id)
		return ok && info.State == state
	}, 2*time.Second, 5*time.Millisecond)
	return info
}

func (h *harness) waitEvent(t *testing.T) processor.Event {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(h.events.ByTopic("run-events")) > 0
	}, 2*time.Second, 5*time.Millisecond)
	ev, ok := h.events.ByTopic("run-events")[0].(processor.Event)
	require.True(t, ok)
	return ev
}

var corr = crawler.Correlation{CustomerID: "cust-1", DataSourceID: "ds-1", RunID: "run-1"}

func TestCrawlSiteCompletes(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start(t)

	id := h.enqueue(t, processor.CrawlSitePayload{}, corr)
	h.waitState(t, id, jobqueue.StateCompleted)

	records, marked := h.listings.snapshot()
	require.Len(t, records, 2)
	require.Equal(t, "run-1", marked)
	for _, rec := range records {
		require.Equal(t, "ds-1", rec.DataSourceID)
		require.Equal(t, "run-1", rec.RunID)
		require.NotEmpty(t, rec.ContentHash)
		require.NotNil(t, rec.Fields.BaseFields.Title)
		require.Equal(t, "Volvo V70", *rec.Fields.BaseFields.Title)
		require.Contains(t, rec.BlobURI, "snapshots/ds-1/run-1/")
	}
	require.Len(t, h.blobs.Paths(), 1, "identical bodies share one snapshot")

	ev := h.waitEvent(t)
	require.Equal(t, processor.EventCompleted, ev.Type)
	require.Equal(t, id, ev.JobID)
	require.NotNil(t, ev.Summary)
	require.Equal(t, 2, ev.Summary.ItemsUpserted)
	require.Equal(t, int64(3), ev.Summary.ItemsRemoved)

	runs := h.runs.snapshot()
	require.Len(t, runs, 1)
	require.Equal(t, crawler.RunCompleted, runs[0].Status)
	require.Equal(t, "run-1", runs[0].RunID)
	require.Equal(t, id, runs[0].JobID)
	require.Equal(t, 2, runs[0].ItemsUpserted)
	require.Empty(t, runs[0].Reason)
}

func TestCrawlSitePartialItemFailureStillCompletes(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	delete(h.pages, "https://dealer.example/cars/2")
	h.start(t)

	id := h.enqueue(t, processor.CrawlSitePayload{DataSourceID: "ds-1"}, crawler.Correlation{CustomerID: "cust-1"})
	h.waitState(t, id, jobqueue.StateCompleted)

	records, marked := h.listings.snapshot()
	require.Len(t, records, 1)
	require.Equal(t, "run-generated", marked)
	require.Equal(t, []string{"1", "2"}, h.listings.seen(), "a failed item still counts as present")

	ev := h.waitEvent(t)
	require.Equal(t, 1, ev.Summary.ItemsFailed)
}

func TestCrawlSiteStoppedDiscoveryKeepsUnseenListings(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.discoverer.result.Meta.StoppedBy = discovery.StoppedByMaxItems
	delete(h.pages, "https://dealer.example/cars/2")
	h.start(t)

	id := h.enqueue(t, processor.CrawlSitePayload{}, corr)
	h.waitState(t, id, jobqueue.StateCompleted)

	records, marked := h.listings.snapshot()
	require.Len(t, records, 1)
	require.Empty(t, marked, "a truncated discovery must not remove listings")

	ev := h.waitEvent(t)
	require.Equal(t, discovery.StoppedByMaxItems, ev.Summary.StoppedBy)
	require.Zero(t, ev.Summary.ItemsRemoved)
}

func TestCrawlSiteHeadlessProfileFallsBackToHTTP(t *testing.T) {
	t.Parallel()

	cases := map[string]crawler.Driver{
		"disabled driver": headless.Disabled{},
		"no driver wired": nil,
	}
	for name, driver := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			ds := h.sources.sources["ds-1"]
			ds.Profile.Fetch.Driver = crawler.DriverHeadless
			h.sources.sources["ds-1"] = ds
			h.headless = driver
			h.start(t)

			id := h.enqueue(t, processor.CrawlSitePayload{}, corr)
			h.waitState(t, id, jobqueue.StateCompleted)

			records, _ := h.listings.snapshot()
			require.Len(t, records, 2)
			ev := h.waitEvent(t)
			require.Equal(t, 2, ev.Summary.ItemsUpserted)
			require.Zero(t, ev.Summary.ItemsFailed)
		})
	}
}

func TestCrawlSiteValidationFailuresDeadLetter(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		payload processor.CrawlSitePayload
		corr    crawler.Correlation
	}{
		"unknown data source": {
			payload: processor.CrawlSitePayload{DataSourceID: "ds-missing"},
			corr:    crawler.Correlation{CustomerID: "cust-1"},
		},
		"inactive data source": {
			payload: processor.CrawlSitePayload{DataSourceID: "ds-off"},
			corr:    crawler.Correlation{CustomerID: "cust-1"},
		},
		"other customer": {
			corr: crawler.Correlation{CustomerID: "cust-2", DataSourceID: "ds-1"},
		},
		"no data source id": {
			corr: crawler.Correlation{CustomerID: "cust-1"},
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			h.start(t)

			id := h.enqueue(t, tc.payload, tc.corr)
			info := h.waitState(t, id, jobqueue.StateDead)
			require.Equal(t, string(crawler.CodeValidationFail), info.Reason)
			require.Zero(t, h.discoverer.calls.Load())

			ev := h.waitEvent(t)
			require.Equal(t, processor.EventDeadLettered, ev.Type)
			require.Equal(t, string(crawler.CodeValidationFail), ev.Reason)
			require.Empty(t, h.runs.snapshot(), "no run id was assigned")
		})
	}
}

func TestCrawlSiteNothingDiscoveredDeadLetters(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.discoverer.result = discovery.Result{Meta: discovery.Meta{Strategy: crawler.StrategyHTMLLinks}}
	h.start(t)

	id := h.enqueue(t, processor.CrawlSitePayload{}, corr)
	info := h.waitState(t, id, jobqueue.StateDead)
	require.Equal(t, string(crawler.CodeValidationFail), info.Reason)
}

func TestCrawlSiteSeedPagesErroringRetries(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.discoverer.result = discovery.Result{Meta: discovery.Meta{
		Strategy: crawler.StrategyHTMLLinks,
		Counters: map[string]int{"pageHTTPErrors": 2},
	}}
	h.start(t)

	id := h.enqueue(t, processor.CrawlSitePayload{}, corr)
	info := h.waitState(t, id, jobqueue.StateDelayed)
	require.Equal(t, string(crawler.CodeFetchFail), info.Reason)
	require.Equal(t, 1, info.Attempts)
}

func TestCrawlSiteTransientFailureRetries(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.discoverer.err = crawler.Errorf(crawler.CodeFetchFail, "discover", "every page fetch failed")
	h.start(t)

	id := h.enqueue(t, processor.CrawlSitePayload{}, corr)
	info := h.waitState(t, id, jobqueue.StateDelayed)
	require.Equal(t, string(crawler.CodeFetchFail), info.Reason)
	require.Equal(t, 1, info.Attempts)

	ev := h.waitEvent(t)
	require.Equal(t, processor.EventRetry, ev.Type)
	require.Positive(t, ev.RetryInMs)

	runs := h.runs.snapshot()
	require.Len(t, runs, 1)
	require.Equal(t, crawler.RunRetrying, runs[0].Status)
	require.Equal(t, crawler.CodeFetchFail, runs[0].Reason)
}

func TestCrawlSiteAllItemsFailedRetries(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.pages = map[string]string{}
	h.start(t)

	id := h.enqueue(t, processor.CrawlSitePayload{}, corr)
	info := h.waitState(t, id, jobqueue.StateDelayed)
	require.Equal(t, string(crawler.CodeFetchFail), info.Reason)
	records, _ := h.listings.snapshot()
	require.Empty(t, records)
}

func TestCrawlSiteExhaustedAttemptsDeadLetterWithOriginalCode(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.retry = processor.NewRetryPolicy(1, time.Minute, time.Hour)
	h.discoverer.err = crawler.NewError(crawler.CodeFetchTimeout, "discover", context.DeadlineExceeded)
	h.start(t)

	id := h.enqueue(t, processor.CrawlSitePayload{}, corr)
	info := h.waitState(t, id, jobqueue.StateDead)
	require.Equal(t, string(crawler.CodeFetchTimeout), info.Reason)
}

func TestLockEventHandlerPublishesLockLost(t *testing.T) {
	t.Parallel()
	events := pubmem.New()
	handler := processor.LockEventHandler(
		processor.NewPublisherSink(events, "run-events", nil),
		fixedClock{now: time.Unix(0, 0)},
	)

	handler(jobqueue.LockEvent{
		JobType:     processor.JobTypeCrawlSite,
		JobID:       "job-1",
		Correlation: corr,
		Event:       jobqueue.LockLost,
		Err:         errors.New("lock expired"),
	})

	msgs := events.Messages()
	require.Len(t, msgs, 1)
	ev, ok := msgs[0].Payload.(processor.Event)
	require.True(t, ok)
	require.Equal(t, processor.EventLockLost, ev.Type)
	require.Equal(t, "lock_lost", ev.Reason)
	require.Equal(t, "ds-1", ev.DataSourceID)
}
