package headless

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-ingest/internal/crawler"
)

func TestNewRequiresEnabled(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.ErrorIs(t, err, crawler.ErrHeadlessDisabled)

	if _, err := New(Config{Enabled: true, MaxParallel: -1}); err == nil {
		t.Fatal("expected error for negative max parallel")
	}
	driver, err := New(Config{Enabled: true, MaxParallel: 2})
	require.NoError(t, err)
	if cap(driver.limiter) != 2 {
		t.Fatalf("expected limiter capacity 2, got %d", cap(driver.limiter))
	}
	require.Equal(t, defaultNavigationTimeout, driver.cfg.NavigationTimeout)
}

func TestDriverSettleDefault(t *testing.T) {
	t.Parallel()

	driver := &Driver{}
	if got := driver.settle(); got != 500*time.Millisecond {
		t.Fatalf("expected default settle, got %v", got)
	}
	driver.cfg.Settle = time.Second
	if got := driver.settle(); got != time.Second {
		t.Fatalf("expected override to be used, got %v", got)
	}
}

func TestNetworkHeaders(t *testing.T) {
	t.Parallel()

	src := http.Header{"X-Test": {"a", "b"}, "X-One": {"1"}, "X-Empty": {}}
	netHeaders := toNetworkHeaders(src)
	switch v := netHeaders["X-Test"].(type) {
	case []string:
		if len(v) != 2 {
			t.Fatalf("expected two entries, got %v", v)
		}
	default:
		t.Fatalf("expected []string, got %T", v)
	}
	require.Equal(t, "1", netHeaders["X-One"])
	require.NotContains(t, netHeaders, "X-Empty")
}

func TestResponseMetaCaptureAndFallbacks(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.capture(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  204,
			URL:     "https://example.com/rendered",
			Headers: network.Headers{"X-Request-ID": "abc"},
		},
	})
	// Later documents (iframes) do not overwrite the main response.
	meta.capture(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 500, URL: "https://ads.example/frame"},
	})
	meta.capture(&network.EventResponseReceived{
		Type:     network.ResourceTypeImage,
		Response: &network.Response{Status: 404, URL: "https://example.com/a.png"},
	})
	status, headers, url := meta.snapshotWithFallbacks("https://req", "")
	if status != 204 || headers.Get("X-Request-ID") != "abc" || url != "https://example.com/rendered" {
		t.Fatalf("unexpected snapshot values: status=%d headers=%v url=%s", status, headers, url)
	}

	meta = newResponseMeta()
	status, _, url = meta.snapshotWithFallbacks("https://req", "https://final")
	if status != http.StatusOK || url != "https://final" {
		t.Fatalf("expected fallback values, got status=%d url=%s", status, url)
	}
}

func TestLoadMoreScriptEmbedsLoweredTexts(t *testing.T) {
	t.Parallel()

	script := loadMoreScript([]string{" Load More ", "Vis flere", ""})
	require.True(t, strings.HasSuffix(script, `(["load more","vis flere"])`), script)
	require.Contains(t, script, "querySelectorAll")
}

func TestDisabledFailsFast(t *testing.T) {
	t.Parallel()

	var d Disabled
	res, err := d.Fetch(context.Background(), "https://dealer.example/cars", crawler.FetchOptions{})
	require.ErrorIs(t, err, crawler.ErrHeadlessDisabled)
	require.Nil(t, res.Status)
	require.Equal(t, crawler.CodeHeadlessDisabled, res.Trace.ErrorCode)

	res, err = d.RenderListing(context.Background(), "https://dealer.example/cars", crawler.ListingOptions{MaxClicks: 5})
	require.Equal(t, crawler.CodeHeadlessDisabled, crawler.CodeOf(err))
	require.Equal(t, "https://dealer.example/cars", res.FinalURL)

	var _ crawler.Driver = Disabled{}
	var _ crawler.ListingRenderer = Disabled{}
	var _ crawler.ListingRenderer = (*Driver)(nil)
}
