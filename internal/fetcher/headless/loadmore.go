package headless

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// clickLoadMoreJS clicks the first visible, enabled control whose label
// contains one of the (lower-cased) texts and reports whether it did.
const clickLoadMoreJS = `(function(texts) {
  var nodes = document.querySelectorAll('button, a, [role="button"], input[type="button"], input[type="submit"]');
  for (var i = 0; i < nodes.length; i++) {
    var el = nodes[i];
    if (el.disabled || el.offsetParent === null) { continue; }
    var label = String(el.innerText || el.value || el.getAttribute('aria-label') || '').trim().toLowerCase();
    if (!label || label.length > 80) { continue; }
    for (var j = 0; j < texts.length; j++) {
      if (label.indexOf(texts[j]) !== -1) {
        el.scrollIntoView({block: 'center'});
        el.click();
        return true;
      }
    }
  }
  return false;
})(%s)`

func loadMoreScript(texts []string) string {
	lowered := make([]string, 0, len(texts))
	for _, t := range texts {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			lowered = append(lowered, t)
		}
	}
	encoded, err := json.Marshal(lowered)
	if err != nil {
		encoded = []byte("[]")
	}
	return fmt.Sprintf(clickLoadMoreJS, encoded)
}

func loadMoreAction(texts []string, maxClicks int, settle time.Duration, logger *zap.Logger) chromedp.Action {
	script := loadMoreScript(texts)
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if len(texts) == 0 {
			return nil
		}
		for round := 0; round < maxClicks; round++ {
			var clicked bool
			if err := chromedp.Evaluate(script, &clicked).Do(ctx); err != nil {
				return fmt.Errorf("load more round %d: %w", round, err)
			}
			if !clicked {
				logger.Debug("no load more control left", zap.Int("clicks", round))
				return nil
			}
			if err := chromedp.Sleep(settle).Do(ctx); err != nil {
				return fmt.Errorf("settle after click: %w", err)
			}
		}
		return nil
	})
}
