package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/opero/api/schemas"
)

const (
	readyStateTimeout = 2 * time.Second
	screenshotQuality = 95
)

// ErrElementNotFound is returned when an XPath no longer resolves in the live document.
var ErrElementNotFound = errors.New("element not found")

// Tab drives one page target. All methods are safe for concurrent use; CDP
// serializes the commands.
type Tab struct {
	id     schemas.TabID
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	actionTimeout     time.Duration
	navigationTimeout time.Duration

	neutralized atomic.Bool

	mu         sync.Mutex
	uploadDirs []string
}

// ID returns the target id of the tab.
func (t *Tab) ID() schemas.TabID { return t.id }

// run executes actions against the tab, bounded by ctx and ceiling.
func (t *Tab) run(ctx context.Context, ceiling time.Duration, actions ...chromedp.Action) error {
	opCtx, cancel := withOperationTimeout(t.ctx, ctx, ceiling)
	defer cancel()
	if err := chromedp.Run(opCtx, actions...); err != nil {
		if errors.Is(opCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("tab %s: operation timed out after %v: %w", t.id, ceiling, err)
		}
		return err
	}
	return nil
}

// Ready reports whether the current document has finished parsing.
func (t *Tab) Ready(ctx context.Context) (bool, error) {
	var state string
	if err := t.run(ctx, readyStateTimeout, chromedp.Evaluate(`document.readyState`, &state)); err != nil {
		return false, err
	}
	return state != "" && state != "loading", nil
}

// URL returns the address of the current document.
func (t *Tab) URL(ctx context.Context) (string, error) {
	var url string
	if err := t.run(ctx, t.actionTimeout, chromedp.Location(&url)); err != nil {
		return "", err
	}
	return url, nil
}

// NeutralizeNewTabs keeps navigation in this tab for the current and every
// future document. The page script is registered once per tab.
func (t *Tab) NeutralizeNewTabs(ctx context.Context) error {
	if t.neutralized.Load() {
		return nil
	}
	script, err := invokeScript(blankPatchJS)
	if err != nil {
		return err
	}
	var applied bool
	err = t.run(ctx, t.actionTimeout,
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx)
			return err
		}),
		chromedp.Evaluate(script, &applied),
	)
	if err != nil {
		return fmt.Errorf("failed to install new-tab patch: %w", err)
	}
	t.neutralized.Store(true)
	return nil
}

type snapshotOptions struct {
	DoHighlight       bool `json:"doHighlight"`
	ViewportExpansion int  `json:"viewportExpansion"`
}

// Snapshot captures the current document. With highlight set, actionable
// elements are overlaid with their index until ClearHighlights.
func (t *Tab) Snapshot(ctx context.Context, highlight bool) (*schemas.PageSnapshot, error) {
	script, err := invokeScript(domTreeJS, snapshotOptions{DoHighlight: highlight})
	if err != nil {
		return nil, err
	}
	var raw string
	if err := t.run(ctx, t.navigationTimeout, chromedp.Evaluate(script, &raw)); err != nil {
		return nil, fmt.Errorf("failed to build page snapshot: %w", err)
	}
	var snap schemas.PageSnapshot
	if err := json.UnmarshalFromString(raw, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode page snapshot: %w", err)
	}
	if snap.Map == nil {
		snap.Map = map[string]schemas.DomNode{}
	}
	return &snap, nil
}

// ClearHighlights removes the overlay drawn by Snapshot.
func (t *Tab) ClearHighlights(ctx context.Context) error {
	script, err := invokeScript(clearHighlightsJS)
	if err != nil {
		return err
	}
	var ok bool
	return t.run(ctx, t.actionTimeout, chromedp.Evaluate(script, &ok))
}

// Locate reports whether xpath resolves to an element in the live document.
func (t *Tab) Locate(ctx context.Context, xpath string) (bool, error) {
	script, err := invokeAction("locate", xpath)
	if err != nil {
		return false, err
	}
	var found bool
	if err := t.run(ctx, t.actionTimeout, chromedp.Evaluate(script, &found)); err != nil {
		return false, err
	}
	return found, nil
}

// Screenshot captures the visible viewport as a JPEG data URL.
func (t *Tab) Screenshot(ctx context.Context) (string, error) {
	var buf []byte
	err := t.run(ctx, t.actionTimeout, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		buf, err = page.CaptureScreenshot().
			WithFormat(page.CaptureScreenshotFormatJpeg).
			WithQuality(screenshotQuality).
			Do(ctx)
		return err
	}))
	if err != nil {
		return "", fmt.Errorf("failed to capture screenshot: %w", err)
	}
	return schemas.EncodeDataURL("image/jpeg", buf), nil
}

// close removes files staged for uploads and, for tabs the manager attached
// to, releases the CDP session.
func (t *Tab) close() {
	t.mu.Lock()
	dirs := t.uploadDirs
	t.uploadDirs = nil
	t.mu.Unlock()
	for _, dir := range dirs {
		if err := os.RemoveAll(dir); err != nil {
			t.logger.Warn("Failed to remove upload staging directory.", zap.String("dir", dir), zap.Error(err))
		}
	}
	if t.cancel != nil {
		t.cancel()
	}
}
