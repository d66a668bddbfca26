// Package quiescence decides when a tab has stopped loading long enough to be
// inspected or acted on again.
package quiescence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/opero/api/schemas"
	"github.com/xkilldash9x/opero/internal/config"
)

// EventKind is the lifecycle stage a NetworkEvent reports.
type EventKind int

const (
	RequestStarted EventKind = iota
	RequestFinished
	RequestFailed
)

// NetworkEvent is one request lifecycle notification for a tab.
// Kind and URL are only meaningful on RequestStarted.
type NetworkEvent struct {
	Type      EventKind
	RequestID string
	Kind      ResourceKind
	URL       string
}

// EventSource delivers network events for a single tab. The callback may be
// invoked from any goroutine. Calling detach stops delivery.
type EventSource interface {
	Subscribe(ctx context.Context, tabID schemas.TabID, fn func(NetworkEvent)) (detach func(), err error)
}

// Options holds the detector timings.
type Options struct {
	PollInterval  time.Duration
	IdleThreshold time.Duration
	HardCeiling   time.Duration
	SettleBuffer  time.Duration
}

// DefaultOptions returns 100ms polling, 500ms idle, a 10s ceiling and a 1s settle buffer.
func DefaultOptions() Options {
	return Options{
		PollInterval:  100 * time.Millisecond,
		IdleThreshold: 500 * time.Millisecond,
		HardCeiling:   10 * time.Second,
		SettleBuffer:  time.Second,
	}
}

// OptionsFromConfig maps configuration onto Options.
func OptionsFromConfig(cfg config.QuiescenceConfig) Options {
	return Options{
		PollInterval:  cfg.PollInterval,
		IdleThreshold: cfg.IdleThreshold,
		HardCeiling:   cfg.HardCeiling,
		SettleBuffer:  cfg.SettleBuffer,
	}
}

// Detector waits for a tab to go quiet. A single Detector may serve any number
// of sequential or concurrent waits; each wait owns its own subscription.
type Detector struct {
	source EventSource
	opts   Options
	logger *zap.Logger
}

// New creates a Detector.
func New(source EventSource, opts Options, logger *zap.Logger) *Detector {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultOptions().PollInterval
	}
	return &Detector{
		source: source,
		opts:   opts,
		logger: logger.Named("quiescence"),
	}
}

// tracker holds the in-flight set for one wait.
type tracker struct {
	mu           sync.Mutex
	inflight     map[string]struct{}
	lastActivity time.Time
}

func (t *tracker) handle(ev NetworkEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch ev.Type {
	case RequestStarted:
		if !IsRelevant(ev.Kind, ev.URL) {
			return
		}
		t.inflight[ev.RequestID] = struct{}{}
		t.lastActivity = time.Now()
	case RequestFinished, RequestFailed:
		if _, ok := t.inflight[ev.RequestID]; !ok {
			return
		}
		delete(t.inflight, ev.RequestID)
		t.lastActivity = time.Now()
	}
}

func (t *tracker) idle(now time.Time, threshold time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight) == 0 && now.Sub(t.lastActivity) >= threshold
}

// Wait blocks until the tab is quiet or the hard ceiling has passed, then waits
// the settle buffer. It returns early only when ctx is done. The whole call is
// bounded by HardCeiling + SettleBuffer.
func (d *Detector) Wait(ctx context.Context, tabID schemas.TabID) {
	start := time.Now()
	log := d.logger.With(zap.String("tab_id", tabID.String()))

	tr := &tracker{inflight: make(map[string]struct{}), lastActivity: start}

	subCtx, cancel := context.WithCancel(ctx)
	detach, err := d.source.Subscribe(subCtx, tabID, tr.handle)
	if err != nil {
		cancel()
		log.Warn("Could not observe network activity; waiting settle buffer only.", zap.Error(err))
		d.settle(ctx)
		return
	}
	var detachOnce sync.Once
	release := func() {
		detachOnce.Do(func() {
			detach()
			cancel()
		})
	}
	defer release()

	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()
	ceiling := time.NewTimer(d.opts.HardCeiling)
	defer ceiling.Stop()

	for done := false; !done; {
		select {
		case <-ctx.Done():
			return
		case <-ceiling.C:
			log.Debug("Quiescence ceiling reached.", zap.Duration("ceiling", d.opts.HardCeiling))
			done = true
		case now := <-ticker.C:
			if tr.idle(now, d.opts.IdleThreshold) {
				log.Debug("Tab is quiet.", zap.Duration("elapsed", now.Sub(start)))
				done = true
			}
		}
	}

	release()
	d.settle(ctx)
}

func (d *Detector) settle(ctx context.Context) {
	if d.opts.SettleBuffer <= 0 {
		return
	}
	timer := time.NewTimer(d.opts.SettleBuffer)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
