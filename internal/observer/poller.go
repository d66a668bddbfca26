// Package observer follows run progress by polling the run state store and
// fans each change out to sinks such as the console printer and the websocket feed.
// It only reads the store.
package observer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/opero/api/schemas"
)

// StateReader reads the persisted run state.
type StateReader interface {
	Get(ctx context.Context) (schemas.RunState, error)
}

// Update is the change in run progress between two polls.
type Update struct {
	RunID     string                `json:"runId,omitempty"`
	TabID     schemas.TabID         `json:"tabId,omitempty"`
	Prompt    string                `json:"prompt"`
	Mode      schemas.Mode          `json:"agentMode"`
	IsRunning bool                  `json:"isRunning"`
	StepCount int                   `json:"stepCount"`
	NewSteps  []schemas.HistoryStep `json:"newSteps"`
	// Started is set on the first update of a run.
	Started bool `json:"started,omitempty"`
	// Finished is set when a run that was observed running has stopped.
	Finished bool `json:"finished,omitempty"`
	// Reset is set when the state went back to its default value.
	Reset bool `json:"reset,omitempty"`
}

// LastStep returns the most recent new step, if any.
func (u Update) LastStep() (schemas.HistoryStep, bool) {
	if len(u.NewSteps) == 0 {
		return schemas.HistoryStep{}, false
	}
	return u.NewSteps[len(u.NewSteps)-1], true
}

// Sink receives updates. Observe is called from the poller goroutine and
// should not block for long.
type Sink interface {
	Observe(Update)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Update)

// Observe implements Sink.
func (f SinkFunc) Observe(u Update) { f(u) }

// progress is what the poller remembers between polls.
type progress struct {
	runID   string
	running bool
	steps   int
	empty   bool
}

// Poller reads the store on a fixed interval.
type Poller struct {
	reader   StateReader
	interval time.Duration
	sinks    []Sink
	logger   *zap.Logger

	last *progress
}

// NewPoller creates a poller. interval must be positive.
func NewPoller(reader StateReader, interval time.Duration, logger *zap.Logger, sinks ...Sink) *Poller {
	return &Poller{
		reader:   reader,
		interval: interval,
		sinks:    sinks,
		logger:   logger.Named("observer"),
	}
}

// Seed records state as already seen without notifying sinks. Call it before
// Start so a run left over from an earlier invocation is not reported.
func (p *Poller) Seed(state schemas.RunState) {
	p.next(state)
}

// Start runs the poller in the background. The returned function stops it
// and waits for the goroutine to exit.
func (p *Poller) Start(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.Run(ctx)
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

// Run polls until ctx is cancelled. The first poll happens immediately.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.Poll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll reads the store once and notifies sinks when progress changed.
func (p *Poller) Poll(ctx context.Context) {
	state, err := p.reader.Get(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("Failed to read run state.", zap.Error(err))
		}
		return
	}

	update, changed := p.next(state)
	if !changed {
		return
	}
	for _, s := range p.sinks {
		s.Observe(update)
	}
}

// next folds state into the remembered progress.
func (p *Poller) next(state schemas.RunState) (Update, bool) {
	steps := state.Steps()
	cur := &progress{
		runID:   state.RunID,
		running: state.IsRunning,
		steps:   len(steps),
		empty:   state.RunID == "" && !state.IsRunning && len(steps) == 0 && state.DisplayPrompt() == "",
	}
	prev := p.last
	p.last = cur

	u := Update{
		RunID:     state.RunID,
		TabID:     state.TabID,
		Prompt:    state.DisplayPrompt(),
		Mode:      state.Mode,
		IsRunning: state.IsRunning,
		StepCount: len(steps),
	}

	if prev == nil || prev.runID != cur.runID {
		if cur.empty {
			u.Reset = prev != nil && !prev.empty
			return u, u.Reset
		}
		u.Started = true
		u.NewSteps = steps
		u.Finished = prev != nil && !cur.running
		return u, true
	}

	from := prev.steps
	if from > len(steps) {
		from = 0
	}
	u.NewSteps = steps[from:]
	u.Finished = prev.running && !cur.running
	changed := len(u.NewSteps) > 0 || prev.running != cur.running
	return u, changed
}
