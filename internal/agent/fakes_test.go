package agent_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"go.uber.org/goleak"

	"github.com/xkilldash9x/opero/api/schemas"
	"github.com/xkilldash9x/opero/internal/protocol"
)

// verifyNoLeaks checks for leaked goroutines after every other cleanup of t has run.
func verifyNoLeaks(t *testing.T) {
	t.Helper()
	ignore := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, ignore) })
}

// -- Tab --

type fakeTab struct {
	mu sync.Mutex

	snapshot      *schemas.PageSnapshot
	snapshotErr   error
	snapshotPanic bool
	// gate, when set, holds Snapshot until it is closed or ctx ends.
	gate     chan struct{}
	live     map[string]bool
	notReady bool
	// loading is the number of Ready calls that still report a loading document.
	loading int

	calls       []string
	neutralized int
	snapshots   int
	cleared     int
}

func newFakeTab(snap *schemas.PageSnapshot) *fakeTab {
	live := make(map[string]bool)
	for _, n := range snap.Map {
		if n.XPath != "" {
			live[n.XPath] = true
		}
	}
	return &fakeTab{snapshot: snap, live: live}
}

func (t *fakeTab) record(format string, args ...any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, fmt.Sprintf(format, args...))
	return nil
}

func (t *fakeTab) Calls() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.calls...)
}

func (t *fakeTab) Counts() (neutralized, snapshots, cleared int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.neutralized, t.snapshots, t.cleared
}

func (t *fakeTab) Ready(context.Context) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.loading > 0 {
		t.loading--
		return false, nil
	}
	return !t.notReady, nil
}

func (t *fakeTab) SetReady(ready bool) {
	t.mu.Lock()
	t.notReady = !ready
	t.mu.Unlock()
}

func (t *fakeTab) NeutralizeNewTabs(context.Context) error {
	t.mu.Lock()
	t.neutralized++
	t.mu.Unlock()
	return nil
}

func (t *fakeTab) Snapshot(ctx context.Context, _ bool) (*schemas.PageSnapshot, error) {
	t.mu.Lock()
	t.snapshots++
	gate := t.gate
	snap, err, panics := t.snapshot, t.snapshotErr, t.snapshotPanic
	t.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if panics {
		panic("snapshot exploded")
	}
	return snap, err
}

func (t *fakeTab) ClearHighlights(context.Context) error {
	t.mu.Lock()
	t.cleared++
	t.mu.Unlock()
	return nil
}

func (t *fakeTab) Locate(_ context.Context, xpath string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live[xpath], nil
}

func (t *fakeTab) Click(_ context.Context, ref string) error { return t.record("click %s", ref) }
func (t *fakeTab) Input(_ context.Context, ref, text string) error {
	return t.record("input %s %s", ref, text)
}
func (t *fakeTab) KeyPress(_ context.Context, ref, key string) error {
	return t.record("key_press %s %s", ref, key)
}
func (t *fakeTab) Scroll(_ context.Context, direction string) error {
	return t.record("scroll %s", direction)
}
func (t *fakeTab) Navigate(_ context.Context, url string) error { return t.record("navigate %s", url) }
func (t *fakeTab) UploadFile(_ context.Context, ref, _, fileName string) error {
	return t.record("upload %s %s", ref, fileName)
}

// snapshotWith builds a snapshot whose element i carries highlight index i
// and xpath /html/body/button[i+1].
func snapshotWith(n int) *schemas.PageSnapshot {
	snap := &schemas.PageSnapshot{RootID: "0", Map: map[string]schemas.DomNode{}}
	for i := 0; i < n; i++ {
		idx := i
		snap.Map[fmt.Sprint(i+1)] = schemas.DomNode{
			Type:           schemas.ElementNode,
			TagName:        "button",
			XPath:          xpathOf(i),
			IsVisible:      true,
			HighlightIndex: &idx,
		}
	}
	return snap
}

func xpathOf(i int) string { return fmt.Sprintf("/html/body/button[%d]", i+1) }

// -- Decision service --

// scriptedDecider answers Decide calls from a queue; once exhausted it finishes.
type scriptedDecider struct {
	mu       sync.Mutex
	results  []schemas.AgentResult
	errs     []error
	requests []schemas.AgentRequest
}

func (d *scriptedDecider) Decide(_ context.Context, req schemas.AgentRequest) (schemas.AgentResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, req)

	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		if err != nil {
			return schemas.AgentResult{}, err
		}
	}
	if len(d.results) == 0 {
		steps := schemas.ParseHistory(schemas.StringValue(req.History))
		steps = append(steps, schemas.HistoryStep{StepNumber: schemas.NextStepNumber(steps), Action: schemas.ActionFinish, Summary: "done"})
		return schemas.AgentResult{Action: schemas.ActionFinish, History: schemas.FormatHistory(steps)}, nil
	}
	r := d.results[0]
	d.results = d.results[1:]
	return r, nil
}

func (d *scriptedDecider) Requests() []schemas.AgentRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]schemas.AgentRequest(nil), d.requests...)
}

// historyOf serializes one history step per action.
func historyOf(actions ...schemas.ActionType) string {
	steps := make([]schemas.HistoryStep, 0, len(actions))
	for i, a := range actions {
		steps = append(steps, schemas.HistoryStep{StepNumber: i + 1, Action: a, Summary: fmt.Sprintf("step %d", i+1)})
	}
	return schemas.FormatHistory(steps)
}

type fakeEnricher struct {
	prompt string
	err    error
	calls  int
}

func (e *fakeEnricher) Enrich(_ context.Context, req schemas.EnrichRequest) (string, error) {
	e.calls++
	if e.err != nil {
		return "", e.err
	}
	if e.prompt != "" {
		return e.prompt, nil
	}
	return "Enriched: " + req.Prompt, nil
}

type fakeStatus struct {
	status schemas.AgentStatus
	err    error
}

func (s *fakeStatus) Status(context.Context, string) (schemas.AgentStatus, error) {
	return s.status, s.err
}

type fakeAuth struct {
	user *schemas.UserInfo
	err  error
}

func (a *fakeAuth) SignIn(context.Context) (*schemas.UserInfo, error) { return a.user, a.err }

// -- Coordinator link --

// fakeLink stands in for the router on the page side.
type fakeLink struct {
	mu         sync.Mutex
	user       *schemas.UserInfo
	shot       string
	shotErr    error
	reports    []protocol.AgentStepCompleted
	reportedCh chan protocol.AgentStepCompleted
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		user:       &schemas.UserInfo{Email: "ada@example.com"},
		shot:       "data:image/jpeg;base64,AAAA",
		reportedCh: make(chan protocol.AgentStepCompleted, 16),
	}
}

func (l *fakeLink) RequestScreenshot(context.Context, schemas.TabID) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.shot, l.shotErr
}

func (l *fakeLink) RequestAuthState(context.Context, schemas.TabID) (*schemas.UserInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.user, nil
}

func (l *fakeLink) ReportStepCompleted(_ context.Context, _ schemas.TabID, msg protocol.AgentStepCompleted) (protocol.Ack, error) {
	l.mu.Lock()
	l.reports = append(l.reports, msg)
	l.mu.Unlock()
	l.reportedCh <- msg
	return protocol.Ack{}, nil
}

func (l *fakeLink) Reports() []protocol.AgentStepCompleted {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]protocol.AgentStepCompleted(nil), l.reports...)
}

// -- Coordinator side --

type fakeBrowser struct {
	mu         sync.Mutex
	active     schemas.TabID
	tabs       map[schemas.TabID]bool
	blank      map[schemas.TabID]bool
	redirected []schemas.TabID
	shotErr    error
}

func newFakeBrowser(tabs ...schemas.TabID) *fakeBrowser {
	b := &fakeBrowser{tabs: map[schemas.TabID]bool{}, blank: map[schemas.TabID]bool{}}
	for _, t := range tabs {
		b.tabs[t] = true
	}
	if len(tabs) > 0 {
		b.active = tabs[0]
	}
	return b
}

func (b *fakeBrowser) ActiveTab(context.Context) (schemas.TabID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active == "" {
		return "", errors.New("no page targets")
	}
	return b.active, nil
}

func (b *fakeBrowser) TabExists(_ context.Context, id schemas.TabID) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tabs[id], nil
}

func (b *fakeBrowser) RedirectIfBlank(_ context.Context, id schemas.TabID) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.blank[id] {
		b.blank[id] = false
		b.redirected = append(b.redirected, id)
		return true, nil
	}
	return false, nil
}

func (b *fakeBrowser) Screenshot(_ context.Context, id schemas.TabID) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.shotErr != nil {
		return "", b.shotErr
	}
	return "data:image/jpeg;base64,U0hPVA==", nil
}

func (b *fakeBrowser) Close(id schemas.TabID) {
	b.mu.Lock()
	delete(b.tabs, id)
	b.mu.Unlock()
}

// countingWaiter returns immediately and counts calls.
type countingWaiter struct {
	mu    sync.Mutex
	calls int
}

func (w *countingWaiter) Wait(context.Context, schemas.TabID) {
	w.mu.Lock()
	w.calls++
	w.mu.Unlock()
}

func (w *countingWaiter) Calls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls
}

// flakyDispatcher fails the first `failures` deliveries, then forwards to next.
type flakyDispatcher struct {
	mu       sync.Mutex
	failures int
	attempts int
	next     interface {
		DispatchStep(context.Context, schemas.TabID, protocol.RunAgentStep) (protocol.Ack, error)
	}
}

func (d *flakyDispatcher) DispatchStep(ctx context.Context, tab schemas.TabID, req protocol.RunAgentStep) (protocol.Ack, error) {
	d.mu.Lock()
	d.attempts++
	fail := d.attempts <= d.failures
	d.mu.Unlock()
	if fail || d.next == nil {
		return protocol.Ack{}, fmt.Errorf("%w: page not listening", protocol.ErrReceiverUnavailable)
	}
	return d.next.DispatchStep(ctx, tab, req)
}

func (d *flakyDispatcher) Attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

// noopInjector accepts every tab.
type noopInjector struct{}

func (noopInjector) Inject(context.Context, schemas.TabID) error { return nil }
