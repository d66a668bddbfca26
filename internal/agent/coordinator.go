package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/opero/api/schemas"
	"github.com/xkilldash9x/opero/internal/auth"
	"github.com/xkilldash9x/opero/internal/config"
	"github.com/xkilldash9x/opero/internal/protocol"
)

// Phase is where the coordinator is in the step cycle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseDispatching
	PhaseAwaitingQuiescence
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseDispatching:
		return "dispatching"
	case PhaseAwaitingQuiescence:
		return "awaiting_quiescence"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// StartRequest describes a new run.
type StartRequest struct {
	Prompt  string
	Mode    schemas.Mode
	Payload *schemas.JobApplicationData
	// TabID selects the tab to drive. Empty means the active tab.
	TabID schemas.TabID
	// Replace resets an active run instead of refusing to start.
	Replace bool
}

// Dependencies are the collaborators of a Coordinator. Enricher, Status and
// Auth are optional.
type Dependencies struct {
	Store      StateStore
	Browser    Browser
	Dispatcher StepDispatcher
	Pages      PageInjector
	Waiter     QuiescenceWaiter
	Enricher   Enricher
	Status     StatusChecker
	Auth       auth.Authenticator
}

func (d Dependencies) validate() error {
	switch {
	case d.Store == nil:
		return errors.New("coordinator requires a state store")
	case d.Browser == nil:
		return errors.New("coordinator requires a browser")
	case d.Dispatcher == nil:
		return errors.New("coordinator requires a step dispatcher")
	case d.Pages == nil:
		return errors.New("coordinator requires a page injector")
	case d.Waiter == nil:
		return errors.New("coordinator requires a quiescence waiter")
	}
	return nil
}

// -- Loop events --

type event interface{ isEvent() }

type startEvent struct {
	state   schemas.RunState
	replace bool
	reply   chan error
}

type resetEvent struct{ reply chan error }

type resumeEvent struct {
	runID     string
	tabExists bool
	reply     chan error
}

type outcomeEvent struct {
	from  schemas.TabID
	msg   protocol.AgentStepCompleted
	reply chan protocol.Ack
}

type dispatchedEvent struct {
	key stepKey
	err error
}

type quiescedEvent struct{ key stepKey }

type inspectEvent struct{ reply chan inspection }

type inspection struct {
	phase Phase
	idle  <-chan struct{}
}

func (startEvent) isEvent()      {}
func (resetEvent) isEvent()      {}
func (resumeEvent) isEvent()     {}
func (outcomeEvent) isEvent()    {}
func (dispatchedEvent) isEvent() {}
func (quiescedEvent) isEvent()   {}
func (inspectEvent) isEvent()    {}

// activeRun is the run the loop is driving.
type activeRun struct {
	id     string
	tabID  schemas.TabID
	seq    uint64
	ctx    context.Context
	cancel context.CancelFunc
}

func (r *activeRun) key() stepKey { return stepKey{runID: r.id, seq: r.seq} }

// Coordinator drives runs step by step. A single goroutine (Run) owns the
// phase and is the only writer of the run state. Blocking work happens on
// helper goroutines that post their results back tagged with (run id, seq).
type Coordinator struct {
	deps   Dependencies
	cfg    config.CoordinatorConfig
	logger *zap.Logger

	inbox   chan event
	quit    chan struct{}
	started atomic.Bool
	helpers sync.WaitGroup

	// Owned by the loop goroutine.
	phase Phase
	state schemas.RunState
	run   *activeRun
	idle  chan struct{}
}

// NewCoordinator validates deps and builds an idle coordinator. Call Run to
// start its loop.
func NewCoordinator(cfg config.CoordinatorConfig, deps Dependencies, logger *zap.Logger) (*Coordinator, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid coordinator configuration: %w", err)
	}
	idle := make(chan struct{})
	close(idle)
	return &Coordinator{
		deps:   deps,
		cfg:    cfg,
		logger: logger.Named("coordinator"),
		inbox:  make(chan event),
		quit:   make(chan struct{}),
		idle:   idle,
	}, nil
}

// Run executes the event loop until ctx is cancelled. An active run is left
// marked as running in the store so Resume can pick it up later.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("coordinator loop already started")
	}
	state, err := c.deps.Store.Get(ctx)
	if err != nil {
		close(c.quit)
		return fmt.Errorf("failed to load run state: %w", err)
	}
	c.state = state
	c.logger.Info("Coordinator started.", zap.Bool("run_active", state.IsRunning))

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case ev := <-c.inbox:
			c.handle(ctx, ev)
		}
	}
}

func (c *Coordinator) shutdown() {
	close(c.quit)
	if c.run != nil {
		c.run.cancel()
		c.run = nil
	}
	c.helpers.Wait()
	c.logger.Info("Coordinator stopped.")
}

func (c *Coordinator) handle(ctx context.Context, ev event) {
	switch e := ev.(type) {
	case startEvent:
		e.reply <- c.onStart(ctx, e)
	case resetEvent:
		e.reply <- c.onReset(ctx)
	case resumeEvent:
		e.reply <- c.onResume(ctx, e)
	case outcomeEvent:
		e.reply <- c.onOutcome(ctx, e)
	case dispatchedEvent:
		c.onDispatched(ctx, e)
	case quiescedEvent:
		c.onQuiesced(e)
	case inspectEvent:
		e.reply <- inspection{phase: c.phase, idle: c.idle}
	default:
		c.logger.Error("Unhandled coordinator event.", zap.String("type", fmt.Sprintf("%T", ev)))
	}
}

// -- Public operations --

// Start validates req, prepares the target tab and prompt, then persists the
// new run and dispatches its first step. It returns once the run is recorded.
func (c *Coordinator) Start(ctx context.Context, req StartRequest) (schemas.RunState, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return schemas.RunState{}, ErrEmptyPrompt
	}
	mode := req.Mode
	if mode == "" {
		mode = schemas.ModeDefault
	}
	if mode == schemas.ModeJobApplication && req.Payload == nil {
		return schemas.RunState{}, ErrPayloadRequired
	}

	stored, err := c.deps.Store.Get(ctx)
	if err != nil {
		return schemas.RunState{}, fmt.Errorf("failed to read run state: %w", err)
	}
	if stored.IsRunning && !req.Replace {
		return schemas.RunState{}, ErrRunActive
	}

	if err := c.checkQuota(ctx); err != nil {
		return schemas.RunState{}, err
	}

	tabID, err := c.targetTab(ctx, req.TabID)
	if err != nil {
		return schemas.RunState{}, err
	}

	state := schemas.RunState{
		IsRunning:      true,
		TabID:          tabID,
		Prompt:         c.enrich(ctx, stored, prompt, mode, req.Payload),
		OriginalPrompt: prompt,
		IsEnriched:     true,
		Mode:           mode,
		Payload:        req.Payload,
		RunID:          uuid.NewString(),
	}

	reply := make(chan error, 1)
	if err := c.call(ctx, startEvent{state: state, replace: req.Replace, reply: reply}, reply); err != nil {
		return schemas.RunState{}, err
	}
	return state, nil
}

// Reset stops any active run and persists the default run state.
func (c *Coordinator) Reset(ctx context.Context) error {
	reply := make(chan error, 1)
	return c.call(ctx, resetEvent{reply: reply}, reply)
}

// Resume continues a run that was active when the process last stopped. It
// is a no-op when the store shows no active run.
func (c *Coordinator) Resume(ctx context.Context) error {
	stored, err := c.deps.Store.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to read run state: %w", err)
	}
	if !stored.IsRunning {
		return nil
	}
	exists, err := c.deps.Browser.TabExists(ctx, stored.TabID)
	if err != nil {
		return fmt.Errorf("failed to look up tab %s: %w", stored.TabID, err)
	}
	reply := make(chan error, 1)
	return c.call(ctx, resumeEvent{runID: stored.RunID, tabExists: exists, reply: reply}, reply)
}

// Phase returns the loop's current phase.
func (c *Coordinator) Phase(ctx context.Context) (Phase, error) {
	in, err := c.inspect(ctx)
	return in.phase, err
}

// WaitIdle blocks until no run is being driven.
func (c *Coordinator) WaitIdle(ctx context.Context) error {
	in, err := c.inspect(ctx)
	if err != nil {
		return err
	}
	select {
	case <-in.idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.quit:
		return ErrStopped
	}
}

// SignIn runs the authenticator and stores the resulting identity.
func (c *Coordinator) SignIn(ctx context.Context) (*schemas.UserInfo, error) {
	if c.deps.Auth == nil {
		return nil, errors.New("no authenticator configured")
	}
	info, err := c.deps.Auth.SignIn(ctx)
	if err != nil {
		return nil, fmt.Errorf("sign-in failed: %w", err)
	}
	if err := c.deps.Store.SetIdentity(ctx, info); err != nil {
		return nil, fmt.Errorf("failed to store identity: %w", err)
	}
	c.logger.Info("User signed in.", zap.String("email", info.Email))
	return info, nil
}

// -- protocol.CoordinatorHandler --

// HandleStepCompleted merges the outcome of the in-flight step. Outcomes of
// any other step are acknowledged as duplicates and dropped.
func (c *Coordinator) HandleStepCompleted(ctx context.Context, from schemas.TabID, msg protocol.AgentStepCompleted) (protocol.Ack, error) {
	reply := make(chan protocol.Ack, 1)
	if err := c.submit(ctx, outcomeEvent{from: from, msg: msg, reply: reply}); err != nil {
		return protocol.Ack{}, err
	}
	return wait(ctx, c.quit, reply)
}

// HandleGetTabID returns the sender's tab.
func (c *Coordinator) HandleGetTabID(_ context.Context, from schemas.TabID) (schemas.TabID, error) {
	return from, nil
}

// HandleTakeScreenshot captures the sender's tab. A failed capture yields an
// empty data URL, not an error.
func (c *Coordinator) HandleTakeScreenshot(ctx context.Context, from schemas.TabID) (string, error) {
	shot, err := c.deps.Browser.Screenshot(ctx, from)
	if err != nil {
		c.logger.Warn("Screenshot failed.", zap.String("tab_id", from.String()), zap.Error(err))
		return "", nil
	}
	return shot, nil
}

// HandleGetAuthState returns the stored identity, or nil.
func (c *Coordinator) HandleGetAuthState(ctx context.Context, _ schemas.TabID) (*schemas.UserInfo, error) {
	return c.deps.Store.Identity(ctx)
}

// HandleStartAuth signs the user in on behalf of a page.
func (c *Coordinator) HandleStartAuth(ctx context.Context, _ schemas.TabID) (*schemas.UserInfo, error) {
	return c.SignIn(ctx)
}

// -- Start preparation (caller goroutine) --

func (c *Coordinator) checkQuota(ctx context.Context) error {
	if c.deps.Status == nil {
		return nil
	}
	user, err := c.deps.Store.Identity(ctx)
	if err != nil {
		c.logger.Warn("Failed to read identity for the quota check.", zap.Error(err))
		return nil
	}
	if user == nil || user.Email == "" {
		return nil
	}
	status, err := c.deps.Status.Status(ctx, user.Email)
	if err != nil {
		c.logger.Warn("Status check failed, starting anyway.", zap.Error(err))
		return nil
	}
	if status.Exhausted() {
		return ErrQuotaExhausted
	}
	return nil
}

func (c *Coordinator) targetTab(ctx context.Context, requested schemas.TabID) (schemas.TabID, error) {
	tabID := requested
	if tabID == "" {
		active, err := c.deps.Browser.ActiveTab(ctx)
		if err != nil {
			return "", fmt.Errorf("failed to find the active tab: %w", err)
		}
		tabID = active
	}

	redirected, err := c.deps.Browser.RedirectIfBlank(ctx, tabID)
	if err != nil {
		return "", fmt.Errorf("failed to prepare tab %s: %w", tabID, err)
	}
	if redirected {
		c.logger.Debug("Blank tab redirected to the home page.", zap.String("tab_id", tabID.String()))
		if err := sleep(ctx, c.cfg.BlankTabWait); err != nil {
			return "", err
		}
	}
	return tabID, nil
}

// enrich returns the prompt to send to the decision service. An already
// enriched prompt for the same input is reused; failures fall back to the literal prompt.
func (c *Coordinator) enrich(ctx context.Context, stored schemas.RunState, prompt string, mode schemas.Mode, payload *schemas.JobApplicationData) string {
	if stored.IsEnriched && stored.OriginalPrompt == prompt && stored.Prompt != "" {
		c.logger.Debug("Reusing enriched prompt.")
		return stored.Prompt
	}
	if c.deps.Enricher == nil {
		return prompt
	}
	enriched, err := c.deps.Enricher.Enrich(ctx, schemas.EnrichRequest{
		Prompt:             prompt,
		AgentMode:          mode,
		JobApplicationData: payload,
	})
	if err != nil || strings.TrimSpace(enriched) == "" {
		c.logger.Warn("Prompt enrichment failed, using the literal prompt.", zap.Error(err))
		return prompt
	}
	return enriched
}

// -- Loop handlers --

func (c *Coordinator) onStart(ctx context.Context, e startEvent) error {
	if c.state.IsRunning {
		if !e.replace {
			return ErrRunActive
		}
		c.logger.Info("Replacing the active run.", zap.String("run_id", c.state.RunID))
		c.abandonRun()
	}
	if err := c.persist(ctx, e.state); err != nil {
		return err
	}
	c.logger.Info("Run started.",
		zap.String("run_id", e.state.RunID),
		zap.String("tab_id", e.state.TabID.String()),
		zap.String("mode", e.state.Mode.String()))
	c.beginRun(ctx, e.state)
	c.dispatch()
	return nil
}

func (c *Coordinator) onReset(ctx context.Context) error {
	c.abandonRun()
	if err := c.persist(ctx, schemas.DefaultRunState()); err != nil {
		return err
	}
	c.logger.Info("Run state reset.")
	return nil
}

func (c *Coordinator) onResume(ctx context.Context, e resumeEvent) error {
	if c.run != nil || !c.state.IsRunning || c.state.RunID != e.runID {
		return nil
	}
	if !e.tabExists {
		c.logger.Warn("Cannot resume: target tab is gone.", zap.String("tab_id", c.state.TabID.String()))
		return c.terminate(ctx, msgTabGone)
	}

	state := c.state
	if state.RunID == "" {
		state.RunID = uuid.NewString()
		if err := c.persist(ctx, state); err != nil {
			return err
		}
	}
	c.logger.Info("Resuming run.", zap.String("run_id", state.RunID), zap.String("tab_id", state.TabID.String()))
	c.beginRun(ctx, state)
	// Seq 0 is never dispatched; settling first makes the next step seq 1.
	c.awaitQuiescence()
	return nil
}

func (c *Coordinator) onOutcome(ctx context.Context, e outcomeEvent) protocol.Ack {
	log := c.logger.With(
		zap.String("run_id", e.msg.RunID),
		zap.Uint64("seq", e.msg.Seq),
		zap.String("from", e.from.String()))

	if !c.inFlight(stepKey{runID: e.msg.RunID, seq: e.msg.Seq}, PhaseDispatching) || e.from != c.run.tabID {
		log.Debug("Discarding stale or duplicate step outcome.")
		return protocol.Ack{Duplicate: true}
	}

	switch e.msg.Fault {
	case schemas.FaultNone:
	case schemas.FaultAuth:
		log.Error("Run stopped: user not authenticated.", zap.String("detail", e.msg.Detail))
	default:
		log.Warn("Run stopped by a step fault.", zap.String("fault", string(e.msg.Fault)), zap.String("detail", e.msg.Detail))
	}

	next := c.state
	next.History = e.msg.Result.History
	next.IsRunning = e.msg.Result.IsRunning
	if err := c.persist(ctx, next); err != nil {
		log.Error("Failed to persist step outcome.", zap.Error(err))
	}

	if next.IsRunning {
		c.awaitQuiescence()
	} else {
		log.Info("Run finished.", zap.Int("steps", len(next.Steps())))
		c.finishRun()
	}
	return protocol.Ack{}
}

func (c *Coordinator) onDispatched(ctx context.Context, e dispatchedEvent) {
	if !c.inFlight(e.key, PhaseDispatching) {
		return
	}
	if e.err == nil {
		return
	}
	c.logger.Error("Step could not be delivered, ending the run.",
		zap.String("run_id", e.key.runID), zap.Uint64("seq", e.key.seq), zap.Error(e.err))
	if err := c.terminate(ctx, fmt.Sprintf(msgUnreachable, c.cfg.DispatchAttempts)); err != nil {
		c.logger.Error("Failed to persist the ended run.", zap.Error(err))
	}
}

func (c *Coordinator) onQuiesced(e quiescedEvent) {
	if !c.inFlight(e.key, PhaseAwaitingQuiescence) || c.run.ctx.Err() != nil {
		return
	}
	c.dispatch()
}

// -- Loop helpers --

func (c *Coordinator) beginRun(parent context.Context, state schemas.RunState) {
	ctx, cancel := context.WithCancel(parent)
	c.run = &activeRun{id: state.RunID, tabID: state.TabID, ctx: ctx, cancel: cancel}
	c.idle = make(chan struct{})
}

// dispatch sends the next step of the active run from a helper goroutine.
func (c *Coordinator) dispatch() {
	run := c.run
	run.seq++
	c.phase = PhaseDispatching
	key := run.key()
	c.spawn(func() {
		c.post(dispatchedEvent{key: key, err: c.deliver(run.ctx, run.tabID, key)})
	})
}

func (c *Coordinator) awaitQuiescence() {
	run := c.run
	c.phase = PhaseAwaitingQuiescence
	key := run.key()
	c.spawn(func() {
		c.deps.Waiter.Wait(run.ctx, run.tabID)
		c.post(quiescedEvent{key: key})
	})
}

// deliver tries to hand RunAgentStep to the tab's page host.
func (c *Coordinator) deliver(ctx context.Context, tabID schemas.TabID, key stepKey) error {
	log := c.logger.With(zap.String("run_id", key.runID), zap.Uint64("seq", key.seq), zap.String("tab_id", tabID.String()))
	req := protocol.RunAgentStep{RunID: key.runID, Seq: key.seq}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.DispatchAttempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, c.cfg.DispatchDelay); err != nil {
				return err
			}
		}
		if lastErr = c.deps.Pages.Inject(ctx, tabID); lastErr == nil {
			attemptCtx, cancel := context.WithTimeout(ctx, reportTimeout)
			var ack protocol.Ack
			ack, lastErr = c.deps.Dispatcher.DispatchStep(attemptCtx, tabID, req)
			cancel()
			if lastErr == nil {
				log.Debug("Step dispatched.", zap.Int("attempt", attempt), zap.Bool("duplicate", ack.Duplicate))
				return nil
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Debug("Dispatch attempt failed.", zap.Int("attempt", attempt), zap.Error(lastErr))
	}
	return fmt.Errorf("gave up after %d attempts: %w", c.cfg.DispatchAttempts, lastErr)
}

// terminate ends the stored run with a final history entry.
func (c *Coordinator) terminate(ctx context.Context, summary string) error {
	next := c.state
	next.IsRunning = false
	next.History = schemas.AppendTerminalStep(next.History, "", summary)
	c.finishRun()
	return c.persist(ctx, next)
}

func (c *Coordinator) finishRun() {
	if c.run != nil {
		c.run.cancel()
		c.run = nil
	}
	c.phase = PhaseIdle
	select {
	case <-c.idle:
	default:
		close(c.idle)
	}
}

// abandonRun drops the active run. Results still in flight become stale.
func (c *Coordinator) abandonRun() {
	if c.run != nil {
		c.logger.Debug("Abandoning run.", zap.String("run_id", c.run.id), zap.Uint64("seq", c.run.seq))
	}
	c.finishRun()
}

func (c *Coordinator) inFlight(key stepKey, phase Phase) bool {
	return c.run != nil && c.run.key() == key && c.phase == phase
}

func (c *Coordinator) persist(ctx context.Context, state schemas.RunState) error {
	if err := c.deps.Store.Set(ctx, state); err != nil {
		return fmt.Errorf("failed to persist run state: %w", err)
	}
	c.state = state
	return nil
}

func (c *Coordinator) spawn(fn func()) {
	c.helpers.Add(1)
	go func() {
		defer c.helpers.Done()
		fn()
	}()
}

// post hands a helper result to the loop. Dropped after shutdown.
func (c *Coordinator) post(ev event) {
	select {
	case c.inbox <- ev:
	case <-c.quit:
	}
}

// -- Caller side plumbing --

func (c *Coordinator) submit(ctx context.Context, ev event) error {
	select {
	case c.inbox <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.quit:
		return ErrStopped
	}
}

func (c *Coordinator) call(ctx context.Context, ev event, reply chan error) error {
	if err := c.submit(ctx, ev); err != nil {
		return err
	}
	err, waitErr := wait(ctx, c.quit, reply)
	if waitErr != nil {
		return waitErr
	}
	return err
}

func (c *Coordinator) inspect(ctx context.Context) (inspection, error) {
	reply := make(chan inspection, 1)
	if err := c.submit(ctx, inspectEvent{reply: reply}); err != nil {
		return inspection{}, err
	}
	return wait(ctx, c.quit, reply)
}

func wait[T any](ctx context.Context, quit <-chan struct{}, reply <-chan T) (T, error) {
	var zero T
	select {
	case v := <-reply:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-quit:
		return zero, ErrStopped
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
