package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/opero/api/schemas"
	"github.com/xkilldash9x/opero/internal/decision"
	"github.com/xkilldash9x/opero/internal/protocol"
)

const reportTimeout = 10 * time.Second

type stepKey struct {
	runID string
	seq   uint64
}

func keyOf(req protocol.RunAgentStep) stepKey { return stepKey{runID: req.RunID, seq: req.Seq} }

// PageHost serves RunAgentStep requests for one tab. It runs at most one step
// at a time and reports exactly one AgentStepCompleted for every step it accepts.
type PageHost struct {
	tabID    schemas.TabID
	tab      PageTab
	link     CoordinatorLink
	state    StateReader
	executor *StepExecutor
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	busy     bool
	current  stepKey
	pending  *protocol.RunAgentStep
	lastDone stepKey
	closed   bool
}

// NewPageHost creates the host for tabID. Close must be called to stop it.
func NewPageHost(
	tabID schemas.TabID,
	tab PageTab,
	link CoordinatorLink,
	state StateReader,
	decider Decider,
	logger *zap.Logger,
) *PageHost {
	ctx, cancel := context.WithCancel(context.Background())
	return &PageHost{
		tabID:    tabID,
		tab:      tab,
		link:     link,
		state:    state,
		executor: NewStepExecutor(tabID, tab, tab, link, state, decider, logger),
		logger:   logger.Named("page_host").With(zap.String("tab_id", tabID.String())),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// HandleRunAgentStep implements protocol.PageHandler. It acknowledges before
// the step runs; the outcome arrives later as AgentStepCompleted.
func (h *PageHost) HandleRunAgentStep(ctx context.Context, req protocol.RunAgentStep) (protocol.Ack, error) {
	ready, err := h.tab.Ready(ctx)
	if err != nil {
		return protocol.Ack{}, fmt.Errorf("%w: %v", protocol.ErrReceiverUnavailable, err)
	}
	if !ready {
		return protocol.Ack{}, fmt.Errorf("%w: tab %s is still loading", protocol.ErrReceiverUnavailable, h.tabID)
	}

	key := keyOf(req)
	log := h.logger.With(zap.String("run_id", req.RunID), zap.Uint64("seq", req.Seq))

	h.mu.Lock()
	defer h.mu.Unlock()

	switch {
	case h.closed:
		return protocol.Ack{}, fmt.Errorf("%w: page host closed", protocol.ErrReceiverUnavailable)
	case h.busy && h.current == key, !h.busy && h.lastDone == key:
		log.Debug("Ignoring duplicate step request.")
		return protocol.Ack{Duplicate: true}, nil
	case h.busy:
		// A different run took over the tab. It runs once the current step returns.
		if h.pending != nil && keyOf(*h.pending) == key {
			return protocol.Ack{Duplicate: true}, nil
		}
		log.Info("Step queued behind the one in progress.")
		h.pending = &req
		return protocol.Ack{}, nil
	}

	h.busy = true
	h.current = key
	h.wg.Add(1)
	go h.run(req)

	log.Debug("Step accepted.")
	return protocol.Ack{}, nil
}

func (h *PageHost) run(req protocol.RunAgentStep) {
	defer h.wg.Done()
	for {
		h.report(h.execute(req))

		h.mu.Lock()
		h.lastDone = keyOf(req)
		if h.pending == nil || h.closed {
			h.pending = nil
			h.busy = false
			h.mu.Unlock()
			return
		}
		req = *h.pending
		h.pending = nil
		h.current = keyOf(req)
		h.mu.Unlock()
	}
}

// execute runs one step and converts every failure into a terminal outcome.
func (h *PageHost) execute(req protocol.RunAgentStep) (msg protocol.AgentStepCompleted) {
	msg = protocol.AgentStepCompleted{RunID: req.RunID, Seq: req.Seq}
	log := h.logger.With(zap.String("run_id", req.RunID), zap.Uint64("seq", req.Seq))

	defer func() {
		if r := recover(); r != nil {
			log.Error("Step panicked.", zap.Any("panic", r), zap.Stack("stack"))
			msg.Fault = schemas.FaultInternal
			msg.Detail = fmt.Sprint(r)
			msg.Result = h.faultOutcome(msgStepPanicked)
		}
	}()

	start := time.Now()
	outcome, err := h.executor.RunStep(h.ctx)
	if err == nil {
		log.Debug("Step finished.", zap.Bool("is_running", outcome.IsRunning), zap.Duration("took", time.Since(start)))
		msg.Result = outcome
		return msg
	}

	kind, summary := classifyFault(err)
	log.Warn("Step failed, ending the run.", zap.String("fault", string(kind)), zap.Error(err))
	msg.Fault = kind
	msg.Detail = err.Error()
	msg.Result = h.faultOutcome(summary)
	return msg
}

// faultOutcome appends summary to the run's current history.
func (h *PageHost) faultOutcome(summary string) schemas.StepOutcome {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	state, err := h.state.Get(ctx)
	if err != nil {
		h.logger.Warn("Failed to read run state for the fault entry.", zap.Error(err))
	}
	return schemas.StepOutcome{
		History:   schemas.AppendTerminalStep(state.History, "", summary),
		IsRunning: false,
	}
}

func (h *PageHost) report(msg protocol.AgentStepCompleted) {
	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()
	ack, err := h.link.ReportStepCompleted(ctx, h.tabID, msg)
	switch {
	case err != nil:
		h.logger.Error("Failed to report step outcome.", zap.String("run_id", msg.RunID), zap.Uint64("seq", msg.Seq), zap.Error(err))
	case ack.Duplicate:
		h.logger.Debug("Coordinator discarded the step outcome.", zap.String("run_id", msg.RunID), zap.Uint64("seq", msg.Seq))
	}
}

// Close cancels the running step and waits for its outcome to be reported.
func (h *PageHost) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.cancel()
	h.wg.Wait()
}

// classifyFault maps a step error to its fault kind and history summary.
func classifyFault(err error) (schemas.FaultKind, string) {
	if errors.Is(err, ErrNotAuthenticated) {
		return schemas.FaultAuth, msgNotAuthenticated
	}
	var apiErr *decision.APIError
	if decision.IsQuotaExceeded(err) && errors.As(err, &apiErr) {
		return schemas.FaultQuota, fmt.Sprintf("Error: %s %s", apiErr.Detail, msgUpgrade)
	}
	return schemas.FaultDecision, "Error: " + err.Error()
}
