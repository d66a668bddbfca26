package agent

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/opero/api/schemas"
)

const cleanupTimeout = 5 * time.Second

// StepExecutor performs exactly one decide-then-act cycle on its tab.
type StepExecutor struct {
	tabID   schemas.TabID
	page    Page
	actions ActionExecutor
	link    CoordinatorLink
	state   StateReader
	decider Decider
	logger  *zap.Logger
}

// NewStepExecutor wires a step executor for tabID.
func NewStepExecutor(
	tabID schemas.TabID,
	page Page,
	actions ActionExecutor,
	link CoordinatorLink,
	state StateReader,
	decider Decider,
	logger *zap.Logger,
) *StepExecutor {
	return &StepExecutor{
		tabID:   tabID,
		page:    page,
		actions: actions,
		link:    link,
		state:   state,
		decider: decider,
		logger:  logger.Named("step_executor").With(zap.String("tab_id", tabID.String())),
	}
}

// RunStep snapshots the page, asks the decision service for one action and
// performs it. A target that cannot be resolved ends the run with an
// explanatory history entry instead of an error. Errors are returned for
// authentication (ErrNotAuthenticated), snapshot and decision failures.
func (e *StepExecutor) RunStep(ctx context.Context) (schemas.StepOutcome, error) {
	// Highlights are removed on every exit path, including cancellation.
	defer e.clearHighlights(ctx)

	// 1. Keep navigation in this tab. Best effort.
	if err := e.page.NeutralizeNewTabs(ctx); err != nil {
		e.logger.Warn("Failed to neutralize new-tab navigation.", zap.Error(err))
	}

	// 2. Snapshot with actionable elements highlighted.
	snap, err := e.page.Snapshot(ctx, true)
	if err != nil {
		return schemas.StepOutcome{}, fmt.Errorf("failed to capture page snapshot: %w", err)
	}

	// 3. Screenshot from the coordinator. Best effort.
	var screenshot *string
	if shot, err := e.link.RequestScreenshot(ctx, e.tabID); err != nil {
		e.logger.Warn("Screenshot unavailable, continuing without it.", zap.Error(err))
	} else {
		screenshot = schemas.NullableString(shot)
	}

	// 4. Current run and identity.
	state, err := e.state.Get(ctx)
	if err != nil {
		return schemas.StepOutcome{}, fmt.Errorf("failed to read run state: %w", err)
	}
	user, err := e.link.RequestAuthState(ctx, e.tabID)
	if err != nil {
		return schemas.StepOutcome{}, fmt.Errorf("failed to read auth state: %w", err)
	}
	if user == nil || user.Email == "" {
		return schemas.StepOutcome{}, ErrNotAuthenticated
	}

	// 5. One decision per step.
	result, err := e.decider.Decide(ctx, schemas.AgentRequest{
		Dom:                snap,
		Prompt:             state.Prompt,
		History:            schemas.NullableString(state.History),
		Screenshot:         screenshot,
		AgentMode:          state.Mode,
		JobApplicationData: state.Payload,
		Email:              user.Email,
	})
	if err != nil {
		return schemas.StepOutcome{}, err
	}

	log := e.logger.With(
		zap.String("action", result.Action.String()),
		zap.Int("highlight_index", result.HighlightIndex),
	)

	// 6. Finish ends the run.
	if result.Action == schemas.ActionFinish {
		log.Info("Decision service finished the run.", zap.String("value", result.ValueString()))
		return schemas.StepOutcome{History: result.History, IsRunning: false}, nil
	}

	if !result.Action.Known() {
		log.Warn("Decision service proposed an unsupported action.")
		return e.terminal(result.History,
			fmt.Sprintf("Unsupported action %q", result.Action),
			fmt.Sprintf("Error: Unsupported action %s", result.Action)), nil
	}

	// 7. Resolve the target.
	var ref string
	if result.Action.RequiresElement() {
		var found bool
		ref, found = e.resolve(ctx, snap, result.HighlightIndex)
		if !found {
			// 8. Terminal. Not retried.
			log.Warn("Proposed element not found.")
			return e.terminal(result.History,
				fmt.Sprintf("Failed to find element with highlightIndex %d", result.HighlightIndex),
				fmt.Sprintf("Error: Element not found for %s action", result.Action)), nil
		}
		if result.Action == schemas.ActionUpload && !state.Payload.HasResume() {
			log.Warn("Upload proposed but no resume is attached.")
			return e.terminal(result.History,
				"No resume file attached to the job application data",
				"Error: Missing file for upload action"), nil
		}
	}

	// 9. Act. Action failures are logged, the run continues.
	if err := e.perform(ctx, result, ref, state.Payload); err != nil {
		log.Warn("Action failed.", zap.Error(err))
	} else {
		log.Debug("Action performed.")
	}
	return schemas.StepOutcome{History: result.History, IsRunning: true}, nil
}

// resolve maps a highlight index to the element's structural address and
// checks that it still resolves in the live document.
func (e *StepExecutor) resolve(ctx context.Context, snap *schemas.PageSnapshot, index int) (string, bool) {
	node, ok := snap.FindByHighlightIndex(index)
	if !ok || node.XPath == "" {
		return "", false
	}
	live, err := e.page.Locate(ctx, node.XPath)
	if err != nil {
		e.logger.Warn("Failed to re-locate element.", zap.String("xpath", node.XPath), zap.Error(err))
		return "", false
	}
	return node.XPath, live
}

func (e *StepExecutor) perform(ctx context.Context, result schemas.AgentResult, ref string, payload *schemas.JobApplicationData) error {
	value := result.ValueString()
	switch result.Action {
	case schemas.ActionClick:
		return e.actions.Click(ctx, ref)
	case schemas.ActionUpload:
		return e.actions.UploadFile(ctx, ref, payload.ResumeFile, payload.ResumeFileName)
	}

	if value == "" {
		e.logger.Debug("Action skipped: no value proposed.", zap.String("action", result.Action.String()))
		return nil
	}
	switch result.Action {
	case schemas.ActionInput:
		return e.actions.Input(ctx, ref, value)
	case schemas.ActionKeyPress:
		return e.actions.KeyPress(ctx, ref, value)
	case schemas.ActionScroll:
		return e.actions.Scroll(ctx, value)
	case schemas.ActionNavigate:
		return e.actions.Navigate(ctx, value)
	}
	return fmt.Errorf("unhandled action %q", result.Action)
}

// terminal appends a finish entry to the service's history and stops the run.
func (e *StepExecutor) terminal(history, value, summary string) schemas.StepOutcome {
	return schemas.StepOutcome{
		History:   schemas.AppendTerminalStep(history, value, summary),
		IsRunning: false,
	}
}

func (e *StepExecutor) clearHighlights(ctx context.Context) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := e.page.ClearHighlights(cleanupCtx); err != nil {
		e.logger.Debug("Failed to clear highlights.", zap.Error(err))
	}
}
