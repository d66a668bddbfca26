package agent

import (
	"context"

	"github.com/xkilldash9x/opero/api/schemas"
	"github.com/xkilldash9x/opero/internal/protocol"
)

// -- Page side capabilities --

// Page is the perception side of one tab.
type Page interface {
	// NeutralizeNewTabs keeps navigations in the current tab, including for
	// content inserted later. Idempotent.
	NeutralizeNewTabs(ctx context.Context) error
	Snapshot(ctx context.Context, highlight bool) (*schemas.PageSnapshot, error)
	ClearHighlights(ctx context.Context) error
	// Locate reports whether a structural address resolves in the live document.
	Locate(ctx context.Context, xpath string) (bool, error)
}

// ActionExecutor performs the proposed action. Element references are XPaths.
type ActionExecutor interface {
	Click(ctx context.Context, ref string) error
	Input(ctx context.Context, ref, text string) error
	KeyPress(ctx context.Context, ref, key string) error
	Scroll(ctx context.Context, direction string) error
	Navigate(ctx context.Context, url string) error
	UploadFile(ctx context.Context, ref, dataURL, fileName string) error
}

// PageTab is everything a page host needs from its tab.
type PageTab interface {
	Page
	ActionExecutor
	// Ready reports whether the document has finished loading enough to take a step.
	Ready(ctx context.Context) (bool, error)
}

// CoordinatorLink is the page host's channel back to the coordinator.
type CoordinatorLink interface {
	RequestScreenshot(ctx context.Context, from schemas.TabID) (string, error)
	RequestAuthState(ctx context.Context, from schemas.TabID) (*schemas.UserInfo, error)
	ReportStepCompleted(ctx context.Context, from schemas.TabID, msg protocol.AgentStepCompleted) (protocol.Ack, error)
}

// -- Remote services --

// Decider proposes the next action for a step.
type Decider interface {
	Decide(ctx context.Context, req schemas.AgentRequest) (schemas.AgentResult, error)
}

// Enricher expands a literal prompt into a fuller task description.
type Enricher interface {
	Enrich(ctx context.Context, req schemas.EnrichRequest) (string, error)
}

// StatusChecker reports the remaining free runs of an account.
type StatusChecker interface {
	Status(ctx context.Context, email string) (schemas.AgentStatus, error)
}

// -- Coordinator side --

// StateReader reads the persisted run state.
type StateReader interface {
	Get(ctx context.Context) (schemas.RunState, error)
}

// StateStore is the durable run state and identity record.
type StateStore interface {
	StateReader
	Set(ctx context.Context, state schemas.RunState) error
	Identity(ctx context.Context) (*schemas.UserInfo, error)
	SetIdentity(ctx context.Context, info *schemas.UserInfo) error
}

// Browser is the coordinator's view of the browser's tabs.
type Browser interface {
	ActiveTab(ctx context.Context) (schemas.TabID, error)
	TabExists(ctx context.Context, tabID schemas.TabID) (bool, error)
	// RedirectIfBlank navigates an empty or new-tab page to the home page and
	// reports whether it did.
	RedirectIfBlank(ctx context.Context, tabID schemas.TabID) (bool, error)
	Screenshot(ctx context.Context, tabID schemas.TabID) (string, error)
}

// QuiescenceWaiter blocks until a tab's network activity settles. It never fails.
type QuiescenceWaiter interface {
	Wait(ctx context.Context, tabID schemas.TabID)
}

// StepDispatcher delivers RunAgentStep requests to page hosts.
type StepDispatcher interface {
	DispatchStep(ctx context.Context, tab schemas.TabID, req protocol.RunAgentStep) (protocol.Ack, error)
}

// PageInjector makes sure a page host serves a tab before steps are dispatched to it.
type PageInjector interface {
	Inject(ctx context.Context, tabID schemas.TabID) error
}
