// Package protocol is the request/response channel between the coordinator
// and the page hosts. The message set is closed: every request is one of the
// variants below, and the router dispatches on them exhaustively.
package protocol

import (
	"context"

	"github.com/xkilldash9x/opero/api/schemas"
)

// PageRequest is a request addressed to the page host of one tab.
type PageRequest interface {
	pageRequest()
	Name() string
}

// CoordinatorRequest is a request a page host sends to the coordinator.
type CoordinatorRequest interface {
	coordinatorRequest()
	Name() string
}

// RunAgentStep asks a page host to run one step. RunID and Seq are echoed back
// in AgentStepCompleted so the coordinator can discard stale or duplicate outcomes.
type RunAgentStep struct {
	RunID string
	Seq   uint64
}

// AgentStepCompleted reports the outcome of a RunAgentStep.
// Fault is set when the step ended abnormally; Result is then still terminal.
type AgentStepCompleted struct {
	RunID  string
	Seq    uint64
	Result schemas.StepOutcome
	Fault  schemas.FaultKind
	// Detail is a human-readable description of Fault.
	Detail string
}

// GetTabID asks the coordinator which tab the sender is.
type GetTabID struct{}

// TakeScreenshot asks the coordinator to capture the sender's visible viewport.
type TakeScreenshot struct{}

// GetAuthState asks for the signed-in identity.
type GetAuthState struct{}

// StartAuth asks the coordinator to sign the user in.
type StartAuth struct{}

func (RunAgentStep) pageRequest() {}

func (AgentStepCompleted) coordinatorRequest() {}
func (GetTabID) coordinatorRequest()           {}
func (TakeScreenshot) coordinatorRequest()     {}
func (GetAuthState) coordinatorRequest()       {}
func (StartAuth) coordinatorRequest()          {}

func (RunAgentStep) Name() string       { return "runAgentStep" }
func (AgentStepCompleted) Name() string { return "agentStepCompleted" }
func (GetTabID) Name() string           { return "getTabId" }
func (TakeScreenshot) Name() string     { return "takeScreenshot" }
func (GetAuthState) Name() string       { return "getAuthState" }
func (StartAuth) Name() string          { return "startAuth" }

// Response is the single reply to a request. Value's dynamic type depends on the request:
//
//	RunAgentStep, AgentStepCompleted  Ack
//	GetTabID                          schemas.TabID
//	TakeScreenshot                    string (data URL)
//	GetAuthState, StartAuth           *schemas.UserInfo
type Response struct {
	Value any
	Err   error
}

// Ack acknowledges a fire-and-report request.
type Ack struct {
	// Duplicate is set when the receiver had already accepted the same request.
	Duplicate bool
}

// PageHandler serves the requests addressed to one tab.
type PageHandler interface {
	HandleRunAgentStep(ctx context.Context, req RunAgentStep) (Ack, error)
}

// CoordinatorHandler serves the requests page hosts send to the coordinator.
// from is the sending tab.
type CoordinatorHandler interface {
	HandleStepCompleted(ctx context.Context, from schemas.TabID, msg AgentStepCompleted) (Ack, error)
	HandleGetTabID(ctx context.Context, from schemas.TabID) (schemas.TabID, error)
	HandleTakeScreenshot(ctx context.Context, from schemas.TabID) (string, error)
	HandleGetAuthState(ctx context.Context, from schemas.TabID) (*schemas.UserInfo, error)
	HandleStartAuth(ctx context.Context, from schemas.TabID) (*schemas.UserInfo, error)
}
