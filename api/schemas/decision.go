package schemas

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// -- Decision Service Contract --

// AgentRequest is the body of POST /agent.
type AgentRequest struct {
	Dom                *PageSnapshot       `json:"dom"`
	Prompt             string              `json:"prompt"`
	History            *string             `json:"history"`
	Screenshot         *string             `json:"screenshot"`
	AgentMode          Mode                `json:"agentMode"`
	JobApplicationData *JobApplicationData `json:"jobApplicationData"`
	Email              string              `json:"email"`
}

// AgentResult is the single action proposed by the decision service.
// History is the service's updated serialized history and is authoritative.
type AgentResult struct {
	HighlightIndex int        `json:"highlightIndex"`
	Action         ActionType `json:"action"`
	Value          *string    `json:"value"`
	History        string     `json:"history"`
}

// ValueString returns the proposed value, or "" when null.
func (r AgentResult) ValueString() string {
	return StringValue(r.Value)
}

// EnrichRequest is the body of POST /enrich.
type EnrichRequest struct {
	Prompt             string              `json:"prompt"`
	AgentMode          Mode                `json:"agentMode"`
	JobApplicationData *JobApplicationData `json:"jobApplicationData,omitempty"`
}

// EnrichResponse carries the server-expanded prompt.
type EnrichResponse struct {
	Prompt string `json:"prompt"`
}

// AgentStatus is returned by GET /agent/status.
type AgentStatus struct {
	AgentRuns     int           `json:"agent_runs"`
	IsPremium     bool          `json:"is_premium"`
	RunsRemaining RunsRemaining `json:"runs_remaining"`
}

// Exhausted reports whether a free account has no runs left.
func (s AgentStatus) Exhausted() bool {
	return !s.IsPremium && !s.RunsRemaining.Unlimited && s.RunsRemaining.Count <= 0
}

// RunsRemaining is either a count or the literal "unlimited".
type RunsRemaining struct {
	Unlimited bool
	Count     int
}

const unlimitedRuns = "unlimited"

// String implements fmt.Stringer.
func (r RunsRemaining) String() string {
	if r.Unlimited {
		return unlimitedRuns
	}
	return strconv.Itoa(r.Count)
}

// MarshalJSON implements json.Marshaler.
func (r RunsRemaining) MarshalJSON() ([]byte, error) {
	if r.Unlimited {
		return json.Marshal(unlimitedRuns)
	}
	return json.Marshal(r.Count)
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *RunsRemaining) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*r = RunsRemaining{Count: n}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("runs_remaining must be a number or %q: %w", unlimitedRuns, err)
	}
	if s != unlimitedRuns {
		return fmt.Errorf("runs_remaining: unexpected value %q", s)
	}
	*r = RunsRemaining{Unlimited: true}
	return nil
}

// APIErrorBody is the error payload of non-success responses.
type APIErrorBody struct {
	Detail string `json:"detail"`
}
