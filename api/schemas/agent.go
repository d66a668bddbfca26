package schemas

import (
	"encoding/json"
	"fmt"
)

// -- Run Identity --

// TabID identifies a browser tab (a CDP page target).
type TabID string

// String implements fmt.Stringer.
func (t TabID) String() string { return string(t) }

// Mode selects the behavioral profile passed to the decision service.
type Mode string

const (
	ModeDefault        Mode = "default"
	ModeSocialMedia    Mode = "social_media"
	ModeJobApplication Mode = "job_application"
)

// String implements fmt.Stringer.
func (m Mode) String() string { return string(m) }

// ParseMode validates a user supplied mode. An empty string maps to ModeDefault.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeDefault:
		return ModeDefault, nil
	case ModeSocialMedia, ModeJobApplication:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown agent mode %q (expected default, social_media or job_application)", s)
	}
}

// ActionType is the kind of action the decision service proposes for a step.
type ActionType string

const (
	ActionClick    ActionType = "click"
	ActionInput    ActionType = "input"
	ActionKeyPress ActionType = "key_press"
	ActionScroll   ActionType = "scroll"
	ActionNavigate ActionType = "navigate"
	ActionFinish   ActionType = "finish"
	ActionUpload   ActionType = "upload"
)

// String implements fmt.Stringer.
func (a ActionType) String() string { return string(a) }

// RequiresElement reports whether the action operates on a page element.
func (a ActionType) RequiresElement() bool {
	switch a {
	case ActionClick, ActionInput, ActionKeyPress, ActionUpload:
		return true
	}
	return false
}

// Known reports whether the action is part of the supported vocabulary.
func (a ActionType) Known() bool {
	switch a {
	case ActionClick, ActionInput, ActionKeyPress, ActionScroll, ActionNavigate, ActionFinish, ActionUpload:
		return true
	}
	return false
}

// -- Run State --

// RunState is the single, process-wide record describing the active run.
// Last write wins; only the coordinator writes it.
type RunState struct {
	IsRunning      bool
	TabID          TabID
	Prompt         string
	OriginalPrompt string
	IsEnriched     bool
	History        string
	Mode           Mode
	Payload        *JobApplicationData
	RunID          string
}

// DefaultRunState returns the reset value of the run state.
func DefaultRunState() RunState {
	return RunState{Mode: ModeDefault}
}

// Steps parses the serialized history of the run.
func (s RunState) Steps() []HistoryStep {
	return ParseHistory(s.History)
}

// DisplayPrompt is the prompt shown to the user: the literal input when known.
func (s RunState) DisplayPrompt() string {
	if s.OriginalPrompt != "" {
		return s.OriginalPrompt
	}
	return s.Prompt
}

// runStateWire is the persisted layout. Empty values are stored as null.
type runStateWire struct {
	IsRunning          bool                `json:"isRunning"`
	TabID              *string             `json:"tabId"`
	Prompt             *string             `json:"prompt"`
	OriginalPrompt     *string             `json:"originalPrompt"`
	IsEnriched         bool                `json:"isEnriched"`
	History            *string             `json:"history"`
	AgentMode          Mode                `json:"agentMode"`
	JobApplicationData *JobApplicationData `json:"jobApplicationData"`
	RunID              *string             `json:"runId"`
}

// MarshalJSON implements json.Marshaler.
func (s RunState) MarshalJSON() ([]byte, error) {
	mode := s.Mode
	if mode == "" {
		mode = ModeDefault
	}
	return json.Marshal(runStateWire{
		IsRunning:          s.IsRunning,
		TabID:              NullableString(string(s.TabID)),
		Prompt:             NullableString(s.Prompt),
		OriginalPrompt:     NullableString(s.OriginalPrompt),
		IsEnriched:         s.IsEnriched,
		History:            NullableString(s.History),
		AgentMode:          mode,
		JobApplicationData: s.Payload,
		RunID:              NullableString(s.RunID),
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *RunState) UnmarshalJSON(data []byte) error {
	var w runStateWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	mode := w.AgentMode
	if mode == "" {
		mode = ModeDefault
	}
	*s = RunState{
		IsRunning:      w.IsRunning,
		TabID:          TabID(StringValue(w.TabID)),
		Prompt:         StringValue(w.Prompt),
		OriginalPrompt: StringValue(w.OriginalPrompt),
		IsEnriched:     w.IsEnriched,
		History:        StringValue(w.History),
		Mode:           mode,
		Payload:        w.JobApplicationData,
		RunID:          StringValue(w.RunID),
	}
	return nil
}

// StepOutcome is the only information that crosses back from a page to the coordinator.
type StepOutcome struct {
	History   string `json:"history"`
	IsRunning bool   `json:"isRunning"`
}

// FaultKind classifies why a step ended the run, when it did not end normally.
type FaultKind string

const (
	FaultNone     FaultKind = ""
	FaultAuth     FaultKind = "auth"
	FaultQuota    FaultKind = "quota"
	FaultDecision FaultKind = "decision"
	FaultInternal FaultKind = "internal"
)

// -- Identity & Task Payloads --

// UserInfo is the signed-in identity record.
type UserInfo struct {
	Email   string `json:"email"`
	Name    string `json:"name,omitempty"`
	Picture string `json:"picture,omitempty"`
}

// JobApplicationData is the profile used by the job_application mode.
// ResumeFile holds the resume as a data URL (data:<mime>;base64,<payload>).
type JobApplicationData struct {
	FirstName               string   `json:"firstName"`
	LastName                string   `json:"lastName"`
	PreferredName           string   `json:"preferredName"`
	Email                   string   `json:"email"`
	PhoneNumber             string   `json:"phoneNumber"`
	AboutMe                 string   `json:"aboutMe"`
	School                  string   `json:"school"`
	StartDate               string   `json:"startDate"`
	ExpectedGraduation      string   `json:"expectedGraduation"`
	CurrentLocation         string   `json:"currentLocation"`
	CurrentCompany          string   `json:"currentCompany"`
	LinkedinURL             string   `json:"linkedinUrl"`
	GithubURL               string   `json:"githubUrl"`
	WebsiteURL              string   `json:"websiteUrl,omitempty"`
	Languages               string   `json:"languages"`
	HasOfferDeadlines       bool     `json:"hasOfferDeadlines"`
	PreferredStartDate      string   `json:"preferredStartDate"`
	PreferredLocations      []string `json:"preferredLocations"`
	IsFinalInternship       bool     `json:"isFinalInternship"`
	RequiresSponsorship     bool     `json:"requiresSponsorship"`
	LegallyAuthorizedToWork bool     `json:"legallyAuthorizedToWork"`
	VeteranStatus           string   `json:"veteranStatus"`
	StreetAddress           string   `json:"streetAddress"`
	StreetAddress2          string   `json:"streetAddress2"`
	City                    string   `json:"city"`
	State                   string   `json:"state"`
	ZipCode                 string   `json:"zipCode"`
	ResumeFile              string   `json:"resumeFile,omitempty"`
	ResumeFileName          string   `json:"resumeFileName,omitempty"`
	ResumeFileType          string   `json:"resumeFileType,omitempty"`
}

// HasResume reports whether an uploadable resume is attached.
func (j *JobApplicationData) HasResume() bool {
	return j != nil && j.ResumeFile != "" && j.ResumeFileName != ""
}

// -- Helpers --

// NullableString maps "" to nil so it serializes as JSON null.
func NullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// StringValue dereferences p, treating nil as "".
func StringValue(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
