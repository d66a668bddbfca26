package agent

import "errors"

var (
	// ErrNotAuthenticated means no signed-in identity is available. A step
	// cannot proceed without one and the run stops.
	ErrNotAuthenticated = errors.New("user not authenticated")

	// ErrRunActive is returned by Start when a run is in progress and replacing it was not requested.
	ErrRunActive = errors.New("a run is already active")

	// ErrPayloadRequired is returned when job_application mode is started without a profile.
	ErrPayloadRequired = errors.New("job application mode requires job application data")

	// ErrEmptyPrompt is returned when a run is started without a task.
	ErrEmptyPrompt = errors.New("prompt must not be empty")

	// ErrQuotaExhausted is returned when a free account has no runs left.
	ErrQuotaExhausted = errors.New("free agent runs exhausted")

	// ErrStopped is returned by coordinator calls made after Stop.
	ErrStopped = errors.New("coordinator stopped")
)

// History texts written as the final entry of a run that ended abnormally.
const (
	msgNotAuthenticated = "Error: User not authenticated. Sign in to continue."
	msgUpgrade          = "Please upgrade to premium for unlimited agent runs."
	msgTabGone          = "Error: target tab is no longer available"
	msgUnreachable      = "Error: could not reach the page after %d attempts"
	msgStepPanicked     = "Error: internal failure while running the step"
)
