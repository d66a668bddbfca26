package schemas

import (
	"encoding/json"
)

// HistoryStep is one entry of a run's narrative history.
type HistoryStep struct {
	StepNumber int        `json:"step_number"`
	Action     ActionType `json:"action"`
	Value      *string    `json:"value"`
	Summary    string     `json:"summary"`
	Screenshot *string    `json:"screenshot,omitempty"`
}

// ParseHistory decodes a serialized history. Null, malformed or non-array
// input yields an empty sequence.
func ParseHistory(history string) []HistoryStep {
	if history == "" {
		return []HistoryStep{}
	}
	var steps []HistoryStep
	if err := json.Unmarshal([]byte(history), &steps); err != nil || steps == nil {
		return []HistoryStep{}
	}
	return steps
}

// FormatHistory serializes steps as indented JSON.
func FormatHistory(steps []HistoryStep) string {
	if steps == nil {
		steps = []HistoryStep{}
	}
	b, err := json.MarshalIndent(steps, "", "  ")
	if err != nil {
		// HistoryStep only holds strings and ints.
		return "[]"
	}
	return string(b)
}

// NextStepNumber returns the step number following the highest one in steps.
func NextStepNumber(steps []HistoryStep) int {
	next := 1
	for _, s := range steps {
		if s.StepNumber >= next {
			next = s.StepNumber + 1
		}
	}
	return next
}

// AppendTerminalStep appends a finish entry explaining why the run stopped.
func AppendTerminalStep(history, value, summary string) string {
	steps := ParseHistory(history)
	steps = append(steps, HistoryStep{
		StepNumber: NextStepNumber(steps),
		Action:     ActionFinish,
		Value:      NullableString(value),
		Summary:    summary,
	})
	return FormatHistory(steps)
}
