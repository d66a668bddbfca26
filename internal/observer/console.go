package observer

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/xkilldash9x/opero/api/schemas"
)

// Console prints run progress as plain text lines.
type Console struct {
	mu sync.Mutex
	w  io.Writer
}

// NewConsole writes to w.
func NewConsole(w io.Writer) *Console {
	return &Console{w: w}
}

// Observe implements Sink.
func (c *Console) Observe(u Update) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if u.Reset {
		fmt.Fprintln(c.w, "Run reset.")
		return
	}
	if u.Started {
		fmt.Fprintf(c.w, "Task: %s\n", u.Prompt)
		if u.Mode != "" && u.Mode != schemas.ModeDefault {
			fmt.Fprintf(c.w, "Mode: %s\n", u.Mode)
		}
	}
	for _, step := range u.NewSteps {
		fmt.Fprintln(c.w, FormatStep(step))
	}
	if u.Finished || (u.Started && !u.IsRunning && u.StepCount > 0) {
		fmt.Fprintln(c.w, terminalLine(u))
	}
}

// FormatStep renders one history entry.
func FormatStep(step schemas.HistoryStep) string {
	var b strings.Builder
	fmt.Fprintf(&b, "  %d. %s", step.StepNumber, step.Action)
	if v := schemas.StringValue(step.Value); v != "" {
		fmt.Fprintf(&b, " %q", v)
	}
	if step.Summary != "" {
		b.WriteString(": ")
		b.WriteString(step.Summary)
	}
	return b.String()
}

func terminalLine(u Update) string {
	if last, ok := u.LastStep(); ok && strings.HasPrefix(last.Summary, "Error:") {
		return "Run stopped."
	}
	return "Run finished."
}
