package browser

import (
	_ "embed"
	"fmt"
	"strings"

	json "github.com/json-iterator/go"
)

//go:embed js/dom_tree.js
var domTreeJS string

//go:embed js/clear_highlights.js
var clearHighlightsJS string

//go:embed js/blank_patch.js
var blankPatchJS string

//go:embed js/actions.js
var actionsJS string

// invokeScript renders a call of an embedded function expression with JSON encoded arguments.
func invokeScript(fn string, args ...any) (string, error) {
	encoded, err := encodeArgs(args)
	if err != nil {
		return "", err
	}
	return "(" + strings.TrimSpace(fn) + ")(" + encoded + ")", nil
}

// invokeAction renders a call of one of the primitives in actions.js.
func invokeAction(name string, args ...any) (string, error) {
	encoded, err := encodeArgs(args)
	if err != nil {
		return "", err
	}
	return "(" + strings.TrimSpace(actionsJS) + ")." + name + "(" + encoded + ")", nil
}

func encodeArgs(args []any) (string, error) {
	parts := make([]string, 0, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return "", fmt.Errorf("failed to encode script argument %d: %w", i, err)
		}
		parts = append(parts, string(b))
	}
	return strings.Join(parts, ", "), nil
}
