package browser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/opero/api/schemas"
)

// Upper bound for releasing a remote object after an action.
const releaseTimeout = 2 * time.Second

// -- Action primitives --
//
// Element addressed actions take the element's XPath from the snapshot.

// evalAction runs one primitive from actions.js and reports ErrElementNotFound
// when it returns false.
func (t *Tab) evalAction(ctx context.Context, name string, args ...any) error {
	script, err := invokeAction(name, args...)
	if err != nil {
		return err
	}
	var ok bool
	if err := t.run(ctx, t.actionTimeout, chromedp.Evaluate(script, &ok)); err != nil {
		return fmt.Errorf("%s failed: %w", name, err)
	}
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrElementNotFound)
	}
	return nil
}

// Click activates the element. Natively clickable elements get a plain click;
// anything else receives a synthetic mouse sequence, as does its first
// clickable descendant.
func (t *Tab) Click(ctx context.Context, xpath string) error {
	return t.evalAction(ctx, "click", xpath)
}

// Input replaces the value of a text field, or inserts text into an editable region.
func (t *Tab) Input(ctx context.Context, xpath, text string) error {
	return t.evalAction(ctx, "input", xpath, text)
}

// KeyPress focuses the element and sends key. Enter also submits the
// enclosing form, if there is one.
func (t *Tab) KeyPress(ctx context.Context, xpath, key string) error {
	if err := t.evalAction(ctx, "focus", xpath); err != nil {
		return err
	}

	def := lookupKey(key)
	keyDown := input.DispatchKeyEvent(input.KeyRawDown).
		WithKey(def.Key).
		WithCode(def.Code).
		WithWindowsVirtualKeyCode(def.KeyCode)
	keyUp := input.DispatchKeyEvent(input.KeyUp).
		WithKey(def.Key).
		WithCode(def.Code).
		WithWindowsVirtualKeyCode(def.KeyCode)
	if err := t.run(ctx, t.actionTimeout, keyDown, keyUp); err != nil {
		return fmt.Errorf("key press %q failed: %w", key, err)
	}

	if def.Key == "Enter" {
		if err := t.evalAction(ctx, "submitForm", xpath); err != nil {
			t.logger.Debug("No form to submit after Enter.", zap.String("xpath", xpath), zap.Error(err))
		}
	}
	return nil
}

// Scroll moves the viewport one screen height up or down.
func (t *Tab) Scroll(ctx context.Context, direction string) error {
	if direction != "up" && direction != "down" {
		return fmt.Errorf("unsupported scroll direction %q", direction)
	}
	return t.evalAction(ctx, "scroll", direction)
}

// Navigate starts loading url and returns without waiting for the load to finish.
func (t *Tab) Navigate(ctx context.Context, url string) error {
	return t.run(ctx, t.navigationTimeout, chromedp.ActionFunc(func(ctx context.Context) error {
		_, _, errorText, _, err := page.Navigate(url).Do(ctx)
		if err != nil {
			return err
		}
		if errorText != "" {
			return fmt.Errorf("navigation to %s failed: %s", url, errorText)
		}
		return nil
	}))
}

// UploadFile attaches the decoded data URL as fileName to the file input
// associated with the element: the element itself, a visible file input, the
// closest form's input or the first one in the document.
func (t *Tab) UploadFile(ctx context.Context, xpath, dataURL, fileName string) error {
	_, data, err := schemas.DecodeDataURL(dataURL)
	if err != nil {
		return err
	}
	path, err := t.stageUpload(data, fileName)
	if err != nil {
		return err
	}

	script, err := invokeAction("fileInput", xpath)
	if err != nil {
		return err
	}
	return t.run(ctx, t.actionTimeout, chromedp.ActionFunc(func(ctx context.Context) error {
		obj, exc, err := runtime.Evaluate(script).Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return exc
		}
		if obj == nil || obj.ObjectID == "" || obj.Subtype == runtime.SubtypeNull {
			return fmt.Errorf("no file input: %w", ErrElementNotFound)
		}
		defer func() {
			rctx, cancel := releaseContext(ctx)
			defer cancel()
			_ = runtime.ReleaseObject(obj.ObjectID).Do(rctx)
		}()
		return dom.SetFileInputFiles([]string{path}).WithObjectID(obj.ObjectID).Do(ctx)
	}))
}

// stageUpload writes data to a per-upload directory that lives until the tab is released.
func (t *Tab) stageUpload(data []byte, fileName string) (string, error) {
	dir, err := os.MkdirTemp("", "opero-upload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create upload staging directory: %w", err)
	}
	t.mu.Lock()
	t.uploadDirs = append(t.uploadDirs, dir)
	t.mu.Unlock()

	name := filepath.Base(fileName)
	if name == "." || name == string(filepath.Separator) || name == "" {
		name = "upload"
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to stage upload: %w", err)
	}
	return path, nil
}

// keyDefinition is the CDP description of a named key.
type keyDefinition struct {
	Key     string
	Code    string
	KeyCode int64
}

var namedKeys = map[string]keyDefinition{
	"enter":      {"Enter", "Enter", 13},
	"tab":        {"Tab", "Tab", 9},
	"escape":     {"Escape", "Escape", 27},
	"esc":        {"Escape", "Escape", 27},
	"backspace":  {"Backspace", "Backspace", 8},
	"delete":     {"Delete", "Delete", 46},
	"space":      {" ", "Space", 32},
	" ":          {" ", "Space", 32},
	"arrowup":    {"ArrowUp", "ArrowUp", 38},
	"arrowdown":  {"ArrowDown", "ArrowDown", 40},
	"arrowleft":  {"ArrowLeft", "ArrowLeft", 37},
	"arrowright": {"ArrowRight", "ArrowRight", 39},
	"home":       {"Home", "Home", 36},
	"end":        {"End", "End", 35},
	"pageup":     {"PageUp", "PageUp", 33},
	"pagedown":   {"PageDown", "PageDown", 34},
}

// lookupKey maps a key name (case-insensitive) to its CDP definition. Unknown
// names are sent as-is without a code.
func lookupKey(key string) keyDefinition {
	if def, ok := namedKeys[strings.ToLower(key)]; ok {
		return def
	}
	return keyDefinition{Key: key}
}
