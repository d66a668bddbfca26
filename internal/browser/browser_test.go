package browser

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/opero/internal/config"
	"github.com/xkilldash9x/opero/internal/quiescence"
)

func TestBuildFlags(t *testing.T) {
	cfg := config.BrowserConfig{
		Headless:        true,
		IgnoreTLSErrors: true,
		Args:            []string{"--lang=en-US", "--start-maximized", "--"},
	}

	t.Run("Linux", func(t *testing.T) {
		flags := buildFlags(cfg, "linux")
		assert.Equal(t, true, flags["headless"])
		assert.Equal(t, true, flags["ignore-certificate-errors"])
		assert.Equal(t, false, flags["enable-automation"])
		assert.Equal(t, "AutomationControlled", flags["disable-blink-features"])
		assert.Equal(t, true, flags["no-sandbox"])
		assert.Equal(t, "en-US", flags["lang"])
		assert.Equal(t, true, flags["start-maximized"])
		assert.NotContains(t, flags, "")
	})

	t.Run("Headful", func(t *testing.T) {
		flags := buildFlags(config.BrowserConfig{}, "darwin")
		assert.Equal(t, false, flags["headless"])
		assert.Equal(t, false, flags["disable-gpu"])
		assert.NotContains(t, flags, "no-sandbox")
	})

	t.Run("ArgsOverrideDefaults", func(t *testing.T) {
		flags := buildFlags(config.BrowserConfig{Args: []string{"--headless=new"}}, "linux")
		assert.Equal(t, "new", flags["headless"])
	})
}

func TestIsBlankURL(t *testing.T) {
	for _, url := range []string{"", "about:blank", "chrome://newtab/", "chrome://new-tab-page/", "edge://newtab/"} {
		assert.True(t, IsBlankURL(url), url)
	}
	for _, url := range []string{"https://www.google.com/", "chrome://settings/", "about:srcdoc"} {
		assert.False(t, IsBlankURL(url), url)
	}
}

func TestTranslateNetworkEvent(t *testing.T) {
	main := cdp.FrameID("TAB1")

	t.Run("RequestStarted", func(t *testing.T) {
		ev, ok := translateNetworkEvent(&network.EventRequestWillBeSent{
			RequestID: "r1",
			Request:   &network.Request{URL: "https://example.com/app.js"},
			Type:      network.ResourceTypeScript,
			FrameID:   main,
		}, main)
		require.True(t, ok)
		assert.Equal(t, quiescence.NetworkEvent{
			Type:      quiescence.RequestStarted,
			RequestID: "r1",
			Kind:      quiescence.KindScript,
			URL:       "https://example.com/app.js",
		}, ev)
	})

	t.Run("ChildFrameDocumentIsIframe", func(t *testing.T) {
		ev, ok := translateNetworkEvent(&network.EventRequestWillBeSent{
			RequestID: "r2",
			Request:   &network.Request{URL: "https://embed.example.com/"},
			Type:      network.ResourceTypeDocument,
			FrameID:   "CHILD",
		}, main)
		require.True(t, ok)
		assert.Equal(t, quiescence.KindIframe, ev.Kind)
	})

	t.Run("Completion", func(t *testing.T) {
		ev, ok := translateNetworkEvent(&network.EventLoadingFinished{RequestID: "r1"}, main)
		require.True(t, ok)
		assert.Equal(t, quiescence.RequestFinished, ev.Type)

		ev, ok = translateNetworkEvent(&network.EventLoadingFailed{RequestID: "r2"}, main)
		require.True(t, ok)
		assert.Equal(t, quiescence.RequestFailed, ev.Type)
		assert.Equal(t, "r2", ev.RequestID)
	})

	t.Run("Ignored", func(t *testing.T) {
		_, ok := translateNetworkEvent(&network.EventResponseReceived{RequestID: "r1"}, main)
		assert.False(t, ok)
	})
}

func TestResourceKind(t *testing.T) {
	main := cdp.FrameID("TAB1")
	cases := map[network.ResourceType]quiescence.ResourceKind{
		network.ResourceTypeDocument:   quiescence.KindDocument,
		network.ResourceTypeStylesheet: quiescence.KindStylesheet,
		network.ResourceTypeImage:      quiescence.KindImage,
		network.ResourceTypeFont:       quiescence.KindFont,
		network.ResourceTypeScript:     quiescence.KindScript,
		network.ResourceTypeXHR:        quiescence.KindOther,
		network.ResourceTypeFetch:      quiescence.KindOther,
		network.ResourceTypeMedia:      quiescence.KindOther,
	}
	for rt, want := range cases {
		assert.Equal(t, want, resourceKind(rt, main, main), string(rt))
	}
}

func TestScripts(t *testing.T) {
	t.Run("InvokeAction", func(t *testing.T) {
		script, err := invokeAction("input", `//input[@name="q"]`, "hello \"world\"")
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(script, "(// "))
		assert.True(t, strings.HasSuffix(script, `).input("//input[@name=\"q\"]", "hello \"world\"")`))
	})

	t.Run("InvokeScript", func(t *testing.T) {
		script, err := invokeScript(domTreeJS, snapshotOptions{DoHighlight: true})
		require.NoError(t, err)
		assert.True(t, strings.HasSuffix(script, `)({"doHighlight":true,"viewportExpansion":0})`))

		script, err = invokeScript(clearHighlightsJS)
		require.NoError(t, err)
		assert.True(t, strings.HasSuffix(script, "}))()"))
	})

	t.Run("EmbeddedPrimitives", func(t *testing.T) {
		for _, name := range []string{"locate", "click", "input", "focus", "submitForm", "scroll", "fileInput"} {
			assert.Contains(t, actionsJS, name+": function", name)
		}
		assert.Contains(t, blankPatchJS, "__operoBlankPatched")
		assert.Contains(t, domTreeJS, "highlightIndex")
	})
}

func TestLookupKey(t *testing.T) {
	assert.Equal(t, keyDefinition{"Enter", "Enter", 13}, lookupKey("Enter"))
	assert.Equal(t, keyDefinition{"Enter", "Enter", 13}, lookupKey("ENTER"))
	assert.Equal(t, keyDefinition{"Escape", "Escape", 27}, lookupKey("esc"))
	assert.Equal(t, keyDefinition{Key: "a"}, lookupKey("a"))
}

func TestStageUpload(t *testing.T) {
	tab := &Tab{id: "T1", logger: zaptest.NewLogger(t)}

	path, err := tab.stageUpload([]byte("resume"), "../../cv.pdf")
	require.NoError(t, err)
	assert.Equal(t, "cv.pdf", filepath.Base(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("resume"), data)

	tab.close()
	_, err = os.Stat(filepath.Dir(path))
	assert.True(t, os.IsNotExist(err))
}
