// Package browser drives Chrome through the DevTools protocol: it owns the
// browser process (or a connection to a running one), hands out per-tab
// handles and feeds tab network events to the quiescence detector.
package browser

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/opero/api/schemas"
	"github.com/xkilldash9x/opero/internal/config"
)

// ErrNoTab is returned when no usable page target exists or the requested one is gone.
var ErrNoTab = errors.New("no such tab")

const (
	pageTargetType       = "page"
	gracefulCloseTimeout = 5 * time.Second
)

// Manager owns the browser connection and the tabs attached through it.
type Manager struct {
	logger *zap.Logger
	cfg    config.BrowserConfig

	// allocatorCtx manages the browser process (or remote connection).
	allocatorCtx    context.Context
	allocatorCancel context.CancelFunc

	// browserCtx is the first chromedp context; it owns the initial tab.
	browserCtx    context.Context
	browserCancel context.CancelFunc

	// attachMu serializes attaching to existing targets.
	attachMu sync.Mutex

	mu     sync.Mutex
	tabs   map[schemas.TabID]*Tab
	active schemas.TabID
	closed bool
}

// NewManager launches Chrome, or connects to browser.remote_url when set, and
// attaches to the initial tab.
func NewManager(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Manager, error) {
	m := &Manager{
		logger: logger.Named("browser_manager"),
		cfg:    cfg,
		tabs:   make(map[schemas.TabID]*Tab),
	}

	if cfg.RemoteURL != "" {
		m.logger.Info("Connecting to running browser.", zap.String("remote_url", cfg.RemoteURL))
		m.allocatorCtx, m.allocatorCancel = chromedp.NewRemoteAllocator(ctx, cfg.RemoteURL)
	} else {
		opts, err := m.buildAllocatorOptions()
		if err != nil {
			return nil, err
		}
		m.logger.Info("Launching browser.", zap.Bool("headless", cfg.Headless))
		m.allocatorCtx, m.allocatorCancel = chromedp.NewExecAllocator(ctx, opts...)
	}

	sugar := m.logger.Sugar()
	m.browserCtx, m.browserCancel = chromedp.NewContext(m.allocatorCtx,
		chromedp.WithLogf(sugar.Debugf),
		chromedp.WithErrorf(sugar.Warnf),
	)

	// The first Run allocates the browser; it must not carry a timeout.
	if err := chromedp.Run(m.browserCtx); err != nil {
		m.browserCancel()
		m.allocatorCancel()
		return nil, fmt.Errorf("browser failed to start or respond: %w", err)
	}

	c := chromedp.FromContext(m.browserCtx)
	if c == nil || c.Target == nil {
		m.browserCancel()
		m.allocatorCancel()
		return nil, errors.New("browser started without an initial tab")
	}
	initial := m.newTab(schemas.TabID(c.Target.TargetID), m.browserCtx, nil)
	m.tabs[initial.id] = initial
	m.active = initial.id

	m.logger.Info("Browser ready.", zap.String("initial_tab", initial.id.String()))
	return m, nil
}

func (m *Manager) newTab(id schemas.TabID, ctx context.Context, cancel context.CancelFunc) *Tab {
	return &Tab{
		id:                id,
		ctx:               ctx,
		cancel:            cancel,
		logger:            m.logger.Named("tab").With(zap.String("tab_id", id.String())),
		actionTimeout:     m.cfg.ActionTimeout,
		navigationTimeout: m.cfg.NavigationTimeout,
	}
}

// buildAllocatorOptions starts from chromedp's defaults and applies configuration.
func (m *Manager) buildAllocatorOptions() ([]chromedp.ExecAllocatorOption, error) {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)

	flags := buildFlags(m.cfg, runtime.GOOS)
	names := make([]string, 0, len(flags))
	for name := range flags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		opts = append(opts, chromedp.Flag(name, flags[name]))
	}

	if m.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(m.cfg.ExecPath))
	}
	if m.cfg.UserDataDir != "" {
		dir, err := homedir.Expand(m.cfg.UserDataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to expand browser.user_data_dir: %w", err)
		}
		opts = append(opts, chromedp.UserDataDir(dir))
	}
	if w, h := m.cfg.Viewport["width"], m.cfg.Viewport["height"]; w > 0 && h > 0 {
		opts = append(opts, chromedp.WindowSize(w, h))
	}
	return opts, nil
}

// buildFlags resolves the command line flags layered over chromedp's
// defaults. A false value removes a default flag.
func buildFlags(cfg config.BrowserConfig, goos string) map[string]any {
	flags := map[string]any{
		"headless":                  cfg.Headless,
		"hide-scrollbars":           cfg.Headless,
		"mute-audio":                cfg.Headless,
		"ignore-certificate-errors": cfg.IgnoreTLSErrors,
		"enable-automation":         false,
		"disable-blink-features":    "AutomationControlled",
		"disable-gpu":               cfg.Headless,
	}

	if goos == "linux" {
		flags["no-sandbox"] = true
		flags["disable-dev-shm-usage"] = true
		flags["disable-setuid-sandbox"] = true
	}

	for _, arg := range cfg.Args {
		parts := strings.SplitN(arg, "=", 2)
		name := strings.TrimPrefix(parts[0], "--")
		if name == "" {
			continue
		}
		if len(parts) == 2 {
			flags[name] = parts[1]
		} else {
			flags[name] = true
		}
	}
	return flags
}

// pageTargets lists the browser's page targets.
func (m *Manager) pageTargets(ctx context.Context) ([]*target.Info, error) {
	infos, err := chromedp.Targets(m.browserCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to list targets: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pages := infos[:0]
	for _, info := range infos {
		if info.Type == pageTargetType && !strings.HasPrefix(info.URL, "devtools://") {
			pages = append(pages, info)
		}
	}
	return pages, nil
}

// TabExists reports whether tabID is still an open page.
func (m *Manager) TabExists(ctx context.Context, tabID schemas.TabID) (bool, error) {
	if tabID == "" {
		return false, nil
	}
	pages, err := m.pageTargets(ctx)
	if err != nil {
		return false, err
	}
	for _, info := range pages {
		if schemas.TabID(info.TargetID) == tabID {
			return true, nil
		}
	}
	return false, nil
}

// ActiveTab returns the tab most recently activated through the manager, or
// the first open page when that one has gone away.
func (m *Manager) ActiveTab(ctx context.Context) (schemas.TabID, error) {
	pages, err := m.pageTargets(ctx)
	if err != nil {
		return "", err
	}
	if len(pages) == 0 {
		return "", ErrNoTab
	}
	m.mu.Lock()
	active := m.active
	m.mu.Unlock()
	for _, info := range pages {
		if schemas.TabID(info.TargetID) == active {
			return active, nil
		}
	}
	return schemas.TabID(pages[0].TargetID), nil
}

// NewTab opens a tab, makes it the active one and, if url is set, starts loading it.
func (m *Manager) NewTab(ctx context.Context, url string) (schemas.TabID, error) {
	if err := m.checkOpen(); err != nil {
		return "", err
	}
	tabCtx, cancel := chromedp.NewContext(m.browserCtx)
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return "", fmt.Errorf("failed to open tab: %w", err)
	}
	c := chromedp.FromContext(tabCtx)
	tab := m.newTab(schemas.TabID(c.Target.TargetID), tabCtx, cancel)

	m.mu.Lock()
	m.tabs[tab.id] = tab
	m.active = tab.id
	m.mu.Unlock()

	if url != "" {
		if err := tab.Navigate(ctx, url); err != nil {
			return tab.id, err
		}
	}
	m.logger.Debug("Opened tab.", zap.String("tab_id", tab.id.String()), zap.String("url", url))
	return tab.id, nil
}

// Activate brings tabID to the front and makes it the default for ActiveTab.
func (m *Manager) Activate(ctx context.Context, tabID schemas.TabID) error {
	tab, err := m.Tab(ctx, tabID)
	if err != nil {
		return err
	}
	err = tab.run(ctx, m.cfg.ActionTimeout, chromedp.ActionFunc(func(ctx context.Context) error {
		return target.ActivateTarget(target.ID(tabID)).Do(ctx)
	}))
	if err != nil {
		return fmt.Errorf("failed to activate tab %s: %w", tabID, err)
	}
	m.mu.Lock()
	m.active = tabID
	m.mu.Unlock()
	return nil
}

// Tab returns the handle for tabID, attaching to the target on first use.
// Attached tabs are closed when the manager shuts down.
func (m *Manager) Tab(ctx context.Context, tabID schemas.TabID) (*Tab, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	m.attachMu.Lock()
	defer m.attachMu.Unlock()

	m.mu.Lock()
	tab, ok := m.tabs[tabID]
	m.mu.Unlock()
	if ok {
		return tab, nil
	}

	exists, err := m.TabExists(ctx, tabID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNoTab, tabID)
	}

	tabCtx, cancel := chromedp.NewContext(m.browserCtx, chromedp.WithTargetID(target.ID(tabID)))
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to attach to tab %s: %w", tabID, err)
	}
	tab = m.newTab(tabID, tabCtx, cancel)

	m.mu.Lock()
	m.tabs[tabID] = tab
	m.mu.Unlock()
	return tab, nil
}

// IsBlankURL reports whether url is an empty document or a browser new-tab page.
func IsBlankURL(url string) bool {
	switch strings.TrimRight(url, "/") {
	case "", "about:blank", "chrome://newtab", "chrome://new-tab-page", "chrome-search://local-ntp/local-ntp.html", "edge://newtab":
		return true
	}
	return false
}

// RedirectIfBlank sends a blank or new-tab page to browser.home_url. It reports
// whether a navigation was started.
func (m *Manager) RedirectIfBlank(ctx context.Context, tabID schemas.TabID) (bool, error) {
	if m.cfg.HomeURL == "" {
		return false, nil
	}
	tab, err := m.Tab(ctx, tabID)
	if err != nil {
		return false, err
	}
	url, err := tab.URL(ctx)
	if err != nil {
		return false, err
	}
	if !IsBlankURL(url) {
		return false, nil
	}
	m.logger.Info("Redirecting blank tab to home page.", zap.String("tab_id", tabID.String()), zap.String("home_url", m.cfg.HomeURL))
	if err := tab.Navigate(ctx, m.cfg.HomeURL); err != nil {
		return false, err
	}
	return true, nil
}

// Screenshot captures tabID's visible viewport as a JPEG data URL.
func (m *Manager) Screenshot(ctx context.Context, tabID schemas.TabID) (string, error) {
	tab, err := m.Tab(ctx, tabID)
	if err != nil {
		return "", err
	}
	return tab.Screenshot(ctx)
}

func (m *Manager) checkOpen() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("browser manager is shut down")
	}
	return nil
}

// Shutdown detaches from every tab and stops the browser. A launched browser
// is closed gracefully within ctx's deadline before being killed.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	tabs := make([]*Tab, 0, len(m.tabs))
	for _, tab := range m.tabs {
		tabs = append(tabs, tab)
	}
	m.tabs = map[schemas.TabID]*Tab{}
	m.mu.Unlock()

	m.logger.Info("Browser manager shutdown initiated.")
	for _, tab := range tabs {
		tab.close()
	}

	if m.cfg.RemoteURL == "" {
		closeCtx, cancel := context.WithTimeout(m.browserCtx, gracefulCloseTimeout)
		if dl, ok := ctx.Deadline(); ok {
			closeCtx, cancel = context.WithDeadline(m.browserCtx, dl)
		}
		if err := chromedp.Cancel(closeCtx); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Warn("Graceful browser close failed.", zap.Error(err))
		}
		cancel()
	}
	m.browserCancel()
	m.allocatorCancel()
	<-m.allocatorCtx.Done()
	m.logger.Info("Browser stopped.")
	return nil
}
