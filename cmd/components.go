package cmd

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/opero/api/schemas"
	"github.com/xkilldash9x/opero/internal/agent"
	"github.com/xkilldash9x/opero/internal/auth"
	"github.com/xkilldash9x/opero/internal/browser"
	"github.com/xkilldash9x/opero/internal/config"
	"github.com/xkilldash9x/opero/internal/decision"
	"github.com/xkilldash9x/opero/internal/protocol"
	"github.com/xkilldash9x/opero/internal/quiescence"
	"github.com/xkilldash9x/opero/internal/store"
)

const shutdownTimeout = 15 * time.Second

// components holds the initialized services of a run.
type components struct {
	Store       *store.Store
	Browser     *browser.Manager
	Router      *protocol.Router
	Decision    *decision.Client
	Pages       *agent.HostPool
	Coordinator *agent.Coordinator
	logger      *zap.Logger
}

// Shutdown releases every initialized component, newest first.
func (c *components) Shutdown() {
	if c.Pages != nil {
		c.Pages.Close()
	}
	if c.Router != nil {
		c.Router.Close()
	}
	if c.Browser != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := c.Browser.Shutdown(ctx); err != nil {
			c.logger.Warn("Error during browser manager shutdown", zap.Error(err))
		}
	}
	if c.Store != nil {
		if err := c.Store.Close(); err != nil {
			c.logger.Warn("Error closing the run state store", zap.Error(err))
		}
	}
}

// initializeComponents handles dependency injection for a browser-driving command.
func initializeComponents(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*components, error) {
	c := &components{logger: logger}

	st, err := store.Open(ctx, cfg.Store(), logger)
	if err != nil {
		return c, fmt.Errorf("failed to open run state store: %w", err)
	}
	c.Store = st

	client, err := decision.NewClient(cfg.Decision(), nil, logger)
	if err != nil {
		return c, fmt.Errorf("failed to create decision client: %w", err)
	}
	c.Decision = client

	mgr, err := browser.NewManager(ctx, cfg.Browser(), logger)
	if err != nil {
		return c, fmt.Errorf("failed to start browser: %w", err)
	}
	c.Browser = mgr

	c.Router = protocol.NewRouter(logger)
	c.Pages = agent.NewHostPool(c.Router, c.Router, st, client, openTab(mgr), logger)

	coord, err := agent.NewCoordinator(cfg.Coordinator(), agent.Dependencies{
		Store:      st,
		Browser:    mgr,
		Dispatcher: c.Router,
		Pages:      c.Pages,
		Waiter:     quiescence.New(mgr, quiescence.OptionsFromConfig(cfg.Quiescence()), logger),
		Enricher:   client,
		Status:     client,
		Auth:       auth.NewTokenAuthenticator(cfg.Auth(), logger),
	}, logger)
	if err != nil {
		return c, fmt.Errorf("failed to create coordinator: %w", err)
	}
	c.Coordinator = coord
	c.Router.SetCoordinator(coord)
	return c, nil
}

func openTab(mgr *browser.Manager) agent.TabOpener {
	return func(ctx context.Context, tabID schemas.TabID) (agent.PageTab, error) {
		tab, err := mgr.Tab(ctx, tabID)
		if err != nil {
			return nil, err
		}
		return tab, nil
	}
}

// openStore opens the run state store alone, for commands that never touch the browser.
func openStore(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*store.Store, error) {
	st, err := store.Open(ctx, cfg.Store(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open run state store: %w", err)
	}
	return st, nil
}
