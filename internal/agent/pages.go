package agent

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/opero/api/schemas"
	"github.com/xkilldash9x/opero/internal/protocol"
)

// PageRegistry is where page hosts make themselves reachable.
type PageRegistry interface {
	RegisterPage(tab schemas.TabID, h protocol.PageHandler) func()
}

// TabOpener attaches to an existing tab.
type TabOpener func(ctx context.Context, tabID schemas.TabID) (PageTab, error)

type hostEntry struct {
	host       *PageHost
	unregister func()
}

// HostPool installs a page host in each tab the coordinator drives, the way a
// content script is injected into every page.
type HostPool struct {
	registry PageRegistry
	link     CoordinatorLink
	state    StateReader
	decider  Decider
	open     TabOpener
	logger   *zap.Logger

	mu     sync.Mutex
	hosts  map[schemas.TabID]*hostEntry
	closed bool
}

// NewHostPool creates an empty pool.
func NewHostPool(registry PageRegistry, link CoordinatorLink, state StateReader, decider Decider, open TabOpener, logger *zap.Logger) *HostPool {
	return &HostPool{
		registry: registry,
		link:     link,
		state:    state,
		decider:  decider,
		open:     open,
		logger:   logger,
		hosts:    make(map[schemas.TabID]*hostEntry),
	}
}

// Inject makes sure a page host serves tabID. Idempotent.
func (p *HostPool) Inject(ctx context.Context, tabID schemas.TabID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrStopped
	}
	if _, ok := p.hosts[tabID]; ok {
		return nil
	}

	tab, err := p.open(ctx, tabID)
	if err != nil {
		return fmt.Errorf("failed to attach to tab %s: %w", tabID, err)
	}
	host := NewPageHost(tabID, tab, p.link, p.state, p.decider, p.logger)
	p.hosts[tabID] = &hostEntry{host: host, unregister: p.registry.RegisterPage(tabID, host)}
	p.logger.Debug("Page host installed.", zap.String("tab_id", tabID.String()))
	return nil
}

// Remove uninstalls the host of tabID, waiting for a running step to report.
func (p *HostPool) Remove(tabID schemas.TabID) {
	p.mu.Lock()
	entry, ok := p.hosts[tabID]
	delete(p.hosts, tabID)
	p.mu.Unlock()
	if ok {
		entry.unregister()
		entry.host.Close()
	}
}

// Close uninstalls every host.
func (p *HostPool) Close() {
	p.mu.Lock()
	p.closed = true
	hosts := p.hosts
	p.hosts = make(map[schemas.TabID]*hostEntry)
	p.mu.Unlock()

	for _, entry := range hosts {
		entry.unregister()
		entry.host.Close()
	}
}
