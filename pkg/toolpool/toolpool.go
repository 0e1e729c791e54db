// Package toolpool implements the Tool-Server Pool (C2): owns the set of
// Tool-Server Clients keyed by server id and drives them in parallel.
package toolpool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/taskflow/pkg/errs"
	"github.com/kadirpekel/taskflow/pkg/logger"
	"github.com/kadirpekel/taskflow/pkg/observability"
	"github.com/kadirpekel/taskflow/pkg/toolserver"
)

// Status is the per-server connectivity snapshot returned by Statuses.
type Status struct {
	ID    string
	State toolserver.State
	Error string
}

// Pool owns a keyed set of Tool-Server Clients and fans out connect,
// disconnect, and refresh operations across them in parallel.
type Pool struct {
	mu      sync.RWMutex
	clients map[string]*toolserver.Client
	configs map[string]toolserver.Config
	log     *slog.Logger
}

// New constructs an empty Pool.
func New(log *slog.Logger) *Pool {
	if log == nil {
		log = logger.Default()
	}
	return &Pool{
		clients: make(map[string]*toolserver.Client),
		configs: make(map[string]toolserver.Config),
		log:     log,
	}
}

// ConnectAll connects every configured server in parallel. A single
// server's failure never blocks or fails the others; per-server errors are
// logged and reflected in Statuses.
func (p *Pool) ConnectAll(ctx context.Context) {
	p.mu.RLock()
	clients := make([]*toolserver.Client, 0, len(p.clients))
	for _, c := range p.clients {
		clients = append(clients, c)
	}
	p.mu.RUnlock()

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *toolserver.Client) {
			defer wg.Done()
			if err := c.Connect(ctx); err != nil {
				p.log.Warn("tool server connect failed", "server_id", c.ID(), "error", err)
			}
		}(c)
	}
	wg.Wait()
	p.reportConnected()
}

// DisconnectAll disconnects every server in parallel, best-effort.
func (p *Pool) DisconnectAll(ctx context.Context) {
	p.mu.RLock()
	clients := make([]*toolserver.Client, 0, len(p.clients))
	for _, c := range p.clients {
		clients = append(clients, c)
	}
	p.mu.RUnlock()

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *toolserver.Client) {
			defer wg.Done()
			if err := c.Disconnect(ctx); err != nil {
				p.log.Warn("tool server disconnect failed", "server_id", c.ID(), "error", err)
			}
		}(c)
	}
	wg.Wait()
	p.reportConnected()
}

// RefreshAll re-fetches the tool list from every connected server in
// parallel. A single server's refresh failure is logged and does not stop
// the others; it uses errgroup purely for structured fan-out.
func (p *Pool) RefreshAll(ctx context.Context) {
	p.mu.RLock()
	clients := make([]*toolserver.Client, 0, len(p.clients))
	for _, c := range p.clients {
		clients = append(clients, c)
	}
	p.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range clients {
		c := c
		g.Go(func() error {
			if c.State() != toolserver.StateConnected {
				return nil
			}
			if err := c.Refresh(gctx); err != nil {
				p.log.Warn("tool server refresh failed", "server_id", c.ID(), "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Call routes a tool invocation to the named server.
func (p *Pool) Call(ctx context.Context, serverID, tool string, params map[string]any, timeout time.Duration) toolserver.CallResult {
	p.mu.RLock()
	c, ok := p.clients[serverID]
	p.mu.RUnlock()
	if !ok {
		return toolserver.CallResult{Kind: toolserver.ResultUnreachable, Message: "unknown tool server " + serverID}
	}
	return c.CallTool(ctx, tool, params, timeout)
}

// Client returns the underlying client for serverID, if any, so the
// Registry can enumerate its tool set.
func (p *Pool) Client(serverID string) (*toolserver.Client, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.clients[serverID]
	return c, ok
}

// Clients returns a snapshot of all clients keyed by server id.
func (p *Pool) Clients() map[string]*toolserver.Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]*toolserver.Client, len(p.clients))
	for k, v := range p.clients {
		out[k] = v
	}
	return out
}

// Statuses reports each server's current connection state.
func (p *Pool) Statuses() []Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Status, 0, len(p.clients))
	for id, c := range p.clients {
		out = append(out, Status{ID: id, State: c.State()})
	}
	return out
}

// reportConnected publishes the current count of connected servers to the
// pool-connected-servers gauge, after a bulk connect/disconnect/reconfigure
// operation has settled.
func (p *Pool) reportConnected() {
	n := 0
	for _, s := range p.Statuses() {
		if s.State == toolserver.StateConnected {
			n++
		}
	}
	observability.GetGlobalMetrics().SetPoolConnectedServers(n)
}

// ApplyConfig diffs newConfigs against the current set and performs
// disconnect→connect→reconnect accordingly: servers absent from
// newConfigs are disconnected and removed; new server ids are connected;
// servers whose Config changed (per Config.Equal) are reconnected in place.
// Errors are returned per server id, never as a single pool-level error.
func (p *Pool) ApplyConfig(ctx context.Context, newConfigs map[string]toolserver.Config) map[string]error {
	p.mu.Lock()
	var toRemove []string
	for id := range p.clients {
		if _, ok := newConfigs[id]; !ok {
			toRemove = append(toRemove, id)
		}
	}
	var toAdd []string
	var toReconnect []string
	for id, cfg := range newConfigs {
		existingCfg, ok := p.configs[id]
		switch {
		case !ok:
			toAdd = append(toAdd, id)
		case !existingCfg.Equal(cfg):
			toReconnect = append(toReconnect, id)
		}
	}
	p.mu.Unlock()

	errsByID := make(map[string]error)
	var mu sync.Mutex
	record := func(id string, err error) {
		if err == nil {
			return
		}
		mu.Lock()
		errsByID[id] = err
		mu.Unlock()
	}

	var wg sync.WaitGroup
	for _, id := range toRemove {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			p.mu.RLock()
			c := p.clients[id]
			p.mu.RUnlock()
			if c != nil {
				if err := c.Disconnect(ctx); err != nil {
					record(id, err)
				}
			}
			p.mu.Lock()
			delete(p.clients, id)
			delete(p.configs, id)
			p.mu.Unlock()
		}(id)
	}

	for _, id := range toAdd {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			cfg := newConfigs[id]
			cfg.ID = id
			c := toolserver.New(cfg)
			if err := c.Connect(ctx); err != nil {
				record(id, err)
			}
			p.mu.Lock()
			p.clients[id] = c
			p.configs[id] = cfg
			p.mu.Unlock()
		}(id)
	}

	for _, id := range toReconnect {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			p.mu.RLock()
			old := p.clients[id]
			p.mu.RUnlock()
			if old != nil {
				_ = old.Disconnect(ctx)
			}
			cfg := newConfigs[id]
			cfg.ID = id
			c := toolserver.New(cfg)
			if err := c.Connect(ctx); err != nil {
				record(id, err)
			}
			p.mu.Lock()
			p.clients[id] = c
			p.configs[id] = cfg
			p.mu.Unlock()
		}(id)
	}

	wg.Wait()
	p.reportConnected()
	if len(errsByID) == 0 {
		return nil
	}
	for id, err := range errsByID {
		errsByID[id] = errs.Wrap(errs.CodeToolUnavailable, "apply_config failed for tool server", err).WithDetail(id)
	}
	return errsByID
}
