// Package toolregistry implements the Tool Registry (C3): the single
// catalog of tools consulted by Tool Dispatch and by the RPC Front-End's
// tools/list.
package toolregistry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/kadirpekel/taskflow/pkg/logger"
	"github.com/kadirpekel/taskflow/pkg/registry"
	"github.com/kadirpekel/taskflow/pkg/toolpool"
	"github.com/kadirpekel/taskflow/pkg/toolserver"
)

// Availability is whether a descriptor's backing tool server is currently
// reachable.
type Availability string

const (
	Available   Availability = "available"
	Unavailable Availability = "unavailable"
)

// Kind distinguishes built-in system tools (the scripted-code executor,
// configuration tools) from tools proxied through an external server.
type Kind string

const (
	KindSystem   Kind = "system"
	KindExternal Kind = "external"
)

// ToolDescriptor is everything the registry knows about one tool.
type ToolDescriptor struct {
	Name         string
	Description  string
	InputSchema  map[string]any
	Kind         Kind
	ServerID     string
	Availability Availability
}

// ToolRoute is the minimal routing information Tool Dispatch needs: where
// to send a call_tool for this name.
type ToolRoute struct {
	Name     string
	Kind     Kind
	ServerID string
}

// SystemTool is a built-in tool: a name, description, schema, and the
// registry re-asserts it unchanged on every refresh.
type SystemTool struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Registry is the Tool Registry. It wraps the generic registry.BaseRegistry
// but adds update-in-place refresh semantics (the base registry errors on a
// duplicate Register) and availability tracking.
type Registry struct {
	mu     sync.Mutex
	base   *registry.BaseRegistry[ToolDescriptor]
	pool   *toolpool.Pool
	system []SystemTool
	log    *slog.Logger
}

// New constructs a Registry backed by pool. System tools are registered on
// Initialize.
func New(pool *toolpool.Pool, system []SystemTool, log *slog.Logger) *Registry {
	if log == nil {
		log = logger.Default()
	}
	return &Registry{
		base:   registry.NewBaseRegistry[ToolDescriptor](),
		pool:   pool,
		system: system,
		log:    log,
	}
}

// Initialize registers system tools, then triggers an initial refresh_all
// via the pool and populates descriptors.
func (r *Registry) Initialize(ctx context.Context) {
	r.registerSystemTools()
	r.pool.RefreshAll(ctx)
	r.Refresh(ctx)
}

func (r *Registry) registerSystemTools() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range r.system {
		r.upsertLocked(ToolDescriptor{
			Name:         st.Name,
			Description:  st.Description,
			InputSchema:  st.InputSchema,
			Kind:         KindSystem,
			Availability: Available,
		})
	}
}

// Refresh recomputes the catalog from every connected pool client: tools
// seen this round are updated in place or inserted; tools previously known
// but not seen this round are marked Unavailable (their descriptor is kept
// so dispatch can still return a meaningful error). System tools are
// re-asserted unchanged.
func (r *Registry) Refresh(_ context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool)
	for serverID, client := range r.pool.Clients() {
		if client.State() != toolserver.StateConnected {
			continue
		}
		for _, ti := range client.Tools() {
			seen[ti.Name] = true
			r.upsertLocked(ToolDescriptor{
				Name:         ti.Name,
				Description:  ti.Description,
				InputSchema:  ti.InputSchema,
				Kind:         KindExternal,
				ServerID:     serverID,
				Availability: Available,
			})
		}
	}

	for _, d := range r.base.List() {
		if d.Kind != KindExternal || seen[d.Name] {
			continue
		}
		d.Availability = Unavailable
		r.upsertLocked(d)
	}

	for _, st := range r.system {
		r.upsertLocked(ToolDescriptor{
			Name:         st.Name,
			Description:  st.Description,
			InputSchema:  st.InputSchema,
			Kind:         KindSystem,
			Availability: Available,
		})
	}
}

// upsertLocked must be called with r.mu held: r.mu serializes a whole
// Refresh pass (spec.md §4.3's "atomic-from-the-caller's-view"
// recomputation across many tools), while base.Upsert itself only needs to
// guarantee atomicity for the single insert-or-replace it performs.
func (r *Registry) upsertLocked(d ToolDescriptor) {
	r.base.Upsert(d.Name, d)
}

// Get returns the descriptor for name, including Unavailable ones.
func (r *Registry) Get(name string) (ToolDescriptor, bool) {
	return r.base.Get(name)
}

// Route returns the minimal routing info for name.
func (r *Registry) Route(name string) (ToolRoute, bool) {
	d, ok := r.base.Get(name)
	if !ok {
		return ToolRoute{}, false
	}
	return ToolRoute{Name: d.Name, Kind: d.Kind, ServerID: d.ServerID}, true
}

// ListAvailable returns only Available tools, for RPC exposure via
// tools/list.
func (r *Registry) ListAvailable() []ToolDescriptor {
	var out []ToolDescriptor
	for _, d := range r.base.List() {
		if d.Availability == Available {
			out = append(out, d)
		}
	}
	return out
}

// List returns every known descriptor, available or not.
func (r *Registry) List() []ToolDescriptor {
	return r.base.List()
}
