// Package provider tracks connected UI providers and elects a single
// "active" provider by priority and recency, per spec.md §4.4.
package provider

import (
	"sync"
	"time"

	"github.com/authbrokerd/authbrokerd/internal/connid"
	"github.com/google/uuid"
)

// Default priorities applied when a registration message omits one.
const (
	PriorityQuickshell = 100
	PriorityFallback   = 10
	PriorityDefault    = 50
)

// HeartbeatTimeout is how long a provider may go without a heartbeat
// before PruneStale evicts it. Matches original_source's
// PROVIDER_HEARTBEAT_TIMEOUT_MS.
const HeartbeatTimeout = 15 * time.Second

// ConnID identifies a connection without exposing the connection itself —
// registry state stays a weak reference, per spec.md §9.
type ConnID = connid.ID

// Info is a snapshot of one provider's registration.
type Info struct {
	ID       string
	Conn     ConnID
	Name     string
	Kind     string
	Priority int
}

type entry struct {
	Info
	lastHeartbeat time.Time
	registeredAt  time.Time
}

// Registry owns every registered provider. The zero value is not usable;
// use NewRegistry.
type Registry struct {
	mu  sync.Mutex
	now func() time.Time

	byConn map[ConnID]*entry
	active ConnID
	hasActive bool

	// connAlive reports whether a connection is still open. Registered by
	// the IPC layer so the registry never holds a pointer to it.
	connAlive func(ConnID) bool
}

// NewRegistry creates an empty provider registry. connAlive is consulted
// during RecomputeActiveProvider to evict providers whose connection has
// already gone away.
func NewRegistry(connAlive func(ConnID) bool) *Registry {
	return &Registry{
		now:       time.Now,
		byConn:    make(map[ConnID]*entry),
		connAlive: connAlive,
	}
}

// RegisterMsg is the subset of a ui.register message the registry reads.
type RegisterMsg struct {
	Name     string
	Kind     string
	Priority *int // nil means "use the default for Kind"
}

func defaultPriority(kind string) int {
	switch kind {
	case "quickshell":
		return PriorityQuickshell
	case "fallback":
		return PriorityFallback
	default:
		return PriorityDefault
	}
}

// Register assigns an id on first registration and applies msg's fields,
// using the kind-based default priority unless msg.Priority is set
// (including an explicit 0, which overrides the default).
func (r *Registry) Register(conn ConnID, msg RegisterMsg) Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	priority := defaultPriority(msg.Kind)
	if msg.Priority != nil {
		priority = *msg.Priority
	}

	e, ok := r.byConn[conn]
	if !ok {
		e = &entry{registeredAt: r.now()}
		e.ID = uuid.New().String()
		e.Conn = conn
		r.byConn[conn] = e
	}
	e.Name = msg.Name
	e.Kind = msg.Kind
	e.Priority = priority
	e.lastHeartbeat = r.now()

	return e.Info
}

// Heartbeat refreshes a provider's liveness timestamp. Reports false if
// conn is not a registered provider.
func (r *Registry) Heartbeat(conn ConnID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byConn[conn]
	if !ok {
		return false
	}
	e.lastHeartbeat = r.now()
	return true
}

// Unregister removes conn's provider registration, if any.
func (r *Registry) Unregister(conn ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byConn, conn)
	if r.hasActive && r.active == conn {
		r.hasActive = false
	}
}

// RecomputeActiveProvider prunes stale/dead providers, then among the
// survivors elects the highest-priority one, breaking ties by the most
// recently heartbeated. Returns whether the active provider identity
// changed.
func (r *Registry) RecomputeActiveProvider() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recompute()
}

// PruneStale is an alias for RecomputeActiveProvider: eviction and
// re-election are the same operation, per spec.md §4.4.
func (r *Registry) PruneStale() bool {
	return r.RecomputeActiveProvider()
}

func (r *Registry) recompute() bool {
	now := r.now()
	for conn, e := range r.byConn {
		if r.connAlive != nil && !r.connAlive(conn) {
			delete(r.byConn, conn)
			continue
		}
		if now.Sub(e.lastHeartbeat) > HeartbeatTimeout {
			delete(r.byConn, conn)
		}
	}

	var winner *entry
	for _, e := range r.byConn {
		if winner == nil {
			winner = e
			continue
		}
		if e.Priority > winner.Priority {
			winner = e
			continue
		}
		if e.Priority == winner.Priority && e.lastHeartbeat.After(winner.lastHeartbeat) {
			winner = e
		}
	}

	prevActive, prevHas := r.active, r.hasActive
	if winner == nil {
		r.hasActive = false
	} else {
		r.active = winner.Conn
		r.hasActive = true
	}
	return prevHas != r.hasActive || prevActive != r.active
}

// IsAuthorized reports whether conn may respond to a session: permissive
// (true for any connection) if there are no registered providers at all,
// otherwise true only for the active provider. See spec.md §9 / §4.4 —
// made configurable by RequireActiveProvider.
func (r *Registry) IsAuthorized(conn ConnID, requireActiveProvider bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.byConn) == 0 && !requireActiveProvider {
		return true
	}
	return r.hasActive && r.active == conn
}

// HasActiveProvider reports whether a provider is currently elected.
func (r *Registry) HasActiveProvider() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hasActive
}

// ActiveProvider returns the active provider's connection id.
func (r *Registry) ActiveProvider() (ConnID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active, r.hasActive
}

// ActiveProviderInfo returns a snapshot of the active provider's
// registration.
func (r *Registry) ActiveProviderInfo() (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.hasActive {
		return Info{}, false
	}
	e, ok := r.byConn[r.active]
	if !ok {
		return Info{}, false
	}
	return e.Info, true
}

// Get returns a snapshot of conn's registration, if any.
func (r *Registry) Get(conn ConnID) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byConn[conn]
	if !ok {
		return Info{}, false
	}
	return e.Info, true
}

// SetClock overrides the time source, for deterministic tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}
