package agent

import (
	"encoding/json"
	"sync"

	"github.com/authbrokerd/authbrokerd/internal/keyringmgr"
	"github.com/authbrokerd/authbrokerd/internal/logging"
	"github.com/authbrokerd/authbrokerd/internal/pinentrymgr"
	"github.com/authbrokerd/authbrokerd/internal/polkit"
	"github.com/authbrokerd/authbrokerd/internal/provider"
	"github.com/authbrokerd/authbrokerd/internal/resolver"
	"github.com/authbrokerd/authbrokerd/internal/session"
)

// Capabilities is reported on every `pong` reply.
var Capabilities = []string{"polkit", "keyring", "pinentry"}

// Sender delivers one decoded message to one connection. The IPC layer
// implements this; nothing in package agent touches a socket directly, per
// spec.md §9's weak-cross-object-graph design note.
type Sender interface {
	Send(conn ConnID, msg any)
}

// PeerResolver resolves a connection to the pid of the process on the other
// end, for use by the requestor resolver. Returns 0 if unknown.
type PeerResolver interface {
	PeerPID(conn ConnID) int32
}

// RequestorResolver is the subset of *resolver.Resolver the agent depends
// on, so tests can substitute a stub without building a real process tree.
type RequestorResolver interface {
	Resolve(pid int32) resolver.ActorInfo
}

// Config bundles every tunable the agent's components need. Zero values
// fall back to each component's own built-in default.
type Config struct {
	HistoryLimit          int
	RequireActiveProvider bool
	Version               string
}

// Agent is the daemon's in-process engine: the session store, provider
// registry, event queue/router, and per-source managers wired into one
// object the IPC server drives, per spec.md §4. All state mutation is
// serialized through mu, per SPEC_FULL.md §5's "one Agent, one mutex"
// concurrency reconciliation.
type Agent struct {
	mu sync.Mutex

	store    *session.Store
	registry *provider.Registry
	queue    *Queue
	router   *Router
	mux      *MessageRouter

	subscribers map[ConnID]bool

	sender       Sender
	peers        PeerResolver
	requestorRes RequestorResolver

	keyring  *keyringmgr.Manager
	pinentry *pinentrymgr.Manager
	polkit   *polkit.Bridge

	cfg       Config
	bootstrap func() map[string]any

	onFallbackNeeded func()
	audit            *logging.Logger
	debugBroadcast   func(session.Event)
}

// New wires a fresh Agent. newCookieID generates cookies for keyring and
// pinentry requests that omit their own; clk is the pinentry manager's time source
// (nil uses the real clock); sessionFactory drives the polkit bridge's
// live authentication sessions.
func New(cfg Config, sender Sender, peers PeerResolver, reqRes RequestorResolver, newCookieID func() string, sessionFactory polkit.SessionFactory) *Agent {
	a := &Agent{
		store:        session.NewStore(),
		subscribers:  make(map[ConnID]bool),
		sender:       sender,
		peers:        peers,
		requestorRes: reqRes,
		cfg:          cfg,
	}
	// Every disconnect calls ClientDisconnected, which unregisters the
	// connection from the registry synchronously before anything else
	// runs (spec.md §9's single cascade entry point) — so by the time
	// RecomputeActiveProvider could observe a dead connection, it has
	// already been removed. connAlive exists for the interface contract
	// original_source exposes (a defensive double-check), not because
	// this implementation needs a second source of truth for liveness.
	a.registry = provider.NewRegistry(func(provider.ConnID) bool { return true })
	a.queue = NewQueue(cfg.HistoryLimit)
	a.router = NewRouter(a.queue, a.registry.ActiveProvider)

	a.keyring = keyringmgr.New(a, agentResolverAdapter{a}, newCookieID)
	a.pinentry = pinentrymgr.New(a, agentResolverAdapter{a}, nil, newCookieID)
	a.polkit = polkit.New(a, sessionFactory)
	a.mux = a.BuildRouter()
	return a
}

// Dispatch satisfies ipc.Dispatcher, routing a decoded message to its
// handler through the dispatch table built in New.
func (a *Agent) Dispatch(conn ConnID, msgType string, raw json.RawMessage) bool {
	return a.mux.Dispatch(conn, msgType, raw)
}

// SetBootstrap installs a function returning the current bootstrap data for
// `ping` replies. Installed separately from New so the bootstrap watcher
// can be constructed after the agent.
func (a *Agent) SetBootstrap(f func() map[string]any) { a.bootstrap = f }

// SetFallbackHook installs the callback invoked whenever no provider is
// active while sessions remain live: on every maintenance tick in that
// state and after each client disconnect in that state. Kept as a plain
// callback (not a launcher reference) so package agent never imports the
// fallback package — it only knows "something should try to launch a UI".
func (a *Agent) SetFallbackHook(f func()) { a.onFallbackNeeded = f }

// SetAuditLogger installs the logger used for session/provider audit
// events. Nil-safe when unset: every call site below checks a.audit first.
func (a *Agent) SetAuditLogger(l *logging.Logger) { a.audit = l }

// SetDebugBroadcaster installs a sink that observes every routed event in
// addition to its normal delivery, for the optional debug event stream.
// Nil-safe when unset.
func (a *Agent) SetDebugBroadcaster(f func(session.Event)) { a.debugBroadcast = f }

// Keyring, Pinentry, Polkit expose the managers for the IPC layer's
// message handlers and for the daemon's polkit D-Bus wiring.
func (a *Agent) Keyring() *keyringmgr.Manager { return a.keyring }
func (a *Agent) Pinentry() *pinentrymgr.Manager { return a.pinentry }
func (a *Agent) PolkitBridge() *polkit.Bridge { return a.polkit }
func (a *Agent) Registry() *provider.Registry { return a.registry }
func (a *Agent) Store() *session.Store        { return a.store }

type agentResolverAdapter struct{ a *Agent }

func (r agentResolverAdapter) Resolve(pid int32) resolver.ActorInfo {
	if r.a.requestorRes == nil {
		return resolver.ActorInfo{}
	}
	return r.a.requestorRes.Resolve(pid)
}

// --- session.* lifecycle, implementing keyringmgr.Agent / pinentrymgr.Agent / polkit.Agent ---

func (a *Agent) send(conn ConnID, ev session.Event) { a.sender.Send(conn, ev) }

func (a *Agent) subscriberList() []ConnID {
	out := make([]ConnID, 0, len(a.subscribers))
	for c := range a.subscribers {
		out = append(out, c)
	}
	return out
}

// routeEvent is the single point every event passes through on its way out
// of the core: the real subscriber/active-provider routing, plus an optional
// debug observer that sees the full unfiltered stream.
func (a *Agent) routeEvent(ev session.Event, subs []ConnID) {
	a.router.Route(ev, subs, a.send)
	if a.debugBroadcast != nil {
		a.debugBroadcast(ev)
	}
}

// CreateSession creates a session and routes its created+updated events.
func (a *Agent) CreateSession(cookie string, source session.Source, ctx session.Context) {
	a.mu.Lock()
	ev := a.store.Create(cookie, source, ctx)
	subs := a.subscriberList()
	a.mu.Unlock()

	if a.audit != nil {
		a.audit.LogSessionCreated(cookie, string(source), int32(ctx.Requestor.PID), ctx.Requestor.Name)
	}
	a.routeEvent(ev, subs)
}

// SessionExists reports whether cookie names a live session.
func (a *Agent) SessionExists(cookie string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.store.Get(cookie)
	return ok
}

// UpdateSessionPrompt sets the live prompt and routes the resulting event.
func (a *Agent) UpdateSessionPrompt(cookie, prompt string, echo, clearError bool) bool {
	a.mu.Lock()
	ev, ok := a.store.UpdatePrompt(cookie, prompt, echo, clearError)
	subs := a.subscriberList()
	a.mu.Unlock()
	if !ok {
		return false
	}
	a.routeEvent(ev, subs)
	return true
}

// UpdateSessionError sets the session's error string and routes the event.
func (a *Agent) UpdateSessionError(cookie, errMsg string) bool {
	a.mu.Lock()
	ev, ok := a.store.UpdateError(cookie, errMsg)
	subs := a.subscriberList()
	a.mu.Unlock()
	if !ok {
		return false
	}
	a.routeEvent(ev, subs)
	return true
}

// UpdateSessionInfo sets a transient info string and routes the event.
func (a *Agent) UpdateSessionInfo(cookie, info string) bool {
	a.mu.Lock()
	ev, ok := a.store.UpdateInfo(cookie, info)
	subs := a.subscriberList()
	a.mu.Unlock()
	if !ok {
		return false
	}
	a.routeEvent(ev, subs)
	return true
}

// UpdatePinentryRetry updates a pinentry session's retry counters in place.
// It does not itself emit an event — the caller always follows it with an
// UpdateSessionPrompt/UpdateSessionError call that does, matching
// pinentrymgr.HandleRequest's sequencing.
func (a *Agent) UpdatePinentryRetry(cookie string, cur, max int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.store.UpdatePinentryRetry(cookie, cur, max)
}

// CloseSession closes a session, audits it, and routes the resulting
// closed-event.
func (a *Agent) CloseSession(cookie string, result session.Result, errMsg string) {
	a.mu.Lock()
	ev, ok := a.store.Close(cookie, result, errMsg)
	subs := a.subscriberList()
	a.mu.Unlock()
	if !ok {
		return
	}
	if a.audit != nil {
		a.audit.LogSessionClosed(cookie, string(result))
	}
	a.routeEvent(ev, subs)
}

// Maintain runs the periodic maintenance tick: re-elects the active
// provider, broadcasts ui.active on a change, and requests a fallback
// launch whenever no provider is active while sessions remain live. Called
// from the ticker loop in main.go's runServe every MaintenanceTick.
func (a *Agent) Maintain() {
	a.mu.Lock()
	changed := a.registry.PruneStale()
	hasActive := a.registry.HasActiveProvider()
	empty := a.store.Empty()
	var ev session.Event
	if changed {
		ev = a.activeStatusEvent()
	}
	subs := a.subscriberList()
	a.mu.Unlock()

	if changed {
		a.routeEvent(ev, subs)
	}
	if !hasActive && !empty && a.onFallbackNeeded != nil {
		a.onFallbackNeeded()
	}
}

// activeStatusEvent builds the ui.active broadcast event. This is not a
// session.* event — EventRouter.Route still enqueues/drains it, it just
// never steers to a single provider, per spec.md §4.5.
func (a *Agent) activeStatusEvent() session.Event {
	info, ok := a.registry.ActiveProviderInfo()
	if !ok {
		return session.Event{Type: "ui.active"}
	}
	return session.Event{Type: "ui.active", ID: info.ID}
}
