// Package polkit bridges the daemon's session model to PolicyKit
// authentication, per spec.md §4.9. Grounded directly on
// original_source/src/core/PolkitListener.cpp.
//
// The real libpolkit-agent session object is a native D-Bus surface
// (org.freedesktop.PolicyKit1.AuthenticationSession / the agent's own
// AuthenticationAgent interface) with asynchronous request/completed/
// showError/showInfo signals. Bridge is kept free of that wiring: it is
// driven through the SessionHandle/SessionFactory seam, so tests supply a
// fake factory and a production build wires SessionFactory to godbus/dbus/v5
// (see agent.go), the same separation the teacher uses between
// internal/proxy's pure session bookkeeping and its D-Bus export layer.
package polkit

import (
	"sync"

	"github.com/authbrokerd/authbrokerd/internal/session"
)

// MaxAuthRetries bounds how many times the bridge silently re-initiates a
// session (same cookie, no new UI prompt) after a failed attempt before
// giving up. Matches original_source's MAX_AUTH_RETRIES.
const MaxAuthRetries = 3

// SessionHooks are the callbacks a SessionHandle invokes as PolicyKit drives
// the authentication attempt. OnCompleted fires once per attempt round and
// ends it; any number of OnRequest/OnInfo/OnError calls may precede it.
type SessionHooks struct {
	OnRequest   func(prompt string, echo bool)
	OnCompleted func(gainedAuthorization bool)
	OnError     func(text string)
	OnInfo      func(text string)
}

// SessionHandle is one live PolicyKit authentication attempt.
type SessionHandle interface {
	Initiate() error
	SetResponse(response string) error
	Cancel() error
}

// SessionFactory builds a new SessionHandle wired to hooks, for one
// authentication attempt. Bridge calls it once per reattempt (including
// silent retries), never reusing a handle.
type SessionFactory func(cookie, actionID string, details map[string]string, hooks SessionHooks) (SessionHandle, error)

// Agent is the subset of the core engine the bridge drives sessions
// through. Defined locally, as in keyringmgr/pinentrymgr, to avoid a
// dependency on package agent.
type Agent interface {
	CreateSession(cookie string, source session.Source, ctx session.Context)
	UpdateSessionPrompt(cookie, prompt string, echo, clearError bool) bool
	UpdateSessionError(cookie, errMsg string) bool
	UpdateSessionInfo(cookie, info string) bool
	CloseSession(cookie string, result session.Result, errMsg string)
}

type state struct {
	cookie      string
	actionID    string
	message     string
	iconName    string
	user        string
	details     map[string]string
	handle      SessionHandle
	cancelled   bool
	retryCount  int
	onComplete  func(gainedAuthorization bool)
}

// Bridge tracks every in-progress PolicyKit authentication attempt, keyed by
// cookie, and reconciles PolicyKit's async signal-driven protocol with the
// session store.
type Bridge struct {
	mu      sync.Mutex
	agent   Agent
	factory SessionFactory

	sessions map[string]*state
}

// New creates a bridge. factory is consulted every time a new (or retried)
// authentication attempt needs a live PolicyKit session object.
func New(agent Agent, factory SessionFactory) *Bridge {
	return &Bridge{agent: agent, factory: factory, sessions: make(map[string]*state)}
}

// InitiateAuthentication begins a new authentication attempt for cookie.
// onComplete is invoked exactly once, when the attempt finally resolves
// (after any silent retries) — the Go stand-in for completing PolicyKit's
// native async result and emitting its "completed" signal in one step.
// Rejects a cookie already in progress, per original_source's duplicate
// check.
func (b *Bridge) InitiateAuthentication(actionID, message, iconName, user string, details map[string]string, cookie string, onComplete func(gainedAuthorization bool)) error {
	b.mu.Lock()
	if _, exists := b.sessions[cookie]; exists {
		b.mu.Unlock()
		return errDuplicateSession
	}
	st := &state{
		cookie:     cookie,
		actionID:   actionID,
		message:    message,
		iconName:   iconName,
		user:       user,
		details:    details,
		onComplete: onComplete,
	}
	b.sessions[cookie] = st
	b.mu.Unlock()

	b.agent.CreateSession(cookie, session.SourcePolkit, session.Context{
		Message:  message,
		ActionID: actionID,
		User:     user,
		Details:  details,
		Requestor: session.Requestor{
			Name: message,
			Icon: iconName,
		},
	})

	return b.reattempt(st)
}

func (b *Bridge) reattempt(st *state) error {
	hooks := SessionHooks{
		OnRequest:   func(prompt string, echo bool) { b.onSessionRequest(st.cookie, prompt, echo) },
		OnCompleted: func(gained bool) { b.onSessionCompleted(st.cookie, gained) },
		OnError:     func(text string) { b.onSessionError(st.cookie, text) },
		OnInfo:      func(text string) { b.onSessionInfo(st.cookie, text) },
	}
	handle, err := b.factory(st.cookie, st.actionID, st.details, hooks)
	if err != nil {
		return err
	}

	b.mu.Lock()
	st.handle = handle
	b.mu.Unlock()

	return handle.Initiate()
}

func (b *Bridge) onSessionRequest(cookie, prompt string, echo bool) {
	b.agent.UpdateSessionPrompt(cookie, prompt, echo, true)
}

func (b *Bridge) onSessionInfo(cookie, text string) {
	b.agent.UpdateSessionInfo(cookie, text)
}

// onSessionError records PolicyKit's advisory showError text. It never
// retries or finishes the attempt itself: showError can fire any number of
// times before the eventual completed signal, and only that signal's
// onSessionCompleted runs the retry/give-up decision, matching
// PolkitListener::onSessionError.
func (b *Bridge) onSessionError(cookie, text string) {
	b.mu.Lock()
	_, ok := b.sessions[cookie]
	b.mu.Unlock()
	if !ok {
		return
	}
	b.agent.UpdateSessionError(cookie, text)
}

func (b *Bridge) onSessionCompleted(cookie string, gained bool) {
	b.mu.Lock()
	st, ok := b.sessions[cookie]
	b.mu.Unlock()
	if !ok {
		return
	}
	if !gained {
		b.agent.UpdateSessionError(cookie, "Authentication failed")
		b.onSessionRetry(st)
	}
	b.finishAuth(st, gained)
}

// onSessionRetry decides, on a failed round, whether to silently reattempt
// (same cookie, no new UI session) or give up. It does not itself finish
// the attempt — its caller, onSessionCompleted, always calls finishAuth
// afterward, matching PolkitListener::finishAuth running
// unconditionally after the retry decision.
func (b *Bridge) onSessionRetry(st *state) {
	b.mu.Lock()
	st.retryCount++
	retryCount := st.retryCount
	cancelled := st.cancelled
	b.mu.Unlock()

	if cancelled || retryCount >= MaxAuthRetries {
		if !cancelled && retryCount >= MaxAuthRetries {
			b.agent.UpdateSessionError(st.cookie, "Too many failed attempts")
		}
		return
	}
	b.reattempt(st)
}

// finishAuth completes an authentication attempt, reports the outcome to
// the caller's onComplete callback, and stops tracking the cookie. If a
// silent retry is still in flight (onSessionRetry already called reattempt
// before finishAuth ran), it leaves the cookie tracked and returns —
// matching PolkitListener::finishAuth, which only tears down state once the
// retry budget is exhausted, cancelled, or the attempt actually succeeded.
func (b *Bridge) finishAuth(st *state, gainedAuth bool) {
	b.mu.Lock()
	cancelled := st.cancelled
	retryCount := st.retryCount
	b.mu.Unlock()

	if !gainedAuth && !cancelled && retryCount < MaxAuthRetries {
		return
	}

	b.mu.Lock()
	delete(b.sessions, st.cookie)
	b.mu.Unlock()

	switch {
	case cancelled:
		b.agent.CloseSession(st.cookie, session.ResultCancelled, "")
	case gainedAuth:
		b.agent.CloseSession(st.cookie, session.ResultSuccess, "")
	default:
		// The error text ("Authentication failed", "Too many failed
		// attempts", or a PolicyKit-supplied message) was already set via
		// UpdateSessionError by the caller before finishAuth ran.
		b.agent.CloseSession(st.cookie, session.ResultError, "")
	}

	if st.onComplete != nil {
		st.onComplete(gainedAuth)
	}
}

// CancelAuthentication cancels every in-progress attempt (cancel-all), per
// original_source's PolkitListener::cancelAuthentication.
func (b *Bridge) CancelAuthentication() {
	b.mu.Lock()
	var all []*state
	for _, st := range b.sessions {
		all = append(all, st)
	}
	b.mu.Unlock()

	for _, st := range all {
		b.cancelOne(st)
	}
}

// CancelPending cancels one in-progress attempt by cookie. No-op if cookie
// is unknown.
func (b *Bridge) CancelPending(cookie string) {
	b.mu.Lock()
	st, ok := b.sessions[cookie]
	b.mu.Unlock()
	if !ok {
		return
	}
	b.cancelOne(st)
}

func (b *Bridge) cancelOne(st *state) {
	b.mu.Lock()
	st.cancelled = true
	handle := st.handle
	b.mu.Unlock()

	if handle != nil {
		handle.Cancel()
	}
	b.finishAuth(st, false)
}

// SubmitPassword forwards a user's response to the live PolicyKit session
// for cookie. No-op if cookie is unknown or has no live handle.
func (b *Bridge) SubmitPassword(cookie, response string) {
	b.mu.Lock()
	st, ok := b.sessions[cookie]
	b.mu.Unlock()
	if !ok {
		return
	}
	b.mu.Lock()
	handle := st.handle
	b.mu.Unlock()
	if handle != nil {
		handle.SetResponse(response)
	}
}

// HasSession reports whether cookie is currently tracked.
func (b *Bridge) HasSession(cookie string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.sessions[cookie]
	return ok
}

type bridgeError string

func (e bridgeError) Error() string { return string(e) }

const errDuplicateSession = bridgeError("Duplicate session")
