// Package keyringmgr correlates keyring-prompter requests with user
// responses, per spec.md §4.7. It is grounded on the teacher's
// internal/proxy connection-keyed pending-request bookkeeping (the same
// "external front-end asks the daemon to prompt a human, daemon replies"
// shape), generalized to the keyring protocol's cookie/password exchange.
package keyringmgr

import (
	"sync"

	"github.com/authbrokerd/authbrokerd/internal/connid"
	"github.com/authbrokerd/authbrokerd/internal/resolver"
	"github.com/authbrokerd/authbrokerd/internal/secret"
	"github.com/authbrokerd/authbrokerd/internal/session"
	"github.com/authbrokerd/authbrokerd/internal/wire"
)

// Agent is the subset of the core engine the keyring manager drives
// sessions through. Defined here (not in package agent) so this package has
// no dependency on agent — *agent.Agent satisfies it structurally.
type Agent interface {
	CreateSession(cookie string, source session.Source, ctx session.Context)
	UpdateSessionPrompt(cookie, prompt string, echo, clearError bool) bool
	CloseSession(cookie string, result session.Result, errMsg string)
}

// Resolver resolves a peer pid into a human-readable requestor identity.
type Resolver interface {
	Resolve(pid int32) resolver.ActorInfo
}

type pendingRequest struct {
	conn connid.ID
}

// FlagConfirmOnly marks a keyring_request whose flags carry no secret to
// return, just a yes/no decision (a GNOME Keyring "confirm" prompt rather
// than an "unlock" one). This is the keyring side of the classifyRequest
// kind derivation SPEC_FULL.md describes; pinentry derives the same
// password/confirm split from its own confirm_only field.
const FlagConfirmOnly = 1 << 0

// Manager owns every in-flight keyring_request, keyed by cookie.
type Manager struct {
	mu       sync.Mutex
	agent    Agent
	resolver Resolver
	newID    func() string

	pending map[string]pendingRequest
}

// New creates a keyring manager. newCookieID generates a UUID string when a
// keyring_request omits its own cookie.
func New(agent Agent, resolver Resolver, newCookieID func() string) *Manager {
	return &Manager{
		agent:    agent,
		resolver: resolver,
		newID:    newCookieID,
		pending:  make(map[string]pendingRequest),
	}
}

// HandleRequest processes an inbound keyring_request from conn, creating a
// session and recording the pending correlation.
func (m *Manager) HandleRequest(conn connid.ID, req wire.KeyringRequest, peerPID int32) {
	cookie := req.Cookie
	if cookie == "" {
		cookie = m.newID()
	}

	title := req.Title
	if title == "" {
		title = req.Prompt
	}

	actor := resolver.ActorInfo{}
	if m.resolver != nil {
		actor = m.resolver.Resolve(peerPID)
	}

	m.mu.Lock()
	m.pending[cookie] = pendingRequest{conn: conn}
	m.mu.Unlock()

	kind := "password"
	if req.Flags&FlagConfirmOnly != 0 {
		kind = "confirm"
	}

	ctx := session.Context{
		Message:     title,
		KeyringName: req.Message,
		Kind:        kind,
		Requestor: session.Requestor{
			Name:           actor.DisplayName,
			Icon:           actor.IconName,
			FallbackLetter: actor.FallbackLetter,
			FallbackKey:    actor.FallbackKey,
			PID:            int(peerPID),
		},
	}
	m.agent.CreateSession(cookie, session.SourceKeyring, ctx)
	// The detailed message, not the title, is the user-facing prompt, per
	// spec.md §4.7 and KeyringManager.cpp:51's updateSessionPrompt call.
	m.agent.UpdateSessionPrompt(cookie, resolver.NormalizePrompt(req.Message), false, true)
}

// HandleRespond resolves a user's session.respond for a keyring cookie,
// replying to the originating connection with the password and closing the
// session Success. Reports ok=false if cookie has no pending request.
func (m *Manager) HandleRespond(cookie, response string) (conn connid.ID, msg wire.KeyringResponse, ok bool) {
	m.mu.Lock()
	req, found := m.pending[cookie]
	if found {
		delete(m.pending, cookie)
	}
	m.mu.Unlock()
	if !found {
		return 0, wire.KeyringResponse{}, false
	}

	m.agent.CloseSession(cookie, session.ResultSuccess, "")

	pw := secret.New(response)
	return req.conn, wire.KeyringResponse{Type: "keyring_response", ID: cookie, Result: "ok", Password: &pw}, true
}

// HandleCancel resolves a user's session.cancel for a keyring cookie.
func (m *Manager) HandleCancel(cookie string) (conn connid.ID, msg wire.KeyringResponse, ok bool) {
	m.mu.Lock()
	req, found := m.pending[cookie]
	if found {
		delete(m.pending, cookie)
	}
	m.mu.Unlock()
	if !found {
		return 0, wire.KeyringResponse{}, false
	}

	m.agent.CloseSession(cookie, session.ResultCancelled, "")
	return req.conn, wire.KeyringResponse{Type: "keyring_response", ID: cookie, Result: "cancelled"}, true
}

// HasPendingRequest reports whether cookie belongs to this manager.
func (m *Manager) HasPendingRequest(cookie string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[cookie]
	return ok
}

// CleanupForConn closes every pending request whose originating connection
// is conn, as Cancelled with no response sent, per spec.md §4.7.
func (m *Manager) CleanupForConn(conn connid.ID) {
	m.mu.Lock()
	var cookies []string
	for cookie, req := range m.pending {
		if req.conn == conn {
			cookies = append(cookies, cookie)
			delete(m.pending, cookie)
		}
	}
	m.mu.Unlock()

	for _, cookie := range cookies {
		m.agent.CloseSession(cookie, session.ResultCancelled, "")
	}
}
