// Package pinentrymgr implements the two-phase GPG pinentry protocol, per
// spec.md §4.8. Grounded directly on
// original_source/src/core/managers/PinentryManager.cpp, with the
// request/outcome split modeled after the teacher's internal/gpgsign
// daemon client (PostSigningRequest/WaitForResolution is the same
// "post now, resolve later over a separate message" shape as pinentry's
// input phase followed by its terminal-outcome phase).
package pinentrymgr

import (
	"regexp"
	"sync"
	"time"

	"github.com/authbrokerd/authbrokerd/internal/clock"
	"github.com/authbrokerd/authbrokerd/internal/connid"
	"github.com/authbrokerd/authbrokerd/internal/resolver"
	"github.com/authbrokerd/authbrokerd/internal/secret"
	"github.com/authbrokerd/authbrokerd/internal/session"
	"github.com/authbrokerd/authbrokerd/internal/wire"
)

// ResultTimeout bounds how long the manager waits, after handing a password
// back to pinentry, for the terminal pinentry_result. Matches
// original_source's PINENTRY_RESULT_TIMEOUT_MS.
const ResultTimeout = 10 * time.Second

// DefaultMaxRetries is used when a retry-info computation yields zero or a
// negative count.
const DefaultMaxRetries = 3

var retryInfoPattern = regexp.MustCompile(`\((\d+)\s+of\s+(\d+)\s+attempts\)`)

// Agent is the subset of the core engine the pinentry manager drives
// sessions through. Defined locally (as in package keyringmgr) so this
// package has no dependency on package agent.
type Agent interface {
	CreateSession(cookie string, source session.Source, ctx session.Context)
	SessionExists(cookie string) bool
	UpdateSessionPrompt(cookie, prompt string, echo, clearError bool) bool
	UpdateSessionError(cookie, errMsg string) bool
	UpdatePinentryRetry(cookie string, cur, max int) bool
	CloseSession(cookie string, result session.Result, errMsg string)
}

// Resolver resolves a peer pid into a human-readable requestor identity.
type Resolver interface {
	Resolve(pid int32) resolver.ActorInfo
}

type pendingInput struct {
	conn        connid.ID
	confirmOnly bool
}

type awaitingOutcome struct {
	conn  connid.ID
	timer *clock.Timer
}

// Manager owns the in-flight pinentry protocol state: which cookies are
// waiting for a UI response (pendingInput), which are waiting for pinentry
// to report its terminal result (awaitingOutcome), which connection owns
// each cookie (flowOwners), which cookies already had a retry surfaced
// (retryReported), and a per-keyinfo retry-count fallback table.
type Manager struct {
	mu       sync.Mutex
	agent    Agent
	resolver Resolver
	clock    clock.Clock
	newID    func() string
	onResult func(cookie string, result session.Result, errMsg string)

	pendingInput    map[string]pendingInput
	awaitingOutcome map[string]awaitingOutcome
	flowOwners      map[string]connid.ID
	retryReported   map[string]bool
	keyinfoByCookie map[string]string
	retryInfoTable  map[string][2]int // keyinfo -> [cur, max]
}

// New creates a pinentry manager. It takes no result callback: the
// manager's onResult field is left nil and nothing in this package sets it.
// newCookieID generates a cookie for a request that omits its own, mirroring
// keyringmgr.New's newCookieID.
func New(agent Agent, resolver Resolver, clk clock.Clock, newCookieID func() string) *Manager {
	if clk == nil {
		clk = clock.Real()
	}
	return &Manager{
		agent:           agent,
		resolver:        resolver,
		clock:           clk,
		newID:           newCookieID,
		pendingInput:    make(map[string]pendingInput),
		awaitingOutcome: make(map[string]awaitingOutcome),
		flowOwners:      make(map[string]connid.ID),
		retryReported:   make(map[string]bool),
		keyinfoByCookie: make(map[string]string),
		retryInfoTable:  make(map[string][2]int),
	}
}

// resolveRetryInfo extracts "(N of M attempts)" from description if present,
// remembering it in the per-keyinfo fallback table; otherwise falls back to
// the table entry for keyinfo, or zero values if neither is known.
func (m *Manager) resolveRetryInfo(description, keyinfo string) (cur, max int) {
	if match := retryInfoPattern.FindStringSubmatch(description); match != nil {
		cur = atoiSafe(match[1])
		max = atoiSafe(match[2])
		if keyinfo != "" {
			m.retryInfoTable[keyinfo] = [2]int{cur, max}
		}
	} else if keyinfo != "" {
		if v, ok := m.retryInfoTable[keyinfo]; ok {
			cur, max = v[0], v[1]
		}
	}
	if cur < 0 {
		cur = 0
	}
	if max <= 0 {
		max = DefaultMaxRetries
	}
	return cur, max
}

func atoiSafe(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return n
		}
		n = n*10 + int(r-'0')
	}
	return n
}

// HandleRequest processes an inbound pinentry_request (Phase A). Rejects
// with ok=false (no session mutation) if cookie is already owned by a
// different connection.
func (m *Manager) HandleRequest(conn connid.ID, req wire.PinentryRequest, peerPID int32) (rejectErr string, ok bool) {
	cookie := req.Cookie
	if cookie == "" {
		cookie = m.newID()
	}

	m.mu.Lock()
	if owner, exists := m.flowOwners[cookie]; exists && owner != conn {
		m.mu.Unlock()
		return "Duplicate session", false
	}

	// A new request for a cookie still awaiting its terminal result
	// supersedes the outstanding wait: pinentry looped back without ever
	// reporting success/retry/cancelled/error. Surface that implicitly as
	// a retry unless this request already carries its own error text.
	implicitRetry := false
	if ao, waiting := m.awaitingOutcome[cookie]; waiting {
		ao.timer.Stop()
		delete(m.awaitingOutcome, cookie)
		implicitRetry = req.Error == ""
	}

	errMsg := req.Error
	if errMsg != "" && m.retryReported[cookie] {
		errMsg = ""
	}
	delete(m.retryReported, cookie)
	if implicitRetry && errMsg == "" {
		errMsg = "Authentication failed"
	}

	cur, max := m.resolveRetryInfo(req.Description, req.Keyinfo)
	m.keyinfoByCookie[cookie] = req.Keyinfo
	m.flowOwners[cookie] = conn
	m.pendingInput[cookie] = pendingInput{conn: conn, confirmOnly: req.ConfirmOnly}
	m.mu.Unlock()

	prompt := resolver.NormalizePrompt(req.Prompt)
	if prompt == "" {
		prompt = "Enter passphrase:"
	}

	actor := resolver.ActorInfo{}
	if m.resolver != nil {
		actor = m.resolver.Resolve(peerPID)
	}

	kind := "password"
	if req.ConfirmOnly {
		kind = "confirm"
	}

	if !m.agent.SessionExists(cookie) {
		m.agent.CreateSession(cookie, session.SourcePinentry, session.Context{
			Message: prompt,
			Kind:    kind,
			Requestor: session.Requestor{
				Name:           actor.DisplayName,
				Icon:           actor.IconName,
				FallbackLetter: actor.FallbackLetter,
				FallbackKey:    actor.FallbackKey,
				PID:            int(peerPID),
			},
			Description: req.Description,
			Keyinfo:     req.Keyinfo,
			CurRetry:    &cur,
			MaxRetries:  &max,
			ConfirmOnly: &req.ConfirmOnly,
			Repeat:      &req.Repeat,
		})
	} else {
		m.agent.UpdatePinentryRetry(cookie, cur, max)
	}
	// GPG pinentry never echoes a passphrase prompt; echo is unconditionally
	// false here, matching PinentryManager.cpp's updateSessionPrompt call,
	// which always runs after the create/update branch above and always
	// passes clearError=false so a just-set retry error survives the next
	// prompt refresh.
	m.agent.UpdateSessionPrompt(cookie, prompt, false, false)
	if errMsg != "" {
		m.agent.UpdateSessionError(cookie, errMsg)
	}

	return "", true
}

// HasPendingInput reports whether cookie is in Phase A (waiting for a UI
// response), per the session.respond dispatch order in spec.md §4.6.
func (m *Manager) HasPendingInput(cookie string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pendingInput[cookie]
	return ok
}

// HasRequest reports whether cookie is tracked at all (either phase).
func (m *Manager) HasRequest(cookie string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pendingInput[cookie]; ok {
		return true
	}
	_, ok := m.awaitingOutcome[cookie]
	return ok
}

// HandleRespond answers a Phase A input with a password (or a bare
// confirmation for confirm-only flows), starting the Phase B outcome timer.
// Reports ok=false if cookie is not in Phase A.
func (m *Manager) HandleRespond(cookie, response string) (conn connid.ID, msg wire.PinentryResponse, ok bool) {
	m.mu.Lock()
	pi, found := m.pendingInput[cookie]
	if !found {
		m.mu.Unlock()
		return 0, wire.PinentryResponse{}, false
	}
	delete(m.pendingInput, cookie)

	timer := m.clock.AfterFunc(ResultTimeout, func() { m.onOutcomeTimeout(cookie) })
	m.awaitingOutcome[cookie] = awaitingOutcome{conn: pi.conn, timer: timer}
	m.mu.Unlock()

	if pi.confirmOnly {
		return pi.conn, wire.PinentryResponse{Type: "pinentry_response", ID: cookie, Result: "confirmed"}, true
	}
	pw := secret.New(response)
	return pi.conn, wire.PinentryResponse{Type: "pinentry_response", ID: cookie, Result: "ok", Password: &pw}, true
}

// HandleCancel answers a Phase A input with a cancellation, or — if the
// cookie is already in Phase B — force-closes the flow without a reply
// (pinentry already has the password and is expected to report on its own).
func (m *Manager) HandleCancel(cookie string) (conn connid.ID, msg wire.PinentryResponse, hasReply, ok bool) {
	m.mu.Lock()
	if pi, found := m.pendingInput[cookie]; found {
		delete(m.pendingInput, cookie)
		m.mu.Unlock()
		m.closeFlow(cookie, session.ResultCancelled, "")
		return pi.conn, wire.PinentryResponse{Type: "pinentry_response", ID: cookie, Result: "cancelled"}, true, true
	}
	_, found := m.awaitingOutcome[cookie]
	m.mu.Unlock()
	if !found {
		return 0, wire.PinentryResponse{}, false, false
	}
	m.closeFlow(cookie, session.ResultCancelled, "")
	return 0, wire.PinentryResponse{}, false, true
}

// HandleResult processes an inbound pinentry_result (Phase B), per
// success/retry/cancelled/error semantics in spec.md §4.8. Reports
// ok=false if cookie is unknown or not awaiting an outcome; errMsg is
// non-empty when the cookie was recognized but the result was rejected
// (owned by another connection) or invalid.
func (m *Manager) HandleResult(conn connid.ID, req wire.PinentryResult) (errMsg string, ok bool) {
	cookie := req.ID

	m.mu.Lock()
	owner, hasOwner := m.flowOwners[cookie]
	ao, waiting := m.awaitingOutcome[cookie]
	if !hasOwner || !waiting {
		m.mu.Unlock()
		return "", false
	}
	if owner != conn {
		m.mu.Unlock()
		return "Session owned by another connection", true
	}
	ao.timer.Stop()
	delete(m.awaitingOutcome, cookie)
	m.mu.Unlock()

	switch req.Result {
	case "success":
		m.closeFlow(cookie, session.ResultSuccess, "")
		return "", true
	case "retry":
		msg := req.Error
		if msg == "" {
			msg = "Authentication failed"
		}
		m.agent.UpdateSessionError(cookie, msg)
		m.mu.Lock()
		m.retryReported[cookie] = true
		m.mu.Unlock()
		return "", true
	case "cancelled":
		m.closeFlow(cookie, session.ResultCancelled, "")
		return "", true
	case "error":
		msg := req.Error
		if msg == "" {
			msg = "Authentication failed"
		}
		m.closeFlow(cookie, session.ResultError, msg)
		return "", true
	default:
		return "Invalid result type", true
	}
}

// onOutcomeTimeout fires ResultTimeout after a password is handed back
// without pinentry ever reporting a terminal result.
func (m *Manager) onOutcomeTimeout(cookie string) {
	m.mu.Lock()
	_, waiting := m.awaitingOutcome[cookie]
	if waiting {
		delete(m.awaitingOutcome, cookie)
	}
	m.mu.Unlock()
	if waiting {
		m.closeFlow(cookie, session.ResultError, "Pinentry did not report terminal result")
	}
}

// closeFlow is the single point that closes a session and erases every
// piece of per-cookie bookkeeping, including the keyinfo-keyed retry-info
// table entry, mirroring PinentryManager::closeFlow.
func (m *Manager) closeFlow(cookie string, result session.Result, errMsg string) {
	m.mu.Lock()
	if ao, ok := m.awaitingOutcome[cookie]; ok {
		ao.timer.Stop()
		delete(m.awaitingOutcome, cookie)
	}
	delete(m.pendingInput, cookie)
	delete(m.flowOwners, cookie)
	delete(m.retryReported, cookie)
	if keyinfo, ok := m.keyinfoByCookie[cookie]; ok && keyinfo != "" {
		delete(m.retryInfoTable, keyinfo)
	}
	delete(m.keyinfoByCookie, cookie)
	m.mu.Unlock()

	m.agent.CloseSession(cookie, result, errMsg)
	if m.onResult != nil {
		m.onResult(cookie, result, errMsg)
	}
}

// CleanupForConn closes every flow owned by conn as Cancelled, per spec.md
// §4.8's disconnect behavior.
func (m *Manager) CleanupForConn(conn connid.ID) {
	m.mu.Lock()
	var cookies []string
	for cookie, owner := range m.flowOwners {
		if owner == conn {
			cookies = append(cookies, cookie)
		}
	}
	m.mu.Unlock()

	for _, cookie := range cookies {
		m.closeFlow(cookie, session.ResultCancelled, "Pinentry disconnected")
	}
}
