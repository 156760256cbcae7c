package pinentrymgr

import (
	"fmt"
	"testing"
	"time"

	"github.com/authbrokerd/authbrokerd/internal/clock"
	"github.com/authbrokerd/authbrokerd/internal/connid"
	"github.com/authbrokerd/authbrokerd/internal/resolver"
	"github.com/authbrokerd/authbrokerd/internal/session"
	"github.com/authbrokerd/authbrokerd/internal/wire"
)

type fakeAgent struct {
	created []string
	closed  map[string]session.Result
	errs    map[string]string
	exists  map[string]bool
	echo    map[string]bool
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{closed: map[string]session.Result{}, errs: map[string]string{}, exists: map[string]bool{}, echo: map[string]bool{}}
}

func (f *fakeAgent) CreateSession(cookie string, src session.Source, ctx session.Context) {
	f.created = append(f.created, cookie)
	f.exists[cookie] = true
}
func (f *fakeAgent) SessionExists(cookie string) bool { return f.exists[cookie] }
func (f *fakeAgent) UpdateSessionPrompt(cookie, prompt string, echo, clearError bool) bool {
	f.echo[cookie] = echo
	return f.exists[cookie]
}
func (f *fakeAgent) UpdateSessionError(cookie, errMsg string) bool {
	f.errs[cookie] = errMsg
	return f.exists[cookie]
}
func (f *fakeAgent) UpdatePinentryRetry(cookie string, cur, max int) bool { return f.exists[cookie] }
func (f *fakeAgent) CloseSession(cookie string, result session.Result, errMsg string) {
	f.closed[cookie] = result
	if errMsg != "" {
		f.errs[cookie] = errMsg
	}
	delete(f.exists, cookie)
}

type fakeResolver struct{}

func (fakeResolver) Resolve(pid int32) resolver.ActorInfo {
	return resolver.ActorInfo{DisplayName: "test"}
}

var testIDCounter int

func testNewID() string {
	testIDCounter++
	return fmt.Sprintf("gen-%d", testIDCounter)
}

func TestHandleRequest_CreatesSession(t *testing.T) {
	agent := newFakeAgent()
	m := New(agent, fakeResolver{}, clock.NewFake(time.Unix(0, 0)), testNewID)

	_, ok := m.HandleRequest(connid.ID(1), wire.PinentryRequest{Cookie: "c1", Prompt: "Enter PIN:"}, 100)
	if !ok {
		t.Fatal("expected HandleRequest to succeed")
	}
	if len(agent.created) != 1 || agent.created[0] != "c1" {
		t.Fatalf("expected session c1 created, got %v", agent.created)
	}
	if !m.HasPendingInput("c1") {
		t.Fatal("expected c1 to be pending input")
	}
}

func TestHandleRequest_DuplicateOwnerRejected(t *testing.T) {
	agent := newFakeAgent()
	m := New(agent, fakeResolver{}, clock.NewFake(time.Unix(0, 0)), testNewID)

	m.HandleRequest(connid.ID(1), wire.PinentryRequest{Cookie: "c1"}, 100)
	_, ok := m.HandleRequest(connid.ID(2), wire.PinentryRequest{Cookie: "c1"}, 100)
	if ok {
		t.Fatal("expected duplicate-owner request to be rejected")
	}
}

func TestHandleRequest_RetryInfoRegex(t *testing.T) {
	agent := newFakeAgent()
	m := New(agent, fakeResolver{}, clock.NewFake(time.Unix(0, 0)), testNewID)

	m.HandleRequest(connid.ID(1), wire.PinentryRequest{
		Cookie:      "c1",
		Description: "Bad passphrase (2 of 3 attempts)",
		Keyinfo:     "ABCD",
	}, 100)

	// A later request for a different cookie with the same keyinfo but no
	// regex-matchable description should fall back to the stored retry info.
	m.HandleRequest(connid.ID(1), wire.PinentryRequest{
		Cookie:  "c2",
		Keyinfo: "ABCD",
	}, 100)

	if len(agent.created) != 2 {
		t.Fatalf("expected two sessions created, got %v", agent.created)
	}
}

func TestHandleRequest_UpdatePromptNeverEchoes(t *testing.T) {
	agent := newFakeAgent()
	m := New(agent, fakeResolver{}, clock.NewFake(time.Unix(0, 0)), testNewID)

	m.HandleRequest(connid.ID(1), wire.PinentryRequest{Cookie: "c1"}, 100)
	// A second request for the same cookie takes the existing-session
	// UpdateSessionPrompt branch, which must never echo a GPG passphrase.
	m.HandleRequest(connid.ID(1), wire.PinentryRequest{Cookie: "c1", Prompt: "Enter PIN again:"}, 100)

	if echo, ok := agent.echo["c1"]; !ok || echo {
		t.Fatalf("expected echo=false recorded for c1, got echo=%v ok=%v", echo, ok)
	}
}

func TestHandleRequest_EmptyCookieGetsGeneratedID(t *testing.T) {
	agent := newFakeAgent()
	m := New(agent, fakeResolver{}, clock.NewFake(time.Unix(0, 0)), testNewID)

	_, ok1 := m.HandleRequest(connid.ID(1), wire.PinentryRequest{}, 100)
	_, ok2 := m.HandleRequest(connid.ID(2), wire.PinentryRequest{}, 101)
	if !ok1 || !ok2 {
		t.Fatalf("expected both empty-cookie requests to succeed, got ok1=%v ok2=%v", ok1, ok2)
	}
	if len(agent.created) != 2 || agent.created[0] == agent.created[1] {
		t.Fatalf("expected two distinct generated cookies, got %v", agent.created)
	}
	if agent.created[0] == "" || agent.created[1] == "" {
		t.Fatalf("expected non-empty generated cookies, got %v", agent.created)
	}
}

func TestHandleRespond_StartsOutcomeTimerAndReplies(t *testing.T) {
	agent := newFakeAgent()
	fc := clock.NewFake(time.Unix(0, 0))
	m := New(agent, fakeResolver{}, fc, testNewID)

	m.HandleRequest(connid.ID(7), wire.PinentryRequest{Cookie: "c1"}, 100)
	conn, msg, ok := m.HandleRespond("c1", "hunter2")
	if !ok || conn != connid.ID(7) {
		t.Fatalf("expected respond to succeed for conn 7, got conn=%v ok=%v", conn, ok)
	}
	if msg.Result != "ok" || msg.Password == nil {
		t.Fatalf("expected ok result with password, got %+v", msg)
	}
	if fc.Pending() != 1 {
		t.Fatalf("expected one pending outcome timer, got %d", fc.Pending())
	}
	if m.HasPendingInput("c1") {
		t.Fatal("expected c1 to have left Phase A")
	}
}

func TestHandleRespond_ConfirmOnly(t *testing.T) {
	agent := newFakeAgent()
	m := New(agent, fakeResolver{}, clock.NewFake(time.Unix(0, 0)), testNewID)

	m.HandleRequest(connid.ID(1), wire.PinentryRequest{Cookie: "c1", ConfirmOnly: true}, 100)
	_, msg, ok := m.HandleRespond("c1", "")
	if !ok || msg.Result != "confirmed" || msg.Password != nil {
		t.Fatalf("expected confirmed result with no password, got %+v", msg)
	}
}

func TestOutcomeTimeout_ClosesWithError(t *testing.T) {
	agent := newFakeAgent()
	fc := clock.NewFake(time.Unix(0, 0))
	m := New(agent, fakeResolver{}, fc, testNewID)

	m.HandleRequest(connid.ID(1), wire.PinentryRequest{Cookie: "c1"}, 100)
	m.HandleRespond("c1", "secret")
	fc.Fire()

	if agent.closed["c1"] != session.ResultError {
		t.Fatalf("expected c1 closed Error on timeout, got %v", agent.closed["c1"])
	}
}

func TestHandleResult_Success(t *testing.T) {
	agent := newFakeAgent()
	fc := clock.NewFake(time.Unix(0, 0))
	m := New(agent, fakeResolver{}, fc, testNewID)

	m.HandleRequest(connid.ID(1), wire.PinentryRequest{Cookie: "c1"}, 100)
	m.HandleRespond("c1", "secret")

	errMsg, ok := m.HandleResult(connid.ID(1), wire.PinentryResult{ID: "c1", Result: "success"})
	if !ok || errMsg != "" {
		t.Fatalf("expected clean success, got err=%q ok=%v", errMsg, ok)
	}
	if agent.closed["c1"] != session.ResultSuccess {
		t.Fatalf("expected c1 closed Success, got %v", agent.closed["c1"])
	}
	if fc.Pending() != 0 {
		t.Fatal("expected outcome timer cancelled on success")
	}
}

func TestHandleResult_OwnerMismatch(t *testing.T) {
	agent := newFakeAgent()
	fc := clock.NewFake(time.Unix(0, 0))
	m := New(agent, fakeResolver{}, fc, testNewID)

	m.HandleRequest(connid.ID(1), wire.PinentryRequest{Cookie: "c1"}, 100)
	m.HandleRespond("c1", "secret")

	errMsg, ok := m.HandleResult(connid.ID(2), wire.PinentryResult{ID: "c1", Result: "success"})
	if !ok || errMsg == "" {
		t.Fatalf("expected owner-mismatch error, got err=%q ok=%v", errMsg, ok)
	}
	if _, closed := agent.closed["c1"]; closed {
		t.Fatal("expected session to remain open after owner mismatch")
	}
}

func TestHandleResult_RetryDoesNotClose(t *testing.T) {
	agent := newFakeAgent()
	fc := clock.NewFake(time.Unix(0, 0))
	m := New(agent, fakeResolver{}, fc, testNewID)

	m.HandleRequest(connid.ID(1), wire.PinentryRequest{Cookie: "c1"}, 100)
	m.HandleRespond("c1", "wrong")

	errMsg, ok := m.HandleResult(connid.ID(1), wire.PinentryResult{ID: "c1", Result: "retry", Error: "Bad passphrase"})
	if !ok || errMsg != "" {
		t.Fatalf("expected retry handled cleanly, got err=%q ok=%v", errMsg, ok)
	}
	if _, closed := agent.closed["c1"]; closed {
		t.Fatal("retry must not close the session")
	}
	if agent.errs["c1"] != "Bad passphrase" {
		t.Fatalf("expected retry error surfaced, got %q", agent.errs["c1"])
	}

	// The next request for the same cookie must suppress its own error
	// rather than doubling it; the retry error already surfaced stays.
	m.HandleRequest(connid.ID(1), wire.PinentryRequest{Cookie: "c1", Error: "Bad passphrase again"}, 100)
	if agent.errs["c1"] != "Bad passphrase" {
		t.Fatalf("expected the request's own error suppressed and the retry error kept, got %q", agent.errs["c1"])
	}
}

func TestHandleResult_ErrorDefaultsMessage(t *testing.T) {
	agent := newFakeAgent()
	fc := clock.NewFake(time.Unix(0, 0))
	m := New(agent, fakeResolver{}, fc, testNewID)

	m.HandleRequest(connid.ID(1), wire.PinentryRequest{Cookie: "c1"}, 100)
	m.HandleRespond("c1", "secret")

	_, ok := m.HandleResult(connid.ID(1), wire.PinentryResult{ID: "c1", Result: "error"})
	if !ok {
		t.Fatal("expected error result to be handled")
	}
	if agent.closed["c1"] != session.ResultError {
		t.Fatalf("expected c1 closed Error, got %v", agent.closed["c1"])
	}
	if agent.errs["c1"] != "Authentication failed" {
		t.Fatalf("expected default error message, got %q", agent.errs["c1"])
	}
}

func TestHandleCancel_PendingInput(t *testing.T) {
	agent := newFakeAgent()
	m := New(agent, fakeResolver{}, clock.NewFake(time.Unix(0, 0)), testNewID)

	m.HandleRequest(connid.ID(9), wire.PinentryRequest{Cookie: "c1"}, 100)
	conn, msg, hasReply, ok := m.HandleCancel("c1")
	if !ok || !hasReply || conn != connid.ID(9) || msg.Result != "cancelled" {
		t.Fatalf("unexpected cancel result: conn=%v msg=%+v hasReply=%v ok=%v", conn, msg, hasReply, ok)
	}
	if agent.closed["c1"] != session.ResultCancelled {
		t.Fatalf("expected c1 closed Cancelled, got %v", agent.closed["c1"])
	}
}

func TestCleanupForConn_ClosesOwnedFlows(t *testing.T) {
	agent := newFakeAgent()
	m := New(agent, fakeResolver{}, clock.NewFake(time.Unix(0, 0)), testNewID)

	m.HandleRequest(connid.ID(3), wire.PinentryRequest{Cookie: "c1"}, 100)
	m.HandleRequest(connid.ID(3), wire.PinentryRequest{Cookie: "c2"}, 100)
	m.HandleRequest(connid.ID(4), wire.PinentryRequest{Cookie: "c3"}, 100)

	m.CleanupForConn(connid.ID(3))

	if agent.closed["c1"] != session.ResultCancelled || agent.closed["c2"] != session.ResultCancelled {
		t.Fatalf("expected c1/c2 cancelled, got %v", agent.closed)
	}
	if _, closed := agent.closed["c3"]; closed {
		t.Fatal("expected c3 (owned by a different conn) to remain open")
	}
}
