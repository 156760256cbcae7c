package keyringmgr

import (
	"testing"

	"github.com/authbrokerd/authbrokerd/internal/connid"
	"github.com/authbrokerd/authbrokerd/internal/resolver"
	"github.com/authbrokerd/authbrokerd/internal/session"
	"github.com/authbrokerd/authbrokerd/internal/wire"
)

type fakeAgent struct {
	created []string
	closed  []string
	results []session.Result
	prompts []string
	kinds   []string
}

func (f *fakeAgent) CreateSession(cookie string, source session.Source, ctx session.Context) {
	f.created = append(f.created, cookie)
	f.kinds = append(f.kinds, ctx.Kind)
}

func (f *fakeAgent) UpdateSessionPrompt(cookie, prompt string, echo, clearError bool) bool {
	f.prompts = append(f.prompts, prompt)
	return true
}

func (f *fakeAgent) CloseSession(cookie string, result session.Result, errMsg string) {
	f.closed = append(f.closed, cookie)
	f.results = append(f.results, result)
}

type fakeResolver struct{}

func (fakeResolver) Resolve(pid int32) resolver.ActorInfo {
	return resolver.ActorInfo{DisplayName: "Test App"}
}

func TestKeyringRequestAllocatesCookie(t *testing.T) {
	a := &fakeAgent{}
	m := New(a, fakeResolver{}, func() string { return "generated-cookie" })

	m.HandleRequest(connid.ID(1), wire.KeyringRequest{Message: "unlock the wallet"}, 123)

	if len(a.created) != 1 || a.created[0] != "generated-cookie" {
		t.Fatalf("created = %v, want [generated-cookie]", a.created)
	}
	if !m.HasPendingRequest("generated-cookie") {
		t.Error("expected pending request for generated cookie")
	}
}

func TestKeyringRequestKeepsExplicitCookie(t *testing.T) {
	a := &fakeAgent{}
	m := New(a, fakeResolver{}, func() string { return "should-not-be-used" })

	m.HandleRequest(connid.ID(1), wire.KeyringRequest{Cookie: "c1", Message: "unlock"}, 123)

	if len(a.created) != 1 || a.created[0] != "c1" {
		t.Fatalf("created = %v, want [c1]", a.created)
	}
}

// TestKeyringRoundTrip verifies spec.md §8's round-trip law: a
// keyring_request with cookie C followed by session.respond{id:C,
// response:P} produces exactly {type:"keyring_response", id:C,
// result:"ok", password:P} on the originating socket, and closes the
// session Success.
func TestKeyringRoundTrip(t *testing.T) {
	a := &fakeAgent{}
	m := New(a, fakeResolver{}, nil)
	origin := connid.ID(42)

	m.HandleRequest(origin, wire.KeyringRequest{Cookie: "c1", Message: "unlock"}, 100)

	conn, msg, ok := m.HandleRespond("c1", "hunter2")
	if !ok {
		t.Fatal("HandleRespond reported not found")
	}
	if conn != origin {
		t.Errorf("reply conn = %v, want %v (the originating socket)", conn, origin)
	}
	if msg.Type != "keyring_response" || msg.ID != "c1" || msg.Result != "ok" {
		t.Errorf("msg = %+v", msg)
	}
	if msg.Password == nil || msg.Password.Reveal() != "hunter2" {
		t.Errorf("password = %v, want hunter2", msg.Password)
	}
	if len(a.closed) != 1 || a.closed[0] != "c1" || a.results[0] != session.ResultSuccess {
		t.Errorf("close = %v/%v, want c1/success", a.closed, a.results)
	}
	if m.HasPendingRequest("c1") {
		t.Error("cookie should be consumed after respond")
	}
}

func TestKeyringCancel(t *testing.T) {
	a := &fakeAgent{}
	m := New(a, fakeResolver{}, nil)
	origin := connid.ID(7)
	m.HandleRequest(origin, wire.KeyringRequest{Cookie: "c1", Message: "unlock"}, 1)

	conn, msg, ok := m.HandleCancel("c1")
	if !ok {
		t.Fatal("HandleCancel reported not found")
	}
	if conn != origin || msg.Result != "cancelled" {
		t.Errorf("msg = %+v, conn = %v", msg, conn)
	}
	if len(a.closed) != 1 || a.results[0] != session.ResultCancelled {
		t.Errorf("close results = %v", a.results)
	}
}

// TestKeyringRequestKindFromFlags covers SPEC_FULL.md's classifyRequest
// supplement: the FlagConfirmOnly bit picks "confirm" over the "password"
// default.
func TestKeyringRequestKindFromFlags(t *testing.T) {
	a := &fakeAgent{}
	m := New(a, fakeResolver{}, nil)

	m.HandleRequest(connid.ID(1), wire.KeyringRequest{Cookie: "c1", Message: "unlock"}, 1)
	m.HandleRequest(connid.ID(2), wire.KeyringRequest{Cookie: "c2", Message: "allow?", Flags: FlagConfirmOnly}, 1)

	if len(a.kinds) != 2 || a.kinds[0] != "password" || a.kinds[1] != "confirm" {
		t.Fatalf("kinds = %v, want [password confirm]", a.kinds)
	}
}

func TestKeyringRespondUnknownCookie(t *testing.T) {
	a := &fakeAgent{}
	m := New(a, fakeResolver{}, nil)

	if _, _, ok := m.HandleRespond("missing", "x"); ok {
		t.Error("expected ok=false for unknown cookie")
	}
}

// TestKeyringDisconnectCleanup covers spec.md §8 scenario 8: a keyring
// request pending from socket K, K disconnects, the session closes
// cancelled with no response sent.
func TestKeyringDisconnectCleanup(t *testing.T) {
	a := &fakeAgent{}
	m := New(a, fakeResolver{}, nil)
	origin := connid.ID(5)
	m.HandleRequest(origin, wire.KeyringRequest{Cookie: "c1", Message: "unlock"}, 1)
	m.HandleRequest(origin, wire.KeyringRequest{Cookie: "c2", Message: "unlock again"}, 1)
	otherConn := connid.ID(9)
	m.HandleRequest(otherConn, wire.KeyringRequest{Cookie: "c3", Message: "unrelated"}, 1)

	m.CleanupForConn(origin)

	if m.HasPendingRequest("c1") || m.HasPendingRequest("c2") {
		t.Error("c1/c2 should be cleared after disconnect")
	}
	if !m.HasPendingRequest("c3") {
		t.Error("c3 belongs to a different connection and should remain pending")
	}
	if len(a.closed) != 2 {
		t.Fatalf("closed = %v, want 2 entries", a.closed)
	}
	for _, r := range a.results {
		if r != session.ResultCancelled {
			t.Errorf("result = %v, want cancelled", r)
		}
	}
}
