package polkit

import (
	"testing"

	"github.com/authbrokerd/authbrokerd/internal/session"
)

type fakeAgent struct {
	created []string
	closed  map[string]session.Result
	errs    map[string]string
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{closed: map[string]session.Result{}, errs: map[string]string{}}
}

func (f *fakeAgent) CreateSession(cookie string, src session.Source, ctx session.Context) {
	f.created = append(f.created, cookie)
}
func (f *fakeAgent) UpdateSessionPrompt(cookie, prompt string, echo, clearError bool) bool {
	return true
}
func (f *fakeAgent) UpdateSessionError(cookie, errMsg string) bool {
	f.errs[cookie] = errMsg
	return true
}
func (f *fakeAgent) UpdateSessionInfo(cookie, info string) bool { return true }
func (f *fakeAgent) CloseSession(cookie string, result session.Result, errMsg string) {
	f.closed[cookie] = result
}

type fakeHandle struct {
	hooks     SessionHooks
	cancelled bool
	responses []string
}

func (h *fakeHandle) Initiate() error { return nil }
func (h *fakeHandle) SetResponse(response string) error {
	h.responses = append(h.responses, response)
	return nil
}
func (h *fakeHandle) Cancel() error {
	h.cancelled = true
	return nil
}

func newFakeFactory(handles *[]*fakeHandle) SessionFactory {
	return func(cookie, actionID string, details map[string]string, hooks SessionHooks) (SessionHandle, error) {
		h := &fakeHandle{hooks: hooks}
		*handles = append(*handles, h)
		return h, nil
	}
}

func TestInitiateAuthentication_Success(t *testing.T) {
	agent := newFakeAgent()
	var handles []*fakeHandle
	b := New(agent, newFakeFactory(&handles))

	var result bool
	var gotResult bool
	err := b.InitiateAuthentication("org.example.action", "Authenticate", "icon", "alice", nil, "c1", func(gained bool) {
		result, gotResult = gained, true
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(agent.created) != 1 {
		t.Fatalf("expected session created, got %v", agent.created)
	}

	handles[0].hooks.OnCompleted(true)

	if !gotResult || !result {
		t.Fatal("expected onComplete(true)")
	}
	if agent.closed["c1"] != session.ResultSuccess {
		t.Fatalf("expected c1 closed Success, got %v", agent.closed["c1"])
	}
}

func TestInitiateAuthentication_DuplicateRejected(t *testing.T) {
	agent := newFakeAgent()
	var handles []*fakeHandle
	b := New(agent, newFakeFactory(&handles))

	b.InitiateAuthentication("act", "msg", "", "", nil, "c1", func(bool) {})
	err := b.InitiateAuthentication("act", "msg", "", "", nil, "c1", func(bool) {})
	if err == nil {
		t.Fatal("expected duplicate-cookie error")
	}
}

func TestFailedAttempt_SilentlyRetriesUpToLimit(t *testing.T) {
	agent := newFakeAgent()
	var handles []*fakeHandle
	b := New(agent, newFakeFactory(&handles))

	var finalResult bool
	b.InitiateAuthentication("act", "msg", "", "", nil, "c1", func(gained bool) { finalResult = gained })

	for i := 0; i < MaxAuthRetries; i++ {
		if len(handles) != i+1 {
			t.Fatalf("expected %d handle(s) before round %d, got %d", i+1, i, len(handles))
		}
		handles[i].hooks.OnCompleted(false)
	}

	if _, closed := agent.closed["c1"]; !closed {
		t.Fatal("expected c1 to close after exhausting retries")
	}
	if finalResult {
		t.Fatal("expected final result to be a failure")
	}
	if agent.errs["c1"] != "Too many failed attempts" {
		t.Fatalf("expected give-up error message, got %q", agent.errs["c1"])
	}
	if len(handles) != MaxAuthRetries {
		t.Fatalf("expected exactly %d session attempts, got %d", MaxAuthRetries, len(handles))
	}
}

func TestCancelAuthentication_CancelsAllTracked(t *testing.T) {
	agent := newFakeAgent()
	var handles []*fakeHandle
	b := New(agent, newFakeFactory(&handles))

	b.InitiateAuthentication("act", "msg", "", "", nil, "c1", func(bool) {})
	b.InitiateAuthentication("act", "msg", "", "", nil, "c2", func(bool) {})

	b.CancelAuthentication()

	if agent.closed["c1"] != session.ResultCancelled || agent.closed["c2"] != session.ResultCancelled {
		t.Fatalf("expected both sessions cancelled, got %v", agent.closed)
	}
	for _, h := range handles {
		if !h.cancelled {
			t.Fatal("expected every handle's Cancel to have been called")
		}
	}
}

func TestSubmitPassword_ForwardsToLiveHandle(t *testing.T) {
	agent := newFakeAgent()
	var handles []*fakeHandle
	b := New(agent, newFakeFactory(&handles))

	b.InitiateAuthentication("act", "msg", "", "", nil, "c1", func(bool) {})
	b.SubmitPassword("c1", "hunter2")

	if len(handles[0].responses) != 1 || handles[0].responses[0] != "hunter2" {
		t.Fatalf("expected password forwarded, got %v", handles[0].responses)
	}
}

func TestCancelPending_UnknownCookieIsNoop(t *testing.T) {
	agent := newFakeAgent()
	var handles []*fakeHandle
	b := New(agent, newFakeFactory(&handles))

	b.CancelPending("nonexistent")

	if len(agent.closed) != 0 {
		t.Fatal("expected no session to close for an unknown cookie")
	}
}
