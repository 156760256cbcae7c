// Package session owns the lifecycle of every live authentication session:
// one record per in-flight Polkit, keyring, or pinentry prompt, keyed by an
// opaque cookie string.
package session

// Source identifies which external subsystem owns a session.
type Source string

const (
	SourcePolkit   Source = "polkit"
	SourceKeyring  Source = "keyring"
	SourcePinentry Source = "pinentry"
)

// Result is the terminal outcome of a session, set exactly once.
type Result string

const (
	ResultSuccess   Result = "success"
	ResultCancelled Result = "cancelled"
	ResultError     Result = "error"
)

// Requestor is the human-readable identity of the process that triggered
// an authentication, as produced by the requestor resolver.
type Requestor struct {
	Name           string `json:"name"`
	Icon           string `json:"icon,omitempty"`
	FallbackLetter string `json:"fallbackLetter,omitempty"`
	FallbackKey    string `json:"fallbackKey,omitempty"`
	PID            int    `json:"pid,omitempty"`
}

// Context holds everything fixed at session creation: the prompt message,
// the resolved requestor, and whichever source-specific fields apply.
type Context struct {
	Message   string    `json:"message"`
	Requestor Requestor `json:"requestor"`

	// Kind is a UI display hint ("password" or "confirm"), derived from
	// ConfirmOnly / the keyring request's flags. Supplements the distilled
	// spec with original_source's classifyRequest behavior.
	Kind string `json:"kind,omitempty"`

	// Polkit-specific.
	ActionID string `json:"actionId,omitempty"`
	User     string `json:"user,omitempty"`
	Details  map[string]string `json:"details,omitempty"`

	// Keyring-specific.
	KeyringName string `json:"keyringName,omitempty"`

	// Pinentry-specific. CurRetry/MaxRetries/ConfirmOnly/Repeat are pointers
	// so a Pinentry context always emits them, even at zero/false — a nil
	// pointer (the case for every non-Pinentry context) is what omitempty
	// actually omits; a non-nil pointer to 0 or false is not. Matches
	// original_source Session.cpp::contextToJson's Pinentry case, which
	// sets all four unconditionally.
	Description string `json:"description,omitempty"`
	Keyinfo     string `json:"keyinfo,omitempty"`
	CurRetry    *int   `json:"curRetry,omitempty"`
	MaxRetries  *int   `json:"maxRetries,omitempty"`
	ConfirmOnly *bool  `json:"confirmOnly,omitempty"`
	Repeat      *bool  `json:"repeat,omitempty"`
}

// sessionState is a tagged union: a session is either still prompting or
// closed with a terminal result. Modeling it this way (rather than a bare
// state string plus a separately-settable result field) makes "closed with
// no result" unrepresentable.
type sessionState interface {
	isSessionState()
	stateName() string
}

type prompting struct{}

func (prompting) isSessionState()    {}
func (prompting) stateName() string { return "prompting" }

type closedState struct {
	result Result
	error  string
}

func (closedState) isSessionState()    {}
func (closedState) stateName() string { return "closed" }

// Session is one live authentication flow.
type Session struct {
	Cookie  string
	Source  Source
	Context Context

	Prompt string
	Echo   bool
	Error  string
	Info   string

	state sessionState
}

func newSession(cookie string, src Source, ctx Context) *Session {
	return &Session{
		Cookie:  cookie,
		Source:  src,
		Context: ctx,
		state:   prompting{},
	}
}

// State returns "prompting" or "closed".
func (s *Session) State() string {
	return s.state.stateName()
}

// Closed reports whether the session has reached a terminal result.
func (s *Session) Closed() bool {
	_, ok := s.state.(closedState)
	return ok
}

// ResultValue returns the terminal result and true if the session is closed.
func (s *Session) ResultValue() (Result, bool) {
	cs, ok := s.state.(closedState)
	if !ok {
		return "", false
	}
	return cs.result, true
}

func (s *Session) close(result Result, errMsg string) {
	if result == ResultSuccess {
		s.Error = ""
	}
	s.state = closedState{result: result, error: errMsg}
}
