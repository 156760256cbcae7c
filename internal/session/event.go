package session

// Event is a session.created/updated/closed notification. Field presence
// follows spec.md §4.3 exactly: omitted fields are left at their zero value
// and tagged omitempty so the wire JSON only carries what applies to the
// event's Type.
type Event struct {
	Type string `json:"type"`
	ID   string `json:"id"`

	// session.created
	Source  Source   `json:"source,omitempty"`
	Context *Context `json:"context,omitempty"`

	// session.updated. Echo is always emitted (even false), matching
	// original_source Session.cpp's unconditional event["echo"] = m_echo.
	// CurRetry/MaxRetries are pointers so a Pinentry update always carries
	// them (even at 0), while every other source omits them entirely, per
	// spec.md §4.3 and Session.cpp::toUpdatedEvent's Source==Pinentry guard.
	State      string `json:"state,omitempty"`
	Prompt     string `json:"prompt,omitempty"`
	Echo       bool   `json:"echo"`
	CurRetry   *int   `json:"curRetry,omitempty"`
	MaxRetries *int   `json:"maxRetries,omitempty"`
	Info       string `json:"info,omitempty"`

	// shared by updated/closed
	Error string `json:"error,omitempty"`

	// session.closed
	Result Result `json:"result,omitempty"`
}

const (
	EventCreated = "session.created"
	EventUpdated = "session.updated"
	EventClosed  = "session.closed"
)

func (s *Session) toCreatedEvent() Event {
	ctx := s.Context
	return Event{Type: EventCreated, ID: s.Cookie, Source: s.Source, Context: &ctx}
}

func (s *Session) toUpdatedEvent() Event {
	ev := Event{
		Type:   EventUpdated,
		ID:     s.Cookie,
		State:  "prompting",
		Prompt: s.Prompt,
		Echo:   s.Echo,
		Error:  s.Error,
		Info:   s.Info,
	}
	if s.Source == SourcePinentry {
		ev.CurRetry = s.Context.CurRetry
		ev.MaxRetries = s.Context.MaxRetries
	}
	return ev
}

func (s *Session) toClosedEvent() Event {
	result, _ := s.ResultValue()
	return Event{Type: EventClosed, ID: s.Cookie, Result: result, Error: s.Error}
}
