package cli

import (
	"encoding/json"
	"fmt"
	"io"
)

// Formatter outputs data in various formats. Kept as its own type,
// decoupled from Client, matching the teacher's table-vs-JSON split.
type Formatter struct {
	w      io.Writer
	asJSON bool
}

// NewFormatter creates a new formatter.
func NewFormatter(w io.Writer, asJSON bool) *Formatter {
	return &Formatter{w: w, asJSON: asJSON}
}

// FormatPong prints a `pong` reply.
func (f *Formatter) FormatPong(pong PongReply) error {
	if f.asJSON {
		return json.NewEncoder(f.w).Encode(pong)
	}
	fmt.Fprintf(f.w, "version:      %s\n", pong.Version)
	fmt.Fprintf(f.w, "capabilities: %v\n", pong.Capabilities)
	if pong.Provider != nil {
		fmt.Fprintf(f.w, "active:       %s (%s, priority %d)\n", pong.Provider.Name, pong.Provider.Kind, pong.Provider.Priority)
	} else {
		fmt.Fprintln(f.w, "active:       none")
	}
	for k, v := range pong.Bootstrap {
		fmt.Fprintf(f.w, "bootstrap.%s: %v\n", k, v)
	}
	return nil
}

// FormatSessions prints a session snapshot as a table.
func (f *Formatter) FormatSessions(events []SessionEvent) error {
	if f.asJSON {
		return json.NewEncoder(f.w).Encode(events)
	}

	sessions := mergeSessionEvents(events)
	if len(sessions) == 0 {
		fmt.Fprintln(f.w, "No live sessions")
		return nil
	}

	fmt.Fprintf(f.w, "%-12s  %-10s  %-10s  %s\n", "ID", "SOURCE", "STATE", "PROMPT")
	fmt.Fprintf(f.w, "%-12s  %-10s  %-10s  %s\n", "------------", "----------", "----------", "------")
	for _, s := range sessions {
		fmt.Fprintf(f.w, "%-12s  %-10s  %-10s  %s\n", truncate(s.ID, 12), s.Source, s.State, s.Prompt)
	}
	return nil
}

// mergeSessionEvents collapses a created+updated* stream into one row per
// cookie — the CLI only ever sees this initial snapshot, never a closed
// event (closed sessions are gone by the time a new `subscribe` replays).
func mergeSessionEvents(events []SessionEvent) []SessionEvent {
	order := make([]string, 0, len(events))
	byID := make(map[string]SessionEvent, len(events))
	for _, ev := range events {
		if _, ok := byID[ev.ID]; !ok {
			order = append(order, ev.ID)
		}
		merged := byID[ev.ID]
		if ev.Source != "" {
			merged.Source = ev.Source
		}
		if ev.State != "" {
			merged.State = ev.State
		}
		if ev.Prompt != "" {
			merged.Prompt = ev.Prompt
		}
		merged.ID = ev.ID
		byID[ev.ID] = merged
	}
	out := make([]SessionEvent, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out
}

// FormatResult prints a generic ok/error reply.
func (f *Formatter) FormatResult(msg json.RawMessage) error {
	if f.asJSON {
		_, err := f.w.Write(append(append([]byte(nil), msg...), '\n'))
		return err
	}
	typ, err := Type(msg)
	if err != nil {
		return err
	}
	if typ == "error" {
		var e struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(msg, &e); err != nil {
			return err
		}
		fmt.Fprintf(f.w, "error: %s\n", e.Message)
		return nil
	}
	fmt.Fprintln(f.w, "ok")
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-1] + "…"
}
