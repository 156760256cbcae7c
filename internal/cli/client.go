// Package cli provides authbrokerctl's client for authbrokerd's local
// socket protocol, per spec.md §6.1: connect, write one newline-terminated
// JSON request, and read matching newline-terminated JSON replies/events.
// Grounded on the teacher's internal/cli/client.go (the shape of a thin,
// transport-owning client the CLI subcommands call into) adapted from an
// HTTP+JWT transport to the daemon's raw Unix socket framing, since this
// protocol has no authentication layer of its own — authorization is
// decided per spec.md §4.4 by which connection is the active UI provider,
// not by a bearer token.
package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// DefaultDialTimeout matches spec.md §5's "1s default" for client-side IPC
// connect/read/write operations.
const DefaultDialTimeout = 1 * time.Second

// Client is a single connection to authbrokerd's local socket.
type Client struct {
	conn    net.Conn
	scanner *bufio.Scanner
}

// Dial connects to the daemon's socket at path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, DefaultDialTimeout)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", path, err)
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 64*1024)
	return &Client{conn: conn, scanner: scanner}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// Send writes one JSON request followed by '\n'.
func (c *Client) Send(req any) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	data = append(data, '\n')
	_, err = c.conn.Write(data)
	return err
}

// Recv blocks for and decodes one reply/event line.
func (c *Client) Recv() (json.RawMessage, error) {
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("connection closed")
	}
	line := append([]byte(nil), c.scanner.Bytes()...)
	return json.RawMessage(line), nil
}

// Envelope decodes the `type` field common to every reply/event.
type Envelope struct {
	Type string `json:"type"`
}

// Type decodes msg's `type` field.
func Type(msg json.RawMessage) (string, error) {
	var env Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return "", fmt.Errorf("decoding message type: %w", err)
	}
	return env.Type, nil
}

// Ping sends a `ping` request and returns the decoded `pong` reply.
func (c *Client) Ping() (PongReply, error) {
	if err := c.Send(map[string]string{"type": "ping"}); err != nil {
		return PongReply{}, err
	}
	msg, err := c.Recv()
	if err != nil {
		return PongReply{}, err
	}
	var pong PongReply
	if err := json.Unmarshal(msg, &pong); err != nil {
		return PongReply{}, fmt.Errorf("decoding pong: %w", err)
	}
	return pong, nil
}

// PongReply is the `pong` response.
type PongReply struct {
	Type         string         `json:"type"`
	Version      string         `json:"version"`
	Capabilities []string       `json:"capabilities"`
	Bootstrap    map[string]any `json:"bootstrap,omitempty"`
	Provider     *ProviderInfo  `json:"provider,omitempty"`
}

// ProviderInfo mirrors wire.ProviderInfo for CLI display.
type ProviderInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Priority int    `json:"priority"`
}

// SessionEvent is the superset of fields any session.* event may carry, for
// CLI display purposes (no provider-side logic reads these fields back).
type SessionEvent struct {
	Type    string         `json:"type"`
	ID      string         `json:"id"`
	Source  string         `json:"source,omitempty"`
	State   string         `json:"state,omitempty"`
	Prompt  string         `json:"prompt,omitempty"`
	Echo    bool           `json:"echo,omitempty"`
	Error   string         `json:"error,omitempty"`
	Info    string         `json:"info,omitempty"`
	Result  string         `json:"result,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

// Subscribed is the `subscribed` reply.
type Subscribed struct {
	Type         string        `json:"type"`
	SessionCount int           `json:"sessionCount"`
	Active       *ProviderInfo `json:"active,omitempty"`
}

// Subscribe sends `subscribe` and returns the initial session snapshot: the
// session.created/session.updated events the daemon replays per
// spec.md §4.6, followed by the `subscribed` ack.
func (c *Client) Subscribe() ([]SessionEvent, Subscribed, error) {
	if err := c.Send(map[string]string{"type": "subscribe"}); err != nil {
		return nil, Subscribed{}, err
	}
	var events []SessionEvent
	for {
		msg, err := c.Recv()
		if err != nil {
			return events, Subscribed{}, err
		}
		typ, err := Type(msg)
		if err != nil {
			return events, Subscribed{}, err
		}
		if typ == "subscribed" {
			var sub Subscribed
			if err := json.Unmarshal(msg, &sub); err != nil {
				return events, Subscribed{}, err
			}
			return events, sub, nil
		}
		var ev SessionEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			return events, Subscribed{}, err
		}
		events = append(events, ev)
	}
}

// Respond sends `session.respond` for cookie and returns the `ok`/`error` reply.
func (c *Client) Respond(cookie, response string) (json.RawMessage, error) {
	if err := c.Send(map[string]string{"type": "session.respond", "id": cookie, "response": response}); err != nil {
		return nil, err
	}
	return c.Recv()
}

// Cancel sends `session.cancel` for cookie and returns the `ok`/`error` reply.
func (c *Client) Cancel(cookie string) (json.RawMessage, error) {
	if err := c.Send(map[string]string{"type": "session.cancel", "id": cookie}); err != nil {
		return nil, err
	}
	return c.Recv()
}
