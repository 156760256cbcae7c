// Package ipc implements the daemon's local socket transport, per spec.md
// §4.1: a newline-delimited-JSON stream socket, one connection per client,
// a per-connection inbound byte buffer split on '\n', and a buffered
// outbound send queue flushed synchronously. Grounded on the teacher's
// api/server.go listener lifecycle (Start/Shutdown/Addr, goroutine-per-
// connection) and api/websocket.go's per-connection writePump pattern,
// adapted from an HTTP+websocket transport to a raw Unix-domain stream
// socket, since the wire protocol here is newline-JSON directly on the
// socket rather than framed websocket messages.
package ipc

import (
	"bufio"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/authbrokerd/authbrokerd/internal/connid"
	"github.com/authbrokerd/authbrokerd/internal/secret"
	"github.com/authbrokerd/authbrokerd/internal/wire"
)

// MaxMessageSize bounds a single line; exceeding it disconnects the client,
// per spec.md §4.1.
const MaxMessageSize = 64 * 1024

// Dispatcher is the subset of *agent.Agent (or a test double) the server
// drives: decode a line's `type`, hand the raw bytes to the matching
// handler, and learn about disconnects.
type Dispatcher interface {
	// Dispatch routes one parsed message to its handler. Returns false if
	// msgType has no registered handler, so the server can reply with the
	// spec's "Unknown type" error itself.
	Dispatch(conn connid.ID, msgType string, raw json.RawMessage) bool
	ClientDisconnected(conn connid.ID)
}

// Server listens on a local stream socket and speaks the newline-JSON
// protocol over every accepted connection.
type Server struct {
	path     string
	listener *net.UnixListener
	dispatch Dispatcher

	nextID atomic.Uint64

	mu    sync.Mutex
	conns map[connid.ID]*conn

	wg sync.WaitGroup
}

// NewServer binds a Unix socket at path with user-only permissions,
// removing any stale socket file first, per spec.md §4.1.
func NewServer(path string, dispatch Dispatcher) (*Server, error) {
	_ = os.Remove(path)

	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, err
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return nil, err
	}

	return &Server{
		path:     path,
		listener: ln,
		dispatch: dispatch,
		conns:    make(map[connid.ID]*conn),
	}, nil
}

// Addr returns the bound socket path.
func (s *Server) Addr() string { return s.path }

// Serve accepts connections until the listener is closed. Returns nil on a
// clean shutdown (Close called).
func (s *Server) Serve() error {
	for {
		nc, err := s.listener.AcceptUnix()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.accept(nc)
	}
}

// Close shuts the listener and every open connection down, then waits for
// their goroutines to exit.
func (s *Server) Close() error {
	err := s.listener.Close()
	s.mu.Lock()
	for _, c := range s.conns {
		c.netConn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	_ = os.Remove(s.path)
	return err
}

func (s *Server) accept(nc *net.UnixConn) {
	id := connid.ID(s.nextID.Add(1))
	c := &conn{id: id, netConn: nc, send: make(chan outbound, 64)}

	s.mu.Lock()
	s.conns[id] = c
	s.mu.Unlock()

	s.wg.Add(2)
	go s.readLoop(c)
	go s.writeLoop(c)
}

// Send marshals msg and enqueues it on conn's send queue. Silently drops if
// conn is no longer known (already disconnected) — a racing send against a
// just-closed connection is not an error. The enqueue happens under s.mu
// after re-checking conn, so it never reaches a queue teardown has closed.
func (s *Server) Send(conn connid.ID, msg any) {
	s.mu.Lock()
	c, ok := s.conns[conn]
	s.mu.Unlock()
	if !ok {
		return
	}

	buf, err := json.Marshal(msg)
	if err != nil {
		slog.Error("ipc: marshal failed", "type", "unknown", "err", err)
		return
	}
	buf = append(buf, '\n')

	item := outbound{buf: buf, wipe: carriesSecret(msg)}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, still := s.conns[conn]; !still {
		return
	}
	select {
	case c.send <- item:
	default:
		slog.Warn("ipc: send queue full, dropping message", "conn", conn)
	}
}

func carriesSecret(msg any) bool {
	switch m := msg.(type) {
	case wire.KeyringResponse:
		return m.Password != nil
	case wire.PinentryResponse:
		return m.Password != nil
	default:
		return false
	}
}

// PeerPID returns the pid of the process on the other end of conn, via
// SO_PEERCRED, or 0 if conn is unknown or the credential read fails.
func (s *Server) PeerPID(conn connid.ID) int32 {
	s.mu.Lock()
	c, ok := s.conns[conn]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	return peerPID(c.netConn)
}

func (s *Server) readLoop(c *conn) {
	defer s.wg.Done()
	defer c.netConn.Close()
	defer s.teardown(c)

	scanner := bufio.NewScanner(c.netConn)
	buf := make([]byte, 0, 4096)
	scanner.Buffer(buf, MaxMessageSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.handleLine(c, line)
	}
	if err := scanner.Err(); err != nil && errors.Is(err, bufio.ErrTooLong) {
		slog.Warn("ipc: message too large, disconnecting", "conn", c.id)
	}
}

func (s *Server) handleLine(c *conn, line []byte) {
	var env wire.Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		s.Send(c.id, wire.NewError("Invalid JSON"))
		return
	}
	if env.Type == "" {
		s.Send(c.id, wire.NewError("Missing type field"))
		return
	}

	var raw json.RawMessage = append(json.RawMessage{}, line...)
	if !s.dispatch.Dispatch(c.id, env.Type, raw) {
		s.Send(c.id, wire.NewError("Unknown type"))
	}
}

func (s *Server) writeLoop(c *conn) {
	defer s.wg.Done()
	w := bufio.NewWriter(c.netConn)
	for item := range c.send {
		if _, err := w.Write(item.buf); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
		if item.wipe {
			secret.Wipe(item.buf)
		}
	}
}

func (s *Server) teardown(c *conn) {
	s.mu.Lock()
	_, ok := s.conns[c.id]
	delete(s.conns, c.id)
	s.mu.Unlock()
	if !ok {
		return
	}
	close(c.send)
	if s.dispatch != nil {
		s.dispatch.ClientDisconnected(c.id)
	}
}

type conn struct {
	id      connid.ID
	netConn *net.UnixConn
	send    chan outbound
}

// outbound pairs a marshaled line with whether its buffer must be
// overwritten after the write syscall, per spec.md §4.9's wipe-after-send
// rule for keyring_response/pinentry_response payloads carrying a password.
type outbound struct {
	buf  []byte
	wipe bool
}
