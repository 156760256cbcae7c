// Package debugserver exposes the core event stream over a websocket, for
// operators watching a live daemon without writing a raw socket client. It
// is strictly secondary to the daemon's real IPC surface in internal/ipc:
// nothing here ever drives a session or a provider, it only observes.
package debugserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/authbrokerd/authbrokerd/internal/session"
)

const (
	writeWait     = 10 * time.Second
	pingPeriod    = 30 * time.Second
	maxClientSend = 256
)

// Server serves /debug/events, broadcasting every session.Event the core
// routes to each connected websocket client.
type Server struct {
	httpSrv *http.Server

	connsMu sync.RWMutex
	conns   map[*wsConn]struct{}
}

// New builds a debug server listening on addr. Call Serve to start it; call
// Broadcast (wired via agent.SetDebugBroadcaster) to fan events out.
func New(addr string) *Server {
	s := &Server{conns: make(map[*wsConn]struct{})}
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/events", s.handleWS)
	s.httpSrv = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Serve blocks, running the debug HTTP listener until it is closed.
func (s *Server) Serve() error {
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close shuts the listener down and drops every connected client.
func (s *Server) Close() error {
	err := s.httpSrv.Close()
	// http.Server.Close does not touch hijacked websocket connections;
	// cancelling each client's context makes its pumps close it.
	s.connsMu.RLock()
	for wc := range s.conns {
		wc.cancel()
	}
	s.connsMu.RUnlock()
	return err
}

type wsConn struct {
	srv    *Server
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("debug websocket accept failed", "err", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	wc := &wsConn{srv: s, conn: conn, send: make(chan []byte, maxClientSend), ctx: ctx, cancel: cancel}

	s.connsMu.Lock()
	s.conns[wc] = struct{}{}
	s.connsMu.Unlock()

	go wc.writePump()
	go wc.readPump()
}

// Broadcast fans ev out to every connected debug client, dropping it for any
// client whose send buffer is already full rather than blocking the core.
func (s *Server) Broadcast(ev session.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("debug event marshal failed", "err", err)
		return
	}

	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	for wc := range s.conns {
		select {
		case wc.send <- data:
		default:
			slog.Warn("debug websocket send buffer full, dropping event")
		}
	}
}

func (wc *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		wc.close()
	}()

	for {
		select {
		case <-wc.ctx.Done():
			return
		case msg, ok := <-wc.send:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(wc.ctx, writeWait)
			err := wc.conn.Write(ctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(wc.ctx, writeWait)
			err := wc.conn.Ping(ctx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (wc *wsConn) readPump() {
	defer wc.close()
	for {
		if _, _, err := wc.conn.Read(wc.ctx); err != nil {
			return
		}
	}
}

func (wc *wsConn) close() {
	wc.cancel()
	wc.srv.connsMu.Lock()
	delete(wc.srv.conns, wc)
	wc.srv.connsMu.Unlock()
	wc.conn.Close(websocket.StatusNormalClosure, "")
}
