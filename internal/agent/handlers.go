package agent

import (
	"encoding/json"

	"github.com/authbrokerd/authbrokerd/internal/provider"
	"github.com/authbrokerd/authbrokerd/internal/session"
	"github.com/authbrokerd/authbrokerd/internal/wire"
)

// BuildRouter wires every message-type handler from spec.md §4.2 into a
// MessageRouter the IPC server dispatches against.
func (a *Agent) BuildRouter() *MessageRouter {
	r := NewMessageRouter()
	r.Handle("ping", a.handlePing)
	r.Handle("subscribe", a.handleSubscribe)
	r.Handle("next", a.handleNext)
	r.Handle("ui.register", a.handleUIRegister)
	r.Handle("ui.heartbeat", a.handleUIHeartbeat)
	r.Handle("ui.unregister", a.handleUIUnregister)
	r.Handle("keyring_request", a.handleKeyringRequest)
	r.Handle("pinentry_request", a.handlePinentryRequest)
	r.Handle("pinentry_result", a.handlePinentryResult)
	r.Handle("session.respond", a.handleSessionRespond)
	r.Handle("session.cancel", a.handleSessionCancel)
	return r
}

func providerInfoOf(info provider.Info) *wire.ProviderInfo {
	return &wire.ProviderInfo{ID: info.ID, Name: info.Name, Kind: info.Kind, Priority: info.Priority}
}

func (a *Agent) handlePing(conn ConnID, _ json.RawMessage) {
	pong := wire.Pong{Type: "pong", Version: a.cfg.Version, Capabilities: Capabilities}
	if a.bootstrap != nil {
		pong.Bootstrap = a.bootstrap()
	}

	a.mu.Lock()
	if info, ok := a.registry.ActiveProviderInfo(); ok {
		pong.Provider = providerInfoOf(info)
	}
	a.mu.Unlock()

	a.sender.Send(conn, pong)
}

func (a *Agent) handleSubscribe(conn ConnID, _ json.RawMessage) {
	a.mu.Lock()
	a.subscribers[conn] = true
	providerInfo, isProvider := a.registry.Get(conn)
	activeInfo, hasActive := a.registry.ActiveProviderInfo()
	isActive := isProvider && hasActive && activeInfo.Conn == providerInfo.Conn
	var snapshot []session.Event
	if !isProvider || isActive {
		snapshot = a.store.All()
	}
	count := a.store.Size()
	a.mu.Unlock()

	for _, ev := range snapshot {
		a.sender.Send(conn, ev)
	}

	resp := wire.Subscribed{Type: "subscribed", SessionCount: count}
	if isProvider {
		resp.Active = providerInfoOf(providerInfo)
	}
	a.sender.Send(conn, resp)
}

func (a *Agent) handleNext(conn ConnID, _ json.RawMessage) {
	a.mu.Lock()
	ev, ok := a.queue.TakeNext()
	if !ok {
		a.queue.SubscribeNext(conn)
	}
	a.mu.Unlock()
	if ok {
		a.sender.Send(conn, ev)
	}
}

func (a *Agent) handleUIRegister(conn ConnID, raw json.RawMessage) {
	var req wire.UIRegister
	if err := json.Unmarshal(raw, &req); err != nil {
		a.sender.Send(conn, wire.NewError("Invalid JSON"))
		return
	}

	a.mu.Lock()
	info := a.registry.Register(conn, provider.RegisterMsg{Name: req.Name, Kind: req.Kind, Priority: req.Priority})
	changed := a.registry.RecomputeActiveProvider()
	activeInfo, hasActive := a.registry.ActiveProviderInfo()
	isActive := hasActive && activeInfo.Conn == info.Conn
	var ev session.Event
	if changed {
		ev = a.activeStatusEvent()
	}
	subs := a.subscriberList()
	a.mu.Unlock()

	if a.audit != nil {
		a.audit.LogProviderRegistered(info.ID, info.Name, info.Kind, info.Priority, isActive)
	}
	a.sender.Send(conn, wire.UIRegistered{Type: "ui.registered", ID: info.ID, Active: isActive, Priority: info.Priority})
	if changed {
		a.routeEvent(ev, subs)
	}
}

func (a *Agent) handleUIHeartbeat(conn ConnID, raw json.RawMessage) {
	a.mu.Lock()
	ok := a.registry.Heartbeat(conn)
	if !ok {
		a.mu.Unlock()
		a.sender.Send(conn, wire.NewError("Unknown provider"))
		return
	}
	changed := a.registry.RecomputeActiveProvider()
	activeInfo, hasActive := a.registry.ActiveProviderInfo()
	isActive := hasActive && activeInfo.Conn == conn
	var ev session.Event
	if changed {
		ev = a.activeStatusEvent()
	}
	subs := a.subscriberList()
	a.mu.Unlock()

	a.sender.Send(conn, wire.OK{Type: "ok", Active: isActive})
	if changed {
		a.routeEvent(ev, subs)
	}
}

func (a *Agent) handleUIUnregister(conn ConnID, _ json.RawMessage) {
	a.mu.Lock()
	a.registry.Unregister(conn)
	changed := a.registry.RecomputeActiveProvider()
	hasActive := a.registry.HasActiveProvider()
	empty := a.store.Empty()
	var ev session.Event
	if changed {
		ev = a.activeStatusEvent()
	}
	subs := a.subscriberList()
	a.mu.Unlock()

	a.sender.Send(conn, wire.NewOK())
	if changed {
		a.routeEvent(ev, subs)
	}
	if !hasActive && !empty && a.onFallbackNeeded != nil {
		a.onFallbackNeeded()
	}
}

func (a *Agent) peerPID(conn ConnID) int32 {
	if a.peers == nil {
		return 0
	}
	return a.peers.PeerPID(conn)
}

func (a *Agent) handleKeyringRequest(conn ConnID, raw json.RawMessage) {
	var req wire.KeyringRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		a.sender.Send(conn, wire.NewError("Invalid JSON"))
		return
	}
	a.keyring.HandleRequest(conn, req, a.peerPID(conn))
}

func (a *Agent) handlePinentryRequest(conn ConnID, raw json.RawMessage) {
	var req wire.PinentryRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		a.sender.Send(conn, wire.NewError("Invalid JSON"))
		return
	}
	if rejectErr, ok := a.pinentry.HandleRequest(conn, req, a.peerPID(conn)); !ok {
		a.sender.Send(conn, wire.NewError(rejectErr))
		return
	}
	a.sender.Send(conn, wire.NewOK())
}

func (a *Agent) handlePinentryResult(conn ConnID, raw json.RawMessage) {
	var req wire.PinentryResult
	if err := json.Unmarshal(raw, &req); err != nil {
		a.sender.Send(conn, wire.NewError("Invalid JSON"))
		return
	}
	errMsg, ok := a.pinentry.HandleResult(conn, req)
	if !ok {
		a.sender.Send(conn, wire.NewError("Unknown session"))
		return
	}
	if errMsg != "" {
		a.sender.Send(conn, wire.NewError(errMsg))
		return
	}
	a.sender.Send(conn, wire.NewOK())
}

// authorized gates session.respond/session.cancel per spec.md §4.6: the
// active provider is always authorized; if no provider is registered at
// all, every connection is (unless RequireActiveProvider hardens this).
func (a *Agent) authorized(conn ConnID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.registry.IsAuthorized(conn, a.cfg.RequireActiveProvider)
}

func (a *Agent) handleSessionRespond(conn ConnID, raw json.RawMessage) {
	var req wire.SessionRespond
	if err := json.Unmarshal(raw, &req); err != nil {
		a.sender.Send(conn, wire.NewError("Invalid JSON"))
		return
	}
	if !a.authorized(conn) {
		if a.audit != nil {
			a.audit.LogUnauthorizedRespond(req.ID, conn)
		}
		a.sender.Send(conn, wire.NewError("Not active UI provider"))
		return
	}

	switch {
	case a.keyring.HasPendingRequest(req.ID):
		origin, msg, ok := a.keyring.HandleRespond(req.ID, req.Response)
		if !ok {
			a.sender.Send(conn, wire.NewError("Unknown session"))
			return
		}
		a.sender.Send(origin, msg)
		a.sender.Send(conn, wire.NewOK())
	case a.pinentry.HasPendingInput(req.ID):
		origin, msg, ok := a.pinentry.HandleRespond(req.ID, req.Response)
		if !ok {
			a.sender.Send(conn, wire.NewError("Unknown session"))
			return
		}
		a.sender.Send(origin, msg)
		a.sender.Send(conn, wire.NewOK())
	case a.pinentry.HasRequest(req.ID):
		a.sender.Send(conn, wire.NewError("Session is not accepting input"))
	case a.polkit.HasSession(req.ID):
		a.polkit.SubmitPassword(req.ID, req.Response)
		a.sender.Send(conn, wire.NewOK())
	default:
		a.sender.Send(conn, wire.NewError("Unknown session"))
	}
}

func (a *Agent) handleSessionCancel(conn ConnID, raw json.RawMessage) {
	var req wire.SessionCancel
	if err := json.Unmarshal(raw, &req); err != nil {
		a.sender.Send(conn, wire.NewError("Invalid JSON"))
		return
	}
	if !a.authorized(conn) {
		if a.audit != nil {
			a.audit.LogUnauthorizedRespond(req.ID, conn)
		}
		a.sender.Send(conn, wire.NewError("Not active UI provider"))
		return
	}

	switch {
	case a.keyring.HasPendingRequest(req.ID):
		origin, msg, ok := a.keyring.HandleCancel(req.ID)
		if !ok {
			a.sender.Send(conn, wire.NewError("Unknown session"))
			return
		}
		a.sender.Send(origin, msg)
		a.sender.Send(conn, wire.NewOK())
	case a.pinentry.HasRequest(req.ID):
		origin, msg, hasReply, ok := a.pinentry.HandleCancel(req.ID)
		if !ok {
			a.sender.Send(conn, wire.NewError("Unknown session"))
			return
		}
		if hasReply {
			a.sender.Send(origin, msg)
		}
		a.sender.Send(conn, wire.NewOK())
	case a.polkit.HasSession(req.ID):
		a.polkit.CancelPending(req.ID)
		a.sender.Send(conn, wire.NewOK())
	default:
		a.sender.Send(conn, wire.NewError("Unknown session"))
	}
}

// ClientDisconnected cascades a connection teardown to every subsystem
// that keys state by connection: the registry and the subscriber/waiter
// sets first (under the agent lock), then the keyring manager, then the
// pinentry manager.
func (a *Agent) ClientDisconnected(conn ConnID) {
	a.mu.Lock()
	a.registry.Unregister(conn)
	changed := a.registry.RecomputeActiveProvider()
	hasActive := a.registry.HasActiveProvider()
	delete(a.subscribers, conn)
	a.queue.RemoveWaiter(conn)
	var ev session.Event
	if changed {
		ev = a.activeStatusEvent()
	}
	subs := a.subscriberList()
	a.mu.Unlock()

	a.keyring.CleanupForConn(conn)
	a.pinentry.CleanupForConn(conn)

	if changed {
		a.routeEvent(ev, subs)
	}
	if !hasActive && !a.store.Empty() && a.onFallbackNeeded != nil {
		a.onFallbackNeeded()
	}
}
