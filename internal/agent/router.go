package agent

import "encoding/json"

// HandlerFunc processes one parsed message from conn. Grounded on
// original_source/agent/MessageRouter.hpp's std::function<void(socket, obj)>
// handler signature.
type HandlerFunc func(conn ConnID, raw json.RawMessage)

// MessageRouter is a flat dispatch table from wire `type` string to handler,
// per spec.md §4.2.
type MessageRouter struct {
	handlers map[string]HandlerFunc
}

// NewMessageRouter creates an empty dispatch table.
func NewMessageRouter() *MessageRouter {
	return &MessageRouter{handlers: make(map[string]HandlerFunc)}
}

// Handle registers handler for msgType, overwriting any previous handler.
func (r *MessageRouter) Handle(msgType string, handler HandlerFunc) {
	r.handlers[msgType] = handler
}

// Dispatch invokes the handler registered for msgType. Reports false if no
// handler is registered, so the caller can emit the "Unknown type" error.
func (r *MessageRouter) Dispatch(conn ConnID, msgType string, raw json.RawMessage) bool {
	h, ok := r.handlers[msgType]
	if !ok {
		return false
	}
	h(conn, raw)
	return true
}
