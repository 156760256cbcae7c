// Package wire defines the JSON message shapes exchanged over the daemon's
// local socket, per spec.md §6.1. Inbound request payloads and outbound
// response/event payloads both live here so the IPC server, the agent, and
// the authbrokerctl CLI client share one definition of the protocol.
package wire

import "github.com/authbrokerd/authbrokerd/internal/secret"

// Envelope is the minimum any inbound message must parse as: a `type`
// string, per spec.md §4.1. Handlers re-decode the same bytes into a more
// specific request struct once the type is known.
type Envelope struct {
	Type string `json:"type"`
}

// KeyringRequest is the `keyring_request` payload. Flags is a bitmask; bit
// keyringmgr.FlagConfirmOnly distinguishes a yes/no confirm prompt from a
// password prompt (see keyringmgr.HandleRequest's Context.Kind derivation).
type KeyringRequest struct {
	Cookie  string `json:"cookie"`
	Title   string `json:"title"`
	Prompt  string `json:"prompt"`
	Message string `json:"message"`
	Choice  string `json:"choice"`
	Flags   int    `json:"flags"`
}

// PinentryRequest is the `pinentry_request` payload.
type PinentryRequest struct {
	Cookie      string `json:"cookie"`
	Prompt      string `json:"prompt"`
	Description string `json:"description"`
	Error       string `json:"error"`
	Keyinfo     string `json:"keyinfo"`
	Repeat      bool   `json:"repeat"`
	ConfirmOnly bool   `json:"confirm_only"`
}

// PinentryResult is the `pinentry_result` payload.
type PinentryResult struct {
	ID     string `json:"id"`
	Result string `json:"result"`
	Error  string `json:"error"`
}

// UIRegister is the `ui.register` payload.
type UIRegister struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Priority *int   `json:"priority"`
}

// UIHeartbeat is the `ui.heartbeat` payload.
type UIHeartbeat struct {
	ID string `json:"id"`
}

// SessionRespond is the `session.respond` payload.
type SessionRespond struct {
	ID       string `json:"id"`
	Response string `json:"response"`
}

// SessionCancel is the `session.cancel` payload.
type SessionCancel struct {
	ID string `json:"id"`
}

// Pong replies to `ping`.
type Pong struct {
	Type         string         `json:"type"`
	Version      string         `json:"version"`
	Capabilities []string       `json:"capabilities"`
	Bootstrap    map[string]any `json:"bootstrap,omitempty"`
	Provider     *ProviderInfo  `json:"provider,omitempty"`
}

// ProviderInfo summarizes the active provider, embedded in Pong/Subscribed.
type ProviderInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Priority int    `json:"priority"`
}

// Subscribed replies to `subscribe`.
type Subscribed struct {
	Type         string        `json:"type"`
	SessionCount int           `json:"sessionCount"`
	Active       *ProviderInfo `json:"active,omitempty"`
}

// UIRegistered replies to `ui.register`.
type UIRegistered struct {
	Type     string `json:"type"`
	ID       string `json:"id"`
	Active   bool   `json:"active"`
	Priority int    `json:"priority"`
}

// OK is a generic success acknowledgement.
type OK struct {
	Type   string `json:"type"`
	Active bool   `json:"active,omitempty"`
}

// Error is the generic failure shape, per spec.md §7.
type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// KeyringResponse is the terminal reply to a keyring_request, per spec.md §4.7.
type KeyringResponse struct {
	Type     string         `json:"type"`
	ID       string         `json:"id"`
	Result   string         `json:"result"`
	Password *secret.String `json:"password,omitempty"`
}

// PinentryResponse is the input-phase reply to a pinentry_request, per spec.md §4.8.
type PinentryResponse struct {
	Type     string        `json:"type"`
	ID       string        `json:"id"`
	Result   string        `json:"result"`
	Password *secret.String `json:"password,omitempty"`
}

func NewError(message string) Error { return Error{Type: "error", Message: message} }
func NewOK() OK                     { return OK{Type: "ok"} }
