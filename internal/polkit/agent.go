package polkit

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"
)

// AgentObjectPath is this daemon's PolicyKit agent object path, matching
// original_source/src/core/Agent.cpp's registerListener call.
const AgentObjectPath = "/org/authbrokerd/PolicyKit1/AuthenticationAgent"

const (
	polkitBusName         = "org.freedesktop.PolicyKit1"
	polkitObjectPath      = "/org/freedesktop/PolicyKit1/Authority"
	polkitAuthorityIface  = "org.freedesktop.PolicyKit1.Authority"
	polkitAgentIface      = "org.freedesktop.PolicyKit1.AuthenticationAgent"
	polkitSessionIface    = "org.freedesktop.PolicyKit1.AuthenticationAgent.Session"
	subjectKindUnixSession = "unix-session"
)

// RegisterAgent registers conn as the session's PolicyKit authentication
// agent, exporting an object implementing
// org.freedesktop.PolicyKit1.AuthenticationAgent so polkitd routes
// authentication requests to dispatch. sessionID is the caller's own
// XDG session id (from $XDG_SESSION_ID or logind), used as the subject.
func RegisterAgent(conn *dbus.Conn, dispatch *DBusDispatcher, sessionID, locale string) error {
	if err := conn.Export(dispatch, AgentObjectPath, polkitAgentIface); err != nil {
		return fmt.Errorf("export authentication agent: %w", err)
	}

	subject := dbus.MakeVariant(struct {
		Kind    string
		Details map[string]dbus.Variant
	}{
		Kind:    subjectKindUnixSession,
		Details: map[string]dbus.Variant{"session-id": dbus.MakeVariant(sessionID)},
	})

	authority := conn.Object(polkitBusName, dbus.ObjectPath(polkitObjectPath))
	call := authority.Call(polkitAuthorityIface+".RegisterAuthenticationAgent", 0, subject, locale, AgentObjectPath)
	if call.Err != nil {
		return fmt.Errorf("register authentication agent: %w", call.Err)
	}
	return nil
}

// UnregisterAgent reverses RegisterAgent, best-effort, at shutdown.
func UnregisterAgent(conn *dbus.Conn, sessionID string) error {
	subject := dbus.MakeVariant(struct {
		Kind    string
		Details map[string]dbus.Variant
	}{
		Kind:    subjectKindUnixSession,
		Details: map[string]dbus.Variant{"session-id": dbus.MakeVariant(sessionID)},
	})
	authority := conn.Object(polkitBusName, dbus.ObjectPath(polkitObjectPath))
	call := authority.Call(polkitAuthorityIface+".UnregisterAuthenticationAgent", 0, subject, AgentObjectPath)
	return call.Err
}

// DBusDispatcher implements org.freedesktop.PolicyKit1.AuthenticationAgent
// on the session bus, translating polkitd's BeginAuthentication/
// CancelAuthentication calls into Bridge calls, and exposes
// NewSessionFactory to drive Bridge's outbound side (per-attempt
// AuthenticationSession proxy objects owned by polkitd, not us).
type DBusDispatcher struct {
	conn   *dbus.Conn
	bridge *Bridge

	mu      sync.Mutex
	signals map[string]chan *dbus.Signal // cookie -> this attempt's session-signal feed
}

// NewDBusDispatcher creates a dispatcher. Call RegisterAgent afterward to
// export it and announce it to polkitd. bridge may be nil at construction
// time — NewSessionFactory's closure never touches it — so long as
// SetBridge is called with the real Bridge before BeginAuthentication can
// be invoked (i.e. before RegisterAgent makes the dispatcher reachable from
// the bus). This two-phase wiring exists because the daemon's startup order
// is dispatcher -> SessionFactory -> agent.Agent (which owns the Bridge) ->
// RegisterAgent, not the other way around.
func NewDBusDispatcher(conn *dbus.Conn, bridge *Bridge) *DBusDispatcher {
	return &DBusDispatcher{conn: conn, bridge: bridge, signals: make(map[string]chan *dbus.Signal)}
}

// SetBridge completes construction for callers that needed a SessionFactory
// before the Bridge existed.
func (d *DBusDispatcher) SetBridge(bridge *Bridge) { d.bridge = bridge }

// BeginAuthentication is the D-Bus method polkitd calls to start an
// authentication attempt. Matches the AuthenticationAgent interface's
// signature (action_id, message, icon_name, details, cookie, identities).
func (d *DBusDispatcher) BeginAuthentication(actionID, message, iconName string, details map[string]string, cookie string, identities []dbus.Variant) *dbus.Error {
	err := d.bridge.InitiateAuthentication(actionID, message, iconName, "", details, cookie, func(gained bool) {
		slog.Debug("polkit authentication attempt finished", "cookie", cookie, "gained", gained)
	})
	if err != nil {
		return dbus.NewError(polkitAgentIface+".Failed", []interface{}{err.Error()})
	}
	return nil
}

// CancelAuthentication is the D-Bus method polkitd calls to cancel a
// specific in-progress attempt by cookie.
func (d *DBusDispatcher) CancelAuthentication(cookie string) *dbus.Error {
	d.bridge.CancelPending(cookie)
	return nil
}

// NewSessionFactory returns a SessionFactory that drives a real
// org.freedesktop.PolicyKit1.AuthenticationSession object via D-Bus method
// calls and signal subscriptions. polkitd itself owns the session object's
// lifecycle once BeginAuthentication returns; this factory's job is solely
// to call its Initiate/SetResponse/Cancel methods and translate its
// Request/Completed/ShowError/ShowInfo signals into SessionHooks calls.
func (d *DBusDispatcher) NewSessionFactory() SessionFactory {
	return func(cookie, actionID string, details map[string]string, hooks SessionHooks) (SessionHandle, error) {
		return newDBusSession(d.conn, cookie, hooks), nil
	}
}

type dbusSession struct {
	conn   *dbus.Conn
	cookie string
	hooks  SessionHooks
}

func newDBusSession(conn *dbus.Conn, cookie string, hooks SessionHooks) *dbusSession {
	return &dbusSession{conn: conn, cookie: cookie, hooks: hooks}
}

func (s *dbusSession) Initiate() error {
	signals := make(chan *dbus.Signal, 16)
	s.conn.Signal(signals)
	matchRule := fmt.Sprintf("type='signal',interface='%s',path='%s'", polkitSessionIface, s.sessionPath())
	if call := s.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, matchRule); call.Err != nil {
		return call.Err
	}
	go s.pump(signals)

	obj := s.conn.Object(polkitBusName, s.sessionPath())
	return obj.Call(polkitSessionIface+".Initiate", 0, []dbus.Variant{}).Err
}

func (s *dbusSession) sessionPath() dbus.ObjectPath {
	return dbus.ObjectPath("/org/freedesktop/PolicyKit1/Session/" + sanitizeCookie(s.cookie))
}

func sanitizeCookie(cookie string) string {
	out := make([]byte, 0, len(cookie))
	for _, r := range cookie {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, byte(r))
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}

func (s *dbusSession) pump(signals chan *dbus.Signal) {
	for sig := range signals {
		if sig.Path != s.sessionPath() {
			continue
		}
		switch sig.Name {
		case polkitSessionIface + ".Request":
			if len(sig.Body) >= 2 {
				prompt, _ := sig.Body[0].(string)
				echo, _ := sig.Body[1].(bool)
				if s.hooks.OnRequest != nil {
					s.hooks.OnRequest(prompt, echo)
				}
			}
		case polkitSessionIface + ".Completed":
			if len(sig.Body) >= 1 {
				gained, _ := sig.Body[0].(bool)
				if s.hooks.OnCompleted != nil {
					s.hooks.OnCompleted(gained)
				}
			}
			return
		case polkitSessionIface + ".ShowError":
			if len(sig.Body) >= 1 {
				text, _ := sig.Body[0].(string)
				if s.hooks.OnError != nil {
					s.hooks.OnError(text)
				}
			}
		case polkitSessionIface + ".ShowInfo":
			if len(sig.Body) >= 1 {
				text, _ := sig.Body[0].(string)
				if s.hooks.OnInfo != nil {
					s.hooks.OnInfo(text)
				}
			}
		}
	}
}

func (s *dbusSession) SetResponse(response string) error {
	obj := s.conn.Object(polkitBusName, s.sessionPath())
	return obj.Call(polkitSessionIface+".SetResponse", 0, response).Err
}

func (s *dbusSession) Cancel() error {
	obj := s.conn.Object(polkitBusName, s.sessionPath())
	return obj.Call(polkitSessionIface+".Cancel", 0).Err
}
