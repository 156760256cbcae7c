// authbrokerd is a per-user authentication broker daemon: it multiplexes
// interactive credential prompts from PolicyKit, a keyring prompter, and
// GPG pinentry onto a single set of pluggable UI providers reached over a
// local socket.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"

	"github.com/authbrokerd/authbrokerd/internal/agent"
	"github.com/authbrokerd/authbrokerd/internal/bootstrap"
	"github.com/authbrokerd/authbrokerd/internal/config"
	"github.com/authbrokerd/authbrokerd/internal/daemon"
	"github.com/authbrokerd/authbrokerd/internal/debugserver"
	"github.com/authbrokerd/authbrokerd/internal/doctor"
	"github.com/authbrokerd/authbrokerd/internal/fallback"
	"github.com/authbrokerd/authbrokerd/internal/ipc"
	"github.com/authbrokerd/authbrokerd/internal/logging"
	"github.com/authbrokerd/authbrokerd/internal/notification"
	"github.com/authbrokerd/authbrokerd/internal/polkit"
	"github.com/authbrokerd/authbrokerd/internal/resolver"
)

// version is overridden at link time with -ldflags "-X main.version=...".
var version = "2.0.0-dev"

var progName = filepath.Base(os.Args[0])

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "doctor":
		runDoctor(os.Args[2:])
	case "ping", "list", "respond", "cancel":
		runCLI(os.Args[1], os.Args[2:])
	case "-h", "--help", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s <command> [options]

Commands:
  serve     Run the authentication broker daemon
  doctor    Validate the daemon's runtime directories and socket
  ping      Health/capability probe over the local socket
  list      Subscribe and print the current session snapshot
  respond   Submit a session.respond for a cookie
  cancel    Submit a session.cancel for a cookie

Run '%s <command> -h' for command-specific help.
`, progName, progName)
}

func configFilePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return config.DefaultPath()
}

func runDoctor(args []string) {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)

	cfg, err := config.Load(configFilePath(*configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	results := doctor.Run(cfg)
	failed := false
	for _, r := range results {
		status := "ok"
		if !r.Pass {
			status = "FAIL"
			failed = true
		}
		fmt.Printf("[%s] %-28s %s\n", status, r.Name, r.Message)
	}
	if failed {
		os.Exit(1)
	}
}

// deferredConn lets an agent.Sender/agent.PeerResolver be handed to
// agent.New before the *ipc.Server implementing them exists — the daemon's
// startup order is necessarily agent -> server (the server's Dispatcher is
// the agent) but the agent also needs a Sender/PeerResolver back onto the
// server, per spec.md §9's "weak cross-object graph" design note.
type deferredConn struct{ server **ipc.Server }

func (d deferredConn) Send(conn agent.ConnID, msg any) { (*d.server).Send(conn, msg) }
func (d deferredConn) PeerPID(conn agent.ConnID) int32 { return (*d.server).PeerPID(conn) }

type resolverAdapter struct{ r *resolver.Resolver }

func (a resolverAdapter) Resolve(pid int32) resolver.ActorInfo { return a.r.Resolve(pid) }

// runServe wires every component in spec.md §4 into a running daemon: the
// agent (session store, provider registry, event router, managers), the
// local socket IPC server, the polkit D-Bus bridge, the bootstrap state
// watcher, the fallback UI launcher, and a desktop notifier for when no
// provider is responding.
func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	socketPath := fs.String("socket", "", "local socket path (default: $XDG_RUNTIME_DIR/authbrokerd.sock)")
	logFormat := fs.String("log-format", "", "log format: text or json")
	logLevel := fs.String("log-level", "", "log level: debug, info, warn, error")
	debugAddr := fs.String("debug-addr", "", "optional host:port serving a read-only /debug/events websocket stream of the core's event feed")
	fs.Parse(args)

	cfg, err := config.Load(configFilePath(*configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}
	if *socketPath != "" {
		cfg.SocketPath = *socketPath
	}
	if *logFormat != "" {
		cfg.LogFormat = *logFormat
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	setupLogging(cfg.LogLevel, cfg.LogFormat)
	audit := logging.New(parseLevel(cfg.LogLevel), "authbrokerd")

	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		slog.Error("creating state directory", "dir", cfg.StateDir, "error", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.SocketPath), 0o700); err != nil {
		slog.Error("creating socket directory", "dir", cfg.SocketPath, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res := resolver.New(int32(os.Getuid()))

	sessionFactory, finishPolkit, closePolkit := setupPolkitFactory()
	defer closePolkit()

	var server *ipc.Server
	a := agent.New(
		agent.Config{
			HistoryLimit:          cfg.HistoryLimit,
			RequireActiveProvider: cfg.RequireActiveProvider,
			Version:               version,
		},
		deferredConn{&server},
		deferredConn{&server},
		resolverAdapter{res},
		func() string { return uuid.NewString() },
		sessionFactory,
	)
	finishPolkit(a)
	a.SetAuditLogger(audit)

	if *debugAddr != "" {
		dbg := debugserver.New(*debugAddr)
		a.SetDebugBroadcaster(dbg.Broadcast)
		go func() {
			if err := dbg.Serve(); err != nil {
				slog.Warn("debug event server stopped", "error", err)
			}
		}()
		defer dbg.Close()
		slog.Info("debug event stream listening", "addr", *debugAddr)
	}

	server, err = ipc.NewServer(cfg.SocketPath, a)
	if err != nil {
		slog.Error("binding local socket", "path", cfg.SocketPath, "error", err)
		os.Exit(1)
	}
	defer server.Close()

	bw, err := bootstrap.NewWatcher(bootstrap.DefaultPath(), nil)
	if err != nil {
		slog.Warn("bootstrap state watcher unavailable", "error", err)
	} else {
		defer bw.Close()
		a.SetBootstrap(func() map[string]any { return bw.Current() })
	}

	notifier, notifyErr := notification.NewDBusNotifier()
	if notifyErr != nil {
		slog.Warn("desktop notifications unavailable", "error", notifyErr)
	} else {
		defer notifier.Stop()
	}

	launcher := fallback.New(cfg.SocketPath, cfg.FallbackUIPath, cfg.StateDir, time.Duration(cfg.FallbackCooldown), func(format string, args ...any) {
		slog.Info(fmt.Sprintf(format, args...))
	})
	a.SetFallbackHook(func() {
		launcher.Launch()
		if notifier != nil && cfg.NotificationsEnabled() {
			if err := notification.NoActiveProvider(notifier); err != nil {
				slog.Debug("sending no-active-provider notification", "error", err)
			}
		}
	})

	go func() {
		if err := server.Serve(); err != nil {
			slog.Error("ipc server stopped", "error", err)
		}
	}()

	ticker := time.NewTicker(time.Duration(cfg.MaintenanceTick))
	defer ticker.Stop()

	audit.Info("daemon started", "socket", cfg.SocketPath, "version", version)
	slog.Info("authbrokerd ready", "socket", cfg.SocketPath)
	daemon.SdNotify("READY=1")

	for {
		select {
		case <-ticker.C:
			a.Maintain()
		case <-ctx.Done():
			audit.Info("daemon shutting down")
			a.PolkitBridge().CancelAuthentication()
			return
		}
	}
}

// setupPolkitFactory connects to the session bus and returns a
// SessionFactory that drives real PolicyKit AuthenticationSession objects.
// A missing or unreachable session bus is not fatal to the daemon — the
// keyring and pinentry managers have nothing to do with D-Bus — so on
// failure this returns a factory that always errors, and InitiateAuthentication
// calls (which only ever originate from polkitd itself, which isn't running
// either in that case) simply never succeed.
func setupPolkitFactory() (polkit.SessionFactory, func(*agent.Agent), func()) {
	noopFinish := func(*agent.Agent) {}

	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		slog.Warn("polkit agent bridge unavailable: no session bus", "error", err)
		errFactory := func(string, string, map[string]string, polkit.SessionHooks) (polkit.SessionHandle, error) {
			return nil, fmt.Errorf("no D-Bus session bus available")
		}
		return errFactory, noopFinish, func() {}
	}

	dispatcher := polkit.NewDBusDispatcher(conn, nil)

	// finishPolkit completes the two-phase polkit wiring: now that a is
	// built and owns a *polkit.Bridge, attach it to the dispatcher and
	// register with polkitd as this session's authentication agent.
	finishPolkit := func(a *agent.Agent) {
		dispatcher.SetBridge(a.PolkitBridge())

		sessionID := os.Getenv("XDG_SESSION_ID")
		if sessionID == "" {
			slog.Warn("XDG_SESSION_ID unset; skipping polkit agent registration")
			return
		}
		if err := polkit.RegisterAgent(conn, dispatcher, sessionID, "en_US.UTF-8"); err != nil {
			slog.Warn("registering polkit authentication agent", "error", err)
		}
	}

	return dispatcher.NewSessionFactory(), finishPolkit, func() {
		_ = polkit.UnregisterAgent(conn, os.Getenv("XDG_SESSION_ID"))
		conn.Close()
	}
}

func setupLogging(level, format string) {
	lvl := parseLevel(level)
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
