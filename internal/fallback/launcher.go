// Package fallback launches a headless-safe authentication UI provider
// when no provider is registered while sessions remain live, per
// spec.md §4.11. Grounded on the teacher's service/install.go pattern of
// locating a sibling executable next to the running binary, and on
// companion/check.go's posture of logging failures rather than treating
// them as fatal to the daemon itself.
package fallback

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// EnvOverride names the environment variable that, if set, names the
// fallback UI executable directly, bypassing the sibling-binary search.
const EnvOverride = "AUTHBROKERD_FALLBACK_UI"

// Launcher probes for and starts a fallback UI provider process, rate
// limited by a cooldown so a UI that crashes on startup cannot be
// relaunched in a tight loop.
type Launcher struct {
	mu         sync.Mutex
	socketPath string
	uiPath     string
	stateDir   string
	cooldown   time.Duration
	lastTry    time.Time
	logf       func(format string, args ...any)
}

// New builds a Launcher. uiPath overrides both EnvOverride and the
// sibling-binary search when non-empty (set from the config file's
// fallback_ui_path). stateDir is where the fallback UI is expected to
// drop a "fallback-ui.pid" file naming its own pid, so a second launch
// attempt can detect one is already running. logf defaults to a no-op
// if nil.
func New(socketPath, uiPath, stateDir string, cooldown time.Duration, logf func(string, ...any)) *Launcher {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Launcher{socketPath: socketPath, uiPath: uiPath, stateDir: stateDir, cooldown: cooldown, logf: logf}
}

// pidFilePath returns the path a fallback UI process is expected to write
// its own pid to.
func (l *Launcher) pidFilePath() string {
	return filepath.Join(l.stateDir, "fallback-ui.pid")
}

// alreadyRunning reports whether the pid recorded in the fallback UI's
// pid file still names a live process under our uid.
func (l *Launcher) alreadyRunning() bool {
	data, err := os.ReadFile(l.pidFilePath())
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Launch attempts to start the fallback UI if the cooldown has elapsed,
// no instance is already running per the pid-file probe, and a candidate
// executable can be located, and logs (but never panics or returns an
// error the caller must handle) on any failure, per spec.md §4.11's
// "best-effort, never fatal" requirement.
func (l *Launcher) Launch() {
	l.mu.Lock()
	if !l.lastTry.IsZero() && time.Since(l.lastTry) < l.cooldown {
		l.mu.Unlock()
		return
	}
	l.lastTry = time.Now()
	l.mu.Unlock()

	if l.alreadyRunning() {
		l.logf("fallback: a UI provider is already running, skipping launch")
		return
	}

	path, err := l.resolve()
	if err != nil {
		l.logf("fallback: no UI executable found: %v", err)
		return
	}

	cmd := exec.Command(path, "--socket", l.socketPath)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		l.logf("fallback: launching %s failed: %v", path, err)
		return
	}
	l.logf("fallback: launched %s (pid %d)", path, cmd.Process.Pid)

	// Detach fully: release so the child isn't reaped as our own zombie.
	_ = cmd.Process.Release()
}

// resolve locates the fallback UI executable, in priority order: the
// explicit uiPath passed to New, the AUTHBROKERD_FALLBACK_UI environment
// variable, then a binary named "authbroker-ui" alongside the running
// daemon executable.
func (l *Launcher) resolve() (string, error) {
	if l.uiPath != "" {
		return verifyExecutable(l.uiPath)
	}
	if env := os.Getenv(EnvOverride); env != "" {
		return verifyExecutable(env)
	}

	self, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolving own executable: %w", err)
	}
	sibling := filepath.Join(filepath.Dir(self), "authbroker-ui")
	return verifyExecutable(sibling)
}

func verifyExecutable(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", path)
	}
	if info.Mode()&0o111 == 0 {
		return "", fmt.Errorf("%s is not executable", path)
	}
	return path, nil
}
