// Package doctor runs read-only preflight checks against a daemon
// deployment, surfaced by the `authbrokerctl doctor` subcommand, per
// spec.md §4.11. Grounded on the teacher's internal/companion/check.go
// struct-of-checks-with-fix-hints pattern, generalized from validating a
// provisioned companion user to validating the runtime directories,
// config file, and socket reachability this daemon depends on.
package doctor

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/authbrokerd/authbrokerd/internal/config"
)

// CheckResult holds the outcome of a single validation check.
type CheckResult struct {
	Name    string
	Pass    bool
	Message string
}

// Run validates cfg's socket and directories are usable and returns one
// CheckResult per component. All checks are read-only and never require
// root.
func Run(cfg *config.Config) []CheckResult {
	var results []CheckResult

	results = append(results, checkDir("state directory", cfg.StateDir))
	results = append(results, checkDir("config directory", filepath.Dir(config.DefaultPath())))
	results = append(results, checkSocketDir(cfg.SocketPath))
	results = append(results, checkSocketReachable(cfg.SocketPath))

	return results
}

func checkDir(name, path string) CheckResult {
	info, err := os.Stat(path)
	ok := err == nil && info.IsDir()
	return CheckResult{
		Name: name,
		Pass: ok,
		Message: passOrFix(ok,
			fmt.Sprintf("%q exists", path),
			fmt.Sprintf("run: mkdir -p %s", path),
		),
	}
}

func checkSocketDir(socketPath string) CheckResult {
	dir := filepath.Dir(socketPath)
	info, err := os.Stat(dir)
	ok := err == nil && info.IsDir()
	return CheckResult{
		Name: "socket directory exists",
		Pass: ok,
		Message: passOrFix(ok,
			fmt.Sprintf("%q exists", dir),
			fmt.Sprintf("run: mkdir -p %s", dir),
		),
	}
}

// checkSocketReachable dials the configured socket with a short timeout.
// A connection refused or missing-file error is reported as a fix hint to
// start the daemon, never as a fatal error from doctor itself.
func checkSocketReachable(socketPath string) CheckResult {
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	ok := err == nil
	if ok {
		conn.Close()
	}
	return CheckResult{
		Name: "daemon socket reachable",
		Pass: ok,
		Message: passOrFix(ok,
			fmt.Sprintf("connected to %q", socketPath),
			fmt.Sprintf("daemon not reachable at %q: %v (is authbrokerd running?)", socketPath, err),
		),
	}
}

func passOrFix(ok bool, passMsg, fixMsg string) string {
	if ok {
		return passMsg
	}
	return fixMsg
}
