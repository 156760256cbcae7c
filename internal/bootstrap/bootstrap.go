// Package bootstrap reads the daemon's optional bootstrap state file, per
// spec.md §6.4: a key=value file written by an external provisioning step
// (the companion setup that first brings a user's session up) that the
// daemon surfaces verbatim in its `pong` reply so a connecting UI can learn
// what mode it started in without a second round-trip.
package bootstrap

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// DefaultPath returns <XDG_STATE_HOME or ~/.local/state>/authbrokerd/bootstrap-state.env.
func DefaultPath() string {
	stateHome := os.Getenv("XDG_STATE_HOME")
	if stateHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		stateHome = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(stateHome, "authbrokerd", "bootstrap-state.env")
}

// Load parses path as `key=value` lines, `#`-prefixed comments ignored.
// `timestamp` is parsed as an int64; every other key stays a string. A
// missing file is not an error — it yields a nil map, matching "bootstrap
// state is optional" in spec.md §4.6. AUTHBROKERD_MODE, if set, overrides
// whatever `mode` the file carries.
func Load(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return applyModeOverride(nil), nil
		}
		return nil, err
	}

	out := make(map[string]any)
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "timestamp" {
			if ts, err := strconv.ParseInt(value, 10, 64); err == nil {
				out[key] = ts
				continue
			}
		}
		out[key] = value
	}
	return applyModeOverride(out), nil
}

func applyModeOverride(m map[string]any) map[string]any {
	mode := os.Getenv("AUTHBROKERD_MODE")
	if mode == "" {
		return m
	}
	if m == nil {
		m = make(map[string]any)
	}
	m["mode"] = mode
	return m
}

// Watcher reloads the bootstrap file whenever its parent directory reports
// a write or rename (provisioning tools write state atomically, via
// rename-into-place, so watching CREATE/WRITE/RENAME on the directory
// rather than the file itself is required to observe the update).
type Watcher struct {
	mu      sync.Mutex
	path    string
	current map[string]any
	watcher *fsnotify.Watcher
	onLoad  func(map[string]any)
}

// NewWatcher loads path once and starts watching its directory for
// updates, invoking onLoad (if non-nil) on every successful reload. The
// directory need not exist yet; NewWatcher tolerates that and simply never
// picks up a file that never appears.
func NewWatcher(path string, onLoad func(map[string]any)) (*Watcher, error) {
	initial, err := Load(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{path: path, current: initial, onLoad: onLoad}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}
	w.watcher = fw

	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	base := filepath.Base(w.path)
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			data, err := Load(w.path)
			if err != nil {
				continue
			}
			w.mu.Lock()
			w.current = data
			w.mu.Unlock()
			if w.onLoad != nil {
				w.onLoad(data)
			}
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Current returns the most recently loaded bootstrap data.
func (w *Watcher) Current() map[string]any {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
