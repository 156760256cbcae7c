// Package resolver derives a human-readable "requestor" identity for an
// authentication prompt by walking the calling process's ancestry and
// matching it against the desktop-entry index, per spec.md §4.10.
package resolver

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/authbrokerd/authbrokerd/internal/procutil"
)

// MaxHops bounds the ancestry walk, matching
// original_source/RequestContext.cpp::resolveRequestorFromSubject.
const MaxHops = 16

// bridges are setuid helpers the walk steps through even when their uid
// differs from the resolver's own uid.
var bridges = map[string]bool{"pkexec": true, "sudo": true, "doas": true}

// ProcInfo is what the resolver read about one process on the ancestry walk.
type ProcInfo struct {
	PID     int32
	PPid    int32
	UID     int32
	Name    string
	Exe     string
	Cmdline string
}

// DesktopEntry is one parsed `*.desktop` file's relevant fields.
type DesktopEntry struct {
	DesktopID string
	Name      string
	IconName  string
	Exec      string
	TryExec   string
}

// ActorInfo is the resolved requestor identity returned to callers.
type ActorInfo struct {
	Proc           ProcInfo
	Desktop        *DesktopEntry
	DisplayName    string
	IconName       string
	FallbackLetter string
	FallbackKey    string
	Confidence     string // "desktop", "exe-only", "name-only", "unknown"
}

// Resolver resolves pids to ActorInfo, caching a desktop-entry index built
// lazily on first use. The zero value is not usable; use New.
type Resolver struct {
	agentUID int32

	indexOnce sync.Once
	index     []DesktopEntry

	// dataDirs overrides the XDG search path; nil means use the real
	// environment. Set by tests to point at a fixture directory.
	dataDirs []string
}

// New creates a resolver that treats agentUID as "my own processes" when
// deciding where the ancestry walk must stop.
func New(agentUID int32) *Resolver {
	return &Resolver{agentUID: agentUID}
}

// WithDataDirs overrides the desktop-entry search directories, for tests.
func (r *Resolver) WithDataDirs(dirs []string) *Resolver {
	r.dataDirs = dirs
	return r
}

func (r *Resolver) dirs() []string {
	if r.dataDirs != nil {
		return r.dataDirs
	}
	var dirs []string
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".local/share/applications"))
	}
	xdg := os.Getenv("XDG_DATA_DIRS")
	if xdg == "" {
		xdg = "/usr/local/share:/usr/share"
	}
	for _, d := range strings.Split(xdg, ":") {
		if d != "" {
			dirs = append(dirs, filepath.Join(d, "applications"))
		}
	}
	return dirs
}

func (r *Resolver) ensureIndex() {
	r.indexOnce.Do(func() {
		r.index = buildDesktopIndex(r.dirs())
	})
}

// readProcInfo reads what's available for pid from /proc, returning false
// if even the mandatory status read fails (process already gone).
func readProcInfo(pid int32) (ProcInfo, bool) {
	st, ok := procutil.ReadStatus(pid)
	if !ok {
		return ProcInfo{}, false
	}
	return ProcInfo{
		PID:     pid,
		PPid:    st.PPid,
		UID:     st.UID,
		Name:    st.Name,
		Exe:     procutil.ReadExe(pid),
		Cmdline: procutil.ReadCmdline(pid),
	}, true
}

// Resolve walks the ancestry starting at subjectPid, matching each process
// against the desktop-entry index, per spec.md §4.10.
func (r *Resolver) Resolve(subjectPid int32) ActorInfo {
	r.ensureIndex()

	var actor ActorInfo
	pid := subjectPid

	for hops := 0; pid > 1 && hops < MaxHops; hops++ {
		info, ok := readProcInfo(pid)
		if !ok {
			break
		}

		isBridge := bridges[info.Name]

		if info.UID != r.agentUID && r.agentUID != 0 && !isBridge {
			break
		}

		if !isBridge && info.UID == r.agentUID {
			actor.Proc = info
		}

		var d *DesktopEntry
		if info.Exe != "" {
			d = r.findDesktop(info.Exe)
		}
		if d == nil && info.Name != "" {
			d = r.findDesktop(info.Name)
		}

		if d != nil {
			actor.Proc = info
			actor.Desktop = d
			actor.Confidence = "desktop"
			break
		}

		if info.PPid <= 1 || info.PPid == pid {
			break
		}
		pid = info.PPid
	}

	if actor.Confidence == "" {
		switch {
		case actor.Proc.Exe != "":
			actor.Confidence = "exe-only"
		case actor.Proc.Name != "":
			actor.Confidence = "name-only"
		default:
			actor.Confidence = "unknown"
		}
	}

	switch {
	case actor.Desktop != nil:
		actor.DisplayName = actor.Desktop.Name
		actor.IconName = actor.Desktop.IconName
	case actor.Proc.Exe != "":
		actor.DisplayName = filepath.Base(actor.Proc.Exe)
		actor.IconName = strings.ToLower(trimExt(filepath.Base(actor.Proc.Exe)))
	case actor.Proc.Name != "":
		actor.DisplayName = actor.Proc.Name
		actor.IconName = strings.ToLower(actor.Proc.Name)
	default:
		actor.DisplayName = "Unknown"
	}

	if actor.DisplayName != "" {
		r := []rune(actor.DisplayName)
		actor.FallbackLetter = strings.ToUpper(string(r[0]))
	}
	if actor.Desktop != nil {
		actor.FallbackKey = actor.Desktop.DesktopID
	} else {
		actor.FallbackKey = strings.ToLower(actor.DisplayName)
	}

	return actor
}

func trimExt(base string) string {
	if i := strings.LastIndexByte(base, '.'); i > 0 {
		return base[:i]
	}
	return base
}

// findDesktop runs the five-tier match against exeOrName (either a full exe
// path or a bare process name), per
// original_source/RequestContext.cpp::findDesktopForExe.
func (r *Resolver) findDesktop(exeOrName string) *DesktopEntry {
	base := filepath.Base(exeOrName)
	want := base + ".desktop"

	for i := range r.index {
		if r.index[i].DesktopID == want {
			return &r.index[i]
		}
	}
	for i := range r.index {
		if strings.EqualFold(r.index[i].DesktopID, want) {
			return &r.index[i]
		}
	}
	for i := range r.index {
		if r.index[i].Exec != "" && filepath.Base(r.index[i].Exec) == base {
			return &r.index[i]
		}
	}
	for i := range r.index {
		if r.index[i].TryExec != "" && filepath.Base(r.index[i].TryExec) == base {
			return &r.index[i]
		}
	}
	for i := range r.index {
		if strings.EqualFold(r.index[i].Name, base) {
			return &r.index[i]
		}
	}
	return nil
}

// NormalizePrompt trims whitespace and strips one trailing ASCII or
// fullwidth (U+FF1A) colon, matching
// original_source/RequestContext.cpp::normalizePrompt exactly — no broader
// fullwidth-punctuation handling is specified or implemented.
func NormalizePrompt(s string) string {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasSuffix(s, ":"):
		s = s[:len(s)-1]
	case strings.HasSuffix(s, "："):
		s = strings.TrimSuffix(s, "：")
	}
	return strings.TrimSpace(s)
}
