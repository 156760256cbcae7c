package resolver

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// buildDesktopIndex walks dirs for `*.desktop` files and parses the
// `[Desktop Entry]` section of each, matching
// original_source/RequestContext.cpp::ensureDesktopIndex. This is a small
// hand-rolled key=value reader rather than a general INI library: the
// format here is five keys under one fixed section, not an arbitrary
// multi-section document.
func buildDesktopIndex(dirs []string) []DesktopEntry {
	var index []DesktopEntry
	seen := make(map[string]bool)

	for _, dir := range dirs {
		_ = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
			if err != nil || info == nil || info.IsDir() {
				return nil
			}
			if !strings.HasSuffix(path, ".desktop") {
				return nil
			}
			id := filepath.Base(path)
			if seen[id] {
				return nil
			}
			entry, ok := parseDesktopEntry(path)
			if !ok {
				return nil
			}
			seen[id] = true
			index = append(index, entry)
			return nil
		})
	}
	return index
}

// parseDesktopEntry reads the [Desktop Entry] section of a .desktop file.
// Entries with NoDisplay=true are skipped, and entries with no Name are
// skipped, matching the teacher source's index-building rules.
func parseDesktopEntry(path string) (DesktopEntry, bool) {
	f, err := os.Open(path)
	if err != nil {
		return DesktopEntry{}, false
	}
	defer f.Close()

	entry := DesktopEntry{DesktopID: filepath.Base(path)}
	inSection := false
	noDisplay := false

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			inSection = line == "[Desktop Entry]"
			continue
		}
		if !inSection {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "Name":
			entry.Name = value
		case "Icon":
			entry.IconName = value
		case "Exec":
			entry.Exec = strings.Trim(firstField(value), `"`)
		case "TryExec":
			entry.TryExec = value
		case "NoDisplay":
			noDisplay = value == "true"
		}
	}

	if noDisplay || entry.Name == "" {
		return DesktopEntry{}, false
	}
	return entry, true
}

func firstField(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
