// Package splittunnel implements the exclude-list driver capability: a set
// of process-path patterns that should bypass the tunnel entirely, adapted
// from the teacher's process-path rule matcher but narrowed to the single
// include/exclude question the tunnel state machine needs (the teacher's
// multi-tunnel routing decision is out of scope here).
package splittunnel

import (
	"path/filepath"
	"strings"
	"sync"
)

// Driver is the capability SharedTunnelStateValues exposes for split
// tunneling. SetExcludedApps reports whether applying the new list required
// recreating the underlying OS driver/interface (e.g. Windows' WFP
// callout or a Linux cgroup), which callers use to decide whether a
// firewall policy refresh is also needed.
type Driver interface {
	SetExcludedApps(paths []string) (interfaceChanged bool, err error)
	ExcludedApps() []string
	IsExcluded(exePath string) bool
}

// PatternDriver matches process paths against glob-like patterns the same
// way the teacher's process.MatchPattern does: exact exe name, substring of
// exe name, or a `dir\*`/`dir/*` prefix. It never changes an interface, so
// SetExcludedApps always reports interfaceChanged=false — this driver is a
// pure in-memory rule table, not a kernel-level process classifier.
type PatternDriver struct {
	mu       sync.RWMutex
	patterns []string
	lower    []string
}

func NewPatternDriver() *PatternDriver { return &PatternDriver{} }

func (d *PatternDriver) SetExcludedApps(paths []string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.patterns = append([]string(nil), paths...)
	d.lower = make([]string, len(paths))
	for i, p := range paths {
		d.lower[i] = strings.ToLower(p)
	}
	return false, nil
}

func (d *PatternDriver) ExcludedApps() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.patterns...)
}

func (d *PatternDriver) IsExcluded(exePath string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if exePath == "" {
		return false
	}
	exeLower := strings.ToLower(exePath)
	baseLower := filepath.Base(exeLower)

	for i, pattern := range d.patterns {
		if matchPattern(exeLower, baseLower, pattern, d.lower[i]) {
			return true
		}
	}
	return false
}

func matchPattern(exeLower, baseLower, pattern, patternLower string) bool {
	if patternLower == "" || exeLower == "" {
		return false
	}

	if strings.HasSuffix(pattern, `\*`) || strings.HasSuffix(pattern, `/*`) {
		dir := patternLower[:len(patternLower)-2]
		if len(exeLower) > len(dir) && strings.HasPrefix(exeLower, dir) {
			c := exeLower[len(dir)]
			return c == '\\' || c == '/'
		}
		return false
	}

	if strings.ContainsAny(pattern, `\/`) {
		matched, _ := filepath.Match(patternLower, exeLower)
		return matched
	}

	if baseLower == patternLower {
		return true
	}
	return strings.Contains(baseLower, patternLower)
}
