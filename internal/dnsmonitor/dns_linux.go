//go:build linux

package dnsmonitor

import (
	"fmt"
	"os"
	"sync"
)

// resolvConfPath is the file this monitor rewrites. Var so tests can point
// it at a scratch file instead of the real system resolver config.
var resolvConfPath = "/etc/resolv.conf"

// ResolvConfMonitor implements Monitor by rewriting /etc/resolv.conf
// directly, the same approach original_source falls back to on Linux when
// systemd-resolved isn't present to hand the interface a private DNS
// binding. No library in this pack speaks the resolved D-Bus API, so this
// is a deliberate stdlib-only implementation (see DESIGN.md).
type ResolvConfMonitor struct {
	mu       sync.Mutex
	saved    []byte
	hadSaved bool
}

func NewResolvConfMonitor() *ResolvConfMonitor {
	return &ResolvConfMonitor{}
}

// Set overwrites resolv.conf with the resolved servers, saving the prior
// contents on first call so ResetBeforeInterfaceRemoval can restore them.
// interfaceName is accepted to satisfy Monitor but unused: a resolv.conf
// rewrite is host-wide, not bound to one interface.
func (m *ResolvConfMonitor) Set(interfaceName string, cfg ResolvedDNSConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.hadSaved {
		prior, err := os.ReadFile(resolvConfPath)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("[DNS] read %s: %w", resolvConfPath, err)
		}
		m.saved = prior
		m.hadSaved = true
	}

	if len(cfg.Servers) == 0 {
		return nil
	}

	content := "# managed by the tunnel DNS monitor while connected\n"
	for _, s := range cfg.Servers {
		content += fmt.Sprintf("nameserver %s\n", s)
	}
	if err := os.WriteFile(resolvConfPath, []byte(content), 0644); err != nil {
		return fmt.Errorf("[DNS] write %s: %w", resolvConfPath, err)
	}
	return nil
}

// ResetBeforeInterfaceRemoval restores the resolv.conf contents saved by
// Set, run before the tunnel interface that justified the override
// disappears.
func (m *ResolvConfMonitor) ResetBeforeInterfaceRemoval() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.hadSaved {
		return nil
	}
	if err := os.WriteFile(resolvConfPath, m.saved, 0644); err != nil {
		return fmt.Errorf("[DNS] restore %s: %w", resolvConfPath, err)
	}
	m.hadSaved = false
	m.saved = nil
	return nil
}
