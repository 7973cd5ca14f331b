//go:build windows

package dnsmonitor

import (
	"fmt"
	"os/exec"
	"strconv"
)

// NetshMonitor implements Monitor by configuring DNS servers on a named
// interface via netsh, adapted from the teacher's gateway.Adapter.SetDNS.
// interfaceName here is the Windows interface alias, not an index — Set
// receives it on each call and remembers it for ResetBeforeInterfaceRemoval.
type NetshMonitor struct {
	interfaceName string
	cleared       bool
}

func NewNetshMonitor() *NetshMonitor { return &NetshMonitor{} }

func (m *NetshMonitor) Set(interfaceName string, cfg ResolvedDNSConfig) error {
	m.interfaceName = interfaceName
	if len(cfg.Servers) == 0 {
		return nil
	}

	out, err := exec.Command("netsh", "interface", "ipv4", "set", "dnsservers",
		fmt.Sprintf("name=%q", interfaceName), "static", cfg.Servers[0].String(),
		"register=none", "validate=no",
	).CombinedOutput()
	if err != nil {
		return fmt.Errorf("[DNS] netsh set dnsservers: %s: %w", string(out), err)
	}

	for i := 1; i < len(cfg.Servers); i++ {
		out, err := exec.Command("netsh", "interface", "ipv4", "add", "dnsservers",
			fmt.Sprintf("name=%q", interfaceName), cfg.Servers[i].String(),
			"index="+strconv.Itoa(i+1), "validate=no",
		).CombinedOutput()
		if err != nil {
			return fmt.Errorf("[DNS] netsh add dnsservers %s: %s: %w", cfg.Servers[i], string(out), err)
		}
	}

	exec.Command("ipconfig", "/flushdns").Run()
	m.cleared = false
	return nil
}

// ResetBeforeInterfaceRemoval restores the interface to DHCP-assigned DNS.
// Safe to call even if Set was never called: the interface may already be
// gone by the time this runs, in which case netsh's failure is non-fatal —
// there is nothing left to clean up.
func (m *NetshMonitor) ResetBeforeInterfaceRemoval() error {
	if m.cleared || m.interfaceName == "" {
		return nil
	}
	// Best effort: the adapter may already be mid-teardown, in which case
	// netsh failing here is expected and not worth surfacing.
	exec.Command("netsh", "interface", "ipv4", "set", "dnsservers",
		fmt.Sprintf("name=%q", m.interfaceName), "dhcp",
	).Run()
	exec.Command("ipconfig", "/flushdns").Run()
	m.cleared = true
	return nil
}
