//go:build linux

package dnsmonitor

import (
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func withScratchResolvConf(t *testing.T, initial string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "resolv.conf")
	if initial != "" {
		if err := os.WriteFile(path, []byte(initial), 0644); err != nil {
			t.Fatalf("seed resolv.conf: %v", err)
		}
	}
	prior := resolvConfPath
	resolvConfPath = path
	t.Cleanup(func() { resolvConfPath = prior })
	return path
}

func TestResolvConfMonitor_SetWritesServers(t *testing.T) {
	path := withScratchResolvConf(t, "nameserver 1.1.1.1\n")

	m := NewResolvConfMonitor()
	cfg := ResolvedDNSConfig{Servers: []netip.Addr{netip.MustParseAddr("10.0.0.1")}}
	if err := m.Set("tun0", cfg); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read resolv.conf: %v", err)
	}
	if want := "nameserver 10.0.0.1\n"; !strings.Contains(string(got), want) {
		t.Errorf("resolv.conf = %q, want it to contain %q", got, want)
	}
}

func TestResolvConfMonitor_ResetRestoresPriorContents(t *testing.T) {
	const original = "nameserver 1.1.1.1\n"
	path := withScratchResolvConf(t, original)

	m := NewResolvConfMonitor()
	if err := m.Set("tun0", ResolvedDNSConfig{Servers: []netip.Addr{netip.MustParseAddr("10.0.0.1")}}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := m.ResetBeforeInterfaceRemoval(); err != nil {
		t.Fatalf("ResetBeforeInterfaceRemoval: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read resolv.conf: %v", err)
	}
	if string(got) != original {
		t.Errorf("resolv.conf after reset = %q, want %q", got, original)
	}
}

func TestResolvConfMonitor_ResetWithoutSetIsNoop(t *testing.T) {
	withScratchResolvConf(t, "")
	m := NewResolvConfMonitor()
	if err := m.ResetBeforeInterfaceRemoval(); err != nil {
		t.Fatalf("ResetBeforeInterfaceRemoval: %v", err)
	}
}
