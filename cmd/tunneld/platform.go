package main

import (
	"fmt"
	"net/netip"

	"ianus-tunnel/internal/config"
	"ianus-tunnel/internal/dnsmonitor"
	"ianus-tunnel/internal/firewall"
	"ianus-tunnel/internal/tstate"
)

// applyCommonSettings copies the YAML-level settings onto a freshly built
// SharedTunnelStateValues, the part every platform factory shares. Capability
// construction (firewall/dns/routes/split-tunnel/worker) stays per-OS; these
// field assignments don't.
func applyCommonSettings(shared *tstate.SharedTunnelStateValues, cfg config.Config) error {
	shared.AllowLAN = cfg.AllowLAN
	shared.AppleServicesBypass = false

	servers := make([]netip.Addr, 0, len(cfg.DNS.Servers))
	for _, s := range cfg.DNS.Servers {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return fmt.Errorf("[Core] dns.servers: parse %q: %w", s, err)
		}
		servers = append(servers, addr)
	}
	shared.DNSConfig = dnsmonitor.Config{Servers: servers}

	if cfg.AllowedEndpoint != "" {
		ep, err := netip.ParseAddrPort(cfg.AllowedEndpoint)
		if err != nil {
			return fmt.Errorf("[Core] allowed_endpoint: parse %q: %w", cfg.AllowedEndpoint, err)
		}
		shared.AllowedEndpoint = firewall.AllowedEndpoint{Endpoint: ep, Clients: firewall.AllowedClientsRootOnly}
	}

	if len(cfg.ExcludedApps) > 0 {
		if _, err := shared.SplitTunnel.SetExcludedApps(cfg.ExcludedApps); err != nil {
			return fmt.Errorf("[Core] set excluded apps: %w", err)
		}
	}

	return nil
}
