// Package dnsmonitor defines the DNS-configuration capability the tunnel
// state machine drives while a tunnel interface exists.
package dnsmonitor

import "net/netip"

// Config is the user-requested resolver list, loaded from configuration.
// Empty Servers means "use the tunnel's gateways".
type Config struct {
	Servers []netip.Addr
}

// ResolvedDNSConfig is the DNS server list with gateway-derived defaults
// substituted where the user left Config.Servers empty.
type ResolvedDNSConfig struct {
	Servers []netip.Addr
}

// Resolve produces the final DNS server list for a connected tunnel: the
// user's explicit servers if any were configured, otherwise the tunnel's
// own gateway addresses.
func (c Config) Resolve(gateways []netip.Addr) ResolvedDNSConfig {
	if len(c.Servers) > 0 {
		out := make([]netip.Addr, len(c.Servers))
		copy(out, c.Servers)
		return ResolvedDNSConfig{Servers: out}
	}
	out := make([]netip.Addr, len(gateways))
	copy(out, gateways)
	return ResolvedDNSConfig{Servers: out}
}

// Monitor is the capability the dispatcher uses to point the system
// resolver at a tunnel's DNS servers, and to undo that before the tunnel
// interface disappears.
type Monitor interface {
	// Set installs the resolved DNS config bound to the named interface.
	// Must be called while that interface still exists.
	Set(interfaceName string, cfg ResolvedDNSConfig) error
	// ResetBeforeInterfaceRemoval restores the system's prior DNS
	// configuration. Called before the tunnel interface is torn down.
	ResetBeforeInterfaceRemoval() error
}
