// Package routemanager defines the routing-table capability the tunnel
// state machine releases on every path leaving the Connected state.
package routemanager

import "net/netip"

// RealNIC describes the host's non-tunnel internet-facing interface,
// discovered before the tunnel comes up so bypass routes can be anchored
// to it.
type RealNIC struct {
	Index   uint32
	Gateway netip.Addr
	LocalIP netip.Addr
}

// Manager is the capability the dispatcher uses to install and release
// tunnel routing state. ClearRoutingRules is a no-op on platforms without
// policy-routing rules (only Linux has a meaningful implementation; see
// spec.md §6 and original_source's reset_routes, which calls it only
// #[cfg(target_os = "linux")]).
type Manager interface {
	DiscoverRealNIC() (RealNIC, error)
	SetDefaultRoute(tunnelInterface string) error
	AddBypassRoute(dst netip.Addr) error
	ClearRoutes() error
	ClearRoutingRules() error
}
