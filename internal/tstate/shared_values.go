package tstate

import (
	"net/netip"

	"ianus-tunnel/internal/dnsmonitor"
	"ianus-tunnel/internal/firewall"
	"ianus-tunnel/internal/logging"
	"ianus-tunnel/internal/routemanager"
	"ianus-tunnel/internal/splittunnel"
	"ianus-tunnel/internal/tunnelworker"
)

// Connectivity reports whether the host currently has a working network
// path, as fed in by an external connectivity monitor.
type Connectivity int

const (
	ConnectivityUnknown Connectivity = iota
	ConnectivityOnline
	ConnectivityOffline
)

// SharedTunnelStateValues holds everything every state handler needs that
// isn't specific to the current state: the capability objects, and the
// settings commands mutate in place regardless of which state is active.
// Owned exclusively by the dispatcher goroutine, so no locking is needed
// on any of its fields.
type SharedTunnelStateValues struct {
	Firewall     firewall.Firewall
	DNSMonitor   dnsmonitor.Monitor
	RouteManager routemanager.Manager
	SplitTunnel  splittunnel.Driver
	TunnelWorker tunnelworker.Worker
	Log          *logging.Logger

	AllowLAN              bool
	BlockWhenDisconnected bool
	AllowedEndpoint       firewall.AllowedEndpoint
	DNSConfig             dnsmonitor.Config
	Connectivity          Connectivity
	AppleServicesBypass   bool

	realNIC  routemanager.RealNIC
	haveNIC  bool
	routesUp bool

	// bypassedSockets mirrors original_source's bypass-socket feature: a
	// set of destinations carved out of the tunnel's default-route capture
	// via policy routes, e.g. for a control-plane API call that must
	// always go direct.
	bypassedSockets map[netip.Addr]struct{}
}

func NewSharedTunnelStateValues(
	fw firewall.Firewall,
	dns dnsmonitor.Monitor,
	routes routemanager.Manager,
	split splittunnel.Driver,
	worker tunnelworker.Worker,
	log *logging.Logger,
) *SharedTunnelStateValues {
	return &SharedTunnelStateValues{
		Firewall:        fw,
		DNSMonitor:      dns,
		RouteManager:    routes,
		SplitTunnel:     split,
		TunnelWorker:    worker,
		Log:             log,
		bypassedSockets: make(map[netip.Addr]struct{}),
	}
}

func (s *SharedTunnelStateValues) log() *logging.Logger {
	if s.Log != nil {
		return s.Log
	}
	return logging.Log
}

// discoverNIC caches the host's real (non-tunnel) NIC, discovering it once
// per connection attempt since it can only change while no tunnel is up.
func (s *SharedTunnelStateValues) discoverNIC() (routemanager.RealNIC, error) {
	if s.haveNIC {
		return s.realNIC, nil
	}
	nic, err := s.RouteManager.DiscoverRealNIC()
	if err != nil {
		return routemanager.RealNIC{}, err
	}
	s.realNIC = nic
	s.haveNIC = true
	return nic, nil
}

// installBypassRoute adds one bypass route per discovered NIC, idempotent
// per destination so repeated calls (e.g. replaying BypassSocket commands
// across reconnects) don't stack duplicate routes.
func (s *SharedTunnelStateValues) installBypassRoute(dst netip.Addr) error {
	if _, ok := s.bypassedSockets[dst]; ok {
		return nil
	}
	if err := s.RouteManager.AddBypassRoute(dst); err != nil {
		return err
	}
	s.bypassedSockets[dst] = struct{}{}
	return nil
}

// releaseRoutes clears routing state installed for the connection that is
// ending and forgets the cached real NIC, so the next connection attempt
// discovers it again. Safe to call even if routes were never installed.
func (s *SharedTunnelStateValues) releaseRoutes() {
	s.haveNIC = false
	if !s.routesUp {
		return
	}
	if err := s.RouteManager.ClearRoutes(); err != nil {
		s.log().Warnf("tstate", "clear routes: %v", err)
	}
	if err := s.RouteManager.ClearRoutingRules(); err != nil {
		s.log().Warnf("tstate", "clear routing rules: %v", err)
	}
	s.routesUp = false
}
