package tstate

import (
	"ianus-tunnel/internal/dnsmonitor"
	"ianus-tunnel/internal/firewall"
	"ianus-tunnel/internal/tunnelworker"
)

// buildConnectingPolicy derives the firewall policy for a just-entered (or
// retried) Connecting state: only the peer endpoint, LAN if allowed, and
// the allowed-endpoint pinhole may pass.
func buildConnectingPolicy(shared *SharedTunnelStateValues, params TunnelParameters) firewall.Policy {
	return firewall.Connecting(firewall.ConnectingPolicy{
		PeerEndpoint:    params.Peer,
		PeerClients:     params.peerClients(),
		AllowLAN:        shared.AllowLAN,
		AllowedEndpoint: shared.AllowedEndpoint,
	})
}

// buildConnectedPolicy derives the firewall policy and resolved DNS config
// for a Connected state, given the metadata the tunnel worker reported at
// EventUp. dnsmonitor.Config.Resolve substitutes the tunnel's own gateways
// when the user configured no explicit servers.
func buildConnectedPolicy(shared *SharedTunnelStateValues, params TunnelParameters, meta tunnelworker.Metadata) (firewall.Policy, dnsmonitor.ResolvedDNSConfig) {
	resolved := shared.DNSConfig.Resolve(meta.Gateways)
	policy := firewall.Connected(firewall.ConnectedPolicy{
		PeerEndpoint:        params.Peer,
		PeerClients:         params.peerClients(),
		TunnelInterface:     meta.InterfaceName,
		TunnelAddresses:     meta.TunnelAddresses,
		AllowLAN:            shared.AllowLAN,
		DNSConfig:           resolved,
		AllowedEndpoint:     shared.AllowedEndpoint,
		AppleServicesBypass: shared.AppleServicesBypass,
	})
	return policy, resolved
}

// buildBlockedPolicy derives the firewall policy for Error and for
// Disconnected-with-block-when-disconnected: nothing passes except the
// allowed-endpoint pinhole and, if permitted, LAN.
func buildBlockedPolicy(shared *SharedTunnelStateValues) firewall.Policy {
	return firewall.Blocked(firewall.BlockedPolicy{
		AllowLAN:        shared.AllowLAN,
		AllowedEndpoint: shared.AllowedEndpoint,
	})
}
