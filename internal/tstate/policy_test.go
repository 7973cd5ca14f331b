package tstate

import (
	"net/netip"
	"testing"

	"ianus-tunnel/internal/firewall"
	"ianus-tunnel/internal/tunnelworker"
)

func TestBuildConnectingPolicy_DefaultClientsRootOnly(t *testing.T) {
	shared, _, _, _, _ := newTestShared()
	policy := buildConnectingPolicy(shared, testParams())

	if policy.Kind != firewall.KindConnecting {
		t.Fatalf("got Kind=%v, want KindConnecting", policy.Kind)
	}
	if policy.Connecting.PeerClients != firewall.AllowedClientsRootOnly {
		t.Errorf("got PeerClients=%v, want RootOnly", policy.Connecting.PeerClients)
	}
}

func TestBuildConnectingPolicy_LocalProxyWidensClients(t *testing.T) {
	shared, _, _, _, _ := newTestShared()
	params := testParams()
	params.LocalProxy = &tunnelworker.LocalProxyConfig{Scheme: "socks5", Server: "127.0.0.1", Port: 1080}

	policy := buildConnectingPolicy(shared, params)
	if policy.Connecting.PeerClients != firewall.AllowedClientsAny {
		t.Errorf("got PeerClients=%v, want Any when reached via local proxy", policy.Connecting.PeerClients)
	}
}

func TestBuildConnectedPolicy_DNSDefaultsToGateways(t *testing.T) {
	shared, _, _, _, _ := newTestShared()
	meta := testMetadata()

	policy, resolved := buildConnectedPolicy(shared, testParams(), meta)

	if len(resolved.Servers) != 1 || resolved.Servers[0] != meta.Gateways[0] {
		t.Errorf("got resolved DNS %v, want gateway-derived %v", resolved.Servers, meta.Gateways)
	}
	if policy.Connected.TunnelInterface != meta.InterfaceName {
		t.Errorf("got TunnelInterface=%q, want %q", policy.Connected.TunnelInterface, meta.InterfaceName)
	}
}

func TestBuildConnectedPolicy_ExplicitDNSOverridesGateways(t *testing.T) {
	shared, _, _, _, _ := newTestShared()
	custom := netip.MustParseAddr("198.51.100.53")
	shared.DNSConfig.Servers = []netip.Addr{custom}

	_, resolved := buildConnectedPolicy(shared, testParams(), testMetadata())
	if len(resolved.Servers) != 1 || resolved.Servers[0] != custom {
		t.Errorf("got resolved DNS %v, want explicit server %v", resolved.Servers, custom)
	}
}

func TestBuildBlockedPolicy_CarriesAllowedEndpoint(t *testing.T) {
	shared, _, _, _, _ := newTestShared()
	shared.AllowedEndpoint = firewall.AllowedEndpoint{Clients: firewall.AllowedClientsAny}

	policy := buildBlockedPolicy(shared)
	if policy.Kind != firewall.KindBlocked {
		t.Fatalf("got Kind=%v, want KindBlocked", policy.Kind)
	}
	if policy.Blocked.AllowedEndpoint.Clients != firewall.AllowedClientsAny {
		t.Errorf("allowed endpoint not carried through to blocked policy")
	}
}
