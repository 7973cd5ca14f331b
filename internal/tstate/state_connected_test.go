package tstate

import (
	"context"
	"testing"
)

func connectedState(t *testing.T, shared *SharedTunnelStateValues) ConnectedState {
	t.Helper()
	connecting := enterConnecting(context.Background(), shared, testParams(), 0)
	out := enterConnected(shared, *connecting.next.Connecting, testMetadata())
	if out.next.Kind != StateConnected {
		t.Fatalf("setup: got Kind=%v, want StateConnected", out.next.Kind)
	}
	return *out.next.Connected
}

func TestEnterConnected_InstallsPolicyDNSAndRoutes(t *testing.T) {
	shared, fw, dns, routes, _ := newTestShared()
	cs := connectedState(t, shared)

	if cs.Metadata.InterfaceName != "tun-test0" {
		t.Errorf("got interface=%q", cs.Metadata.InterfaceName)
	}
	if fw.count() != 2 {
		t.Errorf("got %d policies, want 2 (connecting then connected)", fw.count())
	}
	if dns.sets != 1 {
		t.Errorf("got %d dns sets, want 1", dns.sets)
	}
	if routes.defaultRoutes != 1 {
		t.Errorf("got %d default routes, want 1", routes.defaultRoutes)
	}
}

func TestEnterConnected_ReplaysPendingBypassRoutes(t *testing.T) {
	shared, _, _, routes, _ := newTestShared()
	dst := testMetadata().Gateways[0]
	shared.bypassedSockets[dst] = struct{}{}

	connectedState(t, shared)

	found := false
	for _, r := range routes.bypassRoutes {
		if r == dst {
			found = true
		}
	}
	if !found {
		t.Errorf("bypass route for %s was not replayed on connect", dst)
	}
}

func TestHandleConnectedCommand_DisconnectResetsDNSBeforeTeardown(t *testing.T) {
	shared, _, dns, _, _ := newTestShared()
	cs := connectedState(t, shared)

	out := handleConnectedCommand(context.Background(), shared, cs, Command{Kind: CmdDisconnect})

	if out.next.Kind != StateDisconnecting {
		t.Fatalf("got Kind=%v, want StateDisconnecting", out.next.Kind)
	}
	if dns.resets != 1 {
		t.Errorf("got %d dns resets, want 1 before interface teardown", dns.resets)
	}
	if out.next.Disconnecting.After.Kind != AfterNothing {
		t.Errorf("got After=%v, want AfterNothing", out.next.Disconnecting.After.Kind)
	}
}

func TestHandleConnectedCommand_AllowLanReappliesPolicyInPlace(t *testing.T) {
	shared, fw, _, _, _ := newTestShared()
	cs := connectedState(t, shared)
	before := fw.count()

	out := handleConnectedCommand(context.Background(), shared, cs, Command{Kind: CmdAllowLAN, AllowLAN: true})

	if out.next.Kind != StateConnected {
		t.Fatalf("got Kind=%v, want StateConnected (stay up, just reapply policy)", out.next.Kind)
	}
	if fw.count() != before+1 {
		t.Errorf("got %d policies applied, want %d", fw.count(), before+1)
	}
	if !fw.last().Connected.AllowLAN {
		t.Errorf("reapplied policy did not carry the new AllowLan=true")
	}
}

func TestHandleConnectedCommand_BlockTearsDownWithBlockCommitment(t *testing.T) {
	shared, _, _, _, _ := newTestShared()
	cs := connectedState(t, shared)
	cause := ErrorStateCause{Kind: CauseIsOffline}

	out := handleConnectedCommand(context.Background(), shared, cs, Command{Kind: CmdBlock, BlockCause: cause})

	if out.next.Kind != StateDisconnecting {
		t.Fatalf("got Kind=%v, want StateDisconnecting", out.next.Kind)
	}
	if out.next.Disconnecting.After.Kind != AfterBlock {
		t.Fatalf("got After=%v, want AfterBlock", out.next.Disconnecting.After.Kind)
	}
	if out.next.Disconnecting.After.Cause.Kind != CauseIsOffline {
		t.Errorf("got cause=%v, want CauseIsOffline", out.next.Disconnecting.After.Cause.Kind)
	}
}
