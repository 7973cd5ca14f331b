package tstate

import (
	"context"
	"errors"
	"slices"

	"ianus-tunnel/internal/dnsmonitor"
	"ianus-tunnel/internal/tunnelworker"
)

// handleConnectedCommand implements Connected's command table. Most
// settings commands reapply the connected firewall policy in place since
// the tunnel interface and its DNS/routes are already up; Disconnect,
// Connect (reconfigure), Block and Connectivity(offline) tear the tunnel
// down, as does a failed reapply (disconnect-to-block).
func handleConnectedCommand(ctx context.Context, shared *SharedTunnelStateValues, cs ConnectedState, cmd Command) outcome {
	switch cmd.Kind {
	case CmdDisconnect:
		ack(cmd, nil)
		return disconnectFromConnected(ctx, shared, cs, AfterDisconnectNothing())

	case CmdConnect:
		ack(cmd, nil)
		return disconnectFromConnected(ctx, shared, cs, AfterDisconnectReconnect(0, cmd.Connect))

	case CmdBlock:
		ack(cmd, nil)
		return disconnectFromConnected(ctx, shared, cs, AfterDisconnectBlock(cmd.BlockCause))

	case CmdAllowLAN:
		if cmd.AllowLAN == shared.AllowLAN {
			ack(cmd, nil)
			return same(TunnelState{Kind: StateConnected, Connected: &cs})
		}
		shared.AllowLAN = cmd.AllowLAN
		return connectedAfterSettingChange(ctx, shared, cs, cmd)

	case CmdAllowEndpoint:
		shared.AllowedEndpoint = cmd.Endpoint
		return connectedAfterSettingChange(ctx, shared, cs, cmd)

	case CmdDNS:
		if slices.Equal(cmd.DNS, shared.DNSConfig.Servers) {
			ack(cmd, nil)
			return same(TunnelState{Kind: StateConnected, Connected: &cs})
		}
		shared.DNSConfig = dnsmonitor.Config{Servers: cmd.DNS}
		policy, resolved := buildConnectedPolicy(shared, cs.Parameters, cs.Metadata)
		if cause := applyFirewallPolicy(shared, policy); cause != nil {
			ack(cmd, cause)
			return disconnectFromConnected(ctx, shared, cs, AfterDisconnectBlock(*cause))
		}
		if cause := setResolvedDNS(shared, cs.Metadata.InterfaceName, resolved); cause != nil {
			ack(cmd, cause)
			return disconnectFromConnected(ctx, shared, cs, AfterDisconnectBlock(*cause))
		}
		ack(cmd, nil)
		return same(TunnelState{Kind: StateConnected, Connected: &cs})

	case CmdBlockWhenDisconnected:
		shared.BlockWhenDisconnected = cmd.BlockWhenDisconnected
		ack(cmd, nil)
		return same(TunnelState{Kind: StateConnected, Connected: &cs})

	case CmdConnectivity:
		shared.Connectivity = cmd.Connectivity
		if cmd.Connectivity == ConnectivityOffline {
			ack(cmd, nil)
			return disconnectFromConnected(ctx, shared, cs, AfterDisconnectBlock(ErrorStateCause{Kind: CauseIsOffline}))
		}
		ack(cmd, nil)
		return same(TunnelState{Kind: StateConnected, Connected: &cs})

	case CmdBypassSocket:
		err := shared.installBypassRoute(cmd.BypassDest)
		ack(cmd, err)
		return same(TunnelState{Kind: StateConnected, Connected: &cs})

	case CmdSetExcludedApps:
		changed, cause := applyExcludedApps(shared, cmd.ExcludedApps)
		if cause != nil {
			ack(cmd, cause)
			return same(TunnelState{Kind: StateConnected, Connected: &cs})
		}
		if changed {
			return connectedAfterSettingChange(ctx, shared, cs, cmd)
		}
		ack(cmd, nil)
		return same(TunnelState{Kind: StateConnected, Connected: &cs})

	case CmdAppleServicesBypass:
		if cmd.AppleServicesBypass == shared.AppleServicesBypass {
			ack(cmd, nil)
			return same(TunnelState{Kind: StateConnected, Connected: &cs})
		}
		shared.AppleServicesBypass = cmd.AppleServicesBypass
		return connectedAfterSettingChange(ctx, shared, cs, cmd)

	default:
		ack(cmd, nil)
		return same(TunnelState{Kind: StateConnected, Connected: &cs})
	}
}

func connectedAfterSettingChange(ctx context.Context, shared *SharedTunnelStateValues, cs ConnectedState, cmd Command) outcome {
	policy, _ := buildConnectedPolicy(shared, cs.Parameters, cs.Metadata)
	if cause := applyFirewallPolicy(shared, policy); cause != nil {
		ack(cmd, cause)
		return disconnectFromConnected(ctx, shared, cs, AfterDisconnectBlock(*cause))
	}
	ack(cmd, nil)
	return same(TunnelState{Kind: StateConnected, Connected: &cs})
}

// disconnectFromConnected is Connected's "Disconnect" teardown helper:
// reset DNS before the interface disappears, release routes, signal the
// worker to close, and move to Disconnecting carrying the given commitment.
// Called for every path that leaves Connected on purpose (explicit
// disconnect, reconfigure, or an operator-initiated block).
func disconnectFromConnected(ctx context.Context, shared *SharedTunnelStateValues, cs ConnectedState, after AfterDisconnect) outcome {
	resetDNS(shared)
	shared.releaseRoutes()
	return enterDisconnecting(ctx, shared, cs.Worker, after)
}

// handleConnectedEvent reacts to a tunnel-worker event while up. EventUp
// here means the worker reported a fresh handshake with (possibly)
// changed metadata — reapply policy/DNS/routes for the new metadata.
// EventDown means the tunnel dropped out from under a live connection: it
// is torn down and retried (Reconnect(0)). EventAuthFailed tears it down
// without a retry, committing to Block(AuthFailed).
func handleConnectedEvent(ctx context.Context, shared *SharedTunnelStateValues, cs ConnectedState, env tunnelworker.EventEnvelope) outcome {
	if env.Ack != nil {
		defer close(env.Ack)
	}
	switch env.Event.Kind {
	case tunnelworker.EventUp:
		return enterConnected(shared, ConnectingState{Parameters: cs.Parameters, Worker: cs.Worker}, env.Event.Metadata)

	case tunnelworker.EventAuthFailed:
		resetDNS(shared)
		return enterDisconnecting(ctx, shared, cs.Worker, AfterDisconnectBlock(ErrorStateCause{Kind: CauseAuthFailed}))

	case tunnelworker.EventDown:
		resetDNS(shared)
		return enterDisconnecting(ctx, shared, cs.Worker, AfterDisconnectReconnect(0, cs.Parameters))

	default:
		return same(TunnelState{Kind: StateConnected, Connected: &cs})
	}
}

// handleConnectedClosed handles the worker dying without ever emitting a
// Down event (process crash). DNS reset is skipped either way — the
// interface is already gone, and most DNS backends fail loudly trying to
// unbind a nonexistent interface. A reported cause means the worker itself
// failed and the machine must land in Error, not retry; a clean close
// (cause == nil) is treated like a spurious EventDown and retried.
func handleConnectedClosed(shared *SharedTunnelStateValues, cs ConnectedState, cause *tunnelworker.ErrorCause) outcome {
	shared.releaseRoutes()

	after := AfterDisconnectReconnect(0, cs.Parameters)
	if cause != nil {
		shared.log().Warnf("tstate", "tunnel worker closed unexpectedly while connected: %v", cause)
		after = AfterDisconnectBlock(ErrorStateCause{Kind: CauseStartTunnelError, Err: errors.New(cause.Reason)})
	}
	return outcome{
		next: TunnelState{Kind: StateDisconnecting, Disconnecting: &DisconnectingState{
			CloseEvent: closedChannel(),
			After:      after,
		}},
		transition: &Transition{Kind: TransitionDisconnecting},
	}
}
