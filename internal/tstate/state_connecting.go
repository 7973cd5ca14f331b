package tstate

import (
	"context"

	"ianus-tunnel/internal/tunnelworker"
)

// enterConnecting runs Connecting's ordered entry side effects — apply the
// connecting firewall policy, then spawn the tunnel worker — and returns
// the resulting state. The policy goes on first so there is never a
// window where the peer/LAN/allowed-endpoint policy is looser than
// Connecting's, even if the worker spawn that follows fails outright.
// Split-tunnel exclusions are not reapplied here: the driver's rule table
// is independent of any one tunnel session and is kept current directly
// by CmdSetExcludedApps regardless of which state is active.
func enterConnecting(ctx context.Context, shared *SharedTunnelStateValues, params TunnelParameters, retryAttempt int) outcome {
	if cause := applyFirewallPolicy(shared, buildConnectingPolicy(shared, params)); cause != nil {
		return enterError(shared, *cause)
	}
	handle, cause := spawnWorker(ctx, shared, params)
	if cause != nil {
		return enterError(shared, *cause)
	}
	return outcome{
		next: TunnelState{Kind: StateConnecting, Connecting: &ConnectingState{
			Parameters:   params,
			RetryAttempt: retryAttempt,
			Worker:       handle,
		}},
		transition: &Transition{Kind: TransitionConnecting},
	}
}

func handleConnectingCommand(ctx context.Context, shared *SharedTunnelStateValues, cs ConnectingState, cmd Command) outcome {
	switch cmd.Kind {
	case CmdDisconnect:
		ack(cmd, nil)
		return enterDisconnecting(ctx, shared, cs.Worker, AfterDisconnectNothing())

	case CmdBlock:
		ack(cmd, nil)
		return enterDisconnecting(ctx, shared, cs.Worker, AfterDisconnectBlock(cmd.BlockCause))

	case CmdConnect:
		ack(cmd, nil)
		closeWorker(ctx, shared, cs.Worker)
		shared.releaseRoutes()
		return enterConnecting(ctx, shared, cmd.Connect, 0)

	case CmdAllowLAN:
		shared.AllowLAN = cmd.AllowLAN
		return connectingAfterSettingChange(shared, cs, cmd)

	case CmdAllowEndpoint:
		shared.AllowedEndpoint = cmd.Endpoint
		return connectingAfterSettingChange(shared, cs, cmd)

	case CmdBlockWhenDisconnected:
		shared.BlockWhenDisconnected = cmd.BlockWhenDisconnected
		ack(cmd, nil)
		return same(TunnelState{Kind: StateConnecting, Connecting: &cs})

	case CmdConnectivity:
		shared.Connectivity = cmd.Connectivity
		if cmd.Connectivity == ConnectivityOffline {
			ack(cmd, nil)
			return enterDisconnecting(ctx, shared, cs.Worker, AfterDisconnectBlock(ErrorStateCause{Kind: CauseIsOffline}))
		}
		ack(cmd, nil)
		return same(TunnelState{Kind: StateConnecting, Connecting: &cs})

	case CmdBypassSocket:
		err := shared.installBypassRoute(cmd.BypassDest)
		ack(cmd, err)
		return same(TunnelState{Kind: StateConnecting, Connecting: &cs})

	case CmdSetExcludedApps:
		if _, cause := applyExcludedApps(shared, cmd.ExcludedApps); cause != nil {
			ack(cmd, cause)
		} else {
			ack(cmd, nil)
		}
		return same(TunnelState{Kind: StateConnecting, Connecting: &cs})

	case CmdDNS:
		shared.DNSConfig.Servers = cmd.DNS
		ack(cmd, nil)
		return same(TunnelState{Kind: StateConnecting, Connecting: &cs})

	case CmdAppleServicesBypass:
		shared.AppleServicesBypass = cmd.AppleServicesBypass
		ack(cmd, nil)
		return same(TunnelState{Kind: StateConnecting, Connecting: &cs})

	default:
		ack(cmd, nil)
		return same(TunnelState{Kind: StateConnecting, Connecting: &cs})
	}
}

func connectingAfterSettingChange(shared *SharedTunnelStateValues, cs ConnectingState, cmd Command) outcome {
	if err := applyFirewallPolicy(shared, buildConnectingPolicy(shared, cs.Parameters)); err != nil {
		ack(cmd, err)
		return enterError(shared, *err)
	}
	ack(cmd, nil)
	return same(TunnelState{Kind: StateConnecting, Connecting: &cs})
}

// handleConnectingEvent reacts to a tunnel-worker event while starting up.
// EventUp is the only one that advances the machine; EventDown and
// EventAuthFailed both mean the attempt failed before coming up.
func handleConnectingEvent(ctx context.Context, shared *SharedTunnelStateValues, cs ConnectingState, env tunnelworker.EventEnvelope) outcome {
	if env.Ack != nil {
		defer close(env.Ack)
	}
	switch env.Event.Kind {
	case tunnelworker.EventUp:
		return enterConnected(shared, cs, env.Event.Metadata)

	case tunnelworker.EventAuthFailed:
		cause := ErrorStateCause{Kind: CauseAuthFailed}
		return enterDisconnecting(ctx, shared, cs.Worker, AfterDisconnectBlock(cause))

	case tunnelworker.EventDown:
		return enterDisconnecting(ctx, shared, cs.Worker, AfterDisconnectReconnect(cs.RetryAttempt+1, cs.Parameters))

	default:
		return same(TunnelState{Kind: StateConnecting, Connecting: &cs})
	}
}

// handleConnectingClosed handles the worker dying outright (process exit,
// handshake failure with no event emitted) while starting up: retried like
// a failed EventDown.
func handleConnectingClosed(shared *SharedTunnelStateValues, cs ConnectingState, cause *tunnelworker.ErrorCause) outcome {
	if cause != nil {
		shared.log().Warnf("tstate", "tunnel worker closed while connecting: %v", cause)
	}
	shared.releaseRoutes()
	return outcome{
		next: TunnelState{Kind: StateDisconnecting, Disconnecting: &DisconnectingState{
			CloseEvent: closedChannel(),
			After:      AfterDisconnectReconnect(cs.RetryAttempt+1, cs.Parameters),
		}},
		transition: &Transition{Kind: TransitionDisconnecting},
	}
}

func enterConnected(shared *SharedTunnelStateValues, cs ConnectingState, meta tunnelworker.Metadata) outcome {
	policy, resolved := buildConnectedPolicy(shared, cs.Parameters, meta)
	if cause := applyFirewallPolicy(shared, policy); cause != nil {
		return enterDisconnecting(context.Background(), shared, cs.Worker, AfterDisconnectBlock(*cause))
	}
	if cause := setResolvedDNS(shared, meta.InterfaceName, resolved); cause != nil {
		resetDNS(shared)
		return enterDisconnecting(context.Background(), shared, cs.Worker, AfterDisconnectBlock(*cause))
	}
	if cause := installRoutes(shared, meta.InterfaceName); cause != nil {
		resetDNS(shared)
		return enterDisconnecting(context.Background(), shared, cs.Worker, AfterDisconnectBlock(*cause))
	}
	for dst := range shared.bypassedSockets {
		if err := shared.RouteManager.AddBypassRoute(dst); err != nil {
			shared.log().Warnf("tstate", "replay bypass route for %s: %v", dst, err)
		}
	}
	return outcome{
		next: TunnelState{Kind: StateConnected, Connected: &ConnectedState{
			Metadata:   meta,
			Parameters: cs.Parameters,
			Worker:     cs.Worker,
		}},
		transition: &Transition{Kind: TransitionConnected, TunnelInterface: meta.InterfaceName},
	}
}

// closedChannel returns an already-closed *tunnelworker.ErrorCause channel
// so handleConnectingClosed's synthetic Disconnecting entry resolves on
// the dispatcher's very next iteration: the worker is already gone, so
// there is nothing left to wait for before acting on the AfterDisconnect
// decision.
func closedChannel() <-chan *tunnelworker.ErrorCause {
	ch := make(chan *tunnelworker.ErrorCause)
	close(ch)
	return ch
}
