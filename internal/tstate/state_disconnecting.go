package tstate

import (
	"context"

	"ianus-tunnel/internal/tunnelworker"
)

// enterDisconnecting commits to after, signals the worker to stop (without
// blocking the dispatcher on delivery — the worker's own select loop races
// CloseTx against everything else it's doing, so a slow worker must not
// stall state transitions), and moves to Disconnecting.
func enterDisconnecting(ctx context.Context, shared *SharedTunnelStateValues, worker *tunnelworker.Handle, after AfterDisconnect) outcome {
	closeEvent := closedChannel()
	if worker != nil {
		closeEvent = worker.CloseEvent
		go func(tx chan<- struct{}) { tx <- struct{}{} }(worker.CloseTx)
	}
	return outcome{
		next: TunnelState{Kind: StateDisconnecting, Disconnecting: &DisconnectingState{
			CloseEvent: closeEvent,
			After:      after,
		}},
		transition: &Transition{Kind: TransitionDisconnecting, After: after},
	}
}

// handleDisconnectingCommand implements the amendment rules: Block always
// wins (a user or connectivity-driven block request is never silently
// dropped in favor of a pending reconnect), Connect always wins too (an
// explicit new connection request supersedes whatever teardown decided),
// and Disconnect only cancels a pending Reconnect — it cannot undo a
// pending Block, since that would silently discard the reason the tunnel
// is blocking in the first place.
func handleDisconnectingCommand(shared *SharedTunnelStateValues, ds DisconnectingState, cmd Command) outcome {
	switch cmd.Kind {
	case CmdBlock:
		ds.After = AfterDisconnectBlock(cmd.BlockCause)
		ack(cmd, nil)

	case CmdConnect:
		ds.After = AfterDisconnectReconnect(0, cmd.Connect)
		ack(cmd, nil)

	case CmdDisconnect:
		if ds.After.Kind == AfterReconnect {
			ds.After = AfterDisconnectNothing()
		}
		ack(cmd, nil)

	case CmdAllowLAN:
		shared.AllowLAN = cmd.AllowLAN
		ack(cmd, nil)

	case CmdAllowEndpoint:
		shared.AllowedEndpoint = cmd.Endpoint
		ack(cmd, nil)

	case CmdDNS:
		shared.DNSConfig.Servers = cmd.DNS
		ack(cmd, nil)

	case CmdBlockWhenDisconnected:
		shared.BlockWhenDisconnected = cmd.BlockWhenDisconnected
		ack(cmd, nil)

	case CmdConnectivity:
		shared.Connectivity = cmd.Connectivity
		ack(cmd, nil)

	case CmdAppleServicesBypass:
		shared.AppleServicesBypass = cmd.AppleServicesBypass
		ack(cmd, nil)

	case CmdSetExcludedApps:
		if _, cause := applyExcludedApps(shared, cmd.ExcludedApps); cause != nil {
			ack(cmd, cause)
		} else {
			ack(cmd, nil)
		}

	default:
		ack(cmd, nil)
	}
	return same(TunnelState{Kind: StateDisconnecting, Disconnecting: &ds})
}

// handleDisconnectingClosed resolves the commitment made at Disconnecting
// entry once the worker's close future settles. The close result itself is
// logged but never overrides After: the decision of where to go next was
// already made with full knowledge of why the tunnel is coming down, and a
// clean-vs-unclean shutdown of the worker process doesn't change that.
func handleDisconnectingClosed(ctx context.Context, shared *SharedTunnelStateValues, ds DisconnectingState, cause *tunnelworker.ErrorCause) outcome {
	if cause != nil {
		shared.log().Warnf("tstate", "tunnel worker close reported: %v", cause)
	}
	shared.releaseRoutes()

	switch ds.After.Kind {
	case AfterNothing:
		return outcome{next: Disconnected(), transition: &Transition{Kind: TransitionDisconnected}}
	case AfterBlock:
		return enterError(shared, ds.After.Cause)
	case AfterReconnect:
		return enterConnecting(ctx, shared, ds.After.Parameters, ds.After.RetryAttempt)
	default:
		return outcome{next: Disconnected(), transition: &Transition{Kind: TransitionDisconnected}}
	}
}
