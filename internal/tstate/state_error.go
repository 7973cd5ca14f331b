package tstate

import (
	"context"

	"ianus-tunnel/internal/dnsmonitor"
)

// handleError is Error's only event source: the command channel. Error
// behaves like a permanently block-when-disconnected Disconnected: every
// setting change that affects the blocked policy reapplies it immediately,
// since the whole point of the state is "never silently pass traffic".
func handleError(ctx context.Context, shared *SharedTunnelStateValues, es ErrorState, cmd Command) outcome {
	switch cmd.Kind {
	case CmdConnect:
		out := enterConnecting(ctx, shared, cmd.Connect, 0)
		if out.next.Kind == StateError {
			ack(cmd, out.next.Error.Cause)
		} else {
			ack(cmd, nil)
		}
		return out

	case CmdDisconnect:
		ack(cmd, nil)
		return leaveErrorToDisconnected(shared)

	case CmdAllowLAN:
		shared.AllowLAN = cmd.AllowLAN
		return errorAfterSettingChange(shared, es, cmd)

	case CmdAllowEndpoint:
		shared.AllowedEndpoint = cmd.Endpoint
		return errorAfterSettingChange(shared, es, cmd)

	case CmdDNS:
		shared.DNSConfig = dnsmonitor.Config{Servers: cmd.DNS}
		ack(cmd, nil)
		return same(TunnelState{Kind: StateError, Error: &es})

	case CmdBlockWhenDisconnected:
		shared.BlockWhenDisconnected = cmd.BlockWhenDisconnected
		ack(cmd, nil)
		return same(TunnelState{Kind: StateError, Error: &es})

	case CmdConnectivity:
		shared.Connectivity = cmd.Connectivity
		ack(cmd, nil)
		return same(TunnelState{Kind: StateError, Error: &es})

	case CmdBlock:
		ack(cmd, nil)
		return same(TunnelState{Kind: StateError, Error: &ErrorState{Cause: cmd.BlockCause}})

	case CmdBypassSocket:
		shared.bypassedSockets[cmd.BypassDest] = struct{}{}
		ack(cmd, nil)
		return same(TunnelState{Kind: StateError, Error: &es})

	case CmdSetExcludedApps:
		if _, cause := applyExcludedApps(shared, cmd.ExcludedApps); cause != nil {
			ack(cmd, cause)
		} else {
			ack(cmd, nil)
		}
		return same(TunnelState{Kind: StateError, Error: &es})

	case CmdAppleServicesBypass:
		shared.AppleServicesBypass = cmd.AppleServicesBypass
		ack(cmd, nil)
		return same(TunnelState{Kind: StateError, Error: &es})

	default:
		ack(cmd, nil)
		return same(TunnelState{Kind: StateError, Error: &es})
	}
}

func errorAfterSettingChange(shared *SharedTunnelStateValues, es ErrorState, cmd Command) outcome {
	if err := applyFirewallPolicy(shared, buildBlockedPolicy(shared)); err != nil {
		ack(cmd, err)
		return same(TunnelState{Kind: StateError, Error: &ErrorState{Cause: *err}})
	}
	ack(cmd, nil)
	return same(TunnelState{Kind: StateError, Error: &es})
}

// leaveErrorToDisconnected reapplies the blocked policy when
// block-when-disconnected is armed and reports Disconnected. When it is not
// armed, the blocked policy installed by Error is left in place: Firewall
// has no operation to remove a policy.
func leaveErrorToDisconnected(shared *SharedTunnelStateValues) outcome {
	if shared.BlockWhenDisconnected {
		if err := applyFirewallPolicy(shared, buildBlockedPolicy(shared)); err != nil {
			return enterError(shared, *err)
		}
	}
	return outcome{next: Disconnected(), transition: &Transition{Kind: TransitionDisconnected}}
}
