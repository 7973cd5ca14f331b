package tstate

import (
	"context"

	"ianus-tunnel/internal/dnsmonitor"
)

// handleDisconnected is Disconnected's only event source: the command
// channel. No tunnel worker exists, so there is nothing to race it
// against.
func handleDisconnected(ctx context.Context, shared *SharedTunnelStateValues, cmd Command) outcome {
	switch cmd.Kind {
	case CmdConnect:
		out := enterConnecting(ctx, shared, cmd.Connect, 0)
		if out.next.Kind == StateError {
			ack(cmd, out.next.Error.Cause)
		} else {
			ack(cmd, nil)
		}
		return out

	case CmdAllowLAN:
		shared.AllowLAN = cmd.AllowLAN
		return disconnectedAfterSettingChange(shared, cmd)

	case CmdAllowEndpoint:
		shared.AllowedEndpoint = cmd.Endpoint
		return disconnectedAfterSettingChange(shared, cmd)

	case CmdDNS:
		shared.DNSConfig = dnsmonitor.Config{Servers: cmd.DNS}
		ack(cmd, nil)
		return same(Disconnected())

	case CmdBlockWhenDisconnected:
		shared.BlockWhenDisconnected = cmd.BlockWhenDisconnected
		return disconnectedAfterSettingChange(shared, cmd)

	case CmdConnectivity:
		shared.Connectivity = cmd.Connectivity
		ack(cmd, nil)
		return same(Disconnected())

	case CmdBlock:
		if err := applyFirewallPolicy(shared, buildBlockedPolicy(shared)); err != nil {
			ack(cmd, err)
			return enterError(shared, *err)
		}
		ack(cmd, nil)
		return enterError(shared, cmd.BlockCause)

	case CmdBypassSocket:
		// No tunnel route exists yet; record the destination so a future
		// Connecting/Connected entry replays it once routes are up.
		shared.bypassedSockets[cmd.BypassDest] = struct{}{}
		ack(cmd, nil)
		return same(Disconnected())

	case CmdSetExcludedApps:
		_, cause := applyExcludedApps(shared, cmd.ExcludedApps)
		if cause != nil {
			ack(cmd, cause)
			return same(Disconnected())
		}
		ack(cmd, nil)
		return same(Disconnected())

	case CmdAppleServicesBypass:
		shared.AppleServicesBypass = cmd.AppleServicesBypass
		ack(cmd, nil)
		return same(Disconnected())

	case CmdDisconnect:
		ack(cmd, nil)
		return same(Disconnected())

	default:
		ack(cmd, nil)
		return same(Disconnected())
	}
}

// disconnectedAfterSettingChange reapplies the block-when-disconnected
// policy (if armed) after a setting that policy depends on changes.
// Otherwise no policy is applied here; Disconnected never removes a
// policy, so whatever the previous state installed stays in place
// (Firewall has no operation to remove one).
func disconnectedAfterSettingChange(shared *SharedTunnelStateValues, cmd Command) outcome {
	if !shared.BlockWhenDisconnected {
		ack(cmd, nil)
		return same(Disconnected())
	}
	if err := applyFirewallPolicy(shared, buildBlockedPolicy(shared)); err != nil {
		ack(cmd, err)
		return enterError(shared, *err)
	}
	ack(cmd, nil)
	return same(Disconnected())
}

// enterError applies the blocking firewall policy and reports Error. A
// policy failure here does not recurse into another Error entry: the
// cause the caller already holds is what gets reported, and the policy
// failure is logged by applyFirewallPolicy itself.
func enterError(shared *SharedTunnelStateValues, cause ErrorStateCause) outcome {
	applyFirewallPolicy(shared, buildBlockedPolicy(shared))
	return outcome{
		next:       TunnelState{Kind: StateError, Error: &ErrorState{Cause: cause}},
		transition: &Transition{Kind: TransitionError, Cause: cause},
	}
}
