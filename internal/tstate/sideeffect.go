package tstate

import (
	"context"
	"errors"

	"ianus-tunnel/internal/dnsmonitor"
	"ianus-tunnel/internal/firewall"
	"ianus-tunnel/internal/tunnelworker"
)

// applyFirewallPolicy installs a policy and classifies any failure as the
// SetFirewallPolicyError cause.
func applyFirewallPolicy(shared *SharedTunnelStateValues, policy firewall.Policy) *ErrorStateCause {
	if err := shared.Firewall.ApplyPolicy(policy); err != nil {
		shared.log().Errorf("tstate", "apply firewall policy %s: %v", policy, err)
		return &ErrorStateCause{Kind: CauseSetFirewallPolicyError, FirewallError: err}
	}
	shared.log().Debugf("tstate", "applied firewall policy %s", policy)
	return nil
}

// setResolvedDNS installs the resolved DNS config on the tunnel interface
// and classifies failure as SetDnsError.
func setResolvedDNS(shared *SharedTunnelStateValues, interfaceName string, resolved dnsmonitor.ResolvedDNSConfig) *ErrorStateCause {
	if err := shared.DNSMonitor.Set(interfaceName, resolved); err != nil {
		shared.log().Errorf("tstate", "set dns on %s: %v", interfaceName, err)
		return &ErrorStateCause{Kind: CauseSetDNSError, Err: err}
	}
	return nil
}

// resetDNS restores the system resolver before the tunnel interface is
// torn down. Best-effort: a failure here is logged, never escalated, since
// the interface is going away regardless and the alternative (refusing to
// disconnect) would strand the user on a broken resolver permanently.
func resetDNS(shared *SharedTunnelStateValues) {
	if err := shared.DNSMonitor.ResetBeforeInterfaceRemoval(); err != nil {
		shared.log().Warnf("tstate", "reset dns: %v", err)
	}
}

// installRoutes discovers the real NIC (if not already cached) and points
// the default route at the tunnel interface.
func installRoutes(shared *SharedTunnelStateValues, interfaceName string) *ErrorStateCause {
	if _, err := shared.discoverNIC(); err != nil {
		shared.log().Errorf("tstate", "discover real nic: %v", err)
		return &ErrorStateCause{Kind: CauseStartTunnelError, Err: err}
	}
	if err := shared.RouteManager.SetDefaultRoute(interfaceName); err != nil {
		shared.log().Errorf("tstate", "set default route via %s: %v", interfaceName, err)
		return &ErrorStateCause{Kind: CauseStartTunnelError, Err: err}
	}
	shared.routesUp = true
	return nil
}

// applyExcludedApps pushes the split-tunnel exclusion list to the driver.
// A driver reporting interfaceChanged means platform state (e.g. a WFP
// callout or nftables set) shifted enough that the firewall policy must be
// reapplied for the change to take effect; the caller decides whether to
// do so based on the returned bool.
func applyExcludedApps(shared *SharedTunnelStateValues, apps []string) (interfaceChanged bool, cause *ErrorStateCause) {
	if shared.SplitTunnel == nil {
		return false, nil
	}
	changed, err := shared.SplitTunnel.SetExcludedApps(apps)
	if err != nil {
		shared.log().Errorf("tstate", "set excluded apps: %v", err)
		return false, &ErrorStateCause{Kind: CauseSplitTunnelError, Err: err}
	}
	return changed, nil
}

// spawnWorker starts a tunnel worker for params. Spawn returns once the
// worker's resources are allocated, not once the tunnel is up — EventUp
// arrives later on the handle's event stream.
func spawnWorker(ctx context.Context, shared *SharedTunnelStateValues, params TunnelParameters) (*tunnelworker.Handle, *ErrorStateCause) {
	handle, err := shared.TunnelWorker.Spawn(ctx, params.workerParameters())
	if err != nil {
		shared.log().Errorf("tstate", "spawn tunnel worker: %v", err)
		return nil, &ErrorStateCause{Kind: CauseStartTunnelError, Err: err}
	}
	return handle, nil
}

// closeWorker signals the worker to stop and classifies a surfaced close
// cause, if any, into the error taxonomy. Returns nil if the worker closed
// cleanly or ctx expired waiting for it (the latter is logged, not
// escalated: a wedged worker process must not prevent the state machine
// from moving on to Disconnected).
func closeWorker(ctx context.Context, shared *SharedTunnelStateValues, handle *tunnelworker.Handle) *ErrorStateCause {
	if handle == nil {
		return nil
	}
	select {
	case handle.CloseTx <- struct{}{}:
	default:
	}
	select {
	case cause := <-handle.CloseEvent:
		if cause != nil {
			shared.log().Warnf("tstate", "tunnel worker closed with cause: %v", cause)
			return &ErrorStateCause{Kind: CauseStartTunnelError, Err: errors.New(cause.Reason)}
		}
		return nil
	case <-ctx.Done():
		shared.log().Warnf("tstate", "timed out waiting for tunnel worker to close")
		return nil
	}
}
