//go:build windows

package main

import (
	"fmt"

	"ianus-tunnel/internal/config"
	"ianus-tunnel/internal/dnsmonitor"
	"ianus-tunnel/internal/firewall"
	"ianus-tunnel/internal/logging"
	"ianus-tunnel/internal/routemanager"
	"ianus-tunnel/internal/splittunnel"
	"ianus-tunnel/internal/tstate"
	"ianus-tunnel/internal/tunnelworker"
)

func buildSharedValues(cfg config.Config, log *logging.Logger) (*tstate.SharedTunnelStateValues, func(), error) {
	fw, err := firewall.NewWFPFirewall()
	if err != nil {
		return nil, nil, fmt.Errorf("firewall: %w", err)
	}

	dns := dnsmonitor.NewNetshMonitor()
	routes := routemanager.NewWindowsRouteManager()
	split := splittunnel.NewPatternDriver()
	router := &tunnelworker.Router{
		WireGuard:  tunnelworker.NewWireGuardWorker(),
		OpenVPN:    tunnelworker.NewOpenVPNWorker(),
		LocalProxy: tunnelworker.NewLocalProxyWorker(),
	}

	shared := tstate.NewSharedTunnelStateValues(fw, dns, routes, split, router, log)
	if err := applyCommonSettings(shared, cfg); err != nil {
		return nil, nil, err
	}

	cleanup := func() {
		if closer, ok := fw.(interface{ Close() error }); ok {
			closer.Close()
		}
	}
	return shared, cleanup, nil
}
