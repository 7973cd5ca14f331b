// Command tunneld wires the tunnel state machine (internal/tstate) to the
// host's config file, logger and platform capabilities, and drives it until
// an OS signal requests shutdown. It has no network surface of its own — a
// future CLI/GUI talks to the dispatcher's command channel in-process.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"ianus-tunnel/internal/config"
	"ianus-tunnel/internal/logging"
	"ianus-tunnel/internal/splittunnel"
	"ianus-tunnel/internal/tstate"
	"ianus-tunnel/internal/tunnelworker"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	configPath := flag.String("config", "tunneld.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tunneld %s (commit=%s)\n", version, commit)
		return
	}

	mgr := config.NewManager(*configPath)
	if err := mgr.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "[Core] load config: %v\n", err)
		os.Exit(1)
	}
	cfg := mgr.Get()

	log := logging.New(logging.Config{Level: cfg.LogLevel}, nil)
	defer log.Close()
	logging.Log = log

	log.Infof("Core", "tunneld %s starting, config=%s", version, *configPath)

	shared, cleanup, err := buildSharedValues(cfg, log)
	if err != nil {
		log.Fatalf("Core", "build platform capabilities: %v", err)
	}
	defer cleanup()

	reportSelfExclusion(cfg, log)

	dispatcher := tstate.NewDispatcher(shared)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go runNotifier(ctx, dispatcher.Transitions(), log)

	done := make(chan struct{})
	go func() {
		dispatcher.Run(ctx)
		close(done)
	}()

	if params, ok := startupParameters(cfg); ok {
		ack := make(chan error, 1)
		dispatcher.Commands() <- tstate.Command{Kind: tstate.CmdConnect, Connect: params, Ack: ack}
		if err := <-ack; err != nil {
			log.Warnf("Core", "startup connect failed: %v", err)
		}
	}

	<-done
	log.Infof("Core", "tunneld stopped")
}

// startupParameters builds the TunnelParameters to auto-connect with at
// launch from the loaded config, mirroring the teacher's "add tunnels from
// config at startup" behavior but narrowed to the single tunnel this state
// machine governs. Returns ok=false when the config has no usable tunnel
// definition, in which case tunneld starts Disconnected and waits for a
// command from whatever drives the dispatcher's command channel.
func startupParameters(cfg config.Config) (tstate.TunnelParameters, bool) {
	var protocol tunnelworker.Protocol
	switch cfg.Tunnel.Protocol {
	case "openvpn":
		protocol = tunnelworker.ProtocolOpenVPN
	case "wireguard":
		protocol = tunnelworker.ProtocolWireGuard
	default:
		return tstate.TunnelParameters{}, false
	}

	var localProxy *tunnelworker.LocalProxyConfig
	if cfg.Tunnel.LocalProxy != nil {
		localProxy = &tunnelworker.LocalProxyConfig{
			Scheme:   cfg.Tunnel.LocalProxy.Scheme,
			Server:   cfg.Tunnel.LocalProxy.Server,
			Port:     cfg.Tunnel.LocalProxy.Port,
			Username: cfg.Tunnel.LocalProxy.Username,
			Password: cfg.Tunnel.LocalProxy.Password,
		}
	}

	if cfg.Tunnel.ConfigFile == "" && localProxy == nil {
		return tstate.TunnelParameters{}, false
	}

	var peer netip.AddrPort
	if localProxy != nil {
		peer, _ = netip.ParseAddrPort(fmt.Sprintf("%s:%d", localProxy.Server, localProxy.Port))
	}

	return tstate.TunnelParameters{
		Peer:       peer,
		Protocol:   protocol,
		ConfigFile: cfg.Tunnel.ConfigFile,
		LocalProxy: localProxy,
	}, true
}

// reportSelfExclusion resolves tunneld's own executable path through the
// platform's PIDResolver and logs whether the configured excluded-apps list
// would exempt this process from the tunnel — a misconfiguration a user
// excluding a browser by substring match ("chrome") could otherwise trip
// over without realizing it also matches tunneld's own binary name.
func reportSelfExclusion(cfg config.Config, log *logging.Logger) {
	if len(cfg.ExcludedApps) == 0 {
		return
	}
	resolver := newPIDResolver()
	path, ok := resolver.ExePath(uint32(os.Getpid()))
	if !ok {
		return
	}
	for _, pattern := range cfg.ExcludedApps {
		probe := splittunnel.NewPatternDriver()
		probe.SetExcludedApps([]string{pattern})
		if probe.IsExcluded(path) {
			log.Warnf("Core", "excluded-apps pattern %q also matches tunneld's own binary %q", pattern, path)
			return
		}
	}
}
