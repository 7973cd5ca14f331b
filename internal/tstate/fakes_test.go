package tstate

import (
	"context"
	"net/netip"
	"sync"

	"ianus-tunnel/internal/dnsmonitor"
	"ianus-tunnel/internal/firewall"
	"ianus-tunnel/internal/routemanager"
	"ianus-tunnel/internal/tunnelworker"
)

// fakeFirewall records every policy Apply installs, and can be armed to
// fail the next N calls. No mocking framework: a handful of fields and a
// mutex, matching the teacher's own test doubles.
type fakeFirewall struct {
	mu        sync.Mutex
	policies  []firewall.Policy
	failNext  int
	failError *firewall.PolicyError
}

func (f *fakeFirewall) ApplyPolicy(p firewall.Policy) *firewall.PolicyError {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		if f.failError != nil {
			return f.failError
		}
		return &firewall.PolicyError{Kind: firewall.ErrorGeneric}
	}
	f.policies = append(f.policies, p)
	return nil
}

func (f *fakeFirewall) last() firewall.Policy {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.policies[len(f.policies)-1]
}

func (f *fakeFirewall) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.policies)
}

type fakeDNSMonitor struct {
	mu        sync.Mutex
	sets      int
	resets    int
	failSet   bool
	lastIface string
}

func (f *fakeDNSMonitor) Set(iface string, cfg dnsmonitor.ResolvedDNSConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSet {
		return errTest
	}
	f.sets++
	f.lastIface = iface
	return nil
}

func (f *fakeDNSMonitor) ResetBeforeInterfaceRemoval() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return nil
}

type fakeRouteManager struct {
	mu            sync.Mutex
	defaultRoutes int
	bypassRoutes  []netip.Addr
	cleared       int
	rulesCleared  int
}

func (r *fakeRouteManager) DiscoverRealNIC() (routemanager.RealNIC, error) {
	return routemanager.RealNIC{LocalIP: netip.MustParseAddr("192.0.2.1")}, nil
}

func (r *fakeRouteManager) SetDefaultRoute(iface string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultRoutes++
	return nil
}

func (r *fakeRouteManager) AddBypassRoute(dst netip.Addr) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bypassRoutes = append(r.bypassRoutes, dst)
	return nil
}

func (r *fakeRouteManager) ClearRoutes() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleared++
	return nil
}

func (r *fakeRouteManager) ClearRoutingRules() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rulesCleared++
	return nil
}

type fakeSplitTunnel struct {
	mu    sync.Mutex
	apps  []string
	calls int
}

func (s *fakeSplitTunnel) SetExcludedApps(apps []string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apps = apps
	s.calls++
	return false, nil
}

func (s *fakeSplitTunnel) ExcludedApps() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.apps...)
}

func (s *fakeSplitTunnel) IsExcluded(exePath string) bool { return false }

// fakeWorker hands back a controllable Handle: the test drives its events
// and close channel directly instead of a real process or netstack device.
type fakeWorker struct {
	mu        sync.Mutex
	spawned   int
	lastFail  error
	lastHandle *controllableHandle
}

type controllableHandle struct {
	events     chan tunnelworker.EventEnvelope
	closeTx    chan struct{}
	closeEvent chan *tunnelworker.ErrorCause
}

func (w *fakeWorker) Spawn(ctx context.Context, params tunnelworker.Parameters) (*tunnelworker.Handle, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.spawned++
	if w.lastFail != nil {
		err := w.lastFail
		w.lastFail = nil
		return nil, err
	}
	ch := &controllableHandle{
		events:     make(chan tunnelworker.EventEnvelope, 4),
		closeTx:    make(chan struct{}, 1),
		closeEvent: make(chan *tunnelworker.ErrorCause, 1),
	}
	w.lastHandle = ch
	// A real worker only ever sends CloseEvent once CloseTx has been
	// signalled or it dies on its own; this fake honors the same contract
	// so dispatcher code that blocks on CloseEvent behaves identically.
	go func() {
		<-ch.closeTx
		ch.closeEvent <- nil
	}()
	return &tunnelworker.Handle{
		Events:     ch.events,
		CloseTx:    ch.closeTx,
		CloseEvent: ch.closeEvent,
	}, nil
}

func testParams() TunnelParameters {
	return TunnelParameters{
		Peer:     netip.MustParseAddrPort("203.0.113.1:51820"),
		Protocol: tunnelworker.ProtocolWireGuard,
	}
}

func testMetadata() tunnelworker.Metadata {
	return tunnelworker.Metadata{
		InterfaceName:   "tun-test0",
		TunnelAddresses: []netip.Addr{netip.MustParseAddr("10.64.0.2")},
		Gateways:        []netip.Addr{netip.MustParseAddr("10.64.0.1")},
	}
}

func newTestShared() (*SharedTunnelStateValues, *fakeFirewall, *fakeDNSMonitor, *fakeRouteManager, *fakeWorker) {
	fw := &fakeFirewall{}
	dns := &fakeDNSMonitor{}
	routes := &fakeRouteManager{}
	split := &fakeSplitTunnel{}
	worker := &fakeWorker{}
	shared := NewSharedTunnelStateValues(fw, dns, routes, split, worker, nil)
	return shared, fw, dns, routes, worker
}

type testError string

func (e testError) Error() string { return string(e) }

const errTest = testError("fake failure")

func eventEnvelope(ev tunnelworker.TunnelEvent) tunnelworker.EventEnvelope {
	return tunnelworker.EventEnvelope{Event: ev}
}

func authFailedEvent() tunnelworker.TunnelEvent {
	return tunnelworker.TunnelEvent{Kind: tunnelworker.EventAuthFailed}
}

func downEvent() tunnelworker.TunnelEvent {
	return tunnelworker.TunnelEvent{Kind: tunnelworker.EventDown}
}
