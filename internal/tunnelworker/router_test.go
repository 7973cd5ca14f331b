package tunnelworker

import (
	"context"
	"testing"
)

type recordingWorker struct {
	spawned bool
}

func (w *recordingWorker) Spawn(ctx context.Context, params Parameters) (*Handle, error) {
	w.spawned = true
	return &Handle{}, nil
}

func TestRouter_LocalProxyTakesPriorityOverProtocol(t *testing.T) {
	wg := &recordingWorker{}
	proxy := &recordingWorker{}
	r := &Router{WireGuard: wg, LocalProxy: proxy}

	_, err := r.Spawn(context.Background(), Parameters{
		Protocol:   ProtocolWireGuard,
		LocalProxy: &LocalProxyConfig{Scheme: "socks5", Server: "127.0.0.1", Port: 1080},
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if !proxy.spawned {
		t.Error("expected LocalProxy worker to be spawned")
	}
	if wg.spawned {
		t.Error("expected WireGuard worker not to be spawned when LocalProxy is set")
	}
}

func TestRouter_DispatchesByProtocol(t *testing.T) {
	wg := &recordingWorker{}
	ovpn := &recordingWorker{}
	r := &Router{WireGuard: wg, OpenVPN: ovpn}

	if _, err := r.Spawn(context.Background(), Parameters{Protocol: ProtocolOpenVPN}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if !ovpn.spawned || wg.spawned {
		t.Error("expected OpenVPN worker to be spawned for ProtocolOpenVPN")
	}
}

func TestRouter_DefaultsToWireGuard(t *testing.T) {
	wg := &recordingWorker{}
	r := &Router{WireGuard: wg}

	if _, err := r.Spawn(context.Background(), Parameters{}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if !wg.spawned {
		t.Error("expected WireGuard worker to be spawned by default")
	}
}
