package tunnelworker

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/amnezia-vpn/amneziawg-go/conn"
	"github.com/amnezia-vpn/amneziawg-go/device"
	"github.com/amnezia-vpn/amneziawg-go/tun/netstack"
)

// handshakeCheckInterval is how often WireGuardWorker polls IpcGet for the
// peer's last handshake time while the tunnel is up, to notice a peer that
// has gone silent and report it as EventDown.
const handshakeCheckInterval = 15 * time.Second

// handshakeStaleAfter is how long without a handshake before the peer is
// considered gone. WireGuard itself re-handshakes roughly every two
// minutes under load; three minutes leaves a one-minute margin past that.
const handshakeStaleAfter = 3 * time.Minute

// WireGuardWorker implements Worker using amneziawg-go with a netstack
// (gvisor) userspace TCP/IP stack, adapted from the teacher's wireguard
// provider. AmneziaWG is a superset of WireGuard; without obfuscation
// parameters in the .conf it behaves as plain WireGuard.
type WireGuardWorker struct{}

func NewWireGuardWorker() *WireGuardWorker { return &WireGuardWorker{} }

func (w *WireGuardWorker) Spawn(ctx context.Context, params Parameters) (*Handle, error) {
	parsed, err := parseConfigBytesFromFile(params.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("[WG] parse config: %w", err)
	}
	if len(parsed.LocalAddresses) == 0 {
		return nil, fmt.Errorf("[WG] no local address in config")
	}

	tunDev, _, err := netstack.CreateNetTUN(parsed.LocalAddresses, parsed.DNSServers, parsed.MTU)
	if err != nil {
		return nil, fmt.Errorf("[WG] create netstack TUN: %w", err)
	}

	logger := device.NewLogger(device.LogLevelError, "[WG] ")
	dev := device.NewDevice(tunDev, conn.NewDefaultBind(), logger)

	if err := dev.IpcSet(parsed.UAPIConfig); err != nil {
		dev.Close()
		return nil, fmt.Errorf("[WG] apply config: %w", err)
	}
	if err := dev.Up(); err != nil {
		dev.Close()
		return nil, fmt.Errorf("[WG] device up: %w", err)
	}

	events := make(chan EventEnvelope, 4)
	closeTx := make(chan struct{}, 1)
	closeEvent := make(chan *ErrorCause, 1)

	metadata := Metadata{
		InterfaceName:   "wg-netstack",
		TunnelAddresses: parsed.LocalAddresses,
		Gateways:        parsed.DNSServers,
	}

	go w.supervise(ctx, dev, closeTx, closeEvent, events, metadata)

	return &Handle{Events: events, CloseTx: closeTx, CloseEvent: closeEvent}, nil
}

func (w *WireGuardWorker) supervise(ctx context.Context, dev *device.Device, closeTx <-chan struct{}, closeEvent chan<- *ErrorCause, events chan<- EventEnvelope, metadata Metadata) {
	defer close(closeEvent)
	defer close(events)
	defer dev.Close()

	sendEvent := func(ev TunnelEvent) {
		ack := make(chan struct{})
		events <- EventEnvelope{Event: ev, Ack: ack}
		<-ack
	}

	sendEvent(TunnelEvent{Kind: EventUp, Metadata: metadata})

	ticker := time.NewTicker(handshakeCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			closeEvent <- nil
			return
		case <-closeTx:
			closeEvent <- nil
			return
		case <-ticker.C:
			if stale, err := w.handshakeStale(dev); err != nil {
				sendEvent(TunnelEvent{Kind: EventDown, Message: err.Error()})
				closeEvent <- &ErrorCause{Reason: err.Error()}
				return
			} else if stale {
				sendEvent(TunnelEvent{Kind: EventDown, Message: "peer handshake stale"})
				closeEvent <- &ErrorCause{Reason: "peer handshake stale"}
				return
			}
		}
	}
}

// handshakeStale inspects the device's UAPI status for the most recent
// peer handshake timestamp and reports whether it has gone quiet for
// longer than handshakeStaleAfter.
func (w *WireGuardWorker) handshakeStale(dev *device.Device) (bool, error) {
	status, err := dev.IpcGet()
	if err != nil {
		return false, fmt.Errorf("ipc get: %w", err)
	}

	var newest time.Time
	for _, line := range strings.Split(status, "\n") {
		const key = "last_handshake_time_sec="
		if !strings.HasPrefix(line, key) {
			continue
		}
		var sec int64
		if _, err := fmt.Sscanf(line[len(key):], "%d", &sec); err == nil && sec > 0 {
			t := time.Unix(sec, 0)
			if t.After(newest) {
				newest = t
			}
		}
	}

	if newest.IsZero() {
		return false, nil // never handshaked yet; give it time rather than declaring stale
	}
	return time.Since(newest) > handshakeStaleAfter, nil
}

// parsedConfig is the subset of a WireGuard .conf this worker needs.
type parsedConfig struct {
	LocalAddresses []netip.Addr
	DNSServers     []netip.Addr
	MTU            int
	UAPIConfig     string
}
