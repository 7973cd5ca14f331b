package tstate

import (
	"context"
	"testing"
	"time"

	"ianus-tunnel/internal/tunnelworker"
)

const testTimeout = 2 * time.Second

func waitTransition(t *testing.T, ch <-chan Transition, want TransitionKind) Transition {
	t.Helper()
	select {
	case tr := <-ch:
		if tr.Kind != want {
			t.Fatalf("got transition %v, want %v", tr.Kind, want)
		}
		return tr
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for transition %v", want)
		return Transition{}
	}
}

func TestDispatcher_ConnectReachesConnected(t *testing.T) {
	shared, fw, _, routes, worker := newTestShared()
	d := NewDispatcher(shared)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	ackCh := make(chan error, 1)
	d.Commands() <- Command{Kind: CmdConnect, Connect: testParams(), Ack: ackCh}
	if err := <-ackCh; err != nil {
		t.Fatalf("connect ack: %v", err)
	}
	waitTransition(t, d.Transitions(), TransitionConnecting)

	handle := worker.lastHandle
	if handle == nil {
		t.Fatal("worker was never spawned")
	}
	handle.events <- tunnelworker.EventEnvelope{Event: tunnelworker.TunnelEvent{
		Kind:     tunnelworker.EventUp,
		Metadata: testMetadata(),
	}}

	waitTransition(t, d.Transitions(), TransitionConnected)

	if fw.count() != 2 {
		t.Errorf("got %d firewall policies applied, want 2 (connecting, connected)", fw.count())
	}
	if routes.defaultRoutes != 1 {
		t.Errorf("got %d default route installs, want 1", routes.defaultRoutes)
	}
}

func TestDispatcher_DisconnectFromConnectedTearsDown(t *testing.T) {
	shared, _, dns, routes, worker := newTestShared()
	d := NewDispatcher(shared)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Commands() <- Command{Kind: CmdConnect, Connect: testParams()}
	waitTransition(t, d.Transitions(), TransitionConnecting)
	worker.lastHandle.events <- tunnelworker.EventEnvelope{Event: tunnelworker.TunnelEvent{Kind: tunnelworker.EventUp, Metadata: testMetadata()}}
	waitTransition(t, d.Transitions(), TransitionConnected)

	ackCh := make(chan error, 1)
	d.Commands() <- Command{Kind: CmdDisconnect, Ack: ackCh}
	<-ackCh
	waitTransition(t, d.Transitions(), TransitionDisconnecting)
	waitTransition(t, d.Transitions(), TransitionDisconnected)

	if dns.resets != 1 {
		t.Errorf("got %d dns resets, want 1", dns.resets)
	}
	if routes.cleared != 1 {
		t.Errorf("got %d route clears, want 1", routes.cleared)
	}
}

// TestDispatcher_CommandsNotStarvedByEvents is the no-starvation property:
// a command sent while the worker's event buffer is full of queued events
// must still be acked within testTimeout.
func TestDispatcher_CommandsNotStarvedByEvents(t *testing.T) {
	shared, _, _, _, worker := newTestShared()
	d := NewDispatcher(shared)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Commands() <- Command{Kind: CmdConnect, Connect: testParams()}
	waitTransition(t, d.Transitions(), TransitionConnecting)

	handle := worker.lastHandle
	// EventUp first so the later AllowLan lands in Connected, then fill the
	// worker's event buffer so the command is sent while events are still
	// queued behind it.
	handle.events <- tunnelworker.EventEnvelope{Event: tunnelworker.TunnelEvent{Kind: tunnelworker.EventUp, Metadata: testMetadata()}}
	waitTransition(t, d.Transitions(), TransitionConnected)
	for i := 0; i < cap(handle.events); i++ {
		handle.events <- tunnelworker.EventEnvelope{Event: tunnelworker.TunnelEvent{Kind: tunnelworker.EventUp, Metadata: testMetadata()}}
	}

	ackCh := make(chan error, 1)
	d.Commands() <- Command{Kind: CmdAllowLAN, AllowLAN: true, Ack: ackCh}
	select {
	case err := <-ackCh:
		if err != nil {
			t.Fatalf("allow-lan ack: %v", err)
		}
	case <-time.After(testTimeout):
		t.Fatal("command starved: AllowLan never acked")
	}
}

func TestDispatcher_EventDownRetriesReconnect(t *testing.T) {
	shared, _, _, _, worker := newTestShared()
	d := NewDispatcher(shared)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Commands() <- Command{Kind: CmdConnect, Connect: testParams()}
	waitTransition(t, d.Transitions(), TransitionConnecting)

	first := worker.lastHandle
	first.events <- tunnelworker.EventEnvelope{Event: tunnelworker.TunnelEvent{Kind: tunnelworker.EventDown}}

	waitTransition(t, d.Transitions(), TransitionDisconnecting)
	waitTransition(t, d.Transitions(), TransitionConnecting)

	if worker.spawned != 2 {
		t.Errorf("got %d worker spawns, want 2 (initial + retry)", worker.spawned)
	}
}
