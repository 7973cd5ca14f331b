package tstate

import (
	"context"
	"testing"

	"ianus-tunnel/internal/firewall"
)

func TestEnterConnecting_AppliesPolicyBeforeSpawningWorker(t *testing.T) {
	shared, fw, _, _, worker := newTestShared()

	out := enterConnecting(context.Background(), shared, testParams(), 0)

	if out.next.Kind != StateConnecting {
		t.Fatalf("got Kind=%v, want StateConnecting", out.next.Kind)
	}
	if fw.count() != 1 {
		t.Fatalf("got %d policies applied, want 1", fw.count())
	}
	if fw.last().Kind != firewall.KindConnecting {
		t.Errorf("got policy kind %v, want KindConnecting", fw.last().Kind)
	}
	if worker.spawned != 1 {
		t.Errorf("got %d worker spawns, want 1", worker.spawned)
	}
}

func TestEnterConnecting_FirewallFailureNeverSpawnsWorker(t *testing.T) {
	shared, fw, _, _, worker := newTestShared()
	fw.failNext = 1

	out := enterConnecting(context.Background(), shared, testParams(), 0)

	if out.next.Kind != StateError {
		t.Fatalf("got Kind=%v, want StateError", out.next.Kind)
	}
	if worker.spawned != 0 {
		t.Errorf("got %d worker spawns, want 0 — a failed policy apply must not start a tunnel", worker.spawned)
	}
}

func TestEnterConnecting_WorkerSpawnFailureEntersError(t *testing.T) {
	shared, _, _, _, worker := newTestShared()
	worker.lastFail = errTest

	out := enterConnecting(context.Background(), shared, testParams(), 0)

	if out.next.Kind != StateError {
		t.Fatalf("got Kind=%v, want StateError", out.next.Kind)
	}
	if out.next.Error.Cause.Kind != CauseStartTunnelError {
		t.Errorf("got cause=%v, want CauseStartTunnelError", out.next.Error.Cause.Kind)
	}
}

func TestHandleConnectingCommand_DisconnectGoesToDisconnectingWithNothing(t *testing.T) {
	shared, _, _, _, worker := newTestShared()
	connecting := enterConnecting(context.Background(), shared, testParams(), 0)
	_ = worker

	out := handleConnectingCommand(context.Background(), shared, *connecting.next.Connecting, Command{Kind: CmdDisconnect})

	if out.next.Kind != StateDisconnecting {
		t.Fatalf("got Kind=%v, want StateDisconnecting", out.next.Kind)
	}
	if out.next.Disconnecting.After.Kind != AfterNothing {
		t.Errorf("got After=%v, want AfterNothing", out.next.Disconnecting.After.Kind)
	}
}

func TestHandleConnectingEvent_AuthFailedCommitsToBlock(t *testing.T) {
	shared, _, _, _, _ := newTestShared()
	connecting := enterConnecting(context.Background(), shared, testParams(), 0)

	env := eventEnvelope(authFailedEvent())
	out := handleConnectingEvent(context.Background(), shared, *connecting.next.Connecting, env)

	if out.next.Kind != StateDisconnecting {
		t.Fatalf("got Kind=%v, want StateDisconnecting", out.next.Kind)
	}
	if out.next.Disconnecting.After.Kind != AfterBlock {
		t.Fatalf("got After=%v, want AfterBlock", out.next.Disconnecting.After.Kind)
	}
	if out.next.Disconnecting.After.Cause.Kind != CauseAuthFailed {
		t.Errorf("got cause=%v, want CauseAuthFailed", out.next.Disconnecting.After.Cause.Kind)
	}
}

func TestHandleConnectingEvent_DownCommitsToReconnectWithIncrementedAttempt(t *testing.T) {
	shared, _, _, _, _ := newTestShared()
	connecting := enterConnecting(context.Background(), shared, testParams(), 2)

	env := eventEnvelope(downEvent())
	out := handleConnectingEvent(context.Background(), shared, *connecting.next.Connecting, env)

	if out.next.Disconnecting.After.Kind != AfterReconnect {
		t.Fatalf("got After=%v, want AfterReconnect", out.next.Disconnecting.After.Kind)
	}
	if out.next.Disconnecting.After.RetryAttempt != 3 {
		t.Errorf("got RetryAttempt=%d, want 3", out.next.Disconnecting.After.RetryAttempt)
	}
}
