package tstate

import (
	"context"
	"testing"
)

func disconnectingState(after AfterDisconnect) DisconnectingState {
	return DisconnectingState{CloseEvent: closedChannel(), After: after}
}

func TestHandleDisconnectingCommand_BlockAlwaysOverridesPendingReconnect(t *testing.T) {
	shared, _, _, _, _ := newTestShared()
	ds := disconnectingState(AfterDisconnectReconnect(1, testParams()))

	out := handleDisconnectingCommand(shared, ds, Command{Kind: CmdBlock, BlockCause: ErrorStateCause{Kind: CauseIsOffline}})

	if out.next.Disconnecting.After.Kind != AfterBlock {
		t.Fatalf("got After=%v, want AfterBlock to override a pending reconnect", out.next.Disconnecting.After.Kind)
	}
}

func TestHandleDisconnectingCommand_ConnectAlwaysOverridesPendingBlock(t *testing.T) {
	shared, _, _, _, _ := newTestShared()
	ds := disconnectingState(AfterDisconnectBlock(ErrorStateCause{Kind: CauseIsOffline}))
	newParams := testParams()

	out := handleDisconnectingCommand(shared, ds, Command{Kind: CmdConnect, Connect: newParams})

	if out.next.Disconnecting.After.Kind != AfterReconnect {
		t.Fatalf("got After=%v, want AfterReconnect to override a pending block", out.next.Disconnecting.After.Kind)
	}
	if out.next.Disconnecting.After.Parameters != newParams {
		t.Errorf("reconnect commitment lost the new parameters")
	}
}

func TestHandleDisconnectingCommand_DisconnectCancelsPendingReconnectOnly(t *testing.T) {
	shared, _, _, _, _ := newTestShared()
	ds := disconnectingState(AfterDisconnectReconnect(1, testParams()))

	out := handleDisconnectingCommand(shared, ds, Command{Kind: CmdDisconnect})

	if out.next.Disconnecting.After.Kind != AfterNothing {
		t.Fatalf("got After=%v, want AfterNothing — Disconnect must cancel a pending reconnect", out.next.Disconnecting.After.Kind)
	}
}

func TestHandleDisconnectingCommand_DisconnectCannotCancelPendingBlock(t *testing.T) {
	shared, _, _, _, _ := newTestShared()
	cause := ErrorStateCause{Kind: CauseAuthFailed}
	ds := disconnectingState(AfterDisconnectBlock(cause))

	out := handleDisconnectingCommand(shared, ds, Command{Kind: CmdDisconnect})

	if out.next.Disconnecting.After.Kind != AfterBlock {
		t.Fatalf("got After=%v, want AfterBlock — a pending block must survive a bare Disconnect", out.next.Disconnecting.After.Kind)
	}
	if out.next.Disconnecting.After.Cause.Kind != CauseAuthFailed {
		t.Errorf("block cause was lost across the Disconnect amendment attempt")
	}
}

func TestHandleDisconnectingClosed_ResolvesEachAfterKind(t *testing.T) {
	cases := []struct {
		name string
		after AfterDisconnect
		want StateKind
	}{
		{"nothing", AfterDisconnectNothing(), StateDisconnected},
		{"block", AfterDisconnectBlock(ErrorStateCause{Kind: CauseIsOffline}), StateError},
		{"reconnect", AfterDisconnectReconnect(0, testParams()), StateConnecting},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			shared, _, _, _, _ := newTestShared()
			ds := disconnectingState(tc.after)

			out := handleDisconnectingClosed(context.Background(), shared, ds, nil)

			if out.next.Kind != tc.want {
				t.Fatalf("got Kind=%v, want %v", out.next.Kind, tc.want)
			}
		})
	}
}
