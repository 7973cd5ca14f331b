package main

import (
	"context"

	"ianus-tunnel/internal/logging"
	"ianus-tunnel/internal/tstate"
)

// runNotifier forwards dispatcher transitions to the log and, on platforms
// that implement it, a native system notification. It owns nothing and
// returns as soon as ctx is cancelled or the channel closes, whichever
// comes first — the dispatcher itself tears down independently.
func runNotifier(ctx context.Context, transitions <-chan tstate.Transition, log *logging.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-transitions:
			if !ok {
				return
			}
			logTransition(log, t)
			notifyTransition(t)
		}
	}
}

func logTransition(log *logging.Logger, t tstate.Transition) {
	switch t.Kind {
	case tstate.TransitionConnected:
		log.Infof("Core", "tunnel connected on %s", t.TunnelInterface)
	case tstate.TransitionConnecting:
		log.Infof("Core", "tunnel connecting")
	case tstate.TransitionDisconnecting:
		log.Infof("Core", "tunnel disconnecting, after=%v", t.After.Kind)
	case tstate.TransitionDisconnected:
		log.Infof("Core", "tunnel disconnected")
	case tstate.TransitionError:
		log.Errorf("Core", "tunnel entered error state: %v", t.Cause)
	}
}
