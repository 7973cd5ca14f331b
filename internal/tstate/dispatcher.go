package tstate

import (
	"context"
	"time"
)

// shutdownGracePeriod bounds how long Run waits for an in-flight worker
// teardown when its context is cancelled.
const shutdownGracePeriod = 5 * time.Second

// Dispatcher is the single goroutine that owns the current TunnelState. All
// state reads and writes happen on this goroutine; every other component
// talks to it only through the Commands channel and observes it only
// through the Transitions channel.
type Dispatcher struct {
	shared      *SharedTunnelStateValues
	commands    chan Command
	transitions chan Transition
	state       TunnelState
}

func NewDispatcher(shared *SharedTunnelStateValues) *Dispatcher {
	return &Dispatcher{
		shared:      shared,
		commands:    make(chan Command, 16),
		transitions: make(chan Transition, 16),
		state:       Disconnected(),
	}
}

// Commands returns the channel callers send Command values on.
func (d *Dispatcher) Commands() chan<- Command { return d.commands }

// Transitions returns the observer channel: one Transition per state
// change, published after the change has already taken effect. The channel
// buffers 16 transitions; when it is full, Run drops the transition with a
// warning instead of blocking.
func (d *Dispatcher) Transitions() <-chan Transition { return d.transitions }

// State returns the dispatcher's current state. Safe to call only from the
// dispatcher goroutine itself (e.g. from a state handler); external
// callers must use Transitions for a consistent view.
func (d *Dispatcher) State() TunnelState { return d.state }

// Run is the dispatcher's main loop: read the current state, compute its
// event sources, wait for one to fire, hand the event to the matching
// state handler, and publish a transition if the handler changed state.
// Run returns when ctx is cancelled, after shutdown has torn down a tunnel
// that is still up. The state is not moved to Disconnected and no
// transition is published for that teardown.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.shutdown()
			return
		default:
		}

		out := d.step(ctx)
		if out.transition != nil {
			select {
			case d.transitions <- *out.transition:
			default:
				d.shared.log().Warnf("tstate", "observer channel full, dropping transition %v", out.transition.Kind)
			}
		}
		d.state = out.next
	}
}

// shutdown forces a teardown when the dispatcher's context is cancelled
// with a tunnel still up, so process exit never leaks firewall/DNS/route
// state. It does not wait for AfterDisconnect's eventual destination, and
// bounds every wait so a wedged worker can't hang process exit forever.
func (d *Dispatcher) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()

	switch d.state.Kind {
	case StateConnecting:
		closeWorker(shutdownCtx, d.shared, d.state.Connecting.Worker)
		d.shared.releaseRoutes()
	case StateConnected:
		resetDNS(d.shared)
		closeWorker(shutdownCtx, d.shared, d.state.Connected.Worker)
		d.shared.releaseRoutes()
	case StateDisconnecting:
		select {
		case <-d.state.Disconnecting.CloseEvent:
		case <-shutdownCtx.Done():
		}
	}
}

// step waits for the next applicable event for the current state and
// dispatches it. Disconnected and Error only ever react to commands, so
// they have no fairness concern; Connecting, Connected and Disconnecting
// additionally race the tunnel worker's event/close channels against the
// command channel, and must not let a busy command channel starve worker
// events or vice versa.
func (d *Dispatcher) step(ctx context.Context) outcome {
	switch d.state.Kind {
	case StateDisconnected:
		select {
		case cmd := <-d.commands:
			return handleDisconnected(ctx, d.shared, cmd)
		case <-ctx.Done():
			return same(d.state)
		}

	case StateError:
		select {
		case cmd := <-d.commands:
			return handleError(ctx, d.shared, *d.state.Error, cmd)
		case <-ctx.Done():
			return same(d.state)
		}

	case StateConnecting:
		return d.stepConnecting(ctx)

	case StateConnected:
		return d.stepConnected(ctx)

	case StateDisconnecting:
		return d.stepDisconnecting(ctx)
	}
	return same(d.state)
}

// stepConnecting, stepConnected and stepDisconnecting each race their
// event sources in a single select: Go's select already picks uniformly
// among whichever cases are ready, so none of the sources can starve the
// others as long as every source is in the same select statement. The
// fairness requirement is structural, not an algorithm to implement: never
// split this into a nested or prioritized select that checks one channel
// before the others.
func (d *Dispatcher) stepConnecting(ctx context.Context) outcome {
	cs := d.state.Connecting
	select {
	case cmd := <-d.commands:
		return handleConnectingCommand(ctx, d.shared, *cs, cmd)
	case env := <-cs.Worker.Events:
		return handleConnectingEvent(ctx, d.shared, *cs, env)
	case cause := <-cs.Worker.CloseEvent:
		return handleConnectingClosed(d.shared, *cs, cause)
	case <-ctx.Done():
		return same(d.state)
	}
}

func (d *Dispatcher) stepConnected(ctx context.Context) outcome {
	cs := d.state.Connected
	select {
	case cmd := <-d.commands:
		return handleConnectedCommand(ctx, d.shared, *cs, cmd)
	case env := <-cs.Worker.Events:
		return handleConnectedEvent(ctx, d.shared, *cs, env)
	case cause := <-cs.Worker.CloseEvent:
		return handleConnectedClosed(d.shared, *cs, cause)
	case <-ctx.Done():
		return same(d.state)
	}
}

func (d *Dispatcher) stepDisconnecting(ctx context.Context) outcome {
	ds := d.state.Disconnecting
	select {
	case cmd := <-d.commands:
		return handleDisconnectingCommand(d.shared, *ds, cmd)
	case cause := <-ds.CloseEvent:
		return handleDisconnectingClosed(ctx, d.shared, *ds, cause)
	case <-ctx.Done():
		return same(d.state)
	}
}
