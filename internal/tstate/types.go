// Package tstate implements the tunnel lifecycle state machine: the set of
// states a client-side VPN tunnel moves through, the commands and tunnel
// events that drive transitions, and the single dispatcher goroutine that
// owns the current state.
//
// States are a tagged struct rather than an interface with one
// implementation per variant: a Kind discriminant selects which of the
// variant-specific pointer fields is populated, and the dispatcher
// switches on Kind to call the matching handler function. This keeps
// transitions as ordinary Go values (easy to log, easy to assert on in
// tests) instead of hiding them behind dynamic dispatch.
package tstate

import (
	"net/netip"

	"ianus-tunnel/internal/firewall"
	"ianus-tunnel/internal/tunnelworker"
)

// StateKind discriminates TunnelState's variant.
type StateKind int

const (
	StateDisconnected StateKind = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateError
)

func (k StateKind) String() string {
	switch k {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDisconnecting:
		return "Disconnecting"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// TunnelState is the dispatcher's current-state value. Exactly one of the
// variant-specific fields is populated, selected by Kind.
type TunnelState struct {
	Kind          StateKind
	Connecting    *ConnectingState
	Connected     *ConnectedState
	Disconnecting *DisconnectingState
	Error         *ErrorState
}

func Disconnected() TunnelState { return TunnelState{Kind: StateDisconnected} }

// ConnectingState: a tunnel worker has been spawned and is starting up.
type ConnectingState struct {
	Parameters   TunnelParameters
	RetryAttempt int
	Worker       *tunnelworker.Handle
}

// ConnectedState: the tunnel is up and metadata is known.
type ConnectedState struct {
	Metadata   tunnelworker.Metadata
	Parameters TunnelParameters
	Worker     *tunnelworker.Handle
}

// DisconnectingState: teardown is in flight; After records the
// pre-committed destination decided at the moment disconnection began.
type DisconnectingState struct {
	CloseEvent <-chan *tunnelworker.ErrorCause
	After      AfterDisconnect
}

// ErrorState: a blocking failure state. All non-allowed-endpoint traffic
// is blocked until a Connect or Disconnect command is handled.
type ErrorState struct {
	Cause ErrorStateCause
}

// AfterDisconnectKind discriminates AfterDisconnect's variant.
type AfterDisconnectKind int

const (
	AfterNothing AfterDisconnectKind = iota
	AfterBlock
	AfterReconnect
)

// AfterDisconnect is recorded at Disconnecting entry and names the state
// the machine will enter once teardown's close_event resolves.
type AfterDisconnect struct {
	Kind         AfterDisconnectKind
	Cause        ErrorStateCause  // valid when Kind == AfterBlock
	RetryAttempt int              // valid when Kind == AfterReconnect
	Parameters   TunnelParameters // valid when Kind == AfterReconnect
}

func AfterDisconnectNothing() AfterDisconnect { return AfterDisconnect{Kind: AfterNothing} }
func AfterDisconnectBlock(cause ErrorStateCause) AfterDisconnect {
	return AfterDisconnect{Kind: AfterBlock, Cause: cause}
}
func AfterDisconnectReconnect(attempt int, params TunnelParameters) AfterDisconnect {
	return AfterDisconnect{Kind: AfterReconnect, RetryAttempt: attempt, Parameters: params}
}

// ErrorCauseKind discriminates ErrorStateCause's variant.
type ErrorCauseKind int

const (
	CauseSetFirewallPolicyError ErrorCauseKind = iota
	CauseSetDNSError
	CauseStartTunnelError
	CauseIsOffline
	CauseSplitTunnelError
	CauseAuthFailed
)

func (k ErrorCauseKind) String() string {
	switch k {
	case CauseSetFirewallPolicyError:
		return "SetFirewallPolicyError"
	case CauseSetDNSError:
		return "SetDnsError"
	case CauseStartTunnelError:
		return "StartTunnelError"
	case CauseIsOffline:
		return "IsOffline"
	case CauseSplitTunnelError:
		return "SplitTunnelError"
	case CauseAuthFailed:
		return "AuthFailed"
	default:
		return "Unknown"
	}
}

// ErrorStateCause carries enough detail for the outer observer to classify
// why the machine blocked.
type ErrorStateCause struct {
	Kind          ErrorCauseKind
	FirewallError *firewall.PolicyError
	Err           error
}

func (c ErrorStateCause) Error() string {
	if c.Err != nil {
		return c.Kind.String() + ": " + c.Err.Error()
	}
	if c.FirewallError != nil {
		return c.Kind.String() + ": " + c.FirewallError.Error()
	}
	return c.Kind.String()
}

// TunnelMetadata is re-exported at the tunnelworker boundary; tstate code
// refers to it as tunnelworker.Metadata directly, this alias exists only
// for readability in state-table comments.
type TunnelMetadata = tunnelworker.Metadata

// TunnelParameters is the user-selected configuration for one connection
// attempt. Immutable per attempt; a reconfiguration always produces a new
// TunnelParameters and a full reconnect.
type TunnelParameters struct {
	Peer       netip.AddrPort
	Protocol   tunnelworker.Protocol
	ConfigFile string
	LocalProxy *tunnelworker.LocalProxyConfig
}

// peerClients returns the allowed-clients policy for this parameter set:
// root/system only by default, widened to any when the peer is reached
// through a local proxy (spec glossary: "Allowed clients").
func (p TunnelParameters) peerClients() firewall.AllowedClients {
	if p.LocalProxy != nil {
		return firewall.AllowedClientsAny
	}
	return firewall.AllowedClientsRootOnly
}

func (p TunnelParameters) workerParameters() tunnelworker.Parameters {
	return tunnelworker.Parameters{
		Protocol:   p.Protocol,
		Peer:       p.Peer,
		ConfigFile: p.ConfigFile,
		LocalProxy: p.LocalProxy,
	}
}

// TransitionKind mirrors the TunnelStateTransition variants published on
// the observer channel.
type TransitionKind int

const (
	TransitionDisconnected TransitionKind = iota
	TransitionConnecting
	TransitionConnected
	TransitionDisconnecting
	TransitionError
)

// Transition is one notification on the observer channel. TunnelInterface
// is set only for TransitionConnected.
type Transition struct {
	Kind            TransitionKind
	TunnelInterface string
	After           AfterDisconnect
	Cause           ErrorStateCause
}

// outcome is what a state handler returns to the dispatcher: the state to
// continue in (possibly unchanged) and, when it differs from the state the
// handler started in, the transition notification to publish.
type outcome struct {
	next       TunnelState
	transition *Transition
}

func same(s TunnelState) outcome { return outcome{next: s} }
