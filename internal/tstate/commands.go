package tstate

import (
	"net/netip"

	"ianus-tunnel/internal/firewall"
)

// CommandKind discriminates Command's variant. Names mirror the command
// table each state handler implements.
type CommandKind int

const (
	CmdConnect CommandKind = iota
	CmdDisconnect
	CmdAllowLAN
	CmdAllowEndpoint
	CmdDNS
	CmdBlockWhenDisconnected
	CmdConnectivity
	CmdBlock
	CmdBypassSocket
	CmdSetExcludedApps
	CmdAppleServicesBypass
)

func (k CommandKind) String() string {
	switch k {
	case CmdConnect:
		return "Connect"
	case CmdDisconnect:
		return "Disconnect"
	case CmdAllowLAN:
		return "AllowLan"
	case CmdAllowEndpoint:
		return "AllowEndpoint"
	case CmdDNS:
		return "Dns"
	case CmdBlockWhenDisconnected:
		return "BlockWhenDisconnected"
	case CmdConnectivity:
		return "Connectivity"
	case CmdBlock:
		return "Block"
	case CmdBypassSocket:
		return "BypassSocket"
	case CmdSetExcludedApps:
		return "SetExcludedApps"
	case CmdAppleServicesBypass:
		return "AppleServicesBypass"
	default:
		return "Unknown"
	}
}

// Command is one request on the dispatcher's command channel. Ack, when
// non-nil, receives exactly one value once the side effects the command
// implies (if any) have completed — nil on success, non-nil on failure.
// Commands the table marks as always-succeeding still ack with nil so a
// caller can block until the command has been applied rather than merely
// enqueued. Ack must be buffered with capacity at least 1: the dispatcher
// sends without a corresponding receive guaranteed to be in flight yet, and
// a caller who stops waiting must never wedge the dispatcher goroutine.
type Command struct {
	Kind CommandKind
	Ack  chan<- error

	Connect    TunnelParameters
	AllowLAN   bool
	Endpoint   firewall.AllowedEndpoint
	DNS        []netip.Addr
	BlockWhenDisconnected bool
	Connectivity Connectivity
	BlockCause ErrorStateCause
	BypassDest netip.Addr
	ExcludedApps []string
	AppleServicesBypass bool
}

func ack(c Command, err error) {
	if c.Ack == nil {
		return
	}
	c.Ack <- err
}
