//go:build linux

package routemanager

import (
	"fmt"
	"log"
	"net"
	"net/netip"
	"sync"

	"github.com/vishvananda/netlink"
)

// policyRulePriority is the priority band reserved for the rules this
// process installs, kept below the kernel's default main-table rule
// (32766) so ours are consulted first.
const policyRulePriority = 100

// NetlinkRouteManager implements Manager using rtnetlink directly, including
// the policy-routing rule table that only Linux exposes (original_source's
// clear_routing_rules is gated #[cfg(target_os = "linux")] for the same
// reason).
type NetlinkRouteManager struct {
	mu            sync.Mutex
	realNIC       RealNIC
	tableID       int
	defaultRoutes []netlink.Route
	bypassRoutes  []netlink.Route
	rules         []*netlink.Rule
}

func NewNetlinkRouteManager(tableID int) *NetlinkRouteManager {
	if tableID == 0 {
		tableID = 0x1A70 // arbitrary non-conflicting routing table id
	}
	return &NetlinkRouteManager{tableID: tableID}
}

func (rm *NetlinkRouteManager) DiscoverRealNIC() (RealNIC, error) {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return RealNIC{}, fmt.Errorf("[Route] list routes: %w", err)
	}

	for _, r := range routes {
		if r.Dst != nil {
			continue // only the default route has a nil Dst
		}
		if r.Gw == nil {
			continue
		}
		link, err := netlink.LinkByIndex(r.LinkIndex)
		if err != nil {
			return RealNIC{}, fmt.Errorf("[Route] link by index %d: %w", r.LinkIndex, err)
		}

		gw, ok := netip.AddrFromSlice(r.Gw.To4())
		if !ok {
			continue
		}
		nic := RealNIC{Index: uint32(r.LinkIndex), Gateway: gw}

		addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
		if err == nil && len(addrs) > 0 {
			if ip, ok := netip.AddrFromSlice(addrs[0].IP.To4()); ok {
				nic.LocalIP = ip
			}
		}

		rm.mu.Lock()
		rm.realNIC = nic
		rm.mu.Unlock()

		log.Printf("[Route] Real NIC: %s (index=%d, gateway=%s)", link.Attrs().Name, nic.Index, nic.Gateway)
		return nic, nil
	}

	return RealNIC{}, fmt.Errorf("[Route] no default route found")
}

// SetDefaultRoute installs split 0.0.0.0/1 + 128.0.0.0/1 routes through the
// tunnel interface in the main table, matching the split-route trick used
// on the other platform backends to override a default route without
// deleting it.
func (rm *NetlinkRouteManager) SetDefaultRoute(tunnelInterface string) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if len(rm.defaultRoutes) > 0 {
		return nil
	}

	link, err := netlink.LinkByName(tunnelInterface)
	if err != nil {
		return fmt.Errorf("[Route] link %s: %w", tunnelInterface, err)
	}

	for _, cidr := range []string{"0.0.0.0/1", "128.0.0.0/1"} {
		_, dst, _ := net.ParseCIDR(cidr)
		route := netlink.Route{
			LinkIndex: link.Attrs().Index,
			Dst:       dst,
			Scope:     netlink.SCOPE_LINK,
		}
		if err := netlink.RouteAdd(&route); err != nil {
			return fmt.Errorf("[Route] add %s via %s: %w", cidr, tunnelInterface, err)
		}
		rm.defaultRoutes = append(rm.defaultRoutes, route)
	}
	return nil
}

func (rm *NetlinkRouteManager) AddBypassRoute(dst netip.Addr) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if !rm.realNIC.Gateway.IsValid() {
		return fmt.Errorf("[Route] no real NIC gateway for bypass route")
	}

	route := netlink.Route{
		LinkIndex: int(rm.realNIC.Index),
		Dst:       &net.IPNet{IP: dst.AsSlice(), Mask: net.CIDRMask(32, 32)},
		Gw:        net.IP(rm.realNIC.Gateway.AsSlice()),
	}
	if err := netlink.RouteAdd(&route); err != nil {
		return fmt.Errorf("[Route] bypass %s: %w", dst, err)
	}
	rm.bypassRoutes = append(rm.bypassRoutes, route)
	return nil
}

func (rm *NetlinkRouteManager) ClearRoutes() error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	var lastErr error
	for _, r := range rm.defaultRoutes {
		route := r
		if err := netlink.RouteDel(&route); err != nil {
			lastErr = err
		}
	}
	rm.defaultRoutes = nil
	for _, r := range rm.bypassRoutes {
		route := r
		if err := netlink.RouteDel(&route); err != nil {
			lastErr = err
		}
	}
	rm.bypassRoutes = nil
	return lastErr
}

// ClearRoutingRules tears down the policy-routing rules this process added
// to rm.tableID. This is the operation that has no equivalent on darwin or
// windows: Linux alone separates "which table answers this lookup" (ip
// rule) from "what's in that table" (ip route).
func (rm *NetlinkRouteManager) ClearRoutingRules() error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	var lastErr error
	for _, rule := range rm.rules {
		if err := netlink.RuleDel(rule); err != nil {
			lastErr = err
		}
	}
	rm.rules = nil
	return lastErr
}

// addRoutingRule installs a fwmark-based policy rule directing marked
// packets to rm.tableID, ahead of the kernel's main table lookup. Kept
// unexported: only AddBypassRoute's darwin/windows counterparts are part of
// the public Manager surface, this is Linux-specific plumbing tests can
// still reach via the concrete type.
func (rm *NetlinkRouteManager) addRoutingRule(fwmark uint32) error {
	rule := netlink.NewRule()
	rule.Mark = fwmark
	rule.Table = rm.tableID
	rule.Priority = policyRulePriority

	if err := netlink.RuleAdd(rule); err != nil {
		return fmt.Errorf("[Route] add rule fwmark=%d table=%d: %w", fwmark, rm.tableID, err)
	}
	rm.rules = append(rm.rules, rule)
	return nil
}
