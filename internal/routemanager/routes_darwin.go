//go:build darwin

package routemanager

import (
	"fmt"
	"log"
	"net"
	"net/netip"
	"os/exec"
	"strings"
	"sync"
)

// BSDRouteManager implements Manager using the macOS route(8) command,
// adapted from the teacher's utun-oriented route manager. ClearRoutingRules
// is a no-op on macOS — policy-routing rules only exist on Linux.
type BSDRouteManager struct {
	mu            sync.Mutex
	realNIC       RealNIC
	defaultRoutes [][]string
	bypassRoutes  [][]string
}

func NewBSDRouteManager() *BSDRouteManager { return &BSDRouteManager{} }

func (rm *BSDRouteManager) DiscoverRealNIC() (RealNIC, error) {
	out, err := exec.Command("route", "-n", "get", "default").CombinedOutput()
	if err != nil {
		return RealNIC{}, fmt.Errorf("[Route] route get default: %w", err)
	}

	var gateway, ifName string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "gateway:"):
			gateway = strings.TrimSpace(line[len("gateway:"):])
		case strings.HasPrefix(line, "interface:"):
			ifName = strings.TrimSpace(line[len("interface:"):])
		}
	}
	if gateway == "" || ifName == "" {
		return RealNIC{}, fmt.Errorf("[Route] no default gateway found")
	}

	gw, err := netip.ParseAddr(gateway)
	if err != nil {
		return RealNIC{}, fmt.Errorf("[Route] parse gateway %q: %w", gateway, err)
	}
	iface, err := net.InterfaceByName(ifName)
	if err != nil {
		return RealNIC{}, fmt.Errorf("[Route] interface %s: %w", ifName, err)
	}

	nic := RealNIC{Index: uint32(iface.Index), Gateway: gw}
	if addrs, err := iface.Addrs(); err == nil {
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok {
				if ip4 := ipnet.IP.To4(); ip4 != nil {
					nic.LocalIP, _ = netip.AddrFromSlice(ip4)
					break
				}
			}
		}
	}

	rm.mu.Lock()
	rm.realNIC = nic
	rm.mu.Unlock()

	log.Printf("[Route] Real NIC: %s (index=%d, gateway=%s)", ifName, nic.Index, nic.Gateway)
	return nic, nil
}

func (rm *BSDRouteManager) SetDefaultRoute(tunnelInterface string) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if len(rm.defaultRoutes) > 0 {
		return nil
	}
	for _, prefix := range []string{"0.0.0.0/1", "128.0.0.0/1"} {
		if err := routeExec([]string{"-n", "add", "-net", prefix, "-interface", tunnelInterface}); err != nil {
			return fmt.Errorf("[Route] add %s: %w", prefix, err)
		}
		rm.defaultRoutes = append(rm.defaultRoutes, []string{"-n", "delete", "-net", prefix, "-interface", tunnelInterface})
	}
	return nil
}

func (rm *BSDRouteManager) AddBypassRoute(dst netip.Addr) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if !rm.realNIC.Gateway.IsValid() {
		return fmt.Errorf("[Route] no real NIC gateway for bypass route")
	}
	if err := routeExec([]string{"-n", "add", "-host", dst.String(), rm.realNIC.Gateway.String()}); err != nil {
		return fmt.Errorf("[Route] bypass %s: %w", dst, err)
	}
	rm.bypassRoutes = append(rm.bypassRoutes, []string{"-n", "delete", "-host", dst.String()})
	return nil
}

func (rm *BSDRouteManager) ClearRoutes() error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	var lastErr error
	for _, args := range rm.defaultRoutes {
		if err := routeExec(args); err != nil {
			lastErr = err
		}
	}
	rm.defaultRoutes = nil
	for _, args := range rm.bypassRoutes {
		if err := routeExec(args); err != nil {
			lastErr = err
		}
	}
	rm.bypassRoutes = nil
	return lastErr
}

// ClearRoutingRules is a no-op: macOS has no policy-routing rule table
// distinct from the route table (spec.md §6 calls this Linux-only).
func (rm *BSDRouteManager) ClearRoutingRules() error { return nil }

func routeExec(args []string) error {
	out, err := exec.Command("route", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("route %v: %s: %w", args, strings.TrimSpace(string(out)), err)
	}
	return nil
}
