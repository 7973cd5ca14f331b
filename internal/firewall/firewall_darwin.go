//go:build darwin

package firewall

import (
	"fmt"
	"log"
	"os/exec"
	"strings"
	"sync"
)

const pfAnchor = "com.ianus.tunnel"

// PFFirewall implements Firewall by loading a whole ruleset into a single
// pf(4) anchor on every ApplyPolicy call. Unlike the teacher's advisory
// per-process PF anchors (macOS PF cannot filter by process), this backend
// implements the state machine's actual default-deny-with-pinholes model:
// default block, then permit rules for the peer endpoint, LAN, DNS and the
// allowed-endpoint pinhole.
type PFFirewall struct {
	mu      sync.Mutex
	enabled bool
}

// NewPFFirewall enables pf with reference counting (pfctl -E). The anchor
// used for every policy this process installs is loaded by ApplyPolicy.
func NewPFFirewall() (*PFFirewall, error) {
	f := &PFFirewall{}
	if out, err := exec.Command("pfctl", "-E").CombinedOutput(); err != nil {
		return nil, fmt.Errorf("[Firewall] pfctl -E: %s: %w", strings.TrimSpace(string(out)), err)
	}
	f.enabled = true
	return f, nil
}

func (f *PFFirewall) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.enabled {
		return nil
	}
	exec.Command("pfctl", "-a", pfAnchor, "-F", "all").Run()
	f.enabled = false
	return nil
}

func (f *PFFirewall) ApplyPolicy(p Policy) *PolicyError {
	f.mu.Lock()
	defer f.mu.Unlock()

	ruleset := buildPFRuleset(p)

	cmd := exec.Command("pfctl", "-a", pfAnchor, "-f", "-")
	cmd.Stdin = strings.NewReader(ruleset)
	if out, err := cmd.CombinedOutput(); err != nil {
		return &PolicyError{Kind: ErrorGeneric, Err: fmt.Errorf("[Firewall] pfctl load anchor: %s: %w", strings.TrimSpace(string(out)), err)}
	}

	log.Printf("[Firewall] Applied policy: %s", p)
	return nil
}

// buildPFRuleset renders a Policy as a pf.conf fragment: block everything by
// default, then pass rules for the concrete permits. Rules are evaluated
// last-match-wins in pf, so permits are written after the block-all line.
func buildPFRuleset(p Policy) string {
	var b strings.Builder
	b.WriteString("block all\n")

	permit := func(ep AllowedEndpoint) {
		fmt.Fprintf(&b, "pass out proto {tcp udp} to %s port %d\n", ep.Endpoint.Addr(), ep.Endpoint.Port())
	}
	lan := func() {
		for _, cidr := range []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "169.254.0.0/16"} {
			fmt.Fprintf(&b, "pass out to %s\n", cidr)
		}
	}

	switch p.Kind {
	case KindConnecting:
		c := p.Connecting
		permit(AllowedEndpoint{Endpoint: c.PeerEndpoint})
		permit(c.AllowedEndpoint)
		if c.AllowLAN {
			lan()
		}
	case KindConnected:
		c := p.Connected
		permit(AllowedEndpoint{Endpoint: c.PeerEndpoint})
		permit(c.AllowedEndpoint)
		if c.TunnelInterface != "" {
			fmt.Fprintf(&b, "pass out on %s\n", c.TunnelInterface)
		}
		for _, dns := range c.DNSConfig.Servers {
			fmt.Fprintf(&b, "pass out proto udp to %s port 53\n", dns)
		}
		if c.AllowLAN {
			lan()
		}
	case KindBlocked:
		permit(p.Blocked.AllowedEndpoint)
		if p.Blocked.AllowLAN {
			lan()
		}
	}

	return b.String()
}
