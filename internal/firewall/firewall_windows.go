//go:build windows

package firewall

import (
	"fmt"
	"log"
	"sync"

	"golang.org/x/sys/windows"

	"github.com/tailscale/wf"
)

// WFPFirewall implements Firewall using the Windows Filtering Platform via
// a single dynamic session. ApplyPolicy deletes the previous policy's rules
// one at a time and then adds the new policy's rules; the two steps are not
// one transaction, so between them none of this session's rules are
// installed. Two policies' rules are never present together. If adding a
// rule fails, the rules added so far are deleted and no rules remain.
type WFPFirewall struct {
	mu      sync.Mutex
	session *wf.Session
	nextSeq uint32
	active  []wf.RuleID
}

var ianusProviderID = wf.ProviderID{
	Data1: 0x1A705001,
	Data2: 0x0001,
	Data3: 0x0001,
	Data4: [8]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08},
}

var ianusSublayerID = wf.SublayerID{
	Data1: 0x1A705002,
	Data2: 0x0002,
	Data3: 0x0002,
	Data4: [8]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08},
}

// NewWFPFirewall opens a dynamic WFP session and registers the provider and
// sublayer used for every policy this process installs. Dynamic=true means
// all rules are removed automatically if the process dies.
func NewWFPFirewall() (*WFPFirewall, error) {
	sess, err := wf.New(&wf.Options{
		Name:        "Ianus Tunnel",
		Description: "Tunnel state machine firewall policy",
		Dynamic:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("[Firewall] open WFP session: %w", err)
	}

	if err := sess.AddProvider(&wf.Provider{
		ID:          ianusProviderID,
		Name:        "Ianus Tunnel",
		Description: "Ianus Tunnel WFP Provider",
	}); err != nil {
		sess.Close()
		return nil, fmt.Errorf("[Firewall] add provider: %w", err)
	}

	if err := sess.AddSublayer(&wf.Sublayer{
		ID:       ianusSublayerID,
		Name:     "Ianus Tunnel Policy",
		Provider: ianusProviderID,
		Weight:   0x0F,
	}); err != nil {
		sess.Close()
		return nil, fmt.Errorf("[Firewall] add sublayer: %w", err)
	}

	return &WFPFirewall{session: sess}, nil
}

func (w *WFPFirewall) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.session == nil {
		return nil
	}
	err := w.session.Close()
	w.session = nil
	return err
}

// ApplyPolicy replaces all currently installed rules with the rules for the
// given policy. Block-everything-by-default, then punch permit holes —
// matches the Connecting/Connected/Blocked semantics in policy.go.
func (w *WFPFirewall) ApplyPolicy(p Policy) *PolicyError {
	w.mu.Lock()
	defer w.mu.Unlock()

	rules := w.buildRules(p)

	for _, id := range w.active {
		w.session.DeleteRule(id)
	}
	w.active = nil

	var installed []wf.RuleID
	for _, r := range rules {
		id := w.nextRuleID()
		r.ID = id
		if err := w.session.AddRule(r); err != nil {
			for _, rid := range installed {
				w.session.DeleteRule(rid)
			}
			return &PolicyError{Kind: ErrorGeneric, Err: fmt.Errorf("[Firewall] add rule %q: %w", r.Name, err)}
		}
		installed = append(installed, id)
	}

	w.active = installed
	log.Printf("[Firewall] Applied policy: %s (%d rules)", p, len(installed))
	return nil
}

func (w *WFPFirewall) nextRuleID() wf.RuleID {
	w.nextSeq++
	guid, err := windows.GenerateGUID()
	if err != nil {
		return wf.RuleID{
			Data1: 0x1A705100 + w.nextSeq,
			Data2: 0x0001,
			Data3: 0x0001,
			Data4: [8]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08},
		}
	}
	return wf.RuleID(guid)
}

// buildRules compiles a Policy into the ordered set of WFP rules that
// implement it: one low-weight block-all rule plus higher-weight permits.
func (w *WFPFirewall) buildRules(p Policy) []*wf.Rule {
	var rules []*wf.Rule

	blockAll := &wf.Rule{
		Name:     "ianus: block all (default)",
		Layer:    wf.LayerALEAuthConnectV4,
		Sublayer: ianusSublayerID,
		Weight:   1,
		Action:   wf.ActionBlock,
	}
	rules = append(rules, blockAll)

	permitEndpoint := func(name string, ep AllowedEndpoint) *wf.Rule {
		return &wf.Rule{
			Name:     name,
			Layer:    wf.LayerALEAuthConnectV4,
			Sublayer: ianusSublayerID,
			Weight:   1000,
			Conditions: []*wf.Match{
				{Field: wf.FieldIPRemoteAddress, Op: wf.MatchTypeEqual, Value: ep.Endpoint.Addr()},
				{Field: wf.FieldIPRemotePort, Op: wf.MatchTypeEqual, Value: ep.Endpoint.Port()},
			},
			Action: wf.ActionPermit,
		}
	}

	switch p.Kind {
	case KindConnecting:
		c := p.Connecting
		rules = append(rules, permitEndpoint("ianus: peer endpoint (connecting)", AllowedEndpoint{Endpoint: c.PeerEndpoint, Clients: c.PeerClients}))
		rules = append(rules, permitEndpoint("ianus: allowed endpoint", c.AllowedEndpoint))
		if c.AllowLAN {
			rules = append(rules, lanPermitRules()...)
		}
	case KindConnected:
		c := p.Connected
		rules = append(rules, permitEndpoint("ianus: peer endpoint (connected)", AllowedEndpoint{Endpoint: c.PeerEndpoint, Clients: c.PeerClients}))
		rules = append(rules, permitEndpoint("ianus: allowed endpoint", c.AllowedEndpoint))
		rules = append(rules, &wf.Rule{
			Name:     "ianus: tunnel interface traffic",
			Layer:    wf.LayerALEAuthConnectV4,
			Sublayer: ianusSublayerID,
			Weight:   900,
			Conditions: []*wf.Match{
				{Field: wf.FieldIPLocalInterface, Op: wf.MatchTypeEqual, Value: c.TunnelInterface},
			},
			Action: wf.ActionPermit,
		})
		for _, dns := range c.DNSConfig.Servers {
			rules = append(rules, &wf.Rule{
				Name:     "ianus: dns server",
				Layer:    wf.LayerALEAuthConnectV4,
				Sublayer: ianusSublayerID,
				Weight:   950,
				Conditions: []*wf.Match{
					{Field: wf.FieldIPRemoteAddress, Op: wf.MatchTypeEqual, Value: dns},
					{Field: wf.FieldIPRemotePort, Op: wf.MatchTypeEqual, Value: uint16(53)},
				},
				Action: wf.ActionPermit,
			})
		}
		if c.AllowLAN {
			rules = append(rules, lanPermitRules()...)
		}
	case KindBlocked:
		b := p.Blocked
		rules = append(rules, permitEndpoint("ianus: allowed endpoint", b.AllowedEndpoint))
		if b.AllowLAN {
			rules = append(rules, lanPermitRules()...)
		}
	}

	return rules
}

// lanPermitRules permits the RFC 1918 and link-local ranges used by the
// private-network heuristic. A real deployment would enumerate the host's
// actual subnets; this mirrors the fixed private-range permit the teacher's
// WFP and PF backends both use.
func lanPermitRules() []*wf.Rule {
	private := []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "169.254.0.0/16"}
	rules := make([]*wf.Rule, 0, len(private))
	for _, cidr := range private {
		rules = append(rules, &wf.Rule{
			Name:     "ianus: allow lan " + cidr,
			Layer:    wf.LayerALEAuthConnectV4,
			Sublayer: ianusSublayerID,
			Weight:   800,
			Conditions: []*wf.Match{
				{Field: wf.FieldIPRemoteAddress, Op: wf.MatchTypeEqualRange, Value: cidr},
			},
			Action: wf.ActionPermit,
		})
	}
	return rules
}
