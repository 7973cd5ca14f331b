//go:build linux

package firewall

import (
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
)

// NFTFirewall implements Firewall using an nftables table owned entirely by
// this process: each ApplyPolicy flushes the table's output chain and
// re-adds the rule set for the new policy in one netlink batch, so there is
// no window with a half-applied policy.
type NFTFirewall struct {
	mu    sync.Mutex
	conn  *nftables.Conn
	table *nftables.Table
}

const nftTableName = "ianus_tunnel"

// NewNFTFirewall creates the owning table. The output-hook base chain,
// which defaults to drop, is added by ApplyPolicy.
func NewNFTFirewall() (*NFTFirewall, error) {
	conn, err := nftables.New()
	if err != nil {
		return nil, fmt.Errorf("[Firewall] nftables connect: %w", err)
	}

	f := &NFTFirewall{conn: conn}
	f.table = conn.AddTable(&nftables.Table{
		Family: nftables.TableFamilyINet,
		Name:   nftTableName,
	})
	if err := conn.Flush(); err != nil {
		return nil, fmt.Errorf("[Firewall] create table: %w", err)
	}
	return f, nil
}

func (f *NFTFirewall) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conn.DelTable(f.table)
	return f.conn.Flush()
}

func (f *NFTFirewall) ApplyPolicy(p Policy) *PolicyError {
	f.mu.Lock()
	defer f.mu.Unlock()

	// Rebuild the output chain's rules from scratch: add the chain, flush it
	// and re-add every rule in one batch rather than diffing, matching the
	// dispatcher's "apply the whole policy atomically"
	// expectation (invariant 2 in spec.md §3).
	chain := f.conn.AddChain(&nftables.Chain{
		Name:     "output",
		Table:    f.table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookOutput,
		Priority: nftables.ChainPriorityFilter,
		Policy:   chainPolicy(nftables.ChainPolicyDrop),
	})
	f.conn.FlushChain(chain)

	for _, rule := range buildNFTRules(chain, p) {
		f.conn.AddRule(rule)
	}

	if err := f.conn.Flush(); err != nil {
		return &PolicyError{Kind: ErrorGeneric, Err: fmt.Errorf("[Firewall] nft flush: %w", err)}
	}

	log.Printf("[Firewall] Applied policy: %s", p)
	return nil
}

func chainPolicy(p nftables.ChainPolicy) *nftables.ChainPolicy { return &p }

// buildNFTRules compiles the permit set for a policy into nftables rules
// appended to the default-drop output chain. Each permit matches the IPv4
// destination address only; the port is not matched. The Connected policy
// also accepts all traffic leaving through the tunnel interface. AllowLAN
// and the allowed-clients setting are not applied by this backend.
func buildNFTRules(chain *nftables.Chain, p Policy) []*nftables.Rule {
	var rules []*nftables.Rule

	permit := func(ip net.IP, port uint16) {
		rules = append(rules, &nftables.Rule{
			Table: chain.Table,
			Chain: chain,
			Exprs: []expr.Any{
				&expr.Payload{
					DestRegister: 1,
					Base:         expr.PayloadBaseNetworkHeader,
					Offset:       16,
					Len:          4,
				},
				&expr.Cmp{
					Op:       expr.CmpOpEq,
					Register: 1,
					Data:     ip.To4(),
				},
				&expr.Verdict{Kind: expr.VerdictAccept},
			},
		})
	}

	switch p.Kind {
	case KindConnecting:
		c := p.Connecting
		permit(net.IP(c.PeerEndpoint.Addr().AsSlice()), c.PeerEndpoint.Port())
		permit(net.IP(c.AllowedEndpoint.Endpoint.Addr().AsSlice()), c.AllowedEndpoint.Endpoint.Port())
	case KindConnected:
		c := p.Connected
		permit(net.IP(c.PeerEndpoint.Addr().AsSlice()), c.PeerEndpoint.Port())
		permit(net.IP(c.AllowedEndpoint.Endpoint.Addr().AsSlice()), c.AllowedEndpoint.Endpoint.Port())
		for _, dns := range c.DNSConfig.Servers {
			permit(net.IP(dns.AsSlice()), 53)
		}
		if c.TunnelInterface != "" {
			ifname := make([]byte, 16)
			copy(ifname, c.TunnelInterface)
			rules = append(rules, &nftables.Rule{
				Table: chain.Table,
				Chain: chain,
				Exprs: []expr.Any{
					&expr.Meta{Key: expr.MetaKeyOIFNAME, Register: 1},
					&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifname},
					&expr.Verdict{Kind: expr.VerdictAccept},
				},
			})
		}
	case KindBlocked:
		permit(net.IP(p.Blocked.AllowedEndpoint.Endpoint.Addr().AsSlice()), p.Blocked.AllowedEndpoint.Endpoint.Port())
	}

	return rules
}
