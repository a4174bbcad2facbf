// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package enforcer

import (
	"bytes"
	"net"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"

	"grimm.is/cellmeter/internal/errors"
)

const (
	nftTableName = "cellmeter"
	nftChainName = "forward"
	nftSetV4Name = "cellmeter_blocked_v4"
	nftSetV6Name = "cellmeter_blocked_v6"

	// IPv4 source-address offset within the network header; IPv6's is 8.
	ipv4SrcOffset = 12
	ipv6SrcOffset = 8
)

// RejectFilter manages the idempotent forwarding-reject nftables rule: a
// subscriber IP present in either family's blocked set has its forwarded
// traffic dropped. Presence is checked before every mutation so repeated
// installs or removals are no-ops.
type RejectFilter struct {
	table *nftables.Table
	setV4 *nftables.Set
	setV6 *nftables.Set
}

// NewRejectFilter returns a RejectFilter bound to the cellmeter inet
// table's blocked-IP sets. EnsureChain must be called once before Install
// or Remove are used.
func NewRejectFilter() *RejectFilter {
	table := &nftables.Table{Name: nftTableName, Family: nftables.TableFamilyINet}
	return &RejectFilter{
		table: table,
		setV4: &nftables.Set{Table: table, Name: nftSetV4Name, KeyType: nftables.TypeIPAddr},
		setV6: &nftables.Set{Table: table, Name: nftSetV6Name, KeyType: nftables.TypeIP6Addr},
	}
}

// EnsureChain creates the table, forward chain, both blocked-IP sets, and
// the two drop rules matching against them, if they do not already exist.
// Safe to call on every startup.
func (r *RejectFilter) EnsureChain() error {
	conn, err := nftables.New()
	if err != nil {
		return errors.Wrap(err, errors.KindKernelEffect, "open nftables connection")
	}

	conn.AddTable(r.table)

	hook := *nftables.ChainHookForward
	prio := nftables.ChainPriorityFilter

	chain := conn.AddChain(&nftables.Chain{
		Name:     nftChainName,
		Table:    r.table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  &hook,
		Priority: prio,
		Policy:   chainPolicyAccept(),
	})
	// Drop whatever rules an earlier run left in the chain, so the two
	// rules below are its only contents.
	conn.FlushChain(chain)

	if err := conn.AddSet(r.setV4, nil); err != nil {
		return errors.Wrap(err, errors.KindKernelEffect, "add v4 blocked set")
	}
	if err := conn.AddSet(r.setV6, nil); err != nil {
		return errors.Wrap(err, errors.KindKernelEffect, "add v6 blocked set")
	}

	conn.AddRule(dropRule(r.table, chain, r.setV4, ipv4SrcOffset, 4))
	conn.AddRule(dropRule(r.table, chain, r.setV6, ipv6SrcOffset, 16))

	return errors.Wrap(conn.Flush(), errors.KindKernelEffect, "flush nftables bootstrap")
}

func chainPolicyAccept() *nftables.ChainPolicy {
	p := nftables.ChainPolicyAccept
	return &p
}

// nfProtoForFamily is the NFPROTO_* constant gating dropRule to the address
// family its set and payload offset are built for, since an inet-family
// chain sees both v4 and v6 packets on the same hook.
func nfProtoForFamily(length uint32) byte {
	if length == 4 {
		return unix_NFPROTO_IPV4
	}
	return unix_NFPROTO_IPV6
}

const (
	unix_NFPROTO_IPV4 = 2
	unix_NFPROTO_IPV6 = 10
)

// dropRule matches the forwarded packet's source address against set and
// drops on a hit: `ip/ip6 saddr @set drop`, gated to the address family
// set/offset/length describe.
func dropRule(table *nftables.Table, chain *nftables.Chain, set *nftables.Set, offset, length uint32) *nftables.Rule {
	return &nftables.Rule{
		Table: table,
		Chain: chain,
		Exprs: []expr.Any{
			&expr.Meta{Key: expr.MetaKeyNFPROTO, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{nfProtoForFamily(length)}},
			&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: offset, Len: length},
			&expr.Lookup{SourceRegister: 1, SetName: set.Name},
			&expr.Verdict{Kind: expr.VerdictDrop},
		},
	}
}

// Install adds ip to the blocked set. A no-op if ip is already present.
func (r *RejectFilter) Install(ip string) error {
	conn, err := nftables.New()
	if err != nil {
		return errors.Wrap(err, errors.KindKernelEffect, "open nftables connection")
	}

	set, key, err := r.setAndKey(ip)
	if err != nil {
		return err
	}

	present, err := r.isBlocked(conn, ip)
	if err != nil {
		return err
	}
	if present {
		return nil
	}

	if err := conn.SetAddElements(set, []nftables.SetElement{{Key: key}}); err != nil {
		return errors.Wrap(err, errors.KindKernelEffect, "add blocked ip")
	}
	return errors.Wrap(conn.Flush(), errors.KindKernelEffect, "flush nftables")
}

// Remove deletes ip from the blocked set. A no-op if ip is absent.
func (r *RejectFilter) Remove(ip string) error {
	conn, err := nftables.New()
	if err != nil {
		return errors.Wrap(err, errors.KindKernelEffect, "open nftables connection")
	}

	set, key, err := r.setAndKey(ip)
	if err != nil {
		return err
	}

	present, err := r.isBlocked(conn, ip)
	if err != nil {
		return err
	}
	if !present {
		return nil
	}

	if err := conn.SetDeleteElements(set, []nftables.SetElement{{Key: key}}); err != nil {
		return errors.Wrap(err, errors.KindKernelEffect, "remove blocked ip")
	}
	return errors.Wrap(conn.Flush(), errors.KindKernelEffect, "flush nftables")
}

// IsBlocked reports whether ip currently has a forwarding-reject filter.
func (r *RejectFilter) IsBlocked(ip string) (bool, error) {
	conn, err := nftables.New()
	if err != nil {
		return false, errors.Wrap(err, errors.KindKernelEffect, "open nftables connection")
	}
	return r.isBlocked(conn, ip)
}

func (r *RejectFilter) setAndKey(ip string) (*nftables.Set, []byte, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, nil, errors.Errorf(errors.KindKernelEffect, "invalid ip: %s", ip)
	}
	if v4 := parsed.To4(); v4 != nil {
		return r.setV4, v4, nil
	}
	return r.setV6, parsed.To16(), nil
}

func (r *RejectFilter) isBlocked(conn *nftables.Conn, ip string) (bool, error) {
	set, key, err := r.setAndKey(ip)
	if err != nil {
		return false, err
	}

	existing, err := conn.GetSetByName(r.table, set.Name)
	if err != nil {
		// Set doesn't exist yet: nothing is blocked.
		return false, nil
	}

	elements, err := conn.GetSetElements(existing)
	if err != nil {
		return false, errors.Wrap(err, errors.KindKernelEffect, "list blocked ips")
	}

	for _, el := range elements {
		if bytes.Equal(el.Key, key) {
			return true, nil
		}
	}
	return false, nil
}
