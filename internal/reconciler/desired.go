package reconciler

import (
	"net/netip"
	"sort"

	"wgrouter/internal/model"
)

// ruleSpec is one desired `ip rule` entry.
type ruleSpec struct {
	Priority uint32
	Src      *netip.Prefix
	Dst      *netip.Prefix
	Table    string
}

// routeSpec is one desired `ip route` entry, scoped to a table.
type routeSpec struct {
	Table     string
	Dst       netip.Prefix
	Via       *netip.Addr
	Blackhole bool
}

// natSpec is one desired iptables NAT rule.
type natSpec struct {
	Src     netip.Prefix
	OutIf   string
	LAN     *netip.Prefix // non-nil: a NATExcludeLAN rule; nil: NATMasquerade
	Enabled bool
}

// forwardSpec is one desired FORWARD chain rule pair.
type forwardSpec struct {
	InIf, OutIf string
	Stateful    bool
	Enabled     bool
}

// desiredState is the full output of computeDesired: everything the
// reconciler needs to converge toward for one PolicyState+
// NetworkSnapshot pair.
type desiredState struct {
	Rules       []ruleSpec
	Routes      []routeSpec
	FlushTables []string
	NAT         []natSpec
	Forward     []forwardSpec

	// WipeIptables is set in Host mode: since desired NAT/Forward specs
	// carry no memory of what a prior Router session installed (and
	// there is no iptables "list our rules" primitive to diff against,
	// only IptablesLinesTagged for a raw tag scan), Host purity (P1) is
	// guaranteed by unconditionally sweeping every tagged line instead
	// of trying to compute an exact NAT/Forward complement.
	WipeIptables bool
}

// equalRoutesNATForward reports whether the route/NAT/forward portion
// of two desired states is identical, letting the reconciler skip
// reissuing already-converged (idempotent but non-free) commands. Rule
// state is never compared this way -- it is always re-read live via
// RuleList, see converge.
func (d *desiredState) equalRoutesNATForward(other *desiredState) bool {
	if d.WipeIptables != other.WipeIptables {
		return false
	}
	if len(d.Routes) != len(other.Routes) || len(d.NAT) != len(other.NAT) || len(d.Forward) != len(other.Forward) || len(d.FlushTables) != len(other.FlushTables) {
		return false
	}
	for i := range d.Routes {
		a, b := d.Routes[i], other.Routes[i]
		if a.Table != b.Table || a.Dst != b.Dst || a.Blackhole != b.Blackhole || !addrPtrEqual(a.Via, b.Via) {
			return false
		}
	}
	for i := range d.NAT {
		a, b := d.NAT[i], other.NAT[i]
		if a.Src != b.Src || a.OutIf != b.OutIf || a.Enabled != b.Enabled || !prefixPtrEqual(a.LAN, b.LAN) {
			return false
		}
	}
	for i := range d.Forward {
		if d.Forward[i] != other.Forward[i] {
			return false
		}
	}
	for i := range d.FlushTables {
		if d.FlushTables[i] != other.FlushTables[i] {
			return false
		}
	}
	return true
}

func addrPtrEqual(a, b *netip.Addr) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if a == nil {
		return true
	}
	return *a == *b
}

func prefixPtrEqual(a, b *netip.Prefix) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if a == nil {
		return true
	}
	return *a == *b
}

// computeDesired is the pure desired-state function: policy + network
// snapshot in, kernel-agnostic desired state out, no side effects.
// outIf is the host's egress interface, already resolved by the
// caller (DefaultRouteInterface or config override). It returns the
// number of LAN rules (deny rules and generic LAN exceptions) that
// could not be allocated a priority slot within [LANPriorityBase,
// LANPriorityMax] so the caller can log rather than silently truncate.
func computeDesired(pol model.PolicyState, net model.NetworkSnapshot, cfg Config, outIf string) (*desiredState, int) {
	d := &desiredState{}

	if pol.Mode != model.ModeRouter {
		// Host purity (P1): nothing of ours should exist. Flush every
		// reserved table so a prior Router session leaves no routes
		// behind; Rules are cleaned up by the live RuleList diff in
		// convergeRules since desired.Rules is empty here; NAT/Forward
		// are cleaned up by WipeIptables.
		d.FlushTables = reservedTableNames(cfg)
		d.WipeIptables = true
		return d, 0
	}

	maxPeers := cfg.MaxPeers
	if maxPeers <= 0 {
		maxPeers = 253
	}

	peers := net.RoutablePeers()
	assignedTables := make(map[string]bool, len(peers))

	var exitAddr *netip.Addr
	if pol.ExitNode != nil {
		if exit, ok := net.Peers[*pol.ExitNode]; ok {
			v := exit.VPNAddress
			exitAddr = &v
		}
	}

	for rank, peer := range peers {
		table := tableName(cfg.RouteTableBase + rank)
		assignedTables[table] = true

		if exitAddr != nil {
			d.Routes = append(d.Routes, routeSpec{Table: table, Dst: model.DefaultRoute.Prefix, Via: exitAddr})
		}
		d.Routes = append(d.Routes, routeSpec{Table: table, Dst: net.Subnet.Prefix})

		srcPrefix := peer.Subnet().Prefix
		d.Rules = append(d.Rules, ruleSpec{
			Priority: cfg.SourcePriorityBase + uint32(rank),
			Src:      &srcPrefix,
			Table:    table,
		})
	}

	// LAN exceptions: deny (blackhole) rules for peers lacking LAN
	// access are allocated strictly lower-numbered (higher-priority, P5)
	// than the generic per-subnet exception for the same LAN CIDR.
	lanBudget := int(cfg.LANPriorityMax-cfg.LANPriorityBase) + 1
	slot := 0
	hasDeny := false
	var dropped int

	allocate := func() (uint32, bool) {
		if slot >= lanBudget {
			dropped++
			return 0, false
		}
		p := cfg.LANPriorityBase + uint32(slot)
		slot++
		return p, true
	}

	for _, lan := range pol.LANCIDRs {
		lanPrefix := lan.Prefix
		for _, peer := range peers {
			if pol.LANAccess(peer.ID) {
				continue
			}
			prio, ok := allocate()
			if !ok {
				continue
			}
			src := peer.Subnet().Prefix
			d.Rules = append(d.Rules, ruleSpec{Priority: prio, Src: &src, Dst: &lanPrefix, Table: tableName(cfg.BlackholeTable)})
			hasDeny = true
		}
	}
	for _, lan := range pol.LANCIDRs {
		lanPrefix := lan.Prefix
		prio, ok := allocate()
		if !ok {
			continue
		}
		subnet := net.Subnet.Prefix
		d.Rules = append(d.Rules, ruleSpec{Priority: prio, Src: &subnet, Dst: &lanPrefix, Table: "main"})
	}

	if hasDeny {
		d.Routes = append(d.Routes, routeSpec{Table: tableName(cfg.BlackholeTable), Blackhole: true})
	}

	// NAT: unconditional masquerade for the whole VPN subnet; LAN
	// exclusions only once an exit node is actually selected (no point
	// excluding LAN destinations from a masquerade rule that exists
	// regardless, but the ordering still matters only when traffic is
	// actually being routed to the exit).
	d.NAT = append(d.NAT, natSpec{Src: net.Subnet.Prefix, OutIf: outIf, Enabled: true})
	if exitAddr != nil {
		for _, lan := range pol.LANCIDRs {
			lanPrefix := lan.Prefix
			d.NAT = append(d.NAT, natSpec{Src: net.Subnet.Prefix, OutIf: outIf, LAN: &lanPrefix, Enabled: true})
		}
	}

	d.Forward = append(d.Forward,
		forwardSpec{InIf: cfg.WGInterface, OutIf: outIf, Stateful: true, Enabled: true},
	)

	// Flush any reserved table not assigned to a current peer, so a
	// shrinking peer set doesn't leave stale per-peer routes behind.
	for i := 0; i < maxPeers; i++ {
		table := tableName(cfg.RouteTableBase + i)
		if !assignedTables[table] {
			d.FlushTables = append(d.FlushTables, table)
		}
	}
	if !hasDeny {
		d.FlushTables = append(d.FlushTables, tableName(cfg.BlackholeTable))
	}
	sort.Strings(d.FlushTables)

	return d, dropped
}

func reservedTableNames(cfg Config) []string {
	maxPeers := cfg.MaxPeers
	if maxPeers <= 0 {
		maxPeers = 253
	}
	out := make([]string, 0, maxPeers+1)
	out = append(out, tableName(cfg.BlackholeTable))
	for i := 0; i < maxPeers; i++ {
		out = append(out, tableName(cfg.RouteTableBase+i))
	}
	sort.Strings(out)
	return out
}
