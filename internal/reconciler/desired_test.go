package reconciler

import (
	"net/netip"
	"testing"

	"wgrouter/internal/model"
)

func testConfig() Config {
	return Config{
		WGInterface:        "wg0",
		OutInterface:       "eth0",
		LANPriorityBase:    19800,
		LANPriorityMax:     19899,
		SourcePriorityBase: 20000,
		SourcePriorityMax:  29999,
		RouteTableBase:     1000,
		BlackholeTable:     19,
		MaxPeers:           2,
	}
}

func mustCIDR(t *testing.T, s string) model.CIDR {
	t.Helper()
	c, err := model.ParseCIDR(s)
	if err != nil {
		t.Fatalf("ParseCIDR(%q): %v", s, err)
	}
	return c
}

func testSnapshot(t *testing.T) model.NetworkSnapshot {
	t.Helper()
	a := model.PeerRecord{
		ID:         "a",
		VPNAddress: netip.MustParseAddr("10.0.34.2"),
		AllowedIPs: []model.CIDR{mustCIDR(t, "0.0.0.0/0")},
	}
	b := model.PeerRecord{
		ID:         "b",
		VPNAddress: netip.MustParseAddr("10.0.34.3"),
		AllowedIPs: []model.CIDR{mustCIDR(t, "10.0.34.0/24")},
	}
	return model.NetworkSnapshot{
		ThisPeer: "self",
		Subnet:   mustCIDR(t, "10.0.34.0/24"),
		Peers:    map[model.PeerID]model.PeerRecord{"a": a, "b": b, "self": {ID: "self", VPNAddress: netip.MustParseAddr("10.0.34.1")}},
	}
}

func TestComputeDesired_HostMode(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	pol := model.DefaultPolicyState()
	d, dropped := computeDesired(pol, testSnapshot(t), cfg, "eth0")
	if dropped != 0 {
		t.Fatalf("dropped=%d", dropped)
	}
	if len(d.Rules) != 0 || len(d.Routes) != 0 || len(d.NAT) != 0 || len(d.Forward) != 0 {
		t.Fatalf("host mode must desire nothing, got %+v", d)
	}
	want := map[string]bool{"19": true, "1000": true, "1001": true}
	if len(d.FlushTables) != len(want) {
		t.Fatalf("FlushTables=%v", d.FlushTables)
	}
	for _, tbl := range d.FlushTables {
		if !want[tbl] {
			t.Fatalf("unexpected flush table %q", tbl)
		}
	}
}

// TestComputeDesired_RouterScenario1 covers Host -> Router with peers
// A (exit-eligible) and B, LAN 192.168.1.0/24, exit already pointed at A.
func TestComputeDesired_RouterScenario1(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	exitA := model.PeerID("a")
	pol := model.PolicyState{
		Mode:          model.ModeRouter,
		LANCIDRs:      []model.CIDR{mustCIDR(t, "192.168.1.0/24")},
		ExitNode:      &exitA,
		PeerLANAccess: map[model.PeerID]bool{},
	}
	d, dropped := computeDesired(pol, testSnapshot(t), cfg, "eth0")
	if dropped != 0 {
		t.Fatalf("dropped=%d", dropped)
	}

	wantDefaultVia := netip.MustParseAddr("10.0.34.2")
	foundDefaultTable1000, foundSubnetTable1000, foundSubnetTable1001 := false, false, false
	for _, r := range d.Routes {
		switch {
		case r.Table == "1000" && r.Dst == model.DefaultRoute.Prefix:
			if r.Via == nil || *r.Via != wantDefaultVia {
				t.Fatalf("table 1000 default route via=%v", r.Via)
			}
			foundDefaultTable1000 = true
		case r.Table == "1000" && r.Dst == mustCIDR(t, "10.0.34.0/24").Prefix:
			foundSubnetTable1000 = true
		case r.Table == "1001" && r.Dst == mustCIDR(t, "10.0.34.0/24").Prefix:
			foundSubnetTable1001 = true
		}
	}
	if !foundDefaultTable1000 || !foundSubnetTable1000 || !foundSubnetTable1001 {
		t.Fatalf("routes=%+v", d.Routes)
	}

	wantRule := func(prio uint32, src string, table string) bool {
		for _, r := range d.Rules {
			if r.Priority != prio || r.Table != table {
				continue
			}
			if r.Src == nil || r.Src.String() != src {
				continue
			}
			return true
		}
		return false
	}
	if !wantRule(20000, "10.0.34.2/32", "1000") {
		t.Fatalf("missing source rule for A: %+v", d.Rules)
	}
	if !wantRule(20001, "10.0.34.3/32", "1001") {
		t.Fatalf("missing source rule for B: %+v", d.Rules)
	}
	if !wantRule(19800, "10.0.34.0/24", "main") {
		t.Fatalf("missing generic LAN exception: %+v", d.Rules)
	}

	foundMasq := false
	for _, n := range d.NAT {
		if n.LAN == nil && n.Src == mustCIDR(t, "10.0.34.0/24").Prefix && n.OutIf == "eth0" && n.Enabled {
			foundMasq = true
		}
	}
	if !foundMasq {
		t.Fatalf("missing masquerade rule: %+v", d.NAT)
	}

	if len(d.Forward) != 1 || d.Forward[0].InIf != "wg0" || d.Forward[0].OutIf != "eth0" || !d.Forward[0].Stateful {
		t.Fatalf("forward=%+v", d.Forward)
	}
}

// TestComputeDesired_LANDeny covers B denied LAN access. The blackhole
// rule for B must sit at a strictly lower (higher-priority) number
// than the generic subnet exception.
func TestComputeDesired_LANDeny(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	exitA := model.PeerID("a")
	pol := model.PolicyState{
		Mode:              model.ModeRouter,
		LANCIDRs:          []model.CIDR{mustCIDR(t, "192.168.1.0/24")},
		ExitNode:          &exitA,
		PeerLANAccess:     map[model.PeerID]bool{"b": false},
	}
	d, dropped := computeDesired(pol, testSnapshot(t), cfg, "eth0")
	if dropped != 0 {
		t.Fatalf("dropped=%d", dropped)
	}

	var denyPrio, genericPrio uint32
	var foundDeny, foundGeneric bool
	for _, r := range d.Rules {
		if r.Table == "19" && r.Src != nil && r.Src.String() == "10.0.34.3/32" {
			denyPrio = r.Priority
			foundDeny = true
		}
		if r.Table == "main" && r.Src != nil && r.Src.String() == "10.0.34.0/24" {
			genericPrio = r.Priority
			foundGeneric = true
		}
	}
	if !foundDeny || !foundGeneric {
		t.Fatalf("rules=%+v", d.Rules)
	}
	if denyPrio >= genericPrio {
		t.Fatalf("deny rule priority %d must be strictly lower than generic %d", denyPrio, genericPrio)
	}
	if denyPrio < cfg.LANPriorityBase || denyPrio > cfg.LANPriorityMax {
		t.Fatalf("deny priority %d out of reserved range", denyPrio)
	}

	foundBlackholeRoute := false
	for _, r := range d.Routes {
		if r.Table == "19" && r.Blackhole {
			foundBlackholeRoute = true
		}
	}
	if !foundBlackholeRoute {
		t.Fatalf("expected blackhole default route in table 19, routes=%+v", d.Routes)
	}
	for _, tbl := range d.FlushTables {
		if tbl == "19" {
			t.Fatalf("blackhole table must not be flushed while a deny rule uses it")
		}
	}
}

func TestComputeDesired_NoExitNode(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	pol := model.PolicyState{Mode: model.ModeRouter, PeerLANAccess: map[model.PeerID]bool{}}
	d, _ := computeDesired(pol, testSnapshot(t), cfg, "eth0")
	for _, r := range d.Routes {
		if r.Dst == model.DefaultRoute.Prefix {
			t.Fatalf("no exit node selected, must not install a default route: %+v", r)
		}
	}
	if len(d.NAT) != 1 {
		t.Fatalf("expected only the unconditional masquerade rule without an exit node, got %+v", d.NAT)
	}
}
