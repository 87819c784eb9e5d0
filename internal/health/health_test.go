package health

import (
	"context"
	"net/netip"
	"strings"
	"testing"
	"time"

	"wgrouter/internal/execx"
	"wgrouter/internal/kernel"
	"wgrouter/internal/model"
	"wgrouter/internal/smartgw"
)

type staticRegistry struct {
	snap model.NetworkSnapshot
}

func (s staticRegistry) Snapshot() model.NetworkSnapshot { return s.snap }
func (s staticRegistry) Refresh() error                  { return nil }

// scriptedRunner answers `ping` according to pingSeq, one entry
// consumed per call (true = success, false = timeout/error); once
// exhausted it keeps repeating the last entry, and pingOK applies only
// when pingSeq is empty. downAddrs, when set, overrides both by
// destination address (the last `ping` argument) so a multi-peer test
// can fail one peer's probes while leaving another's healthy. `wg show
// dump` always answers the same fixed peer stat line.
type scriptedRunner struct {
	pingOK    bool
	pingSeq   []bool
	downAddrs map[string]bool
	calls     int
}

func (r *scriptedRunner) Run(ctx context.Context, name string, args ...string) error { return nil }

func (r *scriptedRunner) Output(ctx context.Context, name string, args ...string) (string, error) {
	switch name {
	case "ping":
		ok := r.pingOK
		if len(r.pingSeq) > 0 {
			idx := r.calls
			if idx >= len(r.pingSeq) {
				idx = len(r.pingSeq) - 1
			}
			ok = r.pingSeq[idx]
		}
		r.calls++
		if len(args) > 0 && r.downAddrs[args[len(args)-1]] {
			ok = false
		}
		if !ok {
			return "", &execx.ExitError{Cmd: "ping", ExitCode: 1}
		}
		return "64 bytes from 10.0.34.2: icmp_seq=1 ttl=64 time=12.5 ms", nil
	case "wg":
		return "privkey pubkey 51820 off\n" +
			"peerkey= (none) 10.0.34.2:51820 10.0.34.2/32 1700000000 10 20 25\n", nil
	}
	return "", nil
}

func snapshotWithOnePeer() model.NetworkSnapshot {
	return model.NetworkSnapshot{
		ThisPeer: "gw",
		Subnet:   mustCIDR("10.0.34.0/24"),
		Peers: map[model.PeerID]model.PeerRecord{
			"gw": {ID: "gw", VPNAddress: netip.MustParseAddr("10.0.34.1")},
			"p1": {ID: "p1", VPNAddress: netip.MustParseAddr("10.0.34.2"), PublicKey: "peerkey="},
		},
	}
}

func mustCIDR(s string) model.CIDR {
	c, err := model.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return c
}

func TestTick_SuccessfulProbeMarksOnline(t *testing.T) {
	t.Parallel()
	runner := &scriptedRunner{pingOK: true}
	kern := kernel.New(runner, time.Second, "")
	reg := staticRegistry{snap: snapshotWithOnePeer()}
	p := New(reg, kern, Config{Iface: "wg0", ProbeTimeout: 100 * time.Millisecond})

	p.Tick(context.Background())
	snap := p.Snapshot()
	sample, ok := snap["p1"]
	if !ok {
		t.Fatalf("missing sample for p1")
	}
	if !sample.IsOnline {
		t.Fatalf("expected online")
	}
	if sample.LatencyMs == nil || *sample.LatencyMs < 12 {
		t.Fatalf("latency=%v", sample.LatencyMs)
	}
	if sample.LastHandshake == nil || *sample.LastHandshake != 1700000000 {
		t.Fatalf("last_handshake=%v", sample.LastHandshake)
	}
}

func TestTick_RepeatedFailuresGoesOffline(t *testing.T) {
	t.Parallel()
	runner := &scriptedRunner{pingOK: false}
	kern := kernel.New(runner, time.Second, "")
	reg := staticRegistry{snap: snapshotWithOnePeer()}
	p := New(reg, kern, Config{Iface: "", ProbeTimeout: 50 * time.Millisecond, OfflineThreshold: 3})

	for i := 0; i < 3; i++ {
		p.Tick(context.Background())
	}
	sample := p.Snapshot()["p1"]
	if sample.IsOnline {
		t.Fatalf("expected offline after 3 consecutive failures")
	}
	if sample.ConsecutiveFailures != 3 {
		t.Fatalf("consecutive_failures=%d", sample.ConsecutiveFailures)
	}
	if !strings.Contains(sample.LastError, "exit") && sample.LastError == "" {
		t.Fatalf("expected last_error populated, got %q", sample.LastError)
	}
}

// TestTick_SuccessResetsConsecutiveFailures covers spec §4.3's
// "consecutive_failures: +1 on timeout/error, 0 on success": two
// failures followed by one success must report ConsecutiveFailures==0
// and IsOnline==true, not a cumulative count that only decays when the
// tracked-attempt history is rescaled.
func TestTick_SuccessResetsConsecutiveFailures(t *testing.T) {
	t.Parallel()
	runner := &scriptedRunner{pingSeq: []bool{false, false, true}}
	kern := kernel.New(runner, time.Second, "")
	reg := staticRegistry{snap: snapshotWithOnePeer()}
	p := New(reg, kern, Config{Iface: "", ProbeTimeout: 50 * time.Millisecond, OfflineThreshold: 3})

	p.Tick(context.Background())
	p.Tick(context.Background())
	sample := p.Snapshot()["p1"]
	if sample.ConsecutiveFailures != 2 {
		t.Fatalf("after 2 failures consecutive_failures=%d, want 2", sample.ConsecutiveFailures)
	}
	if !sample.IsOnline {
		t.Fatalf("expected still online after 2 failures with offline threshold 3")
	}

	p.Tick(context.Background())
	sample = p.Snapshot()["p1"]
	if sample.ConsecutiveFailures != 0 {
		t.Fatalf("after a success consecutive_failures=%d, want 0", sample.ConsecutiveFailures)
	}
	if !sample.IsOnline {
		t.Fatalf("expected online immediately after a successful probe")
	}
}

// TestTick_PacketLossOverRollingWindow covers spec §4.3's packet-loss
// definition: "(#failures in window / window size) x 100" over the
// same length-10 rolling window the RTT samples use, not a history
// that keeps growing (and only halves every 100 attempts).
func TestTick_PacketLossOverRollingWindow(t *testing.T) {
	t.Parallel()
	seq := make([]bool, 0, 20)
	for i := 0; i < 20; i++ {
		seq = append(seq, true)
	}
	runner := &scriptedRunner{pingSeq: seq}
	kern := kernel.New(runner, time.Second, "")
	reg := staticRegistry{snap: snapshotWithOnePeer()}
	p := New(reg, kern, Config{Iface: "", ProbeTimeout: 50 * time.Millisecond, WindowSize: 10})

	for i := 0; i < 12; i++ {
		p.Tick(context.Background())
	}
	sample := p.Snapshot()["p1"]
	if sample.PacketLossPercent == nil || *sample.PacketLossPercent != 0 {
		t.Fatalf("packet_loss=%v after 12 successes, want 0", sample.PacketLossPercent)
	}

	// Truncate to what's actually been consumed so far and append the
	// two failures right after it -- appending past the end would land
	// after calls already walked past that index.
	runner.pingSeq = append(runner.pingSeq[:runner.calls], false, false)
	for i := 0; i < 2; i++ {
		p.Tick(context.Background())
	}
	sample = p.Snapshot()["p1"]
	// Only the last 10 probes (8 successes + 2 failures) are in the
	// window, not all 14 issued so far.
	if sample.PacketLossPercent == nil || *sample.PacketLossPercent != 20 {
		t.Fatalf("packet_loss=%v, want 20 (2 failures / 10-sample window)", sample.PacketLossPercent)
	}
}

// TestProberDrivesSmartGatewayFailoverAndRecovery wires a real Prober's
// published HealthSample snapshot into a smartgw.Controller (instead of
// injecting IsOnline directly): the active exit's repeated probe
// failures must surface through the prober and trigger failover, and
// the exit's recovery must then show up in the prober's snapshot as
// online with a cleared failure count. The failback promotion itself
// is not exercised here (the stability window is one hour).
func TestProberDrivesSmartGatewayFailoverAndRecovery(t *testing.T) {
	t.Parallel()
	runner := &scriptedRunner{pingOK: true}
	kern := kernel.New(runner, time.Second, "")
	reg := staticRegistry{snap: model.NetworkSnapshot{
		ThisPeer: "gw",
		Subnet:   mustCIDR("10.0.34.0/24"),
		Peers: map[model.PeerID]model.PeerRecord{
			"gw": {ID: "gw", VPNAddress: netip.MustParseAddr("10.0.34.1")},
			"a":  {ID: "a", VPNAddress: netip.MustParseAddr("10.0.34.2"), PublicKey: "a-key"},
			"b":  {ID: "b", VPNAddress: netip.MustParseAddr("10.0.34.3"), PublicKey: "b-key"},
		},
	}}
	p := New(reg, kern, Config{Iface: "", ProbeTimeout: 50 * time.Millisecond, OfflineThreshold: 3})

	pol := model.PolicyState{AutoFailover: true, ExitNode: ptrID("a"), PreferredExitNode: ptrID("a")}
	var applied model.PeerID
	apply := func(ctx context.Context, id model.PeerID) error {
		applied = id
		pol.ExitNode = &id
		return nil
	}
	ctrl := smartgw.New(
		func() model.PolicyState { return pol },
		p.Snapshot,
		func() []model.PeerID { return []model.PeerID{"a", "b"} },
		apply,
		time.Hour,
	)

	// a fails repeatedly while b stays healthy.
	runner.downAddrs = map[string]bool{"10.0.34.2": true}
	for i := 0; i < 3; i++ {
		p.Tick(context.Background())
		ctrl.Tick(context.Background())
	}
	if applied != "b" {
		t.Fatalf("applied=%q after a's repeated failures, want failover to b", applied)
	}

	// a recovers; its own consecutive-failure counter must clear via
	// the prober (not be injected) before smartgw's failback logic can
	// see it as healthy again.
	runner.downAddrs = nil
	p.Tick(context.Background())
	sampleA := p.Snapshot()["a"]
	if !sampleA.IsOnline {
		t.Fatalf("expected peer a online immediately after recovering")
	}
	if sampleA.ConsecutiveFailures != 0 {
		t.Fatalf("consecutive_failures=%d after recovery, want 0", sampleA.ConsecutiveFailures)
	}
}

func ptrID(id model.PeerID) *model.PeerID { return &id }

func TestSortedPeerIDs(t *testing.T) {
	t.Parallel()
	snap := map[model.PeerID]model.HealthSample{"b": {}, "a": {}, "c": {}}
	ids := SortedPeerIDs(snap)
	if ids[0] != "a" || ids[1] != "b" || ids[2] != "c" {
		t.Fatalf("ids=%v", ids)
	}
}
