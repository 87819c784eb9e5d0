package reconciler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	"wgrouter/internal/execx"
	"wgrouter/internal/kernel"
	"wgrouter/internal/model"
)

// fakeKernelRunner is a minimal in-memory model of the parts of
// ip/iptables state the reconciler touches, letting tests assert real
// idempotence (P2) instead of just counting calls.
type fakeKernelRunner struct {
	rules   map[uint32]string // priority -> the rest of the `ip rule show` line
	present map[string]presentRule
	calls   []string
}

type presentRule struct {
	table string
	line  string // e.g. "-A POSTROUTING -s ... -j MASQUERADE -m comment --comment wg-quickrs"
}

func newFakeKernelRunner() *fakeKernelRunner {
	return &fakeKernelRunner{rules: map[uint32]string{}, present: map[string]presentRule{}}
}

var _ execx.Runner = (*fakeKernelRunner)(nil)

func (f *fakeKernelRunner) Run(ctx context.Context, name string, args ...string) error {
	f.calls = append(f.calls, name+" "+strings.Join(args, " "))
	switch name {
	case "ip":
		return f.runIP(args)
	case "iptables":
		return f.runIptables(args)
	}
	return nil
}

func (f *fakeKernelRunner) Output(ctx context.Context, name string, args ...string) (string, error) {
	f.calls = append(f.calls, name+" "+strings.Join(args, " ")+" [query]")
	switch {
	case name == "ip" && len(args) >= 3 && args[0] == "-4" && args[1] == "rule" && args[2] == "show":
		return f.showRules(), nil
	case name == "iptables" && containsAction(args, "-C"):
		if _, ok := f.present[normalizeIptables(args)]; ok {
			return "", nil
		}
		return "", &execx.ExitError{Cmd: "iptables", ExitCode: 1}
	case name == "iptables-save":
		return f.saveOutput(), nil
	}
	return "", nil
}

func (f *fakeKernelRunner) runIP(args []string) error {
	if len(args) < 2 || args[0] != "rule" {
		return nil
	}
	switch args[1] {
	case "add":
		prio, _ := strconv.ParseUint(args[3], 10, 32)
		f.rules[uint32(prio)] = strings.Join(args[4:], " ")
	case "del":
		prio, _ := strconv.ParseUint(args[3], 10, 32)
		if _, ok := f.rules[uint32(prio)]; !ok {
			return &execx.ExitError{Cmd: "ip", ExitCode: 2, Stderr: "RTNETLINK answers: No such file or directory"}
		}
		delete(f.rules, uint32(prio))
	}
	return nil
}

func (f *fakeKernelRunner) showRules() string {
	var b strings.Builder
	for prio, rest := range f.rules {
		fmt.Fprintf(&b, "%d:\t%s\n", prio, rest)
	}
	return b.String()
}

func (f *fakeKernelRunner) runIptables(args []string) error {
	table, rest := stripTable(args)
	key := normalizeIptables(args)
	if containsAction(args, "-A") || containsAction(args, "-I") {
		line := append([]string{}, rest...)
		for i, a := range line {
			if a == "-A" || a == "-I" {
				line[i] = "-A"
			}
		}
		f.present[key] = presentRule{table: table, line: strings.Join(line, " ")}
	} else if containsAction(args, "-D") {
		delete(f.present, key)
	}
	return nil
}

func (f *fakeKernelRunner) saveOutput() string {
	byTable := map[string][]string{}
	for _, pr := range f.present {
		byTable[pr.table] = append(byTable[pr.table], pr.line)
	}
	var b strings.Builder
	for _, table := range []string{"nat", "filter"} {
		lines, ok := byTable[table]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "*%s\n", table)
		for _, l := range lines {
			b.WriteString(l)
			b.WriteString("\n")
		}
		b.WriteString("COMMIT\n")
	}
	return b.String()
}

func containsAction(args []string, action string) bool {
	for _, a := range args {
		if a == action {
			return true
		}
	}
	return false
}

// stripTable removes a leading "-t <table>" pair, returning the table
// name (defaulting to "filter") and the remaining arguments.
func stripTable(args []string) (string, []string) {
	if len(args) >= 2 && args[0] == "-t" {
		return args[1], args[2:]
	}
	return "filter", args
}

// normalizeIptables builds a stable identity key for a rule regardless
// of whether it's expressed with -A/-D/-C/-I or with/without an
// explicit "-t filter", so add/delete/check all agree on identity.
func normalizeIptables(args []string) string {
	_, rest := stripTable(args)
	out := make([]string, len(rest))
	copy(out, rest)
	for i, a := range out {
		switch a {
		case "-A", "-D", "-C", "-I":
			out[i] = "ACT"
		}
	}
	return strings.Join(out, " ")
}

func newTestReconciler(t *testing.T) (*Reconciler, *fakeKernelRunner) {
	t.Helper()
	runner := newFakeKernelRunner()
	adapter := kernel.New(runner, time.Second, "wg-quickrs")
	r := New(adapter, testConfig(), nil)
	return r, runner
}

func TestReconcile_RouterThenIdempotent(t *testing.T) {
	t.Parallel()
	r, runner := newTestReconciler(t)
	exitA := model.PeerID("a")
	pol := model.PolicyState{
		Mode:          model.ModeRouter,
		LANCIDRs:      []model.CIDR{mustCIDR(t, "192.168.1.0/24")},
		ExitNode:      &exitA,
		PeerLANAccess: map[model.PeerID]bool{},
	}
	net := testSnapshot(t)

	res1, err := r.Reconcile(context.Background(), pol, net)
	if err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	if res1.Ops == 0 {
		t.Fatalf("expected the first reconcile to issue mutating commands")
	}

	mutatingBefore := countMutating(runner.calls)
	res2, err := r.Reconcile(context.Background(), pol, net)
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if res2.Ops != 0 {
		t.Fatalf("expected zero ops on the second, unchanged reconcile, got %d", res2.Ops)
	}
	mutatingAfter := countMutating(runner.calls)
	if mutatingAfter != mutatingBefore {
		t.Fatalf("second reconcile issued %d new mutating commands, want 0", mutatingAfter-mutatingBefore)
	}
}

func TestReconcile_HostModePurity(t *testing.T) {
	t.Parallel()
	r, runner := newTestReconciler(t)
	exitA := model.PeerID("a")
	routerPol := model.PolicyState{
		Mode:          model.ModeRouter,
		LANCIDRs:      []model.CIDR{mustCIDR(t, "192.168.1.0/24")},
		ExitNode:      &exitA,
		PeerLANAccess: map[model.PeerID]bool{},
	}
	net := testSnapshot(t)
	if _, err := r.Reconcile(context.Background(), routerPol, net); err != nil {
		t.Fatalf("router reconcile: %v", err)
	}
	if len(runner.rules) == 0 {
		t.Fatalf("expected rules to exist after router reconcile")
	}

	hostPol := model.DefaultPolicyState()
	if _, err := r.Reconcile(context.Background(), hostPol, net); err != nil {
		t.Fatalf("host reconcile: %v", err)
	}

	cfg := testConfig()
	for prio := range runner.rules {
		if inReservedRange(prio, cfg) {
			t.Fatalf("reserved-range rule %d still present after Host-mode reconcile", prio)
		}
	}
}

func countMutating(calls []string) int {
	n := 0
	for _, c := range calls {
		if strings.Contains(c, "[query]") {
			continue
		}
		if strings.HasPrefix(c, "ip rule add") || strings.HasPrefix(c, "ip rule del") ||
			strings.HasPrefix(c, "ip route") || strings.HasPrefix(c, "iptables") {
			n++
		}
	}
	return n
}
