// Package reconciler is the Router Reconciler (C6): it computes the
// desired kernel state from a PolicyState and a NetworkSnapshot, then
// converges actual kernel state toward it through the Kernel Adapter.
// Desired-state computation is a pure function (desired.go); Reconcile
// is the imperative, retrying convergence step, grounded on the
// teacher's wireguard.Manager apply idioms and the other_examples
// reconciler's diff-desired-against-actual, continue-on-error shape.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"wgrouter/internal/core"
	"wgrouter/internal/kernel"
	"wgrouter/internal/model"
)

// Config bundles the knobs the reconciler needs beyond the live
// PolicyState/NetworkSnapshot: the reserved namespace boundaries and
// interface names. All fields mirror internal/config.Config 1:1; that
// package is what actually supplies them at startup.
type Config struct {
	WGInterface  string
	OutInterface string // empty means "auto-detect via the Kernel Adapter"

	LANPriorityBase    uint32
	LANPriorityMax     uint32
	SourcePriorityBase uint32
	SourcePriorityMax  uint32
	RouteTableBase     int
	BlackholeTable     int
	MaxPeers           int
}

// Result reports how much work a Reconcile call actually did, for
// logging and for the CLI's `reconcile` subcommand.
type Result struct {
	Ops     int
	Retried bool
}

// Reconciler converges kernel state toward policy. It caches the last
// applied route/NAT/forward desired-state in memory (there is no
// `ip route show table N` primitive in the Kernel Adapter to diff
// against) so that a second,
// unchanged Reconcile call issues zero route/NAT/forward commands;
// `ip rule` state is always re-read live via RuleList, so rule drift
// from a third party is self-healed on every call.
type Reconciler struct {
	kern *kernel.Adapter
	cfg  Config
	log  *slog.Logger

	mu       sync.Mutex
	applied  *desiredState
	outIface string
}

// New constructs a Reconciler.
func New(kern *kernel.Adapter, cfg Config, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{kern: kern, cfg: cfg, log: log, outIface: cfg.OutInterface}
}

// Reconcile computes desired state from pol/net and converges the
// kernel toward it. On failure it retries the whole convergence once
// (one retry, not an unbounded loop); if the retry also fails it
// returns a ReconcileError and leaves the stored policy untouched --
// the caller (the Control Facade) does not roll back PolicyState.
func (r *Reconciler) Reconcile(ctx context.Context, pol model.PolicyState, net model.NetworkSnapshot) (Result, error) {
	outIf, err := r.resolveOutInterface(ctx)
	if err != nil {
		return Result{}, &core.KernelError{Op: "detect out-interface", Err: err}
	}

	desired, dropped := computeDesired(pol, net, r.cfg, outIf)
	if dropped > 0 {
		r.log.Warn("LAN-deny rules exceed reserved priority range, some peers not fully isolated", "dropped", dropped)
	}

	ops, err := r.converge(ctx, desired)
	if err == nil {
		return Result{Ops: ops}, nil
	}

	r.log.Warn("reconcile failed, retrying once", "error", err)
	ops2, err2 := r.converge(ctx, desired)
	if err2 != nil {
		return Result{Ops: ops + ops2, Retried: true}, &core.ReconcileError{Step: "converge", Err: err2}
	}
	return Result{Ops: ops + ops2, Retried: true}, nil
}

func (r *Reconciler) resolveOutInterface(ctx context.Context) (string, error) {
	if r.cfg.OutInterface != "" {
		return r.cfg.OutInterface, nil
	}
	r.mu.Lock()
	cached := r.outIface
	r.mu.Unlock()
	if cached != "" {
		return cached, nil
	}
	iface, err := r.kern.DefaultRouteInterface(ctx)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	r.outIface = iface
	r.mu.Unlock()
	return iface, nil
}

// converge applies the minimum change set needed to move actual kernel
// state to desired, returning the count of mutating commands issued.
func (r *Reconciler) converge(ctx context.Context, desired *desiredState) (int, error) {
	ops := 0

	ruleOps, err := r.convergeRules(ctx, desired)
	ops += ruleOps
	if err != nil {
		return ops, fmt.Errorf("rules: %w", err)
	}

	r.mu.Lock()
	unchanged := r.applied != nil && r.applied.equalRoutesNATForward(desired)
	r.mu.Unlock()
	if unchanged {
		return ops, nil
	}

	routeOps, err := r.convergeRoutes(ctx, desired)
	ops += routeOps
	if err != nil {
		return ops, fmt.Errorf("routes: %w", err)
	}

	if desired.WipeIptables {
		if err := r.kern.TeardownTagged(ctx); err != nil {
			return ops, fmt.Errorf("wipe iptables: %w", err)
		}
		ops++
	} else {
		natOps, err := r.convergeNAT(ctx, desired)
		ops += natOps
		if err != nil {
			return ops, fmt.Errorf("nat: %w", err)
		}

		fwOps, err := r.convergeForward(ctx, desired)
		ops += fwOps
		if err != nil {
			return ops, fmt.Errorf("forward: %w", err)
		}
	}

	r.mu.Lock()
	r.applied = desired
	r.mu.Unlock()
	return ops, nil
}

func (r *Reconciler) convergeRules(ctx context.Context, desired *desiredState) (int, error) {
	ops := 0
	actual, err := r.kern.RuleList(ctx)
	if err != nil {
		return ops, err
	}
	actualByPrio := make(map[uint32]kernel.Rule, len(actual))
	for _, ru := range actual {
		if inReservedRange(ru.Priority, r.cfg) {
			actualByPrio[ru.Priority] = ru
		}
	}

	desiredByPrio := make(map[uint32]ruleSpec, len(desired.Rules))
	for _, rs := range desired.Rules {
		desiredByPrio[rs.Priority] = rs
	}

	for prio, rs := range desiredByPrio {
		if ar, ok := actualByPrio[prio]; ok && ruleMatches(ar, rs) {
			continue
		}
		if _, ok := actualByPrio[prio]; ok {
			if err := r.kern.RuleDelByPriority(ctx, prio); err != nil && !isIgnorable(err, kernel.ErrNotFound) {
				return ops, err
			}
			ops++
		}
		if err := r.kern.RuleAdd(ctx, rs.Src, rs.Dst, rs.Table, rs.Priority); err != nil && !isIgnorable(err, kernel.ErrAlreadyExists) {
			return ops, err
		}
		ops++
	}

	for prio := range actualByPrio {
		if _, ok := desiredByPrio[prio]; ok {
			continue
		}
		if err := r.kern.RuleDelByPriority(ctx, prio); err != nil && !isIgnorable(err, kernel.ErrNotFound) {
			return ops, err
		}
		ops++
	}

	return ops, nil
}

func (r *Reconciler) convergeRoutes(ctx context.Context, desired *desiredState) (int, error) {
	ops := 0
	for _, rt := range desired.Routes {
		if rt.Blackhole {
			if err := r.kern.RouteBlackhole(ctx, rt.Table); err != nil {
				return ops, err
			}
		} else {
			if err := r.kern.RouteReplace(ctx, rt.Table, rt.Dst, rt.Via, r.cfg.WGInterface); err != nil {
				return ops, err
			}
		}
		ops++
	}
	for _, table := range desired.FlushTables {
		if err := r.kern.RouteFlushTable(ctx, table); err != nil {
			return ops, err
		}
		ops++
	}
	return ops, nil
}

func (r *Reconciler) convergeNAT(ctx context.Context, desired *desiredState) (int, error) {
	ops := 0
	for _, n := range desired.NAT {
		var err error
		if n.LAN != nil {
			err = r.kern.NATExcludeLAN(ctx, n.Src, *n.LAN, n.Enabled)
		} else {
			err = r.kern.NATMasquerade(ctx, n.Src, n.OutIf, n.Enabled)
		}
		if err != nil {
			return ops, err
		}
		ops++
	}
	return ops, nil
}

func (r *Reconciler) convergeForward(ctx context.Context, desired *desiredState) (int, error) {
	ops := 0
	for _, f := range desired.Forward {
		if err := r.kern.ForwardAllow(ctx, f.InIf, f.OutIf, f.Stateful, f.Enabled); err != nil {
			return ops, err
		}
		ops++
	}
	return ops, nil
}

// Teardown removes every artefact this core could have installed:
// every ip rule in the reserved priority ranges, every reserved route
// table (the blackhole table plus [RouteTableBase, RouteTableBase+
// MaxPeers)), and every iptables line tagged with the firewall
// comment. It is used at Startup (a clean-slate teardown) and by
// the explicit `wgrouterd teardown` entry point. It also clears the
// in-memory applied-state cache so the next Reconcile re-issues every
// command instead of trusting a stale cache.
func (r *Reconciler) Teardown(ctx context.Context) error {
	rules, err := r.kern.RuleList(ctx)
	if err != nil {
		return &core.KernelError{Op: "list rules", Err: err}
	}
	for _, ru := range rules {
		if !inReservedRange(ru.Priority, r.cfg) {
			continue
		}
		if err := r.kern.RuleDelByPriority(ctx, ru.Priority); err != nil && !isIgnorable(err, kernel.ErrNotFound) {
			return &core.KernelError{Op: "delete rule", Err: err}
		}
	}

	if err := r.kern.RouteFlushTable(ctx, tableName(r.cfg.BlackholeTable)); err != nil {
		return &core.KernelError{Op: "flush blackhole table", Err: err}
	}
	maxPeers := r.cfg.MaxPeers
	if maxPeers <= 0 {
		maxPeers = 253
	}
	for i := 0; i < maxPeers; i++ {
		table := tableName(r.cfg.RouteTableBase + i)
		if err := r.kern.RouteFlushTable(ctx, table); err != nil {
			return &core.KernelError{Op: "flush table " + table, Err: err}
		}
	}

	if err := r.kern.TeardownTagged(ctx); err != nil {
		return &core.KernelError{Op: "remove tagged iptables lines", Err: err}
	}

	r.mu.Lock()
	r.applied = nil
	r.mu.Unlock()
	return nil
}

// Bootstrap is the Startup sequence: tear down any
// pre-existing artefacts in our reserved namespace (safe, since that
// namespace is exclusively ours), then converge to the freshly loaded
// policy.
func (r *Reconciler) Bootstrap(ctx context.Context, pol model.PolicyState, net model.NetworkSnapshot) (Result, error) {
	if err := r.Teardown(ctx); err != nil {
		return Result{}, err
	}
	return r.Reconcile(ctx, pol, net)
}

func isIgnorable(err error, sentinel error) bool {
	return err != nil && errors.Is(err, sentinel)
}

func inReservedRange(priority uint32, cfg Config) bool {
	if priority >= cfg.LANPriorityBase && priority <= cfg.LANPriorityMax {
		return true
	}
	if priority >= cfg.SourcePriorityBase && priority <= cfg.SourcePriorityMax {
		return true
	}
	return false
}

func tableName(id int) string {
	return fmt.Sprintf("%d", id)
}

func ruleMatches(actual kernel.Rule, desired ruleSpec) bool {
	if actual.Table != desired.Table {
		return false
	}
	if !prefixPtrEqual(actual.Src, desired.Src) {
		return false
	}
	if !prefixPtrEqual(actual.Dst, desired.Dst) {
		return false
	}
	return true
}
