// Package facade is the Control Facade (C7): the single process-local
// API surface a control-plane caller (HTTP handler, CLI, anything
// else) talks to. It validates inputs, serializes every mutation
// behind one writer lock, persists the result via the Policy Store,
// and drives the Router Reconciler. Grounded on the writer-mutex discipline used
// by single-writer control-plane servers: validate, lock, mutate,
// persist, reconcile, unlock, return a view or a typed error -- and
// never return while still holding the lock.
package facade

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"wgrouter/internal/core"
	"wgrouter/internal/health"
	"wgrouter/internal/kernel"
	"wgrouter/internal/model"
	"wgrouter/internal/policystore"
	"wgrouter/internal/reconciler"
	"wgrouter/internal/registry"
)

// PeerAction is one of the peer_control verbs.
type PeerAction string

const (
	PeerReconnect PeerAction = "reconnect"
	PeerStop      PeerAction = "stop"
	PeerStart     PeerAction = "start"
)

// handshakePollWindow bounds how long PeerControl(Reconnect) waits to
// observe a fresh handshake before giving up and reporting failure.
const handshakePollWindow = 5 * time.Second
const handshakePollInterval = 250 * time.Millisecond

// PublicView is the read-facing projection of PolicyState: the fields
// the facade returns as the public view for every mutation and
// query.
type PublicView struct {
	Mode     model.Mode
	LANCIDRs []model.CIDR
	ExitNode *model.PeerID
}

// Facade is the Control Facade. One writer lock gates every mutating
// operation; Health and Snapshot reads never take it, since the
// registry and the health prober each publish their own
// atomically-swapped snapshots.
type Facade struct {
	store  *policystore.Store
	reg    registry.Provider
	recon  *reconciler.Reconciler
	prober *health.Prober
	kern   *kernel.Adapter
	iface  string
	log    *slog.Logger

	mu     sync.Mutex
	policy model.PolicyState

	onChange func()
}

// New constructs a Facade, loading the persisted PolicyState (or its
// default) from store. iface is the WireGuard interface name, needed
// by PeerControl's wg invocations.
func New(store *policystore.Store, reg registry.Provider, recon *reconciler.Reconciler, prober *health.Prober, kern *kernel.Adapter, iface string, log *slog.Logger) (*Facade, error) {
	if log == nil {
		log = slog.Default()
	}
	pol, err := store.Load()
	if err != nil {
		return nil, err
	}
	return &Facade{
		store:  store,
		reg:    reg,
		recon:  recon,
		prober: prober,
		kern:   kern,
		iface:  iface,
		log:    log,
		policy: pol,
	}, nil
}

// OnChange registers a hook invoked after every successful mutation,
// while the writer lock is still held, so fn must not block or call
// back into the Facade. The Smart-Gateway Controller's main
// background loop has no other way to learn that auto_failover or the
// preferred exit node changed out from under it between ticks, so the
// CLI's serve command wires this to ForceFailover("").
func (f *Facade) OnChange(fn func()) {
	f.onChange = fn
}

// Snapshot returns the current registry NetworkSnapshot, for callers
// that need to reason about peers without going through the facade
// (the Smart-Gateway Controller's CandidateSource, for instance).
func (f *Facade) Snapshot() model.NetworkSnapshot {
	return f.reg.Snapshot()
}

// PolicyState returns a defensive copy of the current policy, for
// read-only queries (GetMode, ExitNodeInfo, etc. are thin wrappers
// over this).
func (f *Facade) PolicyState() model.PolicyState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.policy.Clone()
}

// Health returns the latest published health snapshot.
func (f *Facade) Health() map[model.PeerID]model.HealthSample {
	return f.prober.Snapshot()
}

// GetMode returns the current mode and LAN CIDRs.
func (f *Facade) GetMode() PublicView {
	pol := f.PolicyState()
	return viewOf(pol)
}

// ExitNodeInfo returns the currently active and preferred exit nodes.
func (f *Facade) ExitNodeInfo() (active, preferred *model.PeerID) {
	pol := f.PolicyState()
	return pol.ExitNode, pol.PreferredExitNode
}

// GetPeerLANAccess returns a defensive copy of the per-peer LAN access
// map (missing entries default to true).
func (f *Facade) GetPeerLANAccess() map[model.PeerID]bool {
	pol := f.PolicyState()
	out := make(map[model.PeerID]bool, len(pol.PeerLANAccess))
	for k, v := range pol.PeerLANAccess {
		out[k] = v
	}
	return out
}

// SetMode validates the requested mode and LAN CIDR strings, then
// transitions PolicyState and reconciles. Entering Host mode clears
// exit_node and lan_cidrs. Leaving Router mode
// while peers are configured is refused with ModeTransitionBlocked:
// the gateway is presumed to be carrying live peer traffic and an
// accidental mode flip would silently blackhole it.
func (f *Facade) SetMode(ctx context.Context, mode model.Mode, lanCIDRs []string) (PublicView, error) {
	if !mode.Valid() {
		return PublicView{}, &core.ValidationError{Field: "mode", Reason: fmt.Sprintf("unknown mode %q", mode), Err: core.ErrInvalidCIDR}
	}
	cidrs, err := parseCIDRs(lanCIDRs)
	if err != nil {
		return PublicView{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if mode == model.ModeHost && f.policy.Mode == model.ModeRouter {
		if len(f.reg.Snapshot().Peers) > 0 {
			return PublicView{}, &core.ValidationError{
				Field:  "mode",
				Reason: "cannot leave router mode while peers are configured",
				Err:    core.ErrModeTransitionBlocked,
			}
		}
	}

	next := f.policy.Clone()
	next.Mode = mode
	if mode == model.ModeHost {
		next.LANCIDRs = nil
		next.ExitNode = nil
	} else {
		next.LANCIDRs = cidrs
	}

	return f.commit(ctx, next)
}

// SetExitNode validates that id advertises a default route (or clears
// the exit node if id is nil), updates PolicyState.ExitNode, and --
// because this is always a manual call from the Control Facade, never
// from the Smart-Gateway Controller's own SetExitNode closure -- also
// updates PreferredExitNode, recording the user's intent for future
// automatic failback.
func (f *Facade) SetExitNode(ctx context.Context, id *model.PeerID) (PublicView, error) {
	if id != nil {
		if err := f.validateExitCandidate(*id); err != nil {
			return PublicView{}, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	next := f.policy.Clone()
	next.ExitNode = id
	next.PreferredExitNode = id
	return f.commit(ctx, next)
}

// SetAutomaticExitNode is the mutator the Smart-Gateway Controller
// calls. Unlike SetExitNode it never touches PreferredExitNode -- an
// automatic failover does not change the user's stated preference,
// only the currently active node -- and it still validates the
// candidate, since a stale candidate list should never reach the
// reconciler.
func (f *Facade) SetAutomaticExitNode(ctx context.Context, id model.PeerID) error {
	if err := f.validateExitCandidate(id); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	next := f.policy.Clone()
	next.ExitNode = &id
	_, err := f.commit(ctx, next)
	return err
}

func (f *Facade) validateExitCandidate(id model.PeerID) error {
	snap := f.reg.Snapshot()
	peer, ok := snap.Peers[id]
	if !ok {
		return &core.ValidationError{Field: "exit_node", Reason: fmt.Sprintf("unknown peer %q", id), Err: core.ErrUnknownPeer}
	}
	if !peer.AdvertisesDefaultRoute() {
		return &core.ValidationError{Field: "exit_node", Reason: fmt.Sprintf("peer %q does not advertise a default route", id), Err: core.ErrNotExitCandidate}
	}
	return nil
}

// SetPeerLANAccess updates whether id may reach the configured LAN
// CIDRs and reconciles; only the rules touching that peer change.
func (f *Facade) SetPeerLANAccess(ctx context.Context, id model.PeerID, allowed bool) (PublicView, error) {
	snap := f.reg.Snapshot()
	if _, ok := snap.Peers[id]; !ok {
		return PublicView{}, &core.ValidationError{Field: "peer_id", Reason: fmt.Sprintf("unknown peer %q", id), Err: core.ErrUnknownPeer}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	next := f.policy.Clone()
	if next.PeerLANAccess == nil {
		next.PeerLANAccess = map[model.PeerID]bool{}
	}
	next.PeerLANAccess[id] = allowed
	return f.commit(ctx, next)
}

// SetAutoFailover toggles the Smart-Gateway Controller's enable flag.
// It does not itself change kernel state -- the controller observes
// the new value on its next tick -- but it does persist immediately
// and wakes the controller via onChange so the transition is not
// delayed by a full tick interval.
func (f *Facade) SetAutoFailover(ctx context.Context, enabled bool) (PublicView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	next := f.policy.Clone()
	next.AutoFailover = enabled

	if err := f.persist(next); err != nil {
		return PublicView{}, err
	}
	f.policy = next
	view := viewOf(next)

	if f.onChange != nil {
		f.onChange()
	}
	return view, nil
}

// Reconcile forces convergence against the current PolicyState and
// NetworkSnapshot without changing policy -- the `reconcile` control
// operation, used by the CLI's `reconcile` command and by `serve` after
// SIGHUP re-reads the registry. Startup convergence goes through
// reconciler.Bootstrap instead.
func (f *Facade) Reconcile(ctx context.Context) (reconciler.Result, error) {
	f.mu.Lock()
	pol := f.policy.Clone()
	f.mu.Unlock()

	net := f.reg.Snapshot()
	res, err := f.recon.Reconcile(ctx, pol, net)
	if err != nil {
		return res, &core.ReconcileError{Step: "facade.Reconcile", Err: err}
	}
	return res, nil
}

// PeerControl invokes best-effort WireGuard peer control. It never
// mutates PolicyState and is not gated by the reconcile writer lock,
// since it only touches the peer's wg configuration, not PBR state.
//
// Reconnect is interpreted as remove-then-re-add followed by a bounded
// poll for a fresh handshake: WireGuard itself leaves "reconnect" semantics to
// the implementation, and the WireGuard control plane itself has no
// such verb.
func (f *Facade) PeerControl(ctx context.Context, id model.PeerID, action PeerAction) error {
	snap := f.reg.Snapshot()
	peer, ok := snap.Peers[id]
	if !ok {
		return &core.ValidationError{Field: "peer_id", Reason: fmt.Sprintf("unknown peer %q", id), Err: core.ErrUnknownPeer}
	}

	allowedIPs := make([]string, len(peer.AllowedIPs))
	for i, c := range peer.AllowedIPs {
		allowedIPs[i] = c.String()
	}
	endpoint := ""
	if peer.Endpoint.Valid {
		endpoint = peer.Endpoint.AddrPort.String()
	}

	switch action {
	case PeerStop:
		if err := f.kern.WGRemovePeer(ctx, f.iface, peer.PublicKey); err != nil {
			return &core.PeerControlError{PeerID: string(id), Action: string(action), Reason: err.Error()}
		}
		return nil

	case PeerStart:
		if err := f.kern.WGAddPeer(ctx, f.iface, peer.PublicKey, allowedIPs, endpoint); err != nil {
			return &core.PeerControlError{PeerID: string(id), Action: string(action), Reason: err.Error()}
		}
		return nil

	case PeerReconnect:
		before, _ := latestHandshake(ctx, f.kern, f.iface, peer.PublicKey)
		if err := f.kern.WGRemovePeer(ctx, f.iface, peer.PublicKey); err != nil {
			return &core.PeerControlError{PeerID: string(id), Action: string(action), Reason: err.Error()}
		}
		if err := f.kern.WGAddPeer(ctx, f.iface, peer.PublicKey, allowedIPs, endpoint); err != nil {
			return &core.PeerControlError{PeerID: string(id), Action: string(action), Reason: err.Error()}
		}
		if pollForHandshake(ctx, f.kern, f.iface, peer.PublicKey, before) {
			return nil
		}
		return &core.PeerControlError{PeerID: string(id), Action: string(action), Reason: "no handshake observed within 5s"}

	default:
		return &core.ValidationError{Field: "action", Reason: fmt.Sprintf("unknown peer action %q", action)}
	}
}

func latestHandshake(ctx context.Context, kern *kernel.Adapter, iface, pubKey string) (int64, bool) {
	dump, err := kern.WGShowDump(ctx, iface)
	if err != nil {
		return 0, false
	}
	for _, d := range dump {
		if d.PublicKey == pubKey {
			return d.LatestHandshake, true
		}
	}
	return 0, false
}

func pollForHandshake(ctx context.Context, kern *kernel.Adapter, iface, pubKey string, before int64) bool {
	deadline := time.Now().Add(handshakePollWindow)
	for time.Now().Before(deadline) {
		if hs, ok := latestHandshake(ctx, kern, iface, pubKey); ok && hs > before {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(handshakePollInterval):
		}
	}
	return false
}

// commit persists next, swaps it in as the live policy, reconciles,
// and returns the resulting view. It must be called with f.mu held and
// holds it for the whole call, including the reconcile step, since the
// entire validate-persist-reconcile sequence needs to run behind one
// writer lock, and the reconciler relies on that same lock for its own
// serialization rather than taking one of its own.
func (f *Facade) commit(ctx context.Context, next model.PolicyState) (PublicView, error) {
	if err := f.persist(next); err != nil {
		return PublicView{}, err
	}
	f.policy = next
	net := f.reg.Snapshot()

	if _, err := f.recon.Reconcile(ctx, next, net); err != nil {
		return PublicView{}, &core.ReconcileError{Step: "facade.commit", Err: err}
	}

	view := viewOf(next)
	if f.onChange != nil {
		f.onChange()
	}
	return view, nil
}

func (f *Facade) persist(pol model.PolicyState) error {
	if err := f.store.Save(pol, time.Now()); err != nil {
		return err
	}
	return nil
}

func viewOf(pol model.PolicyState) PublicView {
	return PublicView{Mode: pol.Mode, LANCIDRs: pol.LANCIDRs, ExitNode: pol.ExitNode}
}

func parseCIDRs(raw []string) ([]model.CIDR, error) {
	out := make([]model.CIDR, 0, len(raw))
	for _, s := range raw {
		c, err := model.ParseCIDR(s)
		if err != nil {
			return nil, &core.ValidationError{Field: "lan_cidrs", Reason: err.Error(), Err: core.ErrInvalidCIDR}
		}
		if c.Bits() < 1 {
			return nil, &core.ValidationError{Field: "lan_cidrs", Reason: fmt.Sprintf("invalid cidr %q: prefix out of range", s), Err: core.ErrInvalidCIDR}
		}
		out = append(out, c)
	}
	return out, nil
}
