// Package smartgw is the Smart-Gateway Controller (C5): it watches the
// active exit node's health and drives automatic failover to another
// default-route-advertising peer, then fails back once the preferred
// exit node has been healthy for a full stability window. It never
// touches the kernel directly; it only proposes a new exit node by
// calling the mutator function it was given, which routes through the
// Control Facade so every change still goes through one convergence
// path.
package smartgw

import (
	"context"
	"sort"
	"sync"
	"time"

	"wgrouter/internal/model"
)

// State is one of the controller's four states.
type State string

const (
	StateIdle         State = "idle"
	StateMonitoring   State = "monitoring"
	StateFailingOver  State = "failing_over"
	StateStabilizing  State = "stabilizing"
)

// SetExitNode is called by the controller to apply a new exit node
// decision. Implementations should route through the Control Facade so
// the change is reconciled exactly like a manually requested one.
type SetExitNode func(ctx context.Context, id model.PeerID) error

// PolicySource returns the current policy snapshot on demand so the
// controller always observes live AutoFailover/PreferredExitNode/
// ExitNode values instead of a stale copy.
type PolicySource func() model.PolicyState

// HealthSource returns the current health snapshot.
type HealthSource func() map[model.PeerID]model.HealthSample

// CandidateSource returns the peer IDs eligible as exit nodes (those
// advertising a default route in the registry), so the controller
// never fails over to a peer that could not legally carry default
// traffic.
type CandidateSource func() []model.PeerID

// Controller runs the failover state machine on a fixed tick.
type Controller struct {
	policy     PolicySource
	health     HealthSource
	candidates CandidateSource
	apply      SetExitNode

	stabilityWindow time.Duration

	mu               sync.Mutex
	state            State
	healthySince     time.Time // zero if the preferred node isn't currently healthy
	verifyingSince   time.Time // zero unless freshly switched to a new active exit, awaiting stabilization
	force            chan model.PeerID
}

// New constructs a Controller. stabilityWindow is the duration the
// preferred exit node must stay healthy before an automatic failback.
func New(policy PolicySource, health HealthSource, candidates CandidateSource, apply SetExitNode, stabilityWindow time.Duration) *Controller {
	return &Controller{
		policy:          policy,
		health:          health,
		candidates:      candidates,
		apply:           apply,
		stabilityWindow: stabilityWindow,
		state:           StateIdle,
		force:           make(chan model.PeerID, 1),
	}
}

// State returns the controller's current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ForceFailover requests an immediate evaluation from Run's loop. With
// a non-empty candidate it fails over from the current exit node to
// candidate; with an empty candidate it runs the same evaluation as a
// regular Tick, so a policy change is acted on without waiting for the
// next tick.
func (c *Controller) ForceFailover(candidate model.PeerID) {
	select {
	case c.force <- candidate:
	default:
	}
}

// Run ticks every interval until ctx is cancelled.
func (c *Controller) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick(ctx)
		case candidate := <-c.force:
			c.tickForced(ctx, candidate)
		}
	}
}

// Tick evaluates the current exit node's health and drives a
// transition if needed.
func (c *Controller) Tick(ctx context.Context) {
	c.evaluate(ctx, "", false)
}

func (c *Controller) tickForced(ctx context.Context, candidate model.PeerID) {
	c.evaluate(ctx, candidate, candidate != "")
}

func (c *Controller) evaluate(ctx context.Context, forcedCandidate model.PeerID, forced bool) {
	pol := c.policy()
	if !pol.AutoFailover && !forced {
		c.setState(StateIdle)
		c.resetStability()
		c.clearVerifying()
		return
	}
	health := c.health()

	current := pol.ExitNode
	preferred := pol.PreferredExitNode

	if current == nil {
		c.setState(StateMonitoring)
		return
	}

	currentHealthy := isHealthy(health, *current)

	if forced {
		target := forcedCandidate
		if target == "" {
			target = c.bestAlternative(health, pol, *current)
		}
		if target != "" && target != *current {
			c.setState(StateFailingOver)
			if c.switchTo(ctx, target) {
				return // FailingOver -> Stabilizing, set by switchTo.
			}
		}
		c.setState(StateMonitoring)
		return
	}

	// A node we just (automatically or manually) switched to is held in
	// Stabilizing until it has stayed healthy for a full stability
	// window; a failure during that window sends it straight back
	// through FailingOver (Stabilizing -> FailingOver, spec §4.5).
	if c.verifying() {
		if !currentHealthy {
			c.clearVerifying()
		} else if c.verifyElapsed() >= c.stabilityWindow {
			c.clearVerifying()
			c.setState(StateMonitoring)
		} else {
			c.setState(StateStabilizing)
			return
		}
	}

	if !currentHealthy {
		c.setState(StateFailingOver)
		target := c.bestAlternative(health, pol, *current)
		if target == "" {
			// No eligible candidate yet; remain in FailingOver and
			// retry on the next tick rather than falsely reporting
			// Monitoring.
			return
		}
		c.switchTo(ctx, target)
		return
	}

	// Current exit node is healthy and not mid-verification. If it
	// differs from the preferred node, track how long the preferred
	// node has been healthy and fail back once it has held for a full
	// stability window.
	if preferred == nil || *preferred == *current {
		c.setState(StateMonitoring)
		c.resetStability()
		return
	}

	if isHealthy(health, *preferred) {
		c.setState(StateStabilizing)
		c.mu.Lock()
		if c.healthySince.IsZero() {
			c.healthySince = time.Now()
		}
		elapsed := time.Since(c.healthySince)
		c.mu.Unlock()
		if elapsed >= c.stabilityWindow {
			c.resetStability()
			c.switchTo(ctx, *preferred)
		}
		return
	}

	c.setState(StateMonitoring)
	c.resetStability()
}

// switchTo applies a new active exit node and, on success, transitions
// FailingOver/Monitoring -> Stabilizing and starts its verification
// clock; it reports whether the switch was applied.
func (c *Controller) switchTo(ctx context.Context, target model.PeerID) bool {
	if err := c.apply(ctx, target); err != nil {
		return false
	}
	c.mu.Lock()
	c.verifyingSince = time.Now()
	c.mu.Unlock()
	c.setState(StateStabilizing)
	return true
}

func (c *Controller) verifying() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.verifyingSince.IsZero()
}

func (c *Controller) verifyElapsed() time.Duration {
	c.mu.Lock()
	since := c.verifyingSince
	c.mu.Unlock()
	if since.IsZero() {
		return 0
	}
	return time.Since(since)
}

func (c *Controller) clearVerifying() {
	c.mu.Lock()
	c.verifyingSince = time.Time{}
	c.mu.Unlock()
}

func (c *Controller) resetStability() {
	c.mu.Lock()
	c.healthySince = time.Time{}
	c.mu.Unlock()
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func isHealthy(health map[model.PeerID]model.HealthSample, id model.PeerID) bool {
	sample, ok := health[id]
	return ok && sample.IsOnline
}

// bestAlternative picks the healthiest eligible exit candidate other
// than exclude: prefer the policy's PreferredExitNode if healthy, else
// the lowest-latency healthy candidate, else "" if none is healthy.
// Ties break lexically for determinism.
func (c *Controller) bestAlternative(health map[model.PeerID]model.HealthSample, pol model.PolicyState, exclude model.PeerID) model.PeerID {
	if pol.PreferredExitNode != nil && *pol.PreferredExitNode != exclude && isHealthy(health, *pol.PreferredExitNode) {
		return *pol.PreferredExitNode
	}

	type candidate struct {
		id      model.PeerID
		latency float64
	}
	var candidates []candidate
	for _, id := range c.candidates() {
		if id == exclude {
			continue
		}
		sample, ok := health[id]
		if !ok || !sample.IsOnline {
			continue
		}
		lat := 1e9
		if sample.LatencyMs != nil {
			lat = *sample.LatencyMs
		}
		candidates = append(candidates, candidate{id: id, latency: lat})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].latency != candidates[j].latency {
			return candidates[i].latency < candidates[j].latency
		}
		return candidates[i].id < candidates[j].id
	})
	if len(candidates) == 0 {
		return ""
	}
	return candidates[0].id
}
