// Package health is the Health Prober (C3): on a fixed tick it pings
// every routable peer, merges in the WireGuard handshake record, and
// publishes a new, immutable snapshot of HealthSamples for readers
// (the Smart-Gateway Controller, the Control Facade) to consume
// without blocking the prober itself.
package health

import (
	"context"
	"net/netip"
	"sort"
	"sync/atomic"
	"time"

	"wgrouter/internal/kernel"
	"wgrouter/internal/model"
	"wgrouter/internal/registry"
)

// window holds the last N round-trip samples for one peer plus the
// matching length-N pass/fail outcomes, used to derive jitter and
// packet loss over the same rolling window (spec §4.3: "window length
// 10"). consecutiveFailures is the run of failures since the last
// success -- reset to 0 on every success, the teacher's agent.go:212
// `healthFailures = 0` idiom -- not a cumulative counter.
type window struct {
	rtts                []float64 // milliseconds; NaN-free, only successful probes
	outcomes            []bool    // true = success; bounded to size, oldest first
	consecutiveFailures uint32
}

func (w *window) recordSuccess(ms float64, size int) {
	w.rtts = append(w.rtts, ms)
	if len(w.rtts) > size {
		w.rtts = w.rtts[len(w.rtts)-size:]
	}
	w.pushOutcome(true, size)
	w.consecutiveFailures = 0
}

func (w *window) recordFailure(size int) {
	w.pushOutcome(false, size)
	w.consecutiveFailures++
}

func (w *window) pushOutcome(ok bool, size int) {
	w.outcomes = append(w.outcomes, ok)
	if len(w.outcomes) > size {
		w.outcomes = w.outcomes[len(w.outcomes)-size:]
	}
}

func (w *window) packetLossPercent() float64 {
	if len(w.outcomes) == 0 {
		return 0
	}
	failed := 0
	for _, ok := range w.outcomes {
		if !ok {
			failed++
		}
	}
	return 100 * float64(failed) / float64(len(w.outcomes))
}

// jitter is the mean absolute deviation between consecutive RTT
// samples, the same definition the teacher's metrics stats use.
func (w *window) jitterMs() (float64, bool) {
	if len(w.rtts) < 2 {
		return 0, false
	}
	var sum float64
	for i := 1; i < len(w.rtts); i++ {
		d := w.rtts[i] - w.rtts[i-1]
		if d < 0 {
			d = -d
		}
		sum += d
	}
	return sum / float64(len(w.rtts)-1), true
}

func (w *window) latestMs() (float64, bool) {
	if len(w.rtts) == 0 {
		return 0, false
	}
	return w.rtts[len(w.rtts)-1], true
}

// Prober maintains per-peer rolling windows and publishes merged
// HealthSamples. Safe for concurrent use: Snapshot reads an
// atomic.Pointer, Tick is expected to be called from a single
// goroutine (the background loop run by Run).
type Prober struct {
	reg    registry.Provider
	kern   *kernel.Adapter
	iface  string
	probeTimeout time.Duration
	windowSize   int
	offlineThreshold uint32

	windows map[model.PeerID]*window
	snap    atomic.Pointer[map[model.PeerID]model.HealthSample]
}

// Config bundles the tunable parameters for a Prober.
type Config struct {
	Iface            string
	ProbeTimeout     time.Duration
	WindowSize       int
	OfflineThreshold uint32
}

// New constructs a Prober. It publishes an empty snapshot immediately
// so Snapshot never needs a nil check.
func New(reg registry.Provider, kern *kernel.Adapter, cfg Config) *Prober {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = model.OfflineThreshold + 7
	}
	if cfg.OfflineThreshold == 0 {
		cfg.OfflineThreshold = model.OfflineThreshold
	}
	p := &Prober{
		reg:              reg,
		kern:             kern,
		iface:            cfg.Iface,
		probeTimeout:     cfg.ProbeTimeout,
		windowSize:       cfg.WindowSize,
		offlineThreshold: cfg.OfflineThreshold,
		windows:          map[model.PeerID]*window{},
	}
	empty := map[model.PeerID]model.HealthSample{}
	p.snap.Store(&empty)
	return p
}

// Snapshot returns the most recently published health view. Callers
// must not mutate the returned map.
func (p *Prober) Snapshot() map[model.PeerID]model.HealthSample {
	if s := p.snap.Load(); s != nil {
		return *s
	}
	return nil
}

// Run ticks every interval until ctx is cancelled.
func (p *Prober) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick probes every routable peer once and republishes the snapshot.
func (p *Prober) Tick(ctx context.Context) {
	snap := p.reg.Snapshot()
	peers := snap.RoutablePeers()

	var dump []kernel.WGPeerStat
	if p.iface != "" {
		if d, err := p.kern.WGShowDump(ctx, p.iface); err == nil {
			dump = d
		}
	}
	byKey := make(map[string]kernel.WGPeerStat, len(dump))
	for _, d := range dump {
		byKey[d.PublicKey] = d
	}

	out := make(map[model.PeerID]model.HealthSample, len(peers))
	for _, peer := range peers {
		w, ok := p.windows[peer.ID]
		if !ok {
			w = &window{}
			p.windows[peer.ID] = w
		}

		result, err := p.kern.ICMPEcho(ctx, peer.VPNAddress, p.probeTimeout, 1)
		var lastErr string
		if err != nil {
			lastErr = err.Error()
			w.recordFailure(p.windowSize)
		} else if result.Timeout {
			lastErr = "probe timeout"
			w.recordFailure(p.windowSize)
		} else {
			w.recordSuccess(float64(result.RTT.Microseconds())/1000.0, p.windowSize)
		}

		sample := model.HealthSample{
			PeerID:              peer.ID,
			ConsecutiveFailures: w.consecutiveFailures,
			LastError:           lastErr,
			Endpoint:            peer.Endpoint,
			Path:                model.PathTunnel,
		}
		if lat, ok := w.latestMs(); ok {
			sample.LatencyMs = &lat
		}
		if jit, ok := w.jitterMs(); ok {
			sample.JitterMs = &jit
		}
		loss := w.packetLossPercent()
		sample.PacketLossPercent = &loss

		if stat, ok := byKey[peer.PublicKey]; ok {
			if stat.LatestHandshake > 0 {
				hs := stat.LatestHandshake
				sample.LastHandshake = &hs
				if sample.FirstHandshake == nil {
					sample.FirstHandshake = &hs
				}
			}
			if ep, ok := parseEndpoint(stat.Endpoint); ok {
				sample.Endpoint = model.PeerEndpoint{AddrPort: ep, Valid: true}
			}
		}

		sample.IsOnline = model.ComputeOnline(sample.ConsecutiveFailures) && withinThreshold(sample.ConsecutiveFailures, p.offlineThreshold)
		out[peer.ID] = mergeFirstHandshake(p.Snapshot()[peer.ID], sample)
	}

	p.snap.Store(&out)
}

func withinThreshold(failures, threshold uint32) bool {
	return failures < threshold
}

// mergeFirstHandshake carries FirstHandshake forward from the previous
// sample once set, since a handshake timestamp only ever moves forward
// while the tunnel stays configured.
func mergeFirstHandshake(prev, next model.HealthSample) model.HealthSample {
	if prev.FirstHandshake != nil {
		next.FirstHandshake = prev.FirstHandshake
	}
	return next
}

func parseEndpoint(s string) (netip.AddrPort, bool) {
	if s == "" {
		return netip.AddrPort{}, false
	}
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return netip.AddrPort{}, false
	}
	return ap, true
}

// SortedPeerIDs returns the keys of a health snapshot sorted lexically,
// for deterministic reporting.
func SortedPeerIDs(snap map[model.PeerID]model.HealthSample) []model.PeerID {
	out := make([]model.PeerID, 0, len(snap))
	for id := range snap {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
