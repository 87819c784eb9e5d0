// Package model defines the data types shared by every Router Core
// component: peers, policy, and health.
package model

import (
	"fmt"
	"net/netip"
	"sort"
)

// PeerID is an opaque identifier for a configured peer.
type PeerID string

// Mode is the routing mode of the gateway.
type Mode string

const (
	ModeHost   Mode = "host"
	ModeRouter Mode = "router"
)

func (m Mode) Valid() bool {
	return m == ModeHost || m == ModeRouter
}

// CIDR is a validated IPv4 network prefix.
type CIDR struct {
	netip.Prefix
}

// ParseCIDR parses and validates an IPv4 CIDR with prefix in [0,32].
// Prefix 0 is accepted so a peer's AllowedIPs can carry 0.0.0.0/0;
// LAN CIDR validation in the Control Facade rejects it separately.
func ParseCIDR(s string) (CIDR, error) {
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return CIDR{}, fmt.Errorf("invalid cidr %q: %w", s, err)
	}
	if !p.Addr().Is4() {
		return CIDR{}, fmt.Errorf("invalid cidr %q: not ipv4", s)
	}
	if p.Bits() < 0 || p.Bits() > 32 {
		return CIDR{}, fmt.Errorf("invalid cidr %q: prefix out of range", s)
	}
	return CIDR{p.Masked()}, nil
}

// DefaultRoute is the well-known 0.0.0.0/0 CIDR.
var DefaultRoute = CIDR{netip.MustParsePrefix("0.0.0.0/0")}

func (c CIDR) IsDefaultRoute() bool {
	return c.Bits() == 0 && c.Addr() == DefaultRoute.Addr()
}

func (c CIDR) String() string {
	return c.Prefix.String()
}

// PeerEndpoint is an optional dial-in address for a peer.
type PeerEndpoint struct {
	netip.AddrPort
	Valid bool
}

// PeerRecord is the read-only projection of a configured peer (C2).
type PeerRecord struct {
	ID                  PeerID
	Name                string
	VPNAddress          netip.Addr
	AllowedIPs          []CIDR
	Endpoint            PeerEndpoint
	PublicKey           string
	PersistentKeepalive int // seconds, 0 = disabled
}

// AdvertisesDefaultRoute reports whether the peer's AllowedIPs include
// 0.0.0.0/0, making it eligible as an exit node.
func (p PeerRecord) AdvertisesDefaultRoute() bool {
	for _, c := range p.AllowedIPs {
		if c.IsDefaultRoute() {
			return true
		}
	}
	return false
}

// Subnet returns the peer's single-host /32 CIDR.
func (p PeerRecord) Subnet() CIDR {
	return CIDR{netip.PrefixFrom(p.VPNAddress, 32)}
}

// NetworkSnapshot is the read-only view of the configured network (C2).
type NetworkSnapshot struct {
	ThisPeer PeerID
	Subnet   CIDR
	Peers    map[PeerID]PeerRecord
}

// DefaultRoutePeers returns peer IDs whose AllowedIPs advertise 0.0.0.0/0,
// sorted lexically for deterministic ordering.
func (n NetworkSnapshot) DefaultRoutePeers() []PeerID {
	out := make([]PeerID, 0, len(n.Peers))
	for id, p := range n.Peers {
		if p.AdvertisesDefaultRoute() {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RoutablePeers returns every peer other than ThisPeer, sorted lexically
// by ID. This is the ordering RouteTableId assignment is derived from.
func (n NetworkSnapshot) RoutablePeers() []PeerRecord {
	out := make([]PeerRecord, 0, len(n.Peers))
	for id, p := range n.Peers {
		if id == n.ThisPeer {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RouteTableBase is the first table id in the reserved per-peer range.
const RouteTableBase = 1000

// BlackholeTable is the reserved table id for LAN-deny routes.
const BlackholeTable = 19

// RouteTableID returns the deterministic table id for the peer at the
// given rank (0-based position in RoutablePeers order).
func RouteTableID(rank int) int {
	return RouteTableBase + rank
}

// Priority ranges, per spec.
const (
	LANExceptionPriorityBase = 19800
	LANExceptionPriorityMax  = 19899
	SourceRulePriorityBase   = 20000
	SourceRulePriorityMax    = 29999
)

// PolicyState is the mutable, persisted routing policy (C4).
type PolicyState struct {
	Mode               Mode
	LANCIDRs           []CIDR
	ExitNode           *PeerID
	PreferredExitNode  *PeerID
	PeerLANAccess      map[PeerID]bool
	AutoFailover       bool
	UpdatedAt          int64 // monotonic epoch seconds
}

// LANAccess returns whether a peer may reach LAN CIDRs, defaulting to
// true when absent from the map.
func (p PolicyState) LANAccess(id PeerID) bool {
	if p.PeerLANAccess == nil {
		return true
	}
	v, ok := p.PeerLANAccess[id]
	if !ok {
		return true
	}
	return v
}

// Clone returns a deep copy of the policy state.
func (p PolicyState) Clone() PolicyState {
	out := p
	out.LANCIDRs = append([]CIDR(nil), p.LANCIDRs...)
	if p.ExitNode != nil {
		v := *p.ExitNode
		out.ExitNode = &v
	}
	if p.PreferredExitNode != nil {
		v := *p.PreferredExitNode
		out.PreferredExitNode = &v
	}
	out.PeerLANAccess = make(map[PeerID]bool, len(p.PeerLANAccess))
	for k, v := range p.PeerLANAccess {
		out.PeerLANAccess[k] = v
	}
	return out
}

// DefaultPolicyState returns the zero-value policy: Host mode, no LANs,
// no exit node.
func DefaultPolicyState() PolicyState {
	return PolicyState{
		Mode:          ModeHost,
		LANCIDRs:      nil,
		PeerLANAccess: map[PeerID]bool{},
	}
}

// OfflineThreshold is the consecutive-failure count at which a peer is
// considered offline.
const OfflineThreshold = 3

// HealthSample is one peer's current health as observed by C3.
type HealthSample struct {
	PeerID              PeerID
	IsOnline            bool
	LatencyMs           *float64
	JitterMs            *float64
	PacketLossPercent   *float64
	Endpoint            PeerEndpoint
	FirstHandshake      *int64
	LastHandshake       *int64
	ConsecutiveFailures uint32
	LastError           string
	Path                string
}

// PathTunnel is the only Path value the core produces: every probe
// goes over the WireGuard tunnel, never a direct or relay path.
const PathTunnel = "tunnel"

// ComputeOnline derives is_online from the consecutive-failure count.
func ComputeOnline(consecutiveFailures uint32) bool {
	return consecutiveFailures < OfflineThreshold
}
