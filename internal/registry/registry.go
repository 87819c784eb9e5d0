// Package registry is the Peer Registry Snapshot (C2): a read-only
// view of the configured network, refreshed from a JSON document on
// disk. The real peer-configuration pipeline (provisioning, key
// issuance) lives outside this process; a StaticProvider is the
// standalone fallback for operating against a hand-maintained file.
package registry

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"sync/atomic"

	"wgrouter/internal/core"
	"wgrouter/internal/model"
)

// Provider exposes the current NetworkSnapshot. Implementations must be
// safe for concurrent use; Snapshot should return quickly (no I/O on
// the hot path beyond reading an in-memory pointer).
type Provider interface {
	Snapshot() model.NetworkSnapshot
	Refresh() error
}

// peerDoc is the on-disk JSON shape for one peer.
type peerDoc struct {
	ID                  string   `json:"id"`
	Name                string   `json:"name"`
	VPNAddress          string   `json:"vpn_address"`
	AllowedIPs          []string `json:"allowed_ips"`
	Endpoint            string   `json:"endpoint,omitempty"`
	PublicKey           string   `json:"public_key"`
	PersistentKeepalive int      `json:"persistent_keepalive,omitempty"`
}

// registryDoc is the on-disk JSON shape for the whole registry.
type registryDoc struct {
	ThisPeer string    `json:"this_peer"`
	Subnet   string    `json:"subnet"`
	Peers    []peerDoc `json:"peers"`
}

// StaticProvider loads a NetworkSnapshot from a JSON file and caches it
// in memory. Refresh re-reads the file; Snapshot returns the most
// recently loaded value without touching disk.
type StaticProvider struct {
	path string
	snap atomic.Pointer[model.NetworkSnapshot]
}

// NewStaticProvider constructs a provider and performs an initial load.
func NewStaticProvider(path string) (*StaticProvider, error) {
	p := &StaticProvider{path: path}
	if err := p.Refresh(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *StaticProvider) Snapshot() model.NetworkSnapshot {
	if s := p.snap.Load(); s != nil {
		return *s
	}
	return model.NetworkSnapshot{}
}

// Refresh reads and parses the backing file, replacing the cached
// snapshot only if the file parses and validates cleanly.
func (p *StaticProvider) Refresh() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return &core.PersistenceError{Path: p.path, Op: "read", Err: err}
	}
	var doc registryDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return &core.PersistenceError{Path: p.path, Op: "parse", Err: err}
	}
	snap, err := docToSnapshot(doc)
	if err != nil {
		return &core.PersistenceError{Path: p.path, Op: "validate", Err: err}
	}
	p.snap.Store(&snap)
	return nil
}

func docToSnapshot(doc registryDoc) (model.NetworkSnapshot, error) {
	subnet, err := model.ParseCIDR(doc.Subnet)
	if err != nil {
		return model.NetworkSnapshot{}, fmt.Errorf("subnet: %w", err)
	}
	peers := make(map[model.PeerID]model.PeerRecord, len(doc.Peers))
	for _, pd := range doc.Peers {
		rec, err := peerDocToRecord(pd)
		if err != nil {
			return model.NetworkSnapshot{}, fmt.Errorf("peer %s: %w", pd.ID, err)
		}
		peers[rec.ID] = rec
	}
	thisPeer := model.PeerID(doc.ThisPeer)
	if _, ok := peers[thisPeer]; doc.ThisPeer != "" && !ok {
		return model.NetworkSnapshot{}, fmt.Errorf("this_peer %q not found among peers", doc.ThisPeer)
	}
	return model.NetworkSnapshot{ThisPeer: thisPeer, Subnet: subnet, Peers: peers}, nil
}

func peerDocToRecord(pd peerDoc) (model.PeerRecord, error) {
	addr, err := netip.ParseAddr(pd.VPNAddress)
	if err != nil {
		return model.PeerRecord{}, fmt.Errorf("vpn_address: %w", err)
	}
	allowed := make([]model.CIDR, 0, len(pd.AllowedIPs))
	for _, s := range pd.AllowedIPs {
		c, err := model.ParseCIDR(s)
		if err != nil {
			return model.PeerRecord{}, fmt.Errorf("allowed_ips: %w", err)
		}
		allowed = append(allowed, c)
	}
	var ep model.PeerEndpoint
	if pd.Endpoint != "" {
		ap, err := netip.ParseAddrPort(pd.Endpoint)
		if err != nil {
			return model.PeerRecord{}, fmt.Errorf("endpoint: %w", err)
		}
		ep = model.PeerEndpoint{AddrPort: ap, Valid: true}
	}
	return model.PeerRecord{
		ID:                  model.PeerID(pd.ID),
		Name:                pd.Name,
		VPNAddress:          addr,
		AllowedIPs:          allowed,
		Endpoint:            ep,
		PublicKey:           pd.PublicKey,
		PersistentKeepalive: pd.PersistentKeepalive,
	}, nil
}
