// Package policystore persists the mutable PolicyState document (C4):
// mode, LAN CIDRs, exit node selection, per-peer LAN access, and the
// auto-failover flag. Writes are atomic: a sibling temp file is
// written, fsynced, renamed over the target, and the containing
// directory is fsynced so the rename itself survives a crash.
package policystore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"wgrouter/internal/core"
	"wgrouter/internal/model"
)

// doc is the on-disk JSON shape. Unknown fields found by Load are kept
// on the Store and merged back in by Save, so a newer writer's fields
// survive an older reader during a rolling upgrade.
type doc struct {
	Mode              string          `json:"mode"`
	LANCIDRs          string          `json:"lan_cidr"`
	ExitNode          string          `json:"exit_node,omitempty"`
	PreferredExitNode string          `json:"preferred_exit_node,omitempty"`
	PeerLANAccess     map[string]bool `json:"peer_lan_access,omitempty"`
	AutoFailover      bool            `json:"auto_failover"`
	UpdatedAt         int64           `json:"updated_at"`
	Extra             map[string]json.RawMessage `json:"-"`
}

// Store is a file-backed, mutex-guarded PolicyState persistence layer.
type Store struct {
	path  string
	mu    sync.Mutex
	extra map[string]json.RawMessage // unknown top-level fields from the last Load
}

// New constructs a Store for path. It does not read the file; call
// Load to obtain the current state, creating the default state on
// first run if the file does not exist.
func New(path string) *Store {
	return &Store{path: path}
}

// Load reads the persisted PolicyState, or returns the default state if
// the file does not yet exist.
func (s *Store) Load() (model.PolicyState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return model.DefaultPolicyState(), nil
	}
	if err != nil {
		return model.PolicyState{}, &core.PersistenceError{Path: s.path, Op: "read", Err: err}
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return model.PolicyState{}, &core.PersistenceError{Path: s.path, Op: "parse", Err: err}
	}
	var d doc
	if err := json.Unmarshal(data, &d); err != nil {
		return model.PolicyState{}, &core.PersistenceError{Path: s.path, Op: "parse", Err: err}
	}
	for _, known := range []string{"mode", "lan_cidr", "exit_node", "preferred_exit_node", "peer_lan_access", "auto_failover", "updated_at"} {
		delete(raw, known)
	}
	d.Extra = raw
	s.extra = raw

	return docToState(d)
}

// Save atomically persists state, stamping UpdatedAt with now.
func (s *Store) Save(state model.PolicyState, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state.UpdatedAt = now.Unix()
	d := stateToDoc(state)

	merged := map[string]json.RawMessage{}
	for k, v := range s.extra {
		merged[k] = v
	}
	fields, err := json.Marshal(d)
	if err != nil {
		return &core.PersistenceError{Path: s.path, Op: "marshal", Err: err}
	}
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(fields, &flat); err != nil {
		return &core.PersistenceError{Path: s.path, Op: "marshal", Err: err}
	}
	for k, v := range flat {
		merged[k] = v
	}
	data, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return &core.PersistenceError{Path: s.path, Op: "marshal", Err: err}
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return &core.PersistenceError{Path: s.path, Op: "mkdir", Err: err}
	}
	if err := atomicWriteFile(s.path, data, 0o600); err != nil {
		return &core.PersistenceError{Path: s.path, Op: "write", Err: err}
	}
	return nil
}

func docToState(d doc) (model.PolicyState, error) {
	mode := model.Mode(d.Mode)
	if mode == "" {
		mode = model.ModeHost
	}
	if !mode.Valid() {
		return model.PolicyState{}, fmt.Errorf("invalid mode %q", d.Mode)
	}
	var lans []model.CIDR
	for _, s := range splitNonEmpty(d.LANCIDRs) {
		c, err := model.ParseCIDR(s)
		if err != nil {
			return model.PolicyState{}, fmt.Errorf("lan_cidr: %w", err)
		}
		lans = append(lans, c)
	}
	state := model.PolicyState{
		Mode:          mode,
		LANCIDRs:      lans,
		AutoFailover:  d.AutoFailover,
		UpdatedAt:     d.UpdatedAt,
		PeerLANAccess: map[model.PeerID]bool{},
	}
	if d.ExitNode != "" {
		id := model.PeerID(d.ExitNode)
		state.ExitNode = &id
	}
	if d.PreferredExitNode != "" {
		id := model.PeerID(d.PreferredExitNode)
		state.PreferredExitNode = &id
	}
	for k, v := range d.PeerLANAccess {
		state.PeerLANAccess[model.PeerID(k)] = v
	}
	return state, nil
}

func stateToDoc(state model.PolicyState) doc {
	parts := make([]string, 0, len(state.LANCIDRs))
	for _, c := range state.LANCIDRs {
		parts = append(parts, c.String())
	}
	d := doc{
		Mode:         string(state.Mode),
		LANCIDRs:     strings.Join(parts, ","),
		AutoFailover: state.AutoFailover,
		UpdatedAt:    state.UpdatedAt,
	}
	if state.ExitNode != nil {
		d.ExitNode = string(*state.ExitNode)
	}
	if state.PreferredExitNode != nil {
		d.PreferredExitNode = string(*state.PreferredExitNode)
	}
	if len(state.PeerLANAccess) > 0 {
		d.PeerLANAccess = make(map[string]bool, len(state.PeerLANAccess))
		for k, v := range state.PeerLANAccess {
			d.PeerLANAccess[string(k)] = v
		}
	}
	return d
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// atomicWriteFile writes data to a sibling temp file, fsyncs it,
// renames it over path, then fsyncs the containing directory so the
// rename is durable across a crash.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	tmp, err := os.CreateTemp(dir, base+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	return fsyncDir(dir)
}

// fsyncDir opens dir and fsyncs its file descriptor, making a prior
// rename within it durable. Directories cannot be opened with the
// standard library's buffered Sync path on all platforms, so this goes
// straight to the syscall.
func fsyncDir(dir string) error {
	fd, err := unix.Open(dir, unix.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)
	return unix.Fsync(fd)
}
