// Package config loads the gateway process configuration: the
// WireGuard interface name, state directory, reserved kernel ranges,
// and background tick intervals. This is distinct from the mutable
// PolicyState document, which internal/policystore owns.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	DefaultWGInterface        = "wg0"
	DefaultStateDir           = "/var/lib/wgrouter"
	DefaultHealthTickSec      = 1
	DefaultFailoverTickSec    = 1
	DefaultProbeTimeoutMs     = 1000
	DefaultKernelTimeoutSec   = 5
	DefaultOfflineThreshold   = 3
	DefaultFailThreshold      = 3
	DefaultStabilityWindowSec = 60
	DefaultHealthWindowSize   = 10
	DefaultFirewallTag        = "wg-quickrs"
	DefaultLANPriorityBase    = 19800
	DefaultLANPriorityMax     = 19899
	DefaultSourcePriorityBase = 20000
	DefaultSourcePriorityMax  = 29999
	DefaultRouteTableBase     = 1000
	DefaultBlackholeTable     = 19
)

// Config is the gateway process configuration.
type Config struct {
	// WGInterface is the name of the WireGuard interface this core
	// manages. Must match [a-z0-9._-]+.
	WGInterface string `yaml:"wg_interface"`
	// OutInterface is the host's default-route (egress) interface. When
	// empty it is auto-detected at startup from `ip route show default`.
	OutInterface string `yaml:"out_interface"`
	// StateDir holds the persisted PolicyState JSON document and the
	// health telemetry CSV log.
	StateDir string `yaml:"state_dir"`
	// MaxPeers bounds the reserved per-peer route table range
	// [RouteTableBase, RouteTableBase+MaxPeers).
	MaxPeers int `yaml:"max_peers"`

	HealthTickSec      int `yaml:"health_tick_sec"`
	FailoverTickSec    int `yaml:"failover_tick_sec"`
	ProbeTimeoutMs      int `yaml:"probe_timeout_ms"`
	KernelTimeoutSec    int `yaml:"kernel_timeout_sec"`
	OfflineThreshold    int `yaml:"offline_threshold"`
	FailThreshold       int `yaml:"fail_threshold"`
	StabilityWindowSec  int `yaml:"stability_window_sec"`
	HealthWindowSize    int `yaml:"health_window_size"`

	FirewallTag        string `yaml:"firewall_tag"`
	LANPriorityBase    int    `yaml:"lan_priority_base"`
	LANPriorityMax     int    `yaml:"lan_priority_max"`
	SourcePriorityBase int    `yaml:"source_priority_base"`
	SourcePriorityMax  int    `yaml:"source_priority_max"`
	RouteTableBase     int    `yaml:"route_table_base"`
	BlackholeTable     int    `yaml:"blackhole_table"`

	// RegistryPath points at the JSON file backing the default
	// registry.StaticProvider (C2). The real configuration collaborator
	// is out of scope; this is the standalone fallback.
	RegistryPath string `yaml:"registry_path"`
}

// Load reads and parses a YAML config file, applying defaults for any
// zero-valued field.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return atomicWriteFile(path, data, 0o600)
}

// Validate performs minimal validation for required fields.
func Validate(cfg Config) error {
	if cfg.WGInterface == "" {
		return fmt.Errorf("wg_interface is required")
	}
	if cfg.StateDir == "" {
		return fmt.Errorf("state_dir is required")
	}
	if cfg.MaxPeers <= 0 {
		return fmt.Errorf("max_peers must be positive")
	}
	return nil
}

// ApplyDefaults fills in default values for zero-valued fields.
func ApplyDefaults(cfg *Config) {
	if cfg.WGInterface == "" {
		cfg.WGInterface = DefaultWGInterface
	}
	if cfg.StateDir == "" {
		cfg.StateDir = DefaultStateDir
	}
	if cfg.MaxPeers == 0 {
		cfg.MaxPeers = 253
	}
	if cfg.HealthTickSec == 0 {
		cfg.HealthTickSec = DefaultHealthTickSec
	}
	if cfg.FailoverTickSec == 0 {
		cfg.FailoverTickSec = DefaultFailoverTickSec
	}
	if cfg.ProbeTimeoutMs == 0 {
		cfg.ProbeTimeoutMs = DefaultProbeTimeoutMs
	}
	if cfg.KernelTimeoutSec == 0 {
		cfg.KernelTimeoutSec = DefaultKernelTimeoutSec
	}
	if cfg.OfflineThreshold == 0 {
		cfg.OfflineThreshold = DefaultOfflineThreshold
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = DefaultFailThreshold
	}
	if cfg.StabilityWindowSec == 0 {
		cfg.StabilityWindowSec = DefaultStabilityWindowSec
	}
	if cfg.HealthWindowSize == 0 {
		cfg.HealthWindowSize = DefaultHealthWindowSize
	}
	if cfg.FirewallTag == "" {
		cfg.FirewallTag = DefaultFirewallTag
	}
	if cfg.LANPriorityBase == 0 {
		cfg.LANPriorityBase = DefaultLANPriorityBase
	}
	if cfg.LANPriorityMax == 0 {
		cfg.LANPriorityMax = DefaultLANPriorityMax
	}
	if cfg.SourcePriorityBase == 0 {
		cfg.SourcePriorityBase = DefaultSourcePriorityBase
	}
	if cfg.SourcePriorityMax == 0 {
		cfg.SourcePriorityMax = DefaultSourcePriorityMax
	}
	if cfg.RouteTableBase == 0 {
		cfg.RouteTableBase = DefaultRouteTableBase
	}
	if cfg.BlackholeTable == 0 {
		cfg.BlackholeTable = DefaultBlackholeTable
	}
	if cfg.RegistryPath == "" {
		cfg.RegistryPath = filepath.Join(cfg.StateDir, "registry.json")
	}
}

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

	return os.Rename(tmpName, path)
}
