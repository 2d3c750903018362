// Package config loads the daemon's configuration: a YAML file read at
// startup, overridable by CLI flags, carrying pool capacity thresholds,
// allocator alignment overrides, MDA slot sizing, backend selection
// (real/sim), and discovery backoff policy (spec SPEC_FULL §10).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	stratisd "github.com/stratis-storage/stratisd-go"
)

// Backend names which implementation of the kernel-touching seams
// (devicemapper, LUKS2) the engine should construct.
type Backend string

const (
	// BackendReal shells out to dmsetup/cryptsetup/mkfs, requires root
	// and a real kernel DM stack.
	BackendReal Backend = "real"
	// BackendSim performs the equivalent bookkeeping in memory/files, for
	// development and the test suite.
	BackendSim Backend = "sim"
)

// Config is the full set of daemon-level knobs. Every field has a
// documented default so an empty file (or no file at all) still produces
// a runnable configuration.
type Config struct {
	// Backend selects real or sim kernel-touching implementations.
	Backend Backend `yaml:"backend"`

	// StateDir holds the non-authoritative persistence cache
	// (internal/persistence.Cache) and, in sim mode, the simulated
	// devices and slot files.
	StateDir string `yaml:"state_dir"`

	// DevlinksRoot is the root directory for the /dev/<pool>/<fs>
	// symlink tree; overridden in tests.
	DevlinksRoot string `yaml:"devlinks_root"`

	// AllocationAlignmentSectors overrides the default 1 MiB alignment
	// (spec §9 Open Question); zero means "use the per-device default".
	AllocationAlignmentSectors uint64 `yaml:"allocation_alignment_sectors"`

	// MDASlotSectors sizes each of the two metadata-area slots; zero
	// means "use internal/metadata's built-in default".
	MDASlotSectors uint64 `yaml:"mda_slot_sectors"`

	// PoolCapacityWarnPercent is the thin-pool status pre-flight
	// threshold (devicemapper.PoolCapacityThreshold); zero means use that
	// package's default (70%).
	PoolCapacityWarnPercent int `yaml:"pool_capacity_warn_percent"`

	// ThinPoolExtendStepSectors is internal/thinpool.Policy's
	// ExtendStepSectors; zero means use thinpool.DefaultPolicy's.
	ThinPoolExtendStepSectors uint64 `yaml:"thinpool_extend_step_sectors"`

	// DiscoveryAutoStart disables/enables automatic pool assembly on
	// hotplug completion (spec §4.6 step 2); defaults true.
	DiscoveryAutoStart *bool `yaml:"discovery_auto_start"`

	// DiscoveryBackoffMaxElapsed bounds how long a transient
	// Environment-class device-read error is retried before the device
	// is treated as foreign (internal/discovery.Config.Backoff).
	DiscoveryBackoffMaxElapsed time.Duration `yaml:"discovery_backoff_max_elapsed"`

	// MetricsListenAddr is the address the Prometheus metrics HTTP
	// listener binds to; empty disables it.
	MetricsListenAddr string `yaml:"metrics_listen_addr"`

	// TeardownOnStop, when true, removes layered DM tables on an orderly
	// SIGINT/SIGTERM stop instead of leaving them assembled (spec §6.4).
	TeardownOnStop bool `yaml:"teardown_on_stop"`
}

// Default returns a Config populated with every documented default,
// appropriate for `stratisd-engine` run with no flags and no file.
func Default() Config {
	autoStart := true
	return Config{
		Backend:                    BackendSim,
		StateDir:                   "/var/lib/stratisd-go",
		DevlinksRoot:               "/dev",
		AllocationAlignmentSectors: uint64(stratisd.DefaultAlignmentSectors),
		PoolCapacityWarnPercent:    70,
		ThinPoolExtendStepSectors:  (1 << 30) / stratisd.SectorSize, // 1 GiB
		DiscoveryAutoStart:         &autoStart,
		DiscoveryBackoffMaxElapsed: 5 * time.Second,
		MetricsListenAddr:          ":9876",
		TeardownOnStop:             false,
	}
}

// Load reads a YAML file at path and merges it over Default(); an empty
// path is not an error, it simply returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.Backend != BackendReal && cfg.Backend != BackendSim {
		return Config{}, fmt.Errorf("config: unrecognized backend %q (want %q or %q)", cfg.Backend, BackendReal, BackendSim)
	}
	return cfg, nil
}

// AutoStart reports whether hotplug-driven pool assembly should fire
// automatically, defaulting to true if the file didn't set it.
func (c Config) AutoStart() bool {
	if c.DiscoveryAutoStart == nil {
		return true
	}
	return *c.DiscoveryAutoStart
}
