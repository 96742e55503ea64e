// Package config loads the host FTL core's configuration, mirroring the
// YAML + defaults pattern used throughout the platform's controlplane
// services (e.g. coordinator.LoadConfig, balancer's Config/DefaultConfig).
package config

import (
	"fmt"
	"os"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"

	"github.com/ocssd/ftlhost/internal/logging"
)

// Config is the top-level configuration for the host FTL core.
type Config struct {
	// Logging configures the structured logger.
	Logging logging.Config `yaml:"logging"`

	// Geometry describes the device shape. In production this is read back
	// from the media manager at bring-up (out of scope, SPEC_FULL.md §1);
	// the config copy here lets cmd/ftlhostd run entirely against the fake
	// media manager for local development.
	Geometry GeometryConfig `yaml:"geometry"`

	// RingCapacity is the ring buffer's capacity, rounded up to the next
	// power of two. Expressed as a byte size, which RingCapacitySectors
	// divides by Geometry.SecSize, so config files read naturally ("64MB") per the datasize
	// convention already used for buffer sizing elsewhere on the platform.
	RingCapacity datasize.ByteSize `yaml:"ring_capacity"`

	// MinWritePgs / MaxWritePgs bound a single device write request, in
	// sectors (SPEC_FULL.md §4.4).
	MinWritePgs uint32 `yaml:"min_write_pgs"`
	MaxWritePgs uint32 `yaml:"max_write_pgs"`

	// InflightCapSectors bounds sectors admitted but not yet persisted
	// (SPEC_FULL.md §4.3 step 5; Open Question in spec.md §9 resolved by
	// making the source's hard-coded 400000 configurable).
	InflightCapSectors int64 `yaml:"inflight_cap_sectors"`

	// PoolDepth is the per-LUN pre-erased block pool depth maintained by
	// the provisioner (SPEC_FULL.md §4.6).
	PoolDepth int `yaml:"pool_depth"`

	// EmergencyThreshold is the per-LUN pre-erased pool depth below which
	// the provisioner sets that LUN's emergency-GC bit (spec.md §4.6).
	EmergencyThreshold int `yaml:"emergency_threshold"`

	// ProvisionerTickMillis is how often, in milliseconds, the provisioner
	// wakes to top up pools (spec.md §4.6 default: 10ms).
	ProvisionerTickMillis int `yaml:"provisioner_tick_millis"`

	// SecsPerRequest bounds a single host bio (spec.md §6: <= 64).
	SecsPerRequest uint32 `yaml:"secs_per_request"`
}

// GeometryConfig mirrors the media-manager geometry contract
// (SPEC_FULL.md §6).
type GeometryConfig struct {
	NrChannels  uint32            `yaml:"nr_channels"`
	NrLUNs      uint32            `yaml:"nr_luns"`
	SecPerPl    uint32            `yaml:"sec_per_pl"`
	SecSize     datasize.ByteSize `yaml:"sec_size"`
	PgsPerBlk   uint32            `yaml:"pgs_per_blk"`
	NrBlkDsecs  uint32            `yaml:"nr_blk_dsecs"`
	NrSecs      uint64            `yaml:"nr_secs"`
}

// DefaultConfig returns a configuration sized for local development against
// the fake media manager.
func DefaultConfig() *Config {
	return &Config{
		Logging: *logging.DefaultConfig(),
		Geometry: GeometryConfig{
			NrChannels: 2,
			NrLUNs:     4,
			SecPerPl:   1,
			SecSize:    4 * datasize.KB,
			PgsPerBlk:  256,
			NrBlkDsecs: 256,
			NrSecs:     1 << 20,
		},
		RingCapacity:          4 * datasize.MB,
		MinWritePgs:           4,
		MaxWritePgs:           64,
		InflightCapSectors:    400000,
		PoolDepth:             1,
		EmergencyThreshold:    2,
		ProvisionerTickMillis: 10,
		SecsPerRequest:        64,
	}
}

// Load reads and parses a YAML configuration file, starting from
// DefaultConfig so unset fields keep sane defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks invariants the rest of the core assumes hold.
func (c *Config) Validate() error {
	if c.MinWritePgs == 0 {
		return fmt.Errorf("min_write_pgs must be > 0")
	}
	if c.MaxWritePgs < c.MinWritePgs {
		return fmt.Errorf("max_write_pgs (%d) must be >= min_write_pgs (%d)", c.MaxWritePgs, c.MinWritePgs)
	}
	if c.Geometry.NrBlkDsecs%c.MinWritePgs != 0 {
		return fmt.Errorf("nr_blk_dsecs (%d) must be a multiple of min_write_pgs (%d)", c.Geometry.NrBlkDsecs, c.MinWritePgs)
	}
	if c.Geometry.NrLUNs == 0 || c.Geometry.NrLUNs > 64 {
		return fmt.Errorf("nr_luns (%d) must be in [1, 64]", c.Geometry.NrLUNs)
	}
	if c.SecsPerRequest == 0 || c.SecsPerRequest > 64 {
		return fmt.Errorf("secs_per_request (%d) must be in [1, 64]", c.SecsPerRequest)
	}
	if c.InflightCapSectors <= 0 {
		return fmt.Errorf("inflight_cap_sectors must be > 0")
	}
	return nil
}

// RingCapacitySectors returns the ring buffer capacity rounded up to a
// power of two, in sectors.
func (c *Config) RingCapacitySectors() uint32 {
	secSize := uint64(c.Geometry.SecSize)
	if secSize == 0 {
		secSize = 4096
	}
	secs := uint64(c.RingCapacity) / secSize
	if secs == 0 {
		secs = 1
	}
	n := uint32(1)
	for uint64(n) < secs {
		n <<= 1
	}
	return n
}
