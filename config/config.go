// Package config loads and validates the broker configuration: the
// segment/pool layout plus supervision and introspection knobs. Files
// are JSON with comments and trailing commas permitted; the text is
// standardized before decoding.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/sugawarayuuta/sonnet"
	"github.com/tailscale/hujson"

	"github.com/SyPeter/shmbus/constants"
)

// PoolClass configures one chunk size class of a segment.
type PoolClass struct {
	ChunkSize  uint64 `json:"chunk_size"`  // bytes per chunk, header included
	ChunkCount uint64 `json:"chunk_count"` // chunks in the class
}

// Segment configures one shared-memory data segment.
type Segment struct {
	Name        string      `json:"name"` // shm object name, leading slash
	Mode        string      `json:"mode"` // octal permission mask, e.g. "0640"
	ReaderGroup string      `json:"reader_group,omitempty"`
	WriterGroup string      `json:"writer_group,omitempty"`
	Pools       []PoolClass `json:"pools"`
}

// ModeBits parses the octal permission string, defaulting to 0640.
func (s Segment) ModeBits() (uint32, error) {
	if s.Mode == "" {
		return 0o640, nil
	}
	v, err := strconv.ParseUint(s.Mode, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("config: segment %q: bad mode %q", s.Name, s.Mode)
	}
	return uint32(v), nil
}

// Config is the full broker configuration.
type Config struct {
	// InstanceName distinguishes coexisting brokers; it prefixes the
	// management segment name. The runtime directory is set separately.
	InstanceName string `json:"instance_name"`

	RuntimeDir string    `json:"runtime_dir"`
	Segments   []Segment `json:"segments"`

	// Management-segment sizing.
	PortCapacity   int    `json:"port_capacity"`
	QueueArenaSize uint64 `json:"queue_arena_size"`

	// Supervision (flag-overridable).
	MonitoringIntervalMs uint64 `json:"monitoring_interval_ms"`
	KeepaliveTimeoutMs   uint64 `json:"keepalive_timeout_ms"`

	// Introspection (optional).
	IntrospectionDB string `json:"introspection_db"`
	MetricsAddr     string `json:"metrics_addr"`
}

// Default returns the layout used when no config file is given: one data
// segment with a small ladder of size classes.
func Default() *Config {
	c := &Config{
		InstanceName: "shmbus",
		Segments: []Segment{{
			Name: "/shmbus-data",
			Pools: []PoolClass{
				{ChunkSize: 256, ChunkCount: 512},
				{ChunkSize: 1024, ChunkCount: 256},
				{ChunkSize: 16384, ChunkCount: 64},
			},
		}},
	}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.InstanceName == "" {
		c.InstanceName = "shmbus"
	}
	if c.RuntimeDir == "" {
		c.RuntimeDir = constants.DefaultRuntimeDir
	}
	if c.PortCapacity == 0 {
		c.PortCapacity = constants.DefaultPortCapacity
	}
	if c.QueueArenaSize == 0 {
		c.QueueArenaSize = constants.DefaultQueueArenaSize
	}
	if c.MonitoringIntervalMs == 0 {
		c.MonitoringIntervalMs = constants.DefaultMonitoringIntervalMs
	}
	if c.KeepaliveTimeoutMs == 0 {
		c.KeepaliveTimeoutMs = constants.DefaultKeepaliveTimeoutMs
	}
}

// Load reads, standardizes, decodes, and validates a config file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(raw)
}

// Parse decodes config text.
func Parse(raw []byte) (*Config, error) {
	std, err := hujson.Standardize(raw)
	if err != nil {
		return nil, fmt.Errorf("config: standardize: %w", err)
	}
	var c Config
	if err := sonnet.Unmarshal(std, &c); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate enforces the layout rules before any segment is created.
func (c *Config) Validate() error {
	if len(c.Segments) == 0 {
		return fmt.Errorf("config: no data segments configured")
	}
	if len(c.Segments) >= constants.MaxSegments {
		return fmt.Errorf("config: %d segments exceeds %d", len(c.Segments), constants.MaxSegments-1)
	}
	seen := make(map[string]bool)
	for _, s := range c.Segments {
		if s.Name == "" {
			return fmt.Errorf("config: segment with empty name")
		}
		if s.Name[0] != '/' {
			return fmt.Errorf("config: segment %q must start with '/'", s.Name)
		}
		if len(s.Name) > constants.MaxSegmentNameLen {
			return fmt.Errorf("config: segment name %q exceeds %d bytes", s.Name, constants.MaxSegmentNameLen)
		}
		if seen[s.Name] {
			return fmt.Errorf("config: duplicate segment %q", s.Name)
		}
		seen[s.Name] = true
		if _, err := s.ModeBits(); err != nil {
			return err
		}
		if len(s.Pools) == 0 {
			return fmt.Errorf("config: segment %q has no pools", s.Name)
		}
		var prev uint64
		for _, p := range s.Pools {
			if p.ChunkSize <= constants.ChunkHeaderSize || p.ChunkSize%64 != 0 {
				return fmt.Errorf("config: segment %q: chunk size %d must exceed the %d-byte header and be a multiple of 64", s.Name, p.ChunkSize, constants.ChunkHeaderSize)
			}
			if p.ChunkSize <= prev {
				return fmt.Errorf("config: segment %q: chunk sizes must strictly ascend", s.Name)
			}
			if p.ChunkCount == 0 {
				return fmt.Errorf("config: segment %q: class %d has no chunks", s.Name, p.ChunkSize)
			}
			prev = p.ChunkSize
		}
	}
	if c.PortCapacity < 1 {
		return fmt.Errorf("config: port capacity must be positive")
	}
	return nil
}

// MgmtSegmentName derives the management segment's shm name.
func (c *Config) MgmtSegmentName() string { return "/" + c.InstanceName + "-mgmt" }
