// Package config holds the tunables shared by the sender and receiver
// engines: negotiated sizes, redundancy, worker counts, timing constants.
// Every field can be overridden from the command line via
// [Config.RegisterFlags] or loaded from a YAML file with [LoadFile].
package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config collects every tunable of the protocol engine. Zero-value size
// fields sent over Init mean "accept server default".
type Config struct {
	ChunkSize   int `yaml:"chunk_size"`
	SegmentSize int `yaml:"segment_size"`

	// BaseRedundancyRatio is the sender's starting redundancy ratio before
	// loss-driven adjustment.
	BaseRedundancyRatio float64 `yaml:"base_redundancy_ratio"`
	MinRedundancyRatio  float64 `yaml:"min_redundancy_ratio"`
	MaxRedundancyRatio  float64 `yaml:"max_redundancy_ratio"`

	// EncryptionEnabled turns on the X25519 + ChaCha20-Poly1305 layer.
	EncryptionEnabled bool `yaml:"encryption_enabled"`

	// ReceiverWorkers is the size of the worker pool draining inbound
	// chunks.
	ReceiverWorkers int `yaml:"receiver_workers"`

	// NackTickInterval and FlowControlInterval are the receiver scheduler's
	// periodic tick intervals. NackQuietPeriod is how long chunk
	// arrivals must have been quiet before a tick actually emits NACKs; while
	// data is still flowing, missing chunks may simply not have been sent yet.
	NackTickInterval     time.Duration `yaml:"nack_tick_interval"`
	NackQuietPeriod      time.Duration `yaml:"nack_quiet_period"`
	FlowControlInterval  time.Duration `yaml:"flow_control_interval"`
	NackSegmentsPerRound int           `yaml:"nack_segments_per_round"`

	// CongestionStrategy selects the congestion controller: "tcplike"
	// (slow-start/congestion-avoidance) or "bbrlite" (delivery-rate probing).
	CongestionStrategy string `yaml:"congestion_strategy"`

	// Queue capacities. Data queues drop on overflow (NACK recovers the
	// chunk later); control queues never do.
	PriorityQueueCapacity int `yaml:"priority_queue_capacity"`
	DataQueueCapacity     int `yaml:"data_queue_capacity"`
	InboundQueueCapacity  int `yaml:"inbound_queue_capacity"`

	// DataBatchBytes is the writer task's pacing batch size: the writer
	// sleeps against the rate limiter between batches of about this many
	// bytes.
	DataBatchBytes int `yaml:"data_batch_bytes"`

	// HandshakeRetryInterval and HandshakeMaxRetries govern the receiver's
	// Init retry loop.
	HandshakeRetryInterval time.Duration `yaml:"handshake_retry_interval"`
	HandshakeMaxRetries    int           `yaml:"handshake_max_retries"`

	// SocketBufferBytes, when > 0, is applied as SO_RCVBUF/SO_SNDBUF on the
	// UDP socket (transport package).
	SocketBufferBytes int `yaml:"socket_buffer_bytes"`
	TTL               int `yaml:"ttl"`
	TOS               int `yaml:"tos"`
}

// Default returns the documented default for every tunable.
func Default() Config {
	return Config{
		ChunkSize:              1200,
		SegmentSize:            65536,
		BaseRedundancyRatio:    0.18,
		MinRedundancyRatio:     0.10,
		MaxRedundancyRatio:     0.60,
		EncryptionEnabled:      false,
		ReceiverWorkers:        4,
		NackTickInterval:       100 * time.Millisecond,
		NackQuietPeriod:        200 * time.Millisecond,
		FlowControlInterval:    100 * time.Millisecond,
		NackSegmentsPerRound:   50,
		CongestionStrategy:     "tcplike",
		PriorityQueueCapacity:  1000,
		DataQueueCapacity:      200_000,
		InboundQueueCapacity:   100_000,
		DataBatchBytes:         100 * 1024,
		HandshakeRetryInterval: 500 * time.Millisecond,
		HandshakeMaxRetries:    20,
		SocketBufferBytes:      0,
		TTL:                    0,
		TOS:                    0,
	}
}

// RegisterFlags binds c's most commonly overridden fields onto fs. Call
// with flag.CommandLine for the default flag set.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.ChunkSize, "chunk-size", c.ChunkSize, "wire chunk size in bytes")
	fs.IntVar(&c.SegmentSize, "segment-size", c.SegmentSize, "segment size in bytes")
	fs.Float64Var(&c.BaseRedundancyRatio, "redundancy", c.BaseRedundancyRatio, "base redundant-chunk ratio")
	fs.BoolVar(&c.EncryptionEnabled, "encrypt", c.EncryptionEnabled, "enable X25519+ChaCha20-Poly1305 segment encryption")
	fs.IntVar(&c.ReceiverWorkers, "workers", c.ReceiverWorkers, "receiver chunk-worker pool size")
	fs.StringVar(&c.CongestionStrategy, "congestion", c.CongestionStrategy, "congestion strategy: tcplike or bbrlite")
	fs.IntVar(&c.SocketBufferBytes, "socket-buffer", c.SocketBufferBytes, "SO_RCVBUF/SO_SNDBUF size in bytes (0 = OS default)")
	fs.IntVar(&c.TTL, "ttl", c.TTL, "outbound IPv4 TTL (0 = OS default)")
	fs.IntVar(&c.TOS, "tos", c.TOS, "outbound IPv4 TOS/DSCP byte (0 = OS default)")
}

// LoadFile reads a YAML config file and overlays it onto a Default()
// config, for scripted/CI runs.
func LoadFile(path string) (Config, error) {
	c := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return c, nil
}

// Validate reports a descriptive error if c's fields would produce an
// unusable session (e.g. a zero chunk size).
func (c Config) Validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("config: chunk size must be positive, got %d", c.ChunkSize)
	}
	if c.SegmentSize <= 0 {
		return fmt.Errorf("config: segment size must be positive, got %d", c.SegmentSize)
	}
	if c.SegmentSize < c.ChunkSize {
		return fmt.Errorf("config: segment size %d smaller than chunk size %d", c.SegmentSize, c.ChunkSize)
	}
	if c.ReceiverWorkers <= 0 {
		return fmt.Errorf("config: receiver workers must be positive, got %d", c.ReceiverWorkers)
	}
	if c.CongestionStrategy != "tcplike" && c.CongestionStrategy != "bbrlite" {
		return fmt.Errorf("config: unknown congestion strategy %q", c.CongestionStrategy)
	}
	return nil
}
