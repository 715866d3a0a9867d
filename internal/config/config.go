// Package config holds the immutable configuration record the core
// consumes: one flat record plus functional options, loadable from YAML.
package config

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config is the immutable configuration record threaded through every
// component. Construct with Default() and Option overrides, or load one from
// YAML with Load.
type Config struct {
	SyncIntervalMS   int64 `yaml:"sync_interval_ms"`
	RecencyWindowMS  int64 `yaml:"recency_window_ms"`
	RecentBatch      int   `yaml:"recent_batch"`
	OlderBatch       int   `yaml:"older_batch"`
	MaxPerRound      int   `yaml:"max_per_round"`
	BloomTargetItems int   `yaml:"bloom_target_items"`
	BloomTargetFPR   float64 `yaml:"bloom_target_fpr"`

	PacketLossRate float64 `yaml:"packet_loss_rate"`
	MinLatencyMS   int64   `yaml:"min_latency_ms"`
	MaxLatencyMS   int64   `yaml:"max_latency_ms"`
	JitterMS       int64   `yaml:"jitter_ms"`

	ChunkSizeBytes  int `yaml:"chunk_size_bytes"`
	ParityGroupSize int `yaml:"parity_group_size"`

	CommunityKey    [32]byte          `yaml:"-"`
	TrustedPeerKeys map[string][]byte `yaml:"-"`

	MaxDatagramBytes int `yaml:"max_datagram_bytes"`

	LogLevel         string `yaml:"log_level"`
	MetricsNamespace string `yaml:"metrics_namespace"`
}

// Option mutates a Config built from Default.
type Option func(*Config)

// Default returns the configuration record populated with this module's
// default tuning values.
func Default() *Config {
	return &Config{
		SyncIntervalMS:   1500,
		RecencyWindowMS:  60_000,
		RecentBatch:      10,
		OlderBatch:       5,
		MaxPerRound:      20,
		BloomTargetItems: 500,
		BloomTargetFPR:   0.05,

		PacketLossRate: 0,
		MinLatencyMS:   0,
		MaxLatencyMS:   0,
		JitterMS:       0,

		ChunkSizeBytes:  500,
		ParityGroupSize: 2,

		TrustedPeerKeys: map[string][]byte{},

		MaxDatagramBytes: 1200,

		LogLevel:         "info",
		MetricsNamespace: "reticulum",
	}
}

// New builds a Config from Default with the given overrides applied.
func New(opts ...Option) *Config {
	c := Default()
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func WithSyncInterval(ms int64) Option        { return func(c *Config) { c.SyncIntervalMS = ms } }
func WithRecencyWindow(ms int64) Option       { return func(c *Config) { c.RecencyWindowMS = ms } }
func WithScanBatches(recent, older, max int) Option {
	return func(c *Config) {
		c.RecentBatch = recent
		c.OlderBatch = older
		c.MaxPerRound = max
	}
}
func WithBloomTarget(items int, fpr float64) Option {
	return func(c *Config) {
		c.BloomTargetItems = items
		c.BloomTargetFPR = fpr
	}
}
func WithSimulatedLink(lossRate float64, minLatencyMS, maxLatencyMS, jitterMS int64) Option {
	return func(c *Config) {
		c.PacketLossRate = lossRate
		c.MinLatencyMS = minLatencyMS
		c.MaxLatencyMS = maxLatencyMS
		c.JitterMS = jitterMS
	}
}
func WithChunking(chunkSizeBytes, parityGroupSize int) Option {
	return func(c *Config) {
		c.ChunkSizeBytes = chunkSizeBytes
		c.ParityGroupSize = parityGroupSize
	}
}
func WithCommunityKey(key [32]byte) Option { return func(c *Config) { c.CommunityKey = key } }
func WithTrustedPeer(deviceID string, verifyKey []byte) Option {
	return func(c *Config) {
		if c.TrustedPeerKeys == nil {
			c.TrustedPeerKeys = map[string][]byte{}
		}
		c.TrustedPeerKeys[deviceID] = verifyKey
	}
}

// Load reads a YAML configuration file layered over Default(). The
// CommunityKey and TrustedPeerKeys fields, being raw key material, are never
// read from YAML; callers must set them via options after Load.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	c := Default()
	dec := yaml.NewDecoder(f)
	if err := dec.Decode(c); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return c, nil
}

// LogrusLevel parses LogLevel into a logrus.Level, defaulting to Info on any
// parse failure rather than erroring the whole configuration.
func (c *Config) LogrusLevel() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}
