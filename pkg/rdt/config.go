package rdt

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config holds every tunable named in spec.md §6's defaults table, plus the
// channel's loss/corruption probabilities. Construct with NewDefaultConfig
// and optionally overlay environment overrides with LoadConfig.
type Config struct {
	// MSS is the maximum segment size in bytes (spec.md §3, §4.3.2).
	MSS uint32 `env:"RDT_MSS, default=512"`
	// MaxOutstanding is N, the maximum number of outstanding segments used
	// to compute effective_window in §4.3.2.
	MaxOutstanding uint32 `env:"RDT_N, default=4"`
	// InitialSsthresh seeds ssthresh before any congestion event.
	InitialSsthresh uint32 `env:"RDT_INITIAL_SSTHRESH, default=4096"`
	// RecvBufferCapacity is the fixed receive buffer size in bytes.
	RecvBufferCapacity uint32 `env:"RDT_RECV_BUFFER, default=1000"`

	HandshakeTimeout time.Duration `env:"RDT_HANDSHAKE_TIMEOUT, default=1s"`
	HandshakeRetries int           `env:"RDT_HANDSHAKE_RETRIES, default=15"`

	SendTimeout time.Duration `env:"RDT_SEND_TIMEOUT, default=1s"`
	SendRetries int           `env:"RDT_SEND_RETRIES, default=15"`

	CloseTimeout time.Duration `env:"RDT_CLOSE_TIMEOUT, default=1s"`
	CloseRetries int           `env:"RDT_CLOSE_RETRIES, default=5"`

	// ReceiveTimeout bounds each Connection.Receive call when the caller
	// doesn't override it (spec.md §6's default of 1.0s).
	ReceiveTimeout time.Duration `env:"RDT_RECEIVE_TIMEOUT, default=1s"`

	DropProb    float64 `env:"RDT_DROP_PROB, default=0"`
	CorruptProb float64 `env:"RDT_CORRUPT_PROB, default=0"`
}

// NewDefaultConfig returns the spec.md §6 normative defaults.
func NewDefaultConfig() *Config {
	return &Config{
		MSS:                512,
		MaxOutstanding:      4,
		InitialSsthresh:     4096,
		RecvBufferCapacity:  1000,
		HandshakeTimeout:    time.Second,
		HandshakeRetries:    15,
		SendTimeout:         time.Second,
		SendRetries:         15,
		CloseTimeout:        time.Second,
		CloseRetries:        5,
		ReceiveTimeout:      time.Second,
	}
}

// LoadConfig starts from the normative defaults (the default= values in the
// env tags, which match NewDefaultConfig) and overlays any RDT_* environment
// variables present, the same struct-tag-driven shape the teacher's client
// package uses for its own config loading.
func LoadConfig(ctx context.Context) (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
