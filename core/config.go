package core

import (
	"errors"
	"fmt"
	"time"
)

// ErrInsufficientParticipants is returned by NewConfig when N is too
// small to tolerate F Byzantine participants (N must be >= 3F+1).
var ErrInsufficientParticipants = errors.New("core: N must be at least 3F+1")

const (
	defaultBaseRoundTimeout    = 10 * time.Second
	defaultGCDepth             = 10
	defaultMaxBufferedMessages = 1024
)

// Config holds the fixed, per-participant construction parameters plus
// the timing/resource knobs an embedder may tune.
type Config struct {
	ID uint64
	N  uint64
	F  uint64

	BaseRoundTimeout    time.Duration
	AdditionalTimeout   time.Duration
	GCDepth             uint64
	MaxBufferedMessages int
	MaxRounds           uint64 // 0 = unbounded
}

// Option configures a Config at construction time.
type Option func(*Config)

// WithBaseRoundTimeout overrides the round-0 timeout (default 10s); the
// round-change engine multiplies this by 2^round.
func WithBaseRoundTimeout(d time.Duration) Option {
	return func(c *Config) { c.BaseRoundTimeout = d }
}

// WithAdditionalTimeout adds a flat extension to every round's timeout,
// matching the teacher's ExtendRoundTimeout knob.
func WithAdditionalTimeout(d time.Duration) Option {
	return func(c *Config) { c.AdditionalTimeout = d }
}

// WithGCDepth overrides how many trailing instances' message logs are
// retained (default 10).
func WithGCDepth(depth uint64) Option {
	return func(c *Config) { c.GCDepth = depth }
}

// WithMaxBufferedMessages bounds the future-sequence/future-round
// message buffer (default 1024); on overflow the oldest buffered entry
// is evicted before a current-round message is ever dropped.
func WithMaxBufferedMessages(n int) Option {
	return func(c *Config) { c.MaxBufferedMessages = n }
}

// WithMaxRounds sets an observability-only liveness guard: if exceeded
// within one instance, the engine logs an error but keeps running (the
// core never fail-stops on adversarial or slow-network input).
func WithMaxRounds(n uint64) Option {
	return func(c *Config) { c.MaxRounds = n }
}

// NewConfig builds a validated Config for a participant with identity id
// in an N-participant, F-Byzantine-tolerant deployment.
func NewConfig(id, n, f uint64, opts ...Option) (*Config, error) {
	if n < 3*f+1 {
		return nil, fmt.Errorf("%w: N=%d F=%d", ErrInsufficientParticipants, n, f)
	}

	c := &Config{
		ID:                  id,
		N:                   n,
		F:                   f,
		BaseRoundTimeout:    defaultBaseRoundTimeout,
		GCDepth:             defaultGCDepth,
		MaxBufferedMessages: defaultMaxBufferedMessages,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Quorum returns 2F+1.
func (c *Config) Quorum() uint64 {
	return 2*c.F + 1
}
