// Copyright (C) 2024-2026, Meshpay Labs. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config builds and validates the validator node configuration from
// flags, environment variables, and a JSON config file.
package config

import (
	"fmt"
	"time"

	"github.com/holiman/uint256"
)

const (
	defaultLogLevel           = "info"
	defaultAPIPort            = uint16(8080)
	defaultMetricsPort        = uint16(9090)
	defaultTickInterval       = 5 * time.Second
	defaultMaxConcurrentTicks = 8
	defaultHealthThreshold    = "0"
	defaultUnhealthyAfter     = 3
	defaultQuorumNum          = uint64(2)
	defaultQuorumDen          = uint64(3)
	defaultPropagationTimeout = 10 * time.Second
	defaultReadCacheTTL       = 2 * time.Second
)

// Config is the top-level validator node configuration.
type Config struct {
	LogLevel string `mapstructure:"log-level" json:"log-level"`
	// NodeID is this validator's identity, matching its entry in channel
	// validator sets.
	NodeID             string        `mapstructure:"node-id" json:"node-id"`
	APIPort            uint16        `mapstructure:"api-port" json:"api-port"`
	MetricsPort        uint16        `mapstructure:"metrics-port" json:"metrics-port"`
	TickInterval       time.Duration `mapstructure:"tick-interval" json:"tick-interval"`
	MaxConcurrentTicks int           `mapstructure:"max-concurrent-ticks" json:"max-concurrent-ticks"`
	// HealthThreshold is the global drift threshold in token units, as a
	// decimal string. Channel specs may override it.
	HealthThreshold string `mapstructure:"health-threshold" json:"health-threshold"`
	UnhealthyAfter  int    `mapstructure:"unhealthy-after" json:"unhealthy-after"`
	QuorumNum       uint64 `mapstructure:"quorum-num" json:"quorum-num"`
	QuorumDen       uint64 `mapstructure:"quorum-den" json:"quorum-den"`
	// PropagationTimeout bounds one proposal round trip to a peer.
	PropagationTimeout time.Duration `mapstructure:"propagation-timeout" json:"propagation-timeout"`
	ReadCacheTTL       time.Duration `mapstructure:"read-cache-ttl" json:"read-cache-ttl"`
	// RedisURI selects the durable repository. Empty runs on the in-memory
	// repository, which does not survive restarts.
	RedisURI string `mapstructure:"redis-uri" json:"redis-uri"`
	// BLSKeyFile is the path to this node's BLS secret key. Empty generates
	// an ephemeral key, for local development only.
	BLSKeyFile string `mapstructure:"bls-key-file" json:"bls-key-file"`

	healthThreshold *uint256.Int
}

// Validate checks the configuration and parses derived fields.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("%q must be set", NodeIDKey)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("%q must be positive", TickIntervalKey)
	}
	if c.MaxConcurrentTicks <= 0 {
		return fmt.Errorf("%q must be positive", MaxConcurrentTicksKey)
	}
	if c.UnhealthyAfter <= 0 {
		return fmt.Errorf("%q must be positive", UnhealthyAfterKey)
	}
	if c.QuorumDen == 0 {
		return fmt.Errorf("%q must be positive", QuorumDenKey)
	}
	if c.QuorumNum == 0 || c.QuorumNum > c.QuorumDen {
		return fmt.Errorf("%q must be in (0, %q]", QuorumNumKey, QuorumDenKey)
	}
	if c.PropagationTimeout <= 0 {
		return fmt.Errorf("%q must be positive", PropagationTimeoutKey)
	}
	if c.ReadCacheTTL < 0 {
		return fmt.Errorf("%q must not be negative", ReadCacheTTLKey)
	}
	threshold, err := uint256.FromDecimal(c.HealthThreshold)
	if err != nil {
		return fmt.Errorf("invalid %q: %w", HealthThresholdKey, err)
	}
	c.healthThreshold = threshold
	return nil
}

// HealthThresholdAmount returns the parsed global drift threshold. Only valid
// after Validate.
func (c *Config) HealthThresholdAmount() *uint256.Int {
	return c.healthThreshold
}
