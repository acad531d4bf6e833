// Copyright (C) 2024-2026, Meshpay Labs. All rights reserved.
// See the file LICENSE for licensing terms.

package config

const (
	// Command line option keys
	ConfigFileKey = "config-file"
	VersionKey    = "version"
	HelpKey       = "help"

	// Environment variable keys
	ConfigFileEnvKey = "CONFIG_FILE"

	// Top-level configuration keys
	LogLevelKey           = "log-level"
	NodeIDKey             = "node-id"
	APIPortKey            = "api-port"
	MetricsPortKey        = "metrics-port"
	TickIntervalKey       = "tick-interval"
	MaxConcurrentTicksKey = "max-concurrent-ticks"
	HealthThresholdKey    = "health-threshold"
	UnhealthyAfterKey     = "unhealthy-after"
	QuorumNumKey          = "quorum-num"
	QuorumDenKey          = "quorum-den"
	PropagationTimeoutKey = "propagation-timeout"
	ReadCacheTTLKey       = "read-cache-ttl"
	RedisURIKey           = "redis-uri"
	BLSKeyFileKey         = "bls-key-file"
)
