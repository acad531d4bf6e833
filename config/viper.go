// Copyright (C) 2024-2026, Meshpay Labs. All rights reserved.
// See the file LICENSE for licensing terms.

package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// NewConfig builds and validates the configuration from a bound viper
// instance.
func NewConfig(v *viper.Viper) (Config, error) {
	cfg, err := buildConfig(v)
	if err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("failed to validate configuration: %w", err)
	}
	return cfg, nil
}

// BuildViper builds the viper instance. A config file is optional; all keys
// may come from flags or environment variables, with flags taking precedence
// over the file.
func BuildViper(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.AutomaticEnv()
	// Map flag names to env var names: capitalized, hyphens to underscores.
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	if err := v.BindPFlags(fs); err != nil {
		return nil, err
	}

	if v.IsSet(ConfigFileKey) {
		v.SetConfigFile(v.GetString(ConfigFileKey))
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func setDefaultConfigValues(v *viper.Viper) {
	v.SetDefault(LogLevelKey, defaultLogLevel)
	v.SetDefault(APIPortKey, defaultAPIPort)
	v.SetDefault(MetricsPortKey, defaultMetricsPort)
	v.SetDefault(TickIntervalKey, defaultTickInterval)
	v.SetDefault(MaxConcurrentTicksKey, defaultMaxConcurrentTicks)
	v.SetDefault(HealthThresholdKey, defaultHealthThreshold)
	v.SetDefault(UnhealthyAfterKey, defaultUnhealthyAfter)
	v.SetDefault(QuorumNumKey, defaultQuorumNum)
	v.SetDefault(QuorumDenKey, defaultQuorumDen)
	v.SetDefault(PropagationTimeoutKey, defaultPropagationTimeout)
	v.SetDefault(ReadCacheTTLKey, defaultReadCacheTTL)
}

func buildConfig(v *viper.Viper) (Config, error) {
	setDefaultConfigValues(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to unmarshal viper config: %w", err)
	}
	return cfg, nil
}
