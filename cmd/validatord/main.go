// Copyright (C) 2024-2026, Meshpay Labs. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/meshpay/validator"
	"github.com/meshpay/validator/config"
	"github.com/meshpay/validator/consensus"
	"github.com/meshpay/validator/metrics"
	"github.com/meshpay/validator/propagation"
	"github.com/meshpay/validator/repository"
	"github.com/meshpay/validator/repository/redisrepo"
	"github.com/meshpay/validator/scheduler"
	"github.com/meshpay/validator/sentry"
)

var version = "v0.0.0-dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "validatord",
		Short:   "Payment channel validator node",
		Long:    "validatord runs one validator of the propose-approve payment channel protocol: it aggregates channel events into balance ledgers, drives or answers state proposals depending on its role per channel, and serves the query API.",
		Version: version,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := config.BuildViper(cmd.Flags())
			if err != nil {
				return err
			}
			cfg, err := config.NewConfig(v)
			if err != nil {
				return err
			}
			return run(cfg)
		},
		SilenceUsage: true,
	}

	fs := cmd.Flags()
	fs.String(config.ConfigFileKey, "", "Path to a JSON config file")
	fs.String(config.LogLevelKey, "", "Log level")
	fs.String(config.NodeIDKey, "", "This validator's node ID")
	fs.Uint16(config.APIPortKey, 0, "Port for the sentry API")
	fs.Uint16(config.MetricsPortKey, 0, "Port for the prometheus endpoint")
	fs.Duration(config.TickIntervalKey, 0, "Interval between tick rounds")
	fs.Int(config.MaxConcurrentTicksKey, 0, "Maximum channel ticks in flight")
	fs.String(config.HealthThresholdKey, "", "Global drift threshold in token units")
	fs.Int(config.UnhealthyAfterKey, 0, "Consecutive disagreements before a channel is unhealthy")
	fs.Uint64(config.QuorumNumKey, 0, "Quorum numerator")
	fs.Uint64(config.QuorumDenKey, 0, "Quorum denominator")
	fs.Duration(config.PropagationTimeoutKey, 0, "Timeout for one proposal round trip")
	fs.Duration(config.ReadCacheTTLKey, 0, "TTL of the query read cache")
	fs.String(config.RedisURIKey, "", "Redis URI for durable storage; empty runs in-memory")
	fs.String(config.BLSKeyFileKey, "", "Path to the BLS secret key file")
	return cmd
}

func run(cfg config.Config) error {
	logger := log.NewLogger("validatord")
	logger.Info("starting validator node",
		log.String("version", version),
		log.String("nodeID", cfg.NodeID),
	)

	nodeID, err := ids.NodeIDFromString(cfg.NodeID)
	if err != nil {
		return fmt.Errorf("invalid node id: %w", err)
	}
	signer, err := buildSigner(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		repo       repository.Repository
		readyCheck func(context.Context) error
	)
	if cfg.RedisURI != "" {
		redisRepo, err := redisrepo.New(ctx, logger, cfg.RedisURI)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		repo = redisRepo
		readyCheck = redisRepo.Ping
	} else {
		logger.Warn("no redis-uri configured, running on in-memory storage")
		repo = repository.NewMemory()
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	engine := consensus.New(
		logger,
		nodeID,
		repo,
		propagation.NewHTTPPropagator(logger, cfg.PropagationTimeout),
		signer,
		validator.NewBLSVerifier(),
		consensus.Params{
			HealthThreshold: cfg.HealthThresholdAmount(),
			UnhealthyAfter:  cfg.UnhealthyAfter,
			QuorumNum:       cfg.QuorumNum,
			QuorumDen:       cfg.QuorumDen,
		},
		m,
	)
	sched := scheduler.New(logger, repo, engine, cfg.TickInterval, cfg.MaxConcurrentTicks, m)
	api := sentry.New(logger, repo, engine, sched, cfg.ReadCacheTTL, readyCheck)

	errGroup, ctx := errgroup.WithContext(ctx)
	errGroup.Go(func() error {
		return sched.Run(ctx)
	})
	errGroup.Go(func() error {
		logger.Info("serving API", log.Uint64("port", uint64(cfg.APIPort)))
		return api.Run(ctx, cfg.APIPort)
	})
	errGroup.Go(func() error {
		logger.Info("serving metrics", log.Uint64("port", uint64(cfg.MetricsPort)))
		return metrics.Serve(registry, cfg.MetricsPort)
	})

	err = errGroup.Wait()
	logger.Info("validator node stopped", log.Err(err))
	return err
}

// buildSigner loads the node's BLS key, or generates an ephemeral one when no
// key file is configured.
func buildSigner(cfg config.Config) (validator.Signer, error) {
	if cfg.BLSKeyFile == "" {
		return validator.GenerateBLSSigner()
	}
	raw, err := os.ReadFile(cfg.BLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read BLS key file: %w", err)
	}
	return validator.NewBLSSignerFromBytes(raw)
}
