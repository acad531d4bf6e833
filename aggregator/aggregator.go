// Copyright (C) 2024-2026, Meshpay Labs. All rights reserved.
// See the file LICENSE for licensing terms.

// Package aggregator folds a channel's authoritative event set into a balance
// ledger. Aggregation rebuilds from scratch every tick rather than patching
// incrementally: a missed or late-arriving event is naturally included on the
// next pass with no reconciliation special cases.
package aggregator

import (
	"context"
	"fmt"

	"github.com/luxfi/log"

	"github.com/meshpay/validator"
	"github.com/meshpay/validator/repository"
)

// Aggregator pulls events through the repository port and produces ledgers.
type Aggregator struct {
	logger log.Logger
	repo   repository.Repository
}

// New creates an aggregator over the given repository.
func New(logger log.Logger, repo repository.Repository) *Aggregator {
	return &Aggregator{logger: logger, repo: repo}
}

// Aggregate rebuilds the channel's ledger from its full event set. baseline
// is this node's own previous aggregation for the channel: payee totals may
// never fall below it. Peer ledgers are not a valid baseline; a follower that
// approved a leader's state under drift tolerance still earned less in its
// own view, and that is not a retraction.
//
// A monotonicity breach returns ErrInvariantViolation: the event source
// retracted earned funds, which is fatal for the channel, not retried.
func (a *Aggregator) Aggregate(
	ctx context.Context,
	channel *validator.Channel,
	baseline validator.Ledger,
) (validator.Ledger, error) {
	events, err := a.repo.ListEvents(ctx, channel.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	if len(events) == 0 && len(baseline) == 0 {
		return validator.Ledger{}, nil
	}

	ledger, err := validator.AggregateEvents(events, channel.Deposit)
	if err != nil {
		return nil, err
	}
	if err := ledger.CheckConservation(channel.Deposit); err != nil {
		return nil, err
	}
	if err := validator.CheckMonotonic(baseline, ledger); err != nil {
		return nil, err
	}

	a.logger.Debug("aggregated channel events",
		log.Stringer("channelID", channel.ID),
		log.Int("events", len(events)),
		log.Int("payees", len(ledger)),
	)
	return ledger, nil
}
