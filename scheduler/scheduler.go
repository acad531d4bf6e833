// Copyright (C) 2024-2026, Meshpay Labs. All rights reserved.
// See the file LICENSE for licensing terms.

// Package scheduler drives the consensus engine: every interval it lists the
// known channels and submits one tick per eligible channel to a bounded
// worker pool. A channel never has two ticks in flight; a slow channel is
// skipped, not queued, so it cannot delay the rest of the fleet.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/meshpay/validator"
	"github.com/meshpay/validator/metrics"
	"github.com/meshpay/validator/repository"
)

// Ticker is the per-channel consensus step the scheduler drives. Implemented
// by the consensus engine.
type Ticker interface {
	Tick(ctx context.Context, channel *validator.Channel) error
}

// Scheduler fans ticks out over a bounded pool.
type Scheduler struct {
	logger   log.Logger
	repo     repository.Repository
	ticker   Ticker
	interval time.Duration
	pool     pond.Pool
	metrics  *metrics.Metrics

	mu        sync.Mutex
	busy      map[ids.ID]struct{}
	suspended map[ids.ID]struct{}

	done chan struct{}
}

// New creates a scheduler ticking every interval with at most maxConcurrent
// ticks in flight.
func New(
	logger log.Logger,
	repo repository.Repository,
	ticker Ticker,
	interval time.Duration,
	maxConcurrent int,
	m *metrics.Metrics,
) *Scheduler {
	return &Scheduler{
		logger:    logger,
		repo:      repo,
		ticker:    ticker,
		interval:  interval,
		pool:      pond.NewPool(maxConcurrent, pond.WithQueueSize(maxConcurrent)),
		metrics:   m,
		busy:      make(map[ids.ID]struct{}),
		suspended: make(map[ids.ID]struct{}),
		done:      make(chan struct{}),
	}
}

// Run blocks, scheduling tick rounds until ctx is canceled or Stop is called.
func (s *Scheduler) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			s.pool.StopAndWait()
			return ctx.Err()
		case <-s.done:
			s.pool.StopAndWait()
			return nil
		case <-t.C:
			s.round(ctx)
		}
	}
}

// Stop ends the Run loop after the current round. Idempotent via sync.Once
// is not needed: the channel close is guarded by the mutex.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

// round submits one tick per eligible channel.
func (s *Scheduler) round(ctx context.Context) {
	channels, err := s.repo.ListChannels(ctx)
	if err != nil {
		s.logger.Warn("failed to list channels, skipping round", log.Err(err))
		return
	}

	for _, channel := range channels {
		if channel.Status.IsTerminal() {
			continue
		}
		if !s.claim(channel.ID) {
			continue
		}
		channel := channel
		s.pool.Submit(func() {
			defer s.release(channel.ID)
			s.tickOne(ctx, channel)
		})
	}
}

// claim reserves a channel for one in-flight tick. Suspended and busy
// channels are not claimable.
func (s *Scheduler) claim(channelID ids.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.suspended[channelID]; ok {
		return false
	}
	if _, ok := s.busy[channelID]; ok {
		return false
	}
	s.busy[channelID] = struct{}{}
	return true
}

func (s *Scheduler) release(channelID ids.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.busy, channelID)
}

func (s *Scheduler) tickOne(ctx context.Context, channel *validator.Channel) {
	err := s.ticker.Tick(ctx, channel)
	switch {
	case err == nil:
	case errors.Is(err, validator.ErrTerminalChannel):
		// Not a failure: the channel reached a terminal status during the
		// tick and drops out of rotation on the next listing.
		s.logger.Debug("channel reached terminal status",
			log.Stringer("channelID", channel.ID),
		)
	case validator.IsFatal(err):
		// Invariant breach or forged signature: suspend the channel until
		// an operator resumes it. Soft failures keep ticking.
		s.suspend(ctx, channel.ID, err)
	case validator.IsTransient(err):
		s.logger.Debug("transient tick failure, will retry",
			log.Stringer("channelID", channel.ID),
			log.Err(err),
		)
	default:
		s.logger.Warn("tick failed",
			log.Stringer("channelID", channel.ID),
			log.Err(err),
		)
	}
}

func (s *Scheduler) suspend(ctx context.Context, channelID ids.ID, cause error) {
	s.mu.Lock()
	_, already := s.suspended[channelID]
	s.suspended[channelID] = struct{}{}
	s.mu.Unlock()
	if already {
		return
	}

	s.metrics.SuspendedChannels.Inc()
	s.logger.Error("suspending channel after fatal error",
		log.Stringer("channelID", channelID),
		log.Err(cause),
	)
	if err := s.repo.MarkChannelStatus(ctx, channelID, validator.StatusUnhealthy); err != nil {
		s.logger.Error("failed to mark suspended channel unhealthy",
			log.Stringer("channelID", channelID),
			log.Err(err),
		)
	}
}

// Resume lifts a suspension so the channel is scheduled again. Operator
// surface; does not change the stored channel status.
func (s *Scheduler) Resume(channelID ids.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.suspended[channelID]; !ok {
		return false
	}
	delete(s.suspended, channelID)
	s.metrics.SuspendedChannels.Dec()
	return true
}

// Suspended reports whether the channel is currently suspended.
func (s *Scheduler) Suspended(channelID ids.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.suspended[channelID]
	return ok
}
