// Copyright (C) 2024-2026, Meshpay Labs. All rights reserved.
// See the file LICENSE for licensing terms.

package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/meshpay/validator"
	"github.com/meshpay/validator/metrics"
	"github.com/meshpay/validator/repository"
)

// stubTicker counts ticks per channel and returns scripted errors.
type stubTicker struct {
	mu    sync.Mutex
	calls map[ids.ID]int
	errs  map[ids.ID]error
	// block, when set for a channel, holds its tick until released.
	block map[ids.ID]chan struct{}
}

func newStubTicker() *stubTicker {
	return &stubTicker{
		calls: make(map[ids.ID]int),
		errs:  make(map[ids.ID]error),
		block: make(map[ids.ID]chan struct{}),
	}
}

func (s *stubTicker) Tick(_ context.Context, channel *validator.Channel) error {
	s.mu.Lock()
	s.calls[channel.ID]++
	err := s.errs[channel.ID]
	blocker := s.block[channel.ID]
	s.mu.Unlock()
	if blocker != nil {
		<-blocker
	}
	return err
}

func (s *stubTicker) setErr(channelID ids.ID, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[channelID] = err
}

func (s *stubTicker) count(channelID ids.ID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[channelID]
}

func newTestScheduler(t *testing.T, ticker Ticker) (*Scheduler, *repository.Memory) {
	t.Helper()
	repo := repository.NewMemory()
	s := New(
		log.NewNoOpLogger(),
		repo,
		ticker,
		time.Hour, // rounds driven manually in tests
		4,
		metrics.New(prometheus.NewRegistry()),
	)
	return s, repo
}

func addChannel(t *testing.T, repo *repository.Memory, status validator.ChannelStatus) *validator.Channel {
	t.Helper()
	channel := &validator.Channel{
		ID:         ids.GenerateTestID(),
		Deposit:    uint256.NewInt(1000),
		ValidUntil: time.Now().Add(time.Hour),
		Status:     status,
	}
	require.NoError(t, repo.CreateChannel(context.Background(), channel))
	return channel
}

func waitForCount(t *testing.T, ticker *stubTicker, channelID ids.ID, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return ticker.count(channelID) == want
	}, time.Second, 5*time.Millisecond)
}

func TestRoundTicksActiveChannels(t *testing.T) {
	ticker := newStubTicker()
	s, repo := newTestScheduler(t, ticker)
	defer s.Stop()

	active := addChannel(t, repo, validator.StatusActive)
	unhealthy := addChannel(t, repo, validator.StatusUnhealthy)

	s.round(context.Background())
	waitForCount(t, ticker, active.ID, 1)
	// Unhealthy is not terminal: it keeps ticking.
	waitForCount(t, ticker, unhealthy.ID, 1)
}

func TestRoundSkipsTerminalChannels(t *testing.T) {
	ticker := newStubTicker()
	s, repo := newTestScheduler(t, ticker)
	defer s.Stop()

	active := addChannel(t, repo, validator.StatusActive)
	expired := addChannel(t, repo, validator.StatusExpired)
	withdrawn := addChannel(t, repo, validator.StatusWithdrawn)

	s.round(context.Background())
	waitForCount(t, ticker, active.ID, 1)
	require.Zero(t, ticker.count(expired.ID))
	require.Zero(t, ticker.count(withdrawn.ID))
}

func TestFatalErrorSuspendsChannel(t *testing.T) {
	require := require.New(t)
	ticker := newStubTicker()
	s, repo := newTestScheduler(t, ticker)
	defer s.Stop()

	channel := addChannel(t, repo, validator.StatusActive)
	ticker.setErr(channel.ID, validator.ErrInvariantViolation)

	s.round(context.Background())
	waitForCount(t, ticker, channel.ID, 1)
	require.Eventually(func() bool {
		return s.Suspended(channel.ID)
	}, time.Second, 5*time.Millisecond)

	require.Eventually(func() bool {
		got, err := repo.GetChannel(context.Background(), channel.ID)
		return err == nil && got.Status == validator.StatusUnhealthy
	}, time.Second, 5*time.Millisecond)

	// Suspended channels are not scheduled again.
	s.round(context.Background())
	time.Sleep(20 * time.Millisecond)
	require.Equal(1, ticker.count(channel.ID))

	// Resuming puts it back in rotation.
	ticker.setErr(channel.ID, nil)
	require.True(s.Resume(channel.ID))
	require.False(s.Resume(channel.ID))
	require.Eventually(func() bool {
		s.round(context.Background())
		return ticker.count(channel.ID) >= 2
	}, time.Second, 5*time.Millisecond)
	require.False(s.Suspended(channel.ID))
}

func TestTerminalTickResultDoesNotSuspend(t *testing.T) {
	require := require.New(t)
	ticker := newStubTicker()
	s, repo := newTestScheduler(t, ticker)
	defer s.Stop()

	// The stored status is still Active; the ticker discovers expiry itself.
	channel := addChannel(t, repo, validator.StatusActive)
	ticker.setErr(channel.ID, validator.ErrTerminalChannel)

	s.round(context.Background())
	waitForCount(t, ticker, channel.ID, 1)
	require.False(s.Suspended(channel.ID))
}

func TestTransientErrorKeepsTicking(t *testing.T) {
	require := require.New(t)
	ticker := newStubTicker()
	s, repo := newTestScheduler(t, ticker)
	defer s.Stop()

	channel := addChannel(t, repo, validator.StatusActive)
	ticker.setErr(channel.ID, validator.Transient(context.DeadlineExceeded))

	s.round(context.Background())
	waitForCount(t, ticker, channel.ID, 1)
	require.False(s.Suspended(channel.ID))

	require.Eventually(func() bool {
		s.round(context.Background())
		return ticker.count(channel.ID) >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestSlowChannelDoesNotStack(t *testing.T) {
	require := require.New(t)
	ticker := newStubTicker()
	s, repo := newTestScheduler(t, ticker)
	defer s.Stop()

	slow := addChannel(t, repo, validator.StatusActive)
	fast := addChannel(t, repo, validator.StatusActive)
	release := make(chan struct{})
	ticker.block[slow.ID] = release

	s.round(context.Background())
	waitForCount(t, ticker, slow.ID, 1)
	waitForCount(t, ticker, fast.ID, 1)

	// The slow tick is still in flight: it is skipped, the fast channel
	// keeps going.
	require.Eventually(func() bool {
		s.round(context.Background())
		return ticker.count(fast.ID) >= 2
	}, time.Second, 5*time.Millisecond)
	require.Equal(1, ticker.count(slow.ID))

	close(release)
	require.Eventually(func() bool {
		s.round(context.Background())
		return ticker.count(slow.ID) == 2
	}, time.Second, 5*time.Millisecond)
}
