// Copyright (C) 2024-2026, Meshpay Labs. All rights reserved.
// See the file LICENSE for licensing terms.

// Package consensus implements the Leader and Follower tick behaviors of the
// propose-approve protocol. Both roles share one engine and one data model;
// the role a channel's validator set assigns to this node selects the
// behavior at tick time.
package consensus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/luxfi/math/set"

	"github.com/meshpay/validator"
	"github.com/meshpay/validator/aggregator"
	"github.com/meshpay/validator/metrics"
	"github.com/meshpay/validator/propagation"
	"github.com/meshpay/validator/repository"
)

// Phase is the per-channel protocol phase, follower view. Exposed for
// observability; transitions happen inside a single tick or proposal
// handling, never concurrently for one channel.
type Phase uint8

const (
	PhaseIdle Phase = iota + 1
	PhaseEvaluating
	PhaseAwaitingProposal
	PhaseComparing
	PhaseApproved
	PhaseDisagreeing
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseEvaluating:
		return "evaluating"
	case PhaseAwaitingProposal:
		return "awaiting-proposal"
	case PhaseComparing:
		return "comparing"
	case PhaseApproved:
		return "approved"
	case PhaseDisagreeing:
		return "disagreeing"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// Params are the node-global consensus defaults. A channel spec may override
// each of them.
type Params struct {
	// HealthThreshold is the drift at or above which a follower rejects.
	HealthThreshold *uint256.Int
	// UnhealthyAfter is the number of consecutive disagreeing ticks before
	// a channel is marked Unhealthy.
	UnhealthyAfter int
	// QuorumNum/QuorumDen is the fraction of follower weight required to
	// approve a proposed state.
	QuorumNum uint64
	QuorumDen uint64
}

// DefaultParams mirror the configuration defaults.
func DefaultParams() Params {
	return Params{
		HealthThreshold: uint256.NewInt(0),
		UnhealthyAfter:  3,
		QuorumNum:       2,
		QuorumDen:       3,
	}
}

// channelState is the engine's in-memory view of one channel. Never touched
// by more than one in-flight tick (the scheduler serializes per channel);
// the engine mutex only guards map access and cross-cutting reads.
type channelState struct {
	phase Phase

	// lastBuilt is the candidate state this node computed most recently.
	lastBuilt *validator.State
	// lastLedger backs lastBuilt and the read surface.
	lastLedger validator.Ledger

	// Leader bookkeeping for the current open proposal.
	proposal       *validator.SignedState
	approvals      set.Set[ids.NodeID]
	approvedWeight uint64

	health validator.ChannelHealth
}

// Engine runs one consensus step per channel per tick.
type Engine struct {
	logger   log.Logger
	nodeID   ids.NodeID
	repo     repository.Repository
	prop     propagation.Propagator
	agg      *aggregator.Aggregator
	signer   validator.Signer
	verifier validator.Verifier
	params   Params
	metrics  *metrics.Metrics

	mu       sync.Mutex
	channels map[ids.ID]*channelState
}

var _ propagation.ProposalHandler = (*Engine)(nil)

// New creates a consensus engine for the given node identity.
func New(
	logger log.Logger,
	nodeID ids.NodeID,
	repo repository.Repository,
	prop propagation.Propagator,
	signer validator.Signer,
	verifier validator.Verifier,
	params Params,
	m *metrics.Metrics,
) *Engine {
	return &Engine{
		logger:   logger,
		nodeID:   nodeID,
		repo:     repo,
		prop:     prop,
		agg:      aggregator.New(logger, repo),
		signer:   signer,
		verifier: verifier,
		params:   params,
		metrics:  m,
		channels: make(map[ids.ID]*channelState),
	}
}

// NodeID returns this validator's identity.
func (e *Engine) NodeID() ids.NodeID {
	return e.nodeID
}

func (e *Engine) state(channelID ids.ID) *channelState {
	e.mu.Lock()
	defer e.mu.Unlock()
	cs, ok := e.channels[channelID]
	if !ok {
		cs = &channelState{
			phase:     PhaseIdle,
			approvals: make(set.Set[ids.NodeID]),
			health:    validator.ChannelHealth{Status: validator.Healthy},
		}
		e.channels[channelID] = cs
	}
	return cs
}

// Tick runs one consensus step for the channel, dispatching on this node's
// role. Returns ErrTerminalChannel for expired/withdrawn channels so the
// scheduler stops scheduling them.
func (e *Engine) Tick(ctx context.Context, channel *validator.Channel) error {
	if channel.Status.IsTerminal() {
		return validator.ErrTerminalChannel
	}
	if channel.Expired(time.Now()) {
		if err := e.repo.MarkChannelStatus(ctx, channel.ID, validator.StatusExpired); err != nil {
			return err
		}
		return validator.ErrTerminalChannel
	}

	role, ok := channel.RoleOf(e.nodeID)
	if !ok {
		return fmt.Errorf("node %s is not in the validator set of channel %s", e.nodeID, channel.ID)
	}

	start := time.Now()
	var err error
	switch role {
	case validator.RoleLeader:
		err = e.leaderTick(ctx, channel)
	case validator.RoleFollower:
		err = e.followerTick(ctx, channel)
	default:
		err = fmt.Errorf("unknown role %s", role)
	}

	result := "ok"
	if err != nil {
		result = "error"
	}
	e.metrics.TickCount.WithLabelValues(channel.ID.String(), role.String(), result).Inc()
	e.metrics.TickLatencyMS.WithLabelValues(channel.ID.String(), role.String()).
		Set(float64(time.Since(start).Milliseconds()))
	return err
}

// lastApproved returns the last approved sequence number and balances,
// treating ErrNotFound as "first tick, nothing approved yet".
func (e *Engine) lastApproved(ctx context.Context, channelID ids.ID) (uint64, validator.Ledger, *validator.SignedState, error) {
	last, err := e.repo.GetLastApprovedState(ctx, channelID)
	if err != nil {
		if validator.IsNotFound(err) {
			return 0, validator.Ledger{}, nil, nil
		}
		return 0, nil, nil, err
	}
	return last.State.Seq, last.State.Balances, last, nil
}

// Health returns the channel's current health view.
func (e *Engine) Health(channelID ids.ID) validator.ChannelHealth {
	cs := e.state(channelID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return cs.health
}

// PhaseOf returns the channel's current protocol phase.
func (e *Engine) PhaseOf(channelID ids.ID) Phase {
	cs := e.state(channelID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return cs.phase
}

// ownLedger returns this node's previous aggregation for the channel, the
// monotonicity baseline for the next one. Nil before the first aggregation.
func (e *Engine) ownLedger(cs *channelState) validator.Ledger {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cs.lastLedger
}

// Ledger returns this node's most recently computed ledger for the channel.
func (e *Engine) Ledger(channelID ids.ID) validator.Ledger {
	cs := e.state(channelID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if cs.lastLedger == nil {
		return validator.Ledger{}
	}
	return cs.lastLedger.Clone()
}

func (e *Engine) setPhase(cs *channelState, p Phase) {
	e.mu.Lock()
	cs.phase = p
	e.mu.Unlock()
}

func (e *Engine) setLedger(cs *channelState, state *validator.State, ledger validator.Ledger) {
	e.mu.Lock()
	cs.lastBuilt = state
	cs.lastLedger = ledger
	e.mu.Unlock()
}

// recordAgreement resets disagreement tracking after a successful approval.
func (e *Engine) recordAgreement(cs *channelState, drift *uint256.Int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cs.health.ConsecutiveDisagreements = 0
	cs.health.Drift = drift
	cs.health.LastError = ""
	cs.health.UpdatedAt = time.Now()
	if drift != nil && !drift.IsZero() {
		cs.health.Status = validator.HealthyDrift
	} else {
		cs.health.Status = validator.Healthy
	}
}

// recordDisagreement bumps the consecutive-mismatch count and reports whether
// it crossed the unhealthy threshold.
func (e *Engine) recordDisagreement(channel *validator.Channel, cs *channelState, drift *uint256.Int, reason string) bool {
	threshold := channel.Spec.UnhealthyAfter
	if threshold <= 0 {
		threshold = e.params.UnhealthyAfter
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	cs.health.ConsecutiveDisagreements++
	cs.health.Drift = drift
	cs.health.LastError = reason
	cs.health.UpdatedAt = time.Now()
	if cs.health.ConsecutiveDisagreements >= threshold {
		cs.health.Status = validator.Unhealthy
		return true
	}
	return false
}

func (e *Engine) healthThreshold(channel *validator.Channel) *uint256.Int {
	if channel.Spec.HealthThreshold != nil {
		return channel.Spec.HealthThreshold
	}
	if e.params.HealthThreshold != nil {
		return e.params.HealthThreshold
	}
	return uint256.NewInt(0)
}

func (e *Engine) quorum(channel *validator.Channel) (uint64, uint64) {
	num, den := channel.Spec.QuorumNum, channel.Spec.QuorumDen
	if num == 0 || den == 0 {
		num, den = e.params.QuorumNum, e.params.QuorumDen
	}
	return num, den
}
