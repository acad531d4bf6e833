// Copyright (C) 2024-2026, Meshpay Labs. All rights reserved.
// See the file LICENSE for licensing terms.

package consensus

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/luxfi/log"

	"github.com/meshpay/validator"
)

// followerTick rebuilds the follower's own view of the channel ledger so that
// incoming proposals compare against fresh balances. Followers never propose;
// the tick ends in AwaitingProposal.
func (e *Engine) followerTick(ctx context.Context, channel *validator.Channel) error {
	cs := e.state(channel.ID)
	e.setPhase(cs, PhaseEvaluating)

	ledger, err := e.agg.Aggregate(ctx, channel, e.ownLedger(cs))
	if err != nil {
		e.setPhase(cs, PhaseIdle)
		return err
	}

	e.setLedger(cs, nil, ledger)
	e.setPhase(cs, PhaseAwaitingProposal)
	return nil
}

// HandleProposal answers a leader's proposed state with a signed approval or
// a rejection. A rejection is a valid protocol answer and returns a nil
// error; a non-nil error means the proposal could not be evaluated at all
// (storage failure, unknown channel) and the leader should retry.
func (e *Engine) HandleProposal(ctx context.Context, proposed *validator.SignedState) (*validator.ApproveResponse, error) {
	if err := proposed.Verify(); err != nil {
		return nil, err
	}
	channelID := proposed.State.ChannelID

	channel, err := e.repo.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if channel.Status.IsTerminal() {
		return e.reject(ctx, channel, proposed, nil, "channel is terminal"), nil
	}
	if role, ok := channel.RoleOf(e.nodeID); !ok || role != validator.RoleFollower {
		return nil, fmt.Errorf("node %s is not a follower of channel %s", e.nodeID, channelID)
	}

	leader, ok := channel.Leader()
	if !ok {
		return nil, fmt.Errorf("channel %s has no leader", channelID)
	}
	if proposed.Signer != leader.NodeID {
		return e.reject(ctx, channel, proposed, nil, "proposal not signed by the channel leader"), nil
	}
	if err := e.verifier.VerifyState(proposed.State, proposed.Signature, leader.PublicKey); err != nil {
		e.logger.Warn("proposal carries invalid leader signature",
			log.Stringer("channelID", channelID),
			log.Uint64("seq", proposed.State.Seq),
			log.Err(err),
		)
		return e.reject(ctx, channel, proposed, nil, "invalid leader signature"), nil
	}

	cs := e.state(channelID)
	e.setPhase(cs, PhaseComparing)

	prevSeq, _, last, err := e.lastApproved(ctx, channelID)
	if err != nil {
		e.setPhase(cs, PhaseAwaitingProposal)
		return nil, err
	}

	// Re-approving the already approved state is idempotent: the leader may
	// not have seen our earlier answer.
	if last != nil && proposed.State.Seq == last.State.Seq && proposed.State.Root == last.State.Root {
		return e.approve(ctx, channel, cs, proposed, nil)
	}
	if proposed.State.Seq != prevSeq+1 {
		reason := fmt.Sprintf("expected seq %d, got %d", prevSeq+1, proposed.State.Seq)
		return e.reject(ctx, channel, proposed, nil, reason), nil
	}

	ledger, err := e.agg.Aggregate(ctx, channel, e.ownLedger(cs))
	if err != nil {
		e.setPhase(cs, PhaseAwaitingProposal)
		return nil, err
	}
	own := validator.BuildState(channel, ledger, prevSeq)
	e.setLedger(cs, own, ledger)

	if own.Root == proposed.State.Root {
		return e.approve(ctx, channel, cs, proposed, nil)
	}

	drift := validator.DriftScore(own.Balances, proposed.State.Balances)
	threshold := e.healthThreshold(channel)
	e.setDriftGauge(channelID, drift)

	if drift.Lt(threshold) {
		// Below the health threshold the proposal is approved despite the
		// drift; the protocol follows the leader's balances.
		e.logger.Info("approving proposal with drift",
			log.Stringer("channelID", channelID),
			log.Uint64("seq", proposed.State.Seq),
			log.String("drift", drift.Dec()),
			log.String("threshold", threshold.Dec()),
		)
		return e.approve(ctx, channel, cs, proposed, drift)
	}

	reason := fmt.Sprintf("balance drift %s at or above threshold %s", drift.Dec(), threshold.Dec())
	return e.reject(ctx, channel, proposed, drift, reason), nil
}

// approve signs the leader's state, persists it as the latest approved state,
// and returns the signed acceptance.
func (e *Engine) approve(
	ctx context.Context,
	channel *validator.Channel,
	cs *channelState,
	proposed *validator.SignedState,
	drift *uint256.Int,
) (*validator.ApproveResponse, error) {
	sig, err := e.signer.SignState(proposed.State)
	if err != nil {
		e.setPhase(cs, PhaseAwaitingProposal)
		return nil, err
	}
	approved := &validator.SignedState{
		State:     proposed.State,
		Signer:    proposed.Signer,
		Signature: proposed.Signature,
		Status:    validator.StateApproved,
	}
	if err := e.repo.PutApprovedState(ctx, channel.ID, approved); err != nil {
		e.setPhase(cs, PhaseAwaitingProposal)
		return nil, err
	}

	e.recordAgreement(cs, drift)
	e.setPhase(cs, PhaseApproved)
	e.metrics.ApprovedStateCount.WithLabelValues(channel.ID.String()).Inc()
	e.logger.Info("approved proposed state",
		log.Stringer("channelID", channel.ID),
		log.Uint64("seq", proposed.State.Seq),
		log.Bool("withDrift", drift != nil && !drift.IsZero()),
	)
	return &validator.ApproveResponse{
		ChannelID: channel.ID,
		Seq:       proposed.State.Seq,
		Root:      proposed.State.Root,
		Accepted:  true,
		Signer:    e.nodeID,
		Signature: sig,
		Drift:     drift,
	}, nil
}

// reject builds a rejection answer and tracks the disagreement. A channel
// whose proposals keep being rejected past the configured run is marked
// Unhealthy through a best-effort status write.
func (e *Engine) reject(
	ctx context.Context,
	channel *validator.Channel,
	proposed *validator.SignedState,
	drift *uint256.Int,
	reason string,
) *validator.ApproveResponse {
	cs := e.state(channel.ID)
	e.setPhase(cs, PhaseDisagreeing)
	e.metrics.RejectedStateCount.WithLabelValues(channel.ID.String(), reason).Inc()
	e.metrics.DisagreementCount.WithLabelValues(channel.ID.String()).Inc()

	if e.recordDisagreement(channel, cs, drift, reason) {
		e.logger.Warn("channel unhealthy after repeated disagreement",
			log.Stringer("channelID", channel.ID),
			log.String("reason", reason),
		)
		if channel.Status != validator.StatusUnhealthy {
			if err := e.repo.MarkChannelStatus(ctx, channel.ID, validator.StatusUnhealthy); err != nil {
				e.logger.Error("failed to mark channel unhealthy",
					log.Stringer("channelID", channel.ID),
					log.Err(err),
				)
			}
		}
	}

	e.logger.Info("rejected proposed state",
		log.Stringer("channelID", channel.ID),
		log.Uint64("seq", proposed.State.Seq),
		log.String("reason", reason),
	)
	return &validator.ApproveResponse{
		ChannelID: channel.ID,
		Seq:       proposed.State.Seq,
		Root:      proposed.State.Root,
		Accepted:  false,
		Signer:    e.nodeID,
		Drift:     drift,
		Reason:    reason,
	}
}
