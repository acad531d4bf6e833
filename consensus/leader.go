// Copyright (C) 2024-2026, Meshpay Labs. All rights reserved.
// See the file LICENSE for licensing terms.

package consensus

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/luxfi/math/set"

	"github.com/meshpay/validator"
)

// leaderTick rebuilds the channel ledger, proposes a new signed state when the
// ledger changed, collects follower approvals, and finalizes the state once
// follower weight reaches quorum.
//
// A proposal that missed quorum this tick is kept open: the next tick re-sends
// it to the followers that have not answered yet instead of burning a new
// sequence number, as long as the ledger has not moved on.
func (e *Engine) leaderTick(ctx context.Context, channel *validator.Channel) error {
	cs := e.state(channel.ID)
	e.setPhase(cs, PhaseEvaluating)

	prevSeq, prevLedger, _, err := e.lastApproved(ctx, channel.ID)
	if err != nil {
		e.setPhase(cs, PhaseIdle)
		return err
	}

	ledger, err := e.agg.Aggregate(ctx, channel, e.ownLedger(cs))
	if err != nil {
		e.setPhase(cs, PhaseIdle)
		return err
	}
	changed := !ledger.Equal(prevLedger)

	e.mu.Lock()
	open := cs.proposal
	e.mu.Unlock()

	if !changed && open == nil {
		// Nothing new to propose and nothing pending.
		e.setLedger(cs, nil, ledger)
		e.setPhase(cs, PhaseIdle)
		return nil
	}

	proposal, err := e.openProposal(ctx, channel, cs, open, ledger, prevSeq)
	if err != nil {
		e.setPhase(cs, PhaseIdle)
		return err
	}
	e.setLedger(cs, proposal.State, ledger)

	rejections := e.collectApprovals(ctx, channel, cs, proposal)
	return e.finalize(ctx, channel, cs, proposal, rejections)
}

// openProposal returns the proposal to push this tick: the still-open one if
// the ledger has not moved past it, otherwise a freshly built and signed
// state persisted as proposed.
func (e *Engine) openProposal(
	ctx context.Context,
	channel *validator.Channel,
	cs *channelState,
	open *validator.SignedState,
	ledger validator.Ledger,
	prevSeq uint64,
) (*validator.SignedState, error) {
	candidate := validator.BuildState(channel, ledger, prevSeq)
	if open != nil && open.State.Seq == candidate.Seq && open.State.Root == candidate.Root {
		return open, nil
	}

	sig, err := e.signer.SignState(candidate)
	if err != nil {
		return nil, err
	}
	proposal := &validator.SignedState{
		State:     candidate,
		Signer:    e.nodeID,
		Signature: sig,
		Status:    validator.StateProposed,
	}
	if err := e.repo.PutProposedState(ctx, channel.ID, proposal); err != nil {
		return nil, err
	}

	e.mu.Lock()
	cs.proposal = proposal
	cs.approvals = make(set.Set[ids.NodeID])
	cs.approvedWeight = 0
	e.mu.Unlock()

	e.metrics.ProposedStateCount.WithLabelValues(channel.ID.String()).Inc()
	e.logger.Info("proposed new state",
		log.Stringer("channelID", channel.ID),
		log.Uint64("seq", candidate.Seq),
		log.Int("payees", len(ledger)),
	)
	return proposal, nil
}

// collectApprovals sends the proposal to every follower that has not approved
// it yet and folds the answers in. Returns the number of explicit rejections
// received this tick. Delivery failures are logged and retried next tick, not
// counted as rejections.
func (e *Engine) collectApprovals(
	ctx context.Context,
	channel *validator.Channel,
	cs *channelState,
	proposal *validator.SignedState,
) int {
	var rejections int
	for _, peer := range channel.Followers() {
		e.mu.Lock()
		already := cs.approvals.Contains(peer.NodeID)
		e.mu.Unlock()
		if already {
			continue
		}

		resp, err := e.prop.SendNewState(ctx, peer, proposal)
		if err != nil {
			e.metrics.PropagationFailCount.WithLabelValues(channel.ID.String(), peer.NodeID.String()).Inc()
			e.logger.Warn("failed to deliver proposal",
				log.Stringer("channelID", channel.ID),
				log.Stringer("peer", peer.NodeID),
				log.Err(err),
			)
			continue
		}
		accepted, err := e.foldApproval(channel, cs, proposal, peer, resp)
		if err != nil {
			e.logger.Warn("discarding approve response",
				log.Stringer("channelID", channel.ID),
				log.Stringer("peer", peer.NodeID),
				log.Err(err),
			)
			continue
		}
		if !accepted {
			rejections++
		}
	}
	return rejections
}

// foldApproval validates one follower answer against the open proposal and
// accumulates its weight on acceptance. Returns whether the follower accepted.
// Answers for a different sequence or root, from unknown signers, or with bad
// signatures are errors and carry no weight.
func (e *Engine) foldApproval(
	channel *validator.Channel,
	cs *channelState,
	proposal *validator.SignedState,
	peer validator.ValidatorDesc,
	resp *validator.ApproveResponse,
) (bool, error) {
	if resp.Signer != peer.NodeID {
		return false, fmt.Errorf("response signed by %s, expected %s", resp.Signer, peer.NodeID)
	}
	if resp.Seq != proposal.State.Seq || resp.Root != proposal.State.Root {
		return false, fmt.Errorf("%w: response targets seq %d, open proposal is seq %d",
			validator.ErrSequenceGap, resp.Seq, proposal.State.Seq)
	}
	if !resp.Accepted {
		e.metrics.RejectedStateCount.WithLabelValues(channel.ID.String(), resp.Reason).Inc()
		e.logger.Info("follower rejected proposal",
			log.Stringer("channelID", channel.ID),
			log.Stringer("peer", peer.NodeID),
			log.Uint64("seq", resp.Seq),
			log.String("reason", resp.Reason),
		)
		return false, nil
	}
	if err := e.verifier.VerifyState(proposal.State, resp.Signature, peer.PublicKey); err != nil {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if cs.approvals.Contains(peer.NodeID) {
		return true, nil
	}
	cs.approvals.Add(peer.NodeID)
	weight, err := validator.AddUint64(cs.approvedWeight, peer.Weight)
	if err != nil {
		return false, err
	}
	cs.approvedWeight = weight
	return true, nil
}

// finalize checks quorum over the accumulated follower weight and either
// commits the proposal as approved or records the disagreement.
func (e *Engine) finalize(
	ctx context.Context,
	channel *validator.Channel,
	cs *channelState,
	proposal *validator.SignedState,
	rejections int,
) error {
	totalWeight, err := channel.FollowerWeight()
	if err != nil {
		return err
	}
	quorumNum, quorumDen := e.quorum(channel)

	e.mu.Lock()
	accumulated := cs.approvedWeight
	e.mu.Unlock()

	if quorumErr := VerifyQuorum(accumulated, totalWeight, quorumNum, quorumDen); quorumErr == nil {
		approved := &validator.SignedState{
			State:     proposal.State,
			Signer:    proposal.Signer,
			Signature: proposal.Signature,
			Status:    validator.StateApproved,
		}
		if err := e.repo.PutApprovedState(ctx, channel.ID, approved); err != nil {
			return err
		}
		e.mu.Lock()
		cs.proposal = nil
		cs.approvals = make(set.Set[ids.NodeID])
		cs.approvedWeight = 0
		e.mu.Unlock()
		e.recordAgreement(cs, nil)
		e.setDriftGauge(channel.ID, nil)
		e.setPhase(cs, PhaseApproved)

		e.metrics.ApprovedStateCount.WithLabelValues(channel.ID.String()).Inc()
		e.logger.Info("state approved",
			log.Stringer("channelID", channel.ID),
			log.Uint64("seq", approved.State.Seq),
			log.Uint64("approvedWeight", accumulated),
			log.Uint64("totalWeight", totalWeight),
		)
		if channel.Status == validator.StatusUnhealthy {
			// Agreement restored; lift the unhealthy flag.
			return e.repo.MarkChannelStatus(ctx, channel.ID, validator.StatusActive)
		}
		return nil
	}

	if rejections == 0 {
		// No quorum yet but nobody disagreed: followers were unreachable.
		// Keep the proposal open and retry next tick.
		e.setPhase(cs, PhaseIdle)
		return nil
	}

	e.metrics.DisagreementCount.WithLabelValues(channel.ID.String()).Inc()
	e.setPhase(cs, PhaseDisagreeing)
	reason := fmt.Sprintf("%d follower(s) rejected seq %d", rejections, proposal.State.Seq)
	if e.recordDisagreement(channel, cs, nil, reason) {
		e.logger.Warn("channel unhealthy after repeated disagreement",
			log.Stringer("channelID", channel.ID),
			log.String("reason", reason),
		)
		if channel.Status != validator.StatusUnhealthy {
			if err := e.repo.MarkChannelStatus(ctx, channel.ID, validator.StatusUnhealthy); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("%w: %s", validator.ErrDisagreement, reason)
}

// HandleApproval folds an asynchronously delivered approve response into the
// open proposal and finalizes if it completes quorum. This is the entry point
// behind the approve endpoint, for followers that answer out-of-band rather
// than inline on the propose request.
func (e *Engine) HandleApproval(ctx context.Context, resp *validator.ApproveResponse) error {
	channel, err := e.repo.GetChannel(ctx, resp.ChannelID)
	if err != nil {
		return err
	}
	if role, ok := channel.RoleOf(e.nodeID); !ok || role != validator.RoleLeader {
		return fmt.Errorf("node %s is not the leader of channel %s", e.nodeID, channel.ID)
	}

	var peer validator.ValidatorDesc
	var found bool
	for _, v := range channel.Followers() {
		if v.NodeID == resp.Signer {
			peer, found = v, true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: signer %s is not a follower of channel %s",
			validator.ErrInvalidSignature, resp.Signer, channel.ID)
	}

	cs := e.state(channel.ID)
	e.mu.Lock()
	proposal := cs.proposal
	e.mu.Unlock()
	if proposal == nil {
		return fmt.Errorf("%w: no open proposal for channel %s", validator.ErrNotFound, channel.ID)
	}

	accepted, err := e.foldApproval(channel, cs, proposal, peer, resp)
	if err != nil {
		return err
	}
	rejections := 0
	if !accepted {
		rejections = 1
	}
	return e.finalize(ctx, channel, cs, proposal, rejections)
}

func (e *Engine) setDriftGauge(channelID ids.ID, drift *uint256.Int) {
	switch {
	case drift == nil:
		e.metrics.ChannelDrift.WithLabelValues(channelID.String()).Set(0)
	case drift.IsUint64():
		e.metrics.ChannelDrift.WithLabelValues(channelID.String()).Set(float64(drift.Uint64()))
	default:
		e.metrics.ChannelDrift.WithLabelValues(channelID.String()).Set(float64(^uint64(0)))
	}
}
