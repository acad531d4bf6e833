// Copyright (C) 2024-2026, Meshpay Labs. All rights reserved.
// See the file LICENSE for licensing terms.

package validator

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/rlp"
	"github.com/luxfi/ids"
)

// StateStatus tracks a signed state through the propose-approve protocol.
type StateStatus uint8

const (
	StateProposed StateStatus = iota + 1
	StateApproved
)

func (s StateStatus) String() string {
	switch s {
	case StateProposed:
		return "proposed"
	case StateApproved:
		return "approved"
	default:
		return fmt.Sprintf("state-status(%d)", uint8(s))
	}
}

// SignedState is a state plus the proposing validator's signature. Two signed
// states for the same channel and sequence must agree on the root byte for
// byte, or the channel enters a disagreement condition.
type SignedState struct {
	State     *State
	Signer    ids.NodeID
	Signature []byte
	Status    StateStatus
}

// Verify checks structural validity, not the signature itself.
func (s *SignedState) Verify() error {
	if s.State == nil {
		return errors.New("signed state has nil state")
	}
	if len(s.Signature) == 0 {
		return fmt.Errorf("%w: signature is empty", ErrInvalidSignature)
	}
	return nil
}

// ApproveResponse is a follower's answer to a proposed state: either a signed
// approval or a rejection with the observed drift.
type ApproveResponse struct {
	ChannelID ids.ID
	Seq       uint64
	Root      [32]byte
	Accepted  bool
	Signer    ids.NodeID
	// Signature is the follower's signature over the approved state root.
	// Empty on rejection.
	Signature []byte
	// Drift is the absolute balance discrepancy the follower observed.
	// Nil when the roots matched exactly.
	Drift *uint256.Int
	// Reason is a best-effort human-readable rejection cause.
	Reason string
}

// Wire forms. RLP cannot encode maps or time values, so ledgers travel as
// payee-sorted entry lists.

type wireBalance struct {
	Payee  ids.ID
	Amount *uint256.Int
}

type wireState struct {
	ChannelID ids.ID
	Seq       uint64
	Balances  []wireBalance
	Root      [32]byte
}

type wireSignedState struct {
	State     wireState
	Signer    ids.NodeID
	Signature []byte
	Status    uint8
}

type wireApproveResponse struct {
	ChannelID ids.ID
	Seq       uint64
	Root      [32]byte
	Accepted  bool
	Signer    ids.NodeID
	Signature []byte
	Drift     *uint256.Int `rlp:"nil"`
	Reason    string
}

func toWireState(s *State) wireState {
	balances := make([]wireBalance, 0, len(s.Balances))
	for _, payee := range s.Balances.Payees() {
		balances = append(balances, wireBalance{Payee: payee, Amount: s.Balances.Get(payee)})
	}
	return wireState{
		ChannelID: s.ChannelID,
		Seq:       s.Seq,
		Balances:  balances,
		Root:      s.Root,
	}
}

func fromWireState(w wireState) *State {
	ledger := make(Ledger, len(w.Balances))
	for _, b := range w.Balances {
		ledger[b.Payee] = b.Amount.Clone()
	}
	return &State{
		ChannelID: w.ChannelID,
		Seq:       w.Seq,
		Balances:  ledger,
		Root:      w.Root,
	}
}

// EncodeSignedState serializes a signed state for propagation and storage.
func EncodeSignedState(s *SignedState) ([]byte, error) {
	if err := s.Verify(); err != nil {
		return nil, err
	}
	return rlp.EncodeToBytes(wireSignedState{
		State:     toWireState(s.State),
		Signer:    s.Signer,
		Signature: s.Signature,
		Status:    uint8(s.Status),
	})
}

// DecodeSignedState parses a signed state and recomputes the root to reject
// payloads whose advertised root does not match their balances.
func DecodeSignedState(b []byte) (*SignedState, error) {
	var w wireSignedState
	if err := rlp.DecodeBytes(b, &w); err != nil {
		return nil, fmt.Errorf("failed to decode signed state: %w", err)
	}
	state := fromWireState(w.State)
	if recomputed := computeRoot(state.ChannelID, state.Seq, state.Balances); recomputed != state.Root {
		return nil, fmt.Errorf("%w: root does not match balances", ErrInvariantViolation)
	}
	ss := &SignedState{
		State:     state,
		Signer:    w.Signer,
		Signature: w.Signature,
		Status:    StateStatus(w.Status),
	}
	if err := ss.Verify(); err != nil {
		return nil, err
	}
	return ss, nil
}

// EncodeApproveResponse serializes an approve/reject response.
func EncodeApproveResponse(r *ApproveResponse) ([]byte, error) {
	return rlp.EncodeToBytes(wireApproveResponse{
		ChannelID: r.ChannelID,
		Seq:       r.Seq,
		Root:      r.Root,
		Accepted:  r.Accepted,
		Signer:    r.Signer,
		Signature: r.Signature,
		Drift:     r.Drift,
		Reason:    r.Reason,
	})
}

// DecodeApproveResponse parses an approve/reject response.
func DecodeApproveResponse(b []byte) (*ApproveResponse, error) {
	var w wireApproveResponse
	if err := rlp.DecodeBytes(b, &w); err != nil {
		return nil, fmt.Errorf("failed to decode approve response: %w", err)
	}
	return &ApproveResponse{
		ChannelID: w.ChannelID,
		Seq:       w.Seq,
		Root:      w.Root,
		Accepted:  w.Accepted,
		Signer:    w.Signer,
		Signature: w.Signature,
		Drift:     w.Drift,
		Reason:    w.Reason,
	}, nil
}
