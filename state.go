// Copyright (C) 2024-2026, Meshpay Labs. All rights reserved.
// See the file LICENSE for licensing terms.

package validator

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/luxfi/ids"
)

// State is an immutable snapshot of a channel's balances at a sequence
// number, together with the deterministic state root derived from them.
// Superseded states are discarded, never edited.
type State struct {
	ChannelID ids.ID
	Seq       uint64
	Balances  Ledger
	Root      [32]byte
}

// BuildState packages a ledger into the candidate state following prevSeq.
// Sequence numbers increment by exactly 1 from the prior accepted state; gaps
// are rejected by the consensus layer, not bridged here.
func BuildState(channel *Channel, ledger Ledger, prevSeq uint64) *State {
	seq := prevSeq + 1
	return &State{
		ChannelID: channel.ID,
		Seq:       seq,
		Balances:  ledger.Clone(),
		Root:      computeRoot(channel.ID, seq, ledger),
	}
}

// computeRoot digests (payee, amount) pairs sorted by payee bytes, so that
// two validators that computed an identical ledger always produce
// byte-identical roots regardless of map iteration order.
func computeRoot(channelID ids.ID, seq uint64, ledger Ledger) [32]byte {
	h := sha256.New()
	h.Write(channelID[:])

	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)
	h.Write(seqBytes[:])

	for _, payee := range ledger.Payees() {
		amount := ledger.Get(payee).Bytes32()
		h.Write(payee[:])
		h.Write(amount[:])
	}

	var root [32]byte
	copy(root[:], h.Sum(nil))
	return root
}

// SigningBytes returns the canonical bytes a validator signs for this state.
func (s *State) SigningBytes() []byte {
	return s.Root[:]
}

// Equal reports whether two states agree on channel, sequence and root.
func (s *State) Equal(other *State) bool {
	if s == nil || other == nil {
		return s == other
	}
	return s.ChannelID == other.ChannelID &&
		s.Seq == other.Seq &&
		s.Root == other.Root
}
