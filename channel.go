// Copyright (C) 2024-2026, Meshpay Labs. All rights reserved.
// See the file LICENSE for licensing terms.

package validator

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/holiman/uint256"
	"github.com/luxfi/ids"
)

// Role selects the consensus behavior a validator runs for a channel. The two
// roles operate on the same data model; there is no subtype dispatch.
type Role uint8

const (
	RoleLeader Role = iota + 1
	RoleFollower
)

func (r Role) String() string {
	switch r {
	case RoleLeader:
		return "leader"
	case RoleFollower:
		return "follower"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// ChannelStatus is the lifecycle status of a channel. Expired and Withdrawn
// are absorbing: once entered, no further ticks are scheduled.
type ChannelStatus uint8

const (
	StatusActive ChannelStatus = iota + 1
	StatusUnhealthy
	StatusExpired
	StatusWithdrawn
)

func (s ChannelStatus) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusUnhealthy:
		return "unhealthy"
	case StatusExpired:
		return "expired"
	case StatusWithdrawn:
		return "withdrawn"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// IsTerminal reports whether the status is absorbing.
func (s ChannelStatus) IsTerminal() bool {
	return s == StatusExpired || s == StatusWithdrawn
}

// ValidatorDesc describes one validator in a channel's validator set.
type ValidatorDesc struct {
	NodeID ids.NodeID
	Role   Role
	// URL is the base URL of the validator's sentry, used by the
	// propagation client.
	URL string
	// PublicKey is the compressed BLS public key used to verify state
	// signatures from this validator.
	PublicKey []byte
	// Weight is the validator's voting weight for quorum accounting.
	Weight uint64
	// Fee is the per-validator fee from the channel spec. Carried for the
	// settlement layer; consensus does not deduct it.
	Fee *uint256.Int
}

// ChannelSpec is the agreed parameter block of a channel. Zero values fall
// back to the node's global configuration.
type ChannelSpec struct {
	Validators []ValidatorDesc

	// HealthThreshold is the drift (in token units) at or above which a
	// follower rejects a proposed state. Nil selects the global default.
	HealthThreshold *uint256.Int
	// UnhealthyAfter is the number of consecutive disagreeing ticks before
	// the channel is marked Unhealthy. Zero selects the global default.
	UnhealthyAfter int
	// QuorumNum/QuorumDen express the fraction of follower weight that
	// must approve a proposed state. Zero selects the global default.
	QuorumNum uint64
	QuorumDen uint64
}

// Channel is a funding agreement with a capped deposit distributed among
// payees over time. The consensus core holds only a read view per tick; the
// repository owns the record.
type Channel struct {
	ID           ids.ID
	Creator      string
	DepositAsset string
	Deposit      *uint256.Int
	ValidUntil   time.Time
	Status       ChannelStatus
	Spec         ChannelSpec
}

var (
	errNoDeposit      = errors.New("deposit must be positive")
	errAlreadyExpired = errors.New("validUntil must be in the future")
	errNoLeader       = errors.New("validator set must contain exactly one leader")
	errNoFollowers    = errors.New("validator set must contain at least one follower")
)

// Validate checks the structural invariants of a channel record. It is
// enforced on channel creation, before the channel is ever scheduled.
func (c *Channel) Validate(now time.Time) error {
	if c.Deposit == nil || c.Deposit.IsZero() {
		return errNoDeposit
	}
	if !c.ValidUntil.After(now) {
		return errAlreadyExpired
	}
	var leaders, followers int
	seen := make(map[ids.NodeID]struct{}, len(c.Spec.Validators))
	for _, v := range c.Spec.Validators {
		if _, ok := seen[v.NodeID]; ok {
			return fmt.Errorf("duplicate validator %s", v.NodeID)
		}
		seen[v.NodeID] = struct{}{}
		if v.Weight == 0 {
			return fmt.Errorf("validator %s has zero weight", v.NodeID)
		}
		if len(v.PublicKey) == 0 {
			return fmt.Errorf("validator %s has empty public key", v.NodeID)
		}
		switch v.Role {
		case RoleLeader:
			leaders++
		case RoleFollower:
			followers++
		default:
			return fmt.Errorf("validator %s has unknown role", v.NodeID)
		}
	}
	if leaders != 1 {
		return errNoLeader
	}
	if followers == 0 {
		return errNoFollowers
	}
	return nil
}

// Leader returns the channel's leader validator.
func (c *Channel) Leader() (ValidatorDesc, bool) {
	for _, v := range c.Spec.Validators {
		if v.Role == RoleLeader {
			return v, true
		}
	}
	return ValidatorDesc{}, false
}

// Followers returns the channel's follower validators.
func (c *Channel) Followers() []ValidatorDesc {
	out := make([]ValidatorDesc, 0, len(c.Spec.Validators))
	for _, v := range c.Spec.Validators {
		if v.Role == RoleFollower {
			out = append(out, v)
		}
	}
	return out
}

// RoleOf returns the role the given node plays in this channel.
func (c *Channel) RoleOf(nodeID ids.NodeID) (Role, bool) {
	for _, v := range c.Spec.Validators {
		if v.NodeID == nodeID {
			return v.Role, true
		}
	}
	return 0, false
}

// Expired reports whether the channel's validity window has passed.
func (c *Channel) Expired(now time.Time) bool {
	return !c.ValidUntil.After(now)
}

// FollowerWeight returns the total voting weight of the follower set.
func (c *Channel) FollowerWeight() (uint64, error) {
	var total uint64
	for _, v := range c.Followers() {
		next, err := AddUint64(total, v.Weight)
		if err != nil {
			return 0, fmt.Errorf("follower weight overflow: %w", err)
		}
		total = next
	}
	return total, nil
}

// ChannelIDFromHex parses a 32-byte channel ID from a hex string with or
// without a 0x prefix.
func ChannelIDFromHex(s string) (ids.ID, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return ids.Empty, fmt.Errorf("invalid channel id hex: %w", err)
	}
	if len(b) != 32 {
		return ids.Empty, fmt.Errorf("channel id must be 32 bytes, got %d", len(b))
	}
	return ids.ToID(b)
}

// ChannelIDHex renders a channel ID as 0x-prefixed hex.
func ChannelIDHex(id ids.ID) string {
	return "0x" + hex.EncodeToString(id[:])
}
