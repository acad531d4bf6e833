// Copyright (C) 2024-2026, Meshpay Labs. All rights reserved.
// See the file LICENSE for licensing terms.

package validator

import (
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"
)

func validValidatorSet() []ValidatorDesc {
	return []ValidatorDesc{
		{
			NodeID:    ids.GenerateTestNodeID(),
			Role:      RoleLeader,
			PublicKey: []byte{1},
			Weight:    1,
		},
		{
			NodeID:    ids.GenerateTestNodeID(),
			Role:      RoleFollower,
			PublicKey: []byte{2},
			Weight:    2,
		},
		{
			NodeID:    ids.GenerateTestNodeID(),
			Role:      RoleFollower,
			PublicKey: []byte{3},
			Weight:    3,
		},
	}
}

func TestChannelValidate(t *testing.T) {
	now := time.Now()
	base := func() *Channel {
		return &Channel{
			ID:           ids.GenerateTestID(),
			Creator:      "creator",
			DepositAsset: "DAI",
			Deposit:      uint256.NewInt(1000),
			ValidUntil:   now.Add(time.Hour),
			Status:       StatusActive,
			Spec:         ChannelSpec{Validators: validValidatorSet()},
		}
	}

	tests := []struct {
		name        string
		mutate      func(*Channel)
		expectedErr string
	}{
		{
			name:   "valid",
			mutate: func(*Channel) {},
		},
		{
			name:        "nil deposit",
			mutate:      func(c *Channel) { c.Deposit = nil },
			expectedErr: "deposit must be positive",
		},
		{
			name:        "zero deposit",
			mutate:      func(c *Channel) { c.Deposit = new(uint256.Int) },
			expectedErr: "deposit must be positive",
		},
		{
			name:        "already expired",
			mutate:      func(c *Channel) { c.ValidUntil = now.Add(-time.Minute) },
			expectedErr: "validUntil must be in the future",
		},
		{
			name: "two leaders",
			mutate: func(c *Channel) {
				c.Spec.Validators[1].Role = RoleLeader
			},
			expectedErr: "exactly one leader",
		},
		{
			name: "no leader",
			mutate: func(c *Channel) {
				c.Spec.Validators[0].Role = RoleFollower
			},
			expectedErr: "exactly one leader",
		},
		{
			name: "no followers",
			mutate: func(c *Channel) {
				c.Spec.Validators = c.Spec.Validators[:1]
			},
			expectedErr: "at least one follower",
		},
		{
			name: "duplicate validator",
			mutate: func(c *Channel) {
				c.Spec.Validators[2].NodeID = c.Spec.Validators[1].NodeID
			},
			expectedErr: "duplicate validator",
		},
		{
			name: "zero weight",
			mutate: func(c *Channel) {
				c.Spec.Validators[1].Weight = 0
			},
			expectedErr: "zero weight",
		},
		{
			name: "empty public key",
			mutate: func(c *Channel) {
				c.Spec.Validators[1].PublicKey = nil
			},
			expectedErr: "empty public key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require := require.New(t)
			channel := base()
			tt.mutate(channel)
			err := channel.Validate(now)
			if tt.expectedErr == "" {
				require.NoError(err)
			} else {
				require.ErrorContains(err, tt.expectedErr)
			}
		})
	}
}

func TestChannelRoles(t *testing.T) {
	require := require.New(t)

	validators := validValidatorSet()
	channel := &Channel{Spec: ChannelSpec{Validators: validators}}

	leader, ok := channel.Leader()
	require.True(ok)
	require.Equal(validators[0].NodeID, leader.NodeID)

	followers := channel.Followers()
	require.Len(followers, 2)

	role, ok := channel.RoleOf(validators[1].NodeID)
	require.True(ok)
	require.Equal(RoleFollower, role)

	_, ok = channel.RoleOf(ids.GenerateTestNodeID())
	require.False(ok)

	weight, err := channel.FollowerWeight()
	require.NoError(err)
	require.Equal(uint64(5), weight)
}

func TestChannelIDHexRoundTrip(t *testing.T) {
	require := require.New(t)

	id := ids.GenerateTestID()
	parsed, err := ChannelIDFromHex(ChannelIDHex(id))
	require.NoError(err)
	require.Equal(id, parsed)

	// Without the 0x prefix.
	parsed, err = ChannelIDFromHex(ChannelIDHex(id)[2:])
	require.NoError(err)
	require.Equal(id, parsed)

	_, err = ChannelIDFromHex("0xzz")
	require.ErrorContains(err, "invalid channel id hex")
	_, err = ChannelIDFromHex("0x0102")
	require.ErrorContains(err, "must be 32 bytes")
}

func TestDriftScore(t *testing.T) {
	require := require.New(t)

	payeeA := ids.GenerateTestID()
	payeeB := ids.GenerateTestID()
	payeeC := ids.GenerateTestID()

	a := Ledger{payeeA: uint256.NewInt(100), payeeB: uint256.NewInt(50)}
	b := Ledger{payeeA: uint256.NewInt(90), payeeC: uint256.NewInt(5)}

	// |100-90| + |50-0| + |0-5|
	require.True(DriftScore(a, b).Eq(uint256.NewInt(65)))
	require.True(DriftScore(b, a).Eq(uint256.NewInt(65)))
	require.True(DriftScore(a, a).IsZero())
}
