// Copyright (C) 2024-2026, Meshpay Labs. All rights reserved.
// See the file LICENSE for licensing terms.

package aggregator

import (
	"context"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"

	"github.com/meshpay/validator"
	"github.com/meshpay/validator/repository"
)

func testSetup(t *testing.T, deposit uint64) (*Aggregator, *repository.Memory, *validator.Channel) {
	t.Helper()
	repo := repository.NewMemory()
	channel := &validator.Channel{
		ID:         ids.GenerateTestID(),
		Deposit:    uint256.NewInt(deposit),
		ValidUntil: time.Now().Add(time.Hour),
		Status:     validator.StatusActive,
	}
	require.NoError(t, repo.CreateChannel(context.Background(), channel))
	return New(log.NewNoOpLogger(), repo), repo, channel
}

func addEvent(t *testing.T, repo *repository.Memory, channelID ids.ID, payee ids.ID, amount uint64) {
	t.Helper()
	require.NoError(t, repo.AddEvent(context.Background(), channelID, validator.Event{
		ID:     ids.GenerateTestID(),
		Payee:  payee,
		Amount: uint256.NewInt(amount),
	}))
}

func TestAggregateEmptyChannel(t *testing.T) {
	require := require.New(t)
	agg, _, channel := testSetup(t, 1000)

	ledger, err := agg.Aggregate(context.Background(), channel, validator.Ledger{})
	require.NoError(err)
	require.Empty(ledger)
}

func TestAggregateAccumulates(t *testing.T) {
	require := require.New(t)
	agg, repo, channel := testSetup(t, 1000)
	payee := ids.GenerateTestID()

	addEvent(t, repo, channel.ID, payee, 100)
	ledger, err := agg.Aggregate(context.Background(), channel, validator.Ledger{})
	require.NoError(err)
	require.True(ledger.Get(payee).Eq(uint256.NewInt(100)))

	// Same event set against its own result: stable.
	again, err := agg.Aggregate(context.Background(), channel, ledger)
	require.NoError(err)
	require.True(again.Equal(ledger))

	addEvent(t, repo, channel.ID, payee, 50)
	next, err := agg.Aggregate(context.Background(), channel, ledger)
	require.NoError(err)
	require.True(next.Get(payee).Eq(uint256.NewInt(150)))
}

func TestAggregateRejectsNonMonotonic(t *testing.T) {
	require := require.New(t)
	agg, repo, channel := testSetup(t, 1000)
	payee := ids.GenerateTestID()

	addEvent(t, repo, channel.ID, payee, 100)
	baseline := validator.Ledger{payee: uint256.NewInt(200)}

	_, err := agg.Aggregate(context.Background(), channel, baseline)
	require.ErrorIs(err, validator.ErrInvariantViolation)
}

func TestAggregateCapsAtDeposit(t *testing.T) {
	require := require.New(t)
	agg, repo, channel := testSetup(t, 100)
	payeeA := ids.GenerateTestID()
	payeeB := ids.GenerateTestID()

	addEvent(t, repo, channel.ID, payeeA, 150)
	addEvent(t, repo, channel.ID, payeeB, 50)

	ledger, err := agg.Aggregate(context.Background(), channel, validator.Ledger{})
	require.NoError(err)
	require.True(ledger.Get(payeeA).Eq(uint256.NewInt(75)))
	require.True(ledger.Get(payeeB).Eq(uint256.NewInt(25)))
	require.NoError(ledger.CheckConservation(channel.Deposit))
}
