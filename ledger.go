// Copyright (C) 2024-2026, Meshpay Labs. All rights reserved.
// See the file LICENSE for licensing terms.

package validator

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/holiman/uint256"
	"github.com/luxfi/ids"
)

// Ledger maps payee IDs to accumulated owed amounts for one channel. A ledger
// is rebuilt from the authoritative event set every tick rather than patched
// incrementally, so a missed or late event is naturally included on the next
// pass.
type Ledger map[ids.ID]*uint256.Int

// AggregateEvents folds a sequence of events into a fresh ledger for a
// channel with the given deposit.
//
// Aggregation is deterministic and order-independent for events with distinct
// IDs: amounts are summed per payee, and duplicate event IDs are collapsed
// (not summed) to tolerate at-least-once delivery from the event source.
//
// Deposit policy: if the raw per-payee sum exceeds the deposit, every balance
// is scaled by deposit/rawSum with floor division (proportional capping).
// Hard rejection of excess events would make the result depend on event
// order; proportional capping keeps aggregation permutation-invariant. Once a
// channel is saturated, shifting proportions between payees can no longer be
// honored and surface as an invariant violation on the monotonicity check.
func AggregateEvents(events []Event, deposit *uint256.Int) (Ledger, error) {
	ledger := make(Ledger)
	seen := make(map[ids.ID]struct{}, len(events))
	for i := range events {
		ev := &events[i]
		if err := ev.Verify(); err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		if _, ok := seen[ev.ID]; ok {
			continue
		}
		seen[ev.ID] = struct{}{}

		total, ok := ledger[ev.Payee]
		if !ok {
			total = new(uint256.Int)
			ledger[ev.Payee] = total
		}
		if _, overflow := total.AddOverflow(total, ev.Amount); overflow {
			return nil, fmt.Errorf("%w: payee %s balance overflow", ErrInvariantViolation, ev.Payee)
		}
	}

	rawSum := ledger.Total()
	if deposit != nil && rawSum.Gt(deposit) {
		for payee, amount := range ledger {
			scaled, overflow := new(uint256.Int).MulDivOverflow(amount, deposit, rawSum)
			if overflow {
				return nil, fmt.Errorf("%w: capping overflow for payee %s", ErrInvariantViolation, payee)
			}
			ledger[payee] = scaled
		}
	}
	return ledger, nil
}

// Total returns the sum of all balances.
func (l Ledger) Total() *uint256.Int {
	sum := new(uint256.Int)
	for _, amount := range l {
		sum.Add(sum, amount)
	}
	return sum
}

// Payees returns the payee IDs sorted by their byte representation. Sorting
// removes map iteration order as a variable wherever the ledger is digested
// or rendered.
func (l Ledger) Payees() []ids.ID {
	payees := make([]ids.ID, 0, len(l))
	for payee := range l {
		payees = append(payees, payee)
	}
	sort.Slice(payees, func(i, j int) bool {
		return bytes.Compare(payees[i][:], payees[j][:]) < 0
	})
	return payees
}

// Get returns the balance for a payee, zero if absent.
func (l Ledger) Get(payee ids.ID) *uint256.Int {
	if amount, ok := l[payee]; ok {
		return amount
	}
	return new(uint256.Int)
}

// Equal reports whether two ledgers hold identical balances. Absent and zero
// balances are equivalent.
func (l Ledger) Equal(other Ledger) bool {
	for payee, amount := range l {
		if !amount.Eq(other.Get(payee)) {
			return false
		}
	}
	for payee, amount := range other {
		if !amount.Eq(l.Get(payee)) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the ledger.
func (l Ledger) Clone() Ledger {
	out := make(Ledger, len(l))
	for payee, amount := range l {
		out[payee] = amount.Clone()
	}
	return out
}

// CheckConservation verifies that the ledger total does not exceed the
// channel deposit.
func (l Ledger) CheckConservation(deposit *uint256.Int) error {
	if deposit == nil {
		return fmt.Errorf("%w: nil deposit", ErrInvariantViolation)
	}
	if total := l.Total(); total.Gt(deposit) {
		return fmt.Errorf("%w: ledger total %s exceeds deposit %s",
			ErrInvariantViolation, total.Dec(), deposit.Dec())
	}
	return nil
}

// CheckMonotonic verifies that no payee balance in next decreased relative to
// prev. A decrease indicates a non-monotonic event source (or a saturated
// channel whose proportions shifted) and is fatal for the channel.
func CheckMonotonic(prev, next Ledger) error {
	for payee, before := range prev {
		if next.Get(payee).Lt(before) {
			return fmt.Errorf("%w: payee %s balance decreased from %s to %s",
				ErrInvariantViolation, payee, before.Dec(), next.Get(payee).Dec())
		}
	}
	return nil
}
