// Copyright (C) 2024-2026, Meshpay Labs. All rights reserved.
// See the file LICENSE for licensing terms.

package validator

import (
	"errors"

	"github.com/holiman/uint256"
	"github.com/luxfi/ids"
)

// Event is an immutable, uniquely-identified record asserting that a payee
// earned some amount on a channel. Events are produced by the sentry side and
// consumed read-only by the aggregator; the ID deduplicates at-least-once
// delivery.
type Event struct {
	ID     ids.ID
	Payee  ids.ID
	Amount *uint256.Int
	// Seq is the logical sequence assigned at ingestion. Aggregation does
	// not depend on it; it only orders the audit trail.
	Seq uint64
}

var errNilAmount = errors.New("event amount is nil")

// Verify checks the structural validity of an event.
func (e *Event) Verify() error {
	if e.Amount == nil {
		return errNilAmount
	}
	if e.ID == ids.Empty {
		return errors.New("event id is empty")
	}
	if e.Payee == ids.Empty {
		return errors.New("event payee is empty")
	}
	return nil
}
