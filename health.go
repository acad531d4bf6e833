// Copyright (C) 2024-2026, Meshpay Labs. All rights reserved.
// See the file LICENSE for licensing terms.

package validator

import (
	"fmt"
	"time"

	"github.com/holiman/uint256"
)

// HealthStatus is the derived health of a channel as seen by this node.
type HealthStatus uint8

const (
	// Healthy: the last comparison matched exactly.
	Healthy HealthStatus = iota + 1
	// HealthyDrift: the last comparison drifted below the threshold and
	// was still approved.
	HealthyDrift
	// Unhealthy: disagreement persisted past the configured number of
	// consecutive ticks, or a fatal error suspended the channel.
	Unhealthy
)

func (s HealthStatus) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case HealthyDrift:
		return "healthy-with-drift"
	case Unhealthy:
		return "unhealthy"
	default:
		return fmt.Sprintf("health(%d)", uint8(s))
	}
}

// ChannelHealth is an ephemeral per-tick value; it is recomputed every tick
// and never persisted as authoritative.
type ChannelHealth struct {
	Status HealthStatus
	// Drift observed on the last comparison, nil if none.
	Drift *uint256.Int
	// ConsecutiveDisagreements counts ticks since the last agreement.
	ConsecutiveDisagreements int
	// LastError is a best-effort summary for external observers. Raw
	// internal error values are never exposed.
	LastError string
	UpdatedAt time.Time
}

// DriftScore returns the sum of absolute per-payee differences between two
// ledgers, over the union of their payees.
func DriftScore(a, b Ledger) *uint256.Int {
	drift := new(uint256.Int)
	diff := new(uint256.Int)
	for payee, amount := range a {
		other := b.Get(payee)
		if amount.Gt(other) {
			diff.Sub(amount, other)
		} else {
			diff.Sub(other, amount)
		}
		drift.Add(drift, diff)
	}
	for payee, amount := range b {
		if _, ok := a[payee]; ok {
			continue
		}
		drift.Add(drift, amount)
	}
	return drift
}
