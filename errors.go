// Copyright (C) 2024-2026, Meshpay Labs. All rights reserved.
// See the file LICENSE for licensing terms.

package validator

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSignature marks a message whose signature failed
	// verification. Fatal for the message: it is rejected and never
	// retried.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrInvariantViolation marks a channel whose ledger broke a core
	// invariant (non-monotonic balances, conservation breach). Fatal for
	// the channel: ticking is suspended pending external intervention.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrTransientIO marks a repository or network hiccup. The failed tick
	// is retried on the next scheduled interval.
	ErrTransientIO = errors.New("transient io error")

	// ErrNotFound is returned by repositories when no record exists. On
	// the first tick of a channel this means "no prior state" and is not
	// an error condition.
	ErrNotFound = errors.New("not found")

	// ErrSequenceGap marks a proposed state whose sequence number is not
	// exactly one greater than the last approved sequence.
	ErrSequenceGap = errors.New("sequence gap")

	// ErrDisagreement marks a rejected proposal. Soft: tracked as a
	// consecutive-mismatch count and escalated to Unhealthy past a
	// threshold.
	ErrDisagreement = errors.New("state disagreement")

	// ErrTerminalChannel is returned when an operation targets a channel
	// in a terminal status. Not a failure, just an end state.
	ErrTerminalChannel = errors.New("channel is terminal")
)

// Transient wraps err so that errors.Is(result, ErrTransientIO) holds, keeping
// the original error text for logs.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrTransientIO, err)
}

// IsNotFound reports whether err means a requested record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsTransient reports whether err should be retried on the next tick.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientIO)
}

// IsFatal reports whether err must suspend ticking for the channel. The tick
// scheduler is the single point deciding retry vs. suspend vs. ignore.
func IsFatal(err error) bool {
	return errors.Is(err, ErrInvariantViolation) || errors.Is(err, ErrInvalidSignature)
}
