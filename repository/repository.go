// Copyright (C) 2024-2026, Meshpay Labs. All rights reserved.
// See the file LICENSE for licensing terms.

// Package repository defines the storage port the consensus core depends on,
// together with the in-memory implementation used by tests and local runs.
// Durable implementations live in subpackages and are selected at
// construction time, never via globals.
package repository

import (
	"context"

	"github.com/luxfi/ids"

	"github.com/meshpay/validator"
)

// Repository is the storage capability consumed by the consensus core. Calls
// may fail with a transient I/O error (errors.Is(err, ErrTransientIO); the
// tick is retried on the next interval) or with ErrNotFound where documented.
// Implementations must be safe for concurrent use by the tick pool.
type Repository interface {
	// GetChannel returns the channel record or ErrNotFound.
	GetChannel(ctx context.Context, channelID ids.ID) (*validator.Channel, error)

	// ListChannels returns all channel records known to this node.
	ListChannels(ctx context.Context) ([]*validator.Channel, error)

	// CreateChannel stores a new channel record. The caller validates it.
	CreateChannel(ctx context.Context, channel *validator.Channel) error

	// ListEvents returns the full authoritative event set for a channel,
	// ordered by ingestion sequence.
	ListEvents(ctx context.Context, channelID ids.ID) ([]validator.Event, error)

	// AddEvent appends an event to a channel's event set. Ingestion-side
	// surface; the consensus core only reads.
	AddEvent(ctx context.Context, channelID ids.ID, event validator.Event) error

	// GetLastApprovedState returns the latest mutually approved state, or
	// ErrNotFound if the channel has never approved one.
	GetLastApprovedState(ctx context.Context, channelID ids.ID) (*validator.SignedState, error)

	// PutProposedState records a leader-proposed state.
	PutProposedState(ctx context.Context, channelID ids.ID, state *validator.SignedState) error

	// PutApprovedState records a state as the latest approved one.
	PutApprovedState(ctx context.Context, channelID ids.ID, state *validator.SignedState) error

	// MarkChannelStatus transitions a channel's lifecycle status.
	MarkChannelStatus(ctx context.Context, channelID ids.ID, status validator.ChannelStatus) error
}
