// Copyright (C) 2024-2026, Meshpay Labs. All rights reserved.
// See the file LICENSE for licensing terms.

package repository

import (
	"context"
	"fmt"
	"sync"

	"github.com/luxfi/ids"

	"github.com/meshpay/validator"
)

var _ Repository = (*Memory)(nil)

// Memory is an in-memory Repository. It keeps channels, events and states in
// mutex-guarded maps keyed by channel ID.
type Memory struct {
	mu        sync.RWMutex
	channels  map[ids.ID]*validator.Channel
	events    map[ids.ID][]validator.Event
	eventIDs  map[ids.ID]map[ids.ID]struct{}
	proposed  map[ids.ID]*validator.SignedState
	approved  map[ids.ID]*validator.SignedState
	nextSeqNo map[ids.ID]uint64
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		channels:  make(map[ids.ID]*validator.Channel),
		events:    make(map[ids.ID][]validator.Event),
		eventIDs:  make(map[ids.ID]map[ids.ID]struct{}),
		proposed:  make(map[ids.ID]*validator.SignedState),
		approved:  make(map[ids.ID]*validator.SignedState),
		nextSeqNo: make(map[ids.ID]uint64),
	}
}

func (m *Memory) GetChannel(_ context.Context, channelID ids.ID) (*validator.Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[channelID]
	if !ok {
		return nil, fmt.Errorf("channel %s: %w", channelID, validator.ErrNotFound)
	}
	cp := *ch
	return &cp, nil
}

func (m *Memory) ListChannels(_ context.Context) ([]*validator.Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*validator.Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		cp := *ch
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) CreateChannel(_ context.Context, channel *validator.Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.channels[channel.ID]; ok {
		return fmt.Errorf("channel %s already exists", channel.ID)
	}
	cp := *channel
	m.channels[channel.ID] = &cp
	return nil
}

func (m *Memory) ListEvents(_ context.Context, channelID ids.ID) ([]validator.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := m.events[channelID]
	out := make([]validator.Event, len(events))
	copy(out, events)
	return out, nil
}

// AddEvent appends an event, assigning its ingestion sequence. Ingestion is
// idempotent: a redelivered event ID is dropped without burning a sequence
// number.
func (m *Memory) AddEvent(_ context.Context, channelID ids.ID, event validator.Event) error {
	if err := event.Verify(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := m.eventIDs[channelID]
	if seen == nil {
		seen = make(map[ids.ID]struct{})
		m.eventIDs[channelID] = seen
	}
	if _, ok := seen[event.ID]; ok {
		return nil
	}
	event.Seq = m.nextSeqNo[channelID]
	m.nextSeqNo[channelID]++
	seen[event.ID] = struct{}{}
	m.events[channelID] = append(m.events[channelID], event)
	return nil
}

func (m *Memory) GetLastApprovedState(_ context.Context, channelID ids.ID) (*validator.SignedState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.approved[channelID]
	if !ok {
		return nil, fmt.Errorf("approved state for channel %s: %w", channelID, validator.ErrNotFound)
	}
	return state, nil
}

func (m *Memory) PutProposedState(_ context.Context, channelID ids.ID, state *validator.SignedState) error {
	if err := state.Verify(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.proposed[channelID] = state
	return nil
}

func (m *Memory) PutApprovedState(_ context.Context, channelID ids.ID, state *validator.SignedState) error {
	if err := state.Verify(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.approved[channelID] = state
	return nil
}

func (m *Memory) MarkChannelStatus(_ context.Context, channelID ids.ID, status validator.ChannelStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[channelID]
	if !ok {
		return fmt.Errorf("channel %s: %w", channelID, validator.ErrNotFound)
	}
	ch.Status = status
	return nil
}

// GetProposedState returns the last proposed state, or ErrNotFound. Used by
// the read surface; not part of the consensus port.
func (m *Memory) GetProposedState(_ context.Context, channelID ids.ID) (*validator.SignedState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.proposed[channelID]
	if !ok {
		return nil, fmt.Errorf("proposed state for channel %s: %w", channelID, validator.ErrNotFound)
	}
	return state, nil
}
