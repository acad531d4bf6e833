// Copyright (C) 2024-2026, Meshpay Labs. All rights reserved.
// See the file LICENSE for licensing terms.

package propagation

import (
	"context"
	"fmt"
	"sync"

	"github.com/luxfi/ids"

	"github.com/meshpay/validator"
)

var _ Propagator = (*Loopback)(nil)

// ProposalHandler is the follower-side entry point a proposal is delivered
// to. The consensus engine implements it.
type ProposalHandler interface {
	HandleProposal(ctx context.Context, state *validator.SignedState) (*validator.ApproveResponse, error)
}

// Loopback delivers proposals directly to registered in-process handlers,
// keyed by node ID. Used by tests and single-process multi-validator setups.
type Loopback struct {
	mu       sync.RWMutex
	handlers map[ids.NodeID]ProposalHandler
}

// NewLoopback creates an empty loopback propagator.
func NewLoopback() *Loopback {
	return &Loopback{handlers: make(map[ids.NodeID]ProposalHandler)}
}

// Register wires a node's proposal handler.
func (l *Loopback) Register(nodeID ids.NodeID, handler ProposalHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[nodeID] = handler
}

// Unregister removes a node's handler, making it unreachable.
func (l *Loopback) Unregister(nodeID ids.NodeID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.handlers, nodeID)
}

func (l *Loopback) SendNewState(
	ctx context.Context,
	peer validator.ValidatorDesc,
	state *validator.SignedState,
) (*validator.ApproveResponse, error) {
	l.mu.RLock()
	handler, ok := l.handlers[peer.NodeID]
	l.mu.RUnlock()
	if !ok {
		return nil, validator.Transient(fmt.Errorf("no handler registered for peer %s", peer.NodeID))
	}
	return handler.HandleProposal(ctx, state)
}
