// Copyright (C) 2024-2026, Meshpay Labs. All rights reserved.
// See the file LICENSE for licensing terms.

package sentry

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"github.com/luxfi/ids"

	"github.com/meshpay/validator"
	"github.com/meshpay/validator/consensus"
)

// ValidatorRequest describes one validator in a channel creation request.
type ValidatorRequest struct {
	NodeID string `json:"nodeId"`
	// Role is "leader" or "follower".
	Role string `json:"role"`
	URL  string `json:"url"`
	// PublicKey is the hex-encoded compressed BLS public key.
	PublicKey string `json:"publicKey"`
	Weight    uint64 `json:"weight"`
	// Fee is a decimal amount in token units. Optional.
	Fee string `json:"fee,omitempty"`
}

// ChannelRequest is the channel creation body.
type ChannelRequest struct {
	// ID is the 32-byte channel ID as 0x-prefixed hex.
	ID           string `json:"id"`
	Creator      string `json:"creator"`
	DepositAsset string `json:"depositAsset"`
	// Deposit is a decimal amount in token units.
	Deposit    string             `json:"deposit"`
	ValidUntil time.Time          `json:"validUntil"`
	Validators []ValidatorRequest `json:"validators"`

	// Optional consensus overrides. Zero values select the node defaults.
	HealthThreshold string `json:"healthThreshold,omitempty"`
	UnhealthyAfter  int    `json:"unhealthyAfter,omitempty"`
	QuorumNum       uint64 `json:"quorumNum,omitempty"`
	QuorumDen       uint64 `json:"quorumDen,omitempty"`
}

func (r *ChannelRequest) toChannel() (*validator.Channel, error) {
	id, err := validator.ChannelIDFromHex(r.ID)
	if err != nil {
		return nil, err
	}
	deposit, err := uint256.FromDecimal(r.Deposit)
	if err != nil {
		return nil, fmt.Errorf("invalid deposit: %w", err)
	}

	spec := validator.ChannelSpec{
		UnhealthyAfter: r.UnhealthyAfter,
		QuorumNum:      r.QuorumNum,
		QuorumDen:      r.QuorumDen,
	}
	if r.HealthThreshold != "" {
		threshold, err := uint256.FromDecimal(r.HealthThreshold)
		if err != nil {
			return nil, fmt.Errorf("invalid health threshold: %w", err)
		}
		spec.HealthThreshold = threshold
	}
	for i, v := range r.Validators {
		desc, err := v.toDesc()
		if err != nil {
			return nil, fmt.Errorf("validator %d: %w", i, err)
		}
		spec.Validators = append(spec.Validators, desc)
	}

	return &validator.Channel{
		ID:           id,
		Creator:      r.Creator,
		DepositAsset: r.DepositAsset,
		Deposit:      deposit,
		ValidUntil:   r.ValidUntil,
		Status:       validator.StatusActive,
		Spec:         spec,
	}, nil
}

func (r *ValidatorRequest) toDesc() (validator.ValidatorDesc, error) {
	nodeID, err := ids.NodeIDFromString(r.NodeID)
	if err != nil {
		return validator.ValidatorDesc{}, fmt.Errorf("invalid node id: %w", err)
	}
	var role validator.Role
	switch r.Role {
	case "leader":
		role = validator.RoleLeader
	case "follower":
		role = validator.RoleFollower
	default:
		return validator.ValidatorDesc{}, fmt.Errorf("unknown role %q", r.Role)
	}
	publicKey, err := hexBytes(r.PublicKey)
	if err != nil {
		return validator.ValidatorDesc{}, fmt.Errorf("invalid public key: %w", err)
	}
	desc := validator.ValidatorDesc{
		NodeID:    nodeID,
		Role:      role,
		URL:       r.URL,
		PublicKey: publicKey,
		Weight:    r.Weight,
	}
	if r.Fee != "" {
		fee, err := uint256.FromDecimal(r.Fee)
		if err != nil {
			return validator.ValidatorDesc{}, fmt.Errorf("invalid fee: %w", err)
		}
		desc.Fee = fee
	}
	return desc, nil
}

// EventRequest is the event ingestion body.
type EventRequest struct {
	// ID is the 32-byte event ID as 0x-prefixed hex. Re-submitting the same
	// ID is a no-op in aggregation.
	ID string `json:"id"`
	// Payee is the 32-byte payee ID as 0x-prefixed hex.
	Payee string `json:"payee"`
	// Amount is a decimal amount in token units.
	Amount string `json:"amount"`
}

func (r *EventRequest) toEvent() (validator.Event, error) {
	id, err := validator.ChannelIDFromHex(r.ID)
	if err != nil {
		return validator.Event{}, fmt.Errorf("invalid event id: %w", err)
	}
	payee, err := validator.ChannelIDFromHex(r.Payee)
	if err != nil {
		return validator.Event{}, fmt.Errorf("invalid payee: %w", err)
	}
	amount, err := uint256.FromDecimal(r.Amount)
	if err != nil {
		return validator.Event{}, fmt.Errorf("invalid amount: %w", err)
	}
	event := validator.Event{ID: id, Payee: payee, Amount: amount}
	if err := event.Verify(); err != nil {
		return validator.Event{}, err
	}
	return event, nil
}

// LedgerResponse is the query view of a channel's current balances.
type LedgerResponse struct {
	ChannelID string `json:"channelId"`
	// Balances maps 0x-hex payee IDs to decimal amounts.
	Balances map[string]string `json:"balances"`
	Total    string            `json:"total"`
	Deposit  string            `json:"deposit"`
	Status   string            `json:"status"`
}

func newLedgerResponse(channel *validator.Channel, ledger validator.Ledger) *LedgerResponse {
	balances := make(map[string]string, len(ledger))
	for _, payee := range ledger.Payees() {
		balances[validator.ChannelIDHex(payee)] = ledger.Get(payee).Dec()
	}
	return &LedgerResponse{
		ChannelID: validator.ChannelIDHex(channel.ID),
		Balances:  balances,
		Total:     ledger.Total().Dec(),
		Deposit:   channel.Deposit.Dec(),
		Status:    channel.Status.String(),
	}
}

// StateResponse is the query view of the last approved state.
type StateResponse struct {
	ChannelID string            `json:"channelId"`
	Seq       uint64            `json:"seq"`
	Root      string            `json:"root"`
	Balances  map[string]string `json:"balances"`
	Signer    string            `json:"signer"`
	Status    string            `json:"status"`
}

func newStateResponse(ss *validator.SignedState) *StateResponse {
	balances := make(map[string]string, len(ss.State.Balances))
	for _, payee := range ss.State.Balances.Payees() {
		balances[validator.ChannelIDHex(payee)] = ss.State.Balances.Get(payee).Dec()
	}
	return &StateResponse{
		ChannelID: validator.ChannelIDHex(ss.State.ChannelID),
		Seq:       ss.State.Seq,
		Root:      "0x" + hex.EncodeToString(ss.State.Root[:]),
		Balances:  balances,
		Signer:    ss.Signer.String(),
		Status:    ss.Status.String(),
	}
}

// HealthResponse is the query view of a channel's health as seen by this node.
type HealthResponse struct {
	Status                   string    `json:"status"`
	Phase                    string    `json:"phase"`
	Drift                    string    `json:"drift,omitempty"`
	ConsecutiveDisagreements int       `json:"consecutiveDisagreements"`
	LastError                string    `json:"lastError,omitempty"`
	Suspended                bool      `json:"suspended"`
	UpdatedAt                time.Time `json:"updatedAt"`
}

func newHealthResponse(h validator.ChannelHealth, phase consensus.Phase, suspended bool) *HealthResponse {
	resp := &HealthResponse{
		Status:                   h.Status.String(),
		Phase:                    phase.String(),
		ConsecutiveDisagreements: h.ConsecutiveDisagreements,
		LastError:                h.LastError,
		Suspended:                suspended,
		UpdatedAt:                h.UpdatedAt,
	}
	if h.Drift != nil {
		resp.Drift = h.Drift.Dec()
	}
	return resp
}

func hexBytes(s string) ([]byte, error) {
	if len(s) >= 2 && s[:2] == "0x" {
		s = s[2:]
	}
	return hex.DecodeString(s)
}
