// Copyright (C) 2024-2026, Meshpay Labs. All rights reserved.
// See the file LICENSE for licensing terms.

// Package redisrepo implements the repository port on Redis. Channels live in
// a hash, events in per-channel lists, states as plain values. All records
// travel in the same RLP wire forms the propagation layer uses, so a record
// written by one node can be read by any other.
package redisrepo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/rlp"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/redis/go-redis/v9"

	"github.com/meshpay/validator"
	"github.com/meshpay/validator/repository"
)

var _ repository.Repository = (*Repository)(nil)

const (
	channelsKey   = "paych:channels"
	eventsKeyFmt  = "paych:events:%s"
	approvedFmt   = "paych:approved:%s"
	proposedFmt   = "paych:proposed:%s"
	defaultDialTO = 5 * time.Second
)

// Repository is a Redis-backed repository.
type Repository struct {
	client *redis.Client
	logger log.Logger
}

// New connects to Redis at uri (redis:// URL) and pings it.
func New(ctx context.Context, logger log.Logger, uri string) (*Repository, error) {
	opts, err := redis.ParseURL(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid redis uri: %w", err)
	}
	opts.DialTimeout = defaultDialTO

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, defaultDialTO)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}
	logger.Info("connected to redis", log.String("addr", opts.Addr))
	return &Repository{client: client, logger: logger}, nil
}

// Close closes the underlying client.
func (r *Repository) Close() error {
	return r.client.Close()
}

// Ping reports storage reachability; wired into the node health endpoint.
func (r *Repository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Wire forms specific to storage. RLP cannot encode time.Time or nested
// *uint256.Int defaults, so channels are flattened.

type wireValidatorDesc struct {
	NodeID    ids.NodeID
	Role      uint8
	URL       string
	PublicKey []byte
	Weight    uint64
	Fee       *uint256.Int `rlp:"nil"`
}

type wireChannel struct {
	ID              ids.ID
	Creator         string
	DepositAsset    string
	Deposit         *uint256.Int
	ValidUntilUnix  uint64
	Status          uint8
	Validators      []wireValidatorDesc
	HealthThreshold *uint256.Int `rlp:"nil"`
	UnhealthyAfter  uint64
	QuorumNum       uint64
	QuorumDen       uint64
}

type wireEvent struct {
	ID     ids.ID
	Payee  ids.ID
	Amount *uint256.Int
	Seq    uint64
}

func encodeChannel(ch *validator.Channel) ([]byte, error) {
	w := wireChannel{
		ID:              ch.ID,
		Creator:         ch.Creator,
		DepositAsset:    ch.DepositAsset,
		Deposit:         ch.Deposit,
		ValidUntilUnix:  uint64(ch.ValidUntil.Unix()),
		Status:          uint8(ch.Status),
		HealthThreshold: ch.Spec.HealthThreshold,
		UnhealthyAfter:  uint64(ch.Spec.UnhealthyAfter),
		QuorumNum:       ch.Spec.QuorumNum,
		QuorumDen:       ch.Spec.QuorumDen,
	}
	for _, v := range ch.Spec.Validators {
		w.Validators = append(w.Validators, wireValidatorDesc{
			NodeID:    v.NodeID,
			Role:      uint8(v.Role),
			URL:       v.URL,
			PublicKey: v.PublicKey,
			Weight:    v.Weight,
			Fee:       v.Fee,
		})
	}
	return rlp.EncodeToBytes(w)
}

func decodeChannel(b []byte) (*validator.Channel, error) {
	var w wireChannel
	if err := rlp.DecodeBytes(b, &w); err != nil {
		return nil, fmt.Errorf("failed to decode channel record: %w", err)
	}
	ch := &validator.Channel{
		ID:           w.ID,
		Creator:      w.Creator,
		DepositAsset: w.DepositAsset,
		Deposit:      w.Deposit,
		ValidUntil:   time.Unix(int64(w.ValidUntilUnix), 0).UTC(),
		Status:       validator.ChannelStatus(w.Status),
		Spec: validator.ChannelSpec{
			HealthThreshold: w.HealthThreshold,
			UnhealthyAfter:  int(w.UnhealthyAfter),
			QuorumNum:       w.QuorumNum,
			QuorumDen:       w.QuorumDen,
		},
	}
	for _, v := range w.Validators {
		ch.Spec.Validators = append(ch.Spec.Validators, validator.ValidatorDesc{
			NodeID:    v.NodeID,
			Role:      validator.Role(v.Role),
			URL:       v.URL,
			PublicKey: v.PublicKey,
			Weight:    v.Weight,
			Fee:       v.Fee,
		})
	}
	return ch, nil
}

func (r *Repository) GetChannel(ctx context.Context, channelID ids.ID) (*validator.Channel, error) {
	b, err := r.client.HGet(ctx, channelsKey, channelID.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("channel %s: %w", channelID, validator.ErrNotFound)
	}
	if err != nil {
		return nil, validator.Transient(err)
	}
	return decodeChannel(b)
}

func (r *Repository) ListChannels(ctx context.Context) ([]*validator.Channel, error) {
	records, err := r.client.HGetAll(ctx, channelsKey).Result()
	if err != nil {
		return nil, validator.Transient(err)
	}
	out := make([]*validator.Channel, 0, len(records))
	for id, raw := range records {
		ch, err := decodeChannel([]byte(raw))
		if err != nil {
			r.logger.Warn("skipping undecodable channel record",
				log.String("channelID", id), log.Err(err))
			continue
		}
		out = append(out, ch)
	}
	return out, nil
}

func (r *Repository) CreateChannel(ctx context.Context, channel *validator.Channel) error {
	b, err := encodeChannel(channel)
	if err != nil {
		return err
	}
	created, err := r.client.HSetNX(ctx, channelsKey, channel.ID.String(), b).Result()
	if err != nil {
		return validator.Transient(err)
	}
	if !created {
		return fmt.Errorf("channel %s already exists", channel.ID)
	}
	return nil
}

func (r *Repository) ListEvents(ctx context.Context, channelID ids.ID) ([]validator.Event, error) {
	raws, err := r.client.LRange(ctx, fmt.Sprintf(eventsKeyFmt, channelID), 0, -1).Result()
	if err != nil {
		return nil, validator.Transient(err)
	}
	events := make([]validator.Event, 0, len(raws))
	for _, raw := range raws {
		var w wireEvent
		if err := rlp.DecodeBytes([]byte(raw), &w); err != nil {
			return nil, fmt.Errorf("failed to decode event record: %w", err)
		}
		events = append(events, validator.Event{
			ID:     w.ID,
			Payee:  w.Payee,
			Amount: w.Amount,
			Seq:    w.Seq,
		})
	}
	return events, nil
}

func (r *Repository) AddEvent(ctx context.Context, channelID ids.ID, event validator.Event) error {
	if err := event.Verify(); err != nil {
		return err
	}
	b, err := rlp.EncodeToBytes(wireEvent{
		ID:     event.ID,
		Payee:  event.Payee,
		Amount: event.Amount,
		Seq:    event.Seq,
	})
	if err != nil {
		return err
	}
	if err := r.client.RPush(ctx, fmt.Sprintf(eventsKeyFmt, channelID), b).Err(); err != nil {
		return validator.Transient(err)
	}
	return nil
}

func (r *Repository) GetLastApprovedState(ctx context.Context, channelID ids.ID) (*validator.SignedState, error) {
	return r.getState(ctx, fmt.Sprintf(approvedFmt, channelID))
}

func (r *Repository) PutProposedState(ctx context.Context, channelID ids.ID, state *validator.SignedState) error {
	return r.putState(ctx, fmt.Sprintf(proposedFmt, channelID), state)
}

func (r *Repository) PutApprovedState(ctx context.Context, channelID ids.ID, state *validator.SignedState) error {
	return r.putState(ctx, fmt.Sprintf(approvedFmt, channelID), state)
}

// GetProposedState returns the last proposed state for the read surface.
func (r *Repository) GetProposedState(ctx context.Context, channelID ids.ID) (*validator.SignedState, error) {
	return r.getState(ctx, fmt.Sprintf(proposedFmt, channelID))
}

func (r *Repository) getState(ctx context.Context, key string) (*validator.SignedState, error) {
	b, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%s: %w", key, validator.ErrNotFound)
	}
	if err != nil {
		return nil, validator.Transient(err)
	}
	return validator.DecodeSignedState(b)
}

func (r *Repository) putState(ctx context.Context, key string, state *validator.SignedState) error {
	b, err := validator.EncodeSignedState(state)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, key, b, 0).Err(); err != nil {
		return validator.Transient(err)
	}
	return nil
}

func (r *Repository) MarkChannelStatus(ctx context.Context, channelID ids.ID, status validator.ChannelStatus) error {
	ch, err := r.GetChannel(ctx, channelID)
	if err != nil {
		return err
	}
	ch.Status = status
	b, err := encodeChannel(ch)
	if err != nil {
		return err
	}
	if err := r.client.HSet(ctx, channelsKey, channelID.String(), b).Err(); err != nil {
		return validator.Transient(err)
	}
	return nil
}
