// Copyright (C) 2024-2026, Meshpay Labs. All rights reserved.
// See the file LICENSE for licensing terms.

// Package propagation implements the port through which a leader sends
// proposed states to followers. The wire contract is request/response with a
// bounded timeout: a follower answers every proposal with a signed approval
// or a rejection.
package propagation

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/meshpay/validator"
)

// Propagator sends a newly proposed state to a peer validator and returns the
// peer's approve/reject answer. Implementations must be safe for concurrent
// use by the tick pool.
type Propagator interface {
	SendNewState(ctx context.Context, peer validator.ValidatorDesc, state *validator.SignedState) (*validator.ApproveResponse, error)
}

// ProposePath is the follower entry point a proposal is POSTed to, relative
// to the peer's base URL with the channel ID interpolated.
const ProposePath = "/channel/%s/propose"

// Envelope is the JSON body wrapping RLP payloads on the propagation wire.
type Envelope struct {
	// Payload is the hex-encoded RLP bytes of the carried message.
	Payload string `json:"payload"`
}

// WrapPayload hex-encodes raw bytes into an envelope.
func WrapPayload(b []byte) Envelope {
	return Envelope{Payload: hex.EncodeToString(b)}
}

// UnwrapPayload decodes the hex payload of an envelope.
func (e Envelope) UnwrapPayload() ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(e.Payload, "0x"))
}

var _ Propagator = (*HTTPPropagator)(nil)

// HTTPPropagator delivers proposals over HTTP. Transport hiccups are retried
// with exponential backoff within the request timeout; a well-formed
// rejection is a valid response, not an error.
type HTTPPropagator struct {
	logger     log.Logger
	client     *http.Client
	maxRetries uint64
}

// NewHTTPPropagator creates an HTTP propagator with the given per-request
// timeout.
func NewHTTPPropagator(logger log.Logger, timeout time.Duration) *HTTPPropagator {
	return &HTTPPropagator{
		logger:     logger,
		client:     &http.Client{Timeout: timeout},
		maxRetries: 3,
	}
}

func (p *HTTPPropagator) SendNewState(
	ctx context.Context,
	peer validator.ValidatorDesc,
	state *validator.SignedState,
) (*validator.ApproveResponse, error) {
	raw, err := validator.EncodeSignedState(state)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(WrapPayload(raw))
	if err != nil {
		return nil, err
	}
	url := strings.TrimSuffix(peer.URL, "/") + fmt.Sprintf(ProposePath, channelIDPath(state.State.ChannelID))

	var resp *validator.ApproveResponse
	operation := func() error {
		var opErr error
		resp, opErr = p.post(ctx, url, body)
		return opErr
	}
	expBackOff := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), p.maxRetries)
	notify := func(err error, d time.Duration) {
		p.logger.Debug("propagation attempt failed, retrying",
			log.Stringer("peer", peer.NodeID),
			log.String("url", url),
			log.Duration("backoff", d),
			log.Err(err),
		)
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(expBackOff, ctx), notify); err != nil {
		return nil, validator.Transient(err)
	}
	return resp, nil
}

func (p *HTTPPropagator) post(ctx context.Context, url string, body []byte) (*validator.ApproveResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("peer returned status %d: %s", httpResp.StatusCode, respBody)
	}

	var env Envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("malformed response envelope: %w", err))
	}
	raw, err := env.UnwrapPayload()
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	resp, err := validator.DecodeApproveResponse(raw)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	return resp, nil
}

func channelIDPath(id ids.ID) string {
	return validator.ChannelIDHex(id)
}
