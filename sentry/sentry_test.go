// Copyright (C) 2024-2026, Meshpay Labs. All rights reserved.
// See the file LICENSE for licensing terms.

package sentry

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/meshpay/validator"
	"github.com/meshpay/validator/consensus"
	"github.com/meshpay/validator/metrics"
	"github.com/meshpay/validator/propagation"
	"github.com/meshpay/validator/repository"
	"github.com/meshpay/validator/scheduler"
)

type testEnv struct {
	server       *httptest.Server
	repo         *repository.Memory
	engine       *consensus.Engine
	channel      *validator.Channel
	leaderSigner validator.Signer
	leaderID     ids.NodeID
}

// newTestEnv runs a follower node's sentry with one stored channel.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	require := require.New(t)

	leaderSigner, err := validator.GenerateBLSSigner()
	require.NoError(err)
	followerSigner, err := validator.GenerateBLSSigner()
	require.NoError(err)
	leaderID := ids.GenerateTestNodeID()
	followerID := ids.GenerateTestNodeID()

	channel := &validator.Channel{
		ID:         ids.GenerateTestID(),
		Creator:    "creator",
		Deposit:    uint256.NewInt(1000),
		ValidUntil: time.Now().Add(time.Hour),
		Status:     validator.StatusActive,
		Spec: validator.ChannelSpec{
			Validators: []validator.ValidatorDesc{
				{NodeID: leaderID, Role: validator.RoleLeader, PublicKey: leaderSigner.PublicKey(), Weight: 1},
				{NodeID: followerID, Role: validator.RoleFollower, PublicKey: followerSigner.PublicKey(), Weight: 1},
			},
		},
	}

	repo := repository.NewMemory()
	require.NoError(repo.CreateChannel(context.Background(), channel))

	logger := log.NewNoOpLogger()
	m := metrics.New(prometheus.NewRegistry())
	engine := consensus.New(
		logger,
		followerID,
		repo,
		propagation.NewLoopback(),
		followerSigner,
		validator.NewBLSVerifier(),
		consensus.DefaultParams(),
		m,
	)
	sched := scheduler.New(logger, repo, engine, time.Hour, 1, m)
	t.Cleanup(sched.Stop)

	api := New(logger, repo, engine, sched, 0, nil)
	server := httptest.NewServer(api.Handler())
	t.Cleanup(server.Close)

	return &testEnv{
		server:       server,
		repo:         repo,
		engine:       engine,
		channel:      channel,
		leaderSigner: leaderSigner,
		leaderID:     leaderID,
	}
}

func (e *testEnv) url(format string, args ...any) string {
	return e.server.URL + fmt.Sprintf(format, args...)
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestCreateChannel(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t)

	signerA, err := validator.GenerateBLSSigner()
	require.NoError(err)
	signerB, err := validator.GenerateBLSSigner()
	require.NoError(err)

	req := ChannelRequest{
		ID:           validator.ChannelIDHex(ids.GenerateTestID()),
		Creator:      "creator",
		DepositAsset: "DAI",
		Deposit:      "1000",
		ValidUntil:   time.Now().Add(time.Hour),
		Validators: []ValidatorRequest{
			{
				NodeID:    ids.GenerateTestNodeID().String(),
				Role:      "leader",
				URL:       "http://leader.example",
				PublicKey: hex.EncodeToString(signerA.PublicKey()),
				Weight:    1,
			},
			{
				NodeID:    ids.GenerateTestNodeID().String(),
				Role:      "follower",
				URL:       "http://follower.example",
				PublicKey: hex.EncodeToString(signerB.PublicKey()),
				Weight:    1,
				Fee:       "5",
			},
		},
	}

	resp := postJSON(t, env.url("/channel"), req)
	require.Equal(http.StatusCreated, resp.StatusCode)
	created := decodeJSON[map[string]string](t, resp)
	require.Equal(req.ID, created["channelId"])

	// Duplicate and invalid creations are rejected; internal failures do not
	// leak their error values to the client.
	resp = postJSON(t, env.url("/channel"), req)
	require.Equal(http.StatusInternalServerError, resp.StatusCode)
	errResp := decodeJSON[errorResponse](t, resp)
	require.Equal("internal error", errResp.Error)

	req.ID = validator.ChannelIDHex(ids.GenerateTestID())
	req.Deposit = "0"
	resp = postJSON(t, env.url("/channel"), req)
	require.Equal(http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestEventIngestionAndLedger(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t)
	payee := ids.GenerateTestID()

	resp := postJSON(t, env.url("/channel/%s/events", validator.ChannelIDHex(env.channel.ID)), EventRequest{
		ID:     validator.ChannelIDHex(ids.GenerateTestID()),
		Payee:  validator.ChannelIDHex(payee),
		Amount: "150",
	})
	require.Equal(http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	// The follower's view materializes on its next tick.
	require.NoError(env.engine.Tick(context.Background(), env.channel))

	httpResp, err := http.Get(env.url("/channel/%s/ledger", validator.ChannelIDHex(env.channel.ID)))
	require.NoError(err)
	require.Equal(http.StatusOK, httpResp.StatusCode)
	ledger := decodeJSON[LedgerResponse](t, httpResp)
	require.Equal("150", ledger.Balances[validator.ChannelIDHex(payee)])
	require.Equal("150", ledger.Total)
	require.Equal("1000", ledger.Deposit)
}

func TestLedgerUnknownChannel(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t)

	resp, err := http.Get(env.url("/channel/%s/ledger", validator.ChannelIDHex(ids.GenerateTestID())))
	require.NoError(err)
	require.Equal(http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(env.url("/channel/not-hex/ledger"))
	require.NoError(err)
	require.Equal(http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestProposeAndReadState(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t)
	payee := ids.GenerateTestID()
	channelHex := validator.ChannelIDHex(env.channel.ID)

	// No approved state yet.
	resp, err := http.Get(env.url("/channel/%s/state", channelHex))
	require.NoError(err)
	require.Equal(http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	// The follower must have seen the same events for an exact match.
	postJSON(t, env.url("/channel/%s/events", channelHex), EventRequest{
		ID:     validator.ChannelIDHex(ids.GenerateTestID()),
		Payee:  validator.ChannelIDHex(payee),
		Amount: "200",
	}).Body.Close()

	state := validator.BuildState(env.channel, validator.Ledger{payee: uint256.NewInt(200)}, 0)
	sig, err := env.leaderSigner.SignState(state)
	require.NoError(err)
	raw, err := validator.EncodeSignedState(&validator.SignedState{
		State:     state,
		Signer:    env.leaderID,
		Signature: sig,
		Status:    validator.StateProposed,
	})
	require.NoError(err)

	proposeResp := postJSON(t, env.url("/channel/%s/propose", channelHex), propagation.WrapPayload(raw))
	require.Equal(http.StatusOK, proposeResp.StatusCode)
	env2 := decodeJSON[propagation.Envelope](t, proposeResp)
	respRaw, err := env2.UnwrapPayload()
	require.NoError(err)
	approve, err := validator.DecodeApproveResponse(respRaw)
	require.NoError(err)
	require.True(approve.Accepted)

	httpResp, err := http.Get(env.url("/channel/%s/state", channelHex))
	require.NoError(err)
	require.Equal(http.StatusOK, httpResp.StatusCode)
	stateResp := decodeJSON[StateResponse](t, httpResp)
	require.Equal(uint64(1), stateResp.Seq)
	require.Equal("200", stateResp.Balances[validator.ChannelIDHex(payee)])

	health, err := http.Get(env.url("/channel/%s/health", channelHex))
	require.NoError(err)
	require.Equal(http.StatusOK, health.StatusCode)
	healthResp := decodeJSON[HealthResponse](t, health)
	require.Equal("healthy", healthResp.Status)
	require.False(healthResp.Suspended)
}

func TestResumeWithoutSuspension(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t)

	resp := postJSON(t, env.url("/channel/%s/resume", validator.ChannelIDHex(env.channel.ID)), nil)
	require.Equal(http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}
