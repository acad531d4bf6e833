// Copyright (C) 2024-2026, Meshpay Labs. All rights reserved.
// See the file LICENSE for licensing terms.

// Package sentry exposes the validator's HTTP surface: the query endpoints
// for ledgers, states, and health, the channel and event ingestion
// endpoints, and the peer-facing propose/approve wire.
package sentry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/alexliesenfeld/health"
	"github.com/gorilla/mux"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/meshpay/validator"
	"github.com/meshpay/validator/cache"
	"github.com/meshpay/validator/consensus"
	"github.com/meshpay/validator/propagation"
	"github.com/meshpay/validator/repository"
	"github.com/meshpay/validator/scheduler"
)

// Server is the validator's HTTP sentry.
type Server struct {
	logger log.Logger
	repo   repository.Repository
	engine *consensus.Engine
	sched  *scheduler.Scheduler

	// readyCheck reports backing-store reachability for the health endpoint.
	readyCheck func(context.Context) error

	ledgerCache *cache.TTLCache[ids.ID, *LedgerResponse]
	stateCache  *cache.TTLCache[ids.ID, *StateResponse]
}

// New creates the sentry. readyCheck may be nil when the backing store needs
// no liveness probe.
func New(
	logger log.Logger,
	repo repository.Repository,
	engine *consensus.Engine,
	sched *scheduler.Scheduler,
	readCacheTTL time.Duration,
	readyCheck func(context.Context) error,
) *Server {
	if readyCheck == nil {
		readyCheck = func(context.Context) error { return nil }
	}
	return &Server{
		logger:      logger,
		repo:        repo,
		engine:      engine,
		sched:       sched,
		readyCheck:  readyCheck,
		ledgerCache: cache.NewTTLCache[ids.ID, *LedgerResponse](readCacheTTL),
		stateCache:  cache.NewTTLCache[ids.ID, *StateResponse](readCacheTTL),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/channel", s.handleCreateChannel).Methods(http.MethodPost)
	r.HandleFunc("/channel/{channelID}/events", s.handleAddEvent).Methods(http.MethodPost)
	r.HandleFunc("/channel/{channelID}/ledger", s.handleGetLedger).Methods(http.MethodGet)
	r.HandleFunc("/channel/{channelID}/state", s.handleGetState).Methods(http.MethodGet)
	r.HandleFunc("/channel/{channelID}/health", s.handleGetHealth).Methods(http.MethodGet)
	r.HandleFunc("/channel/{channelID}/propose", s.handlePropose).Methods(http.MethodPost)
	r.HandleFunc("/channel/{channelID}/approve", s.handleApprove).Methods(http.MethodPost)
	r.HandleFunc("/channel/{channelID}/resume", s.handleResume).Methods(http.MethodPost)

	checker := health.NewChecker(
		health.WithCheck(health.Check{
			Name:  "repository",
			Check: s.readyCheck,
		}),
	)
	r.Handle("/health", health.NewHandler(checker)).Methods(http.MethodGet)
	return r
}

// Run serves the API until ctx is canceled.
func (s *Server) Run(ctx context.Context, port uint16) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	resp, err := json.Marshal(body)
	if err != nil {
		s.logger.Error("failed to marshal response", log.Err(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(resp)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

// channelID pulls and parses the channel ID path variable. A nil error has
// already been reported to the client.
func (s *Server) channelID(w http.ResponseWriter, r *http.Request) (ids.ID, bool) {
	id, err := validator.ChannelIDFromHex(mux.Vars(r)["channelID"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return ids.Empty, false
	}
	return id, true
}

func (s *Server) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	var req ChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	channel, err := req.toChannel()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := channel.Validate(time.Now()); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.repo.CreateChannel(r.Context(), channel); err != nil {
		s.repoError(w, err)
		return
	}
	s.logger.Info("channel created",
		log.Stringer("channelID", channel.ID),
		log.Int("validators", len(channel.Spec.Validators)),
	)
	s.writeJSON(w, http.StatusCreated, map[string]string{"channelId": validator.ChannelIDHex(channel.ID)})
}

func (s *Server) handleAddEvent(w http.ResponseWriter, r *http.Request) {
	channelID, ok := s.channelID(w, r)
	if !ok {
		return
	}
	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	event, err := req.toEvent()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	channel, err := s.repo.GetChannel(r.Context(), channelID)
	if err != nil {
		s.repoError(w, err)
		return
	}
	if channel.Status.IsTerminal() {
		s.writeError(w, http.StatusConflict, "channel is terminal")
		return
	}
	if err := s.repo.AddEvent(r.Context(), channelID, event); err != nil {
		s.repoError(w, err)
		return
	}
	s.ledgerCache.Invalidate(channelID)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleGetLedger(w http.ResponseWriter, r *http.Request) {
	channelID, ok := s.channelID(w, r)
	if !ok {
		return
	}
	resp, err := s.ledgerCache.Get(channelID, func(id ids.ID) (*LedgerResponse, error) {
		channel, err := s.repo.GetChannel(r.Context(), id)
		if err != nil {
			return nil, err
		}
		return newLedgerResponse(channel, s.engine.Ledger(id)), nil
	}, false)
	if err != nil {
		s.repoError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	channelID, ok := s.channelID(w, r)
	if !ok {
		return
	}
	resp, err := s.stateCache.Get(channelID, func(id ids.ID) (*StateResponse, error) {
		last, err := s.repo.GetLastApprovedState(r.Context(), id)
		if err != nil {
			return nil, err
		}
		return newStateResponse(last), nil
	}, false)
	if err != nil {
		s.repoError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetHealth(w http.ResponseWriter, r *http.Request) {
	channelID, ok := s.channelID(w, r)
	if !ok {
		return
	}
	if _, err := s.repo.GetChannel(r.Context(), channelID); err != nil {
		s.repoError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newHealthResponse(
		s.engine.Health(channelID),
		s.engine.PhaseOf(channelID),
		s.sched.Suspended(channelID),
	))
}

// handlePropose is the peer-facing endpoint a leader delivers proposals to.
func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	channelID, ok := s.channelID(w, r)
	if !ok {
		return
	}
	var env propagation.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed envelope")
		return
	}
	raw, err := env.UnwrapPayload()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	proposed, err := validator.DecodeSignedState(raw)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if proposed.State.ChannelID != channelID {
		s.writeError(w, http.StatusBadRequest, "channel id mismatch")
		return
	}

	resp, err := s.engine.HandleProposal(r.Context(), proposed)
	if err != nil {
		s.repoError(w, err)
		return
	}
	respRaw, err := validator.EncodeApproveResponse(resp)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.stateCache.Invalidate(channelID)
	s.writeJSON(w, http.StatusOK, propagation.WrapPayload(respRaw))
}

// handleApprove receives out-of-band approve responses addressed to the
// leader.
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	channelID, ok := s.channelID(w, r)
	if !ok {
		return
	}
	var env propagation.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed envelope")
		return
	}
	raw, err := env.UnwrapPayload()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp, err := validator.DecodeApproveResponse(raw)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if resp.ChannelID != channelID {
		s.writeError(w, http.StatusBadRequest, "channel id mismatch")
		return
	}

	if err := s.engine.HandleApproval(r.Context(), resp); err != nil {
		s.repoError(w, err)
		return
	}
	s.stateCache.Invalidate(channelID)
	w.WriteHeader(http.StatusAccepted)
}

// handleResume lifts a fatal-error suspension. Operator surface.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	channelID, ok := s.channelID(w, r)
	if !ok {
		return
	}
	if !s.sched.Resume(channelID) {
		s.writeError(w, http.StatusNotFound, "channel is not suspended")
		return
	}
	s.logger.Info("channel resumed by operator", log.Stringer("channelID", channelID))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) repoError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, validator.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "not found")
	case validator.IsTransient(err):
		s.writeError(w, http.StatusServiceUnavailable, "storage unavailable")
	default:
		// Internal error values stay in the log, never on the wire.
		s.logger.Warn("request failed", log.Err(err))
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}
