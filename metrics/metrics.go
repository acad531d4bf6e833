// Copyright (C) 2024-2026, Meshpay Labs. All rights reserved.
// See the file LICENSE for licensing terms.

// Package metrics holds the node's prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts consensus activity per channel.
type Metrics struct {
	TickCount            *prometheus.CounterVec
	TickLatencyMS        *prometheus.GaugeVec
	ProposedStateCount   *prometheus.CounterVec
	ApprovedStateCount   *prometheus.CounterVec
	RejectedStateCount   *prometheus.CounterVec
	DisagreementCount    *prometheus.CounterVec
	ChannelDrift         *prometheus.GaugeVec
	SuspendedChannels    prometheus.Gauge
	PropagationFailCount *prometheus.CounterVec
}

// New registers and returns the node metrics.
func New(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		TickCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "validator_tick_count",
				Help: "Number of consensus ticks executed",
			},
			[]string{"channel_id", "role", "result"},
		),
		TickLatencyMS: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "validator_tick_latency_ms",
				Help: "Latency of the last consensus tick in milliseconds",
			},
			[]string{"channel_id", "role"},
		),
		ProposedStateCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "validator_proposed_state_count",
				Help: "Number of states signed and proposed by the leader",
			},
			[]string{"channel_id"},
		),
		ApprovedStateCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "validator_approved_state_count",
				Help: "Number of states that reached approval",
			},
			[]string{"channel_id"},
		),
		RejectedStateCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "validator_rejected_state_count",
				Help: "Number of proposed states rejected",
			},
			[]string{"channel_id", "reason"},
		),
		DisagreementCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "validator_disagreement_count",
				Help: "Number of disagreeing ticks observed",
			},
			[]string{"channel_id"},
		),
		ChannelDrift: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "validator_channel_drift",
				Help: "Last observed balance drift per channel, in token units",
			},
			[]string{"channel_id"},
		),
		SuspendedChannels: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "validator_suspended_channels",
				Help: "Number of channels suspended pending intervention",
			},
		),
		PropagationFailCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "validator_propagation_fail_count",
				Help: "Number of failed proposal deliveries to peers",
			},
			[]string{"channel_id", "peer"},
		),
	}

	registerer.MustRegister(
		m.TickCount,
		m.TickLatencyMS,
		m.ProposedStateCount,
		m.ApprovedStateCount,
		m.RejectedStateCount,
		m.DisagreementCount,
		m.ChannelDrift,
		m.SuspendedChannels,
		m.PropagationFailCount,
	)
	return m
}
