// Package metrics defines the prometheus collectors exported by the
// VPN profile manager.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// State machine metrics
var (
	// StateTransitions counts applied transitions by source and target state.
	StateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpn_state_transitions_total",
			Help: "Applied connection state transitions by from and to state",
		},
		[]string{"from", "to"},
	)

	// TransitionRejections counts transition requests that were refused.
	TransitionRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpn_transition_rejections_total",
			Help: "Refused connection state transitions by reason",
		},
		[]string{"reason"},
	)

	// ActiveProfile is 1 while some profile holds the active session.
	ActiveProfile = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vpn_active_profile",
			Help: "1 while a profile is in a non-idle connection state",
		},
	)

	// ReconnectPrompts counts reconnect prompts raised after connection failures.
	ReconnectPrompts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vpn_reconnect_prompts_total",
			Help: "Reconnect prompts raised after a failed connection attempt",
		},
	)
)

// Event bridge metrics
var (
	// BridgeEvents counts connectivity events by outcome
	// (applied, unknown_profile, bad_state, rejected).
	BridgeEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpn_bridge_events_total",
			Help: "Connectivity events received by outcome",
		},
		[]string{"result"},
	)
)

// Storage metrics
var (
	// StoreLoadSkipped counts profile directories skipped while loading.
	StoreLoadSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vpn_store_load_skipped_total",
			Help: "Profile directories skipped during load because they were unreadable or inconsistent",
		},
	)

	// StatusChecks counts startup status checks by result (ok, error).
	StatusChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpn_status_checks_total",
			Help: "Startup status checks by result",
		},
		[]string{"result"},
	)
)

// History metrics
var (
	// HistoryDropped counts journal entries dropped because the writer queue was full.
	HistoryDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vpn_history_dropped_total",
			Help: "Transition journal entries dropped because the queue was full",
		},
	)
)
