package services

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// lockWait records how long callers waited for a session lock.
	lockWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "session_lock_wait_seconds",
			Help:    "Time spent waiting for the per-session lock.",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	// mutations counts mutation engine calls by outcome.
	mutations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_mutations_total",
			Help: "Mutation engine calls by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)

	// transitions counts committed lifecycle transitions.
	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_transitions_total",
			Help: "Committed session lifecycle transitions by trigger.",
		},
		[]string{"trigger"},
	)

	// matches counts operator matching attempts by result.
	matches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "operator_matches_total",
			Help: "Operator matching attempts by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(lockWait, mutations, transitions, matches)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrLockTimeout):
		return "lock_timeout"
	case errors.Is(err, ErrSessionNotFound):
		return "not_found"
	default:
		return "error"
	}
}
