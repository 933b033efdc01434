// ============================================================================
// spot-teleop Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: expose session health to Prometheus
//
// Metric groups:
//
//   1. Counters:
//      - teleop_commands_total{intent,result}: dispatched intents by outcome
//        (ok, failed, unrecognized, fatal)
//      - teleop_heartbeat_failures_total{supervisor}: failed check-ins
//      - teleop_heartbeat_fatal_total{supervisor}: supervisors that gave up
//      - teleop_state_polls_total{result}: state fetches (ok, error)
//      - teleop_intake_actions_total{result}: HTTP intake (accepted, dropped)
//
//   2. Histogram:
//      - teleop_dispatch_duration_seconds: time spent inside one intent
//
//   3. Gauges:
//      - teleop_session_state{state}: 1 for the current session state
//      - teleop_clock_skew_seconds: last robot clock offset estimate
//
// Useful queries:
//
//   # check-ins failing right now
//   rate(teleop_heartbeat_failures_total[1m])
//
//   # share of commands the robot rejected
//   rate(teleop_commands_total{result="failed"}[5m]) / rate(teleop_commands_total[5m])
//
// Every method is safe on a nil *Collector so components run without metrics.
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/spot-teleop/pkg/types"
)

// Command results recorded by RecordCommand.
const (
	ResultOK           = "ok"
	ResultFailed       = "failed"
	ResultUnrecognized = "unrecognized"
	ResultFatal        = "fatal"
)

var sessionStates = []types.SessionState{
	types.SessionDisarmed,
	types.SessionArmed,
	types.SessionFault,
	types.SessionShuttingDown,
}

// Collector holds the Prometheus metrics of one process.
type Collector struct {
	commands          *prometheus.CounterVec
	heartbeatFailures *prometheus.CounterVec
	heartbeatFatal    *prometheus.CounterVec
	statePolls        *prometheus.CounterVec
	intakeActions     *prometheus.CounterVec

	dispatchDuration prometheus.Histogram

	sessionState *prometheus.GaugeVec
	clockSkew    prometheus.Gauge
}

// NewCollector creates the collector and registers it with the default registerer.
func NewCollector() *Collector {
	c := &Collector{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "teleop_commands_total",
			Help: "Operator intents dispatched, by outcome",
		}, []string{"intent", "result"}),
		heartbeatFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "teleop_heartbeat_failures_total",
			Help: "Failed lease or estop check-ins",
		}, []string{"supervisor"}),
		heartbeatFatal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "teleop_heartbeat_fatal_total",
			Help: "Heartbeat supervisors stopped by a fatal failure",
		}, []string{"supervisor"}),
		statePolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "teleop_state_polls_total",
			Help: "Robot state fetches, by outcome",
		}, []string{"result"}),
		intakeActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "teleop_intake_actions_total",
			Help: "Actions received by the HTTP intake",
		}, []string{"result"}),
		dispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "teleop_dispatch_duration_seconds",
			Help:    "Time spent executing one intent",
			Buckets: prometheus.DefBuckets,
		}),
		sessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "teleop_session_state",
			Help: "1 for the current session state, 0 otherwise",
		}, []string{"state"}),
		clockSkew: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "teleop_clock_skew_seconds",
			Help: "Estimated robot clock offset from the local clock",
		}),
	}

	prometheus.MustRegister(c.commands)
	prometheus.MustRegister(c.heartbeatFailures)
	prometheus.MustRegister(c.heartbeatFatal)
	prometheus.MustRegister(c.statePolls)
	prometheus.MustRegister(c.intakeActions)
	prometheus.MustRegister(c.dispatchDuration)
	prometheus.MustRegister(c.sessionState)
	prometheus.MustRegister(c.clockSkew)

	return c
}

// RecordCommand counts one dispatched intent and its duration.
func (c *Collector) RecordCommand(intent types.Intent, result string, took time.Duration) {
	if c == nil {
		return
	}
	c.commands.WithLabelValues(string(intent), result).Inc()
	c.dispatchDuration.Observe(took.Seconds())
}

// RecordHeartbeatFailure counts a failed check-in.
func (c *Collector) RecordHeartbeatFailure(supervisor string) {
	if c == nil {
		return
	}
	c.heartbeatFailures.WithLabelValues(supervisor).Inc()
}

// RecordHeartbeatFatal counts a supervisor giving up.
func (c *Collector) RecordHeartbeatFatal(supervisor string) {
	if c == nil {
		return
	}
	c.heartbeatFatal.WithLabelValues(supervisor).Inc()
}

// RecordStatePoll counts one state fetch.
func (c *Collector) RecordStatePoll(ok bool) {
	if c == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	c.statePolls.WithLabelValues(result).Inc()
}

// RecordIntake counts an action offered to the HTTP intake.
func (c *Collector) RecordIntake(accepted bool) {
	if c == nil {
		return
	}
	result := "accepted"
	if !accepted {
		result = "dropped"
	}
	c.intakeActions.WithLabelValues(result).Inc()
}

// SetSessionState marks state as current.
func (c *Collector) SetSessionState(state types.SessionState) {
	if c == nil {
		return
	}
	for _, s := range sessionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		c.sessionState.WithLabelValues(string(s)).Set(v)
	}
}

// SetClockSkew records the latest skew estimate.
func (c *Collector) SetClockSkew(skew time.Duration) {
	if c == nil {
		return
	}
	c.clockSkew.Set(skew.Seconds())
}

// NewServer returns an HTTP server exposing /metrics on addr.
func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
