package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kernelkeeper"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	kernelStarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kernel",
			Name:      "starts_total",
			Help:      "Number of successful kernel starts.",
		},
	)
	kernelStops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kernel",
			Name:      "stops_total",
			Help:      "Number of supervisor-initiated kernel stops.",
		},
	)
	kernelCrashes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kernel",
			Name:      "crashes_total",
			Help:      "Number of unexpected kernel exits.",
		},
	)
	kernelStartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "kernel",
			Name:      "start_duration_seconds",
			Help:      "Time from spawn until the kernel is considered running.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kernel",
			Name:      "state_transitions_total",
			Help:      "Number of kernel state transitions.",
		}, []string{"from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "kernel",
			Name:      "current_state",
			Help:      "Current kernel state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)
	kernelRSS = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "kernel",
			Name:      "resident_memory_bytes",
			Help:      "Resident memory of the kernel process at the last detailed status query.",
		},
	)

	relayForwarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "forwarded_total",
			Help:      "Events emitted to the sink per topic.",
		}, []string{"topic"},
	)
	relayDecodeSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "decode_skipped_total",
			Help:      "Inbound messages dropped because they were not valid JSON.",
		}, []string{"topic"},
	)
	relayEmitFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "emit_failures_total",
			Help:      "Emissions the sink rejected.",
		}, []string{"topic"},
	)
	relayChannelEnds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "channel_terminations_total",
			Help:      "Relay channel terminations by final state.",
		}, []string{"topic", "state"},
	)

	acquireDownloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "acquire",
			Name:      "downloads_total",
			Help:      "Kernel acquisition attempts by result.",
		}, []string{"result"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		kernelStarts, kernelStops, kernelCrashes, kernelStartDuration, stateTransitions, currentStates, kernelRSS,
		relayForwarded, relayDecodeSkipped, relayEmitFailures, relayChannelEnds,
		acquireDownloads,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// already registered with the default registry: keep the existing one
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart() {
	if regOK.Load() {
		kernelStarts.Inc()
	}
}
func IncStop() {
	if regOK.Load() {
		kernelStops.Inc()
	}
}
func IncCrash() {
	if regOK.Load() {
		kernelCrashes.Inc()
	}
}
func ObserveStartDuration(seconds float64) {
	if regOK.Load() {
		kernelStartDuration.Observe(seconds)
	}
}

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
	}
}

func SetCurrentState(state string, active bool) {
	if regOK.Load() {
		var value float64
		if active {
			value = 1
		}
		currentStates.WithLabelValues(state).Set(value)
	}
}

func SetKernelRSS(bytes uint64) {
	if regOK.Load() {
		kernelRSS.Set(float64(bytes))
	}
}

func IncRelayForwarded(topic string) {
	if regOK.Load() {
		relayForwarded.WithLabelValues(topic).Inc()
	}
}
func IncRelayDecodeSkipped(topic string) {
	if regOK.Load() {
		relayDecodeSkipped.WithLabelValues(topic).Inc()
	}
}
func IncRelayEmitFailure(topic string) {
	if regOK.Load() {
		relayEmitFailures.WithLabelValues(topic).Inc()
	}
}
func IncRelayChannelEnd(topic, state string) {
	if regOK.Load() {
		relayChannelEnds.WithLabelValues(topic, state).Inc()
	}
}

func IncAcquire(result string) {
	if regOK.Load() {
		acquireDownloads.WithLabelValues(result).Inc()
	}
}
