// Package telemetry holds the node's Prometheus collectors.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	DatagramsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleet",
			Name:      "datagrams_total",
			Help:      "Datagrams sent and received by the transport gateway.",
		},
		[]string{"direction", "result"},
	)

	DroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleet",
			Name:      "dropped_messages_total",
			Help:      "Inbound messages dropped, by reason.",
		},
		[]string{"reason"},
	)

	PendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fleet",
			Name:      "pending_requests",
			Help:      "Requests waiting for a reply.",
		},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fleet",
			Name:      "request_duration_seconds",
			Help:      "Round-trip time of request/response commands.",
			// 1ms .. ~4s
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 13),
		},
		[]string{"outcome"},
	)

	ElectionRounds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleet",
			Name:      "election_rounds_total",
			Help:      "Election rounds by outcome.",
		},
		[]string{"outcome"},
	)

	IsMaster = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fleet",
			Name:      "is_master",
			Help:      "1 while this node holds mastership.",
		},
	)

	ManagedServers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fleet",
			Name:      "managed_servers",
			Help:      "Game servers registered with this node.",
		},
	)

	BusCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleet",
			Name:      "bus_calls_total",
			Help:      "Service bus deliveries by route and outcome.",
		},
		[]string{"route", "outcome"},
	)

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fleet",
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and hook protocol).",
		},
		[]string{"version", "hook_version"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "fleet",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(DatagramsTotal, DroppedTotal, PendingRequests, RequestDuration,
		ElectionRounds, IsMaster, ManagedServers, BusCalls, buildInfo, uptime)
}

// MetricsHandler exposes the registry in the Prometheus text format.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup.
func SetBuildInfo(version, hookVersion string) {
	buildInfo.WithLabelValues(version, hookVersion).Set(1)
}

// ObserveRequest records one request/response round trip.
func ObserveRequest(outcome string, started time.Time) {
	RequestDuration.WithLabelValues(outcome).Observe(time.Since(started).Seconds())
}

// SetRole flips the is_master gauge.
func SetRole(master bool) {
	if master {
		IsMaster.Set(1)
		return
	}
	IsMaster.Set(0)
}
