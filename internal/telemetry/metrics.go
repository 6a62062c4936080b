// Package telemetry owns the node's prometheus registry. Everything it
// tracks is mixer-shaped: rounds, exchanged bytes, the update counter,
// and the four mix RPCs by method and outcome.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()
	factory  = promauto.With(Registry)

	MixRounds = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "jubamix",
		Name:      "mix_rounds_total",
		Help:      "Completed mix rounds.",
	})

	MixFailures = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "jubamix",
		Name:      "mix_failures_total",
		Help:      "Mix rounds aborted by a peer or adapter failure.",
	})

	MixDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: "jubamix",
		Name:      "mix_duration_seconds",
		Help:      "Wall time of one mix round.",
		// a round is a handful of small RPCs; 1ms .. ~4s
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 13),
	})

	PulledBytes = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "jubamix",
		Name:      "mix_pulled_bytes_total",
		Help:      "Diff bytes received from peers.",
	})

	PushedBytes = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "jubamix",
		Name:      "mix_pushed_bytes_total",
		Help:      "Diff bytes sent to peers.",
	})

	UpdateCounter = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "jubamix",
		Name:      "update_counter",
		Help:      "Local model updates since the last mix.",
	})

	rpcServed = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jubamix",
		Name:      "rpc_served_total",
		Help:      "Mix RPCs served, by method and outcome.",
	}, []string{"method", "outcome"})

	rpcDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "jubamix",
		Name:      "rpc_duration_seconds",
		Help:      "Time spent serving one mix RPC.",
		// pull/push hold the model lock, so the tail here is the tail
		// of local lock contention, not of the network
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
	}, []string{"method"})

	buildInfo = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "jubamix",
		Name:      "build_info",
		Help:      "Build info (constant 1, labeled by version and git_sha).",
	}, []string{"version", "git_sha"})

	bootTime = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "jubamix",
		Name:      "boot_time_seconds",
		Help:      "Unix time the process started.",
	})
)

// ObserveRPC records one served mix RPC; err nil counts as ok. Wired as
// the rpc server's observe hook.
func ObserveRPC(method string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	rpcServed.WithLabelValues(method, outcome).Inc()
	rpcDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

// SetBuildInfo pins the version labels and boot time, once at startup.
func SetBuildInfo(version, gitSHA string) {
	buildInfo.WithLabelValues(version, gitSHA).Set(1)
	bootTime.Set(float64(time.Now().Unix()))
}

// Handler serves the registry, mounted on the admin mux as /metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
