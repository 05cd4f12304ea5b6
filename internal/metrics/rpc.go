package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	RPCCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flowscope_rpc_calls_total",
		Help: "Worker RPC calls by method and outcome",
	}, []string{"method", "outcome"})

	RPCLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flowscope_rpc_call_duration_seconds",
		Help:    "Round trip latency of worker RPC calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	RPCPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flowscope_rpc_pending_calls",
		Help: "Calls waiting for a response",
	})

	RPCAborts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flowscope_rpc_aborts_total",
		Help: "Abort envelopes sent for cancelled calls",
	})

	RPCTransferBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flowscope_rpc_transfer_bytes_total",
		Help: "Bytes moved in transfer buffers",
	})
)

// ObserveCall records a finished client call.
func ObserveCall(method, outcome string, elapsed time.Duration) {
	RPCCalls.WithLabelValues(method, outcome).Inc()
	RPCLatency.WithLabelValues(method).Observe(elapsed.Seconds())
}
