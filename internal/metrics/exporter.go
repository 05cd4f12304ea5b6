package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/withobsrvr/flowscope/internal/utils/logger"
)

func init() {
	prometheus.MustRegister(CursorReads, CursorResults, PlayerSeeks, BackfillMessages, EmittedMessages, ReadAheadSeconds, PlayerStalls)
	prometheus.MustRegister(RPCCalls, RPCLatency, RPCPending, RPCAborts, RPCTransferBytes)
}

// StartServer exposes /metrics on addr in the background. The returned server
// can be shut down by the caller.
func StartServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Info("Prometheus exporter listening", zap.String("address", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	return srv
}
