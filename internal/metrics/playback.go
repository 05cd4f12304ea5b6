package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	CursorReads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flowscope_cursor_reads_total",
		Help: "Cursor read calls by operation and outcome",
	}, []string{"op", "outcome"})

	CursorResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flowscope_cursor_results_total",
		Help: "Iterator results returned by cursors, by result type",
	}, []string{"type"})

	PlayerSeeks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flowscope_player_seeks_total",
		Help: "Total number of seeks handled by players",
	})

	BackfillMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flowscope_player_backfill_messages_total",
		Help: "Messages delivered by backfill after a seek",
	})

	EmittedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flowscope_player_emitted_messages_total",
		Help: "Messages emitted to player listeners during playback",
	})

	ReadAheadSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flowscope_player_read_ahead_seconds",
		Help: "Span of data buffered ahead of the playhead",
	})

	PlayerStalls = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flowscope_player_stalls_total",
		Help: "Ticks where the playhead waited for read-ahead to catch up",
	})
)

// ObserveCursorRead records one cursor call. ok is false for cancelled or
// exhausted reads.
func ObserveCursorRead(op string, ok bool, err error) {
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case !ok:
		outcome = "none"
	}
	CursorReads.WithLabelValues(op, outcome).Inc()
}
