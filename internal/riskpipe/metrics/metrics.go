package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ---- fetch ----

var (
	LogsFetched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "riskpipe",
		Subsystem: "fetch",
		Name:      "logs_total",
		Help:      "Total raw logs returned by the node.",
	})

	FetchRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "riskpipe",
		Subsystem: "fetch",
		Name:      "retries_total",
		Help:      "Chunk fetch attempts that failed and were retried.",
	})

	FetchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "riskpipe",
		Subsystem: "fetch",
		Name:      "failures_total",
		Help:      "Chunks that exhausted the retry budget.",
	})

	ChunksFetched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "riskpipe",
		Subsystem: "fetch",
		Name:      "chunks_total",
		Help:      "Log query chunks completed.",
	})
)

// ---- decode / dedup ----

var (
	EventsDecoded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "riskpipe",
		Subsystem: "decode",
		Name:      "events_total",
		Help:      "Decoded events by kind.",
	}, []string{"kind"})

	DecodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "riskpipe",
		Subsystem: "decode",
		Name:      "errors_total",
		Help:      "Recognized topics whose payload failed shape validation. A rising rate means a schema mismatch.",
	})

	DuplicatesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "riskpipe",
		Subsystem: "decode",
		Name:      "duplicates_total",
		Help:      "Logs skipped because their (txHash, logIndex) key was already processed.",
	})
)

// ---- pricing ----

var (
	OracleReads = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "riskpipe",
		Subsystem: "oracle",
		Name:      "reads_total",
		Help:      "latestRoundData calls issued.",
	})

	StalePrices = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "riskpipe",
		Subsystem: "oracle",
		Name:      "stale_total",
		Help:      "Price lookups answered with a round older than the freshness threshold.",
	})

	FallbackPrices = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "riskpipe",
		Subsystem: "oracle",
		Name:      "fallback_total",
		Help:      "Price lookups served from the configured fallback price.",
	})
)

// ---- windows / snapshots ----

var (
	WindowsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "riskpipe",
		Subsystem: "window",
		Name:      "closed_total",
		Help:      "Hourly windows closed (including synthesized empty hours).",
	})

	SnapshotsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "riskpipe",
		Subsystem: "snapshot",
		Name:      "emitted_total",
		Help:      "Risk snapshots written, by sink.",
	}, []string{"sink"})

	CursorBlock = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "riskpipe",
		Subsystem: "cursor",
		Name:      "block",
		Help:      "Last committed block number.",
	})
)
