// Package metrics defines the observability sink injected into the block
// processing pipeline. Components receive a *Metrics value at construction;
// the node builds one backed by Prometheus, tests use NopMetrics.
package metrics

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

// MetricsSubsystem is the subsystem shared by all metrics of this package.
const MetricsSubsystem = "blockchain"

// Metrics contains the counters and gauges exported by the pipeline.
type Metrics struct {
	// Blocks processed, canonical or not.
	Blocks metrics.Counter
	// Transactions executed as part of processed blocks.
	Transactions metrics.Counter
	// Gas processed, in millions.
	Mgas metrics.Counter
	// Chain reorganizations applied to the canonical head.
	Reorganizations metrics.Counter
	// Blocks rejected as invalid.
	BadBlocks metrics.Counter

	ProcessingQueueSize metrics.Gauge
	RecoveryQueueSize   metrics.Gauge

	// Gas used and gas limit of the last processed block.
	GasUsed  metrics.Gauge
	GasLimit metrics.Gauge

	LastBlockProcessingTimeMs metrics.Gauge
	BlockchainHeight          metrics.Gauge
	BestKnownBlockNumber      metrics.Gauge

	// BlockProcessingTime observes seconds spent per block.
	BlockProcessingTime metrics.Histogram

	// Committed state roots evicted by pruning.
	PrunedStateRoots metrics.Counter
}

// PrometheusMetrics builds Metrics on the Prometheus client library and
// registers every collector with reg. Optionally, labels can be provided
// along with their values ("foo", "fooValue").
func PrometheusMetrics(reg stdprometheus.Registerer, namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	counter := func(name, help string) metrics.Counter {
		cv := stdprometheus.NewCounterVec(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      name,
			Help:      help,
		}, labels)
		reg.MustRegister(cv)
		return kitprometheus.NewCounter(cv).With(labelsAndValues...)
	}
	gauge := func(name, help string) metrics.Gauge {
		gv := stdprometheus.NewGaugeVec(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      name,
			Help:      help,
		}, labels)
		reg.MustRegister(gv)
		return kitprometheus.NewGauge(gv).With(labelsAndValues...)
	}
	hv := stdprometheus.NewHistogramVec(stdprometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: MetricsSubsystem,
		Name:      "block_processing_time_seconds",
		Help:      "Time spent processing a single block.",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, labels)
	reg.MustRegister(hv)

	return &Metrics{
		Blocks:                    counter("blocks_total", "Blocks processed."),
		Transactions:              counter("transactions_total", "Transactions processed."),
		Mgas:                      counter("mgas_total", "Million gas processed."),
		Reorganizations:           counter("reorganizations_total", "Chain reorganizations."),
		BadBlocks:                 counter("bad_blocks_total", "Blocks rejected as invalid."),
		ProcessingQueueSize:       gauge("processing_queue_size", "Blocks waiting for processing."),
		RecoveryQueueSize:         gauge("recovery_queue_size", "Blocks waiting for sender recovery."),
		GasUsed:                   gauge("gas_used", "Gas used by the last processed block."),
		GasLimit:                  gauge("gas_limit", "Gas limit of the last processed block."),
		LastBlockProcessingTimeMs: gauge("last_block_processing_time_ms", "Processing time of the last block in milliseconds."),
		BlockchainHeight:          gauge("height", "Number of the canonical head."),
		BestKnownBlockNumber:      gauge("best_known_block_number", "Highest block number known to the block tree."),
		BlockProcessingTime:       kitprometheus.NewHistogram(hv).With(labelsAndValues...),
		PrunedStateRoots:          counter("pruned_state_roots_total", "Committed state roots evicted by pruning."),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Blocks:                    discard.NewCounter(),
		Transactions:              discard.NewCounter(),
		Mgas:                      discard.NewCounter(),
		Reorganizations:           discard.NewCounter(),
		BadBlocks:                 discard.NewCounter(),
		ProcessingQueueSize:       discard.NewGauge(),
		RecoveryQueueSize:         discard.NewGauge(),
		GasUsed:                   discard.NewGauge(),
		GasLimit:                  discard.NewGauge(),
		LastBlockProcessingTimeMs: discard.NewGauge(),
		BlockchainHeight:          discard.NewGauge(),
		BestKnownBlockNumber:      discard.NewGauge(),
		BlockProcessingTime:       discard.NewHistogram(),
		PrunedStateRoots:          discard.NewCounter(),
	}
}
