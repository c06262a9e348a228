package core

import (
	"sync"
	"time"
)

// RateMeterConfig configures a RateMeter.
type RateMeterConfig struct {
	// WindowSize is the number of blocks in the sliding window.
	WindowSize int
	// EMAAlpha is the smoothing factor for EMA (0 < alpha <= 1). Higher
	// puts more weight on recent blocks.
	EMAAlpha float64
}

// DefaultRateMeterConfig returns the default rate meter configuration.
func DefaultRateMeterConfig() RateMeterConfig {
	return RateMeterConfig{
		WindowSize: 64,
		EMAAlpha:   0.1,
	}
}

type blockRecord struct {
	number  uint64
	gasUsed uint64
	txs     int
	elapsed time.Duration
}

// RateMeter tracks processing throughput over the last processed blocks.
// Rates are measured against time spent processing, not block timestamps.
type RateMeter struct {
	mu      sync.Mutex
	config  RateMeterConfig
	records []blockRecord
	emaRate float64 // gas/sec
	total   uint64  // blocks recorded since creation or Reset
}

// NewRateMeter creates a rate meter. Invalid settings fall back to the
// defaults.
func NewRateMeter(config RateMeterConfig) *RateMeter {
	def := DefaultRateMeterConfig()
	if config.WindowSize <= 0 {
		config.WindowSize = def.WindowSize
	}
	if config.EMAAlpha <= 0 || config.EMAAlpha > 1 {
		config.EMAAlpha = def.EMAAlpha
	}
	return &RateMeter{
		config:  config,
		records: make([]blockRecord, 0, config.WindowSize),
	}
}

// RecordBlock adds one processed block.
func (rm *RateMeter) RecordBlock(number, gasUsed uint64, txs int, elapsed time.Duration) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.records = append(rm.records, blockRecord{number: number, gasUsed: gasUsed, txs: txs, elapsed: elapsed})
	if len(rm.records) > rm.config.WindowSize {
		rm.records = rm.records[len(rm.records)-rm.config.WindowSize:]
	}
	rm.total++

	if elapsed <= 0 {
		return
	}
	instant := float64(gasUsed) / elapsed.Seconds()
	if rm.emaRate == 0 {
		rm.emaRate = instant
	} else {
		rm.emaRate = rm.config.EMAAlpha*instant + (1-rm.config.EMAAlpha)*rm.emaRate
	}
}

// CurrentRate returns the EMA-smoothed gas rate in gas/sec.
func (rm *RateMeter) CurrentRate() float64 {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.emaRate
}

// WindowRate returns gas and transactions per second over the window.
func (rm *RateMeter) WindowRate() (gasPerSec, txPerSec float64) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	var (
		gas     uint64
		txs     int
		elapsed time.Duration
	)
	for _, r := range rm.records {
		gas += r.gasUsed
		txs += r.txs
		elapsed += r.elapsed
	}
	if elapsed <= 0 {
		return 0, 0
	}
	secs := elapsed.Seconds()
	return float64(gas) / secs, float64(txs) / secs
}

// RecordCount returns the number of blocks in the window.
func (rm *RateMeter) RecordCount() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.records)
}

// Total returns the number of blocks recorded overall.
func (rm *RateMeter) Total() uint64 {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.total
}

// Reset clears all recorded blocks.
func (rm *RateMeter) Reset() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.records = rm.records[:0]
	rm.emaRate = 0
	rm.total = 0
}
