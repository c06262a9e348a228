package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateMeterWindow(t *testing.T) {
	rm := NewRateMeter(RateMeterConfig{WindowSize: 2, EMAAlpha: 0.5})
	rm.RecordBlock(1, 1000, 10, time.Second)
	rm.RecordBlock(2, 3000, 30, time.Second)
	rm.RecordBlock(3, 5000, 50, time.Second)

	assert.Equal(t, 2, rm.RecordCount())
	assert.Equal(t, uint64(3), rm.Total())
	gas, txs := rm.WindowRate()
	assert.InDelta(t, 4000, gas, 1e-9)
	assert.InDelta(t, 40, txs, 1e-9)

	// 1000, then 0.5*3000+0.5*1000, then 0.5*5000+0.5*2000.
	assert.InDelta(t, 3500, rm.CurrentRate(), 1e-9)
}

func TestRateMeterZeroElapsed(t *testing.T) {
	rm := NewRateMeter(RateMeterConfig{})
	rm.RecordBlock(0, 0, 0, 0)
	assert.Equal(t, uint64(1), rm.Total())
	assert.Zero(t, rm.CurrentRate())
	gas, txs := rm.WindowRate()
	assert.Zero(t, gas)
	assert.Zero(t, txs)
}

func TestRateMeterReset(t *testing.T) {
	rm := NewRateMeter(DefaultRateMeterConfig())
	rm.RecordBlock(1, 21000, 1, time.Millisecond)
	rm.Reset()
	assert.Zero(t, rm.RecordCount())
	assert.Zero(t, rm.Total())
	assert.Zero(t, rm.CurrentRate())
}

func TestRateMeterDefaults(t *testing.T) {
	rm := NewRateMeter(RateMeterConfig{WindowSize: -1, EMAAlpha: 2})
	assert.Equal(t, DefaultRateMeterConfig(), rm.config)
}
