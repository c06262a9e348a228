package core

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/event"
)

const (
	DefaultPacerHigh = 4000
	DefaultPacerLow  = DefaultPacerHigh / 2

	pacerPollInterval = 50 * time.Millisecond
)

// queueCounter reports how many suggested blocks are still waiting.
type queueCounter interface {
	QueueCount() int64
}

// headSubscriber notifies about canonical head moves.
type headSubscriber interface {
	SubscribeNewHead(ch chan<- NewHeadBlockEvent) event.Subscription
}

// SuggestPacer throttles bulk suggestion. Once more than high blocks are
// queued it blocks callers until the queue drains to low.
type SuggestPacer struct {
	queue queueCounter
	heads headSubscriber
	high  int64
	low   int64
}

// NewSuggestPacer creates a pacer. heads may be nil, in which case the
// queue is polled only.
func NewSuggestPacer(queue queueCounter, heads headSubscriber, high, low int64) *SuggestPacer {
	if high <= 0 {
		high = DefaultPacerHigh
	}
	if low < 0 || low >= high {
		low = high / 2
	}
	return &SuggestPacer{queue: queue, heads: heads, high: high, low: low}
}

// Blocked reports whether a caller of Wait would have to wait.
func (p *SuggestPacer) Blocked() bool {
	return p.queue.QueueCount() > p.high
}

// Wait returns immediately below the high-water mark, otherwise once the
// queue is at or below the low-water mark or ctx is done.
func (p *SuggestPacer) Wait(ctx context.Context) error {
	if !p.Blocked() {
		return nil
	}
	var heads chan NewHeadBlockEvent
	if p.heads != nil {
		heads = make(chan NewHeadBlockEvent, 16)
		sub := p.heads.SubscribeNewHead(heads)
		defer sub.Unsubscribe()
	}
	ticker := time.NewTicker(pacerPollInterval)
	defer ticker.Stop()
	for p.queue.QueueCount() > p.low {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-heads:
		case <-ticker.C:
		}
	}
	return nil
}
