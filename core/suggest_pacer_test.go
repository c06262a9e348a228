package core

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQueue struct{ n atomic.Int64 }

func (q *fakeQueue) QueueCount() int64 { return q.n.Load() }

func TestSuggestPacerDefaults(t *testing.T) {
	p := NewSuggestPacer(&fakeQueue{}, nil, 0, -1)
	assert.Equal(t, int64(DefaultPacerHigh), p.high)
	assert.Equal(t, int64(DefaultPacerLow), p.low)

	p = NewSuggestPacer(&fakeQueue{}, nil, 10, 20)
	assert.Equal(t, int64(5), p.low)
}

func TestSuggestPacerWaitsForDrain(t *testing.T) {
	q := &fakeQueue{}
	p := NewSuggestPacer(q, nil, 10, 4)

	q.n.Store(10)
	assert.False(t, p.Blocked())
	require.NoError(t, p.Wait(context.Background()))

	q.n.Store(11)
	require.True(t, p.Blocked())
	done := make(chan error, 1)
	go func() { done <- p.Wait(context.Background()) }()

	q.n.Store(5)
	select {
	case <-done:
		t.Fatal("returned above the low-water mark")
	case <-time.After(3 * pacerPollInterval):
	}

	q.n.Store(4)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("wait did not return after drain")
	}
}

func TestSuggestPacerContext(t *testing.T) {
	q := &fakeQueue{}
	q.n.Store(100)
	p := NewSuggestPacer(q, nil, 10, 4)

	ctx, cancel := context.WithTimeout(context.Background(), pacerPollInterval)
	defer cancel()
	assert.ErrorIs(t, p.Wait(ctx), context.DeadlineExceeded)
}
