package node

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eth2030/blockpipe/log"
)

type recordingService struct {
	name     string
	startErr error
	stopErr  error
	trail    *[]string
}

func (s *recordingService) Name() string { return s.name }

func (s *recordingService) Start(context.Context) error {
	if s.startErr != nil {
		return s.startErr
	}
	*s.trail = append(*s.trail, "start "+s.name)
	return nil
}

func (s *recordingService) Stop(context.Context) error {
	*s.trail = append(*s.trail, "stop "+s.name)
	return s.stopErr
}

func TestLifecycleOrdering(t *testing.T) {
	var trail []string
	lm := NewLifecycleManager(log.NewNop())
	require.NoError(t, lm.Register(&recordingService{name: "b", trail: &trail}, 2))
	require.NoError(t, lm.Register(&recordingService{name: "a", trail: &trail}, 1))
	require.NoError(t, lm.Register(&recordingService{name: "c", trail: &trail}, 3))

	require.NoError(t, lm.StartAll(context.Background()))
	assert.Equal(t, 3, lm.RunningCount())
	require.NoError(t, lm.StopAll(context.Background()))

	assert.Equal(t, []string{"start a", "start b", "start c", "stop c", "stop b", "stop a"}, trail)
	state, err := lm.State("b")
	require.NoError(t, err)
	assert.Equal(t, StateStopped, state)
}

func TestLifecycleDuplicateName(t *testing.T) {
	lm := NewLifecycleManager(log.NewNop())
	var trail []string
	require.NoError(t, lm.Register(&recordingService{name: "a", trail: &trail}, 1))
	assert.Error(t, lm.Register(&recordingService{name: "a", trail: &trail}, 2))
}

func TestLifecycleStartFailureRollsBack(t *testing.T) {
	var trail []string
	boom := errors.New("boom")
	lm := NewLifecycleManager(log.NewNop())
	require.NoError(t, lm.Register(&recordingService{name: "a", trail: &trail}, 1))
	require.NoError(t, lm.Register(&recordingService{name: "b", trail: &trail, startErr: boom}, 2))
	require.NoError(t, lm.Register(&recordingService{name: "c", trail: &trail}, 3))

	err := lm.StartAll(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"start a", "stop a"}, trail)
	assert.Zero(t, lm.RunningCount())

	state, serr := lm.State("b")
	assert.Equal(t, StateFailed, state)
	assert.ErrorIs(t, serr, boom)
	state, _ = lm.State("c")
	assert.Equal(t, StateCreated, state)
}

func TestLifecycleStopErrorsCombined(t *testing.T) {
	var trail []string
	e1, e2 := errors.New("one"), errors.New("two")
	lm := NewLifecycleManager(log.NewNop())
	require.NoError(t, lm.Register(&recordingService{name: "a", trail: &trail, stopErr: e1}, 1))
	require.NoError(t, lm.Register(&recordingService{name: "b", trail: &trail, stopErr: e2}, 2))
	require.NoError(t, lm.StartAll(context.Background()))

	err := lm.StopAll(context.Background())
	assert.ErrorIs(t, err, e1)
	assert.ErrorIs(t, err, e2)
}

func TestLifecycleUnknownService(t *testing.T) {
	lm := NewLifecycleManager(log.NewNop())
	_, err := lm.State("missing")
	assert.Error(t, err)
}
