package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collectingSink struct {
	mu      sync.Mutex
	batches [][]Event
	err     error
	closed  bool
}

func (s *collectingSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *collectingSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *collectingSink) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func validEvent(stage Stage) Event {
	return Event{TS: time.Now().UTC(), Stage: stage, Host: "example.com", Note: "fetch:example.com"}
}

func TestHubDeliversBatches(t *testing.T) {
	t.Parallel()

	sink := &collectingSink{}
	hub := NewHub(Config{MaxWait: 10 * time.Millisecond}, sink)

	for i := 0; i < 5; i++ {
		hub.Emit(validEvent(StageFetchDone))
	}

	require.Eventually(t, func() bool {
		return sink.total() == 5
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, hub.Close(context.Background()))
	assert.True(t, sink.closed)
}

func TestHubFlushesOnMaxBatch(t *testing.T) {
	t.Parallel()

	sink := &collectingSink{}
	hub := NewHub(Config{MaxBatch: 2, MaxWait: time.Hour}, sink)

	hub.Emit(validEvent(StageCacheHit))
	hub.Emit(validEvent(StageCacheHit))

	require.Eventually(t, func() bool {
		return sink.total() == 2
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, hub.Close(context.Background()))
}

func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := &collectingSink{}
	hub := NewHub(Config{MaxWait: 10 * time.Millisecond}, sink)

	// Missing timestamp and missing host for fetch events are rejected.
	hub.Emit(Event{Stage: StageCacheHit})
	hub.Emit(Event{TS: time.Now(), Stage: StageFetchDone})
	hub.Emit(validEvent(StagePipelineDone))

	require.NoError(t, hub.Close(context.Background()))
	assert.Equal(t, 1, sink.total())
}

func TestHubCloseDrainsPending(t *testing.T) {
	t.Parallel()

	sink := &collectingSink{}
	hub := NewHub(Config{MaxWait: time.Hour}, sink)

	for i := 0; i < 10; i++ {
		hub.Emit(validEvent(StagePipelineStart))
	}
	require.NoError(t, hub.Close(context.Background()))
	assert.Equal(t, 10, sink.total())

	// Emits after close are ignored.
	hub.Emit(validEvent(StagePipelineStart))
	assert.Equal(t, 10, sink.total())
}

func TestHubSinkFailureDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	failing := &collectingSink{err: errors.New("sink down")}
	healthy := &collectingSink{}
	hub := NewHub(Config{MaxWait: 10 * time.Millisecond}, failing, healthy)

	hub.Emit(validEvent(StageBudgetWarn))
	require.NoError(t, hub.Close(context.Background()))
	assert.Equal(t, 1, healthy.total())
}

func TestNilHubEmitIsSafe(t *testing.T) {
	t.Parallel()

	var hub *Hub
	hub.Emit(validEvent(StageCacheHit))
	require.NoError(t, hub.Close(context.Background()))
}
