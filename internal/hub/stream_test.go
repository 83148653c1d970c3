// ABOUTME: Tests for the context event stream fan-out
// ABOUTME: Covers type filtering, catch-all subscribers, cancellation and slow subscribers

package hub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/XmasRock/multi-agent-conversational-system/internal/store"
)

func entry(id int64, contextType string) *store.ContextEntry {
	return &store.ContextEntry{ID: id, AgentID: "cam-1", ContextType: contextType, Timestamp: time.Now()}
}

func TestStream_TypeAndCatchAllSubscribers(t *testing.T) {
	s := NewStream(nil)
	defer s.Close()
	ctx := t.Context()

	motion, _ := s.Subscribe(ctx, "motion")
	all, _ := s.Subscribe(ctx, "")

	s.Publish(entry(1, "speech"))
	s.Publish(entry(2, "motion"))

	select {
	case e := <-motion:
		assert.Equal(t, int64(2), e.ID)
	case <-time.After(time.Second):
		t.Fatal("motion subscriber timed out")
	}

	for _, want := range []int64{1, 2} {
		select {
		case e := <-all:
			assert.Equal(t, want, e.ID)
		case <-time.After(time.Second):
			t.Fatal("catch-all subscriber timed out")
		}
	}
}

func TestStream_CancelClosesChannel(t *testing.T) {
	s := NewStream(nil)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := s.Subscribe(ctx, "motion")
	assert.Equal(t, 1, s.Subscribers())

	cancel()
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, s.Subscribers())
}

func TestStream_SlowSubscriberDoesNotBlock(t *testing.T) {
	s := NewStream(nil)
	defer s.Close()

	_, _ = s.Subscribe(t.Context(), "motion")

	done := make(chan struct{})
	go func() {
		for i := range streamBufferSize * 2 {
			s.Publish(entry(int64(i), "motion"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestStream_SubscribeAfterClose(t *testing.T) {
	s := NewStream(nil)
	s.Close()

	ch, _ := s.Subscribe(t.Context(), "")
	_, ok := <-ch
	assert.False(t, ok)
}
