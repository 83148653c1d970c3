// ABOUTME: In-memory fan-out of published context entries for HTTP event streams
// ABOUTME: Subscribers follow one context type or all of them; slow subscribers miss entries

package hub

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/XmasRock/multi-agent-conversational-system/internal/store"
)

const (
	// streamBufferSize is the channel buffer for each stream subscriber.
	streamBufferSize = 64

	// allTypes is the topic of subscribers that want every context type.
	allTypes = "*"
)

// Stream publishes context entries to server-sent event subscribers.
type Stream struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *store.ContextEntry // topic -> subID -> ch
	closed      bool
	logger      *slog.Logger
}

// NewStream creates a stream. Pass nil logger for default.
func NewStream(logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{
		subscribers: make(map[string]map[string]chan *store.ContextEntry),
		logger:      logger.With("component", "stream"),
	}
}

// Subscribe registers for entries of contextType, or of every type when
// contextType is empty. The subscription ends when ctx is cancelled, which
// closes the returned channel.
func (s *Stream) Subscribe(ctx context.Context, contextType string) (<-chan *store.ContextEntry, string) {
	topic := contextType
	if topic == "" {
		topic = allTypes
	}
	subID := uuid.New().String()
	ch := make(chan *store.ContextEntry, streamBufferSize)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := s.subscribers[topic]; !ok {
		s.subscribers[topic] = make(map[string]chan *store.ContextEntry)
	}
	s.subscribers[topic][subID] = ch
	s.mu.Unlock()

	s.logger.Debug("stream subscriber added", "topic", topic, "sub_id", subID)

	go func() {
		<-ctx.Done()
		s.Unsubscribe(topic, subID)
	}()

	return ch, subID
}

// Publish delivers entry to subscribers of its type and of all types.
// It never blocks.
func (s *Stream) Publish(entry *store.ContextEntry) {
	s.mu.RLock()
	var targets []chan *store.ContextEntry
	for _, topic := range []string{entry.ContextType, allTypes} {
		for _, ch := range s.subscribers[topic] {
			targets = append(targets, ch)
		}
	}
	// Sends happen under the read lock so Unsubscribe cannot close a
	// channel mid-send; they are non-blocking.
	for _, ch := range targets {
		select {
		case ch <- entry:
		default:
			s.logger.Debug("dropped entry for slow stream subscriber",
				"context_type", entry.ContextType,
				"id", entry.ID)
		}
	}
	s.mu.RUnlock()
}

// Unsubscribe removes a subscription and closes its channel.
func (s *Stream) Unsubscribe(topic, subID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs, ok := s.subscribers[topic]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}
	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(s.subscribers, topic)
	}

	s.logger.Debug("stream subscriber removed", "topic", topic, "sub_id", subID)
}

// Subscribers returns the number of open subscriptions.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, subs := range s.subscribers {
		n += len(subs)
	}
	return n
}

// Close ends every subscription.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for topic, subs := range s.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(s.subscribers, topic)
	}
	s.closed = true
}
