// ABOUTME: In-memory fan-out of session events to subscribers keyed by session id
// ABOUTME: Publish never blocks the transport event goroutine; slow subscribers lose events

package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	// AllSessions subscribes to events from every session.
	AllSessions = "*"
)

// Broadcaster provides in-memory pub/sub for session events.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Event // sessionID -> subID -> ch
	closed      bool
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan Event),
		logger:      logger.With("component", "events"),
	}
}

// Subscribe registers a subscriber for events of the given session, or of
// every session when sessionID is AllSessions. The subscription is removed
// when ctx is cancelled. Subscribing to a closed broadcaster returns a
// closed channel.
func (b *Broadcaster) Subscribe(ctx context.Context, sessionID string) (<-chan Event, string) {
	subID := uuid.New().String()
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := b.subscribers[sessionID]; !ok {
		b.subscribers[sessionID] = make(map[string]chan Event)
	}
	b.subscribers[sessionID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "session_id", sessionID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(sessionID, subID)
	}()

	return ch, subID
}

// Publish sends an event to the subscribers of sessionID and to AllSessions
// subscribers. Non-blocking: events are dropped for subscribers whose
// channels are full.
func (b *Broadcaster) Publish(sessionID string, event Event) {
	if event.SessionID == "" {
		event.SessionID = sessionID
	}

	// Sends happen under the read lock; channels are only closed under the write lock.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, key := range []string{sessionID, AllSessions} {
		for subID, ch := range b.subscribers[key] {
			select {
			case ch <- event:
			default:
				b.logger.Debug("dropped event for slow subscriber",
					"session_id", sessionID,
					"sub_id", subID,
					"kind", event.Kind)
			}
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(sessionID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[sessionID]
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
		delete(b.subscribers, sessionID)
	}

	b.logger.Debug("subscriber removed", "session_id", sessionID, "sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for key, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, key)
	}

	b.logger.Debug("broadcaster closed")
}
