// Package events provides the object-change event emitter. Delivery is
// at-least-once, best-effort: publishing never blocks the caller and never
// fails the surrounding transaction; the webhook transport consuming the
// subscription is an external collaborator.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/SEESAI/supabase-storage/internal/metrics"
)

// Event types.
const (
	// ObjectCreatedPost is emitted for brand-new objects from post-style
	// submissions.
	ObjectCreatedPost = "ObjectCreated:Post"
	// ObjectCreatedPut is emitted for brand-new objects from put-style
	// submissions.
	ObjectCreatedPut = "ObjectCreated:Put"
	// ObjectUpdated is emitted for upserts replacing an existing object.
	ObjectUpdated = "ObjectUpdated:Put"
	// ObjectRemoved is emitted for administrative deletes.
	ObjectRemoved = "ObjectRemoved:Delete"
)

// Event is one object-change notification.
type Event struct {
	Type          string    `json:"type"`
	Tenant        string    `json:"tenant"`
	Bucket        string    `json:"bucket"`
	Name          string    `json:"name"`
	Version       string    `json:"version"`
	CorrelationID string    `json:"correlationId"`
	At            time.Time `json:"at"`
}

// Emitter fans events out to subscribers.
type Emitter struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
}

// NewEmitter creates an event emitter.
func NewEmitter() *Emitter {
	return &Emitter{
		subscribers: make(map[chan Event]struct{}),
	}
}

// Subscribe adds a subscriber and returns its event channel. The caller
// must call Unsubscribe when done.
func (e *Emitter) Subscribe() chan Event {
	ch := make(chan Event, 64)
	e.mu.Lock()
	e.subscribers[ch] = struct{}{}
	e.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (e *Emitter) Unsubscribe(ch chan Event) {
	e.mu.Lock()
	delete(e.subscribers, ch)
	close(ch)
	e.mu.Unlock()
}

// Publish sends an event to all subscribers. Non-blocking: events are
// dropped for slow consumers rather than stalling the publisher.
func (e *Emitter) Publish(event Event) {
	if event.At.IsZero() {
		event.At = time.Now()
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	for ch := range e.subscribers {
		select {
		case ch <- event:
		default:
			// Drop for slow consumer
		}
	}
	metrics.RecordEventPublished(event.Type)
}

// Count returns the current number of subscribers.
func (e *Emitter) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subscribers)
}

// MarshalEvent serializes an event to JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
