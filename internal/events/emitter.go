// Package events distributes scheduler events to subscribers and persists
// them to the append-only event log. Persistence is durable; channel
// delivery to subscribers is best-effort and may drop under backpressure.
package events

import (
	"log"
	"sync/atomic"
	"time"

	"github.com/wavemux/wavemux/internal/store"
	"github.com/wavemux/wavemux/pkg/models"
)

// Emitter fans scheduler events out to a bounded subscriber channel after
// writing them to the store.
type Emitter struct {
	store        *store.Store
	events       chan models.Event
	droppedCount atomic.Uint64
}

// NewEmitter creates an emitter with the given subscriber buffer size.
func NewEmitter(st *store.Store, bufferSize int) *Emitter {
	return &Emitter{
		store:  st,
		events: make(chan models.Event, bufferSize),
	}
}

// Emit persists the event and offers it to subscribers. If the channel is
// full it retries briefly, then drops; the persisted row is the record.
func (e *Emitter) Emit(event models.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if e.store != nil {
		if err := e.store.AppendEvent(event); err != nil {
			log.Printf("[events] persist %s: %v", event.Type, err)
		}
	}

	select {
	case e.events <- event:
		return
	default:
	}

	select {
	case e.events <- event:
	case <-time.After(100 * time.Millisecond):
		count := e.droppedCount.Add(1)
		if count%10 == 1 {
			log.Printf("[events] channel full, dropped event (total dropped: %d): type=%s", count, event.Type)
		}
	}
}

// DroppedCount returns how many events subscribers never saw.
func (e *Emitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Events returns the subscriber channel.
func (e *Emitter) Events() <-chan models.Event {
	return e.events
}

// Close closes the subscriber channel. Call only after the last Emit.
func (e *Emitter) Close() {
	close(e.events)
}
