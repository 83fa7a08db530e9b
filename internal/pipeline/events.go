package pipeline

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mangalm/invoice-ingest/internal/domain"
	"github.com/mangalm/invoice-ingest/internal/logger"
)

// EventType identifies a pipeline event.
type EventType string

const (
	// EventChunkProgress is emitted after every chunk outcome.
	EventChunkProgress EventType = "chunk_progress"
	// EventJobCompleted carries the final totals of a finalized job,
	// including partial completions.
	EventJobCompleted EventType = "job_completed"
	// EventJobFailed reports an orchestration-level failure (no chunks).
	EventJobFailed EventType = "job_failed"
	// EventThroughputDegraded is an advisory signal for external monitoring.
	EventThroughputDegraded EventType = "throughput_degraded"
)

// Event is one pipeline notification. Delivery to subscribers is unordered
// across publishers and at-least-once for subscribers that keep up with
// their buffer.
type Event struct {
	Type            EventType         `json:"type"`
	JobID           string            `json:"upload_id"`
	ChunkID         string            `json:"chunk_id,omitempty"`
	CurrentChunk    int               `json:"current_chunk,omitempty"`
	TotalChunks     int               `json:"total_chunks,omitempty"`
	PercentComplete float64           `json:"percent_complete,omitempty"`
	Rows            int               `json:"rows,omitempty"`
	Throughput      float64           `json:"throughput,omitempty"`
	Job             *domain.UploadJob `json:"job,omitempty"`
	Error           string            `json:"error,omitempty"`
	Timestamp       time.Time         `json:"timestamp"`
}

// Broker fans pipeline events out to subscribers. Progress consumers are
// advisory: a subscriber that stops draining loses events rather than
// stalling workers.
type Broker struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	closed  bool
	dropped int64
	log     *logger.Logger
}

// NewBroker creates an event broker.
func NewBroker(log *logger.Logger) *Broker {
	return &Broker{
		subs: make(map[int]chan Event),
		log:  log,
	}
}

// Subscribe registers a consumer with the given buffer size and returns its
// channel plus an unsubscribe func. The channel is closed on unsubscribe or
// broker shutdown.
func (b *Broker) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	b.nextID++
	id := b.nextID
	ch := make(chan Event, buffer)
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

// Publish delivers the event to every subscriber without blocking the
// pipeline. Full buffers drop the event for that subscriber.
func (b *Broker) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			atomic.AddInt64(&b.dropped, 1)
		}
	}
}

// Dropped returns the number of events lost to slow subscribers.
func (b *Broker) Dropped() int64 {
	return atomic.LoadInt64(&b.dropped)
}

// Close shuts the broker down and closes every subscriber channel.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
