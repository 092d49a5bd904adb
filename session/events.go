package session

import (
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"signik/models"
	"signik/protocol"
)

// EventType identifies session updates.
type EventType string

const (
	// EventConnectionRequested is emitted when another device asks to pair.
	EventConnectionRequested EventType = "connection_requested"
	// EventConnectionStatusUpdated is emitted when a tracked connection changes status.
	EventConnectionStatusUpdated EventType = "connection_status_updated"
	// EventConnectionRemoved is emitted when the broker removes a connection.
	EventConnectionRemoved EventType = "connection_removed"
	// EventMessageReceived carries any envelope not handled by the session.
	EventMessageReceived EventType = "message_received"
	// EventBinaryReceived carries an inbound binary frame.
	EventBinaryReceived EventType = "binary_received"
	// EventRefreshCompleted is emitted after every refresh cycle.
	EventRefreshCompleted EventType = "refresh_completed"
	// EventHeartbeatCompleted is emitted after every heartbeat cycle.
	EventHeartbeatCompleted EventType = "heartbeat_completed"
	// EventSessionClosed is always the last event of a session.
	EventSessionClosed EventType = "session_closed"
)

// Event is one session update. Which fields are set depends on Type. All values are
// copies owned by the receiver.
type Event struct {
	Type EventType

	// Connection is set for requested and status-updated events.
	Connection models.Connection
	// ConnectionID is set for connection events.
	ConnectionID string

	Envelope protocol.Envelope
	Raw      json.RawMessage
	Binary   []byte

	Snapshot Snapshot
	// OK reports the heartbeat outcome.
	OK bool
	// Err is the failure behind a refresh, heartbeat or session close. It is nil when the
	// session was closed by its holder.
	Err error
}

// Handler receives session events. Handlers are never called concurrently with each
// other.
type Handler func(Event)

// bus delivers events to subscribers from a single goroutine, in publish order.
type bus struct {
	log     zerolog.Logger
	metrics *Metrics

	queue chan Event
	final chan Event
	done  chan struct{}

	finishOnce sync.Once
	finished   atomic.Bool

	mu       sync.RWMutex
	handlers map[int]Handler
	nextID   int
}

func newBus(size int, logger zerolog.Logger, metrics *Metrics) *bus {
	b := &bus{
		log:      logger,
		metrics:  metrics,
		queue:    make(chan Event, size),
		final:    make(chan Event, 1),
		done:     make(chan struct{}),
		handlers: make(map[int]Handler),
	}
	go b.run()
	return b
}

func (b *bus) subscribe(handler Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = handler
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

// publish never blocks. Events published after finish, or while the queue is full, are
// dropped.
func (b *bus) publish(event Event) bool {
	if b.finished.Load() {
		return false
	}
	select {
	case b.queue <- event:
		return true
	default:
		b.metrics.eventsDropped.Inc()
		b.log.Warn().Str("event", string(event.Type)).Msg("event queue full, dropping event")
		return false
	}
}

// finish queues the last event. Everything already queued is delivered first.
func (b *bus) finish(event Event) {
	b.finishOnce.Do(func() {
		b.finished.Store(true)
		b.final <- event
	})
}

func (b *bus) run() {
	defer close(b.done)

	for {
		select {
		case event := <-b.queue:
			b.deliver(event)
		case last := <-b.final:
			for {
				select {
				case event := <-b.queue:
					b.deliver(event)
				default:
					b.deliver(last)
					return
				}
			}
		}
	}
}

func (b *bus) deliver(event Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	ids := make([]int, 0, len(b.handlers))
	for id := range b.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		handlers = append(handlers, b.handlers[id])
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		b.call(handler, event)
	}
	b.metrics.events.WithLabelValues(string(event.Type)).Inc()
}

func (b *bus) call(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Interface("panic", r).Str("event", string(event.Type)).Msg("event handler panicked")
		}
	}()
	handler(event)
}
