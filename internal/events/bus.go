package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// HandlerFunc is a function that handles an event.
type HandlerFunc func(ctx context.Context, event Event) error

// EventBus is an in-process publish-subscribe hub. The network layer emits
// decoded peer traffic on it; telemetry, storage and the session tracker
// subscribe.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]handlerEntry
	stopCh   chan struct{}
	stopped  bool
	wg       sync.WaitGroup
	dropped  atomic.Uint64
}

type handlerEntry struct {
	name    string
	handler HandlerFunc
	queue   chan queuedEvent // nil for concurrent delivery
}

type queuedEvent struct {
	ctx   context.Context
	entry handlerEntry
	event Event
}

// DefaultQueueDepth is the backlog an ordered subscriber may build up before
// events are dropped.
const DefaultQueueDepth = 1024

// NewEventBus creates a new EventBus instance.
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]handlerEntry),
		stopCh:   make(chan struct{}),
	}
}

// Subscribe registers a handler function for a specific event type.
// The name parameter is used for logging and for Unsubscribe.
func (eb *EventBus) Subscribe(eventType EventType, name string, handler HandlerFunc) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.handlers[eventType] = append(eb.handlers[eventType], handlerEntry{
		name:    name,
		handler: handler,
	})

	log.Debug().
		Str("event", string(eventType)).
		Str("handler", name).
		Msg("subscribed to event")
}

// SubscribeOrdered registers handlers for several event types that share one
// FIFO queue and one goroutine, so the subscriber sees those events one at a
// time in emit order. When the queue is full further events are dropped and
// counted rather than stalling the emitter. The goroutine exits on Stop after
// draining what is queued.
func (eb *EventBus) SubscribeOrdered(name string, depth int, handlers map[EventType]HandlerFunc) {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	queue := make(chan queuedEvent, depth)

	eb.mu.Lock()
	for eventType, handler := range handlers {
		eb.handlers[eventType] = append(eb.handlers[eventType], handlerEntry{
			name:    name,
			handler: handler,
			queue:   queue,
		})
	}
	eb.wg.Add(1)
	eb.mu.Unlock()

	go eb.drain(queue)

	log.Debug().
		Str("handler", name).
		Int("events", len(handlers)).
		Int("depth", depth).
		Msg("ordered subscriber registered")
}

func (eb *EventBus) drain(queue chan queuedEvent) {
	defer eb.wg.Done()
	for {
		select {
		case q := <-queue:
			eb.invoke(q.ctx, q.entry, q.event)
		case <-eb.stopCh:
			for {
				select {
				case q := <-queue:
					eb.invoke(q.ctx, q.entry, q.event)
				default:
					return
				}
			}
		}
	}
}

// Dropped returns how many events ordered subscribers lost to a full queue.
func (eb *EventBus) Dropped() uint64 {
	return eb.dropped.Load()
}

// Unsubscribe removes a named handler from a specific event type.
func (eb *EventBus) Unsubscribe(eventType EventType, name string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	handlers, exists := eb.handlers[eventType]
	if !exists {
		return
	}

	filtered := make([]handlerEntry, 0, len(handlers))
	for _, h := range handlers {
		if h.name != name {
			filtered = append(filtered, h)
		}
	}
	eb.handlers[eventType] = filtered

	log.Debug().
		Str("event", string(eventType)).
		Str("handler", name).
		Msg("unsubscribed from event")
}

// Emit publishes an event to all subscribed handlers asynchronously.
// Each handler runs in its own goroutine so a slow subscriber never stalls
// the receive loop that emitted the event.
func (eb *EventBus) Emit(ctx context.Context, event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.stopped {
		return
	}

	handlers := eb.handlers[event.Type]
	if len(handlers) == 0 {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	log.Trace().
		Str("event", string(event.Type)).
		Str("source", event.Source).
		Int("handlers", len(handlers)).
		Msg("emitting event")

	for _, h := range handlers {
		if h.queue != nil {
			select {
			case h.queue <- queuedEvent{ctx: ctx, entry: h, event: event}:
			default:
				eb.dropped.Add(1)
				log.Warn().
					Str("event", string(event.Type)).
					Str("handler", h.name).
					Msg("subscriber queue full, event dropped")
			}
			continue
		}

		h := h // per-iteration copy (go < 1.22 loop semantics)
		eb.wg.Add(1)
		go func() {
			defer eb.wg.Done()
			eb.invoke(ctx, h, event)
		}()
	}
}

// EmitSync publishes an event and waits for all handlers to complete,
// ordered subscribers included; their queues are bypassed.
// Returns the first error encountered, if any.
func (eb *EventBus) EmitSync(ctx context.Context, event Event) error {
	eb.mu.RLock()
	if eb.stopped {
		eb.mu.RUnlock()
		return nil
	}

	handlers := eb.handlers[event.Type]
	if len(handlers) == 0 {
		eb.mu.RUnlock()
		return nil
	}

	// Copy handlers to release lock before executing
	handlersCopy := make([]handlerEntry, len(handlers))
	copy(handlersCopy, handlers)
	eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	var firstErr error
	var errOnce sync.Once
	var wg sync.WaitGroup

	for _, h := range handlersCopy {
		h := h // per-iteration copy (go < 1.22 loop semantics)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := eb.invoke(ctx, h, event); err != nil {
				errOnce.Do(func() { firstErr = err })
			}
		}()
	}

	wg.Wait()
	return firstErr
}

// invoke runs one handler, logging its error and recovering a panic.
func (eb *EventBus) invoke(ctx context.Context, h handlerEntry, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("event", string(event.Type)).
				Str("handler", h.name).
				Interface("panic", r).
				Msg("handler panicked")
		}
	}()

	if err = h.handler(ctx, event); err != nil {
		log.Error().
			Err(err).
			Str("event", string(event.Type)).
			Str("handler", h.name).
			Msg("handler returned error")
	}
	return err
}

// Stop signals the EventBus to stop accepting new events and waits
// for all in-flight handlers and queued events to complete.
func (eb *EventBus) Stop() {
	eb.mu.Lock()
	if eb.stopped {
		eb.mu.Unlock()
		return
	}
	eb.stopped = true
	close(eb.stopCh)
	eb.mu.Unlock()

	eb.wg.Wait()
	log.Info().Msg("event bus stopped")
}

// StopCh returns a channel that is closed when the EventBus is stopped.
func (eb *EventBus) StopCh() <-chan struct{} {
	return eb.stopCh
}

// HandlerCount returns the number of handlers registered for a specific event type.
func (eb *EventBus) HandlerCount(eventType EventType) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.handlers[eventType])
}
