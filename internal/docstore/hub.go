package docstore

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
)

const defaultHubBuffer = 256

// Hub fans change events out to channel subscribers. Publish never blocks
// the writer: events are queued and dispatched in order on the hub's own
// goroutine, and dropped when the queue is full.
type Hub struct {
	log zerolog.Logger

	mu     sync.RWMutex
	subs   map[string]map[uint64]func(Event)
	nextID uint64
	closed bool

	queue chan Event
	done  chan struct{}
}

// NewHub starts a hub. Close must be called to stop its dispatch goroutine.
func NewHub(log zerolog.Logger) *Hub {
	return NewHubWithBuffer(log, defaultHubBuffer)
}

// NewHubWithBuffer starts a hub with a custom queue size.
func NewHubWithBuffer(log zerolog.Logger, buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultHubBuffer
	}
	h := &Hub{
		log:   log.With().Str("component", "hub").Logger(),
		subs:  make(map[string]map[uint64]func(Event)),
		queue: make(chan Event, buffer),
		done:  make(chan struct{}),
	}
	go h.run()
	return h
}

// Subscribe implements Subscriber.
func (h *Hub) Subscribe(channel string, onEvent func(Event)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed || onEvent == nil {
		return func() {}
	}

	h.nextID++
	id := h.nextID
	perChannel, ok := h.subs[channel]
	if !ok {
		perChannel = make(map[uint64]func(Event))
		h.subs[channel] = perChannel
	}
	perChannel[id] = onEvent

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if perChannel, ok := h.subs[channel]; ok {
				delete(perChannel, id)
				if len(perChannel) == 0 {
					delete(h.subs, channel)
				}
			}
		})
	}
}

// Publish queues evt for delivery.
func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	select {
	case h.queue <- evt:
	default:
		h.log.Warn().Str("channel", evt.Channel).Msg("event queue full, dropping change event")
	}
}

// Subscribers returns the number of live subscriptions on channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[channel])
}

// Close stops dispatching. Queued events are delivered before it returns.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.queue)
	h.mu.Unlock()
	<-h.done
}

func (h *Hub) run() {
	defer close(h.done)
	for evt := range h.queue {
		h.dispatch(evt)
	}
}

func (h *Hub) dispatch(evt Event) {
	h.mu.RLock()
	handlers := make([]func(Event), 0, len(h.subs[evt.Channel]))
	for _, fn := range h.subs[evt.Channel] {
		handlers = append(handlers, fn)
	}
	h.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	var wg conc.WaitGroup
	for _, fn := range handlers {
		fn := fn
		wg.Go(func() { fn(evt) })
	}
	if r := wg.WaitAndRecover(); r != nil {
		h.log.Error().Str("channel", evt.Channel).Str("panic", r.String()).Msg("change subscriber panicked")
	}
}
