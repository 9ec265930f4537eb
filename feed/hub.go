package feed

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"library-circulation/metrics"
)

const defaultBufferSize = 64

// Relay forwards locally published changes to other processes.
type Relay interface {
	Forward(ctx context.Context, c Change) error
}

// Publisher is the write side of the feed used by the backing store.
type Publisher interface {
	Publish(ctx context.Context, c Change)
}

// Hub fans change events out to subscription channels.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]*channel
	relay    Relay
	closed   bool

	origin     string
	bufferSize int
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

type channel struct {
	name       string
	collection string
	events     map[EventType]struct{}
	handler    func(Change)
	queue      chan Change
	done       chan struct{}
	closeOnce  sync.Once
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Hub) {
		h.logger = logger
	}
}

// WithMetrics records delivered and dropped events.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) {
		h.metrics = m
	}
}

// WithBufferSize sets the per-channel queue length.
func WithBufferSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.bufferSize = n
		}
	}
}

// WithOrigin overrides the process identifier stamped on published changes.
func WithOrigin(origin string) Option {
	return func(h *Hub) {
		if origin != "" {
			h.origin = origin
		}
	}
}

// NewHub creates a hub with a random origin id.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		channels:   make(map[string]*channel),
		origin:     uuid.NewString(),
		bufferSize: defaultBufferSize,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Origin identifies this process on relayed changes.
func (h *Hub) Origin() string { return h.origin }

// AttachRelay makes Publish forward every change to r.
func (h *Hub) AttachRelay(r Relay) {
	h.mu.Lock()
	h.relay = r
	h.mu.Unlock()
}

// Subscribe opens a new channel on collection and returns its disposer.
// With no event types the channel receives inserts, updates and deletes.
// onChange runs on the channel's own goroutine, one event at a time.
func (h *Hub) Subscribe(collection string, onChange func(Change), events ...EventType) (unsubscribe func()) {
	if len(events) == 0 {
		events = AllEvents
	}
	ch := &channel{
		name:       collection + ":" + uuid.NewString(),
		collection: collection,
		events:     make(map[EventType]struct{}, len(events)),
		handler:    onChange,
		queue:      make(chan Change, h.bufferSize),
		done:       make(chan struct{}),
	}
	for _, e := range events {
		ch.events[e] = struct{}{}
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return func() {}
	}
	h.channels[ch.name] = ch
	h.mu.Unlock()

	go h.run(ch)

	h.logger.Debug("feed channel opened",
		zap.String("channel", ch.name),
		zap.Int("event_types", len(ch.events)))

	return func() { h.remove(ch) }
}

// Publish stamps c with this hub's origin, delivers it locally and forwards it
// to the relay. Relay failures are logged; local delivery still happens.
func (h *Hub) Publish(ctx context.Context, c Change) {
	if c.Origin == "" {
		c.Origin = h.origin
	}
	if c.CommitTime.IsZero() {
		c.CommitTime = time.Now().UTC()
	}
	h.Deliver(c)

	h.mu.RLock()
	relay := h.relay
	h.mu.RUnlock()
	if relay == nil {
		return
	}
	if err := relay.Forward(ctx, c); err != nil {
		h.logger.Warn("failed to relay change",
			zap.String("collection", c.Collection),
			zap.String("type", string(c.Type)),
			zap.Error(err))
	}
}

// Deliver hands c to every matching channel without forwarding it.
func (h *Hub) Deliver(c Change) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.channels {
		if !ch.accepts(c) {
			continue
		}
		select {
		case ch.queue <- c:
			h.metrics.FeedDelivered(c.Collection, string(c.Type))
		default:
			h.metrics.FeedDropped(ch.collection)
			h.logger.Warn("feed channel full, dropping change",
				zap.String("channel", ch.name),
				zap.String("type", string(c.Type)))
		}
	}
}

// Resync tells every channel that it may have missed events.
func (h *Hub) Resync(reason string) {
	h.logger.Info("feed resync", zap.String("reason", reason))
	h.Deliver(Change{Type: EventResync, CommitTime: time.Now().UTC(), Origin: h.origin})
}

// ChannelCount reports the number of open channels.
func (h *Hub) ChannelCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels)
}

// Close tears down every channel. Later subscriptions are no-ops.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	channels := h.channels
	h.channels = make(map[string]*channel)
	h.mu.Unlock()

	for _, ch := range channels {
		ch.stop()
	}
}

func (h *Hub) remove(ch *channel) {
	h.mu.Lock()
	delete(h.channels, ch.name)
	h.mu.Unlock()
	ch.stop()
}

func (h *Hub) run(ch *channel) {
	for {
		select {
		case <-ch.done:
			return
		case c := <-ch.queue:
			h.dispatch(ch, c)
		}
	}
}

func (h *Hub) dispatch(ch *channel, c Change) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("feed handler panicked",
				zap.String("channel", ch.name),
				zap.Any("panic", r))
		}
	}()
	ch.handler(c)
}

func (ch *channel) accepts(c Change) bool {
	if c.Type == EventResync {
		return true
	}
	if c.Collection != ch.collection {
		return false
	}
	_, ok := ch.events[c.Type]
	return ok
}

func (ch *channel) stop() {
	ch.closeOnce.Do(func() { close(ch.done) })
}

var _ Publisher = (*Hub)(nil)
