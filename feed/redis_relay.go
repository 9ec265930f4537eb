package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultRelayChannel     = "library:changes"
	defaultReconnectBackoff = 500 * time.Millisecond
	defaultMaxBackoff       = 30 * time.Second
	defaultRelayCloseWait   = 5 * time.Second
)

// RedisRelay carries changes between processes over redis pub/sub. Local
// writes are forwarded with Forward; Run receives the writes of other
// processes and delivers them into the hub.
type RedisRelay struct {
	client     *redis.Client
	ownsClient bool
	channel    string
	hub        *Hub
	logger     *zap.Logger

	backoff    time.Duration
	maxBackoff time.Duration

	mu       sync.Mutex
	running  bool
	cancelFn context.CancelFunc
	doneCh   chan struct{}
}

// RelayOption configures a RedisRelay.
type RelayOption func(*RedisRelay)

// WithRelayChannel sets the pub/sub channel name.
func WithRelayChannel(name string) RelayOption {
	return func(r *RedisRelay) {
		if name != "" {
			r.channel = name
		}
	}
}

// WithRelayLogger sets the logger.
func WithRelayLogger(logger *zap.Logger) RelayOption {
	return func(r *RedisRelay) {
		r.logger = logger
	}
}

// WithReconnectBackoff sets the initial and maximum delay between resubscribe attempts.
func WithReconnectBackoff(initial, limit time.Duration) RelayOption {
	return func(r *RedisRelay) {
		if initial > 0 {
			r.backoff = initial
		}
		if limit >= r.backoff {
			r.maxBackoff = limit
		}
	}
}

// NewRedisRelay connects with opts and returns a relay that owns the client.
func NewRedisRelay(ctx context.Context, opts *redis.Options, hub *Hub, relayOpts ...RelayOption) (*RedisRelay, error) {
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	r := NewRedisRelayWithClient(client, hub, relayOpts...)
	r.ownsClient = true
	return r, nil
}

// NewRedisRelayWithClient wraps an existing client. The caller keeps ownership of it.
func NewRedisRelayWithClient(client *redis.Client, hub *Hub, opts ...RelayOption) *RedisRelay {
	r := &RedisRelay{
		client:     client,
		channel:    defaultRelayChannel,
		hub:        hub,
		logger:     zap.NewNop(),
		backoff:    defaultReconnectBackoff,
		maxBackoff: defaultMaxBackoff,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Forward publishes c to the other processes.
func (r *RedisRelay) Forward(ctx context.Context, c Change) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal change: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("publish change: %w", err)
	}
	return nil
}

// Run receives changes until ctx is cancelled or Close is called. A lost
// subscription is re-established with capped exponential backoff, and the hub
// is told to resync once it is back since events published meanwhile are gone.
func (r *RedisRelay) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return errors.New("relay already running")
	}
	r.running = true
	runCtx, cancel := context.WithCancel(ctx)
	r.cancelFn = cancel
	done := make(chan struct{})
	r.doneCh = done
	r.mu.Unlock()

	defer func() {
		cancel()
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		close(done)
	}()

	delay := r.backoff
	connectedBefore := false
	for {
		err := r.receive(runCtx, connectedBefore, func() {
			connectedBefore = true
			delay = r.backoff
		})
		if runCtx.Err() != nil {
			r.logger.Info("change relay stopped")
			return runCtx.Err()
		}

		r.logger.Warn("change relay subscription lost, resubscribing",
			zap.String("channel", r.channel),
			zap.Duration("backoff", delay),
			zap.Error(err))

		select {
		case <-runCtx.Done():
			return runCtx.Err()
		case <-time.After(delay):
		}
		delay = nextBackoff(delay, r.maxBackoff)
	}
}

// receive runs one subscription until it fails.
func (r *RedisRelay) receive(ctx context.Context, reconnect bool, onSubscribed func()) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	onSubscribed()
	r.logger.Info("subscribed to change relay", zap.String("channel", r.channel))
	if reconnect {
		r.hub.Resync("relay resubscribed")
	}

	for {
		msg, err := pubsub.Receive(ctx)
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case *redis.Message:
			r.handlePayload(m.Payload)
		case *redis.Subscription:
			// go-redis re-joins on its own after a reconnect; anything sent
			// in between is lost.
			if m.Kind == "subscribe" {
				r.hub.Resync("relay rejoined")
			}
		}
	}
}

func (r *RedisRelay) handlePayload(payload string) {
	var c Change
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		r.logger.Error("failed to decode relayed change",
			zap.String("payload", payload),
			zap.Error(err))
		return
	}
	if c.Origin == r.hub.Origin() {
		return
	}
	r.hub.Deliver(c)
}

// Close stops Run and releases the client when the relay owns it.
func (r *RedisRelay) Close() error {
	r.mu.Lock()
	cancel := r.cancelFn
	running := r.running
	done := r.doneCh
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		if running {
			select {
			case <-done:
			case <-time.After(defaultRelayCloseWait):
				r.logger.Warn("timeout waiting for change relay to stop")
			}
		}
	}
	if r.ownsClient {
		return r.client.Close()
	}
	return nil
}

func nextBackoff(current, limit time.Duration) time.Duration {
	next := current * 2
	if next > limit {
		return limit
	}
	return next
}

var _ Relay = (*RedisRelay)(nil)
