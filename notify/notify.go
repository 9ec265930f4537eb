// Package notify delivers the best-effort side effects of circulation events:
// a notification row for the user and a throttled email. Failures are logged
// and never reach the caller.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"library-circulation/library"
	"library-circulation/metrics"
)

const (
	defaultQueueSize   = 128
	defaultHandleLimit = 10 * time.Second

	kindNotification = "notification"
	kindMail         = "mail"
)

// Store records notification rows.
type Store interface {
	AddNotification(ctx context.Context, userID string, typ library.NotificationType, message string) (*library.Notification, error)
}

// ProfileResolver finds the email of a user when an event carries none.
type ProfileResolver interface {
	Profile(ctx context.Context, id string) (*library.Profile, error)
}

// Event is one side effect request.
type Event struct {
	Type    library.NotificationType
	UserID  string
	Email   string
	Subject string
	Message string
}

// Dispatcher runs side effects on a single worker fed by a bounded queue.
type Dispatcher struct {
	store    Store
	profiles ProfileResolver
	mailer   Mailer
	limiter  *rate.Limiter
	from     string
	timeout  time.Duration
	logger   *zap.Logger
	metrics  *metrics.Metrics

	queueSize int
	queue     chan Event
	done      chan struct{}

	mu     sync.RWMutex
	closed bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithQueueSize bounds the number of pending events.
func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queueSize = n
		}
	}
}

// WithMailer replaces the default LogMailer.
func WithMailer(m Mailer) Option {
	return func(d *Dispatcher) {
		d.mailer = m
	}
}

// WithMailRate throttles outgoing mail to r messages per second with burst.
func WithMailRate(r float64, burst int) Option {
	return func(d *Dispatcher) {
		if r > 0 && burst > 0 {
			d.limiter = rate.NewLimiter(rate.Limit(r), burst)
		}
	}
}

// WithFromAddress sets the sender of outgoing mail.
func WithFromAddress(addr string) Option {
	return func(d *Dispatcher) {
		d.from = addr
	}
}

// WithProfiles resolves recipient emails for events without one.
func WithProfiles(p ProfileResolver) Option {
	return func(d *Dispatcher) {
		d.profiles = p
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithMetrics counts side effect outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// NewDispatcher starts the worker.
func NewDispatcher(store Store, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:     store,
		limiter:   rate.NewLimiter(rate.Limit(2), 5),
		from:      "circulation@library.local",
		timeout:   defaultHandleLimit,
		logger:    zap.NewNop(),
		queueSize: defaultQueueSize,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.mailer == nil {
		d.mailer = NewLogMailer(d.logger)
	}
	d.queue = make(chan Event, d.queueSize)

	go d.run()
	return d
}

// Enqueue schedules e without blocking. It reports false when the event was
// dropped because the queue is full or the dispatcher is closed.
func (d *Dispatcher) Enqueue(e Event) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.metrics.SideEffect(kindNotification, metrics.OutcomeDropped)
		return false
	}
	select {
	case d.queue <- e:
		return true
	default:
		d.metrics.SideEffect(kindNotification, metrics.OutcomeDropped)
		d.logger.Warn("side effect queue full, dropping event",
			zap.String("type", string(e.Type)),
			zap.String("user_id", e.UserID))
		return false
	}
}

// Close stops accepting events and waits for queued ones to finish.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain side effects: %w", ctx.Err())
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for e := range d.queue {
		d.handle(e)
	}
}

func (d *Dispatcher) handle(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if _, err := d.store.AddNotification(ctx, e.UserID, e.Type, e.Message); err != nil {
		d.metrics.SideEffect(kindNotification, metrics.OutcomeError)
		d.logger.Warn("failed to record notification",
			zap.String("type", string(e.Type)),
			zap.String("user_id", e.UserID),
			zap.Error(err))
	} else {
		d.metrics.SideEffect(kindNotification, metrics.OutcomeOK)
	}

	to := e.Email
	if to == "" && d.profiles != nil {
		if p, err := d.profiles.Profile(ctx, e.UserID); err == nil {
			to = p.Email
		}
	}
	if to == "" {
		return
	}

	if err := d.limiter.Wait(ctx); err != nil {
		d.metrics.SideEffect(kindMail, metrics.OutcomeDropped)
		d.logger.Warn("mail throttled past deadline", zap.String("to", to), zap.Error(err))
		return
	}
	subject := e.Subject
	if subject == "" {
		subject = defaultSubject(e.Type)
	}
	msg := Message{From: d.from, To: to, Subject: subject, Body: e.Message}
	if err := d.mailer.Send(ctx, msg); err != nil {
		d.metrics.SideEffect(kindMail, metrics.OutcomeError)
		d.logger.Warn("failed to send mail", zap.String("to", to), zap.Error(err))
		return
	}
	d.metrics.SideEffect(kindMail, metrics.OutcomeOK)
}

func defaultSubject(t library.NotificationType) string {
	switch t {
	case library.NotifyLoan:
		return "Loan confirmed"
	case library.NotifyReturn:
		return "Return received"
	case library.NotifyLogin:
		return "New sign-in"
	}
	return "Library notice"
}
