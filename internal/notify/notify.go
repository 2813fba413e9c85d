// Package notify delivers security notifications to users after the
// decision that triggered them has been committed.
package notify

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"

	"tenantauth.dev/internal/obs"
)

// Kind names a notification.
type Kind string

const (
	KindAccountLocked      Kind = "account_locked"
	KindPasswordChanged    Kind = "password_changed"
	KindAccountDeactivated Kind = "account_deactivated"
	KindTokenReuse         Kind = "token_reuse"
	KindPasswordReset      Kind = "password_reset"
)

// Message is one notification. Rendering is left to the Notifier.
type Message struct {
	Kind      Kind
	UserID    string
	To        string
	Data      map[string]string
	CreatedAt time.Time
}

// Notifier delivers a message synchronously.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// Publisher accepts messages without blocking or failing the caller.
type Publisher interface {
	Publish(ctx context.Context, msg Message)
}

var ErrClosed = errors.New("notify: dispatcher closed")

const (
	defaultQueueSize   = 256
	defaultSendTimeout = 10 * time.Second
)

// Dispatcher is a Publisher that hands messages to a Notifier from a
// background worker. Failures are logged.
type Dispatcher struct {
	notifier    Notifier
	sendTimeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan Message
	done   chan struct{}
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithQueueSize sets the buffer size. Zero sends synchronously.
func WithQueueSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n >= 0 {
			d.queue = make(chan Message, n)
		}
	}
}

func WithSendTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if t > 0 {
			d.sendTimeout = t
		}
	}
}

func NewDispatcher(n Notifier, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		notifier:    n,
		sendTimeout: defaultSendTimeout,
		queue:       make(chan Message, defaultQueueSize),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if cap(d.queue) == 0 {
		close(d.done)
		return d
	}
	go d.run()
	return d
}

func (d *Dispatcher) Publish(_ context.Context, msg Message) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.fail(msg, ErrClosed)
		return
	}
	if cap(d.queue) == 0 {
		d.send(msg)
		return
	}
	select {
	case d.queue <- msg:
	default:
		d.fail(msg, errors.New("notify: queue full"))
	}
}

// Close stops accepting messages and waits for queued ones.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		if cap(d.queue) > 0 {
			close(d.queue)
		}
	}
	d.mu.Unlock()
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for msg := range d.queue {
		d.send(msg)
	}
}

func (d *Dispatcher) send(msg Message) {
	ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
	defer cancel()
	if err := d.notifier.Send(ctx, msg); err != nil {
		d.fail(msg, err)
	}
}

func (d *Dispatcher) fail(msg Message, err error) {
	obs.Warn("notification not delivered", map[string]any{
		"kind":    string(msg.Kind),
		"user_id": msg.UserID,
		"error":   err,
	})
}

// LogNotifier writes messages to the structured log instead of sending them.
type LogNotifier struct{}

func (LogNotifier) Send(_ context.Context, msg Message) error {
	obs.Info("notification", map[string]any{
		"kind":    string(msg.Kind),
		"user_id": msg.UserID,
		"to":      msg.To,
		"data":    redact(msg.Data),
	})
	return nil
}

// redact hides one-time secrets carried in message data.
func redact(data map[string]string) map[string]string {
	if _, ok := data["token"]; !ok {
		return data
	}
	out := maps.Clone(data)
	out["token"] = "[redacted]"
	return out
}

// Discard drops every message.
type Discard struct{}

func (Discard) Publish(context.Context, Message) {}
