package audit

import (
	"context"
	"strings"
	"sync"
	"time"

	"tenantauth.dev/internal/ids"
	"tenantauth.dev/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

const (
	defaultQueueSize    = 1024
	defaultWriteTimeout = 5 * time.Second
)

// Recorder is the Sink used in production. Entries are written to the Store
// by a background worker; write failures are logged locally and never
// reported to the caller.
type Recorder struct {
	store        Store
	now          func() time.Time
	writeTimeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan Entry
	done   chan struct{}
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithQueueSize sets the buffer between callers and the writer. Zero makes
// Record write synchronously, which keeps tests deterministic.
func WithQueueSize(n int) RecorderOption {
	return func(r *Recorder) {
		if n >= 0 {
			r.queue = make(chan Entry, n)
		}
	}
}

// WithClock overrides the time source used for CreatedAt.
func WithClock(fn func() time.Time) RecorderOption {
	return func(r *Recorder) {
		if fn != nil {
			r.now = fn
		}
	}
}

// WithWriteTimeout bounds each store write.
func WithWriteTimeout(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		if d > 0 {
			r.writeTimeout = d
		}
	}
}

// NewRecorder constructs a Recorder and starts its writer when buffered.
func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:        store,
		now:          time.Now,
		writeTimeout: defaultWriteTimeout,
		queue:        make(chan Entry, defaultQueueSize),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if cap(r.queue) == 0 {
		close(r.done)
		return r
	}
	go r.run()
	return r
}

// Record stamps and enqueues e. It never blocks on the store.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	e = r.prepare(ctx, e)

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.fail(e, "recorder closed")
		return
	}
	if cap(r.queue) == 0 {
		r.write(e)
		return
	}
	select {
	case r.queue <- e:
	default:
		r.fail(e, "audit queue full")
	}
}

// Close stops accepting entries and waits for queued ones to be written.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		if cap(r.queue) > 0 {
			close(r.queue)
		}
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.queue {
		r.write(e)
	}
}

func (r *Recorder) prepare(ctx context.Context, e Entry) Entry {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now().UTC()
	}
	if e.ID == "" {
		e.ID = ids.NewAt(e.CreatedAt)
	}
	if !e.Severity.Valid() {
		e.Severity = SeverityLow
	}
	details := make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		details["request_id"] = rid
	}
	e.Details = details
	return e
}

func (r *Recorder) write(e Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
	defer cancel()
	if err := r.store.Append(ctx, &e); err != nil {
		r.fail(e, err.Error())
	}
}

// fail keeps a local trace of an entry that did not reach the store.
func (r *Recorder) fail(e Entry, reason string) {
	obs.AuditWriteFailures.Inc()
	obs.Error("audit write failed", map[string]any{
		"reason":   reason,
		"audit_id": e.ID,
		"event":    e.Event,
		"severity": string(e.Severity),
		"user_id":  e.UserID,
		"ip":       e.IPAddress,
		"details":  e.Details,
	})
}

// Discard is a Sink that drops everything.
type Discard struct{}

func (Discard) Record(context.Context, Entry) {}
