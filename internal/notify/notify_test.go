package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (r *recordingNotifier) Send(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return r.err
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func TestDispatcherDrainsOnClose(t *testing.T) {
	n := &recordingNotifier{}
	d := NewDispatcher(n, WithQueueSize(16))
	for i := 0; i < 10; i++ {
		d.Publish(context.Background(), Message{Kind: KindPasswordChanged, UserID: "u1"})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := n.count(); got != 10 {
		t.Fatalf("expected 10 deliveries, got %d", got)
	}
	d.Publish(context.Background(), Message{Kind: KindAccountLocked})
	if got := n.count(); got != 10 {
		t.Fatalf("publish after close must be dropped, got %d", got)
	}
}

func TestDispatcherSwallowsErrors(t *testing.T) {
	n := &recordingNotifier{err: errors.New("smtp down")}
	d := NewDispatcher(n, WithQueueSize(0))
	d.Publish(context.Background(), Message{Kind: KindAccountLocked, UserID: "u1"})
	if n.count() != 1 {
		t.Fatal("expected synchronous send attempt")
	}
	if n.msgs[0].CreatedAt.IsZero() {
		t.Fatal("expected CreatedAt to be stamped")
	}
}

func TestRedactHidesResetTokens(t *testing.T) {
	data := map[string]string{"token": "secret", "ip": "10.0.0.1"}
	out := redact(data)
	if out["token"] != "[redacted]" || out["ip"] != "10.0.0.1" {
		t.Fatalf("unexpected redaction %v", out)
	}
	if data["token"] != "secret" {
		t.Fatal("redact modified its input")
	}
	plain := map[string]string{"ip": "10.0.0.1"}
	if got := redact(plain); got["ip"] != "10.0.0.1" || len(got) != 1 {
		t.Fatalf("unexpected copy %v", got)
	}
}
