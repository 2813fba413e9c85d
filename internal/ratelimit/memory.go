package ratelimit

import (
	"context"
	"sync"
	"time"
)

const sweepEvery = 1024

// MemoryCounter is a process-local Counter guarded by a mutex.
type MemoryCounter struct {
	mu      sync.Mutex
	windows map[string]Window
	ops     int
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{windows: make(map[string]Window)}
}

func (c *MemoryCounter) Increment(ctx context.Context, key string, rule Rule, now time.Time) (Window, bool, error) {
	if err := ctx.Err(); err != nil {
		return Window{}, false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ops++
	if c.ops%sweepEvery == 0 {
		c.sweep(now)
	}

	w, ok := c.windows[key]
	if !ok || !now.Before(w.ResetAt) {
		w = Window{ResetAt: now.Add(rule.Window)}
	}
	if w.Count >= rule.MaxAttempts {
		return w, false, nil
	}
	w.Count++
	c.windows[key] = w
	return w, true, nil
}

func (c *MemoryCounter) Peek(ctx context.Context, key string, now time.Time) (Window, error) {
	if err := ctx.Err(); err != nil {
		return Window{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.windows[key]
	if !ok || !now.Before(w.ResetAt) {
		return Window{}, nil
	}
	return w, nil
}

func (c *MemoryCounter) Reset(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.windows, key)
	return nil
}

func (c *MemoryCounter) sweep(now time.Time) {
	for k, w := range c.windows {
		if !now.Before(w.ResetAt) {
			delete(c.windows, k)
		}
	}
}
