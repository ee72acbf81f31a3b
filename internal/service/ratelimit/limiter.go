package ratelimit

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Rule caps a provider at Capacity calls per fixed Window. Capacity <= 0 disables the cap.
type Rule struct {
	Capacity int
	Window   time.Duration
}

type window struct {
	rule    Rule
	count   int
	resetAt time.Time
	gen     uint64
	queue   list.List // *waiter, arrival order
	timer   *time.Timer
}

type waiter struct {
	ready chan struct{}
	elem  *list.Element
	gen   uint64
}

// Limiter gates calls per provider with a fixed window and a FIFO wait queue.
// It never rejects; callers wait until a slot frees up or their context ends.
type Limiter struct {
	mu      sync.Mutex
	def     Rule
	rules   map[string]Rule
	windows map[string]*window
}

type Option func(*Limiter)

// WithRule sets the rule for one provider.
func WithRule(provider string, r Rule) Option {
	return func(l *Limiter) { l.rules[provider] = r }
}

// WithDefaultRule sets the rule for providers without their own.
func WithDefaultRule(r Rule) Option {
	return func(l *Limiter) { l.def = r }
}

// New creates a limiter. Without options every provider gets 10 calls per second.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		def:     Rule{Capacity: 10, Window: time.Second},
		rules:   make(map[string]Rule),
		windows: make(map[string]*window),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire returns once the caller may call provider. A caller that finds the window
// full, or others already waiting, queues behind them. If ctx ends first the caller
// leaves the queue and ctx.Err() is returned.
func (l *Limiter) Acquire(ctx context.Context, provider string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	w := l.windowLocked(provider)
	if w.rule.Capacity <= 0 {
		l.mu.Unlock()
		return nil
	}

	now := time.Now()
	if w.queue.Len() == 0 {
		if !now.Before(w.resetAt) {
			w.count = 0
			w.resetAt = now.Add(w.rule.Window)
			w.gen++
		}
		if w.count < w.rule.Capacity {
			w.count++
			l.mu.Unlock()
			return nil
		}
	}

	wt := &waiter{ready: make(chan struct{})}
	wt.elem = w.queue.PushBack(wt)
	l.armLocked(w, now)
	l.mu.Unlock()

	select {
	case <-wt.ready:
		return nil
	case <-ctx.Done():
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	select {
	case <-wt.ready:
		// released while we were cancelling: hand the slot on instead of wasting it
		if wt.gen == w.gen {
			if front := w.queue.Front(); front != nil {
				next := w.queue.Remove(front).(*waiter)
				next.gen = w.gen
				close(next.ready)
			} else {
				w.count--
			}
		}
	default:
		w.queue.Remove(wt.elem)
	}
	return ctx.Err()
}

// Pending returns how many callers are queued for provider.
func (l *Limiter) Pending(provider string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok := l.windows[provider]; ok {
		return w.queue.Len()
	}
	return 0
}

// WindowStats is a point-in-time view of one provider's window.
type WindowStats struct {
	Capacity int           `json:"capacity"`
	Used     int           `json:"used"`
	Pending  int           `json:"pending"`
	ResetIn  time.Duration `json:"resetIn"`
}

// Stats returns the state of every provider seen so far.
func (l *Limiter) Stats() map[string]WindowStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	out := make(map[string]WindowStats, len(l.windows))
	for provider, w := range l.windows {
		s := WindowStats{Capacity: w.rule.Capacity, Pending: w.queue.Len()}
		if now.Before(w.resetAt) {
			s.Used = w.count
			s.ResetIn = w.resetAt.Sub(now)
		}
		out[provider] = s
	}
	return out
}

func (l *Limiter) windowLocked(provider string) *window {
	w, ok := l.windows[provider]
	if !ok {
		rule, found := l.rules[provider]
		if !found {
			rule = l.def
		}
		w = &window{rule: rule}
		l.windows[provider] = w
	}
	return w
}

func (l *Limiter) armLocked(w *window, now time.Time) {
	if w.timer != nil {
		return
	}
	delay := w.resetAt.Sub(now)
	if delay < 0 {
		delay = 0
	}
	w.timer = time.AfterFunc(delay, func() { l.release(w) })
}

// release starts a new window and lets up to Capacity queued callers through in order.
func (l *Limiter) release(w *window) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w.timer = nil
	if w.queue.Len() == 0 {
		return
	}

	now := time.Now()
	if now.Before(w.resetAt) {
		// the window was restarted after this timer was armed
		l.armLocked(w, now)
		return
	}

	w.count = 0
	w.resetAt = now.Add(w.rule.Window)
	w.gen++
	for w.count < w.rule.Capacity && w.queue.Len() > 0 {
		wt := w.queue.Remove(w.queue.Front()).(*waiter)
		wt.gen = w.gen
		w.count++
		close(wt.ready)
	}

	if w.queue.Len() > 0 {
		l.armLocked(w, now)
	}
}
