package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestAcquireUnderCapacityIsImmediate(t *testing.T) {
	l := New(WithRule("binance", Rule{Capacity: 3, Window: time.Hour}))

	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Acquire(context.Background(), "binance"); err != nil {
				t.Errorf("acquire: %v", err)
			}
		}()
	}
	wg.Wait()

	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("acquires under capacity took %v", elapsed)
	}
	if got := l.Stats()["binance"].Used; got != 3 {
		t.Fatalf("used = %d, want 3", got)
	}
}

func TestAcquireOverCapacityReleasesInOrderAfterReset(t *testing.T) {
	const window = 150 * time.Millisecond
	l := New(WithRule("news", Rule{Capacity: 2, Window: window}))
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 2; i++ {
		if err := l.Acquire(ctx, "news"); err != nil {
			t.Fatal(err)
		}
	}

	done := make([]chan struct{}, 4)
	for i := range done {
		done[i] = make(chan struct{})
		go func(ch chan struct{}) {
			if err := l.Acquire(ctx, "news"); err != nil {
				t.Errorf("acquire: %v", err)
			}
			close(ch)
		}(done[i])
		want := i + 1
		waitFor(t, "waiter to queue", func() bool { return l.Pending("news") == want })
	}

	<-done[0]
	<-done[1]
	if elapsed := time.Since(start); elapsed < window-10*time.Millisecond {
		t.Fatalf("queued callers released after %v, before the window reset", elapsed)
	}
	if closed(done[2]) || closed(done[3]) {
		t.Fatalf("later arrivals released in the same window as earlier ones")
	}
	if got := l.Pending("news"); got != 2 {
		t.Fatalf("pending = %d, want 2", got)
	}

	<-done[2]
	<-done[3]
	if elapsed := time.Since(start); elapsed < 2*window-10*time.Millisecond {
		t.Fatalf("second batch released after %v, want a second window", elapsed)
	}
}

func TestAcquireCancelledWhileQueuedLeavesQueue(t *testing.T) {
	l := New(WithRule("auth", Rule{Capacity: 1, Window: 100 * time.Millisecond}))
	if err := l.Acquire(context.Background(), "auth"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- l.Acquire(ctx, "auth") }()
	waitFor(t, "waiter to queue", func() bool { return l.Pending("auth") == 1 })

	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if got := l.Pending("auth"); got != 0 {
		t.Fatalf("pending after cancel = %d, want 0", got)
	}

	// the next window still has its full capacity
	time.Sleep(120 * time.Millisecond)
	if err := l.Acquire(context.Background(), "auth"); err != nil {
		t.Fatal(err)
	}
	if got := l.Stats()["auth"].Used; got != 1 {
		t.Fatalf("used = %d, want 1", got)
	}
}

func TestAcquireWithCancelledContext(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Acquire(ctx, "x"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}

func TestProvidersAreIndependent(t *testing.T) {
	l := New(WithDefaultRule(Rule{Capacity: 1, Window: time.Hour}))
	ctx := context.Background()

	if err := l.Acquire(ctx, "a"); err != nil {
		t.Fatal(err)
	}

	acquired := make(chan struct{})
	go func() {
		_ = l.Acquire(ctx, "b")
		close(acquired)
	}()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatalf("provider b blocked by provider a's window")
	}
}

func TestCapacityNeverExceededWithinWindow(t *testing.T) {
	const (
		capacity = 5
		window   = 200 * time.Millisecond
	)
	l := New(WithDefaultRule(Rule{Capacity: capacity, Window: window}))

	var (
		mu    sync.Mutex
		times []time.Duration
		wg    sync.WaitGroup
	)
	start := time.Now()
	for i := 0; i < 3*capacity; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Acquire(context.Background(), "p"); err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			mu.Lock()
			times = append(times, time.Since(start))
			mu.Unlock()
		}()
	}
	wg.Wait()

	firstWindow := 0
	for _, d := range times {
		if d < window-20*time.Millisecond {
			firstWindow++
		}
	}
	if firstWindow != capacity {
		t.Fatalf("%d callers passed in the first window, want %d", firstWindow, capacity)
	}
}

func TestZeroCapacityDisablesLimit(t *testing.T) {
	l := New(WithRule("internal", Rule{Capacity: 0}))
	for i := 0; i < 100; i++ {
		if err := l.Acquire(context.Background(), "internal"); err != nil {
			t.Fatal(err)
		}
	}
}
