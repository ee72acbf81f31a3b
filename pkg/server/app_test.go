package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.calls = append(r.calls, s)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fakeFeed struct {
	rec      *recorder
	startErr error
}

func (f *fakeFeed) Start(context.Context) error {
	f.rec.add("feed.start")
	return f.startErr
}

func (f *fakeFeed) Shutdown(context.Context) error {
	f.rec.add("feed.stop")
	return nil
}

type fakeSweeper struct{ rec *recorder }

func (s *fakeSweeper) Run(ctx context.Context, _ time.Duration) {
	s.rec.add("sweep.start")
	<-ctx.Done()
	s.rec.add("sweep.stop")
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestRunStopsEverythingOnCancel(t *testing.T) {
	rec := &recorder{}
	app := New(nil, nil,
		WithFeed(&fakeFeed{rec: rec}),
		WithSweeper(&fakeSweeper{rec: rec}, time.Second),
		WithCloser("sink", closerFunc(func() error { rec.add("sink.close"); return nil })),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	calls := rec.snapshot()
	if calls[0] != "feed.start" || calls[len(calls)-1] != "sink.close" {
		t.Fatalf("calls = %v", calls)
	}
	want := map[string]bool{"sweep.start": true, "sweep.stop": true, "feed.stop": true}
	for _, c := range calls {
		delete(want, c)
	}
	if len(want) != 0 {
		t.Fatalf("missing calls %v in %v", want, calls)
	}
}

func TestRunReturnsFeedStartError(t *testing.T) {
	boom := errors.New("boom")
	app := New(nil, nil, WithFeed(&fakeFeed{rec: &recorder{}, startErr: boom}))
	if err := app.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Run = %v", err)
	}
}

func TestShutdownJoinsCloseErrors(t *testing.T) {
	boom := errors.New("close failed")
	app := New(nil, nil, WithCloser("a", closerFunc(func() error { return boom })))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := app.Run(ctx); !errors.Is(err, boom) {
		t.Fatalf("Run = %v", err)
	}
}
