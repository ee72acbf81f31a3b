package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"MarketGate/internal/domain/models"
	mid "MarketGate/internal/middleware"
	"MarketGate/internal/repository"
	"MarketGate/internal/service/stream"
	"MarketGate/pkg/metrics"
)

type fakeManager struct {
	mu         sync.Mutex
	handlers   map[string]stream.Handler
	order      []string
	connected  bool
	connectErr error
}

func newFakeManager() *fakeManager {
	return &fakeManager{handlers: make(map[string]stream.Handler)}
}

func (m *fakeManager) Subscribe(key string, h stream.Handler) error {
	if key == "" {
		return errors.New("empty key")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.handlers[key]; !ok {
		m.order = append(m.order, key)
	}
	m.handlers[key] = h
	return nil
}

func (m *fakeManager) Unsubscribe(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, key)
	for i, k := range m.order {
		if k == key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

func (m *fakeManager) Connect(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connectErr != nil {
		return m.connectErr
	}
	m.connected = true
	return nil
}

func (m *fakeManager) Disconnect() {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
}

func (m *fakeManager) State() stream.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connected {
		return stream.StateConnected
	}
	return stream.StateDisconnected
}

func (m *fakeManager) Stats() stream.Stats {
	return stream.Stats{State: m.State()}
}

func (m *fakeManager) emit(key, data string) {
	m.mu.Lock()
	h := m.handlers[key]
	m.mu.Unlock()
	h.HandleMessage(&models.StreamEvent{Stream: key, Data: json.RawMessage(data), ReceivedAt: time.Now()})
}

type memorySink struct {
	repository.NoopSink
	mu     sync.Mutex
	events []*models.StreamEvent
}

func (s *memorySink) Write(_ context.Context, ev *models.StreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func TestMarketFeedForwardsEvents(t *testing.T) {
	mgr := newFakeManager()
	sink := &memorySink{}
	pipe := mid.NewSinkPipeline(sink, metrics.Noop{}, mid.WithMaxRPS(0))
	feed := NewMarketFeed(mgr, pipe, metrics.Noop{}, nil, []string{"btcusdt@trade", "ethusdt@trade"})

	if err := feed.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer feed.Shutdown(context.Background())

	if !feed.IsConnected() {
		t.Fatal("expected connected")
	}
	if got := mgr.order; len(got) != 2 || got[0] != "btcusdt@trade" || got[1] != "ethusdt@trade" {
		t.Fatalf("subscription order = %v", got)
	}

	mgr.emit("ethusdt@trade", `{"p":"3000"}`)
	mgr.emit("btcusdt@trade", `{"p":"70000"}`)

	if len(sink.events) != 2 || sink.events[0].Stream != "ethusdt@trade" {
		t.Fatalf("sink events = %+v", sink.events)
	}
}

func TestMarketFeedAddRemoveStream(t *testing.T) {
	mgr := newFakeManager()
	feed := NewMarketFeed(mgr, nil, metrics.Noop{}, nil, nil)

	if err := feed.AddStream("solusdt@trade"); err != nil {
		t.Fatal(err)
	}
	if err := feed.AddStream("solusdt@trade"); err != nil {
		t.Fatal(err)
	}
	if got := feed.Streams(); len(got) != 1 || got[0] != "solusdt@trade" {
		t.Fatalf("streams = %v", got)
	}
	if err := feed.AddStream(""); err == nil {
		t.Fatal("expected error for empty key")
	}

	if err := feed.RemoveStream("solusdt@trade"); err != nil {
		t.Fatal(err)
	}
	if len(feed.streams) != 0 || len(mgr.order) != 0 {
		t.Fatalf("streams = %v, manager = %v", feed.streams, mgr.order)
	}
}

func TestMarketFeedStartToleratesDialFailure(t *testing.T) {
	mgr := newFakeManager()
	mgr.connectErr = errors.New("dial refused")
	feed := NewMarketFeed(mgr, nil, metrics.Noop{}, nil, []string{"a"})

	if err := feed.Start(context.Background()); err != nil {
		t.Fatalf("Start = %v", err)
	}
	if feed.IsConnected() {
		t.Fatal("should not be connected")
	}
	if len(mgr.order) != 1 {
		t.Fatal("subscription should be registered for later replay")
	}
}
