package usecase

import (
	"context"
	"sync"

	"MarketGate/internal/domain/models"
	drepo "MarketGate/internal/domain/repository"
	mid "MarketGate/internal/middleware"
	"MarketGate/internal/service/stream"
	"MarketGate/pkg/logger"
)

// StreamManager is what the feed needs from the stream manager.
type StreamManager interface {
	Subscribe(key string, handler stream.Handler) error
	Unsubscribe(key string) error
	Connect(ctx context.Context) error
	Disconnect()
	State() stream.State
	Stats() stream.Stats
}

// MarketFeed subscribes stream keys and forwards their events through the sink pipeline.
type MarketFeed struct {
	manager StreamManager
	pipe    *mid.SinkPipeline
	metrics drepo.Metrics
	logger  *logger.Logger

	mu      sync.Mutex
	ctx     context.Context
	streams []string
}

func NewMarketFeed(manager StreamManager, pipe *mid.SinkPipeline, metrics drepo.Metrics, l *logger.Logger, streams []string) *MarketFeed {
	if l == nil {
		l = logger.Nop()
	}
	return &MarketFeed{
		manager: manager,
		pipe:    pipe,
		metrics: metrics,
		logger:  l,
		ctx:     context.Background(),
		streams: append([]string(nil), streams...),
	}
}

// IsConnected reports whether the underlying stream is connected.
func (f *MarketFeed) IsConnected() bool {
	return f.manager.State() == stream.StateConnected
}

// Start subscribes the configured streams and connects. A failed first dial is
// logged; the manager keeps reconnecting on its own.
func (f *MarketFeed) Start(ctx context.Context) error {
	f.mu.Lock()
	f.ctx = ctx
	streams := append([]string(nil), f.streams...)
	f.mu.Unlock()

	if f.pipe != nil {
		f.pipe.Start(ctx)
	}
	for _, key := range streams {
		if err := f.manager.Subscribe(key, f.handler(key)); err != nil {
			return err
		}
	}
	if err := f.manager.Connect(ctx); err != nil {
		f.logger.Warn("market stream not connected yet", logger.Strings("streams", streams), logger.Error(err))
		return nil
	}
	f.logger.Info("market feed started", logger.Strings("streams", streams))
	return nil
}

// AddStream subscribes one more stream key at runtime.
func (f *MarketFeed) AddStream(key string) error {
	if err := f.manager.Subscribe(key, f.handler(key)); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.streams {
		if s == key {
			return nil
		}
	}
	f.streams = append(f.streams, key)
	return nil
}

// RemoveStream unsubscribes key. Removing an unknown key is a no-op.
func (f *MarketFeed) RemoveStream(key string) error {
	if err := f.manager.Unsubscribe(key); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, s := range f.streams {
		if s == key {
			f.streams = append(f.streams[:i], f.streams[i+1:]...)
			break
		}
	}
	return nil
}

// Streams lists the subscribed stream keys in subscription order.
func (f *MarketFeed) Streams() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.streams...)
}

// Stats returns the stream manager snapshot.
func (f *MarketFeed) Stats() stream.Stats {
	return f.manager.Stats()
}

// Shutdown stops the pipeline and disconnects the stream.
func (f *MarketFeed) Shutdown(ctx context.Context) error {
	if f.pipe != nil {
		f.pipe.Stop()
	}
	f.manager.Disconnect()
	return nil
}

func (f *MarketFeed) handler(key string) stream.Handler {
	return stream.HandlerFuncs{
		OnMessage: func(ev *models.StreamEvent) {
			if f.pipe == nil {
				return
			}
			f.mu.Lock()
			ctx := f.ctx
			f.mu.Unlock()
			if err := f.pipe.Process(ctx, ev); err != nil {
				f.logger.Debug("stream event not delivered", logger.String("stream", key), logger.Error(err))
			}
		},
		OnError: func(err error) {
			f.metrics.RecordError("stream")
			f.logger.Error("market stream failed", logger.String("stream", key), logger.Error(err))
		},
	}
}
