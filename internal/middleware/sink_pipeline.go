package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"MarketGate/internal/domain/models"
	domrepo "MarketGate/internal/domain/repository"
	"MarketGate/pkg/logger"
)

var errEventInvalid = errors.New("stream event invalid")

// SinkPipeline sits between the stream manager and a sink.
// It validates, throttles per stream, and buffers events while the sink is failing.
type SinkPipeline struct {
	sink      domrepo.StreamSink
	metrics   domrepo.Metrics
	logger    *logger.Logger
	maxRPS    int
	bufSize   int
	batchSize int
	dropped   atomic.Int64
	bufCh     chan *models.StreamEvent
	stopCh    chan struct{}
	doneCh    chan struct{}
	started   bool
	mu        sync.Mutex
	lastSeen  map[string]time.Time
	minDelay  time.Duration
	maxDelay  time.Duration
}

type PipelineOption func(*SinkPipeline)

// WithMaxRPS caps accepted events per second per stream. 0 disables throttling.
func WithMaxRPS(n int) PipelineOption {
	return func(p *SinkPipeline) {
		if n >= 0 {
			p.maxRPS = n
		}
	}
}

// WithBufferSize sets how many events are held while the sink is unavailable.
func WithBufferSize(n int) PipelineOption {
	return func(p *SinkPipeline) {
		if n > 0 {
			p.bufSize = n
		}
	}
}

// WithFlushBatch sets how many buffered events one flush hands to the sink.
func WithFlushBatch(n int) PipelineOption {
	return func(p *SinkPipeline) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

// WithFlushBackoff sets the retry delay bounds of the buffer flusher.
func WithFlushBackoff(min, max time.Duration) PipelineOption {
	return func(p *SinkPipeline) {
		if min > 0 {
			p.minDelay = min
		}
		if max >= p.minDelay {
			p.maxDelay = max
		}
	}
}

func WithPipelineLogger(l *logger.Logger) PipelineOption {
	return func(p *SinkPipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

func NewSinkPipeline(sink domrepo.StreamSink, metrics domrepo.Metrics, opts ...PipelineOption) *SinkPipeline {
	p := &SinkPipeline{
		sink:      sink,
		metrics:   metrics,
		logger:    logger.Nop(),
		maxRPS:    50,
		bufSize:   1000,
		batchSize: 100,
		lastSeen:  make(map[string]time.Time),
		minDelay:  50 * time.Millisecond,
		maxDelay:  2 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.bufCh = make(chan *models.StreamEvent, p.bufSize)
	return p
}

// Start launches the background flusher of buffered events.
func (p *SinkPipeline) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	stop, done := p.stopCh, p.doneCh
	p.mu.Unlock()

	go p.flush(ctx, stop, done)
}

// Stop stops the flusher and waits for it. Events still buffered are dropped.
func (p *SinkPipeline) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	stop, done := p.stopCh, p.doneCh
	p.mu.Unlock()

	close(stop)
	<-done
	if n := len(p.bufCh); n > 0 || p.dropped.Load() > 0 {
		p.logger.Warn("dropping buffered stream events on stop",
			logger.Int("events", n),
			logger.Int64("dropped_total", p.dropped.Load()),
		)
	}
}

// Buffered returns how many events wait for the sink.
func (p *SinkPipeline) Buffered() int {
	return len(p.bufCh)
}

func (p *SinkPipeline) flush(ctx context.Context, stop, done chan struct{}) {
	defer close(done)

	delay := p.minDelay
	for {
		var first *models.StreamEvent
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case first = <-p.bufCh:
		}

		batch := p.drain(first)
		if err := p.sink.WriteBatch(ctx, batch); err != nil {
			p.metrics.RecordError("sink_flush")
			p.logger.Debug("sink flush failed", logger.Int("events", len(batch)), logger.Error(err))
			delay = min(delay*2, p.maxDelay)
			p.requeue(batch)
			select {
			case <-time.After(delay):
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
			continue
		}
		for _, ev := range batch {
			p.metrics.RecordMessageSent(p.sink.Name(), ev.Stream)
		}
		delay = p.minDelay
	}
}

// drain collects first plus whatever is already buffered, up to batchSize.
func (p *SinkPipeline) drain(first *models.StreamEvent) []*models.StreamEvent {
	batch := make([]*models.StreamEvent, 0, min(p.batchSize, len(p.bufCh)+1))
	batch = append(batch, first)
	for len(batch) < p.batchSize {
		select {
		case ev := <-p.bufCh:
			batch = append(batch, ev)
		default:
			return batch
		}
	}
	return batch
}

// requeue appends a failed batch back to the buffer; events that no longer fit are dropped.
func (p *SinkPipeline) requeue(batch []*models.StreamEvent) {
	for _, ev := range batch {
		select {
		case p.bufCh <- ev:
		default:
			p.dropped.Add(1)
			p.metrics.RecordError("sink_buffer_drop")
		}
	}
}

// Process validates, throttles and forwards ev. A sink failure buffers ev and is
// returned; throttled events are dropped without error.
func (p *SinkPipeline) Process(ctx context.Context, ev *models.StreamEvent) error {
	start := time.Now()
	if err := validateEvent(ev); err != nil {
		p.metrics.RecordError("pipeline_validate")
		return err
	}
	if !p.allow(ev.Stream, start) {
		p.metrics.RecordError("pipeline_throttle")
		return nil
	}

	if err := p.sink.Write(ctx, ev); err != nil {
		p.metrics.RecordError("pipeline_sink")
		select {
		case p.bufCh <- ev:
		default:
			p.dropped.Add(1)
			p.metrics.RecordError("pipeline_buffer_full")
		}
		return fmt.Errorf("sink %s: %w", p.sink.Name(), err)
	}
	p.metrics.RecordMessageSent(p.sink.Name(), ev.Stream)
	p.metrics.RecordLatency("pipeline_process", time.Since(start).Seconds())
	return nil
}

func validateEvent(ev *models.StreamEvent) error {
	if ev == nil {
		return fmt.Errorf("%w: nil", errEventInvalid)
	}
	if ev.Stream == "" {
		return fmt.Errorf("%w: stream empty", errEventInvalid)
	}
	if len(ev.Data) > 0 && !json.Valid(ev.Data) {
		return fmt.Errorf("%w: data is not JSON", errEventInvalid)
	}
	return nil
}

func (p *SinkPipeline) allow(stream string, now time.Time) bool {
	if p.maxRPS <= 0 {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	last, seen := p.lastSeen[stream]
	if seen && now.Sub(last) < time.Second/time.Duration(p.maxRPS) {
		return false
	}
	p.lastSeen[stream] = now
	return true
}
