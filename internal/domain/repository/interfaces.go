package repository

import (
	"context"
	"time"

	"MarketGate/internal/domain/models"
)

// NewsSource is one upstream news provider.
type NewsSource interface {
	Name() string
	// Priority orders sources; higher wins ties and is queried first.
	Priority() int
	Fetch(ctx context.Context, filter models.NewsFilter) ([]models.Article, error)
}

// StreamSink receives stream events forwarded by the market feed.
type StreamSink interface {
	Name() string
	Write(ctx context.Context, ev *models.StreamEvent) error
	WriteBatch(ctx context.Context, evs []*models.StreamEvent) error
	Close() error
}

type Metrics interface {
	RecordMessageSent(backend, stream string)
	RecordError(kind string)
	RecordLatency(op string, seconds float64)

	RecordRequest(provider, outcome string, d time.Duration)
	RecordRetry(provider, kind string)
	RecordRateLimitWait(provider string, d time.Duration)
	RecordTokenRefresh(result string)

	RecordStreamMessage(stream string)
	RecordStreamState(state string)
	RecordReconnect(outcome string)

	RecordCacheLookup(cache string, hit bool)
	RecordSourceFetch(source, outcome string, d time.Duration)
}
