package di

import (
	"context"
	"fmt"
	"time"

	"MarketGate/internal/domain/repository"
	"MarketGate/internal/handler/api"
	mid "MarketGate/internal/middleware"
	internalrepo "MarketGate/internal/repository"
	"MarketGate/internal/service/auth"
	"MarketGate/internal/service/news"
	"MarketGate/internal/service/news/sources"
	"MarketGate/internal/service/ratelimit"
	"MarketGate/internal/service/stream"
	"MarketGate/internal/usecase"
	"MarketGate/pkg/cache"
	pkgch "MarketGate/pkg/clickhouse"
	"MarketGate/pkg/config"
	xhttp "MarketGate/pkg/http"
	pkgkafka "MarketGate/pkg/kafka"
	"MarketGate/pkg/logger"
	"MarketGate/pkg/metrics"
	"MarketGate/pkg/server"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// ProvideLogger creates the application logger. With log.collect enabled, repeated
// error logs are folded and published to Kafka; cleanup flushes and closes that producer.
func ProvideLogger(cfg *config.Config) (*logger.Logger, func(), error) {
	l, err := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return nil, nil, err
	}
	if !cfg.Log.Collect.Enabled {
		return l, func() {}, nil
	}

	// metrics stay unregistered; the sink producer owns the kafka series
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithCompression(cfg.Kafka.Compression),
		pkgkafka.WithAsync(true),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("log producer: %w", err)
	}
	l.AddCollector(&logger.CollectionConfig{
		TimeInterval:   cfg.Log.Collect.Interval,
		CountThreshold: cfg.Log.Collect.CountThreshold,
		Topic:          cfg.Log.Collect.Topic,
		Publisher:      producer,
	})
	return l, func() {
		l.RemoveCollector()
		_ = producer.Close()
	}, nil
}

// ProvideRegistry creates the Prometheus registry served on the metrics path.
func ProvideRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// ProvideMetrics creates a Prometheus metrics recorder.
func ProvideMetrics(reg *prometheus.Registry) repository.Metrics {
	return metrics.New(reg)
}

// ProvideLimiter creates the shared per-provider limiter from rate_limits.
func ProvideLimiter(cfg *config.Config) *ratelimit.Limiter {
	opts := make([]ratelimit.Option, 0, len(cfg.RateLimits))
	for _, r := range cfg.RateLimits {
		opts = append(opts, ratelimit.WithRule(r.Provider, ratelimit.Rule{Capacity: r.Capacity, Window: r.Window}))
	}
	return ratelimit.New(opts...)
}

// ProvideHTTPClient creates the bare transport for the platform API.
func ProvideHTTPClient(cfg *config.Config) *xhttp.Client {
	return xhttp.NewClient(
		xhttp.WithBaseURL(cfg.API.BaseURL),
		xhttp.WithTimeout(cfg.API.Timeout),
		xhttp.WithMaxBodySize(cfg.API.MaxBodyBytes),
	)
}

// ProvideCoordinator creates the token coordinator. The refresher talks to the bare
// client so a rejected refresh cannot loop through the auth middleware.
func ProvideCoordinator(cfg *config.Config, client *xhttp.Client, l *logger.Logger, m repository.Metrics) *auth.Coordinator {
	return auth.NewCoordinator(
		auth.Credentials{AccessToken: cfg.API.AccessToken, RefreshToken: cfg.API.RefreshToken},
		auth.NewHTTPRefresher(client, cfg.API.RefreshPath),
		auth.WithLogger(l.Named("auth")),
		auth.WithMetrics(m),
		auth.OnAuthFailure(func(err error) {
			l.Error("session ended, credentials must be renewed", logger.Error(err))
		}),
	)
}

// Pipelines separates calls to the platform, which carry the bearer token, from calls
// to third-party sources, which never see it.
type Pipelines struct {
	Platform *xhttp.Pipeline
	Public   *xhttp.Pipeline
}

// ProvidePipelines builds both request pipelines over one client.
func ProvidePipelines(cfg *config.Config, client *xhttp.Client, limiter *ratelimit.Limiter, coord *auth.Coordinator, l *logger.Logger, m repository.Metrics) Pipelines {
	policy := xhttp.RetryPolicy{
		MaxAttempts: cfg.API.Retry.MaxAttempts,
		Backoff:     xhttp.NewBackoff(cfg.API.Retry.BaseDelay, cfg.API.Retry.MaxDelay),
	}
	pl := l.Named("http")
	common := []xhttp.PipelineOption{
		xhttp.WithRetryPolicy(policy),
		xhttp.WithPipelineLogger(pl),
		xhttp.WithPipelineMetrics(m),
	}

	platform := xhttp.NewPipeline(client, append(common, xhttp.WithMiddleware(
		xhttp.RequestID{},
		xhttp.NewLogging(pl),
		xhttp.NewAuth(coord),
		xhttp.NewRateLimit(limiter, m),
	))...)
	public := xhttp.NewPipeline(client, append(common, xhttp.WithMiddleware(
		xhttp.RequestID{},
		xhttp.NewLogging(pl),
		xhttp.NewRateLimit(limiter, m),
	))...)
	return Pipelines{Platform: platform, Public: public}
}

// ProvideNewsSources builds the configured sources. Envelope sources are platform
// endpoints and go through the authenticated pipeline.
func ProvideNewsSources(cfg *config.Config, p Pipelines) []repository.NewsSource {
	out := make([]repository.NewsSource, 0, len(cfg.News.Sources))
	for _, s := range cfg.News.Sources {
		switch s.Kind {
		case "rss":
			out = append(out, sources.NewRSS(sources.RSSConfig{
				Name:     s.Name,
				Priority: s.Priority,
				URL:      s.URL,
				Category: s.Category,
				MaxAge:   s.MaxAge,
			}, p.Public))
		default:
			pipe := p.Public
			if s.Format == "" || s.Format == sources.FormatEnvelope {
				pipe = p.Platform
			}
			out = append(out, sources.NewREST(sources.RESTConfig{
				Name:     s.Name,
				Priority: s.Priority,
				URL:      s.URL,
				Format:   s.Format,
				APIKey:   s.APIKey,
			}, pipe))
		}
	}
	return out
}

// ProvideAggregator creates the news aggregator.
func ProvideAggregator(cfg *config.Config, srcs []repository.NewsSource, l *logger.Logger, m repository.Metrics) *news.Aggregator {
	opts := []news.Option{
		news.WithSimilarity(news.PrefixSimilarity(cfg.News.SimilarityChars)),
		news.WithLogger(l.Named("news")),
		news.WithMetrics(m),
	}
	for _, s := range cfg.News.Sources {
		if s.Capacity > 0 && s.Window > 0 {
			opts = append(opts, news.WithSourceRule(s.Name, ratelimit.Rule{Capacity: s.Capacity, Window: s.Window}))
		}
	}
	return news.NewAggregator(srcs, news.Config{
		CacheTTL:        cfg.News.CacheTTL,
		MaxEntries:      cfg.News.CacheMaxEntries,
		SourceTimeout:   cfg.News.SourceTimeout,
		DefaultPageSize: cfg.News.DefaultPageSize,
		MaxPageSize:     cfg.News.MaxPageSize,
	}, opts...)
}

// ProvideStreamManager creates the market stream manager. It reads the access
// token from the coordinator on every dial.
func ProvideStreamManager(cfg *config.Config, coord *auth.Coordinator, l *logger.Logger, m repository.Metrics) *stream.Manager {
	return stream.NewManager(stream.Config{
		URL:                  cfg.Stream.URL,
		Token:                coord.AccessToken,
		Backoff:              xhttp.NewBackoff(cfg.Stream.ReconnectBase, cfg.Stream.ReconnectMax),
		MaxReconnectAttempts: cfg.Stream.MaxReconnectAttempts,
		HandshakeTimeout:     cfg.Stream.HandshakeTimeout,
		PingInterval:         cfg.Stream.PingInterval,
	},
		stream.WithLogger(l.Named("stream")),
		stream.WithMetrics(m),
	)
}

// ProvideSink creates the stream sink for backend.type.
func ProvideSink(cfg *config.Config, reg *prometheus.Registry) (repository.StreamSink, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch cfg.Backend.Type {
	case "kafka":
		producer, err := pkgkafka.NewProducer(
			pkgkafka.WithBrokers(cfg.Kafka.Brokers),
			pkgkafka.WithCompression(cfg.Kafka.Compression),
			pkgkafka.WithRequiredAcks(cfg.Kafka.RequiredAcks),
			pkgkafka.WithMaxAttempts(cfg.Kafka.MaxAttempts),
			pkgkafka.WithBatching(cfg.Kafka.BatchSize, cfg.Kafka.Linger),
			pkgkafka.WithTimeouts(cfg.Kafka.WriteTimeout, cfg.Kafka.WriteTimeout),
			pkgkafka.WithAsync(cfg.Kafka.Async),
			pkgkafka.WithHashByKey(true),
			pkgkafka.WithRegisterer(reg),
		)
		if err != nil {
			return nil, fmt.Errorf("kafka producer: %w", err)
		}
		return internalrepo.NewKafkaSink(producer, cfg.Kafka.Topic), nil

	case "redis":
		client, err := cache.NewRedisClient(ctx,
			cache.WithRedisAddress(cfg.Redis.Host, cfg.Redis.Port),
			cache.WithRedisAuth(cfg.Redis.Password, cfg.Redis.DB),
			cache.WithRedisPool(cfg.Redis.PoolSize, 0, 0),
			cache.WithRedisPrefix(cfg.Redis.Prefix),
		)
		if err != nil {
			return nil, fmt.Errorf("redis client: %w", err)
		}
		return internalrepo.NewRedisSink(client), nil

	case "clickhouse":
		client, err := pkgch.NewClient(ctx,
			pkgch.WithAddress(cfg.ClickHouse.Host, cfg.ClickHouse.Port),
			pkgch.WithDatabase(cfg.ClickHouse.Database),
			pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
			pkgch.WithMaxConnections(10, 5),
			pkgch.WithHTTP(cfg.ClickHouse.UseHTTP),
			pkgch.WithAsyncInsert(cfg.ClickHouse.AsyncInsert, false),
			pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout),
			pkgch.WithMaxExecutionTime(cfg.ClickHouse.MaxExecutionTime),
		)
		if err != nil {
			return nil, fmt.Errorf("clickhouse client: %w", err)
		}
		table := cfg.ClickHouse.Database + "." + cfg.ClickHouse.Table
		if err := client.InitSchema(ctx, internalrepo.StreamEventsSchema(table)); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("clickhouse schema: %w", err)
		}
		return &clickHouseSink{ClickHouseSink: internalrepo.NewClickHouseSink(client.DB(), table), client: client}, nil

	default:
		return internalrepo.NoopSink{}, nil
	}
}

// clickHouseSink closes the pool together with the sink.
type clickHouseSink struct {
	*internalrepo.ClickHouseSink
	client *pkgch.Client
}

func (s *clickHouseSink) Close() error { return s.client.Close() }

// ProvideSinkPipeline creates the validation/throttle/buffer stage in front of the sink.
func ProvideSinkPipeline(cfg *config.Config, sink repository.StreamSink, l *logger.Logger, m repository.Metrics) *mid.SinkPipeline {
	return mid.NewSinkPipeline(sink, m,
		mid.WithMaxRPS(cfg.Stream.MaxRPS),
		mid.WithBufferSize(cfg.Stream.BufferSize),
		mid.WithFlushBatch(cfg.Stream.FlushBatch),
		mid.WithPipelineLogger(l.Named("sink")),
	)
}

// ProvideMarketFeed creates the market feed use case.
func ProvideMarketFeed(cfg *config.Config, manager *stream.Manager, pipe *mid.SinkPipeline, l *logger.Logger, m repository.Metrics) *usecase.MarketFeed {
	return usecase.NewMarketFeed(manager, pipe, m, l.Named("feed"), cfg.Stream.Streams)
}

// ProvideGateway creates the echo handler for the UI layer.
func ProvideGateway(cfg *config.Config, l *logger.Logger, agg *news.Aggregator, feed *usecase.MarketFeed) *api.GatewayEchoHandler {
	return api.NewGatewayEchoHandler(l.Named("api"), agg, feed, cfg.Server.ClientRPS, cfg.Server.ClientBurst)
}

// ProvideHTTPServer creates the echo server.
func ProvideHTTPServer(cfg *config.Config, reg *prometheus.Registry, l *logger.Logger, gw *api.GatewayEchoHandler) *xhttp.Server {
	opts := []xhttp.ServerOption{
		xhttp.WithHost(cfg.Server.Host),
		xhttp.WithPort(cfg.Server.Port),
		xhttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
		xhttp.WithCORS(cfg.Server.CORS),
		xhttp.WithServerLogger(l),
	}
	if cfg.Metrics.Enabled {
		opts = append(opts, xhttp.WithMetrics(reg, cfg.Metrics.Path))
	}
	return xhttp.NewServer([]xhttp.RouteRegistrar{gw}, opts...)
}

// ProvideApp creates the application server.
func ProvideApp(
	cfg *config.Config,
	l *logger.Logger,
	httpServer *xhttp.Server,
	feed *usecase.MarketFeed,
	agg *news.Aggregator,
	manager *stream.Manager,
	sink repository.StreamSink,
) *server.App {
	return server.New(l, httpServer,
		server.WithFeed(feed),
		server.WithSweeper(agg, cfg.News.SweepInterval),
		server.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
		server.WithCloser("stream", manager),
		server.WithCloser("sink", sink),
	)
}
