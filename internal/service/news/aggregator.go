package news

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"MarketGate/internal/domain/models"
	"MarketGate/internal/domain/repository"
	"MarketGate/internal/service/ratelimit"
	"MarketGate/pkg/cache"
	xhttp "MarketGate/pkg/http"
	"MarketGate/pkg/logger"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Metrics is the subset of the recorder the aggregator reports to.
type Metrics interface {
	RecordCacheLookup(cache string, hit bool)
	RecordSourceFetch(source, outcome string, d time.Duration)
	RecordRateLimitWait(provider string, d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) RecordCacheLookup(string, bool)                  {}
func (noopMetrics) RecordSourceFetch(string, string, time.Duration) {}
func (noopMetrics) RecordRateLimitWait(string, time.Duration)       {}

const cacheName = "news"

type Config struct {
	CacheTTL time.Duration
	// MaxEntries bounds the number of cached filters; 0 means unbounded.
	MaxEntries      int
	SourceTimeout   time.Duration
	DefaultPageSize int
	MaxPageSize     int
	// SourceRule is the per-source call budget; every source gets its own limiter.
	SourceRule ratelimit.Rule
}

func (c *Config) setDefaults() {
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Minute
	}
	if c.SourceTimeout <= 0 {
		c.SourceTimeout = 15 * time.Second
	}
	if c.DefaultPageSize <= 0 {
		c.DefaultPageSize = 20
	}
	if c.MaxPageSize <= 0 {
		c.MaxPageSize = 100
	}
	if c.SourceRule.Window <= 0 {
		c.SourceRule = ratelimit.Rule{Capacity: 5, Window: time.Second}
	}
}

type source struct {
	repository.NewsSource
	limiter *ratelimit.Limiter
}

// Aggregator merges articles from several sources into one de-duplicated,
// newest-first list and caches the merged list per filter.
type Aggregator struct {
	cfg     Config
	sources []source
	cache   *cache.Cache[[]models.Article]
	similar SimilarityFunc
	group   singleflight.Group
	rules   map[string]ratelimit.Rule
	logger  *logger.Logger
	metrics Metrics
}

type Option func(*Aggregator)

// WithSimilarity replaces the duplicate detection strategy.
func WithSimilarity(fn SimilarityFunc) Option {
	return func(a *Aggregator) {
		if fn != nil {
			a.similar = fn
		}
	}
}

// WithCache shares a cache instance, e.g. one built with a fake clock.
func WithCache(c *cache.Cache[[]models.Article]) Option {
	return func(a *Aggregator) {
		if c != nil {
			a.cache = c
		}
	}
}

// WithSourceRule overrides the call budget of one source.
func WithSourceRule(name string, r ratelimit.Rule) Option {
	return func(a *Aggregator) { a.rules[name] = r }
}

func WithLogger(l *logger.Logger) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.logger = l
		}
	}
}

func WithMetrics(m Metrics) Option {
	return func(a *Aggregator) {
		if m != nil {
			a.metrics = m
		}
	}
}

// NewAggregator orders sources by descending priority; ties keep their given order.
func NewAggregator(sources []repository.NewsSource, cfg Config, opts ...Option) *Aggregator {
	cfg.setDefaults()
	a := &Aggregator{
		cfg:     cfg,
		similar: PrefixSimilarity(DefaultPrefixLength),
		rules:   make(map[string]ratelimit.Rule),
		logger:  logger.Nop(),
		metrics: noopMetrics{},
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.cache == nil {
		a.cache = cache.New[[]models.Article](cache.WithTTL(cfg.CacheTTL), cache.WithMaxSize(cfg.MaxEntries))
	}

	ordered := append([]repository.NewsSource(nil), sources...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority() > ordered[j].Priority()
	})
	for _, s := range ordered {
		rule, ok := a.rules[s.Name()]
		if !ok {
			rule = cfg.SourceRule
		}
		a.sources = append(a.sources, source{
			NewsSource: s,
			limiter:    ratelimit.New(ratelimit.WithDefaultRule(rule)),
		})
	}
	return a
}

// Sources lists source names in query order.
func (a *Aggregator) Sources() []string {
	names := make([]string, 0, len(a.sources))
	for _, s := range a.sources {
		names = append(names, s.Name())
	}
	return names
}

// Run sweeps expired cache entries every interval until ctx is done.
func (a *Aggregator) Run(ctx context.Context, interval time.Duration) {
	a.cache.Run(ctx, interval)
}

// Invalidate drops every cached result.
func (a *Aggregator) Invalidate() {
	a.cache.Clear()
}

type loadResult struct {
	articles []models.Article
	statuses []models.SourceStatus
}

// Fetch returns one page of articles matching filter. A fresh cached result is served
// without touching any source. It fails with a source_unavailable error only if every
// source failed.
func (a *Aggregator) Fetch(ctx context.Context, filter models.NewsFilter) (models.NewsPage, error) {
	filter = a.normalize(filter)
	key := cacheKey(filter)

	if articles, ok := a.cache.Get(key); ok {
		a.metrics.RecordCacheLookup(cacheName, true)
		return paginate(articles, filter, true, nil), nil
	}
	a.metrics.RecordCacheLookup(cacheName, false)

	ch := a.group.DoChan(key, func() (interface{}, error) {
		return a.load(context.WithoutCancel(ctx), key, filter)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return models.NewsPage{}, res.Err
		}
		r := res.Val.(*loadResult)
		return paginate(r.articles, filter, false, r.statuses), nil
	case <-ctx.Done():
		return models.NewsPage{}, ctx.Err()
	}
}

func (a *Aggregator) load(ctx context.Context, key string, filter models.NewsFilter) (*loadResult, error) {
	if len(a.sources) == 0 {
		return nil, xhttp.NewClientError(xhttp.KindSourceUnavailable, "no news sources configured")
	}

	results := make([][]models.Article, len(a.sources))
	errs := make([]error, len(a.sources))

	var g errgroup.Group
	for i, s := range a.sources {
		i, s := i, s
		g.Go(func() error {
			results[i], errs[i] = a.fetchSource(ctx, s, filter)
			return nil
		})
	}
	_ = g.Wait()

	var (
		merged   []models.Article
		statuses = make([]models.SourceStatus, len(a.sources))
		failed   []error
	)
	for i, s := range a.sources {
		statuses[i] = models.SourceStatus{Name: s.Name(), Priority: s.Priority(), Articles: len(results[i])}
		if errs[i] != nil {
			statuses[i].Error = errs[i].Error()
			failed = append(failed, fmt.Errorf("%s: %w", s.Name(), errs[i]))
			continue
		}
		merged = append(merged, results[i]...)
	}

	if len(failed) == len(a.sources) {
		a.logger.Error("all news sources failed", logger.Int("sources", len(failed)))
		return nil, xhttp.NewClientError(xhttp.KindSourceUnavailable, "all news sources failed").
			WithError(errors.Join(failed...))
	}

	articles := Dedup(merged, a.similar)
	sort.SliceStable(articles, func(i, j int) bool {
		return articles[i].PublishedAt.After(articles[j].PublishedAt)
	})

	a.cache.Set(key, articles)
	a.logger.Debug("news merged",
		logger.String("key", key),
		logger.Int("fetched", len(merged)),
		logger.Int("kept", len(articles)),
		logger.Int("failed_sources", len(failed)),
	)
	return &loadResult{articles: articles, statuses: statuses}, nil
}

func (a *Aggregator) fetchSource(ctx context.Context, s source, filter models.NewsFilter) ([]models.Article, error) {
	waitStart := time.Now()
	if err := s.limiter.Acquire(ctx, s.Name()); err != nil {
		return nil, err
	}
	a.metrics.RecordRateLimitWait(s.Name(), time.Since(waitStart))

	ctx, cancel := context.WithTimeout(ctx, a.cfg.SourceTimeout)
	defer cancel()

	start := time.Now()
	articles, err := s.Fetch(ctx, filter)
	if err != nil {
		a.metrics.RecordSourceFetch(s.Name(), "failure", time.Since(start))
		a.logger.Warn("news source failed", logger.String("source", s.Name()), logger.Error(err))
		return nil, err
	}
	a.metrics.RecordSourceFetch(s.Name(), "success", time.Since(start))

	out := make([]models.Article, 0, len(articles))
	for _, art := range articles {
		if !filter.Since.IsZero() && art.PublishedAt.Before(filter.Since) {
			continue
		}
		if art.Source == "" {
			art.Source = s.Name()
		}
		art.SourcePriority = s.Priority()
		out = append(out, art)
	}
	return out, nil
}

func (a *Aggregator) normalize(f models.NewsFilter) models.NewsFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize <= 0 {
		f.PageSize = a.cfg.DefaultPageSize
	}
	if f.PageSize > a.cfg.MaxPageSize {
		f.PageSize = a.cfg.MaxPageSize
	}
	f.Query = strings.TrimSpace(f.Query)
	f.Category = strings.ToLower(strings.TrimSpace(f.Category))
	if len(f.Symbols) > 0 {
		symbols := make([]string, 0, len(f.Symbols))
		for _, s := range f.Symbols {
			if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
				symbols = append(symbols, s)
			}
		}
		sort.Strings(symbols)
		f.Symbols = symbols
	}
	return f
}

// cacheKey identifies the merged list for a filter. Pagination is not part of it.
func cacheKey(f models.NewsFilter) string {
	params := map[string]string{
		"q":        f.Query,
		"category": f.Category,
		"symbols":  strings.Join(f.Symbols, ","),
	}
	if !f.Since.IsZero() {
		params["since"] = fmt.Sprintf("%d", f.Since.Unix())
	}
	return cache.GenerateKeyFromMap(cacheName, params)
}

func paginate(articles []models.Article, f models.NewsFilter, cached bool, statuses []models.SourceStatus) models.NewsPage {
	total := len(articles)
	start := total
	// compare before multiplying so a huge page number cannot overflow
	if f.Page-1 <= total/f.PageSize {
		start = min((f.Page-1)*f.PageSize, total)
	}
	end := start + f.PageSize
	if end > total {
		end = total
	}

	page := make([]models.Article, end-start)
	copy(page, articles[start:end])
	return models.NewsPage{
		Articles:   page,
		TotalCount: total,
		HasMore:    end < total,
		Page:       f.Page,
		PageSize:   f.PageSize,
		Cached:     cached,
		Sources:    statuses,
	}
}
