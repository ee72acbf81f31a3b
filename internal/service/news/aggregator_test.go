package news

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"MarketGate/internal/domain/models"
	"MarketGate/internal/domain/repository"
	"MarketGate/pkg/cache"
	xhttp "MarketGate/pkg/http"
)

type fakeSource struct {
	name     string
	priority int
	articles []models.Article
	err      error
	block    chan struct{}
	calls    atomic.Int32
}

func (s *fakeSource) Name() string  { return s.name }
func (s *fakeSource) Priority() int { return s.priority }

func (s *fakeSource) Fetch(ctx context.Context, _ models.NewsFilter) ([]models.Article, error) {
	s.calls.Add(1)
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return append([]models.Article(nil), s.articles...), nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var base = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func article(title string, minutes int) models.Article {
	return models.Article{
		ID:          title,
		Title:       title,
		PublishedAt: base.Add(time.Duration(minutes) * time.Minute),
	}
}

func newAggregator(sources ...repository.NewsSource) *Aggregator {
	return NewAggregator(sources, Config{SourceTimeout: time.Second})
}

func TestDuplicateKeepsLaterPublishedAt(t *testing.T) {
	wire := &fakeSource{name: "wire", priority: 2, articles: []models.Article{
		article("Bitcoin rallies past 70k as ETF inflows surge", 0),
	}}
	blog := &fakeSource{name: "blog", priority: 1, articles: []models.Article{
		article("bitcoin rallies past 70k, analysts say", 5),
	}}

	page, err := newAggregator(wire, blog).Fetch(context.Background(), models.NewsFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Articles) != 1 {
		t.Fatalf("got %d articles, want 1", len(page.Articles))
	}
	got := page.Articles[0]
	if got.Source != "blog" || !got.PublishedAt.Equal(base.Add(5*time.Minute)) {
		t.Fatalf("kept %+v, want the later blog article", got)
	}
}

func TestDuplicateTieKeepsHigherPriority(t *testing.T) {
	low := &fakeSource{name: "low", priority: 1, articles: []models.Article{article("Fed holds rates steady again", 0)}}
	high := &fakeSource{name: "high", priority: 9, articles: []models.Article{article("Fed holds rates steady again today", 0)}}

	page, err := newAggregator(low, high).Fetch(context.Background(), models.NewsFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Articles) != 1 || page.Articles[0].Source != "high" {
		t.Fatalf("got %+v", page.Articles)
	}
}

func TestSortsDescendingAndPaginates(t *testing.T) {
	src := &fakeSource{name: "s", priority: 1, articles: []models.Article{
		article("alpha headline one", 1),
		article("bravo headline two", 5),
		article("charlie headline three", 3),
		article("delta headline four", 4),
		article("echo headline five", 2),
	}}
	a := newAggregator(src)

	page, err := a.Fetch(context.Background(), models.NewsFilter{Page: 2, PageSize: 2})
	if err != nil {
		t.Fatal(err)
	}
	if page.TotalCount != 5 || !page.HasMore || len(page.Articles) != 2 {
		t.Fatalf("page = %+v", page)
	}
	if page.Articles[0].Title != "charlie headline three" || page.Articles[1].Title != "echo headline five" {
		t.Fatalf("page 2 = %q, %q", page.Articles[0].Title, page.Articles[1].Title)
	}

	last, _ := a.Fetch(context.Background(), models.NewsFilter{Page: 3, PageSize: 2})
	if last.HasMore || len(last.Articles) != 1 || !last.Cached {
		t.Fatalf("last page = %+v", last)
	}
	if src.calls.Load() != 1 {
		t.Fatalf("pagination must reuse the cached merge, calls = %d", src.calls.Load())
	}

	beyond, _ := a.Fetch(context.Background(), models.NewsFilter{Page: 9, PageSize: 2})
	if len(beyond.Articles) != 0 || beyond.HasMore {
		t.Fatalf("beyond = %+v", beyond)
	}
}

func TestHugePageIsEmpty(t *testing.T) {
	src := &fakeSource{name: "s", priority: 1, articles: []models.Article{
		article("alpha headline one", 1),
		article("bravo headline two", 2),
	}}
	a := newAggregator(src)

	page, err := a.Fetch(context.Background(), models.NewsFilter{Page: math.MaxInt64 / 10, PageSize: 20})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Articles) != 0 || page.HasMore || page.TotalCount != 2 {
		t.Fatalf("page = %+v", page)
	}
}

func TestCacheKeySeparatesFilters(t *testing.T) {
	a := cacheKey(models.NewsFilter{Category: "a:q=b"})
	b := cacheKey(models.NewsFilter{Category: "a", Query: "b:q="})
	if a == b {
		t.Fatalf("distinct filters share key %q", a)
	}
}

func TestAllSourcesFailing(t *testing.T) {
	a := newAggregator(
		&fakeSource{name: "a", priority: 1, err: errors.New("boom")},
		&fakeSource{name: "b", priority: 2, err: xhttp.NewClientError(xhttp.KindServer, "upstream 503")},
	)

	_, err := a.Fetch(context.Background(), models.NewsFilter{})
	if !xhttp.IsKind(err, xhttp.KindSourceUnavailable) {
		t.Fatalf("err = %v, want source_unavailable", err)
	}
	if k, _ := xhttp.KindOf(err); k.Code() != "ERR_SOURCE_UNAVAILABLE" {
		t.Fatalf("code = %s", k.Code())
	}
	if !xhttp.IsKind(errors.Unwrap(err), xhttp.KindServer) {
		t.Fatalf("per-source errors should stay reachable: %v", err)
	}
}

func TestPartialFailureAndEmptySuccess(t *testing.T) {
	failing := &fakeSource{name: "down", priority: 5, err: errors.New("timeout")}
	empty := &fakeSource{name: "quiet", priority: 1}

	page, err := newAggregator(failing, empty).Fetch(context.Background(), models.NewsFilter{})
	if err != nil {
		t.Fatalf("one empty success should be enough: %v", err)
	}
	if len(page.Articles) != 0 || page.TotalCount != 0 {
		t.Fatalf("page = %+v", page)
	}
	if len(page.Sources) != 2 || page.Sources[0].Name != "down" || page.Sources[0].Error == "" {
		t.Fatalf("sources = %+v", page.Sources)
	}
	if page.Sources[1].Error != "" {
		t.Fatalf("quiet source reported %q", page.Sources[1].Error)
	}
}

func TestCacheServesWithinTTL(t *testing.T) {
	clock := &fakeClock{now: base}
	store := cache.New[[]models.Article](cache.WithTTL(5*time.Minute), cache.WithClock(clock.Now))
	src := &fakeSource{name: "s", priority: 1, articles: []models.Article{article("only story here today", 0)}}
	a := NewAggregator([]repository.NewsSource{src}, Config{}, WithCache(store))

	filter := models.NewsFilter{Category: "crypto"}
	if _, err := a.Fetch(context.Background(), filter); err != nil {
		t.Fatal(err)
	}

	clock.Advance(4 * time.Minute)
	page, err := a.Fetch(context.Background(), filter)
	if err != nil || !page.Cached {
		t.Fatalf("4m later: cached=%v err=%v", page.Cached, err)
	}
	if src.calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", src.calls.Load())
	}

	clock.Advance(2 * time.Minute)
	page, err = a.Fetch(context.Background(), filter)
	if err != nil || page.Cached {
		t.Fatalf("6m later: cached=%v err=%v", page.Cached, err)
	}
	if src.calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", src.calls.Load())
	}

	// different filter, different entry
	if _, err := a.Fetch(context.Background(), models.NewsFilter{Category: "macro"}); err != nil {
		t.Fatal(err)
	}
	if src.calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", src.calls.Load())
	}
}

func TestInvalidateForcesRefetch(t *testing.T) {
	src := &fakeSource{name: "s", priority: 1, articles: []models.Article{article("only story here today", 0)}}
	a := newAggregator(src)

	for i := 0; i < 2; i++ {
		if _, err := a.Fetch(context.Background(), models.NewsFilter{}); err != nil {
			t.Fatal(err)
		}
	}
	if src.calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", src.calls.Load())
	}

	a.Invalidate()
	page, err := a.Fetch(context.Background(), models.NewsFilter{})
	if err != nil || page.Cached {
		t.Fatalf("after invalidate: cached=%v err=%v", page.Cached, err)
	}
	if src.calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", src.calls.Load())
	}
}

func TestFailedFetchIsNotCached(t *testing.T) {
	src := &fakeSource{name: "s", priority: 1, err: errors.New("down")}
	a := newAggregator(src)

	for i := 0; i < 2; i++ {
		if _, err := a.Fetch(context.Background(), models.NewsFilter{}); err == nil {
			t.Fatal("expected error")
		}
	}
	if src.calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", src.calls.Load())
	}
}

func TestConcurrentMissesShareOneFetch(t *testing.T) {
	src := &fakeSource{name: "s", priority: 1, block: make(chan struct{}),
		articles: []models.Article{article("shared headline for all", 0)}}
	a := newAggregator(src)

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			page, err := a.Fetch(context.Background(), models.NewsFilter{})
			if err == nil && len(page.Articles) != 1 {
				err = fmt.Errorf("got %d articles", len(page.Articles))
			}
			errs <- err
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(src.block)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}
	if src.calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", src.calls.Load())
	}
}

func TestReplaceableSimilarity(t *testing.T) {
	src := &fakeSource{name: "s", priority: 1, articles: []models.Article{
		{ID: "1", Title: "Totally different words", URL: "https://x/a", PublishedAt: base},
		{ID: "2", Title: "Nothing alike at all", URL: "https://x/a", PublishedAt: base.Add(time.Minute)},
	}}
	sameURL := func(a, b models.Article) bool { return a.URL == b.URL }

	page, err := NewAggregator([]repository.NewsSource{src}, Config{}, WithSimilarity(sameURL)).
		Fetch(context.Background(), models.NewsFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Articles) != 1 || page.Articles[0].ID != "2" {
		t.Fatalf("got %+v", page.Articles)
	}
}

func TestSourcesOrderedByPriority(t *testing.T) {
	a := newAggregator(
		&fakeSource{name: "low", priority: 1},
		&fakeSource{name: "high", priority: 10},
		&fakeSource{name: "mid", priority: 5},
	)
	got := a.Sources()
	if len(got) != 3 || got[0] != "high" || got[1] != "mid" || got[2] != "low" {
		t.Fatalf("sources = %v", got)
	}
}

func TestSinceFilterDropsOlderArticles(t *testing.T) {
	src := &fakeSource{name: "s", priority: 1, articles: []models.Article{
		article("old news from before", 0),
		article("fresh news from after", 30),
	}}
	page, err := newAggregator(src).Fetch(context.Background(), models.NewsFilter{Since: base.Add(10 * time.Minute)})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Articles) != 1 || page.Articles[0].Title != "fresh news from after" {
		t.Fatalf("got %+v", page.Articles)
	}
}
