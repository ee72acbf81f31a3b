package sources

import (
	"bytes"
	"context"
	"strings"
	"time"

	"MarketGate/internal/domain/models"
	xhttp "MarketGate/pkg/http"

	"github.com/mmcdole/gofeed"
)

// RSSConfig describes one RSS or Atom feed.
type RSSConfig struct {
	Name     string
	Priority int
	URL      string
	Category string
	MaxAge   time.Duration
}

// RSS fetches a feed through the request pipeline and parses it with gofeed.
type RSS struct {
	cfg      RSSConfig
	pipeline *xhttp.Pipeline
	parser   *gofeed.Parser
	now      func() time.Time
}

func NewRSS(cfg RSSConfig, pipeline *xhttp.Pipeline) *RSS {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 7 * 24 * time.Hour
	}
	return &RSS{cfg: cfg, pipeline: pipeline, parser: gofeed.NewParser(), now: time.Now}
}

func (s *RSS) Name() string  { return s.cfg.Name }
func (s *RSS) Priority() int { return s.cfg.Priority }

func (s *RSS) Fetch(ctx context.Context, filter models.NewsFilter) ([]models.Article, error) {
	req := &xhttp.Request{Provider: s.cfg.Name, Method: xhttp.MethodGet, URL: s.cfg.URL}
	req.SetHeader("Accept", "application/rss+xml, application/atom+xml, application/xml;q=0.9, */*;q=0.8")

	resp, err := s.pipeline.Execute(ctx, req)
	if err != nil {
		return nil, err
	}

	feed, err := s.parser.Parse(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, xhttp.NewClientError(xhttp.KindValidation, "malformed feed").WithError(err)
	}

	now := s.now()
	oldest := now.Add(-s.cfg.MaxAge)
	query := strings.ToLower(filter.Query)

	articles := make([]models.Article, 0, len(feed.Items))
	for _, item := range feed.Items {
		if item.Title == "" {
			continue
		}
		pub := now
		if item.PublishedParsed != nil {
			pub = *item.PublishedParsed
		} else if item.UpdatedParsed != nil {
			pub = *item.UpdatedParsed
		}
		if pub.Before(oldest) {
			continue
		}

		summary := stripHTML(item.Description)
		if query != "" && !strings.Contains(strings.ToLower(item.Title+" "+summary), query) {
			continue
		}
		if filter.Category != "" && s.cfg.Category != "" && !strings.EqualFold(filter.Category, s.cfg.Category) {
			continue
		}

		key := item.GUID
		if key == "" {
			key = item.Link
		}
		articles = append(articles, models.Article{
			ID:          articleID(s.cfg.Name, key),
			Title:       strings.TrimSpace(item.Title),
			URL:         item.Link,
			Summary:     truncate(summary, 300),
			Source:      s.cfg.Name,
			Category:    s.cfg.Category,
			PublishedAt: pub.UTC(),
		})
	}
	return articles, nil
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-3]) + "..."
}

func stripHTML(s string) string {
	var b strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
