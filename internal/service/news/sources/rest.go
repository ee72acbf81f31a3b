package sources

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"MarketGate/internal/domain/models"
	xhttp "MarketGate/pkg/http"
	"MarketGate/pkg/util"
)

// Response formats understood by REST.
const (
	FormatNewsAPI  = "newsapi"
	FormatEnvelope = "envelope"
)

// RESTConfig describes one JSON news endpoint.
type RESTConfig struct {
	Name     string
	Priority int
	URL      string
	// Format is FormatNewsAPI ({status, articles}) or FormatEnvelope ({success, data}).
	Format       string
	APIKey       string
	APIKeyHeader string
	PageSize     int
}

// REST fetches articles from a JSON API through the request pipeline, so it inherits
// retries, auth and classification.
type REST struct {
	cfg      RESTConfig
	pipeline *xhttp.Pipeline
}

func NewREST(cfg RESTConfig, pipeline *xhttp.Pipeline) *REST {
	if cfg.Format == "" {
		cfg.Format = FormatEnvelope
	}
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = "X-Api-Key"
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	return &REST{cfg: cfg, pipeline: pipeline}
}

func (s *REST) Name() string  { return s.cfg.Name }
func (s *REST) Priority() int { return s.cfg.Priority }

func (s *REST) Fetch(ctx context.Context, filter models.NewsFilter) ([]models.Article, error) {
	req := &xhttp.Request{
		Provider: s.cfg.Name,
		Method:   xhttp.MethodGet,
		URL:      s.cfg.URL,
		Query:    s.query(filter),
	}
	if s.cfg.APIKey != "" {
		req.SetHeader(s.cfg.APIKeyHeader, s.cfg.APIKey)
	}

	resp, err := s.pipeline.Execute(ctx, req)
	if err != nil {
		return nil, err
	}

	switch s.cfg.Format {
	case FormatNewsAPI:
		return s.parseNewsAPI(resp)
	default:
		return s.parseEnvelope(resp)
	}
}

func (s *REST) query(f models.NewsFilter) map[string][]string {
	q := map[string][]string{
		"pageSize": {strconv.Itoa(s.cfg.PageSize)},
	}
	if f.Query != "" {
		q["q"] = []string{f.Query}
	}
	if f.Category != "" {
		q["category"] = []string{f.Category}
	}
	if len(f.Symbols) > 0 {
		q["symbols"] = []string{strings.Join(f.Symbols, ",")}
	}
	if !f.Since.IsZero() {
		q["from"] = []string{f.Since.UTC().Format("2006-01-02T15:04:05Z")}
	}
	if s.cfg.Format == FormatNewsAPI {
		q["sortBy"] = []string{"publishedAt"}
	}
	return q
}

type newsAPIResponse struct {
	Status   string `json:"status"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Articles []struct {
		Source struct {
			Name string `json:"name"`
		} `json:"source"`
		Title       string `json:"title"`
		Description string `json:"description"`
		URL         string `json:"url"`
		PublishedAt string `json:"publishedAt"`
	} `json:"articles"`
}

func (s *REST) parseNewsAPI(resp *xhttp.Response) ([]models.Article, error) {
	var body newsAPIResponse
	if err := resp.Decode(&body); err != nil {
		return nil, xhttp.NewClientError(xhttp.KindValidation, "malformed newsapi response").WithError(err)
	}
	if body.Status != "ok" {
		ce := xhttp.NewClientError(xhttp.KindValidation, fmt.Sprintf("newsapi status %q: %s", body.Status, body.Message))
		ce.UpstreamCode = body.Code
		return nil, ce
	}

	articles := make([]models.Article, 0, len(body.Articles))
	for _, a := range body.Articles {
		if a.Title == "" || a.URL == "" {
			continue
		}
		published, _ := util.ParseTime(a.PublishedAt)
		articles = append(articles, models.Article{
			ID:          articleID(s.cfg.Name, a.URL),
			Title:       strings.TrimSpace(a.Title),
			URL:         a.URL,
			Summary:     a.Description,
			Source:      s.cfg.Name,
			PublishedAt: published,
		})
	}
	return articles, nil
}

type restArticle struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	URL         string   `json:"url"`
	Summary     string   `json:"summary"`
	Category    string   `json:"category"`
	Symbols     []string `json:"symbols"`
	PublishedAt string   `json:"publishedAt"`
}

func (s *REST) parseEnvelope(resp *xhttp.Response) ([]models.Article, error) {
	var data json.RawMessage
	if err := xhttp.DecodeEnvelope(resp, &data); err != nil {
		return nil, err
	}

	var rows []restArticle
	trimmed := strings.TrimSpace(string(data))
	switch {
	case trimmed == "" || trimmed == "null":
		return []models.Article{}, nil
	case strings.HasPrefix(trimmed, "["):
		if err := json.Unmarshal(data, &rows); err != nil {
			return nil, xhttp.NewClientError(xhttp.KindValidation, "malformed article list").WithError(err)
		}
	default:
		var list struct {
			Rows     []restArticle `json:"rows"`
			Articles []restArticle `json:"articles"`
		}
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, xhttp.NewClientError(xhttp.KindValidation, "malformed article list").WithError(err)
		}
		rows = list.Rows
		if len(rows) == 0 {
			rows = list.Articles
		}
	}

	articles := make([]models.Article, 0, len(rows))
	for _, r := range rows {
		if r.Title == "" {
			continue
		}
		id := r.ID
		if id == "" {
			id = articleID(s.cfg.Name, r.URL+r.Title)
		}
		published, _ := util.ParseTime(r.PublishedAt)
		articles = append(articles, models.Article{
			ID:          id,
			Title:       strings.TrimSpace(r.Title),
			URL:         r.URL,
			Summary:     r.Summary,
			Source:      s.cfg.Name,
			Category:    r.Category,
			Symbols:     r.Symbols,
			PublishedAt: published,
		})
	}
	return articles, nil
}

func articleID(source, key string) string {
	h := sha256.Sum256([]byte(key))
	return fmt.Sprintf("%s_%x", source, h[:12])
}
