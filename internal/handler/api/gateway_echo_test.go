package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"MarketGate/internal/domain/models"
	"MarketGate/internal/service/stream"
	xhttp "MarketGate/pkg/http"

	"github.com/labstack/echo/v4"
)

type stubNews struct {
	last        models.NewsFilter
	page        models.NewsPage
	err         error
	invalidated int
}

func (s *stubNews) Fetch(_ context.Context, f models.NewsFilter) (models.NewsPage, error) {
	s.last = f
	return s.page, s.err
}

func (s *stubNews) Sources() []string { return []string{"newsapi", "rss"} }

func (s *stubNews) Invalidate() { s.invalidated++ }

type stubStreams struct {
	active  []string
	added   []string
	removed []string
}

func (s *stubStreams) AddStream(key string) error {
	s.added = append(s.added, key)
	s.active = append(s.active, key)
	return nil
}

func (s *stubStreams) RemoveStream(key string) error {
	s.removed = append(s.removed, key)
	for i, k := range s.active {
		if k == key {
			s.active = append(s.active[:i], s.active[i+1:]...)
			break
		}
	}
	return nil
}

func (s *stubStreams) Streams() []string { return s.active }

func (s *stubStreams) Stats() stream.Stats { return stream.Stats{State: stream.StateConnected} }
func (s *stubStreams) IsConnected() bool   { return true }

func newTestEcho(h *GatewayEchoHandler) *echo.Echo {
	e := echo.New()
	h.RegisterRoutes(e)
	return e
}

func serve(e *echo.Echo, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) xhttp.Envelope {
	t.Helper()
	var env xhttp.Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("body %q: %v", rec.Body.String(), err)
	}
	return env
}

func TestNewsAppliesDefaultsAndFilter(t *testing.T) {
	news := &stubNews{page: models.NewsPage{TotalCount: 1, Articles: []models.Article{{Title: "x"}}}}
	e := newTestEcho(NewGatewayEchoHandler(nil, news, &stubStreams{}, 100, 100))

	rec := serve(e, http.MethodGet, "/api/news?q=fed&symbols=aapl,msft&since=2026-03-01T00:00:00Z", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	if env := decode(t, rec); !env.Success {
		t.Fatalf("envelope = %+v", env)
	}
	if news.last.Page != 1 || news.last.PageSize != 20 {
		t.Fatalf("defaults not applied: %+v", news.last)
	}
	if news.last.Query != "fed" || len(news.last.Symbols) != 2 || news.last.Since.IsZero() {
		t.Fatalf("filter = %+v", news.last)
	}
}

func TestNewsRejectsInvalidQuery(t *testing.T) {
	e := newTestEcho(NewGatewayEchoHandler(nil, &stubNews{}, &stubStreams{}, 100, 100))

	rec := serve(e, http.MethodGet, "/api/news?pageSize=500", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	env := decode(t, rec)
	if env.Success || env.Error == nil || len(env.Error.Details) == 0 {
		t.Fatalf("envelope = %+v", env)
	}
}

func TestNewsMapsErrorKinds(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"all sources down", xhttp.NewClientError(xhttp.KindSourceUnavailable, "no source"), http.StatusServiceUnavailable, "ERR_SOURCE_UNAVAILABLE"},
		{"rate limited", xhttp.NewClientError(xhttp.KindRateLimited, "slow down"), http.StatusTooManyRequests, "ERR_RATE_LIMITED"},
		{"timeout", xhttp.NewClientError(xhttp.KindTimeout, "late"), http.StatusGatewayTimeout, "ERR_TIMEOUT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEcho(NewGatewayEchoHandler(nil, &stubNews{err: tt.err}, &stubStreams{}, 100, 100))
			rec := serve(e, http.MethodGet, "/api/news", "")
			if rec.Code != tt.status {
				t.Fatalf("status = %d", rec.Code)
			}
			if env := decode(t, rec); env.Error == nil || env.Error.Code != tt.code {
				t.Fatalf("envelope = %+v", env)
			}
		})
	}
}

func TestStreamRoutes(t *testing.T) {
	streams := &stubStreams{}
	e := newTestEcho(NewGatewayEchoHandler(nil, &stubNews{}, streams, 100, 100))

	if rec := serve(e, http.MethodPost, "/api/streams", `{"stream":"btcusdt@trade"}`); rec.Code != http.StatusCreated {
		t.Fatalf("POST status = %d body = %s", rec.Code, rec.Body.String())
	}
	if rec := serve(e, http.MethodPost, "/api/streams", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("POST without stream = %d", rec.Code)
	}
	if rec := serve(e, http.MethodDelete, "/api/streams/btcusdt@trade", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("DELETE status = %d", rec.Code)
	}
	if len(streams.added) != 1 || len(streams.removed) != 1 || streams.removed[0] != "btcusdt@trade" {
		t.Fatalf("added = %v removed = %v", streams.added, streams.removed)
	}

	rec := serve(e, http.MethodGet, "/api/streams", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"connected":true`) {
		t.Fatalf("GET streams = %d %s", rec.Code, rec.Body.String())
	}
}

func TestRemoveUnknownStreamIsNotFound(t *testing.T) {
	streams := &stubStreams{active: []string{"btcusdt@trade"}}
	e := newTestEcho(NewGatewayEchoHandler(nil, &stubNews{}, streams, 100, 100))

	rec := serve(e, http.MethodDelete, "/api/streams/ethusdt@trade", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	env := decode(t, rec)
	if env.Error == nil || env.Error.Code != "ERR_NOT_FOUND" || env.Error.Params["stream"] != "ethusdt@trade" {
		t.Fatalf("envelope = %+v", env)
	}
	if len(streams.removed) != 0 {
		t.Fatalf("removed = %v", streams.removed)
	}
}

func TestNewsRejectsHugePage(t *testing.T) {
	news := &stubNews{}
	e := newTestEcho(NewGatewayEchoHandler(nil, news, &stubStreams{}, 100, 100))

	rec := serve(e, http.MethodGet, "/api/news?page=922337203685477580", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if news.last.Page != 0 {
		t.Fatalf("fetch should not run, got filter %+v", news.last)
	}
}

func TestClearNewsCache(t *testing.T) {
	news := &stubNews{}
	e := newTestEcho(NewGatewayEchoHandler(nil, news, &stubStreams{}, 100, 100))

	if rec := serve(e, http.MethodDelete, "/api/news/cache", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if news.invalidated != 1 {
		t.Fatalf("invalidated = %d", news.invalidated)
	}
}

func TestPerClientThrottle(t *testing.T) {
	e := newTestEcho(NewGatewayEchoHandler(nil, &stubNews{}, &stubStreams{}, 0.001, 1))

	if rec := serve(e, http.MethodGet, "/api/streams", ""); rec.Code != http.StatusOK {
		t.Fatalf("first = %d", rec.Code)
	}
	rec := serve(e, http.MethodGet, "/api/streams", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second = %d", rec.Code)
	}

	// health is outside the throttled group
	if rec := serve(e, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
}
