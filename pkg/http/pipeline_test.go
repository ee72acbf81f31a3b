package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type delayRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *delayRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *delayRecorder) all() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func newTestPipeline(srvURL string, rec *delayRecorder, opts ...PipelineOption) *Pipeline {
	base := []PipelineOption{
		WithRetryPolicy(RetryPolicy{MaxAttempts: 3, Backoff: NewBackoff(100*time.Millisecond, 0)}),
		WithSleeper(rec.sleep),
	}
	return NewPipeline(NewClient(WithBaseURL(srvURL), WithTimeout(2*time.Second)), append(base, opts...)...)
}

func asClientError(t *testing.T, err error) *ClientError {
	t.Helper()
	var ce *ClientError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *ClientError, got %T: %v", err, err)
	}
	return ce
}

func TestPipelineRetriesServerErrorsWithBackoff(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"price":"42000"}`))
	}))
	defer srv.Close()

	rec := &delayRecorder{}
	p := newTestPipeline(srv.URL, rec)

	var out struct {
		Price string `json:"price"`
	}
	if err := p.ExecuteJSON(context.Background(), &Request{Method: MethodGet, URL: "/ticker"}, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Price != "42000" {
		t.Fatalf("price = %q", out.Price)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}

	delays := rec.all()
	if len(delays) != 2 {
		t.Fatalf("delays = %v, want 2 entries", delays)
	}
	for k, d := range delays {
		lo := (100 * time.Millisecond) << k
		hi := lo + lo/10
		if d < lo || d > hi {
			t.Fatalf("delay %d = %v, want within [%v, %v]", k, d, lo, hi)
		}
	}
}

func TestPipelineExhaustsRetriesWithLastClassification(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"success":false,"error":{"code":"UPSTREAM_DOWN","message":"maintenance"}}`))
	}))
	defer srv.Close()

	p := newTestPipeline(srv.URL, &delayRecorder{})
	_, err := p.Execute(context.Background(), &Request{URL: "/orders", Provider: "exchange"})

	ce := asClientError(t, err)
	if ce.Kind != KindServer || ce.Code != "ERR_SERVER" {
		t.Fatalf("kind = %s code = %s", ce.Kind, ce.Code)
	}
	if ce.Attempts != 3 || calls.Load() != 3 {
		t.Fatalf("attempts = %d calls = %d, want 3", ce.Attempts, calls.Load())
	}
	if ce.Message != "maintenance" || ce.UpstreamCode != "UPSTREAM_DOWN" {
		t.Fatalf("envelope not used: %+v", ce)
	}
	if ce.Provider != "exchange" || ce.Status != http.StatusBadGateway {
		t.Fatalf("unexpected provider/status: %+v", ce)
	}
}

func TestPipelineClassification(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		wantKind  ErrorKind
		wantCalls int32
	}{
		{"validation is terminal", http.StatusUnprocessableEntity, KindValidation, 1},
		{"not found is terminal", http.StatusNotFound, KindValidation, 1},
		{"429 is retried", http.StatusTooManyRequests, KindRateLimited, 3},
		{"401 without auth middleware is terminal", http.StatusUnauthorized, KindAuthentication, 1},
		{"5xx is retried", http.StatusInternalServerError, KindServer, 3},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			_, err := newTestPipeline(srv.URL, &delayRecorder{}).Execute(context.Background(), &Request{URL: "/x"})
			if ce := asClientError(t, err); ce.Kind != tc.wantKind {
				t.Fatalf("kind = %s, want %s", ce.Kind, tc.wantKind)
			}
			if calls.Load() != tc.wantCalls {
				t.Fatalf("calls = %d, want %d", calls.Load(), tc.wantCalls)
			}
		})
	}
}

func TestPipelineNetworkErrorIsRetried(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	rec := &delayRecorder{}
	_, err := newTestPipeline(url, rec).Execute(context.Background(), &Request{URL: "/x"})

	ce := asClientError(t, err)
	if ce.Kind != KindNetwork || ce.Attempts != 3 {
		t.Fatalf("kind = %s attempts = %d", ce.Kind, ce.Attempts)
	}
	if len(rec.all()) != 2 {
		t.Fatalf("expected two backoff sleeps, got %v", rec.all())
	}
}

func TestPipelineNilResponseIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	var calls atomic.Int32
	swallow := MiddlewareFunc(func(context.Context, *Request, Handler) (*Response, error) {
		calls.Add(1)
		return nil, nil
	})

	rec := &delayRecorder{}
	_, err := newTestPipeline(srv.URL, rec, WithMiddleware(swallow)).Execute(context.Background(), &Request{URL: "/x"})

	ce := asClientError(t, err)
	if ce.Kind != KindNetwork || ce.Attempts != 3 || calls.Load() != 3 {
		t.Fatalf("kind = %s attempts = %d calls = %d", ce.Kind, ce.Attempts, calls.Load())
	}
}

func TestPipelineTimeoutIsRetryable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	p := NewPipeline(
		NewClient(WithBaseURL(srv.URL), WithTimeout(30*time.Millisecond)),
		WithRetryPolicy(RetryPolicy{MaxAttempts: 2, Backoff: NewBackoff(time.Millisecond, 0)}),
		WithSleeper((&delayRecorder{}).sleep),
	)
	_, err := p.Execute(context.Background(), &Request{URL: "/slow"})

	ce := asClientError(t, err)
	if ce.Kind != KindTimeout || ce.Code != "ERR_TIMEOUT" {
		t.Fatalf("kind = %s", ce.Kind)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

func TestPipelineCancelDuringBackoff(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	p := NewPipeline(NewClient(WithBaseURL(srv.URL)), WithSleeper(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	_, err := p.Execute(ctx, &Request{URL: "/x"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestPipelineResendsBodyAndRequestID(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []string
		ids    []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(b))
		ids = append(ids, r.Header.Get(HeaderRequestID))
		n := len(bodies)
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	p := newTestPipeline(srv.URL, &delayRecorder{}, WithMiddleware(RequestID{}))
	req := &Request{Method: MethodPost, URL: "/orders", Body: map[string]string{"symbol": "BTCUSDT"}}
	if _, err := p.Execute(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 2 || bodies[0] != bodies[1] || bodies[0] != `{"symbol":"BTCUSDT"}` {
		t.Fatalf("bodies = %q", bodies)
	}
	if ids[0] == "" || ids[0] != ids[1] {
		t.Fatalf("request ids = %q, want one stable id", ids)
	}
}

type fakeTokens struct {
	mu       sync.Mutex
	token    string
	renewals int
	fail     error
}

func (f *fakeTokens) AccessToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token
}

func (f *fakeTokens) Renew(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renewals++
	if f.fail != nil {
		return "", f.fail
	}
	f.token = "fresh"
	return f.token, nil
}

func bearerServer(calls *atomic.Int32, accept string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Authorization") != "Bearer "+accept {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"success":false,"error":{"code":"TOKEN_EXPIRED","message":"token expired"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"data":{"balance":10}}`))
	}))
}

func TestAuthRefreshesAndReplaysOnce(t *testing.T) {
	var calls atomic.Int32
	srv := bearerServer(&calls, "fresh")
	defer srv.Close()

	tokens := &fakeTokens{token: "stale"}
	rec := &delayRecorder{}
	p := newTestPipeline(srv.URL, rec, WithMiddleware(NewAuth(tokens)))

	var out struct {
		Balance int `json:"balance"`
	}
	if err := p.ExecuteEnvelope(context.Background(), &Request{URL: "/account"}, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Balance != 10 {
		t.Fatalf("balance = %d", out.Balance)
	}
	if calls.Load() != 2 || tokens.renewals != 1 {
		t.Fatalf("calls = %d renewals = %d", calls.Load(), tokens.renewals)
	}
	if len(rec.all()) != 0 {
		t.Fatalf("replay must not consume retry budget, slept %v", rec.all())
	}
}

func TestAuthSecond401IsTerminal(t *testing.T) {
	var calls atomic.Int32
	srv := bearerServer(&calls, "never")
	defer srv.Close()

	tokens := &fakeTokens{token: "stale"}
	p := newTestPipeline(srv.URL, &delayRecorder{}, WithMiddleware(NewAuth(tokens)))

	_, err := p.Execute(context.Background(), &Request{URL: "/account"})
	ce := asClientError(t, err)
	if ce.Kind != KindAuthentication || ce.UpstreamCode != "TOKEN_EXPIRED" {
		t.Fatalf("unexpected error %+v", ce)
	}
	if calls.Load() != 2 || tokens.renewals != 1 {
		t.Fatalf("calls = %d renewals = %d, want 2 and 1", calls.Load(), tokens.renewals)
	}
}

func TestAuthRefreshFailureIsTerminal(t *testing.T) {
	var calls atomic.Int32
	srv := bearerServer(&calls, "fresh")
	defer srv.Close()

	tokens := &fakeTokens{token: "stale", fail: errors.New("refresh token revoked")}
	p := newTestPipeline(srv.URL, &delayRecorder{}, WithMiddleware(NewAuth(tokens)))

	_, err := p.Execute(context.Background(), &Request{URL: "/account"})
	if ce := asClientError(t, err); ce.Kind != KindAuthentication {
		t.Fatalf("kind = %s", ce.Kind)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

type countingLimiter struct {
	mu        sync.Mutex
	providers []string
}

func (l *countingLimiter) Acquire(_ context.Context, provider string) error {
	l.mu.Lock()
	l.providers = append(l.providers, provider)
	l.mu.Unlock()
	return nil
}

func TestRateLimitMiddlewareGatesEveryAttempt(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	lim := &countingLimiter{}
	p := newTestPipeline(srv.URL, &delayRecorder{}, WithMiddleware(NewRateLimit(lim, nil)))

	if _, err := p.Execute(context.Background(), &Request{URL: "/x", Provider: "binance"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := p.Execute(context.Background(), &Request{URL: "/x"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	lim.mu.Lock()
	defer lim.mu.Unlock()
	if len(lim.providers) != 2 || lim.providers[0] != "binance" || lim.providers[1] != "binance" {
		t.Fatalf("limiter saw %v, want two binance acquisitions", lim.providers)
	}
}

func TestDecodeEnvelopeRejected(t *testing.T) {
	resp := &Response{StatusCode: http.StatusOK, Body: []byte(`{"success":false,"error":{"code":"BAD_SYMBOL","message":"unknown symbol"}}`)}

	var out json.RawMessage
	ce := asClientError(t, DecodeEnvelope(resp, &out))
	if ce.Kind != KindValidation || ce.UpstreamCode != "BAD_SYMBOL" || ce.Message != "unknown symbol" {
		t.Fatalf("unexpected error %+v", ce)
	}

	notEnvelope := &Response{StatusCode: http.StatusOK, Body: []byte(`[1,2,3]`)}
	if err := DecodeEnvelope(notEnvelope, &out); !IsKind(err, KindValidation) {
		t.Fatalf("expected validation error for non-envelope body, got %v", err)
	}
}
