package http

import (
	"context"
	"net/http"
	"time"

	"MarketGate/pkg/logger"
)

const HeaderRequestID = "X-Request-ID"

// RequestID stamps the request id on every attempt so upstream logs can be correlated.
type RequestID struct{}

func (RequestID) Handle(ctx context.Context, req *Request, next Handler) (*Response, error) {
	if req.ID != "" {
		req.SetHeader(HeaderRequestID, req.ID)
	}
	return next.Do(ctx, req)
}

// Logging logs each attempt at debug level and failures at warn.
type Logging struct {
	logger *logger.Logger
}

func NewLogging(l *logger.Logger) *Logging {
	if l == nil {
		l = logger.Nop()
	}
	return &Logging{logger: l}
}

func (m *Logging) Handle(ctx context.Context, req *Request, next Handler) (*Response, error) {
	start := time.Now()
	resp, err := next.Do(ctx, req)

	fields := []logger.Field{
		logger.String("request_id", req.ID),
		logger.String("provider", req.Provider),
		logger.String("method", req.Method),
		logger.String("url", req.URL),
		logger.Int("attempt", req.Attempt),
		logger.Duration("duration_ms", time.Since(start)),
	}
	switch {
	case err != nil:
		m.logger.Warn("upstream call failed", append(fields, logger.Error(err))...)
	case resp == nil:
		m.logger.Warn("upstream call returned no response", fields...)
	case !resp.OK():
		m.logger.Warn("upstream call rejected", append(fields, logger.Int("status", resp.StatusCode))...)
	default:
		m.logger.Debug("upstream call", append(fields, logger.Int("status", resp.StatusCode))...)
	}
	return resp, err
}

// Limiter gates calls per provider. Acquire blocks until a slot is free or ctx ends.
type Limiter interface {
	Acquire(ctx context.Context, provider string) error
}

// RateLimit acquires a slot for req.Provider before each network call.
// Requests without a provider are not gated.
type RateLimit struct {
	limiter Limiter
	metrics Metrics
}

func NewRateLimit(limiter Limiter, metrics Metrics) *RateLimit {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &RateLimit{limiter: limiter, metrics: metrics}
}

func (m *RateLimit) Handle(ctx context.Context, req *Request, next Handler) (*Response, error) {
	if req.Provider == "" || m.limiter == nil {
		return next.Do(ctx, req)
	}
	start := time.Now()
	if err := m.limiter.Acquire(ctx, req.Provider); err != nil {
		return nil, err
	}
	m.metrics.RecordRateLimitWait(req.Provider, time.Since(start))
	return next.Do(ctx, req)
}

// TokenSource supplies the access credential and renews it after a 401.
type TokenSource interface {
	AccessToken() string
	// Renew returns a fresh token. rejected is the token the upstream refused;
	// if the source has already moved past it no network refresh is needed.
	Renew(ctx context.Context, rejected string) (string, error)
}

// Auth injects the bearer credential and turns a 401 into one refresh-and-replay.
// The replay happens inside the same attempt, so it does not use the retry budget.
type Auth struct {
	tokens TokenSource
	header string
	scheme string
}

// NewAuth creates the auth middleware using "Authorization: Bearer <token>".
func NewAuth(tokens TokenSource) *Auth {
	return &Auth{tokens: tokens, header: "Authorization", scheme: "Bearer"}
}

func (m *Auth) Handle(ctx context.Context, req *Request, next Handler) (*Response, error) {
	token := m.tokens.AccessToken()
	m.inject(req, token)

	resp, err := next.Do(ctx, req)
	if err != nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}
	// a second 401 after the replay is left for the pipeline to classify as terminal
	if !req.markReplayed() {
		return resp, nil
	}

	fresh, err := m.tokens.Renew(ctx, token)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, NewClientError(KindAuthentication, "credential refresh failed").
			WithStatus(http.StatusUnauthorized).
			WithError(err)
	}

	m.inject(req, fresh)
	return next.Do(ctx, req)
}

func (m *Auth) inject(req *Request, token string) {
	if token == "" {
		delete(req.Headers, m.header)
		return
	}
	req.SetHeader(m.header, m.scheme+" "+token)
}
