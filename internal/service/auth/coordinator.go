package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	xhttp "MarketGate/pkg/http"
	"MarketGate/pkg/logger"

	"golang.org/x/sync/singleflight"
)

// ErrNoRefreshToken is returned when a refresh is needed but no refresh token is held.
var ErrNoRefreshToken = errors.New("auth: no refresh token")

// Credentials is the credential set the coordinator guards.
type Credentials struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Refresher performs the refresh network call.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (Credentials, error)
}

// Metrics is the subset of the recorder the coordinator reports to.
type Metrics interface {
	RecordTokenRefresh(result string)
}

type noopMetrics struct{}

func (noopMetrics) RecordTokenRefresh(string) {}

const refreshKey = "refresh"

// Coordinator owns one credential set and makes sure at most one refresh call
// is in flight for it. Concurrent callers share the in-flight result.
type Coordinator struct {
	mu        sync.RWMutex
	creds     Credentials
	refresher Refresher
	group     singleflight.Group
	timeout   time.Duration
	signOut   []func(error)
	logger    *logger.Logger
	metrics   Metrics
}

type Option func(*Coordinator)

// WithRefreshTimeout bounds the refresh call itself.
func WithRefreshTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// OnAuthFailure registers a hook run after a failed refresh, once per failed refresh.
func OnAuthFailure(fn func(error)) Option {
	return func(c *Coordinator) { c.signOut = append(c.signOut, fn) }
}

func WithLogger(l *logger.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithMetrics(m Metrics) Option {
	return func(c *Coordinator) {
		if m != nil {
			c.metrics = m
		}
	}
}

func NewCoordinator(initial Credentials, refresher Refresher, opts ...Option) *Coordinator {
	c := &Coordinator{
		creds:     initial,
		refresher: refresher,
		timeout:   15 * time.Second,
		logger:    logger.Nop(),
		metrics:   noopMetrics{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Credentials returns a copy of the current credentials.
func (c *Coordinator) Credentials() Credentials {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.creds
}

// AccessToken returns the current access token, empty after a failed refresh.
func (c *Coordinator) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.creds.AccessToken
}

// RefreshOnce refreshes the credentials, joining a refresh already in flight.
// The refresh runs detached from ctx, so one waiter giving up does not fail the others.
func (c *Coordinator) RefreshOnce(ctx context.Context) (Credentials, error) {
	ch := c.group.DoChan(refreshKey, func() (interface{}, error) {
		return c.refresh(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Credentials{}, res.Err
		}
		return res.Val.(Credentials), nil
	case <-ctx.Done():
		return Credentials{}, ctx.Err()
	}
}

// RefreshIfStale refreshes only if stale is still the current access token.
// A request that was rejected with a token already replaced reuses the new one.
func (c *Coordinator) RefreshIfStale(ctx context.Context, stale string) (Credentials, error) {
	cur := c.Credentials()
	if cur.AccessToken != "" && cur.AccessToken != stale {
		return cur, nil
	}
	return c.RefreshOnce(ctx)
}

// Renew implements the pipeline's TokenSource.
func (c *Coordinator) Renew(ctx context.Context, rejected string) (string, error) {
	creds, err := c.RefreshIfStale(ctx, rejected)
	if err != nil {
		return "", err
	}
	return creds.AccessToken, nil
}

func (c *Coordinator) refresh(ctx context.Context) (Credentials, error) {
	c.mu.RLock()
	refreshToken := c.creds.RefreshToken
	c.mu.RUnlock()

	if refreshToken == "" {
		return Credentials{}, c.fail(ErrNoRefreshToken)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	creds, err := c.refresher.Refresh(ctx, refreshToken)
	if err != nil {
		return Credentials{}, c.fail(err)
	}
	if creds.RefreshToken == "" {
		// upstream does not rotate refresh tokens
		creds.RefreshToken = refreshToken
	}

	c.mu.Lock()
	c.creds = creds
	c.mu.Unlock()

	c.metrics.RecordTokenRefresh("success")
	c.logger.Info("access token refreshed",
		logger.Duration("duration_ms", time.Since(start)),
		logger.Any("expires_at", creds.ExpiresAt),
	)
	return creds, nil
}

func (c *Coordinator) fail(cause error) error {
	c.mu.Lock()
	c.creds = Credentials{}
	c.mu.Unlock()

	c.metrics.RecordTokenRefresh("failure")
	c.logger.Error("token refresh failed, signing out", logger.Error(cause))

	err := xhttp.NewClientError(xhttp.KindAuthentication, "token refresh failed").WithError(cause)
	for _, fn := range c.signOut {
		fn(err)
	}
	return err
}
