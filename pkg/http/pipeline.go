package http

import (
	"context"
	"errors"
	"fmt"
	"time"

	"MarketGate/pkg/logger"

	"github.com/google/uuid"
)

// Handler performs a request. Client is the terminal Handler of every pipeline.
type Handler interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *Request) (*Response, error)

func (f HandlerFunc) Do(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Middleware wraps the rest of the chain.
type Middleware interface {
	Handle(ctx context.Context, req *Request, next Handler) (*Response, error)
}

// MiddlewareFunc adapts a function to Middleware.
type MiddlewareFunc func(ctx context.Context, req *Request, next Handler) (*Response, error)

func (f MiddlewareFunc) Handle(ctx context.Context, req *Request, next Handler) (*Response, error) {
	return f(ctx, req, next)
}

// Metrics is what the pipeline reports. The prometheus recorder satisfies it.
type Metrics interface {
	RecordRequest(provider, outcome string, d time.Duration)
	RecordRetry(provider, kind string)
	RecordRateLimitWait(provider string, d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) RecordRequest(string, string, time.Duration) {}
func (noopMetrics) RecordRetry(string, string)                  {}
func (noopMetrics) RecordRateLimitWait(string, time.Duration)   {}

// PipelineOption configures Pipeline.
type PipelineOption func(*Pipeline)

// Pipeline runs requests through an ordered middleware chain and retries
// retryable failures with exponential backoff.
type Pipeline struct {
	transport   Handler
	middlewares []Middleware
	policy      RetryPolicy
	sleep       Sleeper
	logger      *logger.Logger
	metrics     Metrics

	chain Handler
}

// NewPipeline builds a pipeline. Middleware run in the order given, the first one outermost.
func NewPipeline(transport Handler, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		transport: transport,
		policy:    DefaultRetryPolicy(),
		sleep:     sleepContext,
		logger:    logger.Nop(),
		metrics:   noopMetrics{},
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.policy.MaxAttempts < 1 {
		p.policy.MaxAttempts = 1
	}

	p.chain = p.transport
	for i := len(p.middlewares) - 1; i >= 0; i-- {
		p.chain = link(p.middlewares[i], p.chain)
	}
	return p
}

func link(mw Middleware, next Handler) Handler {
	return HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
		return mw.Handle(ctx, req, next)
	})
}

// Execute sends req, retrying network errors, timeouts, 429 and 5xx up to the
// attempt cap. It returns a 2xx response or a *ClientError; a cancelled ctx
// returns ctx.Err() without further attempts.
func (p *Pipeline) Execute(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := req.encodeBody(); err != nil {
		return nil, NewClientError(KindValidation, "encode request body").WithError(err)
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.state == nil {
		req.state = &requestState{}
	}

	start := time.Now()
	var last *ClientError

	for attempt := 0; attempt < p.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := p.policy.Backoff.Delay(attempt - 1)
			p.metrics.RecordRetry(req.Provider, string(last.Kind))
			p.logger.Debug("retrying upstream request",
				logger.String("request_id", req.ID),
				logger.String("provider", req.Provider),
				logger.String("kind", string(last.Kind)),
				logger.Int("attempt", attempt),
				logger.Duration("delay_ms", delay),
			)
			if err := p.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		call := req.clone()
		call.Attempt = attempt

		resp, err := p.chain.Do(ctx, call)
		if err == nil && resp != nil && resp.OK() {
			p.metrics.RecordRequest(req.Provider, "success", time.Since(start))
			return resp, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			p.metrics.RecordRequest(req.Provider, "canceled", time.Since(start))
			return nil, ctxErr
		}

		ce := p.classify(resp, err)
		ce.Attempts = attempt + 1
		ce.Provider = req.Provider
		if !ce.Retryable() {
			p.metrics.RecordRequest(req.Provider, string(ce.Kind), time.Since(start))
			return nil, ce
		}
		last = ce
	}

	p.metrics.RecordRequest(req.Provider, string(last.Kind), time.Since(start))
	p.logger.Warn("upstream retries exhausted",
		logger.String("request_id", req.ID),
		logger.String("provider", req.Provider),
		logger.String("url", req.URL),
		logger.Error(last),
	)
	return nil, last
}

// ExecuteJSON executes req and decodes the 2xx body into dest.
func (p *Pipeline) ExecuteJSON(ctx context.Context, req *Request, dest interface{}) error {
	resp, err := p.Execute(ctx, req)
	if err != nil {
		return err
	}
	if dest == nil {
		return nil
	}
	return resp.Decode(dest)
}

// ExecuteEnvelope executes req and unwraps a {success, data, error} body into dest.
// success=false on a 2xx is terminal.
func (p *Pipeline) ExecuteEnvelope(ctx context.Context, req *Request, dest interface{}) error {
	resp, err := p.Execute(ctx, req)
	if err != nil {
		return err
	}
	return DecodeEnvelope(resp, dest)
}

func (p *Pipeline) classify(resp *Response, err error) *ClientError {
	if err != nil {
		var ce *ClientError
		if errors.As(err, &ce) {
			return ce
		}
		return NewClientError(KindNetwork, "request failed").WithError(err)
	}
	if resp == nil {
		return NewClientError(KindNetwork, "no response")
	}

	ce := NewClientError(ClassifyStatus(resp.StatusCode), fmt.Sprintf("upstream returned %d", resp.StatusCode)).
		WithStatus(resp.StatusCode)
	if env, ok := parseEnvelope(resp.Body); ok && env.Error != nil {
		if env.Error.Message != "" {
			ce.Message = env.Error.Message
		}
		ce.UpstreamCode = env.Error.Code
	}
	return ce
}

// WithMiddleware appends middleware to the chain.
func WithMiddleware(mw ...Middleware) PipelineOption {
	return func(p *Pipeline) {
		p.middlewares = append(p.middlewares, mw...)
	}
}

// WithRetryPolicy replaces the default retry policy.
func WithRetryPolicy(policy RetryPolicy) PipelineOption {
	return func(p *Pipeline) {
		p.policy = policy
	}
}

// WithSleeper replaces the backoff sleep, mostly for tests.
func WithSleeper(s Sleeper) PipelineOption {
	return func(p *Pipeline) {
		if s != nil {
			p.sleep = s
		}
	}
}

func WithPipelineLogger(l *logger.Logger) PipelineOption {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

func WithPipelineMetrics(m Metrics) PipelineOption {
	return func(p *Pipeline) {
		if m != nil {
			p.metrics = m
		}
	}
}
