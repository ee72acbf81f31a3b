package server

import (
	"context"
	"errors"
	"io"
	"time"

	xhttp "MarketGate/pkg/http"
	applogger "MarketGate/pkg/logger"

	"golang.org/x/sync/errgroup"
)

// Feed is a long-running producer started with the app.
type Feed interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Sweeper runs periodic maintenance until ctx is done.
type Sweeper interface {
	Run(ctx context.Context, interval time.Duration)
}

// App encapsulates the entire application lifecycle.
type App struct {
	logger          *applogger.Logger
	httpServer      *xhttp.Server
	feed            Feed
	sweeper         Sweeper
	sweepEvery      time.Duration
	closers         []namedCloser
	shutdownTimeout time.Duration
}

type namedCloser struct {
	name string
	c    io.Closer
}

type Option func(*App)

func WithFeed(f Feed) Option {
	return func(a *App) { a.feed = f }
}

func WithSweeper(s Sweeper, every time.Duration) Option {
	return func(a *App) {
		a.sweeper = s
		a.sweepEvery = every
	}
}

// WithCloser registers infrastructure closed after everything else stopped,
// in registration order.
func WithCloser(name string, c io.Closer) Option {
	return func(a *App) {
		if c != nil {
			a.closers = append(a.closers, namedCloser{name: name, c: c})
		}
	}
}

func WithShutdownTimeout(d time.Duration) Option {
	return func(a *App) {
		if d > 0 {
			a.shutdownTimeout = d
		}
	}
}

// New creates a new App instance. httpServer may be nil for headless runs.
func New(l *applogger.Logger, httpServer *xhttp.Server, opts ...Option) *App {
	if l == nil {
		l = applogger.Nop()
	}
	a := &App{
		logger:          l,
		httpServer:      httpServer,
		sweepEvery:      time.Minute,
		shutdownTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run starts every component and blocks until ctx is cancelled or one of them fails,
// then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if a.feed != nil {
		if err := a.feed.Start(gctx); err != nil {
			return err
		}
		a.logger.Info("market feed started")
	}
	if a.sweeper != nil {
		g.Go(func() error {
			a.sweeper.Run(gctx, a.sweepEvery)
			return nil
		})
	}
	if a.httpServer != nil {
		if err := a.httpServer.Start(); err != nil {
			a.logger.Error("http server start error", applogger.Error(err))
			return err
		}
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	runErr := g.Wait()

	a.logger.Info("shutdown signal received")
	if err := a.shutdown(); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

// shutdown gracefully stops all services.
func (a *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
	defer cancel()

	var errs []error
	if a.httpServer != nil {
		if err := a.httpServer.Stop(ctx); err != nil {
			a.logger.Error("http shutdown error", applogger.Error(err))
			errs = append(errs, err)
		}
	}
	if a.feed != nil {
		if err := a.feed.Shutdown(ctx); err != nil {
			a.logger.Warn("market feed stop error", applogger.Error(err))
			errs = append(errs, err)
		}
	}
	for _, nc := range a.closers {
		if err := nc.c.Close(); err != nil {
			a.logger.Warn("close error", applogger.String("component", nc.name), applogger.Error(err))
			errs = append(errs, err)
		}
	}

	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}
