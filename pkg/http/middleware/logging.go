package middleware

import (
	"time"

	"MarketGate/pkg/logger"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

const headerRequestID = "X-Request-ID"

// RequestLogging assigns a request id (or keeps the caller's) and logs one line per request.
func RequestLogging(l *logger.Logger) echo.MiddlewareFunc {
	if l == nil {
		l = logger.Nop()
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			res := c.Response()

			id := req.Header.Get(headerRequestID)
			if id == "" {
				id = uuid.NewString()
			}
			res.Header().Set(headerRequestID, id)
			c.Set("request_id", id)

			start := time.Now()
			err := next(c)
			if err != nil {
				// let echo's error handler write the status before we read it
				c.Error(err)
			}

			fields := []logger.Field{
				logger.String("request_id", id),
				logger.String("method", req.Method),
				logger.String("path", req.URL.Path),
				logger.String("remote", c.RealIP()),
				logger.Int("status", res.Status),
				logger.Duration("latency_ms", time.Since(start)),
			}
			if res.Status >= 500 {
				l.Error("http request", fields...)
			} else {
				l.Info("http request", fields...)
			}
			return nil
		}
	}
}
