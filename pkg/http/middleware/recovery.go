package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"MarketGate/pkg/logger"

	"github.com/labstack/echo/v4"
)

// Recover turns a handler panic into a 500 envelope and logs the stack.
func Recover(l *logger.Logger) echo.MiddlewareFunc {
	if l == nil {
		l = logger.Nop()
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				panicErr, ok := r.(error)
				if !ok {
					panicErr = fmt.Errorf("%v", r)
				}
				l.Error("http handler panic",
					logger.String("path", c.Path()),
					logger.Error(panicErr),
					logger.String("stack", string(debug.Stack())),
				)
				err = c.JSON(http.StatusInternalServerError, map[string]interface{}{
					"success": false,
					"error": map[string]string{
						"code":    "ERR_INTERNAL",
						"message": "Internal Server Error",
					},
				})
			}()
			return next(c)
		}
	}
}
