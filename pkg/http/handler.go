package http

import "github.com/labstack/echo/v4"

// RouteRegistrar is implemented by the gateway's HTTP handlers.
type RouteRegistrar interface {
	RegisterRoutes(e *echo.Echo)
}
