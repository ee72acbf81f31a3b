package api

import (
	"context"
	"net/http"
	"slices"
	"sync"
	"time"

	"MarketGate/internal/domain/models"
	"MarketGate/internal/service/stream"
	xhttp "MarketGate/pkg/http"
	xlogger "MarketGate/pkg/logger"
	"MarketGate/pkg/util"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

// NewsFetcher serves aggregated news.
type NewsFetcher interface {
	Fetch(ctx context.Context, filter models.NewsFilter) (models.NewsPage, error)
	Sources() []string
	Invalidate()
}

// StreamControl manages the live stream subscriptions.
type StreamControl interface {
	AddStream(key string) error
	RemoveStream(key string) error
	Streams() []string
	Stats() stream.Stats
	IsConnected() bool
}

// NewsRequest is the query of GET /api/news.
type NewsRequest struct {
	Query    string `query:"q" validate:"omitempty,max=200"`
	Category string `query:"category" validate:"omitempty,max=64"`
	Symbols  string `query:"symbols" validate:"omitempty,max=256"`
	Since    string `query:"since" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	Page     int    `query:"page" default:"1" validate:"min=1,max=10000"`
	PageSize int    `query:"pageSize" default:"20" validate:"min=1,max=100"`
}

func (r *NewsRequest) filter() models.NewsFilter {
	f := models.NewsFilter{
		Query:    r.Query,
		Category: r.Category,
		Page:     r.Page,
		PageSize: r.PageSize,
	}
	f.Symbols = util.SplitCSV(r.Symbols)
	if r.Since != "" {
		// validated above
		f.Since, _ = time.Parse(time.RFC3339, r.Since)
	}
	return f
}

// StreamRequest is the body of POST /api/streams.
type StreamRequest struct {
	Stream string `json:"stream" validate:"required,max=128"`
}

// GatewayEchoHandler exposes news and stream control to the UI layer.
type GatewayEchoHandler struct {
	logger  *xlogger.Logger
	news    NewsFetcher
	streams StreamControl

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func NewGatewayEchoHandler(l *xlogger.Logger, news NewsFetcher, streams StreamControl, rps float64, burst int) *GatewayEchoHandler {
	if l == nil {
		l = xlogger.Nop()
	}
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = 20
	}
	return &GatewayEchoHandler{
		logger:   l,
		news:     news,
		streams:  streams,
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (h *GatewayEchoHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", h.Health)

	g := e.Group("/api", h.throttle)
	g.GET("/news", h.News)
	g.DELETE("/news/cache", h.ClearNewsCache)
	g.GET("/streams", h.Streams)
	g.POST("/streams", h.AddStream)
	g.DELETE("/streams/:stream", h.RemoveStream)
}

func (h *GatewayEchoHandler) throttle(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !h.limiter(c.RealIP()).Allow() {
			return xhttp.AppErrorResponse(c, xhttp.TooManyRequestsError("too many requests"))
		}
		return next(c)
	}
}

func (h *GatewayEchoHandler) limiter(client string) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.limiters[client]
	if !ok {
		l = rate.NewLimiter(h.rps, h.burst)
		h.limiters[client] = l
	}
	return l
}

func (h *GatewayEchoHandler) News(c echo.Context) error {
	req := &NewsRequest{}
	if err := xhttp.ReadAndValidateRequest(c, req); err != nil {
		return xhttp.AppErrorResponse(c, err)
	}

	page, err := h.news.Fetch(c.Request().Context(), req.filter())
	if err != nil {
		h.logger.Error("news fetch failed", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, err)
	}
	if page.Cached {
		c.Response().Header().Set(echo.HeaderCacheControl, "private, max-age=15")
	}
	h.logger.Debug("news served",
		xlogger.Int("page", page.Page),
		xlogger.Int("articles", len(page.Articles)),
		xlogger.Bool("cached", page.Cached),
	)
	return xhttp.SuccessResponse(c, page)
}

// ClearNewsCache drops every cached news result; the next fetch goes to the sources.
func (h *GatewayEchoHandler) ClearNewsCache(c echo.Context) error {
	h.news.Invalidate()
	h.logger.Info("news cache cleared", xlogger.String("client", c.RealIP()))
	return xhttp.NoContentResponse(c)
}

type streamsView struct {
	Connected bool         `json:"connected"`
	Streams   []string     `json:"streams"`
	Stats     stream.Stats `json:"stats"`
}

func (h *GatewayEchoHandler) Streams(c echo.Context) error {
	return xhttp.SuccessResponse(c, streamsView{
		Connected: h.streams.IsConnected(),
		Streams:   h.streams.Streams(),
		Stats:     h.streams.Stats(),
	})
}

func (h *GatewayEchoHandler) AddStream(c echo.Context) error {
	req := &StreamRequest{}
	if err := xhttp.ReadAndValidateRequest(c, req); err != nil {
		return xhttp.AppErrorResponse(c, err)
	}
	if err := h.streams.AddStream(req.Stream); err != nil {
		h.logger.Warn("add stream failed", xlogger.String("stream", req.Stream), xlogger.Error(err))
		return xhttp.AppErrorResponse(c, err)
	}
	return xhttp.CreatedResponse(c, req)
}

func (h *GatewayEchoHandler) RemoveStream(c echo.Context) error {
	key := c.Param("stream")
	if key == "" {
		return xhttp.AppErrorResponse(c, xhttp.BadRequestError("stream required"))
	}
	if !slices.Contains(h.streams.Streams(), key) {
		return xhttp.AppErrorResponse(c, xhttp.NotFoundError("stream not subscribed").WithParam("stream", key))
	}
	if err := h.streams.RemoveStream(key); err != nil {
		return xhttp.AppErrorResponse(c, err)
	}
	return xhttp.NoContentResponse(c)
}

type healthView struct {
	Status  string   `json:"status"`
	Stream  string   `json:"stream"`
	Sources []string `json:"sources"`
}

// Health reports liveness. A disconnected stream degrades but does not fail it.
func (h *GatewayEchoHandler) Health(c echo.Context) error {
	v := healthView{Status: "ok", Stream: string(h.streams.Stats().State), Sources: h.news.Sources()}
	if !h.streams.IsConnected() {
		v.Status = "degraded"
	}
	return xhttp.DataResponse(c, http.StatusOK, v)
}
