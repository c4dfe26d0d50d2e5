// Package gateway is a REST front end for the showtimes cluster. It
// translates JSON requests into calls on any cluster node and maps gRPC
// statuses back to HTTP.
package gateway

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/shrtyk/raft-showtimes/rpc/pingpongpb"
	"github.com/shrtyk/raft-showtimes/rpc/showtimespb"
)

// Backend is the part of client.Client the gateway calls.
type Backend interface {
	Ping(ctx context.Context, message string) (*pingpongpb.PongResponse, error)
	Health(ctx context.Context) (*healthpb.HealthCheckResponse, error)
	AddShowtimeWithID(ctx context.Context, movieID, theaterID int64, requestID string) (*showtimespb.AddShowtimeResponse, error)
	ReserveSeat(ctx context.Context, showtimeID, seat, user string) (*showtimespb.ReserveSeatResponse, error)
	CancelReservation(ctx context.Context, showtimeID, seat string) (*showtimespb.CancelReservationResponse, error)
	GetShowtime(ctx context.Context, showtimeID string) (*showtimespb.GetShowtimeResponse, error)
	GetShowtimes(ctx context.Context) (*showtimespb.GetShowtimesResponse, error)
}

// New builds the echo instance serving the REST API. store may be nil.
func New(backend Backend, cfg Config, store Store, l *slog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("request_id", v.RequestID),
			}
			level := slog.LevelDebug
			if v.Error != nil || v.Status >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			if v.Error != nil {
				attrs = append(attrs, slog.String("error", v.Error.Error()))
			}
			l.LogAttrs(c.Request().Context(), level, "http request", attrs...)
			return nil
		},
	}))
	if cfg.RPS > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(rate.Limit(cfg.RPS))))
	}

	h := &handler{backend: backend, logger: l}
	e.GET("/", h.index)
	e.GET("/health", h.health)
	e.GET("/ping", h.ping)

	g := e.Group("/showtimes", Cache(cfg.Cache, store, l))
	g.GET("", h.listShowtimes)
	g.POST("", h.addShowtime)
	g.GET("/:id", h.getShowtime)
	g.POST("/:id/reserve", h.reserveSeat)
	g.DELETE("/:id/reserve", h.cancelReservation)

	return e
}
