package gateway

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/shrtyk/raft-showtimes/rpc/showtimespb"
)

type handler struct {
	backend Backend
	logger  *slog.Logger
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type reservationJSON struct {
	User string `json:"user"`
}

type showtimeJSON struct {
	ID            string                     `json:"id"`
	MovieID       int64                      `json:"movie_id"`
	TheaterID     int64                      `json:"theater_id"`
	Time          string                     `json:"time"`
	Price         float64                    `json:"price"`
	ReservedSeats map[string]reservationJSON `json:"reserved_seats"`
}

func toJSON(st *showtimespb.Showtime) showtimeJSON {
	out := showtimeJSON{
		ID:            st.Id,
		MovieID:       st.MovieId,
		TheaterID:     st.TheaterId,
		Time:          st.Time,
		Price:         st.Price,
		ReservedSeats: make(map[string]reservationJSON, len(st.ReservedSeats)),
	}
	for seat, r := range st.ReservedSeats {
		if r != nil {
			out.ReservedSeats[seat] = reservationJSON{User: r.User}
		}
	}
	return out
}

func fail(c echo.Context, code int, format string, args ...any) error {
	return c.JSON(code, errorResponse{Error: fmt.Sprintf(format, args...)})
}

// rpcError maps a failed cluster call onto an HTTP status.
func rpcError(c echo.Context, err error) error {
	st := status.Convert(err)
	code := http.StatusInternalServerError
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded:
		code = http.StatusServiceUnavailable
	case codes.InvalidArgument:
		code = http.StatusBadRequest
	case codes.NotFound:
		code = http.StatusNotFound
	}
	return fail(c, code, "%s: %s", st.Code(), st.Message())
}

func (h *handler) index(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"name":    "Showtimes REST Gateway",
		"version": "1.0",
		"endpoints": map[string]string{
			"GET /health":                   "cluster health",
			"GET /ping":                     "increment the replicated counter, ?message= is echoed",
			"GET /showtimes":                "list showtimes",
			"GET /showtimes/:id":            "get one showtime",
			"POST /showtimes":               "add a showtime: {movie_id, theater_id, request_id?}",
			"POST /showtimes/:id/reserve":   "reserve a seat: {seat, user}",
			"DELETE /showtimes/:id/reserve": "cancel a reservation: {seat}",
		},
	})
}

func (h *handler) health(c echo.Context) error {
	resp, err := h.backend.Health(c.Request().Context())
	if err != nil || resp.Status != healthpb.HealthCheckResponse_SERVING {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{"status": "degraded", "grpc_connected": err == nil})
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "ok", "grpc_connected": true})
}

func (h *handler) ping(c echo.Context) error {
	msg := c.QueryParam("message")
	if msg == "" {
		msg = "Ping!"
	}
	resp, err := h.backend.Ping(c.Request().Context(), msg)
	if err != nil {
		return rpcError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "response": resp.Message, "count": resp.Count})
}

func (h *handler) listShowtimes(c echo.Context) error {
	resp, err := h.backend.GetShowtimes(c.Request().Context())
	if err != nil {
		return rpcError(c, err)
	}
	out := make(map[string]showtimeJSON, len(resp.Showtimes))
	for id, st := range resp.Showtimes {
		if st != nil {
			out[id] = toJSON(st)
		}
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "showtimes": out})
}

func (h *handler) getShowtime(c echo.Context) error {
	resp, err := h.backend.GetShowtime(c.Request().Context(), c.Param("id"))
	if err != nil {
		return rpcError(c, err)
	}
	if !resp.Found || resp.Showtime == nil {
		return fail(c, http.StatusNotFound, "Showtime not found")
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "showtime": toJSON(resp.Showtime)})
}

type addShowtimeRequest struct {
	MovieID   *int64 `json:"movie_id"`
	TheaterID *int64 `json:"theater_id"`
	RequestID string `json:"request_id"`
}

func (h *handler) addShowtime(c echo.Context) error {
	var req addShowtimeRequest
	if err := c.Bind(&req); err != nil || req.MovieID == nil || req.TheaterID == nil {
		return fail(c, http.StatusBadRequest, "movie_id and theater_id are required")
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	resp, err := h.backend.AddShowtimeWithID(c.Request().Context(), *req.MovieID, *req.TheaterID, req.RequestID)
	if err != nil {
		return rpcError(c, err)
	}
	code := http.StatusCreated
	if !resp.Success {
		code = http.StatusConflict
	}
	return c.JSON(code, map[string]any{"success": resp.Success, "showtime_id": resp.ShowtimeId, "message": resp.Message})
}

type seatRequest struct {
	Seat string `json:"seat" query:"seat"`
	User string `json:"user"`
}

func (h *handler) reserveSeat(c echo.Context) error {
	var req seatRequest
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.Seat) == "" || strings.TrimSpace(req.User) == "" {
		return fail(c, http.StatusBadRequest, "seat and user are required")
	}
	resp, err := h.backend.ReserveSeat(c.Request().Context(), c.Param("id"), req.Seat, req.User)
	if err != nil {
		return rpcError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"success": resp.Success, "message": resp.Message})
}

func (h *handler) cancelReservation(c echo.Context) error {
	var req seatRequest
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.Seat) == "" {
		return fail(c, http.StatusBadRequest, "seat is required")
	}
	resp, err := h.backend.CancelReservation(c.Request().Context(), c.Param("id"), req.Seat)
	if err != nil {
		return rpcError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"success": resp.Success, "message": resp.Message})
}
