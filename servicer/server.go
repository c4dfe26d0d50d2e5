package servicer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shrtyk/raft-showtimes/events"
	"github.com/shrtyk/raft-showtimes/rpc/pingpongpb"
	"github.com/shrtyk/raft-showtimes/rpc/showtimespb"
	"github.com/shrtyk/raft-showtimes/statemachine"
)

// TimeLayout is how showtime start times appear on the wire.
const TimeLayout = "2006-01-02T15:04:05"

// Reader is the read side of the state machine.
type Reader interface {
	Count() int64
	GetShowtime(id string) (statemachine.Showtime, bool)
	ListShowtimes() map[string]statemachine.Showtime
}

type Config struct {
	Node              string
	DefaultStart      time.Time
	DefaultPriceCents int64
	Policy            statemachine.ConflictPolicy
}

// Server implements both the PingPong and the Showtimes services.
type Server struct {
	router    *Router
	state     Reader
	publisher events.Publisher
	cfg       Config
	newID     func() string
	logger    *slog.Logger
}

var (
	_ pingpongpb.PingPongServer   = (*Server)(nil)
	_ showtimespb.ShowtimesServer = (*Server)(nil)
)

type Option func(*Server)

func WithPublisher(p events.Publisher) Option {
	return func(s *Server) {
		s.publisher = p
	}
}

// WithIDGenerator overrides how showtime ids are minted for requests that
// carry no request_id.
func WithIDGenerator(fn func() string) Option {
	return func(s *Server) {
		s.newID = fn
	}
}

func NewServer(router *Router, state Reader, cfg Config, l *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:    router,
		state:     state,
		publisher: events.Nop(),
		cfg:       cfg,
		newID:     uuid.NewString,
		logger:    l.With(slog.String("component", "servicer")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// execute submits cmd on the leader and reports the applied change.
func (s *Server) execute(ctx context.Context, cmd statemachine.Command) (statemachine.Result, error) {
	res, err := s.router.submit(ctx, cmd)
	if err != nil {
		return res, err
	}
	if ev, ok := events.FromCommand(s.cfg.Node, cmd, res, time.Now()); ok {
		_ = s.publisher.Publish(ctx, ev)
	}
	return res, nil
}

func (s *Server) Ping(ctx context.Context, req *pingpongpb.PingRequest) (*pingpongpb.PongResponse, error) {
	return route(ctx, s.router, pingpongpb.PingPong_Ping_FullMethodName, req,
		func(ctx context.Context) (*pingpongpb.PongResponse, error) {
			res, err := s.execute(ctx, statemachine.Increment())
			if err != nil {
				return nil, err
			}
			s.logger.Debug("ping handled", slog.String("message", req.Message), slog.Int64("count", res.Count))
			return &pingpongpb.PongResponse{
				Message: fmt.Sprintf("Pong! (received: '%s', count: %d)", req.Message, res.Count),
				Count:   res.Count,
			}, nil
		})
}

func (s *Server) AddShowtime(
	ctx context.Context,
	req *showtimespb.AddShowtimeRequest,
) (*showtimespb.AddShowtimeResponse, error) {
	return route(ctx, s.router, showtimespb.Showtimes_AddShowtime_FullMethodName, req,
		func(ctx context.Context) (*showtimespb.AddShowtimeResponse, error) {
			id := req.RequestId
			if id == "" {
				id = s.newID()
			}
			cmd := statemachine.AddShowtime(
				id, req.MovieId, req.TheaterId, s.cfg.DefaultStart.Unix(), s.cfg.DefaultPriceCents)

			res, err := s.execute(ctx, cmd)
			if err != nil {
				return nil, err
			}
			if !res.OK {
				s.logger.Warn("showtime id already used by a different showtime", slog.String("showtime_id", id))
				return &showtimespb.AddShowtimeResponse{
					ShowtimeId: id,
					Message:    fmt.Sprintf("showtime %s already exists with different details", id),
				}, nil
			}
			return &showtimespb.AddShowtimeResponse{
				Success:    true,
				ShowtimeId: id,
				Message:    fmt.Sprintf("Showtime %s added", id),
			}, nil
		})
}

func (s *Server) ReserveSeat(
	ctx context.Context,
	req *showtimespb.ReserveSeatRequest,
) (*showtimespb.ReserveSeatResponse, error) {
	return route(ctx, s.router, showtimespb.Showtimes_ReserveSeat_FullMethodName, req,
		func(ctx context.Context) (*showtimespb.ReserveSeatResponse, error) {
			cmd := statemachine.ReserveSeat(req.ShowtimeId, req.Seat, req.User, s.cfg.Policy)
			res, err := s.execute(ctx, cmd)
			if err != nil {
				return nil, err
			}
			if res.OK {
				return &showtimespb.ReserveSeatResponse{
					Success: true,
					Message: fmt.Sprintf("Seat %s reserved for %s", req.Seat, req.User),
				}, nil
			}
			msg := fmt.Sprintf("Seat %s is already reserved", req.Seat)
			if _, found := s.state.GetShowtime(req.ShowtimeId); !found {
				msg = fmt.Sprintf("Showtime %s not found", req.ShowtimeId)
			}
			return &showtimespb.ReserveSeatResponse{Message: msg}, nil
		})
}

func (s *Server) CancelReservation(
	ctx context.Context,
	req *showtimespb.CancelReservationRequest,
) (*showtimespb.CancelReservationResponse, error) {
	return route(ctx, s.router, showtimespb.Showtimes_CancelReservation_FullMethodName, req,
		func(ctx context.Context) (*showtimespb.CancelReservationResponse, error) {
			res, err := s.execute(ctx, statemachine.CancelReservation(req.ShowtimeId, req.Seat))
			if err != nil {
				return nil, err
			}
			if res.OK {
				return &showtimespb.CancelReservationResponse{
					Success: true,
					Message: fmt.Sprintf("Reservation for seat %s cancelled", req.Seat),
				}, nil
			}
			msg := fmt.Sprintf("Seat %s is not reserved", req.Seat)
			if _, found := s.state.GetShowtime(req.ShowtimeId); !found {
				msg = fmt.Sprintf("Showtime %s not found", req.ShowtimeId)
			}
			return &showtimespb.CancelReservationResponse{Message: msg}, nil
		})
}

// Reads are answered from local state on every node and may lag the leader.

func (s *Server) GetShowtime(
	_ context.Context,
	req *showtimespb.GetShowtimeRequest,
) (*showtimespb.GetShowtimeResponse, error) {
	st, found := s.state.GetShowtime(req.ShowtimeId)
	if !found {
		return &showtimespb.GetShowtimeResponse{}, nil
	}
	return &showtimespb.GetShowtimeResponse{Found: true, Showtime: toProto(st)}, nil
}

func (s *Server) GetShowtimes(
	context.Context,
	*showtimespb.GetShowtimesRequest,
) (*showtimespb.GetShowtimesResponse, error) {
	all := s.state.ListShowtimes()
	resp := &showtimespb.GetShowtimesResponse{Showtimes: make(map[string]*showtimespb.Showtime, len(all))}
	for id, st := range all {
		resp.Showtimes[id] = toProto(st)
	}
	return resp, nil
}

func toProto(st statemachine.Showtime) *showtimespb.Showtime {
	seats := make(map[string]*showtimespb.Reservation, len(st.ReservedSeats))
	for seat, r := range st.ReservedSeats {
		seats[seat] = &showtimespb.Reservation{User: r.User}
	}
	return &showtimespb.Showtime{
		Id:            st.ID,
		MovieId:       st.MovieID,
		TheaterId:     st.TheaterID,
		Time:          st.StartTime.UTC().Format(TimeLayout),
		Price:         st.Price(),
		ReservedSeats: seats,
	}
}
