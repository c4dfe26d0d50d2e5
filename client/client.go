// Package client is a cluster aware client for the PingPong and Showtimes
// services. Any node can take a request, so the client sticks to the last
// endpoint that answered and moves on to the next one when a node reports
// codes.Unavailable.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/shrtyk/raft-showtimes/internal/retry"
	"github.com/shrtyk/raft-showtimes/pkg/logger"
	"github.com/shrtyk/raft-showtimes/rpc/pingpongpb"
	"github.com/shrtyk/raft-showtimes/rpc/showtimespb"
)

type Config struct {
	// Timeout bounds a single attempt.
	Timeout time.Duration
	// MaxAttempts defaults to twice the number of endpoints.
	MaxAttempts int
	BaseDelay   time.Duration
}

func DefaultConfig() Config {
	return Config{
		Timeout:   5 * time.Second,
		BaseDelay: 100 * time.Millisecond,
	}
}

type node struct {
	endpoint  string
	conn      *grpc.ClientConn
	pingpong  pingpongpb.PingPongClient
	showtimes showtimespb.ShowtimesClient
	health    healthpb.HealthClient
}

// Client is safe for concurrent use.
type Client struct {
	cfg    Config
	logger *slog.Logger
	nodes  []node

	mu        sync.RWMutex
	preferred int
}

func New(endpoints []string, cfg Config, l *slog.Logger) (*Client, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("client: at least one endpoint is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2 * len(endpoints)
	}

	c := &Client{cfg: cfg, logger: l, nodes: make([]node, len(endpoints))}
	for i, endpoint := range endpoints {
		conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, errors.Join(fmt.Errorf("dial %s: %w", endpoint, err), c.Close())
		}
		c.nodes[i] = node{
			endpoint:  endpoint,
			conn:      conn,
			pingpong:  pingpongpb.NewPingPongClient(conn),
			showtimes: showtimespb.NewShowtimesClient(conn),
			health:    healthpb.NewHealthClient(conn),
		}
	}
	return c, nil
}

func (c *Client) current() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.preferred
}

// skip moves away from endpoint i unless another caller already did.
func (c *Client) skip(i int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.preferred == i {
		c.preferred = (i + 1) % len(c.nodes)
	}
}

func call[Resp any](ctx context.Context, c *Client, fn func(context.Context, node) (*Resp, error)) (*Resp, error) {
	var resp *Resp
	err := retry.Do(ctx, func(ctx context.Context) error {
		i := c.current()
		n := c.nodes[i]

		tctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()

		r, err := fn(tctx, n)
		if err == nil {
			resp = r
			return nil
		}

		code := status.Code(err)
		if code != codes.Unavailable && code != codes.DeadlineExceeded {
			return retry.Unrecoverable(err)
		}
		if ctx.Err() != nil {
			return retry.Unrecoverable(err)
		}
		c.logger.Debug("endpoint unavailable, trying next",
			slog.String("endpoint", n.endpoint), logger.ErrAttr(err))
		c.skip(i)
		return err
	}, retry.WithMaxAttempts(c.cfg.MaxAttempts), retry.WithBaseDelay(c.cfg.BaseDelay))
	return resp, err
}

func (c *Client) Ping(ctx context.Context, message string) (*pingpongpb.PongResponse, error) {
	req := &pingpongpb.PingRequest{Message: message}
	return call(ctx, c, func(ctx context.Context, n node) (*pingpongpb.PongResponse, error) {
		return n.pingpong.Ping(ctx, req)
	})
}

// AddShowtime tags the request with a fresh request id so retries can not
// create the showtime twice.
func (c *Client) AddShowtime(ctx context.Context, movieID, theaterID int64) (*showtimespb.AddShowtimeResponse, error) {
	return c.AddShowtimeWithID(ctx, movieID, theaterID, uuid.NewString())
}

// AddShowtimeWithID uses requestID as the showtime id. An empty requestID
// lets the serving node mint one, which makes retries unsafe.
func (c *Client) AddShowtimeWithID(ctx context.Context, movieID, theaterID int64, requestID string) (*showtimespb.AddShowtimeResponse, error) {
	req := &showtimespb.AddShowtimeRequest{MovieId: movieID, TheaterId: theaterID, RequestId: requestID}
	return call(ctx, c, func(ctx context.Context, n node) (*showtimespb.AddShowtimeResponse, error) {
		return n.showtimes.AddShowtime(ctx, req)
	})
}

func (c *Client) ReserveSeat(ctx context.Context, showtimeID, seat, user string) (*showtimespb.ReserveSeatResponse, error) {
	req := &showtimespb.ReserveSeatRequest{ShowtimeId: showtimeID, Seat: seat, User: user}
	return call(ctx, c, func(ctx context.Context, n node) (*showtimespb.ReserveSeatResponse, error) {
		return n.showtimes.ReserveSeat(ctx, req)
	})
}

func (c *Client) CancelReservation(ctx context.Context, showtimeID, seat string) (*showtimespb.CancelReservationResponse, error) {
	req := &showtimespb.CancelReservationRequest{ShowtimeId: showtimeID, Seat: seat}
	return call(ctx, c, func(ctx context.Context, n node) (*showtimespb.CancelReservationResponse, error) {
		return n.showtimes.CancelReservation(ctx, req)
	})
}

func (c *Client) GetShowtime(ctx context.Context, showtimeID string) (*showtimespb.GetShowtimeResponse, error) {
	req := &showtimespb.GetShowtimeRequest{ShowtimeId: showtimeID}
	return call(ctx, c, func(ctx context.Context, n node) (*showtimespb.GetShowtimeResponse, error) {
		return n.showtimes.GetShowtime(ctx, req)
	})
}

func (c *Client) GetShowtimes(ctx context.Context) (*showtimespb.GetShowtimesResponse, error) {
	return call(ctx, c, func(ctx context.Context, n node) (*showtimespb.GetShowtimesResponse, error) {
		return n.showtimes.GetShowtimes(ctx, &showtimespb.GetShowtimesRequest{})
	})
}

// Health asks the first reachable node for its serving status.
func (c *Client) Health(ctx context.Context) (*healthpb.HealthCheckResponse, error) {
	return call(ctx, c, func(ctx context.Context, n node) (*healthpb.HealthCheckResponse, error) {
		return n.health.Check(ctx, &healthpb.HealthCheckRequest{})
	})
}

func (c *Client) Close() error {
	var err error
	for _, n := range c.nodes {
		if n.conn == nil {
			continue
		}
		if cerr := n.conn.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("failed to close connection to %s: %w", n.endpoint, cerr))
		}
	}
	return err
}
