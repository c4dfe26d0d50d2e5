package servicer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/shrtyk/raft-showtimes/api"
	"github.com/shrtyk/raft-showtimes/internal/cbreaker"
)

type ForwarderConfig struct {
	Timeout  time.Duration
	CBreaker api.CircuitBreakerCfg
}

// GRPCForwarder keeps one lazily dialed connection and one circuit breaker
// per endpoint.
type GRPCForwarder struct {
	self   api.NodeAddress
	cfg    ForwarderConfig
	logger *slog.Logger

	mu       sync.Mutex
	conns    map[string]*grpc.ClientConn
	breakers map[string]*cbreaker.CircuitBreaker
	closed   bool
}

var _ Forwarder = (*GRPCForwarder)(nil)

func NewGRPCForwarder(self api.NodeAddress, cfg ForwarderConfig, l *slog.Logger) *GRPCForwarder {
	return &GRPCForwarder{
		self:     self,
		cfg:      cfg,
		logger:   l.With(slog.String("component", "forwarder")),
		conns:    make(map[string]*grpc.ClientConn),
		breakers: make(map[string]*cbreaker.CircuitBreaker),
	}
}

func (f *GRPCForwarder) client(endpoint string) (*grpc.ClientConn, *cbreaker.CircuitBreaker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, nil, errors.New("forwarder is closed")
	}
	if conn, ok := f.conns[endpoint]; ok {
		return conn, f.breakers[endpoint], nil
	}

	conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create client for %s: %w", endpoint, err)
	}
	cb := cbreaker.FromConfig(f.cfg.CBreaker,
		cbreaker.WithFailurePredicate(isTransportFailure),
		cbreaker.WithStateHook(func(from, to cbreaker.State) {
			f.logger.Info("leader circuit changed",
				slog.String("endpoint", endpoint),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		}),
	)
	f.conns[endpoint] = conn
	f.breakers[endpoint] = cb
	return conn, cb, nil
}

// handledError is a status the remote servicer produced itself. It never
// counts against the breaker and is relayed unchanged.
type handledError struct{ err error }

func (e handledError) Error() string { return e.err.Error() }
func (e handledError) Unwrap() error { return e.err }

// Forward invokes method on endpoint. Transport failures come back as
// codes.Unavailable; statuses produced by the remote handler are returned
// unchanged.
func (f *GRPCForwarder) Forward(ctx context.Context, endpoint, method string, req, resp any) error {
	conn, cb, err := f.client(endpoint)
	if err != nil {
		return unavailablef("failed to forward to leader at %s: %v", endpoint, err)
	}

	ctx = metadata.AppendToOutgoingContext(ctx, ForwardedByKey, string(f.self))

	_, err = cbreaker.Do(ctx, cb, func(ctx context.Context) (struct{}, error) {
		tctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
		defer cancel()

		var trailer metadata.MD
		err := conn.Invoke(tctx, method, req, resp, grpc.Trailer(&trailer))
		if err != nil && len(trailer.Get(HandledByKey)) > 0 {
			return struct{}{}, handledError{err: err}
		}
		return struct{}{}, err
	})

	var handled handledError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &handled):
		return handled.err
	case errors.Is(ctx.Err(), context.Canceled):
		return status.Error(codes.Canceled, "request canceled")
	case errors.Is(err, cbreaker.ErrOpenState):
		return unavailablef("leader at %s is unreachable, retry later", endpoint)
	case !isTransportFailure(err):
		return err
	default:
		f.logger.Warn("forward failed",
			slog.String("endpoint", endpoint),
			slog.String("method", method),
			slog.String("error", err.Error()))
		return unavailablef("failed to forward to leader at %s: %s", endpoint, status.Convert(err).Message())
	}
}

// isTransportFailure reports whether err means the leader could not be
// reached. Statuses marked as handled by the leader never qualify.
func isTransportFailure(err error) bool {
	if errors.As(err, new(handledError)) {
		return false
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded:
		return true
	}
	return false
}

func (f *GRPCForwarder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true

	var errs []error
	for endpoint, conn := range f.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close connection to %s: %w", endpoint, err))
		}
	}
	clear(f.conns)
	clear(f.breakers)
	return errors.Join(errs...)
}
