// Package servicer implements the client facing gRPC services of a node.
//
// Writes are executed only by the leader. A follower that receives one
// forwards the unmodified request to the leader's endpoint and relays the
// answer; reads are always served from local state.
package servicer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/shrtyk/raft-showtimes/api"
	"github.com/shrtyk/raft-showtimes/replica"
	"github.com/shrtyk/raft-showtimes/statemachine"
)

// ForwardedByKey is the metadata key carrying the node that forwarded a call.
const ForwardedByKey = "x-forwarded-by"

// HandledByKey is the trailer key a servicer sets on every call it handled,
// so a forwarder can tell the remote handler's statuses from transport ones.
const HandledByKey = "x-handled-by"

// Consensus is the part of the consensus module the servicer depends on.
type Consensus interface {
	// Submit blocks until cmd is committed and applied locally.
	Submit(ctx context.Context, cmd statemachine.Command) (statemachine.Result, error)
	IsLeader() bool
	CurrentLeader() (api.NodeAddress, bool)
}

// Resolver maps a node to the endpoint of its servicer.
type Resolver interface {
	Resolve(addr api.NodeAddress) (string, bool)
}

// Forwarder relays a unary call to another node's servicer.
type Forwarder interface {
	Forward(ctx context.Context, endpoint, method string, req, resp any) error
}

// Leader is a resolved leader.
type Leader struct {
	ID       api.NodeAddress
	Endpoint string
}

type Router struct {
	self          api.NodeAddress
	consensus     Consensus
	resolver      Resolver
	forwarder     Forwarder
	submitTimeout time.Duration
	logger        *slog.Logger
}

func NewRouter(
	self api.NodeAddress,
	consensus Consensus,
	resolver Resolver,
	forwarder Forwarder,
	submitTimeout time.Duration,
	l *slog.Logger,
) *Router {
	return &Router{
		self:          self,
		consensus:     consensus,
		resolver:      resolver,
		forwarder:     forwarder,
		submitTimeout: submitTimeout,
		logger:        l.With(slog.String("component", "router")),
	}
}

// leader resolves where a write that cannot run locally has to go.
func (rt *Router) leader(ctx context.Context) (Leader, error) {
	if md, ok := metadata.FromIncomingContext(ctx); ok && len(md.Get(ForwardedByKey)) > 0 {
		return Leader{}, status.Error(codes.Unavailable, "leader changed while forwarding, retry")
	}

	id, ok := rt.consensus.CurrentLeader()
	if !ok {
		return Leader{}, status.Error(codes.Unavailable, "no leader elected, retry")
	}
	if id == rt.self {
		// Stale view: we are named leader but no longer lead.
		return Leader{}, status.Error(codes.Unavailable, "leadership changed, retry")
	}

	endpoint, ok := rt.resolver.Resolve(id)
	if !ok {
		rt.logger.Error("leader has no endpoint mapping", slog.String("leader", string(id)))
		return Leader{}, status.Errorf(codes.Internal, "leader address mapping not found for %s", id)
	}
	return Leader{ID: id, Endpoint: endpoint}, nil
}

// submit runs cmd through consensus and translates failures to gRPC statuses.
func (rt *Router) submit(ctx context.Context, cmd statemachine.Command) (statemachine.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, rt.submitTimeout)
	defer cancel()

	res, err := rt.consensus.Submit(ctx, cmd)
	if err == nil {
		return res, nil
	}

	switch {
	case errors.Is(err, replica.ErrNotLeader):
		return res, status.Error(codes.Unavailable, "leadership changed, retry")
	case errors.Is(err, replica.ErrStopped):
		return res, status.Error(codes.Unavailable, "node is shutting down, retry")
	case errors.Is(err, context.DeadlineExceeded):
		return res, status.Errorf(codes.Unavailable, "command not acknowledged within %s", rt.submitTimeout)
	case errors.Is(err, context.Canceled):
		return res, status.Error(codes.Canceled, "request canceled")
	default:
		rt.logger.Warn("submit failed", slog.String("kind", cmd.Kind.String()), slog.String("error", err.Error()))
		return res, status.Errorf(codes.Unavailable, "submit failed: %v", err)
	}
}

// route runs local on the leader and forwards req everywhere else. The
// forwarded response is decoded into a fresh Resp and returned verbatim.
func route[Req, Resp any](
	ctx context.Context,
	rt *Router,
	method string,
	req *Req,
	local func(context.Context) (*Resp, error),
) (*Resp, error) {
	if rt.consensus.IsLeader() {
		return local(ctx)
	}

	leader, err := rt.leader(ctx)
	if err != nil {
		return nil, err
	}

	rt.logger.Debug("forwarding to leader",
		slog.String("method", method),
		slog.String("leader", string(leader.ID)),
		slog.String("endpoint", leader.Endpoint))

	resp := new(Resp)
	if err := rt.forwarder.Forward(ctx, leader.Endpoint, method, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func unavailablef(format string, args ...any) error {
	return status.Errorf(codes.Unavailable, format, args...)
}
