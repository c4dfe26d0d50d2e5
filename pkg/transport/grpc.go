package transport

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"

	"github.com/shrtyk/raft-showtimes/api"
	"github.com/shrtyk/raft-showtimes/internal/cbreaker"
	"github.com/shrtyk/raft-showtimes/internal/raftpb"
)

var _ api.Transport = (*GRPCTransport)(nil)

// GRPCTransport sends raft RPCs over gRPC. Every peer has its own circuit
// breaker so a dead peer is skipped until its reset timeout passes.
type GRPCTransport struct {
	requestTimeout time.Duration
	clients        []raftpb.RaftServiceClient
	breakers       []*cbreaker.CircuitBreaker
}

// NewGRPCTransport builds a transport over conns, indexed like the cluster
// members. The entry of the local peer may be nil.
func NewGRPCTransport(cfg *api.RaftConfig, conns []*grpc.ClientConn) (*GRPCTransport, error) {
	if cfg == nil {
		return nil, fmt.Errorf("transport: nil config")
	}

	tr := &GRPCTransport{
		requestTimeout: cfg.Timings.RPCTimeout,
		clients:        make([]raftpb.RaftServiceClient, len(conns)),
		breakers:       make([]*cbreaker.CircuitBreaker, len(conns)),
	}

	for i, conn := range conns {
		if conn != nil {
			tr.clients[i] = raftpb.NewRaftServiceClient(conn)
		}
		tr.breakers[i] = cbreaker.FromConfig(cfg.CBreaker)
	}

	return tr, nil
}

func (t *GRPCTransport) SendRequestVote(
	ctx context.Context,
	to int,
	req *raftpb.RequestVoteRequest) (*raftpb.RequestVoteResponse, error) {
	if err := t.check(to); err != nil {
		return nil, err
	}
	return cbreaker.Do(ctx, t.breakers[to], func(ctx context.Context) (*raftpb.RequestVoteResponse, error) {
		tctx, tcancel := context.WithTimeout(ctx, t.requestTimeout)
		defer tcancel()
		return t.clients[to].RequestVote(tctx, req)
	})
}

func (t *GRPCTransport) SendAppendEntries(
	ctx context.Context,
	to int,
	req *raftpb.AppendEntriesRequest) (*raftpb.AppendEntriesResponse, error) {
	if err := t.check(to); err != nil {
		return nil, err
	}
	return cbreaker.Do(ctx, t.breakers[to], func(ctx context.Context) (*raftpb.AppendEntriesResponse, error) {
		tctx, tcancel := context.WithTimeout(ctx, t.requestTimeout)
		defer tcancel()
		return t.clients[to].AppendEntries(tctx, req)
	})
}

func (t *GRPCTransport) SendInstallSnapshot(
	ctx context.Context,
	to int,
	req *raftpb.InstallSnapshotRequest) (*raftpb.InstallSnapshotResponse, error) {
	if err := t.check(to); err != nil {
		return nil, err
	}
	return cbreaker.Do(ctx, t.breakers[to], func(ctx context.Context) (*raftpb.InstallSnapshotResponse, error) {
		tctx, tcancel := context.WithTimeout(ctx, t.requestTimeout)
		defer tcancel()
		return t.clients[to].InstallSnapshot(tctx, req)
	})
}

func (t *GRPCTransport) PeersCount() int {
	return len(t.clients)
}

func (t *GRPCTransport) IsPeerAvailable(peerID int) bool {
	if peerID < 0 || peerID >= len(t.clients) || t.clients[peerID] == nil {
		return false
	}
	return t.breakers[peerID].IsClosed()
}

func (t *GRPCTransport) check(to int) error {
	if to < 0 || to >= len(t.clients) || t.clients[to] == nil {
		return fmt.Errorf("transport: no connection to peer #%d", to)
	}
	return nil
}
