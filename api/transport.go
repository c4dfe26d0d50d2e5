package api

import (
	"context"

	"github.com/shrtyk/raft-showtimes/internal/raftpb"
)

// Transport carries the builtin engine's RPCs. Peers are addressed by their
// index in the member list.
type Transport interface {
	SendRequestVote(ctx context.Context, to int, req *raftpb.RequestVoteRequest) (*raftpb.RequestVoteResponse, error)
	SendAppendEntries(ctx context.Context, to int, req *raftpb.AppendEntriesRequest) (*raftpb.AppendEntriesResponse, error)
	SendInstallSnapshot(ctx context.Context, to int, req *raftpb.InstallSnapshotRequest) (*raftpb.InstallSnapshotResponse, error)

	PeersCount() int
	// IsPeerAvailable is false while the peer's circuit is open.
	IsPeerAvailable(peerID int) bool
}
