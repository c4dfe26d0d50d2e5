/*
Package api defines the contracts between the consensus engines and the rest
of the service.

# Implementations

  - Raft: a consensus engine. Two are shipped, the builtin one in
    `github.com/shrtyk/raft-showtimes/raft` and an adapter over etcd's raft
    library in `github.com/shrtyk/raft-showtimes/etcdraft`.

  - FSM (Finite State Machine): the replicated application state. The engines
    ask it for snapshots when the log grows too large and deliver committed
    entries to it through a channel of ApplyMessage.

  - Transport: how builtin raft peers reach each other. The default gRPC
    implementation lives in `github.com/shrtyk/raft-showtimes/pkg/transport`.

  - Persister: durable storage of the builtin engine's term, vote and log.
    A WAL-based implementation lives in `github.com/shrtyk/raft-showtimes/pkg/storage`.
*/
package api

import (
	"context"
	"errors"
)

var (
	ErrOutdatedTerm = errors.New("raft: term has been updated")
	ErrHigherTerm   = errors.New("raft: received higher term in reply")
	ErrOldSnapshot  = errors.New("raft: snapshot index is not newer than the last included index")
	ErrNotLeader    = errors.New("raft: peer is not the leader")
	ErrStopped      = errors.New("raft: peer is stopped")
)

// NodeAddress identifies a cluster member. It is the member's consensus
// (raft) address, e.g. "localhost:4321".
type NodeAddress string

// Raft defines the public interface exposed by a single consensus peer.
type Raft interface {
	// Submit appends a command to the replicated log.
	//
	// It returns ErrNotLeader when this peer is not the leader. Acceptance
	// does not mean the command is committed: committed commands are
	// delivered on the apply channel the engine was built with.
	Submit(ctx context.Context, command []byte) error

	// State returns the current term and whether this peer believes it is the leader.
	State() (term int64, isLeader bool)

	// Leader returns the best known leader. The second value is false while
	// no leader is known, e.g. during an election.
	Leader() (NodeAddress, bool)

	// Start starts all background processes of the peer.
	Start() error

	// Stop gracefully terminates the peer, closing all background
	// goroutines and network connections.
	Stop() error
}
