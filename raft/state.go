package raft

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/shrtyk/raft-showtimes/api"
)

type State = uint32

const (
	_ State = iota
	follower
	candidate
	leader
)

// stateToString converts a State to its string representation.
func stateToString(s State) string {
	switch s {
	case follower:
		return "follower"
	case candidate:
		return "candidate"
	case leader:
		return "leader"
	default:
		return "unknown"
	}
}

func (rf *Raft) isState(state State) bool {
	return atomic.LoadUint32(&rf.state) == state
}

// becomeFollower transitions the peer to the follower state.
// The known leader is forgotten only when the term moves on.
//
// Assumes the lock is held when called
func (rf *Raft) becomeFollower(term int64) {
	if !rf.isState(follower) || term > rf.curTerm {
		rf.logger.Info("transitioning to follower", "term", term)
	}
	atomic.StoreUint32(&rf.state, follower)
	if term > rf.curTerm {
		rf.curTerm = term
		rf.votedFor = votedForNone
		rf.leaderId = -1
	}
	rf.resetElectionTimer()
}

// becomeCandidate starts a new term voting for itself.
//
// Assumes the lock is held when called
func (rf *Raft) becomeCandidate() {
	atomic.StoreUint32(&rf.state, candidate)
	rf.curTerm++
	rf.votedFor = int64(rf.me)
	rf.leaderId = -1
	rf.resetElectionTimer()
}

// becomeLeader transitions the peer to the leader state
//
// Assumes the lock is held when called
func (rf *Raft) becomeLeader() {
	rf.logger.Info("transitioning to leader", "from_state", stateToString(atomic.LoadUint32(&rf.state)), "term", rf.curTerm)
	atomic.StoreUint32(&rf.state, leader)
	rf.resetHeartbeatTicker()

	rf.leaderId = rf.me
	lastLogIdx, _ := rf.lastLogIdxAndTerm()
	for i := range rf.peersCount {
		rf.nextIdx[i] = lastLogIdx + 1
		rf.matchIdx[i] = 0
	}
	rf.matchIdx[rf.me] = lastLogIdx
	if rf.cfg.CommitNoOpOn {
		go func() {
			if err := rf.Submit(context.Background(), nil); err != nil {
				rf.logger.Debug("failed to submit no-op entry", "err", err)
			}
		}()
	}
}

// checkOrUpdateTerm validates the term from an RPC reply.
// It returns an error if the request's term is outdated. If the reply
// indicates a higher term, it transitions the node to a follower state.
//
// Assumes the lock is held when called.
func (rf *Raft) checkOrUpdateTerm(rpcCallName string, peerIdx int, reqTerm, replyTerm int64) error {
	if replyTerm > rf.curTerm {
		rf.becomeFollower(replyTerm)
		return fmt.Errorf("%w: %s reply received from peer #%d", api.ErrHigherTerm, rpcCallName, peerIdx)
	}

	if !rf.isState(leader) || rf.curTerm != reqTerm {
		return fmt.Errorf("%w: ignoring %s reply from peer #%d", api.ErrOutdatedTerm, rpcCallName, peerIdx)
	}

	return nil
}

// State returns current term and whether this server believes it is the leader
func (rf *Raft) State() (int64, bool) {
	rf.mu.RLock()
	defer rf.mu.RUnlock()
	return rf.curTerm, rf.isState(leader)
}
