package raft

import (
	"context"
	"log/slog"
	"time"

	"github.com/shrtyk/raft-showtimes/internal/raftpb"
	"github.com/shrtyk/raft-showtimes/pkg/logger"
)

// startElection begins the leader election process for a new term
func (rf *Raft) startElection() {
	timeout := rf.randElectionInterval()

	rf.mu.Lock()
	if rf.isState(leader) || rf.killed() {
		rf.mu.Unlock()
		return
	}
	rf.becomeCandidate()
	rf.logger.Info("starting election", "term", rf.curTerm)
	lastLogIdx, lastLogTerm := rf.lastLogIdxAndTerm()
	electionTerm := rf.curTerm

	if err := rf.persistMetadataAndUnlock(); err != nil {
		rf.handlePersistenceError("startElection", err)
		return
	}

	if rf.peersCount == 1 {
		rf.mu.Lock()
		if rf.curTerm == electionTerm && rf.isState(candidate) {
			rf.becomeLeader()
		}
		rf.mu.Unlock()
		return
	}

	// Buffered channel to collect replies without blocking
	repliesChan := make(chan *raftpb.RequestVoteResponse, rf.peersCount-1)
	args := &raftpb.RequestVoteRequest{
		Term:         electionTerm,
		CandidateId:  int64(rf.me),
		LastLogIndex: lastLogIdx,
		LastLogTerm:  lastLogTerm,
	}

	// Send RequestVote RPCs in parallel to all peers
	for i := range rf.peersCount {
		if i == rf.me {
			continue
		}
		go func(idx int) {
			tctx, tcancel := context.WithTimeout(rf.raftCtx, rf.cfg.Timings.RPCTimeout)
			defer tcancel()

			reply, err := rf.transport.SendRequestVote(tctx, idx, args)
			if err != nil {
				rf.logger.Debug("failed to get vote response from peer", slog.Int("peer_id", idx), logger.ErrAttr(err))
				return
			}
			repliesChan <- reply
		}(i)
	}

	rf.countVotes(timeout, repliesChan, electionTerm)
}

// countVotes collects RequestVote responses until timeout or majority is reached.
// It steps down on higher-term replies.
func (rf *Raft) countVotes(timeout time.Duration, repliesChan <-chan *raftpb.RequestVoteResponse, electionTerm int64) {
	votes := make([]bool, rf.peersCount)
	votes[rf.me] = true

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-rf.raftCtx.Done():
			return
		case <-timer.C:
			rf.logger.Debug("election timed out", "term", electionTerm)
			return
		case reply := <-repliesChan:
			rf.mu.Lock()
			rf.logger.Debug("received vote reply", "voter", reply.VoterId, "granted", reply.VoteGranted, "term", reply.Term)

			// Step down if reply term is newer
			if reply.Term > rf.curTerm {
				rf.becomeFollower(reply.Term)
				if err := rf.persistMetadataAndUnlock(); err != nil {
					rf.handlePersistenceError("countVotes", err)
				}
				return
			}

			// Ignore outdated election responses
			if rf.curTerm != electionTerm || !rf.isState(candidate) {
				rf.mu.Unlock()
				return
			}

			if reply.VoteGranted && reply.VoterId >= 0 && int(reply.VoterId) < rf.peersCount {
				votes[reply.VoterId] = true
				if rf.isEnoughVotes(votes) {
					rf.becomeLeader()
					rf.mu.Unlock()
					rf.sendSnapshotOrEntries()
					return
				}
			}
			rf.mu.Unlock()
		}
	}
}

func (rf *Raft) isEnoughVotes(votes []bool) bool {
	var vc int
	for _, voted := range votes {
		if voted {
			vc++
		}
	}
	return vc > rf.peersCount/2
}
