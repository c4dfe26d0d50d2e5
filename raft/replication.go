package raft

import (
	"context"
	"slices"

	"github.com/shrtyk/raft-showtimes/internal/raftpb"
)

// leaderSendEntries handles sending log entries to a single peer
//
// Assumes the read lock is held when called, releases it.
func (rf *Raft) leaderSendEntries(peerIdx int) error {
	prevLogIdx := rf.nextIdx[peerIdx] - 1
	prevLogTerm := rf.getTerm(prevLogIdx)

	sliceIndex := rf.nextIdx[peerIdx] - rf.lastIncludedIndex - 1
	entries := make([]*raftpb.LogEntry, len(rf.log[sliceIndex:]))
	copy(entries, rf.log[sliceIndex:])

	args := &raftpb.AppendEntriesRequest{
		Term:              rf.curTerm,
		LeaderId:          int64(rf.me),
		PrevLogIndex:      prevLogIdx,
		PrevLogTerm:       prevLogTerm,
		LeaderCommitIndex: rf.commitIdx,
		Entries:           entries,
	}
	rf.mu.RUnlock()

	tctx, tcancel := context.WithTimeout(rf.raftCtx, rf.cfg.Timings.RPCTimeout)
	defer tcancel()
	reply, err := rf.transport.SendAppendEntries(tctx, peerIdx, args)
	if err != nil {
		return err
	}

	rf.mu.Lock()
	defer rf.mu.Unlock()

	if err := rf.checkOrUpdateTerm("AppendEntries", peerIdx, args.Term, reply.Term); err != nil {
		return err
	}
	rf.handleAppendEntriesReply(peerIdx, args, reply)
	return nil
}

// handleAppendEntriesReply processes the reply from an AppendEntries RPC
//
// Assumes the lock is held when called
func (rf *Raft) handleAppendEntriesReply(peerIdx int, req *raftpb.AppendEntriesRequest, reply *raftpb.AppendEntriesResponse) {
	if reply.Success {
		newMatchIdx := req.PrevLogIndex + int64(len(req.Entries))
		if newMatchIdx > rf.matchIdx[peerIdx] {
			rf.matchIdx[peerIdx] = newMatchIdx
		}
		rf.nextIdx[peerIdx] = rf.matchIdx[peerIdx] + 1
		rf.advanceCommitIdx()
		return
	}

	rf.updateNextIndexAfterConflict(peerIdx, reply)
}

// updateNextIndexAfterConflict is a helper function to update a follower's nextIdx
// after a failed AppendEntries RPC
//
// Assumes the lock is held when called.
func (rf *Raft) updateNextIndexAfterConflict(peerIdx int, reply *raftpb.AppendEntriesResponse) {
	defer func() {
		// never go below what the peer already acknowledged
		rf.nextIdx[peerIdx] = max(rf.nextIdx[peerIdx], rf.matchIdx[peerIdx]+1, 1)
	}()

	if reply.ConflictTerm < 0 {
		rf.nextIdx[peerIdx] = reply.ConflictIndex
		return
	}

	lastLogIdx, _ := rf.lastLogIdxAndTerm()
	for i := lastLogIdx; i > rf.lastIncludedIndex; i-- {
		if rf.getTerm(i) == reply.ConflictTerm {
			rf.nextIdx[peerIdx] = i + 1
			return
		}
	}
	rf.nextIdx[peerIdx] = reply.ConflictIndex
}

// advanceCommitIdx moves the commit index to the highest index stored on a
// majority and wakes the applier if it moved.
//
// Assumes the lock is held when called
func (rf *Raft) advanceCommitIdx() {
	matchIdxCopy := slices.Clone(rf.matchIdx)
	slices.Sort(matchIdxCopy)
	// sorted ascending, so (n-1)/2 is the largest index held by a majority
	newCommitIdx := matchIdxCopy[(rf.peersCount-1)/2]

	// only entries of the current term are committed by counting replicas
	if newCommitIdx > rf.commitIdx && rf.getTerm(newCommitIdx) == rf.curTerm {
		rf.commitIdx = newCommitIdx
		rf.signalApplier()
	}
}
