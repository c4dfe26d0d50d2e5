package raft

import (
	"context"
	"fmt"

	"github.com/shrtyk/raft-showtimes/api"
	"github.com/shrtyk/raft-showtimes/internal/raftpb"
)

// Snapshot discards log entries up to and including index, which the
// snapshot data must reflect.
func (rf *Raft) Snapshot(index int64, snapshot []byte) error {
	rf.mu.Lock()

	if index <= rf.lastIncludedIndex {
		rf.mu.Unlock()
		return api.ErrOldSnapshot
	}
	if index > rf.commitIdx {
		rf.mu.Unlock()
		return fmt.Errorf("raft: cannot snapshot uncommitted index %d (committed %d)", index, rf.commitIdx)
	}

	rf.compactLog(index, rf.getTerm(index), snapshot)
	rf.logger.Info("log compacted", "last_included_index", index, "entries_left", len(rf.log))
	return rf.persistAndUnlock(snapshot)
}

// compactLog drops the log prefix covered by a snapshot ending at
// index/term. Entries after it are kept only if the log agrees on term.
//
// Assumes the lock is held when called
func (rf *Raft) compactLog(index, term int64, snapshot []byte) {
	sliceIndex := index - rf.lastIncludedIndex
	if sliceIndex <= int64(len(rf.log)) && rf.getTerm(index) == term {
		rf.log = append([]*raftpb.LogEntry(nil), rf.log[sliceIndex:]...)
	} else {
		rf.log = nil
	}

	rf.lastIncludedIndex = index
	rf.lastIncludedTerm = term
	rf.snapshot = snapshot
}

// leaderSendSnapshot handles sending a snapshot to a single peer
//
// Assumes the read lock is held when called, releases it.
func (rf *Raft) leaderSendSnapshot(peerIdx int) error {
	req := &raftpb.InstallSnapshotRequest{
		Term:              rf.curTerm,
		LeaderId:          int64(rf.me),
		LastIncludedIndex: rf.lastIncludedIndex,
		LastIncludedTerm:  rf.lastIncludedTerm,
		Data:              rf.snapshot,
	}
	rf.mu.RUnlock()

	tctx, tcancel := context.WithTimeout(rf.raftCtx, rf.cfg.Timings.RPCTimeout)
	defer tcancel()
	reply, err := rf.transport.SendInstallSnapshot(tctx, peerIdx, req)
	if err != nil {
		return err
	}

	rf.mu.Lock()
	defer rf.mu.Unlock()

	if err := rf.checkOrUpdateTerm("InstallSnapshot", peerIdx, req.Term, reply.Term); err != nil {
		return err
	}

	rf.matchIdx[peerIdx] = max(rf.matchIdx[peerIdx], req.LastIncludedIndex)
	rf.nextIdx[peerIdx] = rf.matchIdx[peerIdx] + 1
	return nil
}
