package raft

import (
	"fmt"
	"log/slog"

	"github.com/shrtyk/raft-showtimes/internal/raftpb"
	"github.com/shrtyk/raft-showtimes/internal/wire"
	"github.com/shrtyk/raft-showtimes/pkg/logger"
)

// getPersistentStateBytes helper function for getting bytes of persistent state
//
// Assumes the lock is held when called
func (rf *Raft) getPersistentStateBytes() []byte {
	return wire.Marshal(&raftpb.RaftPersistentState{
		CurrentTerm:       rf.curTerm,
		VotedFor:          rf.votedFor,
		Log:               rf.log,
		LastIncludedIndex: rf.lastIncludedIndex,
		LastIncludedTerm:  rf.lastIncludedTerm,
	})
}

// persistAndUnlock rewrites the whole persistent state, and the snapshot
// when one is given.
//
// It must be called with rf.mu held, and it will unlock it
func (rf *Raft) persistAndUnlock(snapshot []byte) error {
	state := rf.getPersistentStateBytes()
	rf.pmu.Lock()
	defer rf.pmu.Unlock()
	rf.mu.Unlock()
	return rf.persister.SaveStateAndSnapshot(state, snapshot)
}

// persistMetadataAndUnlock persists the current term and vote.
//
// It must be called with rf.mu held, and it will unlock it
func (rf *Raft) persistMetadataAndUnlock() error {
	term, votedFor := rf.curTerm, rf.votedFor
	rf.pmu.Lock()
	defer rf.pmu.Unlock()
	rf.mu.Unlock()
	return rf.persister.SetMetadata(term, votedFor)
}

// persistEntriesAndUnlock appends entries to the persisted log.
//
// It must be called with rf.mu held, and it will unlock it
func (rf *Raft) persistEntriesAndUnlock(entries []*raftpb.LogEntry) error {
	entriesCopy := make([]*raftpb.LogEntry, len(entries))
	for i, e := range entries {
		entriesCopy[i] = e.Clone()
	}
	rf.pmu.Lock()
	defer rf.pmu.Unlock()
	rf.mu.Unlock()
	return rf.persister.AppendEntries(entriesCopy)
}

// restoreState restores previously persisted state from data
func (rf *Raft) restoreState(data []byte) error {
	if len(data) < 1 { // bootstrap without any state
		return nil
	}

	state := &raftpb.RaftPersistentState{}
	if err := wire.Unmarshal(data, state); err != nil {
		return fmt.Errorf("failed to unmarshal persisted state: %w", err)
	}

	rf.curTerm = state.CurrentTerm
	rf.votedFor = state.VotedFor
	rf.log = state.Log
	rf.lastIncludedIndex = state.LastIncludedIndex
	rf.lastIncludedTerm = state.LastIncludedTerm

	rf.commitIdx = rf.lastIncludedIndex
	rf.lastAppliedIdx = rf.lastIncludedIndex
	return nil
}

// handlePersistenceError logs error and immediately panics
func (rf *Raft) handlePersistenceError(rpcName string, err error) {
	if rf.killed() {
		rf.logger.Warn("persistence failed during shutdown", slog.String("rpc", rpcName), logger.ErrAttr(err))
		return
	}
	errMsg := fmt.Sprintf(
		"CRITICAL: failed to persist state in '%s'. The node's state is now corrupted! Shutting down to prevent further inconsistency. Error: %v",
		rpcName,
		err,
	)
	rf.logger.Error(
		errMsg,
		slog.String("rpc", rpcName),
		logger.ErrAttr(err),
	)
	panic(errMsg)
}
