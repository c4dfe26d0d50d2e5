package raft

import (
	"context"

	"github.com/shrtyk/raft-showtimes/internal/raftpb"
)

func (rf *Raft) RequestVote(ctx context.Context, req *raftpb.RequestVoteRequest) (reply *raftpb.RequestVoteResponse, err error) {
	reply = &raftpb.RequestVoteResponse{}
	var persistMetadata bool

	rf.mu.Lock()
	defer func() {
		if persistMetadata {
			if pErr := rf.persistMetadataAndUnlock(); pErr != nil {
				rf.handlePersistenceError("RequestVote", pErr)
			}
		} else {
			rf.mu.Unlock()
		}
	}()

	reply.VoteGranted = false
	reply.VoterId = int64(rf.me)

	if req.Term < rf.curTerm {
		reply.Term = rf.curTerm
		return
	}

	if req.Term > rf.curTerm {
		rf.becomeFollower(req.Term)
		persistMetadata = true
	}

	reply.Term = rf.curTerm
	if !rf.isCandidateLogUpToDate(req.LastLogIndex, req.LastLogTerm) {
		myLastLogIdx, myLastLogTerm := rf.lastLogIdxAndTerm()
		rf.logger.Info(
			"denying vote, candidate log not up-to-date",
			"candidate_id", req.CandidateId,
			"candidate_last_log_idx", req.LastLogIndex,
			"candidate_last_log_term", req.LastLogTerm,
			"my_last_log_idx", myLastLogIdx,
			"my_last_log_term", myLastLogTerm,
		)
		return
	}

	if rf.votedFor != votedForNone && rf.votedFor != req.CandidateId {
		rf.logger.Debug(
			"denying vote, already voted for another candidate",
			"candidate_id", req.CandidateId,
			"voted_for", rf.votedFor,
		)
		return
	}

	reply.VoteGranted = true
	rf.votedFor = req.CandidateId
	persistMetadata = true
	rf.resetElectionTimer()
	rf.logger.Info(
		"voting for candidate",
		"candidate_id", req.CandidateId,
		"term", rf.curTerm,
	)

	return
}

func (rf *Raft) AppendEntries(ctx context.Context, req *raftpb.AppendEntriesRequest) (reply *raftpb.AppendEntriesResponse, err error) {
	reply = &raftpb.AppendEntriesResponse{}
	rf.mu.Lock()

	if req.Term < rf.curTerm {
		reply.Term = rf.curTerm
		rf.mu.Unlock()
		return
	}

	if len(req.Entries) > 0 {
		rf.logger.Debug("append entries received", "leader_id", req.LeaderId, "term", req.Term, "num_entries", len(req.Entries))
	}

	termChanged := req.Term > rf.curTerm
	rf.becomeFollower(req.Term)
	rf.leaderId = int(req.LeaderId)
	reply.Term = rf.curTerm

	if !rf.isLogConsistent(req.PrevLogIndex, req.PrevLogTerm) {
		rf.fillConflictReply(req, reply)
		if termChanged {
			if perr := rf.persistMetadataAndUnlock(); perr != nil {
				rf.handlePersistenceError("AppendEntries", perr)
			}
		} else {
			rf.mu.Unlock()
		}
		return
	}

	truncated, appended := rf.processEntries(req)

	if req.LeaderCommitIndex > rf.commitIdx {
		lastNewIdx := req.PrevLogIndex + int64(len(req.Entries))
		newCommitIdx := min(req.LeaderCommitIndex, lastNewIdx)
		if newCommitIdx > rf.commitIdx {
			rf.commitIdx = newCommitIdx
			rf.signalApplier()
		}
	}

	var perr error
	switch {
	case truncated:
		perr = rf.persistAndUnlock(nil)
	case termChanged:
		// a full write covers both the new term and any appended entries
		if len(appended) > 0 {
			perr = rf.persistAndUnlock(nil)
		} else {
			perr = rf.persistMetadataAndUnlock()
		}
	case len(appended) > 0:
		perr = rf.persistEntriesAndUnlock(appended)
	default:
		rf.mu.Unlock()
	}
	if perr != nil {
		rf.handlePersistenceError("AppendEntries", perr)
		return
	}

	reply.Success = true
	return
}

func (rf *Raft) InstallSnapshot(ctx context.Context, req *raftpb.InstallSnapshotRequest) (reply *raftpb.InstallSnapshotResponse, err error) {
	reply = &raftpb.InstallSnapshotResponse{}

	rf.mu.Lock()
	reply.Term = rf.curTerm
	if req.Term < rf.curTerm {
		rf.mu.Unlock()
		return
	}

	termChanged := req.Term > rf.curTerm
	rf.becomeFollower(req.Term)
	rf.leaderId = int(req.LeaderId)
	reply.Term = rf.curTerm

	if req.LastIncludedIndex <= rf.lastIncludedIndex {
		if termChanged {
			if perr := rf.persistMetadataAndUnlock(); perr != nil {
				rf.handlePersistenceError("InstallSnapshot", perr)
			}
		} else {
			rf.mu.Unlock()
		}
		return
	}

	rf.logger.Info(
		"installing snapshot",
		"leader_id", req.LeaderId,
		"last_included_index", req.LastIncludedIndex,
	)

	rf.compactLog(req.LastIncludedIndex, req.LastIncludedTerm, req.Data)
	if rf.commitIdx < req.LastIncludedIndex {
		rf.commitIdx = req.LastIncludedIndex
	}
	rf.signalApplier()

	if perr := rf.persistAndUnlock(req.Data); perr != nil {
		rf.handlePersistenceError("InstallSnapshot", perr)
	}
	return
}
