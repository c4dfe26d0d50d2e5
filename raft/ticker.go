package raft

import (
	"math/rand/v2"
	"time"
)

// ticker is the main state machine loop for a Raft peer
func (rf *Raft) ticker() {
	defer func() {
		rf.timerMu.Lock()
		rf.heartbeatTicker.Stop()
		rf.electionTimer.Stop()
		rf.timerMu.Unlock()
		rf.wg.Done()
	}()

	for {
		select {
		case <-rf.raftCtx.Done():
			return

		case <-rf.electionTimer.C:
			if rf.isState(leader) {
				continue
			}
			rf.logger.Debug("election timer fired, starting election")
			go rf.startElection()

		case <-rf.heartbeatTicker.C:
			if rf.isState(leader) {
				rf.sendSnapshotOrEntries()
			}
		}
	}
}

// resetHeartbeatTicker stops the election timer and starts sending heartbeats.
func (rf *Raft) resetHeartbeatTicker() {
	rf.timerMu.Lock()
	defer rf.timerMu.Unlock()
	rf.electionTimer.Stop()
	rf.heartbeatTicker.Reset(rf.cfg.Timings.HeartbeatTimeout)
}

// resetElectionTimer stops heartbeats and rearms the election timer with a fresh random interval.
func (rf *Raft) resetElectionTimer() {
	rf.timerMu.Lock()
	defer rf.timerMu.Unlock()
	rf.heartbeatTicker.Stop()
	rf.electionTimer.Reset(rf.randElectionInterval())
}

func (rf *Raft) randElectionInterval() time.Duration {
	delta := rf.cfg.Timings.ElectionTimeoutRandomDelta
	if delta <= 0 {
		return rf.cfg.Timings.ElectionTimeoutBase
	}
	return rf.cfg.Timings.ElectionTimeoutBase + rand.N(delta)
}
