package raft

import (
	"errors"
	"log/slog"

	"github.com/shrtyk/raft-showtimes/api"
	"github.com/shrtyk/raft-showtimes/pkg/logger"
)

// sendSnapshotOrEntries is invoked by the leader to replicate its state to all peers
func (rf *Raft) sendSnapshotOrEntries() {
	rf.mu.RLock()
	curTerm := rf.curTerm
	rf.mu.RUnlock()

	for i := range rf.peersCount {
		if i == rf.me {
			continue
		}
		go func(peerIdx int) {
			rf.mu.RLock()
			if rf.curTerm != curTerm || !rf.isState(leader) {
				rf.mu.RUnlock()
				return
			}

			var err error
			if rf.nextIdx[peerIdx] <= rf.lastIncludedIndex {
				err = rf.leaderSendSnapshot(peerIdx)
			} else {
				err = rf.leaderSendEntries(peerIdx)
			}

			switch {
			case err == nil:
			case errors.Is(err, api.ErrOutdatedTerm):
			case errors.Is(err, api.ErrHigherTerm):
				rf.logger.Info("stepped down after reply with higher term", slog.Int("peer_id", peerIdx))
			default:
				rf.logger.Debug("failed to send gRPC call", slog.Int("peer_id", peerIdx), logger.ErrAttr(err))
			}
		}(i)
	}
}
