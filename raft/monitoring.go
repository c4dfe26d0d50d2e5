package raft

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/shrtyk/raft-showtimes/pkg/logger"
)

// status represents the raft node's status.
type status struct {
	NodeID      int    `json:"nodeId"`
	Address     string `json:"address"`
	State       string `json:"state"`
	Leader      string `json:"leader,omitempty"`
	CurrentTerm int64  `json:"currentTerm"`
	VotedFor    int64  `json:"votedFor"`
	CommitIndex int64  `json:"commitIndex"`
	LastApplied int64  `json:"lastApplied"`

	LogInfo struct {
		LastIndex int64 `json:"lastIndex"`
		LastTerm  int64 `json:"lastTerm"`
		Count     int   `json:"count"`
		SizeBytes int   `json:"sizeBytes"`
	} `json:"logInfo"`

	SnapshotInfo struct {
		LastIncludedIndex int64 `json:"lastIncludedIndex"`
		LastIncludedTerm  int64 `json:"lastIncludedTerm"`
	} `json:"snapshotInfo"`

	LeaderSpecific *leaderSpecificStatus `json:"leaderSpecific,omitempty"`
}

type leaderSpecificStatus struct {
	PeerReplicationInfo map[string]peerReplicationInfo `json:"peerReplicationInfo"`
}

type peerReplicationInfo struct {
	Address    string `json:"address"`
	MatchIndex int64  `json:"matchIndex"`
	NextIndex  int64  `json:"nextIndex"`
	Available  bool   `json:"available"`
}

// statusHandler implements the http.Handler interface.
type statusHandler struct {
	rf *Raft
}

func (h *statusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s := h.getStatus()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s); err != nil {
		h.rf.logger.Warn("failed to encode status for monitoring", logger.ErrAttr(err))
		http.Error(w, "failed to encode status", http.StatusInternalServerError)
	}
}

// getStatus collects the current status from the Raft instance.
func (h *statusHandler) getStatus() status {
	rf := h.rf
	rf.mu.RLock()
	defer rf.mu.RUnlock()

	lastLogIdx, lastLogTerm := rf.lastLogIdxAndTerm()
	s := status{
		NodeID:      rf.me,
		Address:     string(rf.members[rf.me]),
		State:       stateToString(atomic.LoadUint32(&rf.state)),
		CurrentTerm: rf.curTerm,
		VotedFor:    rf.votedFor,
		CommitIndex: rf.commitIdx,
		LastApplied: rf.lastAppliedIdx,
	}
	if rf.leaderId >= 0 {
		s.Leader = string(rf.members[rf.leaderId])
	}
	s.LogInfo.LastIndex = lastLogIdx
	s.LogInfo.LastTerm = lastLogTerm
	s.LogInfo.Count = len(rf.log)
	s.LogInfo.SizeBytes = rf.logSizeInBytes()
	s.SnapshotInfo.LastIncludedIndex = rf.lastIncludedIndex
	s.SnapshotInfo.LastIncludedTerm = rf.lastIncludedTerm

	if rf.isState(leader) {
		s.LeaderSpecific = &leaderSpecificStatus{
			PeerReplicationInfo: make(map[string]peerReplicationInfo),
		}
		for i := range rf.peersCount {
			if i == rf.me {
				continue
			}
			s.LeaderSpecific.PeerReplicationInfo[strconv.Itoa(i)] = peerReplicationInfo{
				Address:    string(rf.members[i]),
				MatchIndex: rf.matchIdx[i],
				NextIndex:  rf.nextIdx[i],
				Available:  rf.transport.IsPeerAvailable(i),
			}
		}
	}

	return s
}

// startMonitoringServer starts the HTTP server for monitoring.
func (rf *Raft) startMonitoringServer() error {
	if rf.cfg.HttpMonitoringAddr == "" {
		return nil
	}

	l, err := net.Listen("tcp", rf.cfg.HttpMonitoringAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	rf.logger.Info("starting monitoring server", "addr", l.Addr().String())

	mux := http.NewServeMux()
	mux.Handle("/status", &statusHandler{rf: rf})
	rf.monitoringServer = &http.Server{Handler: mux}

	rf.wg.Go(func() {
		if err := rf.monitoringServer.Serve(l); !errors.Is(err, http.ErrServerClosed) {
			rf.logger.Error("monitoring server failed", logger.ErrAttr(err))
		}
	})
	return nil
}
