package raft

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"

	"github.com/shrtyk/raft-showtimes/api"
	"github.com/shrtyk/raft-showtimes/internal/raftpb"
	"github.com/shrtyk/raft-showtimes/pkg/logger"
)

var _ api.Raft = (*Raft)(nil)

// A Go object implementing a single Raft peer.
type Raft struct {
	wg sync.WaitGroup
	mu sync.RWMutex // Lock to protect shared access to this peer's state
	// Lock for persistence writes to provide atomicity of operations without holding global lock.
	//
	// Lock mu -> update persistence state -> make a copy state -> lock pmu -> unlock mu -> persist copy of state -> unlock pmu
	pmu        sync.Mutex
	peersCount int               // Amount of peers in cluster
	members    []api.NodeAddress // Raft address of every peer, indexed like the transport
	transport  api.Transport     // RPC clients layer abstraction
	persister  api.Persister     // Persistence layer abstraction (should be concurrent safe)
	me         int               // this peer's index
	dead       int32             // set by Stop()
	stopOnce   sync.Once

	state    State           // State of the peer
	leaderId int             // index of the last known leader, -1 if none
	cfg      *api.RaftConfig // Config of the peer

	// Lock to provide atomic timers updates.
	//
	// lock timerMu -> stop one of the timers -> reset another one -> unlock timerMu
	timerMu         sync.Mutex
	electionTimer   *time.Timer
	heartbeatTicker *time.Ticker

	applyChan         chan *api.ApplyMessage
	signalApplierChan chan struct{}

	// Persistent state:

	curTerm  int64              // latest term server has seen
	votedFor int64              // index of peer in peers
	log      []*raftpb.LogEntry // log entries

	// Volatile state on all servers:

	// index of highest log entry known to be committed
	commitIdx int64
	// index of the highest log entry applied to state machine
	lastAppliedIdx int64

	// Volatile state leaders only (reinitialized after election):

	// for each server, index of the next log entry
	// to send to that server (initialized to leader last log index + 1)
	nextIdx []int64
	// for each server, index of highest log entry known
	// to be replicated on server (initialized to 0, increases monotonically)
	matchIdx []int64

	// the index of the last entry in the log that the snapshot replaces
	lastIncludedIndex int64
	// the term of the last entry in the log that the snapshot replaces
	lastIncludedTerm int64
	// the snapshot itself, kept for the applier and lagging followers
	snapshot []byte

	raftCtx    context.Context
	raftCancel func()
	logger     *slog.Logger

	listener         net.Listener
	grpcServer       *grpc.Server
	monitoringServer *http.Server
	fsm              api.FSM
	raftpb.UnimplementedRaftServiceServer
}

func (rf *Raft) Start() error {
	state, err := rf.persister.ReadRaftState()
	if err != nil {
		return fmt.Errorf("failed to read peer #%d state: %w", rf.me, err)
	}
	if err := rf.restoreState(state); err != nil {
		return fmt.Errorf("failed to restore peer #%d state: %w", rf.me, err)
	}
	if rf.lastIncludedIndex > 0 {
		if rf.snapshot, err = rf.persister.ReadSnapshot(); err != nil {
			return fmt.Errorf("failed to read peer #%d snapshot: %w", rf.me, err)
		}
		// the state machine starts empty, so it has to see the snapshot first
		rf.lastAppliedIdx = 0
	}
	rf.initializeNextIndexes()

	rf.electionTimer = time.NewTimer(rf.randElectionInterval())
	rf.heartbeatTicker = time.NewTicker(rf.cfg.Timings.HeartbeatTimeout)
	rf.heartbeatTicker.Stop()
	rf.mu.Lock()
	rf.becomeFollower(rf.curTerm)
	rf.mu.Unlock()

	if err := rf.startGRPCServer(); err != nil {
		return fmt.Errorf("failed to start gRPC server: %w", err)
	}
	if err := rf.startMonitoringServer(); err != nil {
		if rf.grpcServer != nil {
			rf.grpcServer.Stop()
			rf.wg.Wait()
		}
		return fmt.Errorf("failed to start monitoring HTTP server: %w", err)
	}

	rf.wg.Add(2)
	go rf.applier()
	go rf.ticker()
	if rf.cfg.Snapshots.ThresholdBytes > 0 {
		rf.wg.Add(1)
		go rf.snapshotter()
	}
	rf.signalApplier()

	rf.logger.Info("raft peer started", slog.Int("peers", rf.peersCount), slog.Int64("term", rf.curTerm))
	return nil
}

// Stop sets the peer to a dead state and stops completely
func (rf *Raft) Stop() error {
	var err error
	rf.stopOnce.Do(func() {
		tctx, tcancel := context.WithTimeout(context.Background(), rf.cfg.Timings.ShutdownTimeout)
		defer tcancel()

		atomic.StoreInt32(&rf.dead, 1)
		if rf.grpcServer != nil {
			rf.grpcServer.Stop()
		}
		if rf.monitoringServer != nil {
			if serr := rf.monitoringServer.Shutdown(tctx); serr != nil {
				err = errors.Join(err, fmt.Errorf("failed to shutdown monitoring server: %w", serr))
			}
		}

		rf.raftCancel()
		rf.wg.Wait()

		if perr := rf.persister.Close(); perr != nil {
			err = errors.Join(err, fmt.Errorf("failed to close persister: %w", perr))
		}
		rf.logger.Info("raft peer stopped")
	})
	return err
}

// Submit proposes a new command to be replicated
func (rf *Raft) Submit(ctx context.Context, command []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rf.killed() {
		return api.ErrStopped
	}

	rf.mu.Lock()
	if !rf.isState(leader) {
		rf.mu.Unlock()
		return api.ErrNotLeader
	}

	term := rf.curTerm
	entry := &raftpb.LogEntry{
		Term: rf.curTerm,
		Cmd:  command,
	}
	rf.log = append(rf.log, entry)
	lastLogIdx, _ := rf.lastLogIdxAndTerm()
	rf.matchIdx[rf.me] = lastLogIdx
	rf.nextIdx[rf.me] = lastLogIdx + 1

	// If persistence fails, the node must not continue as leader,
	// because it's no longer a reliable state machine replica.
	if err := rf.persistEntriesAndUnlock([]*raftpb.LogEntry{entry.Clone()}); err != nil {
		rf.logger.Warn("failed to persist log, stepping down as leader", logger.ErrAttr(err))

		rf.mu.Lock()
		if rf.curTerm == term && rf.isState(leader) {
			rf.becomeFollower(term)
		}
		rf.mu.Unlock()
		return fmt.Errorf("raft: failed to persist entry: %w", err)
	}

	rf.mu.Lock()
	if rf.peersCount == 1 {
		rf.advanceCommitIdx()
	}
	rf.mu.Unlock()

	go rf.sendSnapshotOrEntries()
	return nil
}

// Leader returns the address of the last known leader.
func (rf *Raft) Leader() (api.NodeAddress, bool) {
	rf.mu.RLock()
	defer rf.mu.RUnlock()
	if rf.leaderId < 0 || rf.leaderId >= len(rf.members) {
		return "", false
	}
	return rf.members[rf.leaderId], true
}

func (rf *Raft) killed() bool {
	return atomic.LoadInt32(&rf.dead) == 1
}
