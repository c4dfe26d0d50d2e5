// Package etcdraft runs the replicated log on top of etcd's raft library.
//
// Members are numbered 1..n in the order of the member list and exchange
// raft messages over a single unary gRPC method. The log lives in a
// raft.MemoryStorage only, so a restarted member has to rejoin with a fresh
// data set; use the builtin engine when durability matters.
package etcdraft

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
	"google.golang.org/grpc"

	"github.com/shrtyk/raft-showtimes/api"
	"github.com/shrtyk/raft-showtimes/pkg/logger"
)

const (
	defaultSnapshotEntries = 1000
	defaultCatchUpEntries  = 100
)

var _ api.Raft = (*Node)(nil)

type Option func(*Node)

func WithLogger(l *slog.Logger) Option {
	return func(n *Node) { n.logger = l }
}

// WithListener serves peer messages on an already bound listener instead
// of RaftConfig.GRPCAddr.
func WithListener(l net.Listener) Option {
	return func(n *Node) { n.listener = l }
}

// WithSnapshotEntries sets how many applied entries trigger a snapshot.
func WithSnapshotEntries(entries uint64) Option {
	return func(n *Node) { n.snapshotEntries = entries }
}

// Node is an api.Raft backed by an etcd raft.Node.
type Node struct {
	id      uint64
	members []api.NodeAddress
	cfg     *api.RaftConfig
	logger  *slog.Logger

	node    raft.Node
	storage *raft.MemoryStorage
	peers   *peerTransport

	listener   net.Listener
	grpcServer *grpc.Server

	applyCh chan *api.ApplyMessage
	fsm     api.FSM

	lead     atomic.Uint64
	isLeader atomic.Bool

	// owned by the run loop
	confState       raftpb.ConfState
	appliedIndex    uint64
	snapshotIndex   uint64
	snapshotEntries uint64

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New builds member me (0-based) of a static cluster. Committed commands are
// delivered on applyCh, which is closed by Stop.
func New(
	me int,
	members []api.NodeAddress,
	applyCh chan *api.ApplyMessage,
	fsm api.FSM,
	cfg *api.RaftConfig,
	opts ...Option,
) (*Node, error) {
	if me < 0 || me >= len(members) {
		return nil, fmt.Errorf("etcdraft: member index %d out of range [0, %d)", me, len(members))
	}
	if applyCh == nil || fsm == nil || cfg == nil {
		return nil, errors.New("etcdraft: apply channel, fsm and config are required")
	}

	n := &Node{
		id:              uint64(me + 1),
		members:         members,
		cfg:             cfg,
		storage:         raft.NewMemoryStorage(),
		applyCh:         applyCh,
		fsm:             fsm,
		snapshotEntries: defaultSnapshotEntries,
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.logger == nil {
		n.logger = logger.NewLogger(cfg.Log.Env, false)
	}
	n.logger = n.logger.With(slog.Uint64("raft_id", n.id))

	peers, err := newPeerTransport(n.id, members, cfg, n.logger)
	if err != nil {
		return nil, err
	}
	n.peers = peers
	return n, nil
}

func (n *Node) raftConfig() *raft.Config {
	heartbeat := n.cfg.Timings.HeartbeatTimeout
	if heartbeat <= 0 {
		heartbeat = 100 * time.Millisecond
	}
	electionTick := int(n.cfg.Timings.ElectionTimeoutBase / heartbeat)
	return &raft.Config{
		ID:              n.id,
		ElectionTick:    max(electionTick, 3),
		HeartbeatTick:   1,
		Storage:         n.storage,
		MaxSizePerMsg:   1 << 20,
		MaxInflightMsgs: 256,
		CheckQuorum:     true,
		PreVote:         true,
		Logger:          &slogLogger{l: n.logger},
	}
}

func (n *Node) Start() error {
	peers := make([]raft.Peer, len(n.members))
	for i := range n.members {
		peers[i] = raft.Peer{ID: uint64(i + 1)}
	}

	l := n.listener
	if l == nil && n.cfg.GRPCAddr != "" {
		var err error
		if l, err = net.Listen("tcp", n.cfg.GRPCAddr); err != nil {
			return fmt.Errorf("etcdraft: failed to listen: %w", err)
		}
	}

	n.ctx, n.cancel = context.WithCancel(context.Background())
	n.node = raft.StartNode(n.raftConfig(), peers)
	n.peers.start(n.ctx, n.node, &n.wg)

	if l != nil {
		n.grpcServer = grpc.NewServer()
		n.grpcServer.RegisterService(&transportServiceDesc, n)
		n.logger.Info("serving raft messages", "addr", l.Addr().String())
		n.wg.Go(func() {
			if err := n.grpcServer.Serve(l); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				n.logger.Error("gRPC server failed", logger.ErrAttr(err))
			}
		})
	}

	n.wg.Go(n.run)
	return nil
}

func (n *Node) Stop() error {
	var err error
	n.stopOnce.Do(func() {
		if n.cancel == nil {
			return
		}
		if n.grpcServer != nil {
			n.grpcServer.Stop()
		}
		n.cancel()
		n.wg.Wait()
		n.node.Stop()
		close(n.applyCh)
		if cerr := n.peers.close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("etcdraft: failed to close peer connections: %w", cerr))
		}
		n.logger.Info("etcd raft node stopped")
	})
	return err
}

func (n *Node) Submit(ctx context.Context, command []byte) error {
	if n.ctx == nil || n.ctx.Err() != nil {
		return api.ErrStopped
	}
	if !n.isLeader.Load() {
		return api.ErrNotLeader
	}
	if err := n.node.Propose(ctx, command); err != nil {
		if errors.Is(err, raft.ErrProposalDropped) {
			return api.ErrNotLeader
		}
		if errors.Is(err, raft.ErrStopped) {
			return api.ErrStopped
		}
		return err
	}
	return nil
}

func (n *Node) State() (int64, bool) {
	st := n.node.Status()
	return int64(st.Term), st.RaftState == raft.StateLeader
}

func (n *Node) Leader() (api.NodeAddress, bool) {
	lead := n.lead.Load()
	if lead == raft.None || lead > uint64(len(n.members)) {
		return "", false
	}
	return n.members[lead-1], true
}

// run is the Ready loop: persist, send, apply, advance.
func (n *Node) run() {
	interval := n.cfg.Timings.HeartbeatTimeout
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return

		case <-ticker.C:
			n.node.Tick()

		case rd := <-n.node.Ready():
			if rd.SoftState != nil {
				if prev := n.lead.Swap(rd.SoftState.Lead); prev != rd.SoftState.Lead {
					n.logger.Info("leader changed", slog.Uint64("lead", rd.SoftState.Lead))
				}
				n.isLeader.Store(rd.SoftState.RaftState == raft.StateLeader)
			}

			if !raft.IsEmptySnap(rd.Snapshot) {
				if err := n.storage.ApplySnapshot(rd.Snapshot); err != nil {
					n.logger.Error("failed to apply snapshot to storage", logger.ErrAttr(err))
				}
			}
			if !raft.IsEmptyHardState(rd.HardState) {
				if err := n.storage.SetHardState(rd.HardState); err != nil {
					n.logger.Error("failed to store hard state", logger.ErrAttr(err))
				}
			}
			if err := n.storage.Append(rd.Entries); err != nil {
				n.logger.Error("failed to append entries", logger.ErrAttr(err))
			}

			n.peers.send(rd.Messages)

			if !raft.IsEmptySnap(rd.Snapshot) && !n.publishSnapshot(rd.Snapshot) {
				return
			}
			if !n.publishEntries(rd.CommittedEntries) {
				return
			}
			n.maybeSnapshot()
			n.node.Advance()
		}
	}
}

func (n *Node) publishSnapshot(snap raftpb.Snapshot) bool {
	if snap.Metadata.Index <= n.appliedIndex {
		return true
	}
	n.logger.Info("publishing snapshot", slog.Uint64("index", snap.Metadata.Index))
	n.confState = snap.Metadata.ConfState
	n.snapshotIndex = snap.Metadata.Index
	n.appliedIndex = snap.Metadata.Index
	return n.deliver(&api.ApplyMessage{
		SnapshotValid: true,
		Snapshot:      snap.Data,
		SnapshotIndex: int64(snap.Metadata.Index),
		SnapshotTerm:  int64(snap.Metadata.Term),
	})
}

func (n *Node) publishEntries(entries []raftpb.Entry) bool {
	for _, ent := range entries {
		if ent.Index <= n.appliedIndex {
			continue
		}
		switch ent.Type {
		case raftpb.EntryNormal:
			if !n.deliver(&api.ApplyMessage{
				CommandValid: true,
				Command:      ent.Data,
				CommandIndex: int64(ent.Index),
			}) {
				return false
			}
		case raftpb.EntryConfChange:
			var cc raftpb.ConfChange
			if err := cc.Unmarshal(ent.Data); err != nil {
				n.logger.Error("failed to decode conf change", logger.ErrAttr(err))
				continue
			}
			n.confState = *n.node.ApplyConfChange(cc)
		case raftpb.EntryConfChangeV2:
			var cc raftpb.ConfChangeV2
			if err := cc.Unmarshal(ent.Data); err != nil {
				n.logger.Error("failed to decode conf change", logger.ErrAttr(err))
				continue
			}
			n.confState = *n.node.ApplyConfChange(cc)
		}
		n.appliedIndex = ent.Index
	}
	return true
}

func (n *Node) deliver(msg *api.ApplyMessage) bool {
	select {
	case n.applyCh <- msg:
		return true
	case <-n.ctx.Done():
		return false
	}
}

// maybeSnapshot compacts the log once enough entries were applied. The
// snapshot index is whatever the state machine has applied so far, which
// may trail appliedIndex.
func (n *Node) maybeSnapshot() {
	if n.snapshotEntries == 0 || n.appliedIndex-n.snapshotIndex < n.snapshotEntries {
		return
	}

	data, lastApplied, err := n.fsm.Snapshot()
	if err != nil {
		n.logger.Warn("failed to get snapshot from FSM", logger.ErrAttr(err))
		return
	}
	index := uint64(lastApplied)
	if index <= n.snapshotIndex {
		return
	}

	if _, err := n.storage.CreateSnapshot(index, &n.confState, data); err != nil {
		if !errors.Is(err, raft.ErrSnapOutOfDate) {
			n.logger.Warn("failed to create snapshot", logger.ErrAttr(err))
		}
		return
	}
	n.snapshotIndex = index

	if index > defaultCatchUpEntries {
		if err := n.storage.Compact(index - defaultCatchUpEntries); err != nil && !errors.Is(err, raft.ErrCompacted) {
			n.logger.Warn("failed to compact log", logger.ErrAttr(err))
			return
		}
	}
	n.logger.Info("log compacted", slog.Uint64("snapshot_index", index))
}
