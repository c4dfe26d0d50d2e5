package raft

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/shrtyk/raft-showtimes/api"
	"github.com/shrtyk/raft-showtimes/internal/raftpb"
	"github.com/shrtyk/raft-showtimes/pkg/logger"
	"github.com/shrtyk/raft-showtimes/pkg/storage"
)

type nodeBuilder struct {
	// required
	me        int
	members   []api.NodeAddress
	applyCh   chan *api.ApplyMessage
	fsm       api.FSM
	transport api.Transport

	// optional with defaults
	cfg       *api.RaftConfig
	persister api.Persister
	logger    *slog.Logger
	listener  net.Listener
}

// NewNodeBuilder starts building peer me of a cluster. members holds the
// raft address of every peer and must be indexed like the transport.
func NewNodeBuilder(
	me int,
	members []api.NodeAddress,
	applyCh chan *api.ApplyMessage,
	fsm api.FSM,
	transport api.Transport,
) api.NodeBuilder {
	return &nodeBuilder{
		me:        me,
		members:   members,
		applyCh:   applyCh,
		fsm:       fsm,
		transport: transport,
		cfg:       DefaultConfig(),
	}
}

func (nb *nodeBuilder) Build() (api.Raft, error) {
	if nb.transport == nil || nb.applyCh == nil || nb.fsm == nil {
		return nil, fmt.Errorf("builder: transport, apply channel and fsm are required")
	}
	peers := nb.transport.PeersCount()
	if len(nb.members) != peers {
		return nil, fmt.Errorf("builder: %d members but transport knows %d peers", len(nb.members), peers)
	}
	if nb.me < 0 || nb.me >= peers {
		return nil, fmt.Errorf("builder: peer index %d out of range [0, %d)", nb.me, peers)
	}

	log := nb.logger
	if log == nil {
		log = logger.NewLogger(nb.cfg.Log.Env, false)
	}
	log = log.With(slog.Int("me", nb.me))

	persister := nb.persister
	if persister == nil {
		var err error
		persister, err = storage.NewWALStorage(fmt.Sprintf("data-%d", nb.me), log, nb.cfg.Fsync)
		if err != nil {
			return nil, fmt.Errorf("builder: failed to create default storage: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	rf := &Raft{
		raftCtx:           ctx,
		raftCancel:        cancel,
		me:                nb.me,
		members:           nb.members,
		peersCount:        peers,
		applyChan:         nb.applyCh,
		fsm:               nb.fsm,
		transport:         nb.transport,
		persister:         persister,
		cfg:               nb.cfg,
		logger:            log,
		listener:          nb.listener,
		leaderId:          -1,
		votedFor:          votedForNone,
		signalApplierChan: make(chan struct{}, 1),
		log:               make([]*raftpb.LogEntry, 0),
		nextIdx:           make([]int64, peers),
		matchIdx:          make([]int64, peers),
	}

	return rf, nil
}

func (nb *nodeBuilder) WithConfig(cfg *api.RaftConfig) api.NodeBuilder {
	if cfg != nil {
		nb.cfg = cfg
	}
	return nb
}

func (nb *nodeBuilder) WithLogger(l *slog.Logger) api.NodeBuilder {
	nb.logger = l
	return nb
}

func (nb *nodeBuilder) WithPersister(p api.Persister) api.NodeBuilder {
	nb.persister = p
	return nb
}

func (nb *nodeBuilder) WithListener(l net.Listener) api.NodeBuilder {
	nb.listener = l
	return nb
}
