// Package node assembles a complete showtimes node: state machine,
// consensus engine, replica, leader routing servicer and the gRPC server
// exposing it.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/shrtyk/raft-showtimes/api"
	"github.com/shrtyk/raft-showtimes/config"
	"github.com/shrtyk/raft-showtimes/directory"
	"github.com/shrtyk/raft-showtimes/etcdraft"
	"github.com/shrtyk/raft-showtimes/events"
	"github.com/shrtyk/raft-showtimes/pkg/logger"
	"github.com/shrtyk/raft-showtimes/pkg/storage"
	"github.com/shrtyk/raft-showtimes/pkg/transport"
	"github.com/shrtyk/raft-showtimes/raft"
	"github.com/shrtyk/raft-showtimes/replica"
	"github.com/shrtyk/raft-showtimes/rpc/pingpongpb"
	"github.com/shrtyk/raft-showtimes/rpc/showtimespb"
	"github.com/shrtyk/raft-showtimes/servicer"
	"github.com/shrtyk/raft-showtimes/statemachine"
)

const shutdownTimeout = 5 * time.Second

type Option func(*Node)

// WithRaftListener serves consensus traffic on an already bound listener.
func WithRaftListener(l net.Listener) Option {
	return func(n *Node) { n.raftListener = l }
}

// WithClientListener serves the client services on an already bound listener.
func WithClientListener(l net.Listener) Option {
	return func(n *Node) { n.clientListener = l }
}

// WithPersister replaces the on-disk WAL of the builtin engine.
func WithPersister(p api.Persister) Option {
	return func(n *Node) { n.persister = p }
}

// WithEngineConfig overrides the engine configuration derived from config.
func WithEngineConfig(rc *api.RaftConfig) Option {
	return func(n *Node) { n.engineCfg = rc }
}

// WithPublisher replaces the event publisher built from config.
func WithPublisher(p events.Publisher) Option {
	return func(n *Node) { n.publisher = p }
}

type Node struct {
	cfg    *config.Config
	self   api.NodeAddress
	logger *slog.Logger

	engineCfg      *api.RaftConfig
	persister      api.Persister
	raftListener   net.Listener
	clientListener net.Listener
	publisher      events.Publisher

	sm         *statemachine.StateMachine
	replica    *replica.Replica
	forwarder  *servicer.GRPCForwarder
	grpcServer *grpc.Server
	health     *health.Server
	closers    []func() error

	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(cfg *config.Config, l *slog.Logger, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	n := &Node{
		cfg:    cfg,
		self:   api.NodeAddress(cfg.Node.ID),
		logger: l.With(slog.String("node", cfg.Node.ID)),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.engineCfg == nil {
		n.engineCfg = cfg.EngineConfig()
	}

	dir, err := directory.New(cfg.Endpoints())
	if err != nil {
		return nil, err
	}
	if err := dir.Validate(n.self, cfg.Members()); err != nil {
		return nil, err
	}

	smOpts := []statemachine.Option{statemachine.WithLogger(n.logger)}
	if cfg.Showtimes.Seed {
		smOpts = append(smOpts, statemachine.WithSeed())
	}
	n.sm = statemachine.New(smOpts...)

	n.replica, err = replica.New(n.sm, n.engineFactory(),
		replica.WithLogger(n.logger.With(slog.String("component", "replica"))),
		replica.WithApplyHook(n.logApplied))
	if err != nil {
		return nil, errors.Join(err, n.closeAll())
	}

	if n.publisher == nil {
		n.publisher = n.newPublisher()
	}
	n.closers = append(n.closers, n.publisher.Close)

	n.forwarder = servicer.NewGRPCForwarder(n.self, servicer.ForwarderConfig{
		Timeout:  cfg.Server.ForwardTimeout,
		CBreaker: n.engineCfg.CBreaker,
	}, n.logger)
	n.closers = append(n.closers, n.forwarder.Close)

	router := servicer.NewRouter(n.self, n.replica, dir, n.forwarder, cfg.Server.SubmitTimeout, n.logger)
	srv := servicer.NewServer(router, n.sm, servicer.Config{
		Node:              cfg.Node.ID,
		DefaultStart:      cfg.DefaultStart(),
		DefaultPriceCents: cfg.DefaultPriceCents(),
		Policy:            cfg.ConflictPolicy(),
	}, n.logger, servicer.WithPublisher(n.publisher))

	n.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(
		servicer.MarkHandled(n.self),
		servicer.LimitConcurrency(cfg.Server.MaxWorkers),
		servicer.LogCalls(n.logger),
	))
	pingpongpb.RegisterPingPongServer(n.grpcServer, srv)
	showtimespb.RegisterShowtimesServer(n.grpcServer, srv)
	n.health = health.NewServer()
	healthpb.RegisterHealthServer(n.grpcServer, n.health)

	return n, nil
}

func (n *Node) engineFactory() replica.EngineFactory {
	me := n.cfg.SelfIndex()
	members := n.cfg.Members()

	switch n.cfg.Engine {
	case config.EngineEtcd:
		return func(applyCh chan *api.ApplyMessage, fsm api.FSM) (api.Raft, error) {
			opts := []etcdraft.Option{
				etcdraft.WithLogger(n.logger.With(slog.String("component", "etcdraft"))),
				etcdraft.WithSnapshotEntries(n.cfg.Raft.SnapshotEntries),
			}
			if n.raftListener != nil {
				opts = append(opts, etcdraft.WithListener(n.raftListener))
			}
			return etcdraft.New(me, members, applyCh, fsm, n.engineCfg, opts...)
		}
	default:
		return func(applyCh chan *api.ApplyMessage, fsm api.FSM) (api.Raft, error) {
			peerAddrs := make([]string, len(members))
			for i, m := range members {
				if i != me {
					peerAddrs[i] = string(m)
				}
			}
			conns, closeConns, err := transport.SetupConnections(peerAddrs)
			if err != nil {
				return nil, fmt.Errorf("failed to connect to peers: %w", err)
			}
			n.closers = append(n.closers, closeConns)

			tr, err := transport.NewGRPCTransport(n.engineCfg, conns)
			if err != nil {
				return nil, err
			}

			persister := n.persister
			if persister == nil {
				dir := filepath.Join(n.cfg.DataDir, fmt.Sprintf("node-%d", me))
				persister, err = storage.NewWALStorage(dir, n.logger, n.engineCfg.Fsync)
				if err != nil {
					return nil, fmt.Errorf("failed to open storage: %w", err)
				}
			}

			b := raft.NewNodeBuilder(me, members, applyCh, fsm, tr).
				WithConfig(n.engineCfg).
				WithPersister(persister).
				WithLogger(n.logger.With(slog.String("component", "raft")))
			if n.raftListener != nil {
				b = b.WithListener(n.raftListener)
			}
			return b.Build()
		}
	}
}

func (n *Node) newPublisher() events.Publisher {
	if n.cfg.Events.AMQPURL == "" {
		return events.Nop()
	}
	p, err := events.NewAMQPPublisher(n.cfg.Events.AMQPURL, n.cfg.Events.Queue, n.logger)
	if err != nil {
		n.logger.Warn("event publishing disabled", logger.ErrAttr(err))
		return events.Nop()
	}
	return events.NewAsync(p, n.cfg.Events.Buffer, n.logger)
}

func (n *Node) Start() error {
	if err := n.replica.Start(); err != nil {
		return err
	}

	lis := n.clientListener
	if lis == nil {
		var err error
		lis, err = net.Listen("tcp", n.cfg.ListenAddr())
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", n.cfg.ListenAddr(), err)
		}
		n.clientListener = lis
	}

	n.wg.Go(func() {
		if err := n.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			n.logger.Error("client gRPC server failed", logger.ErrAttr(err))
		}
	})
	n.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	n.logger.Info("node started",
		slog.String("listen", lis.Addr().String()),
		slog.String("engine", n.cfg.Engine),
		slog.Int("members", len(n.cfg.Cluster)))
	return nil
}

// Stop drains in-flight calls, then stops consensus and releases every
// connection. It is safe to call more than once.
func (n *Node) Stop() error {
	var err error
	n.stopOnce.Do(func() {
		n.health.Shutdown()

		done := make(chan struct{})
		go func() {
			n.grpcServer.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(shutdownTimeout):
			n.grpcServer.Stop()
		}
		n.wg.Wait()

		err = errors.Join(n.replica.Stop(), n.closeAll())
		n.logger.Info("node stopped", slog.Int64("count", n.sm.Count()))
	})
	return err
}

func (n *Node) logApplied(cmd statemachine.Command, res statemachine.Result) {
	n.logger.Debug("command applied",
		slog.String("kind", cmd.Kind.String()),
		slog.Bool("ok", res.OK),
		slog.Int64("count", res.Count))
}

func (n *Node) closeAll() error {
	var errs []error
	for i := len(n.closers) - 1; i >= 0; i-- {
		errs = append(errs, n.closers[i]())
	}
	n.closers = nil
	return errors.Join(errs...)
}

func (n *Node) ID() api.NodeAddress {
	return n.self
}

// Addr is where the client services listen once started.
func (n *Node) Addr() string {
	if n.clientListener == nil {
		return n.cfg.ListenAddr()
	}
	return n.clientListener.Addr().String()
}

func (n *Node) IsLeader() bool {
	return n.replica.IsLeader()
}

func (n *Node) Leader() (api.NodeAddress, bool) {
	return n.replica.CurrentLeader()
}

func (n *Node) StateMachine() *statemachine.StateMachine {
	return n.sm
}

func (n *Node) LastApplied() int64 {
	return n.replica.LastApplied()
}

// Submit is exposed for tooling and tests; clients go through the gRPC services.
func (n *Node) Submit(ctx context.Context, cmd statemachine.Command) (statemachine.Result, error) {
	return n.replica.Submit(ctx, cmd)
}
