package etcdraft

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/shrtyk/raft-showtimes/api"
	"github.com/shrtyk/raft-showtimes/internal/cbreaker"
	"github.com/shrtyk/raft-showtimes/internal/wire"
	"github.com/shrtyk/raft-showtimes/pkg/logger"
	"github.com/shrtyk/raft-showtimes/pkg/transport"
)

const (
	sendFullMethodName = "/etcdraft.Transport/Send"

	peerQueueSize = 1024
)

// envelope carries one marshaled raftpb.Message.
type envelope struct {
	Data []byte
}

func (m *envelope) AppendWire(b []byte) []byte {
	return wire.AppendBytes(b, 1, m.Data)
}

func (m *envelope) UnmarshalWire(b []byte) error {
	*m = envelope{}
	return wire.Walk(b, func(num protowire.Number, f wire.Field) error {
		if num == 1 {
			m.Data = f.Bytes()
		}
		return nil
	})
}

type ack struct{}

func (m *ack) AppendWire(b []byte) []byte     { return b }
func (m *ack) UnmarshalWire(b []byte) error { return nil }

type transportServer interface {
	Send(context.Context, *envelope) (*ack, error)
}

var transportServiceDesc = grpc.ServiceDesc{
	ServiceName: "etcdraft.Transport",
	HandlerType: (*transportServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Send",
			Handler:    wire.UnaryHandler(sendFullMethodName, transportServer.Send),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "etcdraft/transport.proto",
}

// Send hands a message from a peer to the local raft node.
func (n *Node) Send(ctx context.Context, in *envelope) (*ack, error) {
	var msg raftpb.Message
	if err := msg.Unmarshal(in.Data); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "bad raft message: %v", err)
	}
	if err := n.node.Step(ctx, msg); err != nil {
		return nil, status.Errorf(codes.Unavailable, "step: %v", err)
	}
	return &ack{}, nil
}

// peer owns the outbound queue of one cluster member.
type peer struct {
	id      uint64
	conn    *grpc.ClientConn
	breaker *cbreaker.CircuitBreaker
	queue   chan raftpb.Message
}

// peerTransport fans raft messages out to per-peer sender goroutines so a
// slow peer never blocks the Ready loop.
type peerTransport struct {
	logger     *slog.Logger
	reporter   raft.Node
	rpcTimeout time.Duration
	peers      map[uint64]*peer
	closeConns func() error
}

func newPeerTransport(
	self uint64,
	members []api.NodeAddress,
	cfg *api.RaftConfig,
	log *slog.Logger,
) (*peerTransport, error) {
	addrs := make([]string, len(members))
	for i, m := range members {
		if uint64(i+1) != self {
			addrs[i] = string(m)
		}
	}
	conns, closeConns, err := transport.SetupConnections(addrs)
	if err != nil {
		return nil, fmt.Errorf("etcdraft: failed to dial peers: %w", err)
	}

	pt := &peerTransport{
		logger:     log,
		rpcTimeout: cfg.Timings.RPCTimeout,
		peers:      make(map[uint64]*peer, len(members)),
		closeConns: closeConns,
	}
	for i, conn := range conns {
		if conn == nil {
			continue
		}
		id := uint64(i + 1)
		pt.peers[id] = &peer{
			id:   id,
			conn: conn,
			breaker: cbreaker.FromConfig(cfg.CBreaker),
			queue: make(chan raftpb.Message, peerQueueSize),
		}
	}
	return pt, nil
}

func (pt *peerTransport) start(ctx context.Context, node raft.Node, wg *sync.WaitGroup) {
	pt.reporter = node
	for _, p := range pt.peers {
		wg.Go(func() { pt.sender(ctx, p) })
	}
}

// send enqueues messages. A full queue drops the message and reports the
// peer unreachable; raft retransmits.
func (pt *peerTransport) send(msgs []raftpb.Message) {
	for _, m := range msgs {
		p, ok := pt.peers[m.To]
		if !ok {
			continue
		}
		select {
		case p.queue <- m:
		default:
			pt.report(m, errors.New("peer queue is full"))
		}
	}
}

func (pt *peerTransport) sender(ctx context.Context, p *peer) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-p.queue:
			data, err := m.Marshal()
			if err != nil {
				pt.logger.Error("failed to marshal raft message", logger.ErrAttr(err))
				continue
			}
			_, err = cbreaker.Do(ctx, p.breaker, func(ctx context.Context) (*ack, error) {
				tctx, tcancel := context.WithTimeout(ctx, pt.rpcTimeout)
				defer tcancel()
				return wire.Invoke[ack](tctx, p.conn, sendFullMethodName, &envelope{Data: data})
			})
			if err != nil {
				pt.report(m, err)
				continue
			}
			if m.Type == raftpb.MsgSnap {
				pt.reporter.ReportSnapshot(m.To, raft.SnapshotFinish)
			}
		}
	}
}

func (pt *peerTransport) report(m raftpb.Message, err error) {
	pt.logger.Debug("failed to send raft message",
		slog.Uint64("to", m.To),
		slog.String("type", m.Type.String()),
		logger.ErrAttr(err))
	pt.reporter.ReportUnreachable(m.To)
	if m.Type == raftpb.MsgSnap {
		pt.reporter.ReportSnapshot(m.To, raft.SnapshotFailure)
	}
}

func (pt *peerTransport) close() error {
	return pt.closeConns()
}
