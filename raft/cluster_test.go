package raft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shrtyk/raft-showtimes/api"
	"github.com/shrtyk/raft-showtimes/internal/raftpb"
	"github.com/shrtyk/raft-showtimes/internal/wire"
	"github.com/shrtyk/raft-showtimes/pkg/storage"
)

var errUnreachable = errors.New("sim: peer unreachable")

// simNetwork delivers RPCs between in-process peers. Messages go through
// the wire encoding so peers never share memory.
type simNetwork struct {
	mu        sync.RWMutex
	peers     []*Raft
	connected []bool
}

func newSimNetwork(n int) *simNetwork {
	net := &simNetwork{
		peers:     make([]*Raft, n),
		connected: make([]bool, n),
	}
	for i := range net.connected {
		net.connected[i] = true
	}
	return net
}

func (n *simNetwork) target(from, to int) *Raft {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if !n.connected[from] || !n.connected[to] {
		return nil
	}
	return n.peers[to]
}

func (n *simNetwork) setPeer(i int, rf *Raft) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.peers[i] = rf
}

func (n *simNetwork) setConnected(i int, v bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.connected[i] = v
}

func roundTrip[T wire.Message](in wire.Message, out T) (T, error) {
	return out, wire.Unmarshal(wire.Marshal(in), out)
}

type simTransport struct {
	net *simNetwork
	me  int
}

func call[Req wire.Message, Resp wire.Message](
	t *simTransport,
	to int,
	req Req,
	fresh func() (Req, Resp),
	handler func(*Raft, Req) (Resp, error),
) (resp Resp, err error) {
	peer := t.net.target(t.me, to)
	if peer == nil {
		return resp, errUnreachable
	}
	in, out := fresh()
	if in, err = roundTrip(req, in); err != nil {
		return resp, err
	}
	reply, err := handler(peer, in)
	if err != nil {
		return resp, err
	}
	if t.net.target(t.me, to) == nil {
		return resp, errUnreachable
	}
	return roundTrip(reply, out)
}

func (t *simTransport) SendRequestVote(ctx context.Context, to int, req *raftpb.RequestVoteRequest) (*raftpb.RequestVoteResponse, error) {
	return call(t, to, req,
		func() (*raftpb.RequestVoteRequest, *raftpb.RequestVoteResponse) {
			return &raftpb.RequestVoteRequest{}, &raftpb.RequestVoteResponse{}
		},
		func(rf *Raft, in *raftpb.RequestVoteRequest) (*raftpb.RequestVoteResponse, error) {
			return rf.RequestVote(ctx, in)
		})
}

func (t *simTransport) SendAppendEntries(ctx context.Context, to int, req *raftpb.AppendEntriesRequest) (*raftpb.AppendEntriesResponse, error) {
	return call(t, to, req,
		func() (*raftpb.AppendEntriesRequest, *raftpb.AppendEntriesResponse) {
			return &raftpb.AppendEntriesRequest{}, &raftpb.AppendEntriesResponse{}
		},
		func(rf *Raft, in *raftpb.AppendEntriesRequest) (*raftpb.AppendEntriesResponse, error) {
			return rf.AppendEntries(ctx, in)
		})
}

func (t *simTransport) SendInstallSnapshot(ctx context.Context, to int, req *raftpb.InstallSnapshotRequest) (*raftpb.InstallSnapshotResponse, error) {
	return call(t, to, req,
		func() (*raftpb.InstallSnapshotRequest, *raftpb.InstallSnapshotResponse) {
			return &raftpb.InstallSnapshotRequest{}, &raftpb.InstallSnapshotResponse{}
		},
		func(rf *Raft, in *raftpb.InstallSnapshotRequest) (*raftpb.InstallSnapshotResponse, error) {
			return rf.InstallSnapshot(ctx, in)
		})
}

func (t *simTransport) PeersCount() int {
	return len(t.net.peers)
}

func (t *simTransport) IsPeerAvailable(peerID int) bool {
	return t.net.target(t.me, peerID) != nil
}

// recorder is a state machine that remembers every applied command.
type recorder struct {
	mu      sync.Mutex
	applied []string
	lastIdx int64
	done    chan struct{}
}

func newRecorder() *recorder {
	return &recorder{done: make(chan struct{})}
}

func (r *recorder) run(ch <-chan *api.ApplyMessage) {
	defer close(r.done)
	for msg := range ch {
		r.mu.Lock()
		switch {
		case msg.SnapshotValid && msg.SnapshotIndex > r.lastIdx:
			var applied []string
			if err := json.Unmarshal(msg.Snapshot, &applied); err == nil {
				r.applied = applied
				r.lastIdx = msg.SnapshotIndex
			}
		case msg.CommandValid && msg.CommandIndex == r.lastIdx+1:
			if len(msg.Command) > 0 {
				r.applied = append(r.applied, string(msg.Command))
			}
			r.lastIdx = msg.CommandIndex
		}
		r.mu.Unlock()
	}
}

func (r *recorder) Snapshot() ([]byte, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, err := json.Marshal(r.applied)
	return b, r.lastIdx, err
}

func (r *recorder) Restore(b []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return json.Unmarshal(b, &r.applied)
}

func (r *recorder) commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.applied...)
}

type cluster struct {
	t       *testing.T
	cfg     *api.RaftConfig
	net     *simNetwork
	members []api.NodeAddress
	nodes   []*Raft
	fsms    []*recorder
	stores  []*storage.MemoryStorage
}

func newCluster(t *testing.T, n int, cfg *api.RaftConfig) *cluster {
	t.Helper()
	if cfg == nil {
		cfg = TestsConfig()
	}
	c := &cluster{
		t:       t,
		cfg:     cfg,
		net:     newSimNetwork(n),
		members: make([]api.NodeAddress, n),
		nodes:   make([]*Raft, n),
		fsms:    make([]*recorder, n),
		stores:  make([]*storage.MemoryStorage, n),
	}
	for i := range n {
		c.members[i] = api.NodeAddress(fmt.Sprintf("sim-%d:4321", i))
		c.stores[i] = storage.NewMemoryStorage()
	}
	for i := range n {
		c.start(i)
	}
	t.Cleanup(func() {
		for i := range c.nodes {
			if c.nodes[i] != nil {
				c.stop(i)
			}
		}
	})
	return c
}

func (c *cluster) start(i int) {
	c.t.Helper()
	applyCh := make(chan *api.ApplyMessage)
	fsm := newRecorder()
	node, err := NewNodeBuilder(i, c.members, applyCh, fsm, &simTransport{net: c.net, me: i}).
		WithConfig(c.cfg).
		WithPersister(c.stores[i]).
		WithLogger(slog.New(slog.DiscardHandler)).
		Build()
	require.NoError(c.t, err)

	rf := node.(*Raft)
	go fsm.run(applyCh)
	require.NoError(c.t, rf.Start())

	c.nodes[i], c.fsms[i] = rf, fsm
	c.net.setPeer(i, rf)
}

func (c *cluster) stop(i int) {
	c.t.Helper()
	c.net.setPeer(i, nil)
	require.NoError(c.t, c.nodes[i].Stop())
	<-c.fsms[i].done
	c.nodes[i] = nil
}

// checkOneLeader waits until exactly one connected peer leads and every
// connected peer agrees on it.
func (c *cluster) checkOneLeader() int {
	c.t.Helper()
	leaderIdx := -1
	require.Eventually(c.t, func() bool {
		leaders := map[int64][]int{}
		for i, rf := range c.nodes {
			if rf == nil || c.net.target(i, i) == nil {
				continue
			}
			if term, isLeader := rf.State(); isLeader {
				leaders[term] = append(leaders[term], i)
			}
		}
		lastTerm := int64(-1)
		for term, ids := range leaders {
			if len(ids) > 1 {
				c.t.Errorf("term %d has %d leaders", term, len(ids))
				return false
			}
			if term > lastTerm {
				lastTerm, leaderIdx = term, ids[0]
			}
		}
		if lastTerm < 0 {
			return false
		}
		for i, rf := range c.nodes {
			if rf == nil || c.net.target(i, i) == nil {
				continue
			}
			addr, ok := rf.Leader()
			if !ok || addr != c.members[leaderIdx] {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)
	return leaderIdx
}

// submit proposes cmd through whichever peer currently leads.
func (c *cluster) submit(cmd string) {
	c.t.Helper()
	require.Eventually(c.t, func() bool {
		for i, rf := range c.nodes {
			if rf == nil || c.net.target(i, i) == nil {
				continue
			}
			if rf.Submit(context.Background(), []byte(cmd)) == nil {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)
}

func (c *cluster) waitApplied(want []string, peers ...int) {
	c.t.Helper()
	require.Eventually(c.t, func() bool {
		for _, i := range peers {
			got := c.fsms[i].commands()
			if len(got) != len(want) {
				return false
			}
			for j := range want {
				if got[j] != want[j] {
					return false
				}
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)
}
