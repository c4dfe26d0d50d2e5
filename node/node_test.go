package node

import (
	"context"
	"fmt"
	"net"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/anishathalye/porcupine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/shrtyk/raft-showtimes/client"
	"github.com/shrtyk/raft-showtimes/config"
	"github.com/shrtyk/raft-showtimes/pkg/logger"
	"github.com/shrtyk/raft-showtimes/pkg/storage"
	"github.com/shrtyk/raft-showtimes/raft"
	"github.com/shrtyk/raft-showtimes/rpc/pingpongpb"
)

type testCluster struct {
	t         *testing.T
	cfgs      []*config.Config
	nodes     []*Node
	endpoints []string
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return l
}

// newTestCluster builds n nodes on loopback listeners. Nodes are not started.
func newTestCluster(t *testing.T, n int, engine string) *testCluster {
	t.Helper()
	_, l := logger.NewTestLogger()

	raftLis := make([]net.Listener, n)
	clientLis := make([]net.Listener, n)
	members := make([]config.Member, n)
	for i := range n {
		raftLis[i] = listen(t)
		clientLis[i] = listen(t)
		members[i] = config.Member{Raft: raftLis[i].Addr().String(), GRPC: clientLis[i].Addr().String()}
	}

	tc := &testCluster{t: t}
	for i := range n {
		cfg := config.Default()
		cfg.Node.ID = members[i].Raft
		cfg.Cluster = members
		cfg.Engine = engine
		cfg.Log.Env = "dev"
		cfg.Server.SubmitTimeout = 2 * time.Second
		cfg.Server.ForwardTimeout = 2 * time.Second
		cfg.Showtimes.Seed = true

		rc := raft.TestsConfig()
		rc.GRPCAddr = members[i].Raft

		node, err := New(cfg, l,
			WithRaftListener(raftLis[i]),
			WithClientListener(clientLis[i]),
			WithPersister(storage.NewMemoryStorage()),
			WithEngineConfig(rc))
		require.NoError(t, err)

		tc.cfgs = append(tc.cfgs, cfg)
		tc.nodes = append(tc.nodes, node)
		tc.endpoints = append(tc.endpoints, members[i].GRPC)
	}
	t.Cleanup(tc.stopAll)
	return tc
}

func (tc *testCluster) startAll() {
	for _, n := range tc.nodes {
		require.NoError(tc.t, n.Start())
	}
}

func (tc *testCluster) stopAll() {
	for _, n := range tc.nodes {
		_ = n.Stop()
	}
}

// leader waits until exactly one running node leads and returns its index.
func (tc *testCluster) leader(skip ...int) int {
	tc.t.Helper()
	idx := -1
	require.Eventually(tc.t, func() bool {
		idx = -1
		for i, n := range tc.nodes {
			if slices.Contains(skip, i) || !n.IsLeader() {
				continue
			}
			if idx >= 0 {
				return false
			}
			idx = i
		}
		return idx >= 0
	}, 5*time.Second, 20*time.Millisecond)
	return idx
}

func (tc *testCluster) follower(leader int, skip ...int) int {
	for i := range tc.nodes {
		if i != leader && !slices.Contains(skip, i) {
			return i
		}
	}
	tc.t.Fatal("no follower available")
	return -1
}

// converged waits until every running node holds the same state.
func (tc *testCluster) converged(skip ...int) {
	tc.t.Helper()
	require.Eventually(tc.t, func() bool {
		var want []byte
		first := true
		for i, n := range tc.nodes {
			if slices.Contains(skip, i) {
				continue
			}
			b, err := n.StateMachine().Snapshot()
			if err != nil {
				return false
			}
			if first {
				want, first = b, false
				continue
			}
			if string(b) != string(want) {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)
}

func dial(t *testing.T, endpoint string) *grpc.ClientConn {
	t.Helper()
	conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func newClient(t *testing.T, endpoints ...string) *client.Client {
	t.Helper()
	_, l := logger.NewTestLogger()
	c, err := client.New(endpoints, client.Config{Timeout: 3 * time.Second, BaseDelay: 50 * time.Millisecond, MaxAttempts: 10}, l)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestWritesThroughFollowerReachEveryNode(t *testing.T) {
	tc := newTestCluster(t, 3, config.EngineBuiltin)
	tc.startAll()

	leader := tc.leader()
	follower := tc.follower(leader)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn := dial(t, tc.endpoints[follower])
	pong, err := pingpongpb.NewPingPongClient(conn).Ping(ctx, &pingpongpb.PingRequest{Message: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "Pong! (received: 'hello', count: 1)", pong.Message)

	c := newClient(t, tc.endpoints[follower])
	added, err := c.AddShowtime(ctx, 7, 3)
	require.NoError(t, err)
	require.True(t, added.Success)

	reserved, err := c.ReserveSeat(ctx, added.ShowtimeId, "F6", "Zoe")
	require.NoError(t, err)
	assert.True(t, reserved.Success)

	taken, err := c.ReserveSeat(ctx, "1", "A1", "Mallory")
	require.NoError(t, err)
	assert.False(t, taken.Success, "seeded seat is held by Adam")

	tc.converged()
	for _, n := range tc.nodes {
		st, found := n.StateMachine().GetShowtime(added.ShowtimeId)
		require.True(t, found)
		assert.Equal(t, "Zoe", st.ReservedSeats["F6"].User)
		assert.Equal(t, int64(1), n.StateMachine().Count())
	}

	got, err := c.GetShowtime(ctx, added.ShowtimeId)
	require.NoError(t, err)
	assert.True(t, got.Found)

	health, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, health.Status)
}

func TestNoQuorumMeansUnavailable(t *testing.T) {
	tc := newTestCluster(t, 3, config.EngineBuiltin)
	require.NoError(t, tc.nodes[0].Start())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := pingpongpb.NewPingPongClient(dial(t, tc.endpoints[0])).Ping(ctx, &pingpongpb.PingRequest{})
	assert.Equal(t, codes.Unavailable, status.Code(err))
	assert.Zero(t, tc.nodes[0].StateMachine().Count())
}

func TestReElectionAfterLeaderStops(t *testing.T) {
	tc := newTestCluster(t, 3, config.EngineBuiltin)
	tc.startAll()
	c := newClient(t, tc.endpoints...)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	_, err := c.Ping(ctx, "before")
	require.NoError(t, err)

	old := tc.leader()
	require.NoError(t, tc.nodes[old].Stop())

	next := tc.leader(old)
	assert.NotEqual(t, old, next)

	pong, err := c.Ping(ctx, "after")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, pong.Count, int64(2), "committed increments survive the leader change")

	tc.converged(old)
}

func TestEtcdEngineCluster(t *testing.T) {
	tc := newTestCluster(t, 3, config.EngineEtcd)
	tc.startAll()

	leader := tc.leader()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c := newClient(t, tc.endpoints[tc.follower(leader)])
	for i := range 5 {
		pong, err := c.Ping(ctx, fmt.Sprint(i))
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), pong.Count)
	}
	tc.converged()
}

type pingResult struct {
	count int64
}

func TestCounterIsLinearizable(t *testing.T) {
	tc := newTestCluster(t, 3, config.EngineBuiltin)
	tc.startAll()
	tc.leader()

	const (
		clients   = 6
		perClient = 10
	)
	start := time.Now()
	var mu sync.Mutex
	var history []porcupine.Operation

	var wg sync.WaitGroup
	for id := range clients {
		c := newClient(t, tc.endpoints[id%len(tc.endpoints)])
		wg.Go(func() {
			for range perClient {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				call := time.Since(start).Nanoseconds()
				pong, err := c.Ping(ctx, "lin")
				ret := time.Since(start).Nanoseconds()
				cancel()
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				history = append(history, porcupine.Operation{
					ClientId: id,
					Input:    nil,
					Call:     call,
					Output:   pingResult{count: pong.Count},
					Return:   ret,
				})
				mu.Unlock()
			}
		})
	}
	wg.Wait()

	// A ping the client retried after a lost reply may apply twice, so the
	// model only demands each observed count to exceed the previous one.
	model := porcupine.Model{
		Init: func() interface{} { return int64(0) },
		Step: func(state, _, output interface{}) (bool, interface{}) {
			got := output.(pingResult).count
			return got > state.(int64), got
		},
		DescribeOperation: func(_, output interface{}) string {
			return fmt.Sprintf("ping() -> %d", output.(pingResult).count)
		},
	}
	assert.True(t, porcupine.CheckOperations(model, history), "counter history is not linearizable")
	assert.Len(t, history, clients*perClient)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, l := logger.NewTestLogger()
	cfg := config.Default()
	_, err := New(cfg, l)
	assert.Error(t, err)

	cfg.Node.ID = "a:1"
	cfg.Cluster = []config.Member{{Raft: "a:1", GRPC: "x:1"}, {Raft: "b:1", GRPC: "x:1"}}
	_, err = New(cfg, l)
	assert.Error(t, err, "two members share a client endpoint")
}

func TestStopAfterFailedStart(t *testing.T) {
	for _, engine := range []string{config.EngineBuiltin, config.EngineEtcd} {
		t.Run(engine, func(t *testing.T) {
			_, l := logger.NewTestLogger()
			busy := listen(t)
			defer busy.Close()
			clientLis := listen(t)

			cfg := config.Default()
			cfg.Node.ID = busy.Addr().String()
			cfg.Cluster = []config.Member{{Raft: busy.Addr().String(), GRPC: clientLis.Addr().String()}}
			cfg.Engine = engine

			rc := raft.TestsConfig()
			rc.GRPCAddr = busy.Addr().String()

			node, err := New(cfg, l,
				WithClientListener(clientLis),
				WithPersister(storage.NewMemoryStorage()),
				WithEngineConfig(rc))
			require.NoError(t, err)

			err = node.Start()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "address already in use")

			stopped := make(chan struct{})
			go func() {
				_ = node.Stop()
				close(stopped)
			}()
			select {
			case <-stopped:
			case <-time.After(5 * time.Second):
				t.Fatal("Stop after a failed Start did not return")
			}
		})
	}
}
