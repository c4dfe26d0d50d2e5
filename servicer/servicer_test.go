package servicer

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/shrtyk/raft-showtimes/api"
	"github.com/shrtyk/raft-showtimes/directory"
	"github.com/shrtyk/raft-showtimes/internal/cbreaker"
	"github.com/shrtyk/raft-showtimes/events"
	"github.com/shrtyk/raft-showtimes/pkg/logger"
	"github.com/shrtyk/raft-showtimes/replica"
	"github.com/shrtyk/raft-showtimes/rpc/pingpongpb"
	"github.com/shrtyk/raft-showtimes/rpc/showtimespb"
	"github.com/shrtyk/raft-showtimes/statemachine"
)

var defaultStart = time.Date(2024, time.July, 1, 20, 0, 0, 0, time.UTC)

type fakeConsensus struct {
	mu        sync.Mutex
	sm        *statemachine.StateMachine
	leader    bool
	leaderID  api.NodeAddress
	submitErr error
	submits   int
	// onSubmit, when set, runs before the command is applied.
	onSubmit func(context.Context)
}

func (c *fakeConsensus) Submit(ctx context.Context, cmd statemachine.Command) (statemachine.Result, error) {
	c.mu.Lock()
	c.submits++
	err, hook := c.submitErr, c.onSubmit
	c.mu.Unlock()
	if hook != nil {
		hook(ctx)
	}
	if err != nil {
		return statemachine.Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return statemachine.Result{}, err
	}
	return c.sm.Apply(cmd), nil
}

func (c *fakeConsensus) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leader
}

func (c *fakeConsensus) CurrentLeader() (api.NodeAddress, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leaderID, c.leaderID != ""
}

type forwardCall struct {
	endpoint string
	method   string
	req      any
}

type fakeForwarder struct {
	mu    sync.Mutex
	calls []forwardCall
	err   error
	fill  func(resp any)
}

func (f *fakeForwarder) Forward(_ context.Context, endpoint, method string, req, resp any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, forwardCall{endpoint: endpoint, method: method, req: req})
	if f.err != nil {
		return f.err
	}
	if f.fill != nil {
		f.fill(resp)
	}
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func testDirectory(t *testing.T, mapping map[api.NodeAddress]string) *directory.Directory {
	t.Helper()
	d, err := directory.New(mapping)
	require.NoError(t, err)
	return d
}

type fixture struct {
	consensus *fakeConsensus
	forwarder *fakeForwarder
	publisher *recordingPublisher
	server    *Server
}

func newFixture(t *testing.T, leader bool, leaderID api.NodeAddress, mapping map[api.NodeAddress]string) *fixture {
	t.Helper()
	_, l := logger.NewTestLogger()
	sm := statemachine.New(statemachine.WithSeed())
	f := &fixture{
		consensus: &fakeConsensus{sm: sm, leader: leader, leaderID: leaderID},
		forwarder: &fakeForwarder{},
		publisher: &recordingPublisher{},
	}
	rt := NewRouter("self", f.consensus, testDirectory(t, mapping), f.forwarder, time.Second, l)
	f.server = NewServer(rt, sm, Config{
		Node:              "self",
		DefaultStart:      defaultStart,
		DefaultPriceCents: 1000,
		Policy:            statemachine.PolicyReject,
	}, l, WithPublisher(f.publisher), WithIDGenerator(func() string { return "generated" }))
	return f
}

func TestLeaderExecutesLocally(t *testing.T) {
	f := newFixture(t, true, "self", map[api.NodeAddress]string{"self": "localhost:50051"})
	ctx := context.Background()

	pong, err := f.server.Ping(ctx, &pingpongpb.PingRequest{Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "Pong! (received: 'hi', count: 1)", pong.Message)
	assert.Equal(t, int64(1), pong.Count)

	added, err := f.server.AddShowtime(ctx, &showtimespb.AddShowtimeRequest{MovieId: 5, TheaterId: 6})
	require.NoError(t, err)
	assert.True(t, added.Success)
	assert.Equal(t, "generated", added.ShowtimeId)

	got, err := f.server.GetShowtime(ctx, &showtimespb.GetShowtimeRequest{ShowtimeId: "generated"})
	require.NoError(t, err)
	require.True(t, got.Found)
	assert.Equal(t, "2024-07-01T20:00:00", got.Showtime.Time)
	assert.InDelta(t, 10.0, got.Showtime.Price, 1e-9)

	reserved, err := f.server.ReserveSeat(ctx, &showtimespb.ReserveSeatRequest{ShowtimeId: "generated", Seat: "A1", User: "Ann"})
	require.NoError(t, err)
	assert.True(t, reserved.Success)

	cancelled, err := f.server.CancelReservation(ctx, &showtimespb.CancelReservationRequest{ShowtimeId: "generated", Seat: "A1"})
	require.NoError(t, err)
	assert.True(t, cancelled.Success)

	assert.Empty(t, f.forwarder.calls)

	f.publisher.mu.Lock()
	defer f.publisher.mu.Unlock()
	var types []string
	for _, ev := range f.publisher.events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{events.TypeShowtimeAdded, events.TypeSeatReserved, events.TypeReservationCancelled}, types)
}

func TestLogicalRejections(t *testing.T) {
	f := newFixture(t, true, "self", map[api.NodeAddress]string{"self": "localhost:50051"})
	ctx := context.Background()

	resp, err := f.server.ReserveSeat(ctx, &showtimespb.ReserveSeatRequest{ShowtimeId: "1", Seat: "A1", User: "Mallory"})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "Seat A1 is already reserved", resp.Message)

	resp, err = f.server.ReserveSeat(ctx, &showtimespb.ReserveSeatRequest{ShowtimeId: "nope", Seat: "A1", User: "X"})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "Showtime nope not found", resp.Message)

	cancel, err := f.server.CancelReservation(ctx, &showtimespb.CancelReservationRequest{ShowtimeId: "1", Seat: "Z9"})
	require.NoError(t, err)
	assert.False(t, cancel.Success)

	found, err := f.server.GetShowtime(ctx, &showtimespb.GetShowtimeRequest{ShowtimeId: "nope"})
	require.NoError(t, err)
	assert.False(t, found.Found)

	f.publisher.mu.Lock()
	assert.Empty(t, f.publisher.events, "rejections publish nothing")
	f.publisher.mu.Unlock()
}

func TestEmptyShowtimeIDReachesStateMachine(t *testing.T) {
	f := newFixture(t, true, "self", map[api.NodeAddress]string{"self": "localhost:50051"})
	ctx := context.Background()

	reserve, err := f.server.ReserveSeat(ctx, &showtimespb.ReserveSeatRequest{Seat: "A1", User: "Ann"})
	require.NoError(t, err)
	assert.False(t, reserve.Success)
	assert.Equal(t, "Showtime  not found", reserve.Message)

	cancel, err := f.server.CancelReservation(ctx, &showtimespb.CancelReservationRequest{Seat: "A1"})
	require.NoError(t, err)
	assert.False(t, cancel.Success)
	assert.Equal(t, "Showtime  not found", cancel.Message)

	f.consensus.mu.Lock()
	assert.Equal(t, 2, f.consensus.submits, "both writes went through consensus")
	f.consensus.mu.Unlock()

	f.publisher.mu.Lock()
	assert.Empty(t, f.publisher.events)
	f.publisher.mu.Unlock()
}

func TestAddShowtimeRequestID(t *testing.T) {
	f := newFixture(t, true, "self", map[api.NodeAddress]string{"self": "localhost:50051"})
	ctx := context.Background()
	req := &showtimespb.AddShowtimeRequest{MovieId: 1, TheaterId: 2, RequestId: "client-token"}

	first, err := f.server.AddShowtime(ctx, req)
	require.NoError(t, err)
	second, err := f.server.AddShowtime(ctx, req)
	require.NoError(t, err)

	assert.True(t, second.Success)
	assert.Equal(t, first.ShowtimeId, second.ShowtimeId)

	all, err := f.server.GetShowtimes(ctx, &showtimespb.GetShowtimesRequest{})
	require.NoError(t, err)
	assert.Len(t, all.Showtimes, 3, "two seeded plus one added")

	conflict, err := f.server.AddShowtime(ctx, &showtimespb.AddShowtimeRequest{MovieId: 9, TheaterId: 2, RequestId: "client-token"})
	require.NoError(t, err)
	assert.False(t, conflict.Success)

	f.publisher.mu.Lock()
	defer f.publisher.mu.Unlock()
	require.Len(t, f.publisher.events, 1, "a retried add publishes once")
	assert.Equal(t, events.TypeShowtimeAdded, f.publisher.events[0].Type)
	assert.Equal(t, "client-token", f.publisher.events[0].ShowtimeID)
}

func TestFollowerForwardsToLeader(t *testing.T) {
	f := newFixture(t, false, "leader", map[api.NodeAddress]string{
		"self":   "localhost:50051",
		"leader": "localhost:50052",
	})
	f.forwarder.fill = func(resp any) {
		resp.(*showtimespb.ReserveSeatResponse).Success = true
		resp.(*showtimespb.ReserveSeatResponse).Message = "from leader"
	}

	req := &showtimespb.ReserveSeatRequest{ShowtimeId: "1", Seat: "C3", User: "Bob"}
	resp, err := f.server.ReserveSeat(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, &showtimespb.ReserveSeatResponse{Success: true, Message: "from leader"}, resp)

	require.Len(t, f.forwarder.calls, 1)
	call := f.forwarder.calls[0]
	assert.Equal(t, "localhost:50052", call.endpoint)
	assert.Equal(t, showtimespb.Showtimes_ReserveSeat_FullMethodName, call.method)
	assert.Same(t, req, call.req, "request is forwarded unmodified")
	assert.Zero(t, f.consensus.submits)
}

func TestNoLeader(t *testing.T) {
	f := newFixture(t, false, "", map[api.NodeAddress]string{"self": "localhost:50051"})

	_, err := f.server.Ping(context.Background(), &pingpongpb.PingRequest{Message: "x"})
	assert.Equal(t, codes.Unavailable, status.Code(err))
	assert.Contains(t, status.Convert(err).Message(), "no leader")
	assert.Empty(t, f.forwarder.calls)
	assert.Zero(t, f.consensus.submits)
}

func TestMissingLeaderMapping(t *testing.T) {
	f := newFixture(t, false, "ghost:4321", map[api.NodeAddress]string{"self": "localhost:50051"})

	_, err := f.server.AddShowtime(context.Background(), &showtimespb.AddShowtimeRequest{MovieId: 1, TheaterId: 1})
	assert.Equal(t, codes.Internal, status.Code(err))
	assert.Contains(t, status.Convert(err).Message(), "ghost:4321")
	assert.Empty(t, f.forwarder.calls)
}

func TestForwardedCallIsNotForwardedAgain(t *testing.T) {
	f := newFixture(t, false, "leader", map[api.NodeAddress]string{
		"self":   "localhost:50051",
		"leader": "localhost:50052",
	})

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(ForwardedByKey, "other"))
	_, err := f.server.Ping(ctx, &pingpongpb.PingRequest{})
	assert.Equal(t, codes.Unavailable, status.Code(err))
	assert.Empty(t, f.forwarder.calls)
}

func TestStaleSelfLeadership(t *testing.T) {
	f := newFixture(t, false, "self", map[api.NodeAddress]string{"self": "localhost:50051"})

	_, err := f.server.Ping(context.Background(), &pingpongpb.PingRequest{})
	assert.Equal(t, codes.Unavailable, status.Code(err))
	assert.Empty(t, f.forwarder.calls)
}

func TestReadsNeverRoute(t *testing.T) {
	f := newFixture(t, false, "", map[api.NodeAddress]string{"self": "localhost:50051"})
	ctx := context.Background()

	for range 3 {
		resp, err := f.server.GetShowtime(ctx, &showtimespb.GetShowtimeRequest{ShowtimeId: "1"})
		require.NoError(t, err)
		require.True(t, resp.Found)
		assert.Equal(t, "Adam", resp.Showtime.ReservedSeats["A1"].User)
		assert.Equal(t, "2024-07-01T19:00:00", resp.Showtime.Time)
	}
	all, err := f.server.GetShowtimes(ctx, &showtimespb.GetShowtimesRequest{})
	require.NoError(t, err)
	assert.Len(t, all.Showtimes, 2)
	assert.Empty(t, f.forwarder.calls)
}

func TestSubmitErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code codes.Code
	}{
		{"lost leadership", replica.ErrNotLeader, codes.Unavailable},
		{"stopped", replica.ErrStopped, codes.Unavailable},
		{"timeout", context.DeadlineExceeded, codes.Unavailable},
		{"canceled", context.Canceled, codes.Canceled},
		{"other", errors.New("boom"), codes.Unavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, true, "self", map[api.NodeAddress]string{"self": "localhost:50051"})
			f.consensus.submitErr = tt.err

			_, err := f.server.Ping(context.Background(), &pingpongpb.PingRequest{})
			assert.Equal(t, tt.code, status.Code(err))
		})
	}
}

func TestConcurrentPingsAreMonotonic(t *testing.T) {
	f := newFixture(t, true, "self", map[api.NodeAddress]string{"self": "localhost:50051"})
	const n = 40

	var wg sync.WaitGroup
	counts := make(chan int64, n)
	for range n {
		wg.Go(func() {
			resp, err := f.server.Ping(context.Background(), &pingpongpb.PingRequest{Message: "p"})
			if assert.NoError(t, err) {
				counts <- resp.Count
			}
		})
	}
	wg.Wait()
	close(counts)

	seen := map[int64]bool{}
	for c := range counts {
		assert.False(t, seen[c])
		seen[c] = true
	}
	assert.Len(t, seen, n)
}

// startServer serves srv on a fresh local port and returns its address.
func startServer(t *testing.T, srv *Server, opts ...grpc.ServerOption) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(MarkHandled(api.NodeAddress(srv.cfg.Node)))}, opts...)
	gs := grpc.NewServer(opts...)
	pingpongpb.RegisterPingPongServer(gs, srv)
	showtimespb.RegisterShowtimesServer(gs, srv)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)
	return lis.Addr().String()
}

func testForwarder(t *testing.T, failures int) *GRPCForwarder {
	t.Helper()
	_, l := logger.NewTestLogger()
	fwd := NewGRPCForwarder("follower", ForwarderConfig{
		Timeout:  time.Second,
		CBreaker: api.CircuitBreakerCfg{FailureThreshold: failures, SuccessThreshold: 1, ResetTimeout: time.Hour},
	}, l)
	t.Cleanup(func() { _ = fwd.Close() })
	return fwd
}

func TestGRPCForwardingEndToEnd(t *testing.T) {
	_, l := logger.NewTestLogger()
	cfg := Config{Node: "leader", DefaultStart: defaultStart, DefaultPriceCents: 1000}

	var forwardedBy []string
	var mdMu sync.Mutex
	capture := func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, h grpc.UnaryHandler) (any, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		mdMu.Lock()
		forwardedBy = append(forwardedBy, md.Get(ForwardedByKey)...)
		mdMu.Unlock()
		return h(ctx, req)
	}

	leaderSM := statemachine.New()
	leaderConsensus := &fakeConsensus{sm: leaderSM, leader: true, leaderID: "leader"}
	leaderDir := testDirectory(t, map[api.NodeAddress]string{"leader": "unused:1"})
	leaderSrv := NewServer(NewRouter("leader", leaderConsensus, leaderDir, &fakeForwarder{}, time.Second, l), leaderSM, cfg, l)
	leaderAddr := startServer(t, leaderSrv, grpc.ChainUnaryInterceptor(capture))

	followerSM := statemachine.New()
	followerConsensus := &fakeConsensus{sm: followerSM, leaderID: "leader"}
	followerDir := testDirectory(t, map[api.NodeAddress]string{"leader": leaderAddr, "follower": "unused:2"})
	followerRouter := NewRouter("follower", followerConsensus, followerDir, testForwarder(t, 3), time.Second, l)
	followerAddr := startServer(t, NewServer(followerRouter, followerSM, cfg, l),
		grpc.ChainUnaryInterceptor(LimitConcurrency(4), LogCalls(l)))

	conn, err := grpc.NewClient(followerAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pong, err := pingpongpb.NewPingPongClient(conn).Ping(ctx, &pingpongpb.PingRequest{Message: "via follower"})
	require.NoError(t, err)
	assert.Equal(t, "Pong! (received: 'via follower', count: 1)", pong.Message)

	_, err = showtimespb.NewShowtimesClient(conn).ReserveSeat(ctx,
		&showtimespb.ReserveSeatRequest{ShowtimeId: "x", Seat: "A1", User: "Ann"})
	require.NoError(t, err)

	assert.Equal(t, int64(1), leaderSM.Count())
	assert.Zero(t, followerSM.Count(), "follower state only changes through replication")

	mdMu.Lock()
	assert.Equal(t, []string{"follower", "follower"}, forwardedBy)
	mdMu.Unlock()

	t.Run("leader statuses are relayed", func(t *testing.T) {
		leaderConsensus.mu.Lock()
		leaderConsensus.submitErr = replica.ErrStopped
		leaderConsensus.mu.Unlock()

		_, err := pingpongpb.NewPingPongClient(conn).Ping(ctx, &pingpongpb.PingRequest{})
		st := status.Convert(err)
		assert.Equal(t, codes.Unavailable, st.Code())
		assert.Equal(t, "node is shutting down, retry", st.Message())
	})
}

// leaderPair serves a leader and a follower that forwards to it through a
// real GRPCForwarder, and returns a client connection to the follower.
func leaderPair(t *testing.T, failures int) (*fakeConsensus, *GRPCForwarder, string, *grpc.ClientConn) {
	t.Helper()
	_, l := logger.NewTestLogger()
	cfg := Config{Node: "leader", DefaultStart: defaultStart, DefaultPriceCents: 1000}

	leaderSM := statemachine.New()
	leaderConsensus := &fakeConsensus{sm: leaderSM, leader: true, leaderID: "leader"}
	leaderDir := testDirectory(t, map[api.NodeAddress]string{"leader": "unused:1"})
	leaderAddr := startServer(t, NewServer(NewRouter("leader", leaderConsensus, leaderDir, &fakeForwarder{}, 5*time.Second, l), leaderSM, cfg, l))

	fwd := testForwarder(t, failures)
	followerSM := statemachine.New()
	followerDir := testDirectory(t, map[api.NodeAddress]string{"leader": leaderAddr, "follower": "unused:2"})
	followerRouter := NewRouter("follower", &fakeConsensus{sm: followerSM, leaderID: "leader"}, followerDir, fwd, time.Second, l)
	cfg.Node = "follower"
	followerAddr := startServer(t, NewServer(followerRouter, followerSM, cfg, l))

	conn, err := grpc.NewClient(followerAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return leaderConsensus, fwd, leaderAddr, conn
}

func TestForwardedLeaderStatusesDoNotTripBreaker(t *testing.T) {
	const threshold = 3
	leader, fwd, leaderAddr, conn := leaderPair(t, threshold)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	leader.mu.Lock()
	leader.submitErr = replica.ErrNotLeader
	leader.mu.Unlock()

	client := pingpongpb.NewPingPongClient(conn)
	for range 2 * threshold {
		_, err := client.Ping(ctx, &pingpongpb.PingRequest{Message: "m"})
		require.Error(t, err)
		st := status.Convert(err)
		assert.Equal(t, codes.Unavailable, st.Code())
		assert.Equal(t, "leadership changed, retry", st.Message())
	}

	fwd.mu.Lock()
	cb := fwd.breakers[leaderAddr]
	fwd.mu.Unlock()
	require.NotNil(t, cb)
	assert.Equal(t, cbreaker.Closed, cb.State())

	leader.mu.Lock()
	leader.submitErr = nil
	leader.mu.Unlock()

	pong, err := client.Ping(ctx, &pingpongpb.PingRequest{Message: "m"})
	require.NoError(t, err)
	assert.Equal(t, "Pong! (received: 'm', count: 1)", pong.Message)

	leader.mu.Lock()
	assert.Equal(t, 2*threshold+1, leader.submits)
	leader.mu.Unlock()
}

func TestForwardedCallCancellation(t *testing.T) {
	leader, fwd, leaderAddr, conn := leaderPair(t, 1)

	entered := make(chan struct{})
	observed := make(chan error, 1)
	leader.mu.Lock()
	leader.onSubmit = func(ctx context.Context) {
		close(entered)
		<-ctx.Done()
		observed <- ctx.Err()
	}
	leader.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := pingpongpb.NewPingPongClient(conn).Ping(ctx, &pingpongpb.PingRequest{})
		errc <- err
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("leader handler was never reached")
	}
	cancel()

	select {
	case err := <-errc:
		assert.Equal(t, codes.Canceled, status.Code(err))
	case <-time.After(5 * time.Second):
		t.Fatal("canceled call did not return")
	}
	select {
	case err := <-observed:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("leader handler never saw the cancellation")
	}

	fwd.mu.Lock()
	cb := fwd.breakers[leaderAddr]
	fwd.mu.Unlock()
	require.NotNil(t, cb)
	assert.Equal(t, cbreaker.Closed, cb.State(), "a canceled caller is not a leader failure")
}

func TestGRPCForwarderTransportFailure(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := lis.Addr().String()
	require.NoError(t, lis.Close())

	fwd := testForwarder(t, 1)
	ctx := context.Background()

	err = fwd.Forward(ctx, dead, pingpongpb.PingPong_Ping_FullMethodName, &pingpongpb.PingRequest{}, &pingpongpb.PongResponse{})
	assert.Equal(t, codes.Unavailable, status.Code(err))
	assert.Contains(t, status.Convert(err).Message(), dead)

	err = fwd.Forward(ctx, dead, pingpongpb.PingPong_Ping_FullMethodName, &pingpongpb.PingRequest{}, &pingpongpb.PongResponse{})
	assert.Equal(t, codes.Unavailable, status.Code(err))
	assert.Contains(t, status.Convert(err).Message(), "unreachable", "open breaker skips the call")

	require.NoError(t, fwd.Close())
	err = fwd.Forward(ctx, dead, pingpongpb.PingPong_Ping_FullMethodName, &pingpongpb.PingRequest{}, &pingpongpb.PongResponse{})
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestLimitConcurrency(t *testing.T) {
	limit := LimitConcurrency(2)
	info := &grpc.UnaryServerInfo{FullMethod: "/test/Method"}

	var mu sync.Mutex
	running, peak := 0, 0
	release := make(chan struct{})
	handler := func(context.Context, any) (any, error) {
		mu.Lock()
		running++
		peak = max(peak, running)
		mu.Unlock()
		<-release
		mu.Lock()
		running--
		mu.Unlock()
		return nil, nil
	}

	var wg sync.WaitGroup
	for range 5 {
		wg.Go(func() {
			_, _ = limit(context.Background(), nil, info, handler)
		})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return running == 2
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := limit(ctx, nil, info, handler)
	assert.Equal(t, codes.Canceled, status.Code(err))

	close(release)
	wg.Wait()
	assert.Equal(t, 2, peak)
}
