package transport

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/shrtyk/raft-showtimes/api"
	"github.com/shrtyk/raft-showtimes/internal/cbreaker"
	"github.com/shrtyk/raft-showtimes/internal/raftpb"
)

// mockRaftServer is a mock implementation of the RaftServiceServer
type mockRaftServer struct {
	raftpb.UnimplementedRaftServiceServer

	mu         sync.Mutex
	voteReq    *raftpb.RequestVoteRequest
	voteResp   *raftpb.RequestVoteResponse
	voteErr    error
	appendReq  *raftpb.AppendEntriesRequest
	appendResp *raftpb.AppendEntriesResponse
	appendErr  error
	snapReq    *raftpb.InstallSnapshotRequest
	snapResp   *raftpb.InstallSnapshotResponse
	snapErr    error

	voteFunc func(context.Context, *raftpb.RequestVoteRequest) (*raftpb.RequestVoteResponse, error)
}

func (s *mockRaftServer) RequestVote(ctx context.Context, req *raftpb.RequestVoteRequest) (*raftpb.RequestVoteResponse, error) {
	if s.voteFunc != nil {
		return s.voteFunc(ctx, req)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.voteReq = req
	return s.voteResp, s.voteErr
}

func (s *mockRaftServer) AppendEntries(_ context.Context, req *raftpb.AppendEntriesRequest) (*raftpb.AppendEntriesResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendReq = req
	return s.appendResp, s.appendErr
}

func (s *mockRaftServer) InstallSnapshot(_ context.Context, req *raftpb.InstallSnapshotRequest) (*raftpb.InstallSnapshotResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapReq = req
	return s.snapResp, s.snapErr
}

// startMockServer starts a mock gRPC server and returns its address and a function to stop it
func startMockServer(t *testing.T, mockSrv *mockRaftServer) (string, func()) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := grpc.NewServer()
	raftpb.RegisterRaftServiceServer(s, mockSrv)
	go func() {
		_ = s.Serve(lis)
	}()
	return lis.Addr().String(), func() { s.GracefulStop() }
}

func testConfig(rpcTimeout time.Duration) *api.RaftConfig {
	return &api.RaftConfig{
		Timings: api.RaftTimings{
			RPCTimeout: rpcTimeout,
		},
		CBreaker: api.CircuitBreakerCfg{
			FailureThreshold: 2,
			SuccessThreshold: 1,
			ResetTimeout:     time.Hour,
		},
	}
}

func TestSetupConnections(t *testing.T) {
	mockSrv1 := &mockRaftServer{}
	addr1, stop1 := startMockServer(t, mockSrv1)
	defer stop1()

	mockSrv2 := &mockRaftServer{}
	addr2, stop2 := startMockServer(t, mockSrv2)
	defer stop2()

	t.Run("success", func(t *testing.T) {
		conns, closeFunc, err := SetupConnections([]string{addr1, addr2})
		require.NoError(t, err)
		require.NotNil(t, closeFunc)
		assert.Len(t, conns, 2)
		for _, conn := range conns {
			assert.NotNil(t, conn)
		}
		assert.NoError(t, closeFunc())
	})

	t.Run("empty address is skipped", func(t *testing.T) {
		conns, closeFunc, err := SetupConnections([]string{"", addr2})
		require.NoError(t, err)
		assert.Nil(t, conns[0])
		assert.NotNil(t, conns[1])
		assert.NoError(t, closeFunc())
	})
}

func TestGRPCTransport(t *testing.T) {
	mockSrv := &mockRaftServer{}
	addr, stop := startMockServer(t, mockSrv)
	defer stop()

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	transport, err := NewGRPCTransport(testConfig(time.Second), []*grpc.ClientConn{nil, conn})
	require.NoError(t, err)
	assert.Equal(t, 2, transport.PeersCount())
	assert.False(t, transport.IsPeerAvailable(0), "local peer has no connection")
	assert.True(t, transport.IsPeerAvailable(1))

	ctx := context.Background()

	t.Run("SendRequestVote", func(t *testing.T) {
		req := &raftpb.RequestVoteRequest{Term: 1, CandidateId: 1, LastLogIndex: 7, LastLogTerm: 1}
		mockSrv.voteResp = &raftpb.RequestVoteResponse{Term: 1, VoteGranted: true, VoterId: 1}

		resp, err := transport.SendRequestVote(ctx, 1, req)
		require.NoError(t, err)
		assert.Empty(t, cmp.Diff(mockSrv.voteResp, resp))
		assert.Empty(t, cmp.Diff(req, mockSrv.voteReq))
	})

	t.Run("SendAppendEntries", func(t *testing.T) {
		req := &raftpb.AppendEntriesRequest{
			Term:     1,
			LeaderId: 1,
			Entries:  []*raftpb.LogEntry{{Term: 1, Cmd: []byte("cmd")}},
		}
		mockSrv.appendResp = &raftpb.AppendEntriesResponse{Term: 1, Success: true}

		resp, err := transport.SendAppendEntries(ctx, 1, req)
		require.NoError(t, err)
		assert.Empty(t, cmp.Diff(mockSrv.appendResp, resp))
		assert.Empty(t, cmp.Diff(req, mockSrv.appendReq))
	})

	t.Run("SendInstallSnapshot", func(t *testing.T) {
		req := &raftpb.InstallSnapshotRequest{Term: 1, LeaderId: 1, LastIncludedIndex: 3, Data: []byte("snap")}
		mockSrv.snapResp = &raftpb.InstallSnapshotResponse{Term: 1}

		resp, err := transport.SendInstallSnapshot(ctx, 1, req)
		require.NoError(t, err)
		assert.Empty(t, cmp.Diff(mockSrv.snapResp, resp))
		assert.Empty(t, cmp.Diff(req, mockSrv.snapReq))
	})

	t.Run("local peer is rejected", func(t *testing.T) {
		_, err := transport.SendRequestVote(ctx, 0, &raftpb.RequestVoteRequest{})
		assert.Error(t, err)
	})
}

func TestGRPCTransportTimeoutOpensBreaker(t *testing.T) {
	slowSrv := &mockRaftServer{}
	slowSrv.voteFunc = func(ctx context.Context, req *raftpb.RequestVoteRequest) (*raftpb.RequestVoteResponse, error) {
		time.Sleep(200 * time.Millisecond)
		return &raftpb.RequestVoteResponse{}, nil
	}

	addr, stop := startMockServer(t, slowSrv)
	defer stop()

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	tr, err := NewGRPCTransport(testConfig(50*time.Millisecond), []*grpc.ClientConn{conn})
	require.NoError(t, err)

	ctx := context.Background()
	for range 2 {
		_, err = tr.SendRequestVote(ctx, 0, &raftpb.RequestVoteRequest{})
		require.Error(t, err)

		s, ok := status.FromError(err)
		require.True(t, ok, "expected error to be a gRPC status error")
		assert.Equal(t, codes.DeadlineExceeded, s.Code())
	}

	assert.False(t, tr.IsPeerAvailable(0))
	_, err = tr.SendRequestVote(ctx, 0, &raftpb.RequestVoteRequest{})
	assert.ErrorIs(t, err, cbreaker.ErrOpenState)
}
