package raft

import (
	"errors"
	"fmt"
	"net"

	"google.golang.org/grpc"

	"github.com/shrtyk/raft-showtimes/internal/raftpb"
	"github.com/shrtyk/raft-showtimes/pkg/logger"
)

// startGRPCServer serves raft RPCs on the listener given to the builder,
// or on RaftConfig.GRPCAddr. With neither the peer only dials out, which
// is how in-process transports are wired.
func (rf *Raft) startGRPCServer() error {
	l := rf.listener
	if l == nil {
		if rf.cfg.GRPCAddr == "" {
			return nil
		}
		var err error
		if l, err = net.Listen("tcp", rf.cfg.GRPCAddr); err != nil {
			return fmt.Errorf("failed to listen: %w", err)
		}
	}

	rf.grpcServer = grpc.NewServer()
	raftpb.RegisterRaftServiceServer(rf.grpcServer, rf)
	rf.logger.Info("serving raft RPCs", "addr", l.Addr().String())

	rf.wg.Go(func() {
		if err := rf.grpcServer.Serve(l); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			rf.logger.Error("gRPC server failed", logger.ErrAttr(err))
		}
	})
	return nil
}
