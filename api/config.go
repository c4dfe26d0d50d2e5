package api

import (
	"time"

	"github.com/shrtyk/raft-showtimes/pkg/logger"
)

type RaftConfig struct {
	Log       LoggerCfg
	Timings   RaftTimings
	CBreaker  CircuitBreakerCfg
	Fsync     FsyncCfg
	Snapshots SnapshotsCfg

	// Empty address disables the monitoring HTTP server.
	HttpMonitoringAddr string
	// Address the peer serves raft RPCs on.
	GRPCAddr string
	// Append an empty entry right after winning an election so entries
	// from previous terms get committed without waiting for a client.
	CommitNoOpOn bool
}

type LoggerCfg struct {
	Env logger.Enviroment
}

type RaftTimings struct {
	ElectionTimeoutBase        time.Duration
	ElectionTimeoutRandomDelta time.Duration
	HeartbeatTimeout           time.Duration
	RPCTimeout                 time.Duration
	ShutdownTimeout            time.Duration
}

type CircuitBreakerCfg struct {
	FailureThreshold int
	SuccessThreshold int
	ResetTimeout     time.Duration
}

type FsyncCfg struct {
	BatchSize int
	Timeout   time.Duration
}

type SnapshotsCfg struct {
	CheckLogSizeInterval time.Duration
	// Zero disables automatic snapshots.
	ThresholdBytes int
}
