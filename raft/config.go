package raft

import (
	"time"

	"github.com/shrtyk/raft-showtimes/api"
	"github.com/shrtyk/raft-showtimes/pkg/logger"
)

const votedForNone = -1

const (
	defaultHttpMonitoringAddr = ""
	defaultGRPCAddr           = ""
)

func DefaultConfig() *api.RaftConfig {
	return &api.RaftConfig{
		Log: api.LoggerCfg{
			Env: logger.Prod,
		},
		Timings: api.RaftTimings{
			ElectionTimeoutBase:        300 * time.Millisecond,
			ElectionTimeoutRandomDelta: 300 * time.Millisecond,
			HeartbeatTimeout:           70 * time.Millisecond,
			ShutdownTimeout:            3 * time.Second,
			RPCTimeout:                 100 * time.Millisecond,
		},
		CBreaker: api.CircuitBreakerCfg{
			FailureThreshold: 6,
			SuccessThreshold: 4,
			ResetTimeout:     5 * time.Second,
		},
		Fsync: api.FsyncCfg{
			BatchSize: 128,
			Timeout:   15 * time.Millisecond,
		},
		Snapshots: api.SnapshotsCfg{
			CheckLogSizeInterval: 30 * time.Second,
			ThresholdBytes:       1 << 20,
		},
		HttpMonitoringAddr: defaultHttpMonitoringAddr,
		GRPCAddr:           defaultGRPCAddr,
		CommitNoOpOn:       true,
	}
}

// TestsConfig is tuned for in-process clusters: short timeouts, small
// fsync batches and no background snapshots.
func TestsConfig() *api.RaftConfig {
	return &api.RaftConfig{
		Log: api.LoggerCfg{
			Env: logger.Dev,
		},
		Timings: api.RaftTimings{
			ElectionTimeoutBase:        150 * time.Millisecond,
			ElectionTimeoutRandomDelta: 150 * time.Millisecond,
			HeartbeatTimeout:           50 * time.Millisecond,
			ShutdownTimeout:            3 * time.Second,
			RPCTimeout:                 100 * time.Millisecond,
		},
		CBreaker: api.CircuitBreakerCfg{
			FailureThreshold: 6,
			SuccessThreshold: 4,
			ResetTimeout:     500 * time.Millisecond,
		},
		Fsync: api.FsyncCfg{
			BatchSize: 10,
			Timeout:   5 * time.Millisecond,
		},
		Snapshots: api.SnapshotsCfg{
			CheckLogSizeInterval: 50 * time.Millisecond,
			ThresholdBytes:       0,
		},
		CommitNoOpOn: true,
	}
}
