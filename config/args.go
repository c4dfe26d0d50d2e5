package config

import (
	"cmp"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// FromArgs builds a configuration from the positional form
//
//	<grpc_port> <raft_port> [host:raft_port:grpc_port ...]
//
// where every partner is given with both of its ports. The node itself
// runs on localhost.
func FromArgs(args []string) (*Config, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("usage: <grpc_port> <raft_port> [host:raft_port:grpc_port ...]")
	}
	grpcPort, err := port(args[0])
	if err != nil {
		return nil, fmt.Errorf("grpc port: %w", err)
	}
	raftPort, err := port(args[1])
	if err != nil {
		return nil, fmt.Errorf("raft port: %w", err)
	}

	cfg := Default()
	self := Member{
		Raft: fmt.Sprintf("localhost:%d", raftPort),
		GRPC: fmt.Sprintf("localhost:%d", grpcPort),
	}
	cfg.Node.ID = self.Raft
	cfg.Node.ListenAddr = fmt.Sprintf(":%d", grpcPort)
	cfg.Cluster = append(cfg.Cluster, self)

	for _, p := range args[2:] {
		parts := strings.Split(p, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("partner %q: expected host:raft_port:grpc_port", p)
		}
		rp, err := port(parts[1])
		if err != nil {
			return nil, fmt.Errorf("partner %q: %w", p, err)
		}
		gp, err := port(parts[2])
		if err != nil {
			return nil, fmt.Errorf("partner %q: %w", p, err)
		}
		cfg.Cluster = append(cfg.Cluster, Member{
			Raft: fmt.Sprintf("%s:%d", parts[0], rp),
			GRPC: fmt.Sprintf("%s:%d", parts[0], gp),
		})
	}
	// Every node must list members in the same order.
	sortMembers(cfg.Cluster)
	cfg.DataDir = fmt.Sprintf("data-%d", raftPort)

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func port(s string) (int, error) {
	p, err := strconv.Atoi(s)
	if err != nil || p <= 0 || p > 65535 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return p, nil
}

func sortMembers(ms []Member) {
	slices.SortFunc(ms, func(a, b Member) int { return cmp.Compare(a.Raft, b.Raft) })
}
