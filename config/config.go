// Package config loads the configuration of a showtimes node: a YAML
// cluster file over built in defaults, then an optional .env file and
// SHOWTIMES_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/shrtyk/raft-showtimes/api"
	"github.com/shrtyk/raft-showtimes/pkg/logger"
	"github.com/shrtyk/raft-showtimes/raft"
	"github.com/shrtyk/raft-showtimes/statemachine"
)

const (
	EngineBuiltin = "builtin"
	EngineEtcd    = "etcd"

	// StartLayout is the format of showtimes.default_start.
	StartLayout = "2006-01-02T15:04:05"
)

type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Cluster   []Member        `yaml:"cluster"`
	Engine    string          `yaml:"engine"`
	DataDir   string          `yaml:"data_dir"`
	Log       LogConfig       `yaml:"log"`
	Server    ServerConfig    `yaml:"server"`
	Raft      RaftConfig      `yaml:"raft"`
	Showtimes ShowtimesConfig `yaml:"showtimes"`
	Events    EventsConfig    `yaml:"events"`
}

type NodeConfig struct {
	// ID is the raft address of this node and must appear in Cluster.
	ID string `yaml:"id"`
	// ListenAddr overrides where the client services listen. Defaults to
	// the node's endpoint in Cluster.
	ListenAddr string `yaml:"listen_addr"`
}

// Member describes one node: its raft address and its client endpoint.
type Member struct {
	Raft string `yaml:"raft"`
	GRPC string `yaml:"grpc"`
}

type LogConfig struct {
	Env       string `yaml:"env"`
	AddSource bool   `yaml:"add_source"`
}

type ServerConfig struct {
	MaxWorkers     int           `yaml:"max_workers"`
	SubmitTimeout  time.Duration `yaml:"submit_timeout"`
	ForwardTimeout time.Duration `yaml:"forward_timeout"`
}

type RaftConfig struct {
	ElectionTimeoutBase        time.Duration `yaml:"election_timeout_base"`
	ElectionTimeoutRandomDelta time.Duration `yaml:"election_timeout_random_delta"`
	HeartbeatTimeout           time.Duration `yaml:"heartbeat_timeout"`
	RPCTimeout                 time.Duration `yaml:"rpc_timeout"`
	SnapshotThresholdBytes     int           `yaml:"snapshot_threshold_bytes"`
	SnapshotCheckInterval      time.Duration `yaml:"snapshot_check_interval"`
	// SnapshotEntries is used by the etcd engine only.
	SnapshotEntries uint64 `yaml:"snapshot_entries"`
	MonitoringAddr  string `yaml:"monitoring_addr"`
}

type ShowtimesConfig struct {
	Seed           bool    `yaml:"seed"`
	DefaultStart   string  `yaml:"default_start"`
	DefaultPrice   float64 `yaml:"default_price"`
	ConflictPolicy string  `yaml:"conflict_policy"`
}

type EventsConfig struct {
	// Empty disables publishing.
	AMQPURL string `yaml:"amqp_url"`
	Queue   string `yaml:"queue"`
	Buffer  int    `yaml:"buffer"`
}

func Default() *Config {
	rc := raft.DefaultConfig()
	return &Config{
		Engine:  EngineBuiltin,
		DataDir: "data",
		Log:     LogConfig{Env: "prod"},
		Server: ServerConfig{
			MaxWorkers:     10,
			SubmitTimeout:  5 * time.Second,
			ForwardTimeout: 3 * time.Second,
		},
		Raft: RaftConfig{
			ElectionTimeoutBase:        rc.Timings.ElectionTimeoutBase,
			ElectionTimeoutRandomDelta: rc.Timings.ElectionTimeoutRandomDelta,
			HeartbeatTimeout:           rc.Timings.HeartbeatTimeout,
			RPCTimeout:                 rc.Timings.RPCTimeout,
			SnapshotThresholdBytes:     rc.Snapshots.ThresholdBytes,
			SnapshotCheckInterval:      rc.Snapshots.CheckLogSizeInterval,
			SnapshotEntries:            1000,
		},
		Showtimes: ShowtimesConfig{
			Seed:           true,
			DefaultStart:   "2024-07-01T20:00:00",
			DefaultPrice:   10.0,
			ConflictPolicy: statemachine.PolicyReject.String(),
		},
		Events: EventsConfig{Buffer: 256},
	}
}

// Load reads path (skipped when empty) over the defaults, applies .env and
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Node.ID = envStr("SHOWTIMES_NODE_ID", c.Node.ID)
	c.Node.ListenAddr = envStr("SHOWTIMES_LISTEN_ADDR", c.Node.ListenAddr)
	c.Engine = envStr("SHOWTIMES_ENGINE", c.Engine)
	c.DataDir = envStr("SHOWTIMES_DATA_DIR", c.DataDir)
	c.Log.Env = envStr("SHOWTIMES_LOG_ENV", c.Log.Env)
	c.Server.MaxWorkers = envInt("SHOWTIMES_MAX_WORKERS", c.Server.MaxWorkers)
	c.Server.SubmitTimeout = envDur("SHOWTIMES_SUBMIT_TIMEOUT", c.Server.SubmitTimeout)
	c.Server.ForwardTimeout = envDur("SHOWTIMES_FORWARD_TIMEOUT", c.Server.ForwardTimeout)
	c.Raft.MonitoringAddr = envStr("SHOWTIMES_MONITORING_ADDR", c.Raft.MonitoringAddr)
	c.Showtimes.Seed = envBool("SHOWTIMES_SEED", c.Showtimes.Seed)
	c.Showtimes.ConflictPolicy = envStr("SHOWTIMES_CONFLICT_POLICY", c.Showtimes.ConflictPolicy)
	c.Events.AMQPURL = envStr("SHOWTIMES_AMQP_URL", envStr("RABBITMQ_URL", c.Events.AMQPURL))
	c.Events.Queue = envStr("SHOWTIMES_AMQP_QUEUE", c.Events.Queue)
}

func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Node.ID == "" {
		add("node.id is required")
	}
	if len(c.Cluster) == 0 {
		add("cluster must list at least one member")
	}
	seen := make(map[string]bool, len(c.Cluster))
	for i, m := range c.Cluster {
		if m.Raft == "" || m.GRPC == "" {
			add("cluster[%d]: raft and grpc addresses are required", i)
		}
		if seen[m.Raft] {
			add("cluster[%d]: duplicate raft address %s", i, m.Raft)
		}
		seen[m.Raft] = true
	}
	if c.Node.ID != "" && len(c.Cluster) > 0 && c.SelfIndex() < 0 {
		add("node.id %s is not a cluster member", c.Node.ID)
	}

	if c.Engine != EngineBuiltin && c.Engine != EngineEtcd {
		add("unknown engine %q", c.Engine)
	}
	if _, err := logger.ParseEnviroment(c.Log.Env); err != nil {
		errs = append(errs, err)
	}
	if c.Server.MaxWorkers <= 0 {
		add("server.max_workers must be positive")
	}
	if c.Server.SubmitTimeout <= 0 || c.Server.ForwardTimeout <= 0 {
		add("server timeouts must be positive")
	}
	if c.Raft.HeartbeatTimeout <= 0 || c.Raft.ElectionTimeoutBase <= c.Raft.HeartbeatTimeout {
		add("raft.election_timeout_base must exceed a positive raft.heartbeat_timeout")
	}
	if _, err := time.Parse(StartLayout, c.Showtimes.DefaultStart); err != nil {
		add("showtimes.default_start: %v", err)
	}
	if c.Showtimes.DefaultPrice < 0 {
		add("showtimes.default_price must not be negative")
	}
	if _, err := statemachine.ParseConflictPolicy(c.Showtimes.ConflictPolicy); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SelfIndex is the position of this node in Cluster, or -1.
func (c *Config) SelfIndex() int {
	return slices.IndexFunc(c.Cluster, func(m Member) bool { return m.Raft == c.Node.ID })
}

// Members lists raft addresses in cluster order. Every node must use the
// same order.
func (c *Config) Members() []api.NodeAddress {
	out := make([]api.NodeAddress, len(c.Cluster))
	for i, m := range c.Cluster {
		out[i] = api.NodeAddress(m.Raft)
	}
	return out
}

// Endpoints maps raft addresses to client endpoints.
func (c *Config) Endpoints() map[api.NodeAddress]string {
	out := make(map[api.NodeAddress]string, len(c.Cluster))
	for _, m := range c.Cluster {
		out[api.NodeAddress(m.Raft)] = m.GRPC
	}
	return out
}

func (c *Config) ListenAddr() string {
	if c.Node.ListenAddr != "" {
		return c.Node.ListenAddr
	}
	if i := c.SelfIndex(); i >= 0 {
		return c.Cluster[i].GRPC
	}
	return ""
}

func (c *Config) LogEnv() logger.Enviroment {
	env, err := logger.ParseEnviroment(c.Log.Env)
	if err != nil {
		return logger.Prod
	}
	return env
}

// EngineConfig builds the consensus engine configuration.
func (c *Config) EngineConfig() *api.RaftConfig {
	rc := raft.DefaultConfig()
	rc.Log.Env = c.LogEnv()
	rc.Timings.ElectionTimeoutBase = c.Raft.ElectionTimeoutBase
	rc.Timings.ElectionTimeoutRandomDelta = c.Raft.ElectionTimeoutRandomDelta
	rc.Timings.HeartbeatTimeout = c.Raft.HeartbeatTimeout
	rc.Timings.RPCTimeout = c.Raft.RPCTimeout
	rc.Snapshots.ThresholdBytes = c.Raft.SnapshotThresholdBytes
	rc.Snapshots.CheckLogSizeInterval = c.Raft.SnapshotCheckInterval
	rc.HttpMonitoringAddr = c.Raft.MonitoringAddr
	rc.GRPCAddr = c.Node.ID
	return rc
}

func (c *Config) ConflictPolicy() statemachine.ConflictPolicy {
	p, _ := statemachine.ParseConflictPolicy(c.Showtimes.ConflictPolicy)
	return p
}

func (c *Config) DefaultStart() time.Time {
	t, _ := time.Parse(StartLayout, c.Showtimes.DefaultStart)
	return t.UTC()
}

func (c *Config) DefaultPriceCents() int64 {
	return statemachine.PriceToCents(c.Showtimes.DefaultPrice)
}
