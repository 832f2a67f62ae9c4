package config

import (
	"fmt"
	"os"
	"time"

	"github.com/cuemby/flowjob/pkg/cluster"
	"github.com/cuemby/flowjob/pkg/log"
	"github.com/cuemby/flowjob/pkg/types"
	"gopkg.in/yaml.v3"
)

// Cluster modes
const (
	ModeStandalone = "standalone"
	ModeRaft       = "raft"
)

// Config holds the broker configuration
type Config struct {
	NodeID      string `yaml:"nodeId"`
	DataDir     string `yaml:"dataDir"`
	GRPCAddr    string `yaml:"grpcAddr"`
	MetricsAddr string `yaml:"metricsAddr"`

	Cluster   ClusterConfig   `yaml:"cluster"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Workers   WorkersConfig   `yaml:"workers"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Log       LogConfig       `yaml:"log"`
}

// ClusterConfig controls plan ownership between brokers
type ClusterConfig struct {
	Mode              string         `yaml:"mode"`
	RaftAddr          string         `yaml:"raftAddr"`
	Peers             []cluster.Peer `yaml:"peers"`
	Slots             int            `yaml:"slots"`
	RebalanceInterval time.Duration  `yaml:"rebalanceInterval"`
}

// SchedulerConfig sizes the time wheel and its worker pool
type SchedulerConfig struct {
	Tick       time.Duration `yaml:"tick"`
	WheelSlots int           `yaml:"wheelSlots"`
	PoolSize   int           `yaml:"poolSize"`
}

// WorkersConfig controls worker liveness and selection statistics
type WorkersConfig struct {
	HeartbeatTimeout time.Duration `yaml:"heartbeatTimeout"`
	SweepInterval    time.Duration `yaml:"sweepInterval"`
	StatisticsWindow time.Duration `yaml:"statisticsWindow"`
	DispatchTimeout  time.Duration `yaml:"dispatchTimeout"`
}

// LifecycleConfig controls the periodic broker sweeps
type LifecycleConfig struct {
	PlanLoadInterval  time.Duration `yaml:"planLoadInterval"`
	TaskCheckInterval time.Duration `yaml:"taskCheckInterval"`
}

// LogConfig mirrors log.Config in YAML form
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns a single node configuration writing under ./flowjob-data
func Default() *Config {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "broker-1"
	}

	return &Config{
		NodeID:      hostname,
		DataDir:     "./flowjob-data",
		GRPCAddr:    "0.0.0.0:7070",
		MetricsAddr: "0.0.0.0:9090",
		Cluster: ClusterConfig{
			Mode:              ModeStandalone,
			RaftAddr:          "127.0.0.1:7946",
			Slots:             cluster.DefaultSlots,
			RebalanceInterval: cluster.DefaultRebalanceInterval,
		},
		Scheduler: SchedulerConfig{
			Tick:       100 * time.Millisecond,
			WheelSlots: 512,
			PoolSize:   64,
		},
		Workers: WorkersConfig{
			HeartbeatTimeout: 30 * time.Second,
			SweepInterval:    5 * time.Second,
			StatisticsWindow: 12 * time.Hour,
			DispatchTimeout:  5 * time.Second,
		},
		Lifecycle: LifecycleConfig{
			PlanLoadInterval:  10 * time.Second,
			TaskCheckInterval: 30 * time.Second,
		},
		Log: LogConfig{
			Level: string(log.InfoLevel),
		},
	}
}

// Load reads a YAML file over the defaults. Keys absent from the file keep
// their default value.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the broker cannot start with
func (c *Config) Validate() error {
	switch {
	case c.NodeID == "":
		return &types.ConfigError{Field: "nodeId", Reason: "required"}
	case c.DataDir == "":
		return &types.ConfigError{Field: "dataDir", Reason: "required"}
	case c.GRPCAddr == "":
		return &types.ConfigError{Field: "grpcAddr", Reason: "required"}
	}

	switch c.Cluster.Mode {
	case ModeStandalone:
	case ModeRaft:
		if c.Cluster.RaftAddr == "" {
			return &types.ConfigError{Field: "cluster.raftAddr", Reason: "required in raft mode"}
		}
		for _, p := range c.Cluster.Peers {
			if p.ID == "" || p.Address == "" {
				return &types.ConfigError{Field: "cluster.peers", Reason: "every peer needs an id and an address"}
			}
			if p.ID == c.NodeID {
				return &types.ConfigError{Field: "cluster.peers", Reason: "peer list must not contain this node"}
			}
		}
	default:
		return &types.ConfigError{Field: "cluster.mode", Reason: fmt.Sprintf("unknown value %q", c.Cluster.Mode)}
	}
	if c.Cluster.Slots <= 0 {
		return &types.ConfigError{Field: "cluster.slots", Reason: "must be positive"}
	}

	if c.Scheduler.Tick <= 0 {
		return &types.ConfigError{Field: "scheduler.tick", Reason: "must be positive"}
	}
	if c.Scheduler.WheelSlots <= 0 {
		return &types.ConfigError{Field: "scheduler.wheelSlots", Reason: "must be positive"}
	}
	if c.Scheduler.PoolSize <= 0 {
		return &types.ConfigError{Field: "scheduler.poolSize", Reason: "must be positive"}
	}

	if c.Workers.HeartbeatTimeout <= 0 {
		return &types.ConfigError{Field: "workers.heartbeatTimeout", Reason: "must be positive"}
	}
	if c.Workers.SweepInterval <= 0 || c.Workers.SweepInterval > c.Workers.HeartbeatTimeout {
		return &types.ConfigError{Field: "workers.sweepInterval", Reason: "must be positive and at most the heartbeat timeout"}
	}
	if c.Workers.StatisticsWindow <= 0 {
		return &types.ConfigError{Field: "workers.statisticsWindow", Reason: "must be positive"}
	}

	if c.Lifecycle.PlanLoadInterval <= 0 {
		return &types.ConfigError{Field: "lifecycle.planLoadInterval", Reason: "must be positive"}
	}
	if c.Lifecycle.TaskCheckInterval <= 0 {
		return &types.ConfigError{Field: "lifecycle.taskCheckInterval", Reason: "must be positive"}
	}

	switch log.Level(c.Log.Level) {
	case log.DebugLevel, log.InfoLevel, log.WarnLevel, log.ErrorLevel:
	default:
		return &types.ConfigError{Field: "log.level", Reason: fmt.Sprintf("unknown value %q", c.Log.Level)}
	}
	return nil
}

// LoggerConfig converts the log section for log.Init
func (c *Config) LoggerConfig() log.Config {
	return log.Config{
		Level:      log.Level(c.Log.Level),
		JSONOutput: c.Log.JSON,
	}
}
