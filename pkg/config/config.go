package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/hivecompute/hive/pkg/lock"
)

// Config is the full manager configuration. Values come from the
// config file, HIVE_* environment variables, and built-in defaults,
// in that order of precedence.
type Config struct {
	DataDir      string `mapstructure:"data_dir"`
	ListenAddr   string `mapstructure:"listen_addr"`    // northbound grpc
	ReadOnlyAddr string `mapstructure:"read_only_addr"` // operator socket, reads only; empty disables
	MetricsAddr  string `mapstructure:"metrics_addr"`   // prometheus scrape endpoint

	Log       LogConfig       `mapstructure:"log"`
	Cluster   ClusterConfig   `mapstructure:"cluster"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Lock      LockConfig      `mapstructure:"lock"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "console" or "json"
}

// ClusterConfig controls raft replication between manager replicas.
type ClusterConfig struct {
	NodeID    string `mapstructure:"node_id"`
	RaftAddr  string `mapstructure:"raft_addr"`
	Bootstrap bool   `mapstructure:"bootstrap"`
	JoinAddr  string `mapstructure:"join_addr"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type LockConfig struct {
	Backend lock.Backend  `mapstructure:"backend"`
	TTL     time.Duration `mapstructure:"ttl"`
	Dir     string        `mapstructure:"dir"` // file backend only
}

// SchedulerConfig is the per-manager scheduling policy. Policy fields
// may be overridden per resource group.
type SchedulerConfig struct {
	TickInterval      time.Duration            `mapstructure:"tick_interval"`
	SessionPolicy     string                   `mapstructure:"session_policy"` // fifo | drf | priority
	AgentPolicy       string                   `mapstructure:"agent_policy"`   // concentrated | dispersed
	HOLBlockThreshold int                      `mapstructure:"hol_block_threshold"`
	Groups            map[string]GroupOverride `mapstructure:"groups"`
}

// GroupOverride carries per-resource-group policy deviations. Zero
// values fall back to the scheduler-wide setting.
type GroupOverride struct {
	SessionPolicy     string                   `mapstructure:"session_policy"`
	AgentPolicy       string                   `mapstructure:"agent_policy"`
	HOLBlockThreshold int                      `mapstructure:"hol_block_threshold"`
	StateDeadlines    map[string]time.Duration `mapstructure:"state_deadlines"`
	Slots             map[string]string        `mapstructure:"slots"` // extra slot name -> count | bytes | unique
}

type DispatchConfig struct {
	CreateTimeout      time.Duration `mapstructure:"create_timeout"`
	DestroyTimeout     time.Duration `mapstructure:"destroy_timeout"`
	InterruptTimeout   time.Duration `mapstructure:"interrupt_timeout"`
	ExecTimeout        time.Duration `mapstructure:"exec_timeout"`       // default when the exec request carries none
	ConcurrencyBudget  int           `mapstructure:"concurrency_budget"` // default per-agent in-flight cap
	RetryCooldown      time.Duration `mapstructure:"retry_cooldown"`     // before a failed dispatch re-enqueues
	MaxDispatchRetries int           `mapstructure:"max_dispatch_retries"`
}

type ReconcileConfig struct {
	Interval       time.Duration            `mapstructure:"interval"`
	AgentLostAfter time.Duration            `mapstructure:"agent_lost_after"`
	StateDeadlines map[string]time.Duration `mapstructure:"state_deadlines"`
	SweepAfter     time.Duration            `mapstructure:"sweep_after"` // terminal session retention
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "/var/lib/hive")
	v.SetDefault("listen_addr", ":7100")
	v.SetDefault("read_only_addr", "")
	v.SetDefault("metrics_addr", ":7190")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("cluster.raft_addr", ":7101")

	v.SetDefault("redis.addr", "")

	v.SetDefault("lock.backend", string(lock.BackendBolt))
	v.SetDefault("lock.ttl", 30*time.Second)

	v.SetDefault("scheduler.tick_interval", 2*time.Second)
	v.SetDefault("scheduler.session_policy", "fifo")
	v.SetDefault("scheduler.agent_policy", "concentrated")
	v.SetDefault("scheduler.hol_block_threshold", 5)

	v.SetDefault("dispatch.create_timeout", 5*time.Minute)
	v.SetDefault("dispatch.destroy_timeout", time.Minute)
	v.SetDefault("dispatch.interrupt_timeout", 10*time.Second)
	v.SetDefault("dispatch.exec_timeout", 10*time.Minute)
	v.SetDefault("dispatch.concurrency_budget", 4)
	v.SetDefault("dispatch.retry_cooldown", 10*time.Second)
	v.SetDefault("dispatch.max_dispatch_retries", 1)

	v.SetDefault("reconcile.interval", 10*time.Second)
	v.SetDefault("reconcile.agent_lost_after", time.Minute)
	v.SetDefault("reconcile.sweep_after", 24*time.Hour)
	v.SetDefault("reconcile.state_deadlines", map[string]time.Duration{
		"PREPARING":   10 * time.Minute,
		"PULLING":     30 * time.Minute,
		"CREATING":    10 * time.Minute,
		"TERMINATING": 5 * time.Minute,
	})
}

// Load reads the configuration from path (optional) plus HIVE_*
// environment variables, e.g. HIVE_SCHEDULER_SESSION_POLICY=drf.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("HIVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Lock.Backend {
	case lock.BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("lock backend %q requires redis.addr", c.Lock.Backend)
		}
	case lock.BackendBolt, lock.BackendFile:
	default:
		return fmt.Errorf("unknown lock backend %q", c.Lock.Backend)
	}

	if err := validatePolicies(c.Scheduler.SessionPolicy, c.Scheduler.AgentPolicy); err != nil {
		return err
	}
	for group, override := range c.Scheduler.Groups {
		session := override.SessionPolicy
		if session == "" {
			session = c.Scheduler.SessionPolicy
		}
		agent := override.AgentPolicy
		if agent == "" {
			agent = c.Scheduler.AgentPolicy
		}
		if err := validatePolicies(session, agent); err != nil {
			return fmt.Errorf("group %s: %w", group, err)
		}
		for name, slotType := range override.Slots {
			switch slotType {
			case "count", "bytes", "unique":
			default:
				return fmt.Errorf("group %s: slot %s: unknown slot type %q", group, name, slotType)
			}
		}
	}

	if c.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("scheduler.tick_interval must be positive")
	}
	if c.Dispatch.ConcurrencyBudget < 1 {
		return fmt.Errorf("dispatch.concurrency_budget must be at least 1")
	}
	return nil
}

func validatePolicies(session, agent string) error {
	switch session {
	case "fifo", "drf", "priority":
	default:
		return fmt.Errorf("unknown session policy %q", session)
	}
	switch agent {
	case "concentrated", "dispersed", "custom":
	default:
		return fmt.Errorf("unknown agent policy %q", agent)
	}
	return nil
}

// GroupSessionPolicy resolves the session policy for one group.
func (c *Config) GroupSessionPolicy(group string) string {
	if o, ok := c.Scheduler.Groups[group]; ok && o.SessionPolicy != "" {
		return o.SessionPolicy
	}
	return c.Scheduler.SessionPolicy
}

// GroupAgentPolicy resolves the agent policy for one group.
func (c *Config) GroupAgentPolicy(group string) string {
	if o, ok := c.Scheduler.Groups[group]; ok && o.AgentPolicy != "" {
		return o.AgentPolicy
	}
	return c.Scheduler.AgentPolicy
}

// GroupHOLThreshold resolves the head-of-line blocking threshold.
func (c *Config) GroupHOLThreshold(group string) int {
	if o, ok := c.Scheduler.Groups[group]; ok && o.HOLBlockThreshold > 0 {
		return o.HOLBlockThreshold
	}
	return c.Scheduler.HOLBlockThreshold
}

// StateDeadline resolves the stuck-state deadline for a status in a
// group, preferring the group override. Zero means no deadline.
func (c *Config) StateDeadline(group, status string) time.Duration {
	if o, ok := c.Scheduler.Groups[group]; ok {
		if d, ok := o.StateDeadlines[status]; ok {
			return d
		}
	}
	return c.Reconcile.StateDeadlines[status]
}
