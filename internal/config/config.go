package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	Server     ServerConfig     `toml:"server"`
	Scheduler  SchedulerConfig  `toml:"scheduler"`
	Engine     EngineConfig     `toml:"engine"`
	Approval   ApprovalConfig   `toml:"approval"`
	Checkpoint CheckpointConfig `toml:"checkpoint"`
}

type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

type SchedulerConfig struct {
	// MaxAdmitted bounds how many tasks run concurrently system-wide.
	MaxAdmitted    int `toml:"max_admitted"`
	QueueCapacity  int `toml:"queue_capacity"`
	PollIntervalMS int `toml:"poll_interval_ms"`
}

type EngineConfig struct {
	PollIntervalMS int `toml:"poll_interval_ms"`
	// InFlightLimit is the default per-task concurrent step bound. 1 keeps
	// step dispatch serial in declared order.
	InFlightLimit int `toml:"in_flight_limit"`
	// ToolRetries is the retry budget for idempotent tools.
	ToolRetries    int    `toml:"tool_retries"`
	RetryBackoffMS int    `toml:"retry_backoff_ms"`
	ToolTimeoutSec int    `toml:"tool_timeout_sec"`
	WorkspaceRoot  string `toml:"workspace_root"`
}

type ApprovalConfig struct {
	// TTL per sensitivity class, in seconds. Steps fall back to "default".
	TTLSec          map[string]int `toml:"ttl_sec"`
	SweepIntervalMS int            `toml:"sweep_interval_ms"`
}

type CheckpointConfig struct {
	// RetentionSec is how long after task completion rollback stays available.
	RetentionSec    int `toml:"retention_sec"`
	SweepIntervalMS int `toml:"sweep_interval_ms"`
}

func Default() Config {
	return Config{
		Server:    ServerConfig{Host: "127.0.0.1", Port: 8791},
		Scheduler: SchedulerConfig{MaxAdmitted: 3, QueueCapacity: 64, PollIntervalMS: 100},
		Engine: EngineConfig{
			PollIntervalMS: 100,
			InFlightLimit:  1,
			ToolRetries:    2,
			RetryBackoffMS: 200,
			ToolTimeoutSec: 120,
			WorkspaceRoot:  ".",
		},
		Approval:   ApprovalConfig{TTLSec: map[string]int{"default": 300}, SweepIntervalMS: 500},
		Checkpoint: CheckpointConfig{RetentionSec: 300, SweepIntervalMS: 1000},
	}
}

var ErrInvalid = errors.New("invalid config")

type LoadResult struct {
	Config     Config
	Found      bool
	Path       string
	ParseError error
}

// Load reads .gantry/config.toml under root, merging over defaults. A missing
// file is not an error; a malformed one is reported via ParseError with the
// defaults kept intact.
func Load(root string) LoadResult {
	res := LoadResult{Config: Default()}
	path := filepath.Join(root, ".gantry", "config.toml")
	res.Path = path

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return res
		}
		res.ParseError = err
		return res
	}

	res.Found = true
	var parsed Config
	if err := toml.Unmarshal(b, &parsed); err != nil {
		res.ParseError = fmt.Errorf("%w: %v", ErrInvalid, err)
		return res
	}

	res.Config = merge(Default(), parsed)
	return res
}

func merge(def Config, cfg Config) Config {
	if cfg.Server.Host != "" {
		def.Server.Host = cfg.Server.Host
	}
	if cfg.Server.Port != 0 {
		def.Server.Port = cfg.Server.Port
	}
	if cfg.Scheduler.MaxAdmitted != 0 {
		def.Scheduler.MaxAdmitted = cfg.Scheduler.MaxAdmitted
	}
	if cfg.Scheduler.QueueCapacity != 0 {
		def.Scheduler.QueueCapacity = cfg.Scheduler.QueueCapacity
	}
	if cfg.Scheduler.PollIntervalMS != 0 {
		def.Scheduler.PollIntervalMS = cfg.Scheduler.PollIntervalMS
	}
	if cfg.Engine.PollIntervalMS != 0 {
		def.Engine.PollIntervalMS = cfg.Engine.PollIntervalMS
	}
	if cfg.Engine.InFlightLimit != 0 {
		def.Engine.InFlightLimit = cfg.Engine.InFlightLimit
	}
	if cfg.Engine.ToolRetries != 0 {
		def.Engine.ToolRetries = cfg.Engine.ToolRetries
	}
	if cfg.Engine.RetryBackoffMS != 0 {
		def.Engine.RetryBackoffMS = cfg.Engine.RetryBackoffMS
	}
	if cfg.Engine.ToolTimeoutSec != 0 {
		def.Engine.ToolTimeoutSec = cfg.Engine.ToolTimeoutSec
	}
	if cfg.Engine.WorkspaceRoot != "" {
		def.Engine.WorkspaceRoot = cfg.Engine.WorkspaceRoot
	}
	if len(cfg.Approval.TTLSec) != 0 {
		for k, v := range cfg.Approval.TTLSec {
			def.Approval.TTLSec[k] = v
		}
	}
	if cfg.Approval.SweepIntervalMS != 0 {
		def.Approval.SweepIntervalMS = cfg.Approval.SweepIntervalMS
	}
	if cfg.Checkpoint.RetentionSec != 0 {
		def.Checkpoint.RetentionSec = cfg.Checkpoint.RetentionSec
	}
	if cfg.Checkpoint.SweepIntervalMS != 0 {
		def.Checkpoint.SweepIntervalMS = cfg.Checkpoint.SweepIntervalMS
	}
	return def
}

// ApprovalTTLSec returns the TTL for a sensitivity class, falling back to the
// "default" class.
func (c Config) ApprovalTTLSec(class string) int {
	if v, ok := c.Approval.TTLSec[class]; ok && v > 0 {
		return v
	}
	if v, ok := c.Approval.TTLSec["default"]; ok && v > 0 {
		return v
	}
	return 300
}
