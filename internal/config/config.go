// Package config loads node and coordinator configuration from an optional
// YAML file, an optional .env file and the process environment, in that
// order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/sectioning/internal/logging"
	"github.com/dreamware/sectioning/internal/model"
)

// ErrInvalid is returned when configuration values cannot be used.
var ErrInvalid = errors.New("invalid configuration")

// Defaults applied to unset values.
const (
	DefaultNodeListen     = ":8081"
	DefaultNodeAddr       = "http://127.0.0.1:8081"
	DefaultCoordListen    = ":8080"
	DefaultLeaseTTL       = 15 * time.Second
	DefaultSyncInterval   = 5 * time.Second
	DefaultHealthInterval = 5 * time.Second
)

// Config is the complete configuration of a node or coordinator process.
type Config struct {
	Node        NodeConfig                 `yaml:"node"`
	Coordinator CoordinatorConfig          `yaml:"coordinator"`
	Redis       RedisConfig                `yaml:"redis"`
	Cluster     ClusterConfig              `yaml:"cluster"`
	Sync        SyncConfig                 `yaml:"sync"`
	Eligibility Eligibility                `yaml:"eligibility"`
	Sessions    []model.AcademicSession    `yaml:"sessions"`
	Actions     map[string]ActionLockFlags `yaml:"actions"`
	Properties  map[string]string          `yaml:"properties"`
	Log         logging.Config             `yaml:"log"`
}

// NodeConfig identifies this node.
type NodeConfig struct {
	ID         string `yaml:"id"`
	Listen     string `yaml:"listen"`
	PublicAddr string `yaml:"public_addr"`
	// DataDir holds "<session id>.json" snapshots loaded on (re)load.
	DataDir string `yaml:"data_dir"`
}

// CoordinatorConfig locates the coordinator.
type CoordinatorConfig struct {
	Addr           string        `yaml:"addr"`
	Listen         string        `yaml:"listen"`
	HealthInterval time.Duration `yaml:"health_interval"`
}

// RedisConfig points at the shared coordination service. An empty URL
// selects in-process implementations, suitable for a single node.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// ClusterConfig tunes master election.
type ClusterConfig struct {
	LeaseTTL time.Duration `yaml:"lease_ttl"`
}

// SyncConfig tunes the per-session synchronizer.
type SyncConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// Eligibility decides which academic sessions may be loaded. Patterns are
// regular expressions matched against the whole field; empty matches all.
type Eligibility struct {
	Year              string `yaml:"year"`
	Term              string `yaml:"term"`
	Campus            string `yaml:"campus"`
	AllowTestSessions bool   `yaml:"allow_test_sessions"`
}

// ActionLockFlags are the per-action lock switches. Unset flags default to true.
type ActionLockFlags struct {
	LockStudents           *bool `yaml:"lock_students"`
	LockOfferings          *bool `yaml:"lock_offerings"`
	ExcludeLockedOfferings *bool `yaml:"exclude_locked_offerings"`
}

// Load reads path (if non-empty), then .env, then the environment.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: error parsing YAML: %v", ErrInvalid, err)
		}
	}

	// A missing .env is the normal case.
	_ = godotenv.Load()

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Node.ID = getenv("NODE_ID", c.Node.ID)
	c.Node.Listen = getenv("NODE_LISTEN", c.Node.Listen)
	c.Node.PublicAddr = getenv("NODE_ADDR", c.Node.PublicAddr)
	c.Node.DataDir = getenv("DATA_DIR", c.Node.DataDir)
	c.Coordinator.Addr = getenv("COORDINATOR_ADDR", c.Coordinator.Addr)
	c.Coordinator.Listen = getenv("COORDINATOR_LISTEN", c.Coordinator.Listen)
	c.Redis.URL = getenv("REDIS_URL", c.Redis.URL)
	c.Eligibility.Year = getenv("ELIGIBLE_YEAR", c.Eligibility.Year)
	c.Eligibility.Term = getenv("ELIGIBLE_TERM", c.Eligibility.Term)
	c.Eligibility.Campus = getenv("ELIGIBLE_CAMPUS", c.Eligibility.Campus)
	c.Log.Level = getenv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getenv("LOG_FORMAT", c.Log.Format)

	for name, dst := range map[string]*time.Duration{
		"LEASE_TTL":       &c.Cluster.LeaseTTL,
		"SYNC_INTERVAL":   &c.Sync.Interval,
		"HEALTH_INTERVAL": &c.Coordinator.HealthInterval,
	} {
		if v := os.Getenv(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%w: %s=%q: %v", ErrInvalid, name, v, err)
			}
			*dst = d
		}
	}
	if v := os.Getenv("ALLOW_TEST_SESSIONS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: ALLOW_TEST_SESSIONS=%q", ErrInvalid, v)
		}
		c.Eligibility.AllowTestSessions = b
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Node.ID == "" {
		c.Node.ID = "node-" + uuid.NewString()[:8]
	}
	if c.Node.Listen == "" {
		c.Node.Listen = DefaultNodeListen
	}
	if c.Node.PublicAddr == "" {
		c.Node.PublicAddr = DefaultNodeAddr
	}
	if c.Coordinator.Listen == "" {
		c.Coordinator.Listen = DefaultCoordListen
	}
	if c.Coordinator.HealthInterval == 0 {
		c.Coordinator.HealthInterval = DefaultHealthInterval
	}
	if c.Cluster.LeaseTTL == 0 {
		c.Cluster.LeaseTTL = DefaultLeaseTTL
	}
	if c.Sync.Interval == 0 {
		c.Sync.Interval = DefaultSyncInterval
	}
}

// Validate checks values that have no safe fallback.
func (c *Config) Validate() error {
	if c.Cluster.LeaseTTL < 0 || c.Sync.Interval < 0 || c.Coordinator.HealthInterval < 0 {
		return fmt.Errorf("%w: durations must not be negative", ErrInvalid)
	}
	if c.Cluster.LeaseTTL > 0 && c.Cluster.LeaseTTL < 3*time.Millisecond {
		return fmt.Errorf("%w: lease ttl %v too short", ErrInvalid, c.Cluster.LeaseTTL)
	}
	return nil
}

// LockProperties flattens the action table into "<action>.<Flag>" keys and
// overlays the raw properties, which take precedence.
func (c *Config) LockProperties() map[string]string {
	out := make(map[string]string)
	for action, flags := range c.Actions {
		for name, v := range map[string]*bool{
			"LockStudents":           flags.LockStudents,
			"LockOfferings":          flags.LockOfferings,
			"ExcludeLockedOfferings": flags.ExcludeLockedOfferings,
		} {
			if v != nil {
				out[action+"."+name] = strconv.FormatBool(*v)
			}
		}
	}
	for k, v := range c.Properties {
		out[k] = v
	}
	return out
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
