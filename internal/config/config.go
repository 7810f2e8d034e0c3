package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Database contains PostgreSQL connection settings.
type Database struct {
	URL      string `toml:"url"`
	MaxConns int    `toml:"max_conns"`
}

// Server contains HTTP listener and CORS settings.
type Server struct {
	Port           string   `toml:"port"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

// Auth contains token signing and account bootstrap settings.
type Auth struct {
	JWTSecret     string   `toml:"jwt_secret"`
	TokenTTLHours int      `toml:"token_ttl_hours"`
	SignupBonus   int64    `toml:"signup_bonus"`
	AdminEmails   []string `toml:"admin_emails"`
}

// Workers contains River worker settings.
type Workers struct {
	MaxWorkers        int `toml:"max_workers"`
	MaxAttempts       int `toml:"max_attempts"`
	JobTimeoutSeconds int `toml:"job_timeout_seconds"`
}

// Poller contains async operation polling settings.
type Poller struct {
	IntervalSeconds int    `toml:"interval_seconds"`
	TimeoutSeconds  int    `toml:"timeout_seconds"`
	SweepSchedule   string `toml:"sweep_schedule"`
	SweepLimit      int    `toml:"sweep_limit"`
}

// Reconcile contains the deferred refund sweep settings. Work left running
// longer than StaleAfterSeconds without an operation is failed and refunded
// by the same sweep.
type Reconcile struct {
	Schedule          string `toml:"schedule"`
	Limit             int    `toml:"limit"`
	StaleAfterSeconds int    `toml:"stale_after_seconds"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Tasks contains fan-out limits.
type Tasks struct {
	MaxUnits   int   `toml:"max_units"`
	DailyLimit int64 `toml:"daily_limit"`
}

// Schemas points at the per-kind JSON schema documents.
type Schemas struct {
	Dir string `toml:"dir"`
}

// Kind is one row of the unit cost table.
type Kind struct {
	Cost     int64  `toml:"cost"`
	Mode     string `toml:"mode"`
	Provider string `toml:"provider"`
}

// Provider is an HTTP endpoint that executes one or more kinds.
type Provider struct {
	BaseURL        string `toml:"base_url"`
	APIKey         string `toml:"api_key"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Step is one entry of the ordered project pipeline. A zero Cost means the
// kind's unit cost.
type Step struct {
	Name string `toml:"name"`
	Kind string `toml:"kind"`
	Cost int64  `toml:"cost"`
}

// Pipeline lists the project steps in execution order.
type Pipeline struct {
	Steps []Step `toml:"steps"`
}

// Config encapsulates all configuration values for pointsmith.
//
// Configuration sections by subsystem:
//   - Database: PostgreSQL URL and pool size
//   - Server: HTTP port and allowed CORS origins
//   - Auth: JWT signing, token lifetime, signup bonus, admin emails
//   - Workers: River concurrency, retry attempts and job timeout
//   - Poller: operation poll interval, deadline and sweep schedule
//   - Reconcile: deferred refund sweep schedule and stall threshold
//   - Logging: log format and level
//   - Tasks: fan-out unit cap and daily spend limit
//   - Schemas: directory of per-kind JSON schemas
//   - Kinds: unit cost, execution mode and provider per kind
//   - Providers: provider endpoints
//   - Pipeline: ordered project steps
type Config struct {
	Database  Database            `toml:"database"`
	Server    Server              `toml:"server"`
	Auth      Auth                `toml:"auth"`
	Workers   Workers             `toml:"workers"`
	Poller    Poller              `toml:"poller"`
	Reconcile Reconcile           `toml:"reconcile"`
	Logging   Logging             `toml:"logging"`
	Tasks     Tasks               `toml:"tasks"`
	Schemas   Schemas             `toml:"schemas"`
	Kinds     map[string]Kind     `toml:"kinds"`
	Providers map[string]Provider `toml:"providers"`
	Pipeline  Pipeline            `toml:"pipeline"`
}

// Load locates, parses, and validates a configuration file. A missing file is
// not an error: defaults and environment overrides apply.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		// Tables replace the defaults wholesale rather than merging into them.
		cfg.Kinds = nil
		cfg.Providers = nil
		cfg.Pipeline.Steps = nil

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path == "" {
		path = os.Getenv("POINTSMITH_CONFIG")
	}
	if path == "" {
		path = "pointsmith.toml"
	}
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", false, fmt.Errorf("resolve config path %q: %w", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return abs, false, nil
		}
		return "", false, fmt.Errorf("stat config: %w", err)
	}
	if info.IsDir() {
		return "", false, fmt.Errorf("config path %q is a directory", abs)
	}
	return abs, true, nil
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// UnitCosts returns the kind -> cost table.
func (c *Config) UnitCosts() map[string]int64 {
	costs := make(map[string]int64, len(c.Kinds))
	for name, k := range c.Kinds {
		costs[name] = k.Cost
	}
	return costs
}

// KindNames returns the configured kinds in sorted order.
func (c *Config) KindNames() []string {
	names := make([]string, 0, len(c.Kinds))
	for name := range c.Kinds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.Auth.TokenTTLHours) * time.Hour
}

func (c *Config) JobTimeout() time.Duration {
	return time.Duration(c.Workers.JobTimeoutSeconds) * time.Second
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Poller.IntervalSeconds) * time.Second
}

func (c *Config) PollTimeout() time.Duration {
	return time.Duration(c.Poller.TimeoutSeconds) * time.Second
}

func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.Reconcile.StaleAfterSeconds) * time.Second
}

// ProviderTimeout returns the request timeout for the named provider.
func (c *Config) ProviderTimeout(name string) time.Duration {
	return time.Duration(c.Providers[name].TimeoutSeconds) * time.Second
}
