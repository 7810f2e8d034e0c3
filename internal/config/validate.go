package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/robfig/cron/v3"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateDatabase(); err != nil {
		return err
	}
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validateAuth(); err != nil {
		return err
	}
	if err := c.validateWorkers(); err != nil {
		return err
	}
	if err := c.validatePoller(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	if err := c.validateTasks(); err != nil {
		return err
	}
	if err := c.validateKinds(); err != nil {
		return err
	}
	return c.validatePipeline()
}

func (c *Config) validateDatabase() error {
	if c.Database.URL == "" {
		return errors.New("database.url is required. Set DATABASE_URL or edit the config file")
	}
	if c.Database.MaxConns < 0 {
		return errors.New("database.max_conns must be non-negative")
	}
	return nil
}

func (c *Config) validateServer() error {
	port, err := strconv.Atoi(c.Server.Port)
	if err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("server.port %q is not a valid port", c.Server.Port)
	}
	return nil
}

func (c *Config) validateAuth() error {
	if c.Auth.TokenTTLHours <= 0 {
		return errors.New("auth.token_ttl_hours must be positive")
	}
	if c.Auth.SignupBonus < 0 {
		return errors.New("auth.signup_bonus must be non-negative")
	}
	return nil
}

func (c *Config) validateWorkers() error {
	if c.Workers.MaxWorkers < 0 {
		return errors.New("workers.max_workers must be non-negative")
	}
	if c.Workers.MaxAttempts <= 0 {
		return errors.New("workers.max_attempts must be positive")
	}
	if c.Workers.JobTimeoutSeconds <= 0 {
		return errors.New("workers.job_timeout_seconds must be positive")
	}
	return nil
}

func (c *Config) validatePoller() error {
	if c.Poller.IntervalSeconds <= 0 {
		return errors.New("poller.interval_seconds must be positive")
	}
	if c.Poller.TimeoutSeconds < c.Poller.IntervalSeconds {
		return errors.New("poller.timeout_seconds must be at least poller.interval_seconds")
	}
	if c.Poller.SweepLimit <= 0 {
		return errors.New("poller.sweep_limit must be positive")
	}
	if _, err := cron.ParseStandard(c.Poller.SweepSchedule); err != nil {
		return fmt.Errorf("poller.sweep_schedule: %w", err)
	}
	if c.Reconcile.Limit <= 0 {
		return errors.New("reconcile.limit must be positive")
	}
	if _, err := cron.ParseStandard(c.Reconcile.Schedule); err != nil {
		return fmt.Errorf("reconcile.schedule: %w", err)
	}
	// A call still inside its timeout must never look stalled.
	if c.Reconcile.StaleAfterSeconds <= c.Workers.JobTimeoutSeconds {
		return errors.New("reconcile.stale_after_seconds must exceed workers.job_timeout_seconds")
	}
	for name, p := range c.Providers {
		if c.Reconcile.StaleAfterSeconds <= p.TimeoutSeconds {
			return fmt.Errorf("reconcile.stale_after_seconds must exceed providers.%s.timeout_seconds", name)
		}
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format %q must be json or text", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q must be debug, info, warn or error", c.Logging.Level)
	}
	return nil
}

func (c *Config) validateTasks() error {
	if c.Tasks.MaxUnits <= 0 {
		return errors.New("tasks.max_units must be positive")
	}
	if c.Tasks.DailyLimit < 0 {
		return errors.New("tasks.daily_limit must be non-negative")
	}
	return nil
}

func (c *Config) validateKinds() error {
	for _, name := range c.KindNames() {
		k := c.Kinds[name]
		if k.Cost <= 0 {
			return fmt.Errorf("kinds.%s.cost must be positive", name)
		}
		if k.Mode != "sync" && k.Mode != "async" {
			return fmt.Errorf("kinds.%s.mode %q must be sync or async", name, k.Mode)
		}
		p, ok := c.Providers[k.Provider]
		if !ok {
			return fmt.Errorf("kinds.%s.provider %q is not defined under [providers]", name, k.Provider)
		}
		if u, err := url.Parse(p.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("providers.%s.base_url %q must be an absolute URL", k.Provider, p.BaseURL)
		}
	}
	return nil
}

func (c *Config) validatePipeline() error {
	seen := make(map[string]bool, len(c.Pipeline.Steps))
	for i, st := range c.Pipeline.Steps {
		if _, ok := c.Kinds[st.Kind]; !ok {
			return fmt.Errorf("pipeline.steps[%d]: unknown kind %q", i, st.Kind)
		}
		if st.Cost <= 0 {
			return fmt.Errorf("pipeline.steps[%d].cost must be positive", i)
		}
		if seen[st.Name] {
			return fmt.Errorf("pipeline.steps[%d]: duplicate step name %q", i, st.Name)
		}
		seen[st.Name] = true
	}
	return nil
}
