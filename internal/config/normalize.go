package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	c.normalizeEnv()
	c.normalizeLogging()
	c.normalizeAuth()
	if err := c.normalizeKinds(); err != nil {
		return err
	}
	c.normalizeProviders()
	c.normalizePipeline()
	return nil
}

// normalizeEnv applies the deployment environment. Set variables win over the
// file so containers can be configured without one.
func (c *Config) normalizeEnv() {
	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		c.Database.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("PORT")); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("SCHEMA_DIR")); v != "" {
		c.Schemas.Dir = v
	}
	c.Database.URL = strings.TrimSpace(c.Database.URL)
	c.Server.Port = strings.TrimPrefix(strings.TrimSpace(c.Server.Port), ":")
	if c.Server.Port == "" {
		c.Server.Port = defaultPort
	}
	if strings.TrimSpace(c.Schemas.Dir) == "" {
		c.Schemas.Dir = defaultSchemaDir
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	if c.Logging.Format == "console" {
		c.Logging.Format = "text"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

func (c *Config) normalizeAuth() {
	if c.Auth.JWTSecret == "" {
		c.Auth.JWTSecret = defaultJWTSecret
	}
	emails := c.Auth.AdminEmails[:0]
	for _, e := range c.Auth.AdminEmails {
		if e = strings.ToLower(strings.TrimSpace(e)); e != "" {
			emails = append(emails, e)
		}
	}
	c.Auth.AdminEmails = emails
}

func (c *Config) normalizeKinds() error {
	if len(c.Kinds) == 0 {
		c.Kinds = Default().Kinds
	}
	kinds := make(map[string]Kind, len(c.Kinds))
	for name, k := range c.Kinds {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" {
			return fmt.Errorf("kinds: empty kind name")
		}
		if _, dup := kinds[key]; dup {
			return fmt.Errorf("kinds.%s: defined more than once", key)
		}
		k.Mode = strings.ToLower(strings.TrimSpace(k.Mode))
		if k.Mode == "" {
			k.Mode = "sync"
		}
		k.Provider = strings.TrimSpace(k.Provider)
		if k.Provider == "" {
			k.Provider = defaultProviderName
		}
		kinds[key] = k
	}
	c.Kinds = kinds
	return nil
}

func (c *Config) normalizeProviders() {
	if len(c.Providers) == 0 {
		c.Providers = Default().Providers
	}
	for name, p := range c.Providers {
		p.BaseURL = strings.TrimRight(strings.TrimSpace(p.BaseURL), "/")
		if p.TimeoutSeconds <= 0 {
			p.TimeoutSeconds = defaultProviderTimeout
		}
		c.Providers[name] = p
	}
}

func (c *Config) normalizePipeline() {
	if len(c.Pipeline.Steps) == 0 {
		c.Pipeline.Steps = Default().Pipeline.Steps
	}
	for i := range c.Pipeline.Steps {
		st := &c.Pipeline.Steps[i]
		st.Name = strings.TrimSpace(st.Name)
		st.Kind = strings.ToLower(strings.TrimSpace(st.Kind))
		if st.Name == "" {
			st.Name = st.Kind
		}
		if k, ok := c.Kinds[st.Kind]; ok && st.Cost == 0 {
			st.Cost = k.Cost
		}
	}
}
