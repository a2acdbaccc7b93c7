// Package config provides YAML configuration loading and validation for the
// router. Configuration is loaded once at startup and passed by reference to
// the components that need it; there is no global instance.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"zapflow/pkg/proto"
)

// Config is the root configuration document.
type Config struct {
	Store      StoreConfig      `yaml:"store"`
	HTTP       HTTPConfig       `yaml:"http"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Resilience ResilienceConfig `yaml:"resilience"`
	EventLog   EventLogConfig   `yaml:"eventlog"`
	Tenants    []TenantConfig   `yaml:"tenants"`
}

// StoreConfig locates the SQLite database file.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// HTTPConfig configures the operator web API.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// EventLogConfig configures the JSONL event log.
type EventLogConfig struct {
	Dir string `yaml:"dir"`
}

// DispatcherConfig holds the worker pool and retry knobs. Both the worker
// bound and the rate limit protect the reply-generation capability and the
// transport from overload; they are configuration, not hidden constants.
type DispatcherConfig struct {
	Workers          int      `yaml:"workers"`
	RatePerSecond    float64  `yaml:"rate_per_second"`
	RetryAttempts    int      `yaml:"retry_attempts"`
	GenerateTimeout  Duration `yaml:"generate_timeout"`
	SendTimeout      Duration `yaml:"send_timeout"`
	PollInterval     Duration `yaml:"poll_interval"`
	HandoffThreshold int      `yaml:"handoff_threshold"`
}

// ResilienceConfig holds the reconnect backoff parameters.
type ResilienceConfig struct {
	BaseDelay   Duration `yaml:"base_delay"`
	Multiplier  float64  `yaml:"multiplier"`
	MaxDelay    Duration `yaml:"max_delay"`
	MaxAttempts int      `yaml:"max_attempts"`
}

// TenantConfig describes one business account: which contacts are authorized
// owners and where escalation notices are delivered.
type TenantConfig struct {
	ID                string   `yaml:"id"`
	Instances         []string `yaml:"instances"`
	OwnerContacts     []string `yaml:"owner_contacts"`
	EscalationContact string   `yaml:"escalation_contact"`
}

// Default returns a Config populated with the documented defaults.
func Default() *Config {
	return &Config{
		Store:    StoreConfig{Path: "zapflow.db"},
		HTTP:     HTTPConfig{Addr: ":8089"},
		EventLog: EventLogConfig{Dir: "logs"},
		Dispatcher: DispatcherConfig{
			Workers:          5,
			RatePerSecond:    10,
			RetryAttempts:    3,
			GenerateTimeout:  Duration(30 * time.Second),
			SendTimeout:      Duration(15 * time.Second),
			PollInterval:     Duration(250 * time.Millisecond),
			HandoffThreshold: 3,
		},
		Resilience: ResilienceConfig{
			BaseDelay:   Duration(5 * time.Second),
			Multiplier:  1.5,
			MaxDelay:    Duration(60 * time.Second),
			MaxAttempts: 10,
		},
	}
}

// Load reads, parses, and validates the YAML config at path. Missing knobs
// fall back to defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config %s: %w", path, err)
	}
	return cfg, nil
}

// applyDefaults restores defaults for zero-valued knobs so a partial YAML
// document still yields a runnable configuration.
func (c *Config) applyDefaults() {
	def := Default()
	if c.Dispatcher.Workers <= 0 {
		c.Dispatcher.Workers = def.Dispatcher.Workers
	}
	if c.Dispatcher.RatePerSecond <= 0 {
		c.Dispatcher.RatePerSecond = def.Dispatcher.RatePerSecond
	}
	if c.Dispatcher.RetryAttempts <= 0 {
		c.Dispatcher.RetryAttempts = def.Dispatcher.RetryAttempts
	}
	if c.Dispatcher.GenerateTimeout <= 0 {
		c.Dispatcher.GenerateTimeout = def.Dispatcher.GenerateTimeout
	}
	if c.Dispatcher.SendTimeout <= 0 {
		c.Dispatcher.SendTimeout = def.Dispatcher.SendTimeout
	}
	if c.Dispatcher.PollInterval <= 0 {
		c.Dispatcher.PollInterval = def.Dispatcher.PollInterval
	}
	if c.Dispatcher.HandoffThreshold <= 0 {
		c.Dispatcher.HandoffThreshold = def.Dispatcher.HandoffThreshold
	}
	if c.Resilience.BaseDelay <= 0 {
		c.Resilience.BaseDelay = def.Resilience.BaseDelay
	}
	if c.Resilience.Multiplier <= 1 {
		c.Resilience.Multiplier = def.Resilience.Multiplier
	}
	if c.Resilience.MaxDelay <= 0 {
		c.Resilience.MaxDelay = def.Resilience.MaxDelay
	}
	if c.Resilience.MaxAttempts <= 0 {
		c.Resilience.MaxAttempts = def.Resilience.MaxAttempts
	}
	if c.Store.Path == "" {
		c.Store.Path = def.Store.Path
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = def.HTTP.Addr
	}
	if c.EventLog.Dir == "" {
		c.EventLog.Dir = def.EventLog.Dir
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Tenants))
	for i := range c.Tenants {
		t := &c.Tenants[i]
		if t.ID == "" {
			return fmt.Errorf("tenant %d: missing id", i)
		}
		if seen[t.ID] {
			return fmt.Errorf("tenant %s: duplicate id", t.ID)
		}
		seen[t.ID] = true
		if t.EscalationContact == "" {
			return fmt.Errorf("tenant %s: missing escalation_contact", t.ID)
		}
	}
	if c.Resilience.MaxDelay < c.Resilience.BaseDelay {
		return fmt.Errorf("resilience: max_delay %v below base_delay %v",
			c.Resilience.MaxDelay, c.Resilience.BaseDelay)
	}
	return nil
}

// Tenant returns the tenant config for id, or nil if unknown.
func (c *Config) Tenant(id string) *TenantConfig {
	for i := range c.Tenants {
		if c.Tenants[i].ID == id {
			return &c.Tenants[i]
		}
	}
	return nil
}

// IsOwner reports whether contact is in the tenant's authorized-owner
// registry. This is a pure lookup with no side effect.
func (c *Config) IsOwner(tenantID, contact string) bool {
	t := c.Tenant(tenantID)
	if t == nil {
		return false
	}
	for _, owner := range t.OwnerContacts {
		if proto.CanonicalContact(owner) == contact {
			return true
		}
	}
	return false
}

// EscalationContact returns the transport address escalation notices for
// tenantID are delivered to.
func (c *Config) EscalationContact(tenantID string) string {
	if t := c.Tenant(tenantID); t != nil {
		return t.EscalationContact
	}
	return ""
}
