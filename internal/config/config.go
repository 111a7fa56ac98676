package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mirrordesk/copy-engine/internal/adapters"
	"github.com/mirrordesk/copy-engine/internal/engine"
	"github.com/mirrordesk/copy-engine/internal/observ"
)

type StoreConfig struct {
	Driver string `yaml:"driver"` // "sqlite" | "memory"
	Path   string `yaml:"path"`
}

type QuotesConfig struct {
	Provider string                    `yaml:"provider"` // "http" | "mock"
	HTTP     adapters.HTTPQuotesConfig `yaml:"http"`
}

type GroupsConfig struct {
	TTLSeconds int                 `yaml:"ttl_seconds"`
	Static     map[string][]string `yaml:"static"` // fixture membership for replay runs
}

type OutboxConfig struct {
	Path string `yaml:"path"`
}

type SellRetryConfig struct {
	MaxAttempts   int `yaml:"max_attempts"`
	BackoffBaseMs int `yaml:"backoff_base_ms"`
	BackoffMaxMs  int `yaml:"backoff_max_ms"`
}

type Root struct {
	Engine    engine.Config    `yaml:"engine"`
	Store     StoreConfig      `yaml:"store"`
	Quotes    QuotesConfig     `yaml:"quotes"`
	Groups    GroupsConfig     `yaml:"groups"`
	Outbox    OutboxConfig     `yaml:"outbox"`
	SellRetry SellRetryConfig  `yaml:"sell_retry"`
	Log       observ.LogConfig `yaml:"log"`

	// SpendWindowHours sizes the rolling spend ledger window.
	SpendWindowHours int `yaml:"spend_window_hours"`

	// MetricsAddr serves the metrics snapshot when non-empty, e.g. ":8091".
	MetricsAddr string `yaml:"metrics_addr"`
}

func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("parse %s: %w", path, err)
	}
	c.applyDefaults()
	return c, nil
}

func (c *Root) applyDefaults() {
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Store.Path == "" {
		c.Store.Path = "data/rules.db"
	}
	if c.Quotes.Provider == "" {
		c.Quotes.Provider = "mock"
	}
	if c.Groups.TTLSeconds <= 0 {
		c.Groups.TTLSeconds = 30
	}
	if c.Outbox.Path == "" {
		c.Outbox.Path = "data/outbox.jsonl"
	}
	if c.SellRetry.MaxAttempts <= 0 {
		c.SellRetry.MaxAttempts = 5
	}
	if c.SellRetry.BackoffBaseMs <= 0 {
		c.SellRetry.BackoffBaseMs = 250
	}
	if c.SellRetry.BackoffMaxMs <= 0 {
		c.SellRetry.BackoffMaxMs = 10_000
	}
	if c.SpendWindowHours <= 0 {
		c.SpendWindowHours = 24
	}
}
