package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	if err := os.WriteFile(path, []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Store.Driver != "sqlite" || c.Store.Path != "data/rules.db" {
		t.Fatalf("store defaults: %+v", c.Store)
	}
	if c.Quotes.Provider != "mock" {
		t.Fatalf("quotes provider = %q", c.Quotes.Provider)
	}
	if c.SellRetry.MaxAttempts != 5 || c.SellRetry.BackoffBaseMs != 250 {
		t.Fatalf("sell retry defaults: %+v", c.SellRetry)
	}
	if c.SpendWindowHours != 24 {
		t.Fatalf("spend window = %d", c.SpendWindowHours)
	}
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	doc := `
engine:
  shards: 8
  rearm: cooldown
  rearm_cooldown_sec: 120
store:
  driver: memory
quotes:
  provider: http
  http:
    base_url: "https://quotes.example.com"
    rate_limit_per_minute: 120
groups:
  ttl_seconds: 10
  static:
    whales: ["W1", "W2"]
spend_window_hours: 12
metrics_addr: ":8091"
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Engine.Shards != 8 || string(c.Engine.Rearm) != "cooldown" {
		t.Fatalf("engine: %+v", c.Engine)
	}
	if c.Store.Driver != "memory" {
		t.Fatalf("store driver = %q", c.Store.Driver)
	}
	if c.Quotes.Provider != "http" || c.Quotes.HTTP.BaseURL != "https://quotes.example.com" {
		t.Fatalf("quotes: %+v", c.Quotes)
	}
	if len(c.Groups.Static["whales"]) != 2 || c.Groups.TTLSeconds != 10 {
		t.Fatalf("groups: %+v", c.Groups)
	}
	if c.SpendWindowHours != 12 || c.MetricsAddr != ":8091" {
		t.Fatalf("root: window=%d metrics=%q", c.SpendWindowHours, c.MetricsAddr)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/no/such/engine.yaml"); err == nil {
		t.Fatal("missing config accepted")
	}
}
