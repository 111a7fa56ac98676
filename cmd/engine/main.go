package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mirrordesk/copy-engine/internal/adapters"
	"github.com/mirrordesk/copy-engine/internal/config"
	"github.com/mirrordesk/copy-engine/internal/engine"
	"github.com/mirrordesk/copy-engine/internal/feed"
	"github.com/mirrordesk/copy-engine/internal/observ"
	"github.com/mirrordesk/copy-engine/internal/outbox"
	"github.com/mirrordesk/copy-engine/internal/planner"
	"github.com/mirrordesk/copy-engine/internal/position"
	"github.com/mirrordesk/copy-engine/internal/risk"
	"github.com/mirrordesk/copy-engine/internal/rules"
)

func main() {
	_ = godotenv.Load()

	var (
		cfgPath     = flag.String("config", "config/engine.yaml", "path to engine config")
		fixturePath = flag.String("signals", "", "optional JSONL signal fixture to replay at startup")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	observ.InitLogging(cfg.Log)

	store, err := openStore(cfg.Store)
	if err != nil {
		log.Fatalf("open rule store: %v", err)
	}
	defer store.Close()

	quotes, err := openQuotes(cfg.Quotes)
	if err != nil {
		log.Fatalf("open quotes adapter: %v", err)
	}
	defer quotes.Close()

	journal, err := outbox.New(cfg.Outbox.Path)
	if err != nil {
		log.Fatalf("open outbox: %v", err)
	}

	groups := adapters.NewCachedGroupResolver(
		adapters.NewStaticGroupResolver(cfg.Groups.Static),
		time.Duration(cfg.Groups.TTLSeconds)*time.Second,
	)

	// The execution layer is an external collaborator; the mock stands in
	// until a custody integration is wired.
	executor := adapters.NewMockExecutor()

	ledger := risk.NewSpendLedger(time.Duration(cfg.SpendWindowHours) * time.Hour)
	positions := position.NewManager(executor, quotes, journal, position.RetryConfig{
		MaxAttempts: cfg.SellRetry.MaxAttempts,
		BackoffBase: time.Duration(cfg.SellRetry.BackoffBaseMs) * time.Millisecond,
		BackoffMax:  time.Duration(cfg.SellRetry.BackoffMaxMs) * time.Millisecond,
	})

	eng := engine.New(cfg.Engine, engine.Deps{
		Store:     store,
		Groups:    groups,
		Enforcer:  risk.NewEnforcer(ledger),
		Planner:   planner.New(quotes),
		Positions: positions,
		Executor:  executor,
		Journal:   journal,
	})

	svc := rules.NewService(store)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	svc.OnDeleted(func(ruleID string) { eng.OnRuleDeleted(ctx, ruleID) })

	eng.Start(ctx)

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", observ.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				observ.Error("metrics_server_failed", err, nil)
			}
		}()
	}

	if *fixturePath != "" {
		signals := make(chan feed.TradeSignal, 64)
		go func() {
			if err := feed.NewReplaySource(*fixturePath).Run(ctx, signals); err != nil {
				observ.Error("replay_failed", err, map[string]any{"path": *fixturePath})
			}
		}()
		for sig := range signals {
			eng.Process(ctx, sig)
		}
	}

	observ.Log("engine_started", map[string]any{
		"shards": cfg.Engine.Shards, "store": cfg.Store.Driver,
	})
	<-ctx.Done()
	eng.Wait()
}

func openStore(cfg config.StoreConfig) (rules.Store, error) {
	if cfg.Driver == "memory" {
		return rules.NewMemStore(), nil
	}
	return rules.OpenSQLStore(cfg.Path)
}

func openQuotes(cfg config.QuotesConfig) (adapters.QuotesAdapter, error) {
	if cfg.Provider == "http" {
		return adapters.NewHTTPQuotesAdapter(cfg.HTTP)
	}
	return adapters.NewMockQuotesAdapter(), nil
}
