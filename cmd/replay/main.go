package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/mirrordesk/copy-engine/internal/adapters"
	"github.com/mirrordesk/copy-engine/internal/engine"
	"github.com/mirrordesk/copy-engine/internal/feed"
	"github.com/mirrordesk/copy-engine/internal/outbox"
	"github.com/mirrordesk/copy-engine/internal/planner"
	"github.com/mirrordesk/copy-engine/internal/position"
	"github.com/mirrordesk/copy-engine/internal/risk"
	"github.com/mirrordesk/copy-engine/internal/rules"
)

// replay runs a rules + groups + signals fixture through the engine with
// mock collaborators and prints what fired, what was rejected and what the
// executor saw. Useful for what-if runs against captured feeds.

type rulesFile struct {
	Rules []rules.Rule `json:"rules"`
}

type groupsFile struct {
	Groups map[string][]string `json:"groups"`
}

func mustRead(path string, v any) {
	b, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("read %s: %v", path, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		log.Fatalf("json %s: %v", path, err)
	}
}

func main() {
	log.SetFlags(0)
	var (
		rulesPath   = flag.String("rules", "fixtures/rules.json", "rules fixture")
		groupsPath  = flag.String("groups", "fixtures/groups.json", "group membership fixture")
		signalsPath = flag.String("signals", "fixtures/signals.jsonl", "signal fixture (JSONL)")
		outboxPath  = flag.String("outbox", "data/replay-outbox.jsonl", "journal output")
	)
	flag.Parse()

	var rf rulesFile
	mustRead(*rulesPath, &rf)
	var gf groupsFile
	mustRead(*groupsPath, &gf)

	ctx := context.Background()
	store := rules.NewMemStore()
	svc := rules.NewService(store)
	for _, r := range rf.Rules {
		created, err := svc.Create(ctx, r.Owner, r)
		if err != nil {
			log.Fatalf("rule %s: %v", r.ID, err)
		}
		fmt.Printf("loaded rule %s (%s, window %ds)\n",
			created.ID, created.Condition.Mode, created.Condition.TimeWindowSec)
	}

	journal, err := outbox.New(*outboxPath)
	if err != nil {
		log.Fatalf("open outbox: %v", err)
	}

	quotes := adapters.NewMockQuotesAdapter()
	executor := adapters.NewMockExecutor()
	ledger := risk.NewSpendLedger(24 * time.Hour)
	positions := position.NewManager(executor, quotes, journal, position.RetryConfig{})

	eng := engine.New(engine.Config{}, engine.Deps{
		Store:     store,
		Groups:    adapters.NewStaticGroupResolver(gf.Groups),
		Enforcer:  risk.NewEnforcer(ledger),
		Planner:   planner.New(quotes),
		Positions: positions,
		Executor:  executor,
		Journal:   journal,
	})

	signals := make(chan feed.TradeSignal, 64)
	go func() {
		if err := feed.NewReplaySource(*signalsPath).Run(ctx, signals); err != nil {
			log.Fatalf("replay signals: %v", err)
		}
	}()

	n := 0
	for sig := range signals {
		eng.Process(ctx, sig)
		n++
	}

	fmt.Printf("processed %d signals: %d buys dispatched, %d sells dispatched, %d positions open\n",
		n, executor.BuyCount(), executor.SellCount(), positions.OpenCount())
	fmt.Printf("journal written to %s\n", *outboxPath)
}
