package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/binee108/webserver-sub003/internal/symbols"
	"github.com/binee108/webserver-sub003/pkg/db"
)

const sampleYAML = `
accounts:
  - name: binance-main
    exchange: binance
    market_type: FUTURES
    active: true
  - name: upbit-spot
    exchange: upbit
    market_type: SPOT
    active: false

strategies:
  - group_name: trend-1
    webhook_token: tok-abc
    active: true
    public: true
    bindings:
      - account: binance-main
        weight: 1.0
        leverage: 3
        active: true
        subscriber_token: sub-1

markets:
  - exchange: binance
    symbol: BTC/USDT
    market_type: FUTURES
    min_qty: 0.001
    step_size: 0.001
    tick_size: 0.1
    min_notional: 5
    price_precision: 1
    amount_precision: 3
`

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "strategies.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAndSeed(t *testing.T) {
	f, err := Load(writeFile(t, sampleYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(f.Accounts) != 2 || len(f.Strategies) != 1 || len(f.Markets) != 1 {
		t.Fatalf("parsed %d accounts, %d strategies, %d markets", len(f.Accounts), len(f.Strategies), len(f.Markets))
	}

	database, err := db.NewMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatal(err)
	}
	repo := database.Repo()
	ctx := context.Background()

	ids, err := Seed(ctx, repo, f)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("seeded %d accounts, want 2", len(ids))
	}

	active, err := repo.ListActiveAccounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].Name != "binance-main" {
		t.Errorf("active accounts = %+v, want only binance-main", active)
	}

	strategy, err := repo.GetStrategyByGroup(ctx, "trend-1")
	if err != nil {
		t.Fatal(err)
	}
	if !strategy.IsActive || !strategy.IsPublic {
		t.Errorf("strategy flags = %+v", strategy)
	}
	bindings, _, err := repo.ActiveBindings(ctx, strategy.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(bindings) != 1 || bindings[0].SubscriberToken != "sub-1" || bindings[0].Leverage != 3 {
		t.Errorf("bindings = %+v", bindings)
	}

	// Seeding twice must upsert, not duplicate.
	if _, err := Seed(ctx, repo, f); err != nil {
		t.Fatalf("re-seed: %v", err)
	}
	active, err = repo.ListActiveAccounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 {
		t.Errorf("re-seed duplicated accounts: %d", len(active))
	}
}

func TestMarketTable(t *testing.T) {
	f, err := Load(writeFile(t, sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	table := f.MarketTable()
	mi, ok := table[symbols.Key{Exchange: "binance", Symbol: "BTC/USDT", MarketType: "FUTURES"}]
	if !ok {
		t.Fatal("BTC/USDT filters missing from the table")
	}
	if mi.StepSize != 0.001 || mi.TickSize != 0.1 || mi.MinNotional != 5 {
		t.Errorf("filters = %+v", mi)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"duplicate account name", `
accounts:
  - {name: a, exchange: binance}
  - {name: a, exchange: upbit}
`},
		{"account missing exchange", `
accounts:
  - {name: a}
`},
		{"strategy missing token", `
accounts:
  - {name: a, exchange: binance}
strategies:
  - group_name: s1
`},
		{"unknown binding account", `
accounts:
  - {name: a, exchange: binance}
strategies:
  - group_name: s1
    webhook_token: tok
    bindings:
      - {account: nosuch, weight: 1, active: true}
`},
		{"active bindings without weight", `
accounts:
  - {name: a, exchange: binance}
strategies:
  - group_name: s1
    webhook_token: tok
    bindings:
      - {account: a, weight: 0, active: true}
`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := Load(writeFile(t, c.yaml)); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}
}
