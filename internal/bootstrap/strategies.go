// Package bootstrap seeds accounts, strategies and bindings from the
// strategies file into the database at startup. Exchange credentials are NOT
// part of this file; adapters read them from the environment.
package bootstrap

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/binee108/webserver-sub003/internal/symbols"
	"github.com/binee108/webserver-sub003/pkg/db"
)

// File is the on-disk layout of the strategies file.
type File struct {
	Accounts   []AccountSpec  `yaml:"accounts"`
	Strategies []StrategySpec `yaml:"strategies"`
	Markets    []MarketSpec   `yaml:"markets"`
}

// MarketSpec declares one symbol's trading filters for venues without an
// exchange-info API (and for paper trading).
type MarketSpec struct {
	Exchange        string  `yaml:"exchange"`
	Symbol          string  `yaml:"symbol"`
	MarketType      string  `yaml:"market_type"`
	MinQty          float64 `yaml:"min_qty"`
	MaxQty          float64 `yaml:"max_qty"`
	StepSize        float64 `yaml:"step_size"`
	TickSize        float64 `yaml:"tick_size"`
	MinNotional     float64 `yaml:"min_notional"`
	PricePrecision  int     `yaml:"price_precision"`
	AmountPrecision int     `yaml:"amount_precision"`
}

// AccountSpec declares one exchange account.
type AccountSpec struct {
	Name       string `yaml:"name"`
	Exchange   string `yaml:"exchange"`
	MarketType string `yaml:"market_type"`
	Active     bool   `yaml:"active"`
}

// StrategySpec declares one strategy and its account bindings.
type StrategySpec struct {
	GroupName    string        `yaml:"group_name"`
	WebhookToken string        `yaml:"webhook_token"`
	Active       bool          `yaml:"active"`
	Public       bool          `yaml:"public"`
	Bindings     []BindingSpec `yaml:"bindings"`
}

// BindingSpec binds a strategy to an account by name.
type BindingSpec struct {
	Account         string  `yaml:"account"`
	Weight          float64 `yaml:"weight"`
	Leverage        int     `yaml:"leverage"`
	MaxSymbols      int     `yaml:"max_symbols"`
	Active          bool    `yaml:"active"`
	SubscriberToken string  `yaml:"subscriber_token"`
}

// Load parses the strategies file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read strategies file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse strategies file: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *File) validate() error {
	names := make(map[string]bool)
	for _, a := range f.Accounts {
		if a.Name == "" || a.Exchange == "" {
			return fmt.Errorf("account needs name and exchange")
		}
		if names[a.Name] {
			return fmt.Errorf("duplicate account name %q", a.Name)
		}
		names[a.Name] = true
	}
	for _, s := range f.Strategies {
		if s.GroupName == "" || s.WebhookToken == "" {
			return fmt.Errorf("strategy needs group_name and webhook_token")
		}
		weightSum := 0.0
		anyActive := false
		for _, b := range s.Bindings {
			if !names[b.Account] {
				return fmt.Errorf("strategy %q binds unknown account %q", s.GroupName, b.Account)
			}
			if b.Active {
				anyActive = true
				weightSum += b.Weight
			}
		}
		if anyActive && weightSum <= 0 {
			return fmt.Errorf("strategy %q has active bindings but no positive weight", s.GroupName)
		}
	}
	return nil
}

// Seed upserts the file contents and returns account ids by name.
func Seed(ctx context.Context, repo *db.Repository, f *File) (map[string]int64, error) {
	accountIDs := make(map[string]int64, len(f.Accounts))
	for _, a := range f.Accounts {
		id, err := repo.UpsertAccount(ctx, db.Account{
			Name:       a.Name,
			Exchange:   a.Exchange,
			MarketType: a.MarketType,
			IsActive:   a.Active,
		})
		if err != nil {
			return nil, err
		}
		accountIDs[a.Name] = id
	}

	for _, s := range f.Strategies {
		strategyID, err := repo.UpsertStrategy(ctx, db.Strategy{
			GroupName:    s.GroupName,
			WebhookToken: s.WebhookToken,
			IsActive:     s.Active,
			IsPublic:     s.Public,
		})
		if err != nil {
			return nil, err
		}
		for _, b := range s.Bindings {
			if _, err := repo.UpsertStrategyAccount(ctx, db.StrategyAccount{
				StrategyID:      strategyID,
				AccountID:       accountIDs[b.Account],
				Weight:          b.Weight,
				Leverage:        b.Leverage,
				MaxSymbols:      b.MaxSymbols,
				IsActive:        b.Active,
				SubscriberToken: b.SubscriberToken,
			}); err != nil {
				return nil, err
			}
		}
	}
	return accountIDs, nil
}

// MarketTable converts the markets section to the validator's filter table.
func (f *File) MarketTable() map[symbols.Key]symbols.MarketInfo {
	out := make(map[symbols.Key]symbols.MarketInfo, len(f.Markets))
	for _, m := range f.Markets {
		out[symbols.Key{Exchange: m.Exchange, Symbol: m.Symbol, MarketType: m.MarketType}] = symbols.MarketInfo{
			MinQty:          m.MinQty,
			MaxQty:          m.MaxQty,
			StepSize:        m.StepSize,
			TickSize:        m.TickSize,
			MinNotional:     m.MinNotional,
			PricePrecision:  m.PricePrecision,
			AmountPrecision: m.AmountPrecision,
		}
	}
	return out
}
