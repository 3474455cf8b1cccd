// Package tier holds the subscription tier configuration table.
//
// The table is built once at startup and injected into the services that
// need it; nothing in this package is mutable after construction.
package tier

import (
	"fmt"
)

// Recognized tier names.
const (
	Free       = "free"
	Starter    = "starter"
	Pro        = "pro"
	Business   = "business"
	Enterprise = "enterprise"
)

// Config describes the design allowance and overage rules for one tier.
// Prices are integer cents.
type Config struct {
	Name              string
	DesignAllowance   int
	MaxPerRun         int
	OverageEnabled    bool
	OveragePriceCents int64
	OverageHardCap    int
}

// UnknownTierError is returned by Table.Get for unrecognized tier names.
// Callers that cannot fail the request resolve it as the free tier.
type UnknownTierError struct {
	Name string
}

func (e *UnknownTierError) Error() string {
	return fmt.Sprintf("unknown subscription tier: %q", e.Name)
}

// Table maps tier names to their configuration.
type Table struct {
	configs map[string]Config
}

// Default returns the production tier table.
func Default() *Table {
	return NewTable([]Config{
		{Name: Free, DesignAllowance: 3, MaxPerRun: 2, OverageEnabled: false, OveragePriceCents: 0, OverageHardCap: 0},
		{Name: Starter, DesignAllowance: 25, MaxPerRun: 5, OverageEnabled: true, OveragePriceCents: 75, OverageHardCap: 10},
		{Name: Pro, DesignAllowance: 50, MaxPerRun: 10, OverageEnabled: true, OveragePriceCents: 50, OverageHardCap: 20},
		{Name: Business, DesignAllowance: 150, MaxPerRun: 10, OverageEnabled: true, OveragePriceCents: 40, OverageHardCap: 50},
		{Name: Enterprise, DesignAllowance: 500, MaxPerRun: 10, OverageEnabled: true, OveragePriceCents: 25, OverageHardCap: 100},
	})
}

// NewTable builds a Table from the given configs. Tests use this to inject
// synthetic tiers.
func NewTable(configs []Config) *Table {
	m := make(map[string]Config, len(configs))
	for _, c := range configs {
		m[c.Name] = c
	}
	return &Table{configs: m}
}

// Get returns the config for the named tier, or UnknownTierError.
func (t *Table) Get(name string) (Config, error) {
	c, ok := t.configs[name]
	if !ok {
		return Config{}, &UnknownTierError{Name: name}
	}
	return c, nil
}
