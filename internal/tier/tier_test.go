package tier

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTableHasAllTiers(t *testing.T) {
	table := Default()

	for _, name := range []string{Free, Starter, Pro, Business, Enterprise} {
		cfg, err := table.Get(name)
		require.NoError(t, err, "tier %s should exist", name)
		assert.Equal(t, name, cfg.Name)
		assert.Greater(t, cfg.DesignAllowance, 0)
		assert.Greater(t, cfg.MaxPerRun, 0)
	}
}

func TestFreeTierHasNoOverage(t *testing.T) {
	cfg, err := Default().Get(Free)
	require.NoError(t, err)

	assert.False(t, cfg.OverageEnabled)
	assert.Zero(t, cfg.OverageHardCap)
	assert.Zero(t, cfg.OveragePriceCents)
}

func TestGetUnknownTier(t *testing.T) {
	_, err := Default().Get("platinum")
	require.Error(t, err)

	var unknownErr *UnknownTierError
	require.True(t, errors.As(err, &unknownErr))
	assert.Equal(t, "platinum", unknownErr.Name)
	assert.Contains(t, err.Error(), "platinum")
}

func TestNewTableSyntheticConfig(t *testing.T) {
	table := NewTable([]Config{
		{Name: "test", DesignAllowance: 10, MaxPerRun: 3, OverageEnabled: true, OveragePriceCents: 99, OverageHardCap: 5},
	})

	cfg, err := table.Get("test")
	require.NoError(t, err)
	assert.Equal(t, int64(99), cfg.OveragePriceCents)
	assert.Equal(t, 5, cfg.OverageHardCap)

	_, err = table.Get(Free)
	assert.Error(t, err)
}
