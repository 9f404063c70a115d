package sizing_test

import (
	"testing"

	"github.com/GemAppSec/CxDynEngine/internal/model"
	"github.com/GemAppSec/CxDynEngine/internal/sizing"
	"github.com/stretchr/testify/require"
)

func TestPool(t *testing.T) {
	t.Parallel()
	pool, err := sizing.NewPool(
		model.Tier{Name: "L", MaxLOC: 1_000_000},
		model.Tier{Name: "S", MaxLOC: 1_000},
		model.Tier{Name: "M", MaxLOC: 100_000},
	)
	require.NoError(t, err)
	require.Equal(t, []string{"S", "M", "L"}, names(pool.Tiers()))

	var testCases = []struct {
		scenario string
		given    int64
		then     string
		ok       bool
	}{
		{"unknown size", -1, "", false},
		{"empty project", 0, "S", true},
		{"upper bound inclusive", 1_000, "S", true},
		{"just above", 1_001, "M", true},
		{"largest", 1_000_000, "L", true},
		{"too big", 1_000_001, "", false},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			tier, ok := pool.SizeFor(tc.given)
			require.Equal(t, tc.ok, ok)
			require.Equal(t, tc.then, tier.Name)
		})
	}
}

func TestPool_Duplicate(t *testing.T) {
	t.Parallel()
	_, err := sizing.NewPool(model.Tier{Name: "S", MaxLOC: 1}, model.Tier{Name: "S", MaxLOC: 1})
	require.Error(t, err)
}

func TestPool_Empty(t *testing.T) {
	t.Parallel()
	var pool sizing.Pool
	_, ok := pool.SizeFor(10)
	require.False(t, ok)
}

func names(tiers []model.Tier) []string {
	ret := make([]string, 0, len(tiers))
	for _, t := range tiers {
		ret = append(ret, t.Name)
	}
	return ret
}
