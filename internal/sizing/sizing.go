// Package sizing maps the size of a scan to the engine tier able to run it.
package sizing

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/GemAppSec/CxDynEngine/internal/model"
)

// Sizer returns the engine tier for a size metric, ok is false if there is
// no applicable tier. Implementations must be pure.
type Sizer interface {
	SizeFor(loc int64) (tier model.Tier, ok bool)
}

// Pool is a Sizer over a fixed set of tiers.
type Pool struct {
	tiers []model.Tier
}

// NewPool returns a pool over tiers, which must have unique names.
func NewPool(tiers ...model.Tier) (Pool, error) {
	sorted := slices.Clone(tiers)
	slices.SortStableFunc(sorted, func(a, b model.Tier) int {
		return cmp.Compare(a.MaxLOC, b.MaxLOC)
	})
	seen := make(map[string]struct{}, len(sorted))
	for _, t := range sorted {
		if _, ok := seen[t.Name]; ok {
			return Pool{}, fmt.Errorf("duplicate tier %q", t.Name)
		}
		seen[t.Name] = struct{}{}
	}
	return Pool{tiers: sorted}, nil
}

// SizeFor returns the smallest tier whose MaxLOC is not less than loc. A
// negative loc means the size is not known yet and has no tier.
func (p Pool) SizeFor(loc int64) (model.Tier, bool) {
	if loc < 0 {
		return model.Tier{}, false
	}
	idx, _ := slices.BinarySearchFunc(p.tiers, loc, func(t model.Tier, loc int64) int {
		return cmp.Compare(t.MaxLOC, loc)
	})
	if idx >= len(p.tiers) {
		return model.Tier{}, false
	}
	return p.tiers[idx], true
}

// Tiers returns the tiers ordered from the smallest.
func (p Pool) Tiers() []model.Tier {
	return slices.Clone(p.tiers)
}
