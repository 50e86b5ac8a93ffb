package battery

import (
	"sort"
	"strings"
)

// Variant describes one battery pack tier.
type Variant struct {
	Name       string  `json:"name" yaml:"name"`
	MaxCurrent float64 `json:"maxCurrent" yaml:"maxCurrent"`
	CapacityAh float64 `json:"capacityAh" yaml:"capacityAh"`
	MaxRangeKm float64 `json:"maxRangeKm" yaml:"maxRangeKm"`
}

// Default tiers.
var (
	Classic = Variant{Name: "Classic", MaxCurrent: 30, CapacityAh: 30, MaxRangeKm: 84}
	Pro     = Variant{Name: "Pro", MaxCurrent: 60, CapacityAh: 60, MaxRangeKm: 168}
	Max     = Variant{Name: "Max", MaxCurrent: 100, CapacityAh: 90, MaxRangeKm: 252}
)

// DefaultVariants returns the stock tier table, ascending by MaxCurrent.
func DefaultVariants() []Variant {
	return []Variant{Classic, Pro, Max}
}

// Classifier maps an offered charging current to a Variant.
type Classifier struct {
	tiers []Variant
}

// NewClassifier sorts tiers by MaxCurrent. An empty table falls back to DefaultVariants.
func NewClassifier(tiers []Variant) *Classifier {
	if len(tiers) == 0 {
		tiers = DefaultVariants()
	}
	sorted := make([]Variant, len(tiers))
	copy(sorted, tiers)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].MaxCurrent < sorted[j].MaxCurrent })
	return &Classifier{tiers: sorted}
}

// Baseline is the smallest tier, used when no current is known.
func (c *Classifier) Baseline() Variant {
	return c.tiers[0]
}

// Classify picks the smallest tier whose MaxCurrent covers offered.
// Anything above the largest bound maps to the largest tier.
func (c *Classifier) Classify(offered float64) Variant {
	for _, tier := range c.tiers {
		if offered <= tier.MaxCurrent {
			return tier
		}
	}
	return c.tiers[len(c.tiers)-1]
}

// ClassifyOptional is Classify with a baseline for an absent reading.
func (c *Classifier) ClassifyOptional(offered *float64) Variant {
	if offered == nil {
		return c.Baseline()
	}
	return c.Classify(*offered)
}

// ByName looks up a tier by name, ignoring case.
func (c *Classifier) ByName(name string) (Variant, bool) {
	for _, tier := range c.tiers {
		if strings.EqualFold(tier.Name, strings.TrimSpace(name)) {
			return tier, true
		}
	}
	return Variant{}, false
}

// Tiers returns a copy of the ordered tier table.
func (c *Classifier) Tiers() []Variant {
	out := make([]Variant, len(c.tiers))
	copy(out, c.tiers)
	return out
}
