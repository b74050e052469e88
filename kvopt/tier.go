package kvopt

import (
	"fmt"
	"strings"
)

// Tier names one level of the KV memory hierarchy.
type Tier string

const (
	TierHBM  Tier = "HBM"
	TierDDR  Tier = "DDR"
	TierCXL  Tier = "CXL"
	TierNVMe Tier = "NVMe"
)

// TierSpec describes the relative bandwidth and capacity of a tier.
type TierSpec struct {
	Name          Tier
	BandwidthGBps float64 // sustained read bandwidth
	CapacityGB    float64 // per-node capacity
}

// validTiers maps accepted tier names to their canonical spelling.
var validTiers = map[string]Tier{
	"hbm":  TierHBM,
	"ddr":  TierDDR,
	"cxl":  TierCXL,
	"nvme": TierNVMe,
}

// DefaultTiers returns the reference hierarchy ordered by decreasing bandwidth
// and increasing capacity.
func DefaultTiers() []TierSpec {
	return []TierSpec{
		{Name: TierHBM, BandwidthGBps: 3350, CapacityGB: 80},
		{Name: TierDDR, BandwidthGBps: 120, CapacityGB: 1024},
		{Name: TierCXL, BandwidthGBps: 64, CapacityGB: 4096},
		{Name: TierNVMe, BandwidthGBps: 12, CapacityGB: 30720},
	}
}

// ParseTier returns the canonical tier for a case-insensitive name.
func ParseTier(name string) (Tier, error) {
	t, ok := validTiers[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return "", fmt.Errorf("unknown tier %q", name)
	}
	return t, nil
}

// tierRank is the position of a tier in the reference hierarchy, fastest first.
func tierRank(t Tier) int {
	for i, spec := range DefaultTiers() {
		if spec.Name == t {
			return i
		}
	}
	return -1
}

// ValidateTierOrder checks that names parse, appear once, start with HBM and
// only ever move to slower tiers.
func ValidateTierOrder(names []string) error {
	if len(names) == 0 {
		return fmt.Errorf("tier list is empty")
	}
	seen := make(map[Tier]bool, len(names))
	prev := -1
	for i, name := range names {
		t, err := ParseTier(name)
		if err != nil {
			return err
		}
		if seen[t] {
			return fmt.Errorf("tier %s listed twice", t)
		}
		seen[t] = true
		if i == 0 && t != TierHBM {
			return fmt.Errorf("tier list must start with %s, got %s", TierHBM, t)
		}
		rank := tierRank(t)
		if rank < prev {
			return fmt.Errorf("tier %s is faster than the tier before it", t)
		}
		prev = rank
	}
	return nil
}
