// Package domain contains core business types and interfaces.
//
// This file defines the metered features, their unit costs, the pipeline
// discount and the purchasable credit packages.
package domain

import (
	"fmt"
	"sort"
	"time"
)

// Feature identifies an AI-assisted feature that consumes credit.
type Feature string

const (
	FeatureScriptGeneration    Feature = "script_generation"
	FeatureTranscription       Feature = "transcription"
	FeatureMetadataGeneration  Feature = "metadata_generation"
	FeatureIdeaGeneration      Feature = "idea_generation"
	FeatureThumbnailGeneration Feature = "thumbnail_generation"

	// FeaturePipeline tags charges covering several steps at once.
	FeaturePipeline Feature = "pipeline"
)

// Features lists every chargeable single-step feature.
var Features = []Feature{
	FeatureScriptGeneration,
	FeatureTranscription,
	FeatureMetadataGeneration,
	FeatureIdeaGeneration,
	FeatureThumbnailGeneration,
}

// String returns the string representation of the feature.
func (f Feature) String() string {
	return string(f)
}

// IsValid returns true if the feature is a recognized value.
func (f Feature) IsValid() bool {
	switch f {
	case FeatureScriptGeneration, FeatureTranscription, FeatureMetadataGeneration,
		FeatureIdeaGeneration, FeatureThumbnailGeneration, FeaturePipeline:
		return true
	}
	return false
}

// Pipeline discount
const (
	MinStepsForDiscount = 3
	DiscountPercent     = 20
)

// Cost returns the price of a set of steps given their unit costs.
// Three or more steps get DiscountPercent off, truncated toward zero.
func Cost(unitCosts []int64) int64 {
	var raw int64
	for _, c := range unitCosts {
		raw += c
	}
	return applyDiscount(raw, len(unitCosts))
}

func applyDiscount(raw int64, steps int) int64 {
	if steps < MinStepsForDiscount {
		return raw
	}
	return raw * (100 - DiscountPercent) / 100
}

// DefaultUnitCosts is the built-in price list, in credits per step.
var DefaultUnitCosts = map[Feature]int64{
	FeatureScriptGeneration:    10,
	FeatureTranscription:       5,
	FeatureMetadataGeneration:  5,
	FeatureIdeaGeneration:      3,
	FeatureThumbnailGeneration: 8,
}

// Pricing maps features to unit costs. Every single-step feature must be priced.
type Pricing struct {
	unitCosts map[Feature]int64
}

// NewPricing builds a Pricing from overrides on top of DefaultUnitCosts.
func NewPricing(overrides map[Feature]int64) (*Pricing, error) {
	costs := make(map[Feature]int64, len(DefaultUnitCosts))
	for f, c := range DefaultUnitCosts {
		costs[f] = c
	}
	for f, c := range overrides {
		if !f.IsValid() || f == FeaturePipeline {
			return nil, fmt.Errorf("unknown feature %q", f)
		}
		if c <= 0 {
			return nil, fmt.Errorf("feature %q: unit cost must be positive, got %d", f, c)
		}
		costs[f] = c
	}
	for _, f := range Features {
		if _, ok := costs[f]; !ok {
			return nil, fmt.Errorf("feature %q has no unit cost", f)
		}
	}
	return &Pricing{unitCosts: costs}, nil
}

// DefaultPricing returns the built-in price list.
func DefaultPricing() *Pricing {
	p, _ := NewPricing(nil)
	return p
}

// UnitCost returns the unit cost of a single-step feature.
func (p *Pricing) UnitCost(f Feature) (int64, error) {
	c, ok := p.unitCosts[f]
	if !ok {
		return 0, fmt.Errorf("feature %q is not priced", f)
	}
	return c, nil
}

// StepCosts returns the unit cost of each step.
func (p *Pricing) StepCosts(steps []Feature) ([]int64, error) {
	costs := make([]int64, 0, len(steps))
	for _, f := range steps {
		c, err := p.UnitCost(f)
		if err != nil {
			return nil, err
		}
		costs = append(costs, c)
	}
	return costs, nil
}

// Quote describes the computed price of a set of steps.
type Quote struct {
	Steps    []Feature
	RawCost  int64
	Discount int64
	Cost     int64
}

// Quote prices the given steps, applying the pipeline discount.
func (p *Pricing) Quote(steps []Feature) (Quote, error) {
	costs, err := p.StepCosts(steps)
	if err != nil {
		return Quote{}, err
	}
	var raw int64
	for _, c := range costs {
		raw += c
	}
	cost := Cost(costs)
	return Quote{
		Steps:    steps,
		RawCost:  raw,
		Discount: raw - cost,
		Cost:     cost,
	}, nil
}

// =============================================================================
// Credit Packages
// =============================================================================

// CreditPackage is a purchasable bundle of credits.
type CreditPackage struct {
	Name       string
	Credits    int64
	PriceCents int64
}

// CreditPackages is the catalog, keyed by package name.
var CreditPackages = map[string]CreditPackage{
	"starter": {Name: "starter", Credits: 100, PriceCents: 500},
	"creator": {Name: "creator", Credits: 500, PriceCents: 2000},
	"studio":  {Name: "studio", Credits: 1500, PriceCents: 5000},
}

// RefundPackageName is the package name of lots created to hold refunded credit.
const RefundPackageName = "refund"

// PackageForAmount resolves the package paid for by amountCents.
func PackageForAmount(amountCents int64) (CreditPackage, bool) {
	names := make([]string, 0, len(CreditPackages))
	for name := range CreditPackages {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if CreditPackages[name].PriceCents == amountCents {
			return CreditPackages[name], true
		}
	}
	return CreditPackage{}, false
}

// CreditPolicy holds the tunable rules of the credit ledger.
type CreditPolicy struct {
	FreeMonthly     int64         // Free credits granted each month to new accounts
	AutoProvision   bool          // Create missing accounts with defaults instead of failing
	PurchaseExpiry  int           // Months until a purchased lot expires
	RefundLotExpiry time.Duration // Lifetime of lots holding refund overflow
	LowBalancePct   int64         // Low-balance threshold as a percent of FreeMonthly
}

// DefaultCreditPolicy returns the standard policy.
func DefaultCreditPolicy() CreditPolicy {
	return CreditPolicy{
		FreeMonthly:     50,
		AutoProvision:   true,
		PurchaseExpiry:  12,
		RefundLotExpiry: 30 * 24 * time.Hour,
		LowBalancePct:   20,
	}
}
