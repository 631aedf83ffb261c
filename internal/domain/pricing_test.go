package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCost(t *testing.T) {
	tests := []struct {
		name  string
		costs []int64
		want  int64
	}{
		{name: "no steps", costs: nil, want: 0},
		{name: "single step", costs: []int64{10}, want: 10},
		{name: "two steps are not discounted", costs: []int64{10, 5}, want: 15},
		{name: "three steps discounted", costs: []int64{10, 5, 5}, want: 16},
		{name: "discount truncates", costs: []int64{10, 8, 3}, want: 16},
		{name: "four steps", costs: []int64{10, 5, 5, 3}, want: 18},
		{name: "all ones", costs: []int64{1, 1, 1}, want: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Cost(tt.costs))
		})
	}
}

func TestCost_DiscountNeverExceedsRawCost(t *testing.T) {
	for n := 0; n < 8; n++ {
		costs := make([]int64, n)
		var raw int64
		for i := range costs {
			costs[i] = int64(i*7 + 1)
			raw += costs[i]
		}
		got := Cost(costs)
		assert.LessOrEqual(t, got, raw)
		assert.GreaterOrEqual(t, got, int64(0))
		if n < MinStepsForDiscount {
			assert.Equal(t, raw, got)
		}
	}
}

func TestNewPricing(t *testing.T) {
	tests := []struct {
		name      string
		overrides map[Feature]int64
		wantErr   bool
		check     Feature
		want      int64
	}{
		{
			name:  "defaults",
			check: FeatureTranscription,
			want:  5,
		},
		{
			name:      "override one feature",
			overrides: map[Feature]int64{FeatureTranscription: 7},
			check:     FeatureTranscription,
			want:      7,
		},
		{
			name:      "unknown feature",
			overrides: map[Feature]int64{Feature("video_render"): 7},
			wantErr:   true,
		},
		{
			name:      "pipeline cannot be priced directly",
			overrides: map[Feature]int64{FeaturePipeline: 12},
			wantErr:   true,
		},
		{
			name:      "zero cost",
			overrides: map[Feature]int64{FeatureIdeaGeneration: 0},
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewPricing(tt.overrides)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			got, err := p.UnitCost(tt.check)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPricing_Quote(t *testing.T) {
	p := DefaultPricing()

	q, err := p.Quote([]Feature{FeatureScriptGeneration, FeatureTranscription, FeatureMetadataGeneration})
	require.NoError(t, err)
	assert.Equal(t, int64(20), q.RawCost)
	assert.Equal(t, int64(16), q.Cost)
	assert.Equal(t, int64(4), q.Discount)

	_, err = p.Quote([]Feature{FeaturePipeline})
	assert.Error(t, err)
}

func TestPackageForAmount(t *testing.T) {
	pkg, ok := PackageForAmount(5000)
	require.True(t, ok)
	assert.Equal(t, "studio", pkg.Name)
	assert.Equal(t, int64(1500), pkg.Credits)

	_, ok = PackageForAmount(1)
	assert.False(t, ok)
}
