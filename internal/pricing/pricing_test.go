package pricing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/DukeRupert/credits/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr bool
		want    map[domain.Feature]int64
	}{
		{
			name: "empty document keeps defaults",
			doc:  "",
			want: domain.DefaultUnitCosts,
		},
		{
			name: "partial override",
			doc:  "unit_costs:\n  script_generation: 12\n",
			want: map[domain.Feature]int64{
				domain.FeatureScriptGeneration:    12,
				domain.FeatureTranscription:       5,
				domain.FeatureThumbnailGeneration: 8,
			},
		},
		{
			name:    "unknown feature",
			doc:     "unit_costs:\n  video_render: 4\n",
			wantErr: true,
		},
		{
			name:    "negative cost",
			doc:     "unit_costs:\n  transcription: -1\n",
			wantErr: true,
		},
		{
			name:    "unknown top level key",
			doc:     "discounts:\n  pipeline: 30\n",
			wantErr: true,
		},
		{
			name:    "malformed",
			doc:     "unit_costs: [",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Parse([]byte(tt.doc))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			for f, want := range tt.want {
				got, err := p.UnitCost(f)
				require.NoError(t, err)
				assert.Equal(t, want, got, "feature %s", f)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	p, err := Load("")
	require.NoError(t, err)
	c, err := p.UnitCost(domain.FeatureIdeaGeneration)
	require.NoError(t, err)
	assert.Equal(t, int64(3), c)

	path := filepath.Join(t.TempDir(), "pricing.yaml")
	require.NoError(t, os.WriteFile(path, []byte("unit_costs:\n  idea_generation: 4\n"), 0o600))
	p, err = Load(path)
	require.NoError(t, err)
	c, err = p.UnitCost(domain.FeatureIdeaGeneration)
	require.NoError(t, err)
	assert.Equal(t, int64(4), c)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
