package scoring

import (
	"math"
	"testing"

	"github.com/andresmejia3/bioverify/internal/config"
	"github.com/andresmejia3/bioverify/internal/features"
	"github.com/andresmejia3/bioverify/internal/quality"
	"github.com/andresmejia3/bioverify/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uniform(v float64) features.Result {
	return features.Result{Liveness: features.Liveness{
		HRPlausibility:        v,
		SpectralConcentration: v,
		SpectralSharpness:     v,
		InterRegionCoherence:  v,
		PhaseCoherence:        v,
		Periodicity:           v,
		HarmonicStructure:     v,
		HRVScore:              v,
		TemporalHRStability:   v,
		RespiratoryScore:      v,
	}}
}

func goodSQI() quality.Result {
	return quality.Result{Aggregate: 0.8, TauSQI: 0.1}
}

func TestDecide(t *testing.T) {
	strict := config.Default()
	strict.Quality.AllowVerdictWhenLowSQI = false

	tests := []struct {
		name        string
		sqi         quality.Result
		feats       features.Result
		cfg         config.Config
		wantVerdict types.Verdict
		wantReasons []string
		wantScore   float64
	}{
		{
			name:        "Strong pulse",
			sqi:         goodSQI(),
			feats:       uniform(0.9),
			cfg:         config.Default(),
			wantVerdict: types.Human,
			wantReasons: []string{ReasonAuthentic},
			wantScore:   0.9,
		},
		{
			name:        "No pulse at all",
			sqi:         goodSQI(),
			feats:       uniform(0),
			cfg:         config.Default(),
			wantVerdict: types.Synthetic,
			wantReasons: []string{
				ReasonNoHeartbeat, ReasonDiffuseSpectrum, ReasonBroadPeak, ReasonLowCoherence,
				ReasonNoPulseTransit, ReasonUnstableHR, ReasonAbnormalHRV, ReasonNoHarmonic,
				ReasonNoRespiration, ReasonLowLivenessScore,
			},
			wantScore: 0,
		},
		{
			name:        "Low SQI tagged but decided",
			sqi:         quality.Result{Aggregate: 0.05, TauSQI: 0.1},
			feats:       uniform(0.9),
			cfg:         config.Default(),
			wantVerdict: types.Human,
			wantReasons: []string{ReasonLowSQI, ReasonAuthentic},
			wantScore:   0.9,
		},
		{
			name:        "Low SQI withholds the verdict",
			sqi:         quality.Result{Aggregate: 0.05, TauSQI: 0.1},
			feats:       uniform(0.9),
			cfg:         strict,
			wantVerdict: types.Inconclusive,
			wantReasons: []string{ReasonLowSQI},
			wantScore:   0.9,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decide(tt.sqi, tt.feats, tt.cfg, nil)
			assert.Equal(t, tt.wantVerdict, got.Verdict)
			assert.Equal(t, tt.wantReasons, got.Reasons)
			assert.InDelta(t, tt.wantScore, got.Score, 1e-9)
			assert.GreaterOrEqual(t, got.Confidence, 0.0)
			assert.LessOrEqual(t, got.Confidence, 1.0)
			if tt.sqi.GateFailed() {
				assert.LessOrEqual(t, got.Confidence, 0.25)
			}
		})
	}
}

func TestDecideGates(t *testing.T) {
	feats := uniform(0.9)
	feats.Liveness.RespiratoryScore = 0.05 // a quarter of its gate

	got := Decide(goodSQI(), feats, config.Default(), nil)
	b := got.Breakdown

	require.Len(t, b.Gates, 5)
	assert.InDelta(t, 0.25, b.Gates["respiratory"].Gate, 1e-12)
	assert.Equal(t, RespGate, b.Gates["respiratory"].Threshold)
	assert.Equal(t, 1.0, b.Gates["spectral_concentration"].Gate)
	assert.InDelta(t, 0.5, b.GateFactor, 1e-12)

	base := (0.9*(1-0.10) + 0.05*0.10) / 1.0
	assert.InDelta(t, base, b.BaseScore, 1e-12)
	assert.InDelta(t, base*0.5, b.LivenessScore, 1e-12)
	assert.Equal(t, types.Synthetic, got.Verdict)
	assert.Equal(t, []string{ReasonNoRespiration, ReasonLowLivenessScore}, got.Reasons)
	assert.InDelta(t, math.Min(1, 2.5*math.Abs(base*0.5-0.5)), got.Confidence, 1e-12)
}

func TestDecideGateFactorFloor(t *testing.T) {
	feats := uniform(0.9)
	feats.Liveness.SpectralConcentration = 0
	got := Decide(goodSQI(), feats, config.Default(), nil)
	assert.Equal(t, minGateFactor, got.Breakdown.GateFactor)
}

func TestDecideZeroWeights(t *testing.T) {
	cfg := config.Default()
	cfg.Features = config.FeaturesConfig{}
	got := Decide(goodSQI(), uniform(0.9), cfg, nil)
	assert.Equal(t, 0.0, got.Breakdown.BaseScore)
	assert.Equal(t, types.Synthetic, got.Verdict)
}

func TestDecideBreakdownFeatures(t *testing.T) {
	got := Decide(goodSQI(), uniform(0.4), config.Default(), nil)
	require.Len(t, got.Breakdown.Features, 10)
	assert.Equal(t, Feature{Value: 0.4, Weight: 0.15}, got.Breakdown.Features["spectral_sharpness"])
	assert.Equal(t, Feature{Value: 0.4, Weight: 0.05}, got.Breakdown.Features["hrv"])
	assert.Equal(t, 0.8, got.Breakdown.AggregateSQI)
	assert.Equal(t, 0.5, got.Breakdown.TauAuth)
}

func TestReasonsThresholds(t *testing.T) {
	lv := uniform(1).Liveness
	assert.Empty(t, Reasons(lv))

	lv.HarmonicStructure = 0.1
	assert.Empty(t, Reasons(lv), "thresholds are strict")
	lv.HarmonicStructure = 0.09
	assert.Equal(t, []string{ReasonNoHarmonic}, Reasons(lv))
}
