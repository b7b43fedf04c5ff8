// Package scoring turns signal quality and liveness features into a verdict.
package scoring

import (
	"math"

	"github.com/andresmejia3/bioverify/internal/config"
	"github.com/andresmejia3/bioverify/internal/dsp"
	"github.com/andresmejia3/bioverify/internal/features"
	"github.com/andresmejia3/bioverify/internal/logger"
	"github.com/andresmejia3/bioverify/internal/quality"
	"github.com/andresmejia3/bioverify/internal/types"
	"go.uber.org/zap"
)

// Critical feature gates. A live face has to clear every one of them; each
// shortfall scales the score down multiplicatively.
const (
	SCRGate      = 0.20
	TemporalGate = 0.25
	HRGate       = 0.20
	QGate        = 0.15
	RespGate     = 0.20

	minGateFactor = 0.10
)

var gateOrder = []string{
	"spectral_concentration", "temporal_stability", "hr_plausibility", "spectral_sharpness", "respiratory",
}

// Reason codes.
const (
	ReasonNoHeartbeat      = "no_clear_heartbeat"
	ReasonDiffuseSpectrum  = "diffuse_spectrum"
	ReasonBroadPeak        = "broad_spectral_peak"
	ReasonLowCoherence     = "low_inter_region_coherence"
	ReasonNoPulseTransit   = "no_pulse_transit"
	ReasonUnstableHR       = "unstable_hr"
	ReasonAbnormalHRV      = "abnormal_hrv"
	ReasonNoHarmonic       = "no_harmonic_structure"
	ReasonNoRespiration    = "no_respiratory_modulation"
	ReasonLowSQI           = "low_sqi"
	ReasonAuthentic        = "authentic"
	ReasonLowLivenessScore = "low_liveness_score"
)

// Gate is one critical feature gate as applied.
type Gate struct {
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Gate      float64 `json:"gate"`
}

// Feature is one weighted liveness feature.
type Feature struct {
	Value  float64 `json:"value"`
	Weight float64 `json:"weight"`
}

// Breakdown explains how the score was reached.
type Breakdown struct {
	LivenessScore float64            `json:"liveness_score"`
	BaseScore     float64            `json:"base_score"`
	GateFactor    float64            `json:"gate_factor"`
	AggregateSQI  float64            `json:"aggregate_sqi"`
	TauAuth       float64            `json:"tau_auth"`
	Gates         map[string]Gate    `json:"gates"`
	Features      map[string]Feature `json:"features"`
}

// Result is the scorer output.
type Result struct {
	Verdict    types.Verdict
	Score      float64
	Confidence float64
	Reasons    []string
	Breakdown  Breakdown
}

func gate(value, threshold float64) Gate {
	return Gate{Value: value, Threshold: threshold, Gate: math.Min(1, value/threshold)}
}

// Decide combines the SQI gate and the liveness features into a verdict.
// It is a pure function of its inputs and the configured thresholds.
func Decide(sqi quality.Result, feats features.Result, cfg config.Config, log *zap.Logger) Result {
	log = logger.OrNop(log)
	lv := feats.Liveness
	fw := cfg.Features
	tau := cfg.Scoring.TauAuth
	lowSQI := sqi.GateFailed()

	weighted := map[string]Feature{
		"hr_plausibility":        {lv.HRPlausibility, fw.HRPlausibilityWeight},
		"spectral_concentration": {lv.SpectralConcentration, fw.SpectralConcentrationWeight},
		"spectral_sharpness":     {lv.SpectralSharpness, fw.SpectralSharpnessWeight},
		"inter_region_coherence": {lv.InterRegionCoherence, fw.CoherenceWeight},
		"phase_coherence":        {lv.PhaseCoherence, fw.PhaseCoherenceWeight},
		"periodicity":            {lv.Periodicity, fw.PeriodicityWeight},
		"harmonic_structure":     {lv.HarmonicStructure, fw.HarmonicWeight},
		"hrv":                    {lv.HRVScore, fw.HRVWeight},
		"temporal_stability":     {lv.TemporalHRStability, fw.TemporalStabilityWeight},
		"respiratory":            {lv.RespiratoryScore, fw.RespiratoryWeight},
	}

	total := fw.Sum()
	if total < 1e-6 {
		total = 1
	}
	base := (fw.HRPlausibilityWeight*lv.HRPlausibility +
		fw.SpectralConcentrationWeight*lv.SpectralConcentration +
		fw.SpectralSharpnessWeight*lv.SpectralSharpness +
		fw.CoherenceWeight*lv.InterRegionCoherence +
		fw.PhaseCoherenceWeight*lv.PhaseCoherence +
		fw.PeriodicityWeight*lv.Periodicity +
		fw.HarmonicWeight*lv.HarmonicStructure +
		fw.HRVWeight*lv.HRVScore +
		fw.TemporalStabilityWeight*lv.TemporalHRStability +
		fw.RespiratoryWeight*lv.RespiratoryScore) / total

	gates := map[string]Gate{
		"spectral_concentration": gate(lv.SpectralConcentration, SCRGate),
		"temporal_stability":     gate(lv.TemporalHRStability, TemporalGate),
		"hr_plausibility":        gate(lv.HRPlausibility, HRGate),
		"spectral_sharpness":     gate(lv.SpectralSharpness, QGate),
		"respiratory":            gate(lv.RespiratoryScore, RespGate),
	}
	product := 1.0
	for _, name := range gateOrder {
		product *= gates[name].Gate
	}
	factor := math.Max(math.Sqrt(product), minGateFactor)
	score := base * factor

	reasons := Reasons(lv)

	log.Info("Scoring",
		zap.Float64("base", base),
		zap.Float64("gate_scr", gates["spectral_concentration"].Gate),
		zap.Float64("gate_temporal", gates["temporal_stability"].Gate),
		zap.Float64("gate_hr", gates["hr_plausibility"].Gate),
		zap.Float64("gate_q", gates["spectral_sharpness"].Gate),
		zap.Float64("gate_resp", gates["respiratory"].Gate),
		zap.Float64("gate_factor", factor),
		zap.Float64("final", score),
		zap.Float64("tau", tau),
	)

	var verdict types.Verdict
	switch {
	case lowSQI && !cfg.Quality.AllowVerdictWhenLowSQI:
		verdict = types.Inconclusive
		reasons = append(reasons, ReasonLowSQI)
	default:
		if lowSQI {
			reasons = append(reasons, ReasonLowSQI)
		}
		if score >= tau {
			verdict = types.Human
			reasons = append(reasons, ReasonAuthentic)
		} else {
			verdict = types.Synthetic
			reasons = append(reasons, ReasonLowLivenessScore)
		}
	}

	confidence := math.Min(1, 2.5*math.Abs(score-tau))
	if lowSQI {
		confidence = math.Min(confidence, 0.25)
	}

	log.Info("Verdict",
		zap.String("verdict", string(verdict)),
		zap.Float64("confidence", confidence),
		zap.Float64("score", score),
	)

	return Result{
		Verdict:    verdict,
		Score:      dsp.Clip01(score),
		Confidence: dsp.Clip01(confidence),
		Reasons:    reasons,
		Breakdown: Breakdown{
			LivenessScore: score,
			BaseScore:     base,
			GateFactor:    factor,
			AggregateSQI:  sqi.Aggregate,
			TauAuth:       tau,
			Gates:         gates,
			Features:      weighted,
		},
	}
}

// Reasons lists the feature-level reason codes in their fixed order.
func Reasons(lv features.Liveness) []string {
	checks := []struct {
		value, below float64
		code         string
	}{
		{lv.HRPlausibility, 0.3, ReasonNoHeartbeat},
		{lv.SpectralConcentration, 0.25, ReasonDiffuseSpectrum},
		{lv.SpectralSharpness, 0.3, ReasonBroadPeak},
		{lv.InterRegionCoherence, 0.3, ReasonLowCoherence},
		{lv.PhaseCoherence, 0.3, ReasonNoPulseTransit},
		{lv.TemporalHRStability, 0.3, ReasonUnstableHR},
		{lv.HRVScore, 0.2, ReasonAbnormalHRV},
		{lv.HarmonicStructure, 0.1, ReasonNoHarmonic},
		{lv.RespiratoryScore, 0.2, ReasonNoRespiration},
	}
	reasons := []string{}
	for _, c := range checks {
		if c.value < c.below {
			reasons = append(reasons, c.code)
		}
	}
	return reasons
}
