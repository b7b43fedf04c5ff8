// Package quality scores how trustworthy the extracted pulse signals are.
package quality

import (
	"math"

	"github.com/andresmejia3/bioverify/internal/config"
	"github.com/andresmejia3/bioverify/internal/dsp"
	"github.com/andresmejia3/bioverify/internal/rppg"
	"github.com/andresmejia3/bioverify/internal/stabilize"
	"github.com/andresmejia3/bioverify/internal/types"
)

// Result is the signal quality index (SQI) output.
type Result struct {
	Regions       map[string]float64 `json:"regions"`
	Aggregate     float64            `json:"aggregate"`
	MotionPenalty float64            `json:"motion_penalty"`
	TauSQI        float64            `json:"tau_sqi"`
}

// GateFailed reports whether the aggregate falls below the SQI threshold.
func (r Result) GateFailed() bool {
	return r.Aggregate < r.TauSQI
}

// Compute maps each region's spectral peak-to-median ratio through tanh(snr/10)
// and discounts the mean by up to half for residual motion.
func Compute(pulse rppg.Result, motion stabilize.Result, cfg config.QualityConfig) Result {
	res := Result{Regions: make(map[string]float64, len(types.RegionNames)), TauSQI: cfg.TauSQI}

	names := types.RegionNames
	if len(pulse.Regions) > 0 {
		names = names[:0:0]
		for _, name := range types.RegionNames {
			if _, ok := pulse.Regions[name]; ok {
				names = append(names, name)
			}
		}
	}

	sqis := make([]float64, 0, len(names))
	for _, name := range names {
		v := RegionSQI(pulse.Regions[name].Spectrum.Power)
		res.Regions[name] = v
		sqis = append(sqis, v)
	}

	res.MotionPenalty = MotionPenalty(motion.Residuals())
	base := 0.0
	if len(sqis) > 0 {
		base = dsp.Mean(sqis)
	}
	res.Aggregate = base * (1 - 0.5*res.MotionPenalty)
	return res
}

// RegionSQI is tanh(max/median / 10) of a power spectrum, or 0 if it is empty.
func RegionSQI(power []float64) float64 {
	if len(power) == 0 {
		return 0
	}
	snr := dsp.Max(power) / math.Max(dsp.Median(power), 1e-6)
	return math.Tanh(snr / 10)
}

// MotionPenalty maps mean residual motion onto [0, 1], saturating at 0.2.
func MotionPenalty(residuals []float64) float64 {
	if len(residuals) == 0 {
		return 0
	}
	return dsp.Clip01(dsp.Mean(residuals) / 0.2)
}
