// Package features measures physiological liveness cues in the pulse
// signals: a clear heart-rate peak, harmonic structure, agreement and
// transit delay between face regions, beat-to-beat variability, heart-rate
// drift over time and respiratory modulation of the pulse amplitude.
package features

import (
	"math"

	"github.com/andresmejia3/bioverify/internal/dsp"
	"github.com/andresmejia3/bioverify/internal/logger"
	"github.com/andresmejia3/bioverify/internal/rppg"
	"github.com/andresmejia3/bioverify/internal/types"
	"go.uber.org/zap"
)

// Physiological limits.
const (
	HRMinHz   = 0.67 // 40 bpm
	HRMaxHz   = 3.0  // 180 bpm
	RespLowHz = 0.15
	RespHiHz  = 0.4

	MinPeakSNR          = 4.0
	localSNRThreshold   = 3.0
	concentrationHalfHz = 0.30
)

// Region holds the per-region spectral features.
type Region struct {
	F0Hz                  float64 `json:"f0_hz"`
	HRBPM                 float64 `json:"hr_bpm"`
	PeakSNR               float64 `json:"peak_snr"`
	Periodicity           float64 `json:"periodicity"`
	HarmonicRatio         float64 `json:"harmonic_ratio"`
	HarmonicScore         float64 `json:"harmonic_score"`
	SpectralConcentration float64 `json:"spectral_concentration"`
	SpectralQ             float64 `json:"spectral_q"`
	HRPlausible           float64 `json:"hr_plausible"`
}

// Liveness is the set of scores the scorer weighs.
type Liveness struct {
	HRPlausibility        float64 `json:"hr_plausibility"`
	SpectralConcentration float64 `json:"spectral_concentration"`
	SpectralSharpness     float64 `json:"spectral_sharpness"`
	InterRegionCoherence  float64 `json:"inter_region_coherence"`
	PhaseCoherence        float64 `json:"phase_coherence"`
	Periodicity           float64 `json:"periodicity"`
	HarmonicStructure     float64 `json:"harmonic_structure"`
	HRVScore              float64 `json:"hrv_score"`
	HRVSDNNMs             float64 `json:"hrv_sdnn_ms"`
	TemporalHRStability   float64 `json:"temporal_hr_stability"`
	RespiratoryScore      float64 `json:"respiratory_score"`
}

// Result is the feature stage output.
type Result struct {
	Regions   map[string]Region `json:"regions"`
	Stability float64           `json:"stability"`
	Liveness  Liveness          `json:"liveness"`
}

type signal struct {
	name string
	x    []float64
}

// Compute derives per-region and global liveness features. Regions with
// fewer than 4 filtered samples score zero everywhere and are left out of the
// cross-region measures.
func Compute(pulse rppg.Result, log *zap.Logger) Result {
	log = logger.OrNop(log)
	fs := pulse.SamplingRate

	res := Result{Regions: make(map[string]Region, len(types.RegionNames))}
	var signals []signal

	for _, name := range types.RegionNames {
		filt := pulse.Regions[name].Filtered
		if len(filt) < rppg.MinSamples {
			res.Regions[name] = Region{}
			continue
		}
		signals = append(signals, signal{name, filt})

		f0, freqs, power, snr := DominantFrequency(filt, fs)
		res.Regions[name] = Region{
			F0Hz:                  f0,
			HRBPM:                 60 * f0,
			PeakSNR:               math.Round(snr*100) / 100,
			Periodicity:           Periodicity(filt, fs, f0),
			HarmonicRatio:         HarmonicRatio(freqs, power, f0),
			HarmonicScore:         HarmonicScore(freqs, power, f0),
			SpectralConcentration: SpectralConcentration(freqs, power, f0),
			SpectralQ:             SpectralQ(freqs, power, f0),
			HRPlausible:           HRPlausibility(f0, snr),
		}
	}

	var hrs, f0s []float64
	for _, name := range types.RegionNames {
		r := res.Regions[name]
		if r.HRBPM > 0 {
			hrs = append(hrs, r.HRBPM)
		}
		if r.F0Hz > 0 {
			f0s = append(f0s, r.F0Hz)
		}
	}
	if len(hrs) >= 2 {
		res.Stability = dsp.Var(hrs)
	}

	lv := &res.Liveness
	lv.InterRegionCoherence = interRegionCoherence(signals)
	lv.PhaseCoherence = phaseCoherence(signals, fs, dsp.Mean(f0s))

	if best, ok := longest(signals); ok {
		f0 := res.Regions[best.name].F0Hz
		lv.HRVSDNNMs, lv.HRVScore = HRV(best.x, fs, f0)
		lv.TemporalHRStability = TemporalHRStability(best.x, fs)
		lv.RespiratoryScore = RespiratoryModulation(best.x, fs)
	}

	for _, name := range types.RegionNames {
		r := res.Regions[name]
		lv.HRPlausibility += r.HRPlausible
		lv.SpectralConcentration += r.SpectralConcentration
		lv.Periodicity += r.Periodicity
		lv.HarmonicStructure += r.HarmonicScore
		lv.SpectralSharpness += r.SpectralQ
	}
	n := float64(len(types.RegionNames))
	lv.HRPlausibility /= n
	lv.SpectralConcentration /= n
	lv.Periodicity /= n
	lv.HarmonicStructure /= n
	lv.SpectralSharpness /= n

	log.Info("Liveness features",
		zap.Float64("scr", lv.SpectralConcentration),
		zap.Float64("q", lv.SpectralSharpness),
		zap.Float64("coherence", lv.InterRegionCoherence),
		zap.Float64("phase_coherence", lv.PhaseCoherence),
		zap.Float64("hr_plausibility", lv.HRPlausibility),
		zap.Float64("harmonic", lv.HarmonicStructure),
		zap.Float64("periodicity", lv.Periodicity),
		zap.Float64("hrv", lv.HRVScore),
		zap.Float64("sdnn_ms", lv.HRVSDNNMs),
		zap.Float64("temporal", lv.TemporalHRStability),
		zap.Float64("respiratory", lv.RespiratoryScore),
	)
	for _, name := range types.RegionNames {
		r := res.Regions[name]
		log.Debug("Region features",
			zap.String("region", name),
			zap.Float64("hr_bpm", r.HRBPM),
			zap.Float64("snr", r.PeakSNR),
			zap.Float64("scr", r.SpectralConcentration),
			zap.Float64("q", r.SpectralQ),
			zap.Float64("periodicity", r.Periodicity),
			zap.Float64("harmonic", r.HarmonicScore),
		)
	}
	return res
}

// longest returns the signal with the most samples; the first wins ties.
func longest(signals []signal) (signal, bool) {
	if len(signals) == 0 {
		return signal{}, false
	}
	best := signals[0]
	for _, s := range signals[1:] {
		if len(s.x) > len(best.x) {
			best = s
		}
	}
	return best, true
}

// bandPeak returns the first maximum inside [lo, hi] (as an index into
// power), the band's peak and median power, and false when no bin is in band.
func bandPeak(freqs, power []float64, lo, hi float64) (idx int, peak, median float64, ok bool) {
	band := dsp.BandMask(freqs, lo, hi)
	if len(band) == 0 {
		return 0, 0, 0, false
	}
	vals := dsp.Pick(power, band)
	i := dsp.ArgMax(vals)
	return band[i], vals[i], dsp.Median(vals), true
}

// DominantFrequency finds the heart-rate peak of a Hann-windowed spectrum.
// f0 is 0 when the peak does not stand MinPeakSNR above the band median.
func DominantFrequency(filt []float64, fs float64) (f0 float64, freqs, power []float64, snr float64) {
	freqs, power = dsp.PowerSpectrum(filt, fs)
	if len(power) == 0 {
		return 0, freqs, power, 0
	}
	idx, peak, median, ok := bandPeak(freqs, power, HRMinHz, HRMaxHz)
	if !ok {
		return 0, freqs, power, 0
	}
	snr = peak / math.Max(median, 1e-12)
	if snr < MinPeakSNR {
		return 0, freqs, power, snr
	}
	return freqs[idx], freqs, power, snr
}

// SpectralQ scores the sharpness of the f0 peak (f0 over its half-maximum
// bandwidth within the heart-rate band).
func SpectralQ(freqs, power []float64, f0 float64) float64 {
	if f0 <= 0 || len(power) == 0 {
		return 0
	}
	band := dsp.BandMask(freqs, HRMinHz, HRMaxHz)
	if len(band) == 0 {
		return 0
	}
	bandFreqs := dsp.Pick(freqs, band)
	bandPower := dsp.Pick(power, band)
	half := dsp.Max(bandPower) / 2

	first, last := -1, -1
	for i, p := range bandPower {
		if p >= half {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	if first < 0 {
		return 0
	}
	bins := last - first + 1

	res := 1.0
	if len(bandFreqs) > 1 {
		res = bandFreqs[1] - bandFreqs[0]
	}
	bandwidth := float64(bins) * res
	if bandwidth < 1e-6 {
		return 1
	}

	q := f0 / bandwidth
	switch {
	case q >= 5:
		return dsp.Clip(0.8+0.2*math.Min((q-5)/10, 1), 0.8, 1)
	case q >= 2:
		return 0.3 + 0.5*(q-2)/3
	default:
		return dsp.Clip(q/2*0.3, 0, 0.3)
	}
}

// Periodicity reads the normalised autocorrelation at the expected beat lag
// (±15%) and, when it fits, at twice that lag.
func Periodicity(filt []float64, fs, f0 float64) float64 {
	ac := dsp.AutoCorr(dsp.Demean(filt))
	if len(ac) <= 1 || ac[0] < 1e-10 {
		return 0
	}
	norm := make([]float64, len(ac))
	for i, v := range ac {
		norm[i] = v / ac[0]
	}
	n := len(norm)

	if f0 > 0 {
		lag := int(fs / f0)
		tol := int(0.15 * float64(lag))
		start, end := max(1, lag-tol), min(n, lag+tol+1)
		if start < end {
			peak := dsp.Max(norm[start:end])
			start2, end2 := max(1, 2*lag-tol), min(n, 2*lag+tol+1)
			if start2 < end2 {
				second := dsp.Max(norm[start2:end2])
				return dsp.Clip01((peak + second) / 2)
			}
			return dsp.Clip01(peak * 0.7)
		}
	}
	return dsp.Clip01(dsp.Max(norm[1:]) * 0.5)
}

func nearest(freqs []float64, f float64) int {
	best, bestD := 0, math.Inf(1)
	for i, v := range freqs {
		if d := math.Abs(v - f); d < bestD {
			best, bestD = i, d
		}
	}
	return best
}

// HarmonicRatio is the power at 2*f0 relative to the power at f0.
func HarmonicRatio(freqs, power []float64, f0 float64) float64 {
	if len(power) == 0 || f0 <= 0 {
		return 0
	}
	p0 := power[nearest(freqs, f0)]
	p2 := power[nearest(freqs, 2*f0)]
	return p2 / math.Max(p0, 1e-6)
}

// HarmonicScore rewards a second harmonic carrying 3% to 80% of the
// fundamental's power.
func HarmonicScore(freqs, power []float64, f0 float64) float64 {
	ratio := HarmonicRatio(freqs, power, f0)
	switch {
	case ratio <= 0.005:
		return 0
	case ratio >= 0.03 && ratio <= 0.80:
		return 1
	case ratio < 0.03:
		return ratio / 0.03
	default:
		return dsp.Clip01(1 - (ratio-0.80)/0.4)
	}
}

// HRPlausibility is 0 outside the heart-rate band, otherwise 0.4 plus up to
// 0.6 for peak SNR above the gate.
func HRPlausibility(f0, snr float64) float64 {
	if f0 <= 0 || f0 < HRMinHz || f0 > HRMaxHz {
		return 0
	}
	return 0.4 + 0.6*dsp.Clip01((snr-MinPeakSNR)/8)
}

// SpectralConcentration is the share of heart-rate-band power within
// ±0.3 Hz of f0.
func SpectralConcentration(freqs, power []float64, f0 float64) float64 {
	if len(power) == 0 || f0 <= 0 {
		return 0
	}
	var total float64
	if band := dsp.BandMask(freqs, HRMinHz, HRMaxHz); len(band) > 0 {
		total = dsp.Sum(dsp.Pick(power, band))
	} else {
		total = dsp.Sum(power)
	}
	if total < 1e-12 {
		return 0
	}
	around := dsp.Sum(dsp.Pick(power, dsp.BandMask(freqs, f0-concentrationHalfHz, f0+concentrationHalfHz)))
	return dsp.Clip01(around / total)
}

// interRegionCoherence averages the positive part of the pairwise Pearson
// correlation between region signals.
func interRegionCoherence(signals []signal) float64 {
	if len(signals) < 2 {
		return 0
	}
	var corrs []float64
	for i := 0; i < len(signals); i++ {
		for j := i + 1; j < len(signals); j++ {
			a, b := signals[i].x, signals[j].x
			if len(a) < 4 || len(b) < 4 {
				continue
			}
			n := min(len(a), len(b))
			a, b = a[:n], b[:n]
			if dsp.Std(a) < 1e-10 || dsp.Std(b) < 1e-10 {
				corrs = append(corrs, 0)
				continue
			}
			corrs = append(corrs, math.Max(0, dsp.Pearson(a, b)))
		}
	}
	if len(corrs) == 0 {
		return 0
	}
	return dsp.Clip01(dsp.Mean(corrs))
}

// phaseCoherence looks for a small, consistent pulse transit delay between
// regions. Signals are upsampled to at least 200 Hz because a 5-50 ms delay
// is below one frame at video rates.
func phaseCoherence(signals []signal, fs, f0 float64) float64 {
	if len(signals) < 2 || f0 <= 0 || fs <= 0 {
		return 0
	}
	factor := max(1, int(math.Ceil(200/fs)))
	eff := fs * float64(factor)
	minDelay := max(1, int(0.005*eff))
	maxDelay := int(0.050 * eff)

	var scores []float64
	for i := 0; i < len(signals); i++ {
		for j := i + 1; j < len(signals); j++ {
			a, b := signals[i].x, signals[j].x
			if len(a) < 10 || len(b) < 10 {
				continue
			}
			n := min(len(a), len(b))
			a, b = a[:n], b[:n]
			if factor > 1 {
				a, b = upsample(a, factor), upsample(b, factor)
				n = len(a)
			}

			ad, bd := dsp.Demean(a), dsp.Demean(b)
			denom := math.Sqrt(sumSq(ad) * sumSq(bd))
			if denom < 1e-10 {
				scores = append(scores, 0)
				continue
			}
			maxLag := min(maxDelay, n-1)
			cc := dsp.CrossCorr(ad, bd, maxLag)
			peakIdx := argMaxAbs(cc)
			lag := abs(peakIdx - maxLag)
			peakCorr := math.Abs(cc[peakIdx]) / denom

			delayScore := 0.2
			switch {
			case lag < minDelay:
				delayScore = 0.3
			case lag <= maxDelay:
				delayScore = 1.0
			}

			win := int(2.0 * eff)
			step := max(1, win/2)
			var delays []float64
			for start := 0; win > 0 && start+win <= n; start += step {
				sa := dsp.Demean(a[start : start+win])
				sb := dsp.Demean(b[start : start+win])
				seg := dsp.CrossCorr(sa, sb, min(maxDelay, win-1))
				delays = append(delays, float64(argMaxAbs(seg)))
			}
			consistency := 0.3
			if len(delays) >= 3 {
				consistency = dsp.Clip01(1 - dsp.Std(delays)/(3*float64(factor)))
			}
			scores = append(scores, dsp.Clip01(peakCorr*delayScore*consistency))
		}
	}
	if len(scores) == 0 {
		return 0
	}
	return dsp.Clip01(dsp.Mean(scores))
}

func upsample(x []float64, factor int) []float64 {
	n := len(x)
	orig := make([]float64, n)
	for i := range orig {
		orig[i] = float64(i)
	}
	return dsp.Interp(dsp.Linspace(0, float64(n-1), n*factor), orig, x)
}

func sumSq(x []float64) float64 {
	var s float64
	for _, v := range x {
		s += v * v
	}
	return s
}

func argMaxAbs(x []float64) int {
	best, bestV := 0, math.Inf(-1)
	for i, v := range x {
		if a := math.Abs(v); a > bestV {
			best, bestV = i, a
		}
	}
	return best
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// HRV estimates SDNN (ms) from inter-peak intervals and scores it against the
// resting range of 20-120 ms.
func HRV(filt []float64, fs, f0 float64) (sdnn, score float64) {
	if len(filt) < 10 || f0 <= 0 {
		return 0, 0
	}
	minDist := max(1, int(0.5*fs/f0))
	sd := dsp.Std(filt)
	if sd < 1e-10 {
		return 0, 0
	}
	peaks := dsp.FindPeaks(filt, minDist, 0.3*sd)
	if len(peaks) < 5 {
		return 0, 0
	}

	ipi := make([]float64, len(peaks)-1)
	for i := range ipi {
		ipi[i] = float64(peaks[i+1]-peaks[i]) / fs * 1000
	}
	sdnn = dsp.Std(ipi)
	expected := 1000 / f0
	if math.Abs(dsp.Mean(ipi)-expected) > 0.4*expected {
		return sdnn, 0.1
	}

	switch {
	case sdnn >= 20 && sdnn <= 120:
		score = 1
	case sdnn < 5:
		score = 0.15
	case sdnn > 300:
		score = 0.1
	case sdnn < 20:
		score = dsp.Clip(sdnn/20, 0.1, 1)
	default:
		score = dsp.Clip(1-(sdnn-120)/300, 0.1, 1)
	}
	return sdnn, score
}

// TemporalHRStability tracks the heart rate over 4 s windows. A live pulse
// drifts a little (0.5-10 bpm std); a frozen or erratic one does not.
func TemporalHRStability(filt []float64, fs float64) float64 {
	win := int(4.0 * fs)
	if win <= 0 || len(filt) < 2*win {
		return 0.3
	}
	step := max(1, win/2)

	var hrs []float64
	for start := 0; start+win <= len(filt); start += step {
		freqs, power := dsp.PowerSpectrum(filt[start:start+win], fs)
		idx, peak, median, ok := bandPeak(freqs, power, HRMinHz, HRMaxHz)
		if !ok {
			continue
		}
		if median > 0 && peak/median >= localSNRThreshold {
			hrs = append(hrs, freqs[idx]*60)
		}
	}
	if len(hrs) < 2 {
		return 0.1
	}

	sd := dsp.Std(hrs)
	switch {
	case sd >= 0.5 && sd <= 10:
		return 1
	case sd < 0.1:
		return 0.3
	case sd > 30:
		return 0.1
	case sd < 0.5:
		return dsp.Clip(sd/0.5, 0.3, 1)
	default:
		return dsp.Clip(1-(sd-10)/30, 0.1, 1)
	}
}

// RespiratoryModulation looks for breathing (0.15-0.4 Hz) in the pulse
// amplitude envelope.
func RespiratoryModulation(filt []float64, fs float64) float64 {
	if len(filt) < int(fs*5) {
		return 0.3
	}
	env := dsp.Envelope(filt)
	if dsp.Std(env) < 1e-10 {
		return 0
	}

	freqs, power := dsp.Periodogram(dsp.Demean(env), fs, false)
	total := dsp.Sum(power)
	if total < 1e-12 {
		return 0
	}
	band := dsp.BandMask(freqs, RespLowHz, RespHiHz)
	if len(band) == 0 {
		return 0
	}
	resp := dsp.Pick(power, band)
	snr := dsp.Max(resp) / math.Max(dsp.Median(resp), 1e-12)
	if snr < 3 {
		return 0.1
	}
	return dsp.Clip01(dsp.Sum(resp) / total * 3)
}
