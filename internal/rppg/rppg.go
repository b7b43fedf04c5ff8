// Package rppg turns per-frame skin colour in the forehead and cheek regions
// into band-limited pulse signals using the CHROM chrominance method.
package rppg

import (
	"image"
	"math"

	"github.com/andresmejia3/bioverify/internal/config"
	"github.com/andresmejia3/bioverify/internal/dsp"
	"github.com/andresmejia3/bioverify/internal/logger"
	"github.com/andresmejia3/bioverify/internal/roi"
	"github.com/andresmejia3/bioverify/internal/types"
	"go.uber.org/zap"
)

// MinSamples is the shortest series that is filtered and analysed.
const MinSamples = 4

// Spectrum is a one-sided power spectrum. Both slices are empty for regions
// without enough samples, and the object then marshals as {}.
type Spectrum struct {
	FreqsHz []float64 `json:"freqs_hz,omitempty"`
	Power   []float64 `json:"power,omitempty"`
}

// Region holds one region's signals.
type Region struct {
	Raw      []float64 `json:"raw"` // mean green
	Filtered []float64 `json:"filtered"`
	Spectrum Spectrum  `json:"spectrum"`
}

type Summary struct {
	SamplesPerRegion map[string]int `json:"samples_per_region"`
	DurationSeconds  float64        `json:"duration_seconds"`
}

// Result is the pulse stage output.
type Result struct {
	Times        []float64         `json:"times"`
	SamplingRate float64           `json:"sampling_rate"`
	Regions      map[string]Region `json:"regions"`
	Summary      Summary           `json:"summary"`
}

type rgb struct{ r, g, b float64 }

// Extract samples mean RGB per region on every frame where all three regions
// exist and none was judged invalid, resamples scattered series onto a uniform
// grid, then applies CHROM, detrending and the configured band-pass.
func Extract(batch *types.FrameBatch, regions roi.Result, cfg config.RPPGConfig, log *zap.Logger) Result {
	log = logger.OrNop(log)
	logger.Params(log, "rppg", map[string]any{"rppg": cfg})

	var fs float64
	if batch != nil {
		fs = batch.FPS
	}
	w, h := batch.Size()

	series := make(map[string][]rgb, len(types.RegionNames))
	times := []float64{}

	for idx := 0; idx < batch.Len() && idx < len(regions.Frames); idx++ {
		rf := regions.Frames[idx]
		if rf.Box == nil {
			continue
		}
		// Means cover the box clamped to the frame; off-frame parts are ignored.
		rects := roi.Rects(*rf.Box, w, h)

		vals := make(map[string]rgb, len(types.RegionNames))
		for _, name := range types.RegionNames {
			r, ok := rects[name]
			if !ok || r.Empty() {
				break
			}
			if cov, ok := rf.Regions[name]; ok && !cov.Valid {
				break
			}
			vals[name] = meanRGB(batch.Frames[idx], r)
		}
		if len(vals) != len(types.RegionNames) {
			continue
		}
		for _, name := range types.RegionNames {
			series[name] = append(series[name], vals[name])
		}
		times = append(times, batch.Timestamps[idx])
	}

	// Scattered samples (e.g. intermittent face loss) break the uniform
	// sampling the filter and FFT assume, so put them back on a regular grid.
	if n := len(times); n >= MinSamples {
		t0, t1 := times[0], times[n-1]
		if span := t1 - t0; span > 0 {
			expected := int(math.RoundToEven(span * fs))
			if float64(expected) > float64(n)*1.1 {
				grid := dsp.Linspace(t0, t1, expected)
				for _, name := range types.RegionNames {
					series[name] = interpolate(series[name], times, grid)
				}
				log.Info("Interpolated scattered samples",
					zap.Int("samples", n),
					zap.Int("uniform_samples", expected),
					zap.Float64("span_seconds", span),
					zap.Float64("effective_rate", float64(n)/span),
					zap.Float64("fps", fs),
				)
				times = grid
			}
		}
	}

	res := Result{
		Times:        times,
		SamplingRate: fs,
		Regions:      make(map[string]Region, len(types.RegionNames)),
		Summary:      Summary{SamplesPerRegion: make(map[string]int, len(types.RegionNames))},
	}
	for _, name := range types.RegionNames {
		s := series[name]
		res.Summary.SamplesPerRegion[name] = len(s)
		if len(s) < MinSamples {
			res.Regions[name] = Region{Raw: []float64{}, Filtered: []float64{}}
			continue
		}

		r, g, b := split(s)
		pulse := Chrom(r, g, b)
		// Short series are filtered with the edge padding shrunk to fit.
		filtered := dsp.Bandpass(dsp.Detrend(pulse), fs, cfg.BandpassLowHz, cfg.BandpassHighHz)
		freqs, power := dsp.PowerSpectrum(filtered, fs)

		res.Regions[name] = Region{
			Raw:      g,
			Filtered: filtered,
			Spectrum: Spectrum{FreqsHz: freqs, Power: power},
		}
	}
	if len(times) >= 2 {
		res.Summary.DurationSeconds = times[len(times)-1] - times[0]
	}

	log.Info("rPPG CHROM extraction",
		zap.Any("samples_per_region", res.Summary.SamplesPerRegion),
		zap.Float64("duration_seconds", res.Summary.DurationSeconds),
		zap.Float64("fs", fs),
	)
	return res
}

// Chrom combines normalised colour channels into a pulse signal that
// cancels most specular and motion components (de Haan & Jeanne, 2013).
// It degrades to the raw green channel for short or near-black series, and
// to the normalised green channel when the second chrominance axis is flat.
func Chrom(r, g, b []float64) []float64 {
	if len(r) < MinSamples {
		return g
	}
	rm, gm, bm := dsp.Mean(r), dsp.Mean(g), dsp.Mean(b)
	if rm < 1 || gm < 1 || bm < 1 {
		return g
	}

	n := len(r)
	s1 := make([]float64, n)
	s2 := make([]float64, n)
	ys := make([]float64, n)
	for i := 0; i < n; i++ {
		xs := r[i]/rm - 1
		ys[i] = g[i]/gm - 1
		zs := b[i]/bm - 1
		s1[i] = 3*xs - 2*ys[i]
		s2[i] = 1.5*xs + ys[i] - 1.5*zs
	}

	std2 := dsp.Std(s2)
	if std2 < 1e-10 {
		return ys
	}
	alpha := dsp.Std(s1) / std2
	out := make([]float64, n)
	for i := range out {
		out[i] = s1[i] - alpha*s2[i]
	}
	return out
}

func meanRGB(img *image.RGBA, r image.Rectangle) rgb {
	var sr, sg, sb float64
	for y := r.Min.Y; y < r.Max.Y; y++ {
		off := img.PixOffset(r.Min.X, y)
		for x := r.Min.X; x < r.Max.X; x++ {
			sr += float64(img.Pix[off])
			sg += float64(img.Pix[off+1])
			sb += float64(img.Pix[off+2])
			off += 4
		}
	}
	n := float64(r.Dx() * r.Dy())
	return rgb{sr / n, sg / n, sb / n}
}

func split(s []rgb) (r, g, b []float64) {
	r = make([]float64, len(s))
	g = make([]float64, len(s))
	b = make([]float64, len(s))
	for i, v := range s {
		r[i], g[i], b[i] = v.r, v.g, v.b
	}
	return r, g, b
}

func interpolate(s []rgb, times, grid []float64) []rgb {
	r, g, b := split(s)
	r = dsp.Interp(grid, times, r)
	g = dsp.Interp(grid, times, g)
	b = dsp.Interp(grid, times, b)
	out := make([]rgb, len(grid))
	for i := range out {
		out[i] = rgb{r[i], g[i], b[i]}
	}
	return out
}
