package rppg

import (
	"encoding/json"
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/andresmejia3/bioverify/internal/config"
	"github.com/andresmejia3/bioverify/internal/dsp"
	"github.com/andresmejia3/bioverify/internal/roi"
	"github.com/andresmejia3/bioverify/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	fps     = 30.0
	pulseHz = 1.2
)

// pulsingClip returns n uniformly coloured frames whose green channel
// oscillates at pulseHz, plus region records with a fixed central box.
func pulsingClip(n int) (*types.FrameBatch, roi.Result) {
	batch := &types.FrameBatch{FPS: fps}
	box := &types.Box{X: 20, Y: 20, W: 60, H: 60}
	var regions roi.Result
	for i := 0; i < n; i++ {
		ts := float64(i) / fps
		g := 100 + 4*math.Sin(2*math.Pi*pulseHz*ts)
		img := image.NewRGBA(image.Rect(0, 0, 100, 100))
		c := color.RGBA{R: 150, G: uint8(math.Round(g)), B: 80, A: 255}
		for p := 0; p < len(img.Pix); p += 4 {
			img.Pix[p], img.Pix[p+1], img.Pix[p+2], img.Pix[p+3] = c.R, c.G, c.B, c.A
		}
		batch.Frames = append(batch.Frames, img)
		batch.Timestamps = append(batch.Timestamps, ts)

		cov := map[string]types.RegionCoverage{}
		for _, name := range types.RegionNames {
			cov[name] = types.RegionCoverage{Coverage: 0.3, Valid: true}
		}
		regions.Frames = append(regions.Frames, roi.Frame{Time: ts, Box: box, Regions: cov})
	}
	return batch, regions
}

func band() config.RPPGConfig {
	return config.RPPGConfig{BandpassLowHz: 0.7, BandpassHighHz: 4.0}
}

func TestExtractRecoversPulse(t *testing.T) {
	batch, regions := pulsingClip(300)
	res := Extract(batch, regions, band(), nil)

	require.Len(t, res.Times, 300)
	assert.Equal(t, fps, res.SamplingRate)
	assert.InDelta(t, 299.0/fps, res.Summary.DurationSeconds, 1e-9)

	for _, name := range types.RegionNames {
		reg := res.Regions[name]
		assert.Equal(t, 300, res.Summary.SamplesPerRegion[name])
		require.Len(t, reg.Raw, 300, name)
		require.Len(t, reg.Filtered, 300, name)
		require.Len(t, reg.Spectrum.Power, 151, name)

		peak := dsp.ArgMax(reg.Spectrum.Power)
		assert.InDelta(t, pulseHz, reg.Spectrum.FreqsHz[peak], 0.1, name)
	}
}

func TestExtractDropsInvalidFrames(t *testing.T) {
	batch, regions := pulsingClip(300)
	for i := 0; i < 10; i++ {
		regions.Frames[i].Regions[types.Forehead] = types.RegionCoverage{Coverage: 0.01, Valid: false}
	}
	res := Extract(batch, regions, band(), nil)
	for _, name := range types.RegionNames {
		assert.Equal(t, 290, res.Summary.SamplesPerRegion[name], "all regions stay aligned")
	}
	assert.InDelta(t, 10/fps, res.Times[0], 1e-12)
}

func TestExtractInterpolatesScatteredSamples(t *testing.T) {
	batch, regions := pulsingClip(300)
	for i := 1; i < 300; i += 2 {
		regions.Frames[i].Box = nil
	}
	res := Extract(batch, regions, band(), nil)

	// 150 samples over 298/30 s resample to round(298) uniform points.
	require.Len(t, res.Times, 298)
	assert.Equal(t, 298, res.Summary.SamplesPerRegion[types.Forehead])
	assert.InDelta(t, 0, res.Times[0], 1e-12)
	assert.InDelta(t, 298/fps, res.Times[len(res.Times)-1], 1e-12)
}

func TestExtractTooFewSamples(t *testing.T) {
	batch, regions := pulsingClip(3)
	res := Extract(batch, regions, band(), nil)
	for _, name := range types.RegionNames {
		reg := res.Regions[name]
		assert.Empty(t, reg.Raw)
		assert.Empty(t, reg.Filtered)
	}
	raw, err := json.Marshal(res.Regions[types.Forehead])
	require.NoError(t, err)
	assert.JSONEq(t, `{"raw":[],"filtered":[],"spectrum":{}}`, string(raw))
}

func TestExtractEmptyBatch(t *testing.T) {
	res := Extract(&types.FrameBatch{FPS: 25}, roi.Result{}, band(), nil)
	assert.Empty(t, res.Times)
	assert.Equal(t, 25.0, res.SamplingRate)
	assert.Len(t, res.Regions, 3)
}

func TestChrom(t *testing.T) {
	g := []float64{100, 102, 100, 98, 100, 102}
	r := []float64{150, 150, 150, 150, 150, 150}
	b := []float64{80, 80, 80, 80, 80, 80}

	t.Run("Short series returns green", func(t *testing.T) {
		assert.Equal(t, g[:3], Chrom(r[:3], g[:3], b[:3]))
	})
	t.Run("Dark series returns green", func(t *testing.T) {
		dark := []float64{0.1, 0.1, 0.1, 0.1, 0.1, 0.1}
		assert.Equal(t, g, Chrom(dark, g, b))
	})
	t.Run("Flat chrominance returns normalised green", func(t *testing.T) {
		flat := []float64{100, 100, 100, 100, 100, 100}
		out := Chrom(r, flat, b)
		for _, v := range out {
			assert.InDelta(t, 0, v, 1e-12)
		}
	})
	t.Run("Green-only pulse is amplified", func(t *testing.T) {
		// With only green varying, S1 = -2y and S2 = y, so alpha = 2 and the output is -4y.
		out := Chrom(r, g, b)
		gm := dsp.Mean(g)
		for i := range g {
			assert.InDelta(t, -4*(g[i]/gm-1), out[i], 1e-12)
		}
	})
}

func TestExtractShortSeriesIsFiltered(t *testing.T) {
	batch, regions := pulsingClip(MinSamples + 2)
	res := Extract(batch, regions, band(), nil)
	for _, name := range types.RegionNames {
		reg := res.Regions[name]
		require.Len(t, reg.Filtered, MinSamples+2, name)
		assert.True(t, dsp.Finite(reg.Filtered), name)
	}
}

func TestExtractBoxPastFrameEdge(t *testing.T) {
	batch, regions := pulsingClip(300)
	// Repaint the right half of every frame; the box starts there and runs
	// well past the right edge.
	for _, img := range batch.Frames {
		for y := 0; y < 100; y++ {
			for x := 50; x < 100; x++ {
				off := img.PixOffset(x, y)
				img.Pix[off], img.Pix[off+1], img.Pix[off+2] = 200, 30, 60
			}
		}
	}
	for i := range regions.Frames {
		regions.Frames[i].Box = &types.Box{X: 50, Y: 20, W: 120, H: 60}
	}

	res := Extract(batch, regions, band(), nil)
	for _, name := range types.RegionNames {
		reg := res.Regions[name]
		require.Len(t, reg.Raw, 300, name)
		for _, g := range reg.Raw {
			assert.InDelta(t, 30, g, 1e-9, "%s mean reaches outside the clamped box", name)
		}
	}
}
