// Package ingest validates clip length, resamples the timeline to the target
// frame rate and cuts it into overlapping analysis windows.
package ingest

import (
	"math"

	"github.com/andresmejia3/bioverify/internal/config"
	"github.com/andresmejia3/bioverify/internal/dsp"
	"github.com/andresmejia3/bioverify/internal/types"
)

// ReasonTooShort is emitted when a clip is empty or shorter than the minimum duration.
const ReasonTooShort = "too_short"

// Result is the ingest stage output.
type Result struct {
	Windows []types.Window
	Metrics map[string]any
	Reasons []string
}

// Run windows a decoded batch. It never fails: unusable clips come back with
// no windows and a too_short reason.
func Run(batch *types.FrameBatch, cfg config.IngestConfig) Result {
	if batch.Len() == 0 {
		return Result{
			Windows: []types.Window{},
			Metrics: map[string]any{"error": "no_frames"},
			Reasons: []string{ReasonTooShort},
		}
	}

	ts := batch.Timestamps
	duration := ts[len(ts)-1] - ts[0]
	if duration < cfg.MinDurationSeconds {
		return Result{
			Windows: []types.Window{},
			Metrics: map[string]any{"duration": duration},
			Reasons: []string{ReasonTooShort},
		}
	}

	times, _ := Resample(ts, cfg.TargetFPS)
	w, h := batch.Size()
	windows := MakeWindows(times, cfg.TargetFPS, cfg.WindowSeconds, cfg.OverlapRatio, types.Resolution{Width: w, Height: h})

	return Result{
		Windows: windows,
		Metrics: map[string]any{
			"num_frames":  len(times),
			"duration":    duration,
			"source_fps":  batch.FPS,
			"target_fps":  cfg.TargetFPS,
			"num_windows": len(windows),
		},
		Reasons: []string{},
	}
}

// Resample maps the source timeline onto int(duration*targetFPS) evenly spaced
// times and returns, for each, the nearest source frame index. The source
// timeline is returned untouched when there is nothing to resample.
func Resample(ts []float64, targetFPS float64) ([]float64, []int) {
	n := len(ts)
	identity := func() ([]float64, []int) {
		idx := make([]int, n)
		for i := range idx {
			idx[i] = i
		}
		return ts, idx
	}
	if n < 2 {
		return identity()
	}
	duration := ts[n-1] - ts[0]
	if duration <= 0 {
		return identity()
	}
	num := int(duration * targetFPS)
	if num <= 1 {
		return identity()
	}

	times := dsp.Linspace(ts[0], ts[n-1], num)
	step := ts[1] - ts[0]
	idx := make([]int, num)
	for i, t := range times {
		j := int(math.RoundToEven((t - ts[0]) / step))
		idx[i] = min(max(j, 0), n-1)
	}
	return times, idx
}

// MakeWindows slides a window of windowSeconds over the timeline, advancing by
// windowSeconds*(1-overlap). Each window is bounded by the first and last
// timestamps that fall inside it; empty slots are skipped.
func MakeWindows(ts []float64, fps, windowSeconds, overlap float64, res types.Resolution) []types.Window {
	windows := []types.Window{}
	if len(ts) == 0 {
		return windows
	}
	last := ts[len(ts)-1]
	if last-ts[0] <= 0 {
		return windows
	}

	step := windowSeconds * (1 - overlap)
	if step <= 0 {
		return windows
	}
	for start := ts[0]; start < last; start += step {
		end := start + windowSeconds
		lo, hi := -1, -1
		for i, t := range ts {
			if t >= start && t <= end {
				if lo < 0 {
					lo = i
				}
				hi = i
			}
		}
		if lo < 0 {
			continue
		}
		windows = append(windows, types.Window{
			Index:                 len(windows),
			StartTime:             ts[lo],
			EndTime:               ts[hi],
			FPS:                   fps,
			Resolution:            res,
			Duration:              ts[hi] - ts[lo],
			DroppedFramesEstimate: 0,
		})
	}
	return windows
}
