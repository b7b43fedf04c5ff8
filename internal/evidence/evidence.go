// Package evidence writes the human-readable artifacts of an analysis: the
// result summary, rPPG trace and spectrum plots, and annotated ROI frames.
package evidence

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/andresmejia3/bioverify/internal/config"
	"github.com/andresmejia3/bioverify/internal/logger"
	"github.com/andresmejia3/bioverify/internal/pipeline"
	"github.com/andresmejia3/bioverify/internal/types"
	"go.uber.org/zap"
)

// Artifact keys in the returned index.
const (
	KeySummary  = "summary"
	KeyTraces   = "rppg_traces"
	KeySpectra  = "rppg_spectra"
	KeyROIMasks = "roi_masks"
	KeyIndex    = "index"
)

// Index is the content of index.json.
type Index struct {
	ConfigVersion string         `json:"config_version"`
	Artifacts     map[string]any `json:"artifacts"`
}

// Write writes the evidence for res into dir and returns the artifact index
// (paths relative to dir). batch may be nil, in which case no ROI frames are
// drawn. ROI frame failures are logged and skipped.
func Write(dir string, res types.AnalysisResult, batch *types.FrameBatch, cfg config.Config, log *zap.Logger) (map[string]any, error) {
	log = logger.OrNop(log)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create evidence dir: %w", err)
	}

	artifacts := map[string]any{}
	if err := writeJSON(filepath.Join(dir, "summary.json"), sortedCopy(res)); err != nil {
		return nil, fmt.Errorf("failed to write summary: %w", err)
	}
	artifacts[KeySummary] = "summary.json"

	metrics, ok := pipeline.MetricsOf(res)
	if ok && cfg.Evidence.EnablePlots {
		traces, spectra, err := writePlots(dir, metrics)
		if err != nil {
			return nil, err
		}
		if len(traces) > 0 {
			artifacts[KeyTraces] = traces
		}
		if len(spectra) > 0 {
			artifacts[KeySpectra] = spectra
		}
	}

	if ok && cfg.Evidence.EnableROIMasks && batch.Len() > 0 {
		masks, err := writeROIFrames(dir, metrics, batch, log)
		if err != nil {
			log.Warn("ROI visualization failed (non-fatal)", zap.Error(err))
		}
		if len(masks) > 0 {
			artifacts[KeyROIMasks] = masks
		}
	}

	idx := Index{ConfigVersion: cfg.ConfigVersion, Artifacts: artifacts}
	if err := writeJSON(filepath.Join(dir, "index.json"), idx); err != nil {
		return nil, fmt.Errorf("failed to write index: %w", err)
	}
	artifacts[KeyIndex] = "index.json"

	log.Info("Evidence written", zap.String("dir", dir), zap.Int("artifacts", len(artifacts)))
	return artifacts, nil
}

// sortedCopy round-trips v through a generic map so every object level,
// struct-backed ones included, is written with sorted keys.
func sortedCopy(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}

var errNoData = errors.New("nothing to plot")

func writePlots(dir string, m *pipeline.Metrics) (traces, spectra []string, err error) {
	plotsDir := filepath.Join(dir, "plots")
	if err := os.MkdirAll(plotsDir, 0755); err != nil {
		return nil, nil, err
	}
	for _, name := range types.RegionNames {
		region, ok := m.RPPG.Regions[name]
		if !ok {
			continue
		}
		if len(m.RPPG.Times) > 0 && len(region.Filtered) > 0 {
			rel := "plots/rppg_trace_" + name + ".png"
			err := linePlot(filepath.Join(dir, rel), "Filtered rPPG - "+name, "Time (s)", "Amplitude",
				m.RPPG.Times, region.Filtered)
			if err != nil && !errors.Is(err, errNoData) {
				return nil, nil, fmt.Errorf("failed to plot trace for %s: %w", name, err)
			}
			if err == nil {
				traces = append(traces, rel)
			}
		}
		if len(region.Spectrum.FreqsHz) > 0 && len(region.Spectrum.Power) > 0 {
			rel := "plots/rppg_spectrum_" + name + ".png"
			err := linePlot(filepath.Join(dir, rel), "Spectrum - "+name, "Frequency (Hz)", "Power",
				region.Spectrum.FreqsHz, region.Spectrum.Power)
			if err != nil && !errors.Is(err, errNoData) {
				return nil, nil, fmt.Errorf("failed to plot spectrum for %s: %w", name, err)
			}
			if err == nil {
				spectra = append(spectra, rel)
			}
		}
	}
	return traces, spectra, nil
}

// sampleIndices picks start, middle and end of n records.
func sampleIndices(n int) []int {
	switch {
	case n <= 0:
		return nil
	case n < 3:
		out := make([]int, n)
		for i := range out {
			out[i] = i
		}
		return out
	default:
		return []int{0, n / 2, n - 1}
	}
}
