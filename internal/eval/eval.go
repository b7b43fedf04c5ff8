// Package eval measures the analyzer against a labelled manifest and
// calibrates the decision thresholds.
package eval

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/andresmejia3/bioverify/internal/config"
	"github.com/andresmejia3/bioverify/internal/logger"
	"github.com/andresmejia3/bioverify/internal/pipeline"
	"github.com/andresmejia3/bioverify/internal/scoring"
	"github.com/andresmejia3/bioverify/internal/types"
	"go.uber.org/zap"
)

// Labels used in the manifest.
const (
	LabelHuman     = "Human"
	LabelSynthetic = "Synthetic"
)

// CalibrationSet is the manifest set Calibrate is meant to run on.
const CalibrationSet = "calib"

// DefaultTargetFPR is the false positive rate calibration aims for.
const DefaultTargetFPR = 0.05

// Threshold grids searched by Calibrate.
var (
	TauSQIGrid  = []float64{0.2, 0.3, 0.4, 0.5}
	TauAuthGrid = []float64{0.4, 0.5, 0.6, 0.7}
)

// Analyzer runs one analysis. pipeline.Analyzer satisfies it.
type Analyzer interface {
	Analyze(ctx context.Context, path string, cfg config.Config) types.AnalysisResult
}

// Counts tallies verdicts against labels. Inconclusive verdicts are counted
// apart and excluded from the four decisive counts.
type Counts struct {
	TP           int `json:"tp"`
	TN           int `json:"tn"`
	FP           int `json:"fp"`
	FN           int `json:"fn"`
	Inconclusive int `json:"inconclusive"`
}

// Add records one verdict. Human is the positive class. Rows with any other
// label only count when inconclusive.
func (c *Counts) Add(label string, verdict types.Verdict) {
	if verdict == types.Inconclusive {
		c.Inconclusive++
		return
	}
	switch label {
	case LabelHuman:
		if verdict == types.Human {
			c.TP++
		} else {
			c.FN++
		}
	case LabelSynthetic:
		if verdict == types.Synthetic {
			c.TN++
		} else {
			c.FP++
		}
	}
}

// Rates are the summary metrics of a tally.
type Rates struct {
	Accuracy         float64 `json:"accuracy"`
	TPR              float64 `json:"tpr"`
	FPR              float64 `json:"fpr"`
	InconclusiveRate float64 `json:"inconclusive_rate"`
}

// Rates computes the metrics over total samples. Empty denominators give 0.
func (c Counts) Rates(total int) Rates {
	return Rates{
		Accuracy:         ratio(c.TP+c.TN, c.TP+c.TN+c.FP+c.FN),
		TPR:              ratio(c.TP, c.TP+c.FN),
		FPR:              ratio(c.FP, c.FP+c.TN),
		InconclusiveRate: ratio(c.Inconclusive, total),
	}
}

func ratio(a, b int) float64 {
	if b == 0 {
		return 0
	}
	return float64(a) / float64(b)
}

// Sample is the per-video line of a report.
type Sample struct {
	Path    string        `json:"path"`
	Label   string        `json:"label"`
	Verdict types.Verdict `json:"verdict"`
	Score   float64       `json:"score"`
	SQI     *float64      `json:"sqi"`
	Reasons []string      `json:"reasons"`
}

// Report is the outcome of Evaluate.
type Report struct {
	Config     config.Config `json:"config"`
	Counts     Counts        `json:"counts"`
	Metrics    Rates         `json:"metrics"`
	NumSamples int           `json:"num_samples"`
	Results    []Sample      `json:"results"`
}

// Runner drives an Analyzer over manifest rows. OnVideo, if set, is called
// after each video.
type Runner struct {
	Analyzer Analyzer
	Logger   *zap.Logger
	OnVideo  func(path string)
}

// Evaluate analyzes every row and tallies the verdicts.
func (r Runner) Evaluate(ctx context.Context, rows []Row, cfg config.Config) (Report, error) {
	log := logger.OrNop(r.Logger)
	report := Report{Config: cfg, Results: make([]Sample, 0, len(rows))}

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		res := r.Analyzer.Analyze(ctx, row.Path, cfg)
		sample := Sample{
			Path:    row.Path,
			Label:   row.Label,
			Verdict: res.Verdict,
			Score:   res.Score,
			Reasons: res.Reasons,
		}
		if m, ok := pipeline.MetricsOf(res); ok {
			sqi := m.SQI.Aggregate
			sample.SQI = &sqi
		}
		report.Results = append(report.Results, sample)
		report.Counts.Add(row.Label, res.Verdict)
		log.Debug("Evaluated video", zap.String("path", row.Path), zap.String("label", row.Label),
			zap.String("verdict", string(res.Verdict)))
		if r.OnVideo != nil {
			r.OnVideo(row.Path)
		}
	}

	report.NumSamples = len(report.Results)
	report.Metrics = report.Counts.Rates(report.NumSamples)
	log.Info("Evaluation complete",
		zap.Int("samples", report.NumSamples),
		zap.Float64("accuracy", report.Metrics.Accuracy),
		zap.Float64("tpr", report.Metrics.TPR),
		zap.Float64("fpr", report.Metrics.FPR),
	)
	return report, nil
}

// WriteReport writes eval_report.json and eval_report.md into dir.
func WriteReport(dir string, report Report) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	if err := writeSortedJSON(filepath.Join(dir, "eval_report.json"), report); err != nil {
		return err
	}

	var md strings.Builder
	fmt.Fprintln(&md, "# Evaluation Report")
	fmt.Fprintln(&md)
	fmt.Fprintf(&md, "- Samples: %d\n", report.NumSamples)
	fmt.Fprintf(&md, "- Accuracy: %.3f\n", report.Metrics.Accuracy)
	fmt.Fprintf(&md, "- TPR: %.3f\n", report.Metrics.TPR)
	fmt.Fprintf(&md, "- FPR: %.3f\n", report.Metrics.FPR)
	fmt.Fprintf(&md, "- Inconclusive rate: %.3f\n", report.Metrics.InconclusiveRate)
	return os.WriteFile(filepath.Join(dir, "eval_report.md"), []byte(md.String()), 0644)
}

// scored is one calibration video: its label and the stage metrics the
// scorer needs. A nil metrics means the analysis failed.
type scored struct {
	label   string
	metrics *pipeline.Metrics
}

// Calibrate analyzes each row once, then re-scores the stored metrics for
// every (tau_sqi, tau_auth) pair of the grid and keeps the pair maximizing
// tpr - |fpr - targetFPR|. Ties keep the earlier pair. Only the scorer reads
// these thresholds, so re-scoring matches a full re-run.
func (r Runner) Calibrate(ctx context.Context, rows []Row, cfg config.Config, targetFPR float64) (config.Policy, error) {
	log := logger.OrNop(r.Logger)

	videos := make([]scored, 0, len(rows))
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return config.Policy{}, err
		}
		res := r.Analyzer.Analyze(ctx, row.Path, cfg)
		m, _ := pipeline.MetricsOf(res)
		videos = append(videos, scored{label: row.Label, metrics: m})
		if r.OnVideo != nil {
			r.OnVideo(row.Path)
		}
	}

	policy := config.Policy{
		ConfigVersion: cfg.ConfigVersion,
		TauSQI:        cfg.Quality.TauSQI,
		TauAuth:       cfg.Scoring.TauAuth,
		TargetFPR:     targetFPR,
		History:       []config.PolicyPoint{},
	}
	best := -1.0
	for _, tauSQI := range TauSQIGrid {
		for _, tauAuth := range TauAuthGrid {
			trial := cfg
			trial.Quality.TauSQI = tauSQI
			trial.Scoring.TauAuth = tauAuth

			var counts Counts
			for _, v := range videos {
				counts.Add(v.label, rescore(v.metrics, trial))
			}
			rates := counts.Rates(len(videos))
			point := config.PolicyPoint{
				TauSQI:           tauSQI,
				TauAuth:          tauAuth,
				TPR:              rates.TPR,
				FPR:              rates.FPR,
				InconclusiveRate: rates.InconclusiveRate,
				Score:            rates.TPR - math.Abs(rates.FPR-targetFPR),
			}
			policy.History = append(policy.History, point)
			if point.Score > best {
				best = point.Score
				policy.TauSQI, policy.TauAuth = tauSQI, tauAuth
			}
		}
	}

	log.Info("Calibration complete",
		zap.Int("videos", len(videos)),
		zap.Float64("tau_sqi", policy.TauSQI),
		zap.Float64("tau_auth", policy.TauAuth),
		zap.Float64("objective", best),
	)
	return policy, nil
}

// rescore re-runs the scorer on stored metrics under cfg's thresholds.
// Failed analyses stay Inconclusive.
func rescore(m *pipeline.Metrics, cfg config.Config) types.Verdict {
	if m == nil {
		return types.Inconclusive
	}
	sqi := m.SQI
	sqi.TauSQI = cfg.Quality.TauSQI
	return scoring.Decide(sqi, m.Features, cfg, logger.Nop()).Verdict
}

// WritePolicy writes policy_config.json into dir and returns its path.
func WritePolicy(dir string, policy config.Policy) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, "policy_config.json")
	return path, writeSortedJSON(path, policy)
}

// writeSortedJSON writes v indented, with object keys sorted at every level.
func writeSortedJSON(path string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return err
	}
	data, err := json.MarshalIndent(generic, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}
