// Package pipeline runs the full liveness analysis: ingest, face
// localization, region extraction, stabilization, pulse extraction, signal
// quality, features and scoring.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/andresmejia3/bioverify/internal/config"
	"github.com/andresmejia3/bioverify/internal/face"
	"github.com/andresmejia3/bioverify/internal/features"
	"github.com/andresmejia3/bioverify/internal/ingest"
	"github.com/andresmejia3/bioverify/internal/logger"
	"github.com/andresmejia3/bioverify/internal/quality"
	"github.com/andresmejia3/bioverify/internal/roi"
	"github.com/andresmejia3/bioverify/internal/rppg"
	"github.com/andresmejia3/bioverify/internal/scoring"
	"github.com/andresmejia3/bioverify/internal/stabilize"
	"github.com/andresmejia3/bioverify/internal/types"
	"github.com/andresmejia3/bioverify/internal/video"
	"go.uber.org/zap"
)

// ReasonInternalError replaces every other reason when the analysis fails.
const ReasonInternalError = "internal_error"

// Source decodes a clip into frames.
type Source interface {
	Read(ctx context.Context, path string) (*types.FrameBatch, error)
}

// SourceFunc adapts a function to a Source.
type SourceFunc func(ctx context.Context, path string) (*types.FrameBatch, error)

func (f SourceFunc) Read(ctx context.Context, path string) (*types.FrameBatch, error) {
	return f(ctx, path)
}

// VideoSource decodes with ffmpeg.
type VideoSource struct {
	Options video.Options
}

func (s VideoSource) Read(ctx context.Context, path string) (*types.FrameBatch, error) {
	return video.Read(ctx, path, s.Options)
}

// StageError wraps a failure with the stage it happened in.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// PanicError carries a value recovered from a panicking stage.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Metrics is the per-stage breakdown attached to a successful result.
type Metrics struct {
	ConfigVersion string            `json:"config_version"`
	Ingest        map[string]any    `json:"ingest"`
	Face          face.Result       `json:"face"`
	ROI           roi.Result        `json:"roi"`
	Stabilization stabilize.Result  `json:"stabilization"`
	RPPG          rppg.Result       `json:"rppg"`
	SQI           quality.Result    `json:"sqi"`
	Features      features.Result   `json:"features"`
	Scoring       scoring.Breakdown `json:"scoring"`
}

// MetricsOf returns the stage metrics of a result produced by this package,
// or false for a failed analysis.
func MetricsOf(res types.AnalysisResult) (*Metrics, bool) {
	m, ok := res.Metrics.(*Metrics)
	return m, ok && m != nil
}

// Analyzer holds the long-lived dependencies of an analysis. The zero value
// decodes with ffmpeg and has no detector, so every analysis fails until
// Detector is set.
type Analyzer struct {
	Detector face.Detector
	Logger   *zap.Logger
	Source   Source
}

// Analyze decodes path once and runs every stage over the frames. It never
// returns an error: failures come back as an Inconclusive result with reason
// internal_error and a populated Error field.
func (a Analyzer) Analyze(ctx context.Context, path string, cfg config.Config) types.AnalysisResult {
	batch, err := a.Decode(ctx, path)
	if err != nil {
		return Failure(err, cfg)
	}
	return a.AnalyzeBatch(ctx, batch, cfg)
}

// Decode reads the clip through the configured Source.
func (a Analyzer) Decode(ctx context.Context, path string) (*types.FrameBatch, error) {
	src := a.Source
	if src == nil {
		src = VideoSource{Options: video.DefaultOptions()}
	}
	batch, err := src.Read(ctx, path)
	if err != nil {
		return nil, &StageError{Stage: "ingest", Err: err}
	}
	return batch, nil
}

// AnalyzeBatch runs the stages on an already decoded clip.
func (a Analyzer) AnalyzeBatch(ctx context.Context, batch *types.FrameBatch, cfg config.Config) (res types.AnalysisResult) {
	defer func() {
		if r := recover(); r != nil {
			logger.OrNop(a.Logger).Error("Analysis panicked", zap.Any("panic", r))
			res = Failure(&PanicError{Value: r}, cfg)
		}
	}()

	out, err := a.run(ctx, batch, cfg)
	if err != nil {
		return Failure(err, cfg)
	}
	return out
}

func (a Analyzer) run(ctx context.Context, batch *types.FrameBatch, cfg config.Config) (types.AnalysisResult, error) {
	log := logger.OrNop(a.Logger)

	logger.Params(log, "ingest", map[string]any{"ingest": cfg.Ingest})
	ing := ingest.Run(batch, cfg.Ingest)
	log.Info("Ingest complete", zap.Int("frames", batch.Len()), zap.Int("windows", len(ing.Windows)))

	faces, err := face.Localizer{Detector: a.Detector, Logger: log}.Run(ctx, batch, ing.Windows, cfg.Face)
	if err != nil {
		return types.AnalysisResult{}, &StageError{Stage: "face", Err: err}
	}

	regions := roi.Extract(batch, faces.Frames, cfg.ROI, log)
	motion := stabilize.Run(ing.Windows, log)
	pulse := rppg.Extract(batch, regions, cfg.RPPG, log)

	logger.Params(log, "sqi", map[string]any{"quality": cfg.Quality})
	sqi := quality.Compute(pulse, motion, cfg.Quality)
	log.Info("Signal quality",
		zap.Float64("aggregate", sqi.Aggregate),
		zap.Float64("motion_penalty", sqi.MotionPenalty),
		zap.Bool("gate_failed", sqi.GateFailed()),
	)

	feats := features.Compute(pulse, log)

	logger.Params(log, "scoring", map[string]any{"features": cfg.Features, "scoring": cfg.Scoring})
	decision := scoring.Decide(sqi, feats, cfg, log)

	metrics := &Metrics{
		ConfigVersion: cfg.ConfigVersion,
		Ingest:        ing.Metrics,
		Face:          faces,
		ROI:           regions,
		Stabilization: motion,
		RPPG:          pulse,
		SQI:           sqi,
		Features:      feats,
		Scoring:       decision.Breakdown,
	}
	// NaN or Inf anywhere in the metrics would make the result unencodable.
	if _, err := json.Marshal(metrics); err != nil {
		return types.AnalysisResult{}, &StageError{Stage: "metrics", Err: err}
	}

	reasons := make([]string, 0, len(ing.Reasons)+len(faces.Reasons)+len(decision.Reasons))
	reasons = append(reasons, ing.Reasons...)
	reasons = append(reasons, faces.Reasons...)
	reasons = append(reasons, decision.Reasons...)

	return types.AnalysisResult{
		Verdict:       decision.Verdict,
		Score:         decision.Score,
		Confidence:    decision.Confidence,
		Reasons:       reasons,
		Metrics:       metrics,
		EvidencePaths: map[string]any{},
		ConfigVersion: cfg.ConfigVersion,
	}, nil
}

// Failure converts an error into the Inconclusive internal_error result.
func Failure(err error, cfg config.Config) types.AnalysisResult {
	return types.AnalysisResult{
		Verdict:       types.Inconclusive,
		Score:         0,
		Confidence:    0,
		Reasons:       []string{ReasonInternalError},
		Metrics:       map[string]any{},
		EvidencePaths: map[string]any{},
		Error:         &types.ErrorInfo{Message: err.Error(), Type: ErrorType(err)},
		ConfigVersion: cfg.ConfigVersion,
	}
}

// ErrorType names the error for the result's error.type field. Stage
// errors report their cause, unless the cause is an anonymous error from the
// errors or fmt packages.
func ErrorType(err error) string {
	var se *StageError
	if errors.As(err, &se) && se.Err != nil {
		if name, ok := namedType(se.Err); ok {
			return name
		}
		return "StageError"
	}
	if name, ok := namedType(err); ok {
		return name
	}
	return "Error"
}

func namedType(err error) (string, bool) {
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.PkgPath() {
	case "errors", "fmt", "":
		return "", false
	}
	return t.Name(), t.Name() != ""
}
