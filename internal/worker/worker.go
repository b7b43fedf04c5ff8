// Package worker executes one queued analysis end to end: fetch the clip from
// storage, analyze it, write and upload the evidence, and summarize the result
// for the job record.
package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/andresmejia3/bioverify/internal/config"
	"github.com/andresmejia3/bioverify/internal/evidence"
	"github.com/andresmejia3/bioverify/internal/logger"
	"github.com/andresmejia3/bioverify/internal/pipeline"
	"github.com/andresmejia3/bioverify/internal/storage"
	"github.com/andresmejia3/bioverify/internal/types"
	"go.uber.org/zap"
)

// Job statuses reported in JobResult.
const (
	StatusDone   = "done"
	StatusFailed = "failed"
)

// Error codes for failed jobs.
const (
	CodeDownloadFailed = "DOWNLOAD_FAILED"
	CodePolicyNotFound = "POLICY_NOT_FOUND"
	CodeUploadFailed   = "UPLOAD_FAILED"
	CodeInternalError  = "INTERNAL_ERROR"
	CodeEnqueueFailed  = "ENQUEUE_FAILED"
)

// DefaultPolicy is the policy_version reported when no policy is named.
const DefaultPolicy = "default"

// JobSpec describes one analysis job.
type JobSpec struct {
	AnalysisID      string `json:"analysis_id"`
	InputURI        string `json:"input_uri"` // storage key of the clip
	PolicyName      string `json:"policy_name,omitempty"`
	OutputURIPrefix string `json:"output_uri_prefix,omitempty"`
}

// EvidencePrefix is where the job's evidence is uploaded.
func (j JobSpec) EvidencePrefix() string {
	if j.OutputURIPrefix != "" {
		return storage.CleanKey(j.OutputURIPrefix)
	}
	return "evidence/" + j.AnalysisID
}

// Diagnostics is the compact per-stage view stored with a finished job.
type Diagnostics struct {
	Ingest map[string]any `json:"ingest"`
	Face   map[string]any `json:"face"`
	ROI    any            `json:"roi"`
	RPPG   any            `json:"rppg"`
}

// JobResult is the outcome persisted as the analysis result_json.
type JobResult struct {
	AnalysisID     string         `json:"analysis_id"`
	Status         string         `json:"status"`
	Verdict        types.Verdict  `json:"verdict,omitempty"`
	Score          *float64       `json:"score,omitempty"`
	Confidence     *float64       `json:"confidence,omitempty"`
	Reasons        []string       `json:"reasons,omitempty"`
	MetricsSummary map[string]any `json:"metrics_summary,omitempty"`
	Metrics        *Diagnostics   `json:"metrics,omitempty"`
	EvidenceIndex  string         `json:"evidence_index,omitempty"`
	Artifacts      []string       `json:"artifacts,omitempty"`
	EngineVersion  string         `json:"engine_version,omitempty"`
	PolicyVersion  string         `json:"policy_version,omitempty"`
	ErrorCode      string         `json:"error_code,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
}

// Failed reports whether the job failed before producing a verdict.
func (r JobResult) Failed() bool {
	return r.Status == StatusFailed
}

// Runner executes jobs. Config is the base analysis configuration that a
// named policy is applied on top of.
type Runner struct {
	Storage   storage.Storage
	Analyzer  pipeline.Analyzer
	Config    config.Config
	PolicyDir string
	Logger    *zap.Logger
}

// Run executes the job. It never returns an error: every failure is reported
// through the result's error code.
func (r Runner) Run(ctx context.Context, job JobSpec) (res JobResult) {
	log := logger.OrNop(r.Logger).With(zap.String("analysis_id", job.AnalysisID))

	tmp, err := os.MkdirTemp("", "bioverify_"+job.AnalysisID+"_")
	if err != nil {
		return failed(job, CodeInternalError, fmt.Errorf("failed to create work dir: %w", err))
	}
	defer os.RemoveAll(tmp)

	defer func() {
		if rec := recover(); rec != nil {
			log.Error("Job panicked", zap.Any("panic", rec))
			res = failed(job, CodeInternalError, fmt.Errorf("unexpected error: %v", rec))
		}
	}()

	input := filepath.Join(tmp, "input.mp4")
	if err := r.Storage.DownloadFile(ctx, job.InputURI, input); err != nil {
		return failed(job, CodeDownloadFailed, fmt.Errorf("failed to download input video: %w", err))
	}

	cfg := r.Config
	if cfg.ConfigVersion == "" {
		cfg = config.Default()
	}
	if job.PolicyName != "" {
		policy, err := config.LoadPolicy(r.PolicyDir, job.PolicyName)
		if err != nil {
			return failed(job, CodePolicyNotFound, fmt.Errorf("failed to load policy %q: %w", job.PolicyName, err))
		}
		cfg = cfg.ApplyPolicy(policy)
	}

	// Decode once; the frames also feed the ROI overlays.
	analyzer := r.Analyzer
	if analyzer.Logger == nil {
		analyzer.Logger = log
	}
	var result types.AnalysisResult
	batch, err := analyzer.Decode(ctx, input)
	if err != nil {
		result = pipeline.Failure(err, cfg)
	} else {
		result = analyzer.AnalyzeBatch(ctx, batch, cfg)
	}
	log.Info("Analysis finished", zap.String("verdict", string(result.Verdict)), zap.Float64("score", result.Score))

	evidenceDir := filepath.Join(tmp, "evidence")
	if err := os.MkdirAll(evidenceDir, 0755); err != nil {
		return failed(job, CodeInternalError, err)
	}
	if _, err := evidence.Write(evidenceDir, result, batch, cfg, log); err != nil {
		log.Error("Evidence writing failed (non-fatal)", zap.Error(err))
	}

	prefix := job.EvidencePrefix()
	keys, err := r.Storage.UploadFolder(ctx, evidenceDir, prefix)
	if err != nil {
		return failed(job, CodeUploadFailed, fmt.Errorf("failed to upload evidence: %w", err))
	}
	log.Info("Evidence uploaded", zap.String("prefix", prefix), zap.Int("files", len(keys)))

	score, confidence := result.Score, result.Confidence
	res = JobResult{
		AnalysisID:    job.AnalysisID,
		Status:        StatusDone,
		Verdict:       result.Verdict,
		Score:         &score,
		Confidence:    &confidence,
		Reasons:       result.Reasons,
		EvidenceIndex: prefix + "/index.json",
		Artifacts:     keys,
		EngineVersion: cfg.ConfigVersion,
		PolicyVersion: job.PolicyName,
	}
	if res.PolicyVersion == "" {
		res.PolicyVersion = DefaultPolicy
	}
	if m, ok := pipeline.MetricsOf(result); ok {
		res.MetricsSummary = map[string]any{
			"sqi":      m.SQI,
			"features": m.Features,
			"scoring":  m.Scoring,
		}
		res.Metrics = &Diagnostics{
			Ingest: m.Ingest,
			Face:   map[string]any{"windows": m.Face.Windows},
			ROI:    m.ROI.Summary,
			RPPG:   m.RPPG.Summary,
		}
	}
	return res
}

func failed(job JobSpec, code string, err error) JobResult {
	return JobResult{
		AnalysisID:   job.AnalysisID,
		Status:       StatusFailed,
		ErrorCode:    code,
		ErrorMessage: err.Error(),
	}
}
