// Package queue carries analysis jobs over Redis with asynq: a client that
// enqueues analysis:run tasks and a handler that executes them.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/andresmejia3/bioverify/internal/logger"
	"github.com/andresmejia3/bioverify/internal/store"
	"github.com/andresmejia3/bioverify/internal/worker"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// TypeAnalysisRun is the task type of one analysis job.
const TypeAnalysisRun = "analysis:run"

const (
	maxRetry    = 1
	taskTimeout = 300 * time.Second
)

// StaleAfter is how long a row may stay running before it is presumed lost
// with its worker.
const StaleAfter = 2 * taskTimeout

// RedisOptFromEnv reads REDIS_ADDR (default localhost:6379) and REDIS_PASSWORD.
func RedisOptFromEnv() asynq.RedisClientOpt {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	return asynq.RedisClientOpt{
		Addr:     addr,
		Password: os.Getenv("REDIS_PASSWORD"),
	}
}

// NewAnalysisTask encodes job as an analysis:run task.
func NewAnalysisTask(job worker.JobSpec) (*asynq.Task, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeAnalysisRun, payload, asynq.MaxRetry(maxRetry), asynq.Timeout(taskTimeout)), nil
}

// ParseAnalysisTask decodes the job carried by t. Malformed payloads wrap
// asynq.SkipRetry since redelivery cannot fix them.
func ParseAnalysisTask(t *asynq.Task) (worker.JobSpec, error) {
	var job worker.JobSpec
	if err := json.Unmarshal(t.Payload(), &job); err != nil {
		return job, fmt.Errorf("invalid %s payload: %v: %w", TypeAnalysisRun, err, asynq.SkipRetry)
	}
	if job.AnalysisID == "" || job.InputURI == "" {
		return job, fmt.Errorf("invalid %s payload: missing analysis_id or input_uri: %w", TypeAnalysisRun, asynq.SkipRetry)
	}
	return job, nil
}

// Client enqueues analysis jobs.
type Client struct {
	client *asynq.Client
}

func NewClient(opt asynq.RedisConnOpt) *Client {
	return &Client{client: asynq.NewClient(opt)}
}

// Enqueue submits job and returns the task id.
func (c *Client) Enqueue(ctx context.Context, job worker.JobSpec) (string, error) {
	task, err := NewAnalysisTask(job)
	if err != nil {
		return "", err
	}
	info, err := c.client.EnqueueContext(ctx, task)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue analysis %s: %w", job.AnalysisID, err)
	}
	return info.ID, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

// JobStore is the slice of the analysis store the handler updates.
type JobStore interface {
	MarkRunning(ctx context.Context, id string) (bool, error)
	CompleteAnalysis(ctx context.Context, id string, result any) error
	FailAnalysis(ctx context.Context, id, code, message string, result any) error
}

// JobRunner executes one job.
type JobRunner interface {
	Run(ctx context.Context, job worker.JobSpec) worker.JobResult
}

// Handler processes analysis:run tasks.
type Handler struct {
	Store  JobStore
	Runner JobRunner
	Logger *zap.Logger
}

// ProcessTask implements asynq.Handler.
func (h *Handler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	log := logger.OrNop(h.Logger)

	job, err := ParseAnalysisTask(t)
	if err != nil {
		log.Error("Dropping analysis task", zap.Error(err))
		return err
	}
	log = log.With(zap.String("analysis_id", job.AnalysisID))

	started, err := h.Store.MarkRunning(ctx, job.AnalysisID)
	if errors.Is(err, store.ErrNotFound) {
		log.Error("Analysis row does not exist")
		return fmt.Errorf("analysis %s: %w: %w", job.AnalysisID, err, asynq.SkipRetry)
	}
	if err != nil {
		return fmt.Errorf("failed to mark analysis running: %w", err)
	}
	if !started {
		log.Info("Analysis already finished, skipping")
		return nil
	}

	res := h.Runner.Run(ctx, job)
	if res.Failed() {
		log.Warn("Analysis failed", zap.String("code", res.ErrorCode), zap.String("message", res.ErrorMessage))
		return h.Store.FailAnalysis(ctx, job.AnalysisID, res.ErrorCode, res.ErrorMessage, res)
	}
	log.Info("Analysis done", zap.String("verdict", string(res.Verdict)))
	return h.Store.CompleteAnalysis(ctx, job.AnalysisID, res)
}

// NewServer builds the asynq server that runs analysis tasks with the given
// concurrency.
func NewServer(opt asynq.RedisConnOpt, concurrency int, log *zap.Logger) *asynq.Server {
	if concurrency <= 0 {
		concurrency = 2
	}
	return asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{"default": 1},
		Logger:      logger.OrNop(log).Sugar(),
	})
}

// NewMux routes analysis:run tasks to h.
func NewMux(h *Handler) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Handle(TypeAnalysisRun, h)
	return mux
}
