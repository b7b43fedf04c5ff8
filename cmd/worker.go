package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/andresmejia3/bioverify/internal/detector"
	"github.com/andresmejia3/bioverify/internal/pipeline"
	"github.com/andresmejia3/bioverify/internal/queue"
	"github.com/andresmejia3/bioverify/internal/storage"
	"github.com/andresmejia3/bioverify/internal/worker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	workerConcurrency int
	policyDir         string
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run queued analyses",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker(cmd.Context())
	},
}

func init() {
	workerCmd.Flags().IntVarP(&workerConcurrency, "concurrency", "c", 2, "Number of analyses run in parallel")
	workerCmd.Flags().StringVar(&policyDir, "policy-dir", "", "Directory holding <name>.json calibration policies (default: $BIOVERIFY_POLICY_DIR or ./policies)")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(ctx context.Context) error {
	if workerConcurrency < 1 {
		workerConcurrency = 1
	}
	if policyDir == "" {
		policyDir = envOr("BIOVERIFY_POLICY_DIR", "policies")
	}
	if err := connectDB(ctx); err != nil {
		return err
	}
	st, err := storage.New(ctx, storage.ConfigFromEnv())
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	failStale(ctx)

	// One detector for every job; the SSD serialises its forward passes.
	det := detector.NewShared(Cfg, Log)
	defer det.Close()

	handler := &queue.Handler{
		Store: DB,
		Runner: worker.Runner{
			Storage:   st,
			Analyzer:  pipeline.Analyzer{Detector: det, Logger: Log},
			Config:    Cfg,
			PolicyDir: policyDir,
			Logger:    Log,
		},
		Logger: Log,
	}

	srv := queue.NewServer(queue.RedisOptFromEnv(), workerConcurrency, Log)
	if err := srv.Start(queue.NewMux(handler)); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}
	fmt.Fprintf(os.Stderr, "⚙️  Worker running with concurrency %d\n", workerConcurrency)

	<-ctx.Done()
	fmt.Fprintln(os.Stderr, "🛑 Shutting down worker...")
	srv.Shutdown()
	return nil
}

// failStale fails rows left running by a worker that died mid-job.
func failStale(ctx context.Context) {
	n, err := DB.FailStuck(ctx, queue.StaleAfter)
	if err != nil {
		Log.Warn("Stale analysis cleanup failed", zap.Error(err))
		return
	}
	if n > 0 {
		Log.Warn("Failed stale analyses", zap.Int64("count", n))
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
