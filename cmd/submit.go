package cmd

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/andresmejia3/bioverify/internal/queue"
	"github.com/andresmejia3/bioverify/internal/storage"
	"github.com/andresmejia3/bioverify/internal/worker"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var submitPolicy string

var submitCmd = &cobra.Command{
	Use:   "submit <input-uri>",
	Short: "Queue an analysis for the worker",
	Long:  "Queues an analysis of a storage key. A path to a local file is uploaded to uploads/<id>/ first.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSubmit(cmd.Context(), args[0])
	},
}

func init() {
	submitCmd.Flags().StringVarP(&submitPolicy, "policy", "p", "", "Calibrated policy name to apply (default thresholds when empty)")
	rootCmd.AddCommand(submitCmd)
}

func runSubmit(ctx context.Context, input string) error {
	if err := connectDB(ctx); err != nil {
		return err
	}
	st, err := storage.New(ctx, storage.ConfigFromEnv())
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}

	id := uuid.NewString()
	key := storage.CleanKey(input)
	if info, err := os.Stat(input); err == nil && !info.IsDir() {
		key = path.Join("uploads", id, filepath.Base(input))
		if _, err := st.UploadFile(ctx, input, key); err != nil {
			return fmt.Errorf("failed to upload %s: %w", input, err)
		}
		fmt.Fprintf(os.Stderr, "⬆️  Uploaded %s to %s\n", input, key)
	}

	job := worker.JobSpec{
		AnalysisID:      id,
		InputURI:        key,
		PolicyName:      submitPolicy,
		OutputURIPrefix: "evidence/" + id,
	}
	if _, err := DB.CreateAnalysis(ctx, id, job.InputURI, job.PolicyName, job.OutputURIPrefix); err != nil {
		return fmt.Errorf("failed to create analysis: %w", err)
	}

	client := queue.NewClient(queue.RedisOptFromEnv())
	defer client.Close()
	taskID, err := client.Enqueue(ctx, job)
	if err != nil {
		if ferr := DB.FailAnalysis(ctx, id, worker.CodeEnqueueFailed, err.Error(), nil); ferr != nil {
			Log.Error("Failed to mark analysis failed", zap.String("analysis_id", id), zap.Error(ferr))
		}
		return err
	}

	Log.Debug("Task enqueued", zap.String("analysis_id", id), zap.String("task_id", taskID))
	fmt.Fprintf(os.Stderr, "✅ Analysis queued\n")
	fmt.Println(id)
	return nil
}
