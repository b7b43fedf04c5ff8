package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/andresmejia3/bioverify/internal/detector"
	"github.com/andresmejia3/bioverify/internal/evidence"
	"github.com/andresmejia3/bioverify/internal/pipeline"
	"github.com/andresmejia3/bioverify/internal/types"
	"github.com/andresmejia3/bioverify/internal/utils"
	"github.com/andresmejia3/bioverify/internal/video"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	analyzeOut  string
	analyzeSave bool
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <video>",
	Short: "Analyze one clip and print the verdict as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAnalyze(cmd.Context(), args[0])
	},
}

func init() {
	analyzeCmd.Flags().StringVarP(&analyzeOut, "out", "o", "", "Directory for evidence artifacts (skipped when empty)")
	analyzeCmd.Flags().BoolVar(&analyzeSave, "save", false, "Persist the result to the database as a finished analysis")
	rootCmd.AddCommand(analyzeCmd)
}

func runAnalyze(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("input file does not exist: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("input path is a directory, expected a video file: %s", path)
	}

	if videoID, err := utils.GenerateVideoID(path); err == nil {
		fmt.Fprintf(os.Stderr, "📼 Processing Video ID: %s\n", videoID[:12])
	}

	det, err := detector.New(Cfg, Log)
	if err != nil {
		return fmt.Errorf("failed to load face detector: %w", err)
	}
	defer det.Close()

	opts := video.DefaultOptions()
	bar := progressbar.NewOptions(expectedFrames(ctx, path, opts.MaxFrames),
		progressbar.OptionSetDescription("⏳ Decoding"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)
	opts.OnFrame = func(int) { bar.Add(1) }

	analyzer := pipeline.Analyzer{
		Detector: det,
		Logger:   Log,
		Source:   pipeline.VideoSource{Options: opts},
	}

	var res types.AnalysisResult
	batch, err := analyzer.Decode(ctx, path)
	bar.Finish()
	fmt.Fprintln(os.Stderr)
	if err != nil {
		res = pipeline.Failure(err, Cfg)
	} else {
		res = analyzer.AnalyzeBatch(ctx, batch, Cfg)
	}

	if analyzeOut != "" {
		artifacts, err := evidence.Write(analyzeOut, res, batch, Cfg, Log)
		if err != nil {
			Log.Warn("Evidence generation failed", zap.Error(err))
		} else {
			res.EvidencePaths = artifacts
			fmt.Fprintf(os.Stderr, "🗂️  Evidence written to %s\n", analyzeOut)
		}
	}

	if analyzeSave {
		id, err := saveResult(ctx, path, res)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "✅ Saved analysis %s\n", id)
	}

	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

// expectedFrames sizes the progress bar; -1 renders a spinner when ffprobe
// cannot count frames.
func expectedFrames(ctx context.Context, path string, maxFrames int) int {
	meta, err := video.Probe(ctx, path)
	if err != nil || meta.FrameCount <= 0 {
		return -1
	}
	return min(meta.FrameCount, maxFrames)
}

// saveResult records a locally run analysis as a finished row.
func saveResult(ctx context.Context, path string, res types.AnalysisResult) (string, error) {
	if err := connectDB(ctx); err != nil {
		return "", err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	id := uuid.NewString()
	if _, err := DB.CreateAnalysis(ctx, id, abs, "", analyzeOut); err != nil {
		return "", fmt.Errorf("failed to create analysis: %w", err)
	}
	if _, err := DB.MarkRunning(ctx, id); err != nil {
		return "", fmt.Errorf("failed to mark analysis running: %w", err)
	}
	if err := DB.CompleteAnalysis(ctx, id, res); err != nil {
		return "", fmt.Errorf("failed to save analysis: %w", err)
	}
	return id, nil
}
