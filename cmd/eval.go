package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/andresmejia3/bioverify/internal/detector"
	"github.com/andresmejia3/bioverify/internal/eval"
	"github.com/andresmejia3/bioverify/internal/pipeline"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var (
	evalOut    string
	evalFilter eval.Filter

	calibrateOut       string
	calibrateTargetFPR float64
)

var evalCmd = &cobra.Command{
	Use:   "eval <manifest.csv>",
	Short: "Evaluate the detector against a labelled manifest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEval(cmd.Context(), args[0])
	},
}

var calibrateCmd = &cobra.Command{
	Use:   "calibrate <manifest.csv>",
	Short: "Grid-search tau_sqi and tau_auth on the calibration split",
	Long:  "Analyzes every manifest row with set == \"calib\" once, re-scores it over the threshold grid, and writes the best pair to policy_config.json.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCalibrate(cmd.Context(), args[0])
	},
}

func init() {
	evalCmd.Flags().StringVarP(&evalOut, "out", "o", "eval_out", "Directory for eval_report.json and eval_report.md")
	evalCmd.Flags().StringVar(&evalFilter.GeneratorType, "generator-type", "", "Only evaluate rows with this generator_type")
	evalCmd.Flags().StringVar(&evalFilter.CompressionLevel, "compression-level", "", "Only evaluate rows with this compression_level")
	evalCmd.Flags().StringVar(&evalFilter.Set, "set", "", "Only evaluate rows from this set")

	calibrateCmd.Flags().StringVarP(&calibrateOut, "out", "o", "calib_out", "Directory for policy_config.json")
	calibrateCmd.Flags().Float64Var(&calibrateTargetFPR, "target-fpr", eval.DefaultTargetFPR, "False positive rate the objective aims for")

	rootCmd.AddCommand(evalCmd, calibrateCmd)
}

// newEvalRunner loads the detector once and drives a progress bar over rows.
// The caller closes the returned detector through cleanup.
func newEvalRunner(total int, description string) (eval.Runner, func(), error) {
	det, err := detector.New(Cfg, Log)
	if err != nil {
		return eval.Runner{}, nil, fmt.Errorf("failed to load face detector: %w", err)
	}
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)
	runner := eval.Runner{
		Analyzer: pipeline.Analyzer{Detector: det, Logger: Log},
		Logger:   Log,
		OnVideo:  func(string) { bar.Add(1) },
	}
	cleanup := func() {
		bar.Finish()
		fmt.Fprintln(os.Stderr)
		det.Close()
	}
	return runner, cleanup, nil
}

func runEval(ctx context.Context, manifest string) error {
	rows, err := eval.LoadManifest(manifest)
	if err != nil {
		return err
	}
	rows = evalFilter.Apply(rows)
	if len(rows) == 0 {
		return fmt.Errorf("no manifest rows match the filters")
	}

	runner, cleanup, err := newEvalRunner(len(rows), "🔍 Evaluating")
	if err != nil {
		return err
	}
	report, err := runner.Evaluate(ctx, rows, Cfg)
	cleanup()
	if err != nil {
		return fmt.Errorf("evaluation interrupted: %w", err)
	}
	if err := eval.WriteReport(evalOut, report); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}

	c, m := report.Counts, report.Metrics
	fmt.Fprintf(os.Stderr, "📊 %d samples | TP %d  TN %d  FP %d  FN %d  Inconclusive %d\n",
		report.NumSamples, c.TP, c.TN, c.FP, c.FN, c.Inconclusive)
	fmt.Fprintf(os.Stderr, "   accuracy %.3f  tpr %.3f  fpr %.3f  inconclusive %.3f\n",
		m.Accuracy, m.TPR, m.FPR, m.InconclusiveRate)
	fmt.Fprintf(os.Stderr, "✅ Report written to %s\n", filepath.Join(evalOut, "eval_report.json"))
	return nil
}

func runCalibrate(ctx context.Context, manifest string) error {
	rows, err := eval.LoadManifest(manifest)
	if err != nil {
		return err
	}
	rows = eval.Filter{Set: eval.CalibrationSet}.Apply(rows)
	if len(rows) == 0 {
		return fmt.Errorf("manifest has no rows with set == %q", eval.CalibrationSet)
	}

	runner, cleanup, err := newEvalRunner(len(rows), "🎯 Calibrating")
	if err != nil {
		return err
	}
	policy, err := runner.Calibrate(ctx, rows, Cfg, calibrateTargetFPR)
	cleanup()
	if err != nil {
		return fmt.Errorf("calibration interrupted: %w", err)
	}
	path, err := eval.WritePolicy(calibrateOut, policy)
	if err != nil {
		return fmt.Errorf("failed to write policy: %w", err)
	}

	fmt.Fprintf(os.Stderr, "✅ tau_sqi=%.2f tau_auth=%.2f written to %s\n", policy.TauSQI, policy.TauAuth, path)
	return nil
}
