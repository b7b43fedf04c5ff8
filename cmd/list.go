package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/bioverify/internal/store"
	"github.com/spf13/cobra"
)

var listLimit int

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent analyses",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runList(cmd.Context())
	},
}

var showCmd = &cobra.Command{
	Use:   "show <analysis_id>",
	Short: "Print one analysis as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runShow(cmd.Context(), args[0])
	},
}

func init() {
	listCmd.Flags().IntVarP(&listLimit, "limit", "n", 20, "Number of analyses to show")
	rootCmd.AddCommand(listCmd, showCmd)
}

func runList(ctx context.Context) error {
	if err := connectDB(ctx); err != nil {
		return err
	}
	analyses, err := DB.ListAnalyses(ctx, listLimit)
	if err != nil {
		return fmt.Errorf("failed to list analyses: %w", err)
	}

	if len(analyses) == 0 {
		fmt.Println("No analyses found in database.")
		return nil
	}
	printAnalyses(os.Stdout, analyses)
	return nil
}

func printAnalyses(out io.Writer, analyses []store.Analysis) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tVERDICT\tPOLICY\tCREATED")
	fmt.Fprintln(w, "--\t------\t-------\t------\t-------")

	for _, a := range analyses {
		policy := a.PolicyName
		if policy == "" {
			policy = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", a.ID, a.Status, verdictOf(a), policy, a.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
}

// verdictOf pulls the verdict out of a stored result, or the error code of a
// failed analysis.
func verdictOf(a store.Analysis) string {
	if a.Status == store.StatusFailed && a.ErrorCode != "" {
		return a.ErrorCode
	}
	var res struct {
		Verdict string `json:"verdict"`
	}
	if len(a.Result) == 0 || json.Unmarshal(a.Result, &res) != nil || res.Verdict == "" {
		return "-"
	}
	return res.Verdict
}

func runShow(ctx context.Context, id string) error {
	if err := connectDB(ctx); err != nil {
		return err
	}
	a, err := DB.GetAnalysis(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load analysis %s: %w", id, err)
	}
	out, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
