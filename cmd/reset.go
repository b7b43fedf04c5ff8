package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/andresmejia3/bioverify/internal/storage"
	"github.com/andresmejia3/bioverify/internal/utils"
	"github.com/spf13/cobra"
)

var (
	resetDB    bool
	resetFiles bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset system state (Database, Uploads, Evidence)",
	Long:  "Clears all data. By default, it resets everything. Use flags to clear specific components.",
	Run: func(cmd *cobra.Command, args []string) {
		// If no flags are set, default to clearing EVERYTHING
		if !resetDB && !resetFiles {
			resetDB = true
			resetFiles = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetDB {
			if confirm(reader, os.Stdout, "⚠️  Are you sure you want to DROP all database tables?") {
				fmt.Println("🗑️  Clearing Database...")
				if err := connectDB(cmd.Context()); err != nil {
					utils.Die("Failed to connect to database", err, nil)
				}
				if err := DB.Reset(cmd.Context()); err != nil {
					utils.Die("Failed to reset database", err, nil)
				}
			}
		}

		if resetFiles {
			if confirm(reader, os.Stdout, "⚠️  Are you sure you want to delete all uploads and evidence?") {
				fmt.Println("🗑️  Clearing Storage (Uploads, Evidence)...")
				clearStorage()
			}
		}

		fmt.Println("✨ System Reset Complete.")
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "db", false, "Clear PostgreSQL database")
	resetCmd.Flags().BoolVar(&resetFiles, "files", false, "Clear local storage (uploads, evidence)")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, w io.Writer, prompt string) bool {
	fmt.Fprintf(w, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

// clearStorage empties the local storage root. Remote buckets are left alone.
func clearStorage() {
	cfg := storage.ConfigFromEnv()
	if cfg.Backend != storage.BackendLocal && cfg.Backend != "" {
		fmt.Fprintf(os.Stderr, "⚠️  Storage backend %q is remote; not clearing it\n", cfg.Backend)
		return
	}
	local, err := storage.NewLocal(cfg.Root, cfg.BaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to open %s: %v\n", cfg.Root, err)
		return
	}
	if err := local.Clear(); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to clear %s: %v\n", local.Root, err)
	}
}
