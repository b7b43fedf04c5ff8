package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/bioverify/internal/config"
	"github.com/andresmejia3/bioverify/internal/logger"
	"github.com/andresmejia3/bioverify/internal/store"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	// DB is the shared database connection. Only commands that persist
	// anything open it, via connectDB.
	DB *store.Store
	// Log is the process logger, built in PersistentPreRunE.
	Log *zap.Logger
	// Cfg is the analysis configuration loaded from --config.
	Cfg config.Config

	dbURL      string
	configPath string
	debug      bool
)

// Version is the application version.
const Version = config.Version

var rootCmd = &cobra.Command{
	Use:           "bioverify",
	Short:         "Remote photoplethysmography liveness verification for face videos",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A missing .env is fine; the environment may already be set.
		_ = godotenv.Load()

		var err error
		Log, err = logger.New(debug)
		if err != nil {
			return fmt.Errorf("failed to build logger: %w", err)
		}
		Cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// The command context may already be cancelled (Ctrl+C).
			DB.Close(context.Background())
		}
		if Log != nil {
			_ = Log.Sync()
		}
	},
}

// connectDB opens the database on first use.
func connectDB(ctx context.Context) error {
	if DB != nil {
		return nil
	}
	var err error
	DB, err = store.New(ctx, databaseURL())
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	return nil
}

// databaseURL prefers --db, then the POSTGRES_* variables, then a local default.
func databaseURL() string {
	if dbURL != "" {
		return dbURL
	}
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return "postgres://localhost:5432/bioverify"
	}
	port := os.Getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
		os.Getenv("POSTGRES_USER"), os.Getenv("POSTGRES_PASSWORD"), host, port, os.Getenv("POSTGRES_DB"))
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "🚨 %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (default: postgres://localhost:5432/bioverify)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Analysis config file (YAML or JSON); defaults are used when omitted")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Human-readable debug logging")
}
