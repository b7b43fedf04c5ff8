package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/andresmejia3/bioverify/internal/api"
	"github.com/andresmejia3/bioverify/internal/queue"
	"github.com/andresmejia3/bioverify/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

var (
	serveAddr  string
	serveToken string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8000", "Listen address")
	serveCmd.Flags().StringVar(&serveToken, "token", "", "Bearer token required on /api/analyses (default: $BIOVERIFY_API_TOKEN; empty disables auth)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	if serveToken == "" {
		serveToken = os.Getenv("BIOVERIFY_API_TOKEN")
	}
	if err := connectDB(ctx); err != nil {
		return err
	}
	st, err := storage.New(ctx, storage.ConfigFromEnv())
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	failStale(ctx)

	client := queue.NewClient(queue.RedisOptFromEnv())
	defer client.Close()

	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(api.NewHandler(DB, client, st, Log), serveToken, Log)
	if serveToken == "" {
		fmt.Fprintln(os.Stderr, "⚠️  API authentication is disabled")
	}
	fmt.Fprintf(os.Stderr, "🌐 Serving on %s\n", serveAddr)
	return api.Serve(ctx, serveAddr, router, Log)
}
