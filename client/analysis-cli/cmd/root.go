package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	timeout   time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "analysis-cli",
	Short: "A CLI client for the mahjong screenshot analysis service",
	Long: `A command-line interface for submitting analysis tasks, polling their progress,
fetching reports and browsing the screenshot bucket.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func init() {
	defaultURL := os.Getenv("ANALYSIS_API_URL")
	if defaultURL == "" {
		defaultURL = "http://localhost:15000"
	}
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultURL, "base URL of the analysis service (env ANALYSIS_API_URL)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "per-request timeout")
}

func newClient() (*apiClient, error) {
	return newAPIClient(serverURL, timeout)
}
