// Command sandflow runs the sandbox session service: per-user sandboxes,
// validated command execution, interactive terminals and a streaming agent.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "sandflow",
	Short:         "Per-user sandboxes with validated execution, terminals and an agent loop.",
	RunE:          runServe, // Default to serve.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", envOr("SANDFLOW_CONFIG", "sandflow.yaml"), "path to sandflow.yaml")
	rootCmd.AddCommand(serveCmd, validateCmd, doctorCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
