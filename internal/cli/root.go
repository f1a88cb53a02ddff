// Package cli implements genctl, the operator CLI for the generation job
// orchestrator.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	jsonOutput bool
	apiClient  *Client
)

var rootCmd = &cobra.Command{
	Use:   "genctl",
	Short: "genctl - inspect and manage generation jobs",
	Long: `genctl is the operator CLI for the generation job orchestrator.

Examples:
  genctl jobs list                 # List recent jobs
  genctl jobs get <id>             # Inspect one job
  genctl jobs submit --prompt=...  # Submit a job
  genctl jobs cancel <id>          # Cancel a running job
  genctl pollers list              # Show active poll loops`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}

		_ = godotenv.Load()
		baseURL := os.Getenv("GENSTUDIO_API_URL")
		if baseURL == "" {
			baseURL = "http://localhost:8080"
		}
		ownerID := os.Getenv("GENSTUDIO_OWNER_ID")
		if ownerID == "" {
			return fmt.Errorf("GENSTUDIO_OWNER_ID is not set")
		}

		apiClient = NewClient(baseURL, ownerID)
		return nil
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output as JSON (for scripting)")

	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(pollersCmd)
}

// commandContext cancels on Ctrl-C so watch loops exit cleanly.
func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
