package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var pollersCmd = &cobra.Command{
	Use:   "pollers",
	Short: "Inspect active poll loops",
}

var pollersListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List jobs currently being polled",
	RunE:    runPollersList,
}

func init() {
	pollersCmd.AddCommand(pollersListCmd)
}

func runPollersList(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	resp, err := apiClient.ListPollers(ctx)
	if err != nil {
		return fmt.Errorf("failed to list pollers: %w", err)
	}

	if jsonOutput {
		return printJSON(resp)
	}
	if resp.Count == 0 {
		fmt.Println("No active pollers")
		return nil
	}

	fmt.Printf("%-38s %-10s %-11s %-20s %s\n", "JOB", "PROVIDER", "TYPE", "PROVIDER JOB", "RUNNING FOR")
	for _, p := range resp.Pollers {
		fmt.Printf("%-38s %-10s %-11s %-20s %s\n",
			p.JobID, p.Provider, p.JobType, p.ExternalJobID,
			time.Since(p.StartedAt).Round(time.Second))
	}
	return nil
}
