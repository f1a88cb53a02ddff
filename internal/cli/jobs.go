package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage generation jobs",
}

var jobsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List recent jobs",
	RunE:    runJobsList,
}

var jobsGetCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Show one job in detail",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsGet,
}

var jobsSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a new generation job",
	RunE:  runJobsSubmit,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a running job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCancel,
}

var (
	listLimit  int
	listOffset int

	submitType     string
	submitProvider string
	submitPrompt   string
	submitTuneID   string
	submitInputs   []string
)

func init() {
	jobsListCmd.Flags().IntVar(&listLimit, "limit", 20, "Number of jobs to list (max 100)")
	jobsListCmd.Flags().IntVar(&listOffset, "offset", 0, "Offset for pagination")

	jobsSubmitCmd.Flags().StringVar(&submitType, "type", "generation", "Job type (generation, training, upscale, video, edit)")
	jobsSubmitCmd.Flags().StringVar(&submitProvider, "provider", "local", "Provider (astria, replicate, local)")
	jobsSubmitCmd.Flags().StringVar(&submitPrompt, "prompt", "", "Generation prompt")
	jobsSubmitCmd.Flags().StringVar(&submitTuneID, "tune", "", "Tune id for tune-scoped providers")
	jobsSubmitCmd.Flags().StringSliceVar(&submitInputs, "input", nil, "Input URL (repeatable)")
	_ = jobsSubmitCmd.MarkFlagRequired("prompt")

	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsGetCmd)
	jobsCmd.AddCommand(jobsSubmitCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
}

func runJobsList(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	resp, err := apiClient.ListJobs(ctx, listLimit, listOffset)
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}

	if jsonOutput {
		return printJSON(resp)
	}
	if len(resp.Jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	fmt.Printf("%-38s %-11s %-10s %-10s %s\n", "ID", "TYPE", "PROVIDER", "STATUS", "CREATED")
	for _, j := range resp.Jobs {
		fmt.Printf("%-38s %-11s %-10s %-10s %s\n",
			j.ID, j.JobType, j.Provider, colorStatus(j.Status), formatTime(j.CreatedAt))
	}
	return nil
}

func runJobsGet(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	job, err := apiClient.GetJob(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}

	if jsonOutput {
		return printJSON(job)
	}
	printJob(job)
	return nil
}

func runJobsSubmit(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	job, err := apiClient.SubmitJob(ctx, SubmitJobRequest{
		JobType:   submitType,
		Provider:  submitProvider,
		Prompt:    submitPrompt,
		TuneID:    submitTuneID,
		InputURLs: submitInputs,
	})
	if err != nil {
		return fmt.Errorf("failed to submit job: %w", err)
	}

	if jsonOutput {
		return printJSON(job)
	}
	color.Green("Job submitted")
	printJob(job)
	return nil
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	job, err := apiClient.CancelJob(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}

	if jsonOutput {
		return printJSON(job)
	}
	color.Yellow("Job cancelled")
	printJob(job)
	return nil
}

func printJob(j *Job) {
	fmt.Printf("ID:        %s\n", j.ID)
	fmt.Printf("Type:      %s\n", j.JobType)
	fmt.Printf("Provider:  %s\n", j.Provider)
	fmt.Printf("Status:    %s\n", colorStatus(j.Status))
	fmt.Printf("Prompt:    %s\n", j.Prompt)
	if j.TuneID != nil {
		fmt.Printf("Tune:      %s\n", *j.TuneID)
	}
	if j.ExternalJobID != nil {
		fmt.Printf("Provider job: %s\n", *j.ExternalJobID)
	}
	if j.Error != nil {
		fmt.Printf("Error:     %s\n", color.RedString(*j.Error))
	}
	for _, u := range j.ResultURLs {
		fmt.Printf("Result:    %s\n", u)
	}
	fmt.Printf("Created:   %s\n", formatTime(j.CreatedAt))
	if j.CompletedAt != nil {
		fmt.Printf("Completed: %s\n", formatTime(*j.CompletedAt))
	}
}

func colorStatus(status string) string {
	switch strings.ToLower(status) {
	case "completed":
		return color.GreenString(status)
	case "failed":
		return color.RedString(status)
	case "cancelled":
		return color.YellowString(status)
	case "processing":
		return color.CyanString(status)
	default:
		return status
	}
}

func formatTime(t time.Time) string {
	return t.Local().Format("2006-01-02 15:04:05")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
