package cmd

import (
	"github.com/spf13/cobra"
)

var submitCmd = &cobra.Command{
	Use:   "submit [job_id]",
	Short: "Submit a queued job, or create and submit one",
	Long: `With a job ID, hand that queued job to its provider. Without one, create a
job from the flags and submit it immediately.

Example:
  renderctl submit rj_0a1b2c
  renderctl submit --entity creative-1 --kind video --provider runway-ml --model gen3a_turbo --prompt "waves"`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()
		ctx := cmd.Context()

		jobID := ""
		if len(args) == 1 {
			jobID = args[0]
		} else {
			req, err := createRequestFromFlags(cmd)
			if err != nil {
				cmd.Printf("Error: %v\n", err)
				return err
			}
			created, err := client.Create(ctx, req)
			if err != nil {
				return reportError(cmd, "Create", err)
			}
			jobID = created.ID
		}

		job, err := client.Submit(ctx, jobID)
		if err != nil {
			cmd.Printf("Job ID: %s\n", jobID)
			return reportError(cmd, "Submit", err)
		}

		cmd.Printf("✓ Job submitted!\nJob ID: %s\nProvider job: %s\nStatus: %s\n", job.ID, job.ProviderJobID, job.Status)
		return nil
	},
}

func init() {
	addCreateFlags(submitCmd)
	rootCmd.AddCommand(submitCmd)
}
