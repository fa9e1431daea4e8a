package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"mediarender/internal/render"
)

var statusCmd = &cobra.Command{
	Use:   "status [job_id]",
	Short: "Show the stored state of a render job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := newClient().Status(cmd.Context(), args[0])
		if err != nil {
			return reportError(cmd, "Status", err)
		}
		printJob(cmd, job)
		return nil
	},
}

var pollCmd = &cobra.Command{
	Use:   "poll [job_id]",
	Short: "Ask the provider for the job's progress now",
	Long: `Poll the provider once and print the reconciled job. A transient provider
error is reported with its retry count; the job keeps running.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := newClient().Poll(cmd.Context(), args[0])
		if err != nil {
			return reportError(cmd, "Poll", err)
		}
		printJob(cmd, job)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [job_id]",
	Short: "Cancel a queued or running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := newClient().Cancel(cmd.Context(), args[0])
		if err != nil {
			return reportError(cmd, "Cancel", err)
		}
		cmd.Printf("✓ Job %s cancelled\n", job.ID)
		return nil
	},
}

func printJob(cmd *cobra.Command, job *render.Job) {
	cmd.Printf("%s %sRender Job%s\n", statusIcon(job.Status), colorBold, colorReset)
	cmd.Println("──────────────────────────────")
	cmd.Printf("%sID:%s          %s\n", colorDim, colorReset, job.ID)
	cmd.Printf("%sStatus:%s      %s\n", colorDim, colorReset, colorizeStatus(job.Status))
	cmd.Printf("%sKind:%s        %s via %s (%s)\n", colorDim, colorReset, job.Kind, job.Provider, job.Model)
	cmd.Printf("%sEntity:%s      %s\n", colorDim, colorReset, job.EntityID)
	if job.Progress.TotalSteps > 0 {
		cmd.Printf("%sProgress:%s    %d%%\n", colorDim, colorReset, job.Progress.CurrentStep*100/job.Progress.TotalSteps)
	}
	cmd.Printf("%sRetries:%s     %d/%d\n", colorDim, colorReset, job.RetryCount, job.MaxRetries)
	if job.OutputURLs != nil {
		cmd.Printf("%sOutput:%s      %s\n", colorDim, colorReset, job.OutputURLs.Primary)
	}
	if job.Error != nil {
		cmd.Printf("%sError:%s       %s%s: %s%s\n", colorDim, colorReset, colorRed, job.Error.Code, job.Error.Message, colorReset)
	}
	cmd.Printf("%sCreated:%s     %s\n", colorDim, colorReset, formatTime(job.CreatedAt))
	if job.CompletedAt != nil {
		cmd.Printf("%sFinished:%s    %s %s(%s)%s\n", colorDim, colorReset,
			formatTime(*job.CompletedAt), colorCyan, formatDuration(job.CompletedAt.Sub(job.CreatedAt)), colorReset)
	}
}

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

func statusColor(status render.Status) string {
	switch status {
	case render.StatusPublished:
		return colorGreen
	case render.StatusFailed:
		return colorRed
	case render.StatusRunning:
		return colorYellow
	case render.StatusQueued:
		return colorCyan
	default:
		return colorDim
	}
}

func statusIcon(status render.Status) string {
	switch status {
	case render.StatusPublished:
		return colorGreen + "✓" + colorReset
	case render.StatusFailed:
		return colorRed + "✗" + colorReset
	case render.StatusRunning:
		return colorYellow + "⏳" + colorReset
	case render.StatusQueued:
		return colorCyan + "◯" + colorReset
	default:
		return "•"
	}
}

func colorizeStatus(status render.Status) string {
	return statusIcon(status) + " " + statusColor(status) + string(status) + colorReset
}

func formatTime(t time.Time) string {
	return t.Local().Format("Mon, 02 Jan 2006 15:04:05 MST")
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	} else if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	} else if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(pollCmd)
	rootCmd.AddCommand(cancelCmd)
}
