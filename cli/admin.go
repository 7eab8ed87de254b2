package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ihmeuw-scicomp/jobmon/version"
)

var (
	adminWorkflowID int64
	adminTaskID     int64
	adminMode       string
	adminStatus     string
	adminLimit      int
)

var workflowResumeCmd = &cobra.Command{
	Use:   "workflow_resume",
	Short: "Open a new run against an existing workflow",
	RunE: func(cmd *cobra.Command, args []string) error {
		if adminWorkflowID == 0 {
			return usageErrorf("--workflow-id is required")
		}
		if adminMode != "hot" && adminMode != "cold" {
			return usageErrorf("--mode must be hot or cold")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		c := apiClient()
		resumable, err := c.IsResumable(ctx, adminWorkflowID)
		if err != nil {
			return err
		}
		if !resumable {
			fmt.Println("workflow has a live run; resuming will supersede it")
		}
		resp, err := c.SetResume(ctx, adminWorkflowID, adminMode, version.Version)
		if err != nil {
			return err
		}
		fmt.Printf("workflow run %d opened (%s resume)\n", resp.WorkflowRunID, adminMode)
		return nil
	},
}

var workflowResetCmd = &cobra.Command{
	Use:   "workflow_reset",
	Short: "Cold-resume a workflow, killing in-flight work",
	RunE: func(cmd *cobra.Command, args []string) error {
		if adminWorkflowID == 0 {
			return usageErrorf("--workflow-id is required")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		resp, err := apiClient().SetResume(ctx, adminWorkflowID, "cold", version.Version)
		if err != nil {
			return err
		}
		fmt.Printf("workflow reset; run %d opened\n", resp.WorkflowRunID)
		return nil
	},
}

var updateTaskStatusCmd = &cobra.Command{
	Use:   "update_task_status",
	Short: "Override a task's status (owner only)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if adminTaskID == 0 {
			return usageErrorf("--task-id is required")
		}
		if adminStatus == "" {
			return usageErrorf("--status is required")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := apiClient().UpdateTaskStatus(ctx, adminTaskID, adminStatus); err != nil {
			return err
		}
		fmt.Printf("task %d set to %s\n", adminTaskID, adminStatus)
		return nil
	},
}

var concurrencyLimitCmd = &cobra.Command{
	Use:   "concurrency_limit",
	Short: "Adjust a workflow's concurrency cap (owner only)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if adminWorkflowID == 0 {
			return usageErrorf("--workflow-id is required")
		}
		if adminLimit < 0 {
			return usageErrorf("--limit must be >= 0")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := apiClient().UpdateMaxConcurrentlyRunning(ctx, adminWorkflowID, adminLimit); err != nil {
			return err
		}
		fmt.Printf("workflow %d concurrency cap set to %d\n", adminWorkflowID, adminLimit)
		return nil
	},
}

func init() {
	workflowResumeCmd.Flags().Int64Var(&adminWorkflowID, "workflow-id", 0, "workflow id")
	workflowResumeCmd.Flags().StringVar(&adminMode, "mode", "hot", "resume mode (hot or cold)")
	workflowResetCmd.Flags().Int64Var(&adminWorkflowID, "workflow-id", 0, "workflow id")
	updateTaskStatusCmd.Flags().Int64Var(&adminTaskID, "task-id", 0, "task id")
	updateTaskStatusCmd.Flags().StringVar(&adminStatus, "status", "", "target status code")
	concurrencyLimitCmd.Flags().Int64Var(&adminWorkflowID, "workflow-id", 0, "workflow id")
	concurrencyLimitCmd.Flags().IntVar(&adminLimit, "limit", 0, "maximum concurrently running tasks")
	RootCmd.AddCommand(workflowResumeCmd, workflowResetCmd, updateTaskStatusCmd, concurrencyLimitCmd)
}
