package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ihmeuw-scicomp/jobmon/client"
)

var statusWorkflowID int64
var statusTaskID int64

func apiClient() *client.Client {
	return client.New(serverURL, username)
}

func printJSON(v interface{}) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(raw))
	return nil
}

var workflowStatusCmd = &cobra.Command{
	Use:   "workflow_status",
	Short: "Show a workflow's roll-up status and task counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if statusWorkflowID == 0 {
			return usageErrorf("--workflow-id is required")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		status, err := apiClient().GetWorkflowStatus(ctx, statusWorkflowID)
		if err != nil {
			return err
		}
		return printJSON(status)
	},
}

var workflowTasksCmd = &cobra.Command{
	Use:   "workflow_tasks",
	Short: "List a workflow's tasks and statuses",
	RunE: func(cmd *cobra.Command, args []string) error {
		if statusWorkflowID == 0 {
			return usageErrorf("--workflow-id is required")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		updates, err := apiClient().TaskStatusUpdates(ctx, statusWorkflowID, 0)
		if err != nil {
			return err
		}
		return printJSON(updates)
	},
}

var taskStatusCmd = &cobra.Command{
	Use:   "task_status",
	Short: "Show a task's attempts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if statusTaskID == 0 {
			return usageErrorf("--task-id is required")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		var out map[string]interface{}
		err := apiClient().Get(ctx, fmt.Sprintf("/api/v3/task/%d/task_instances", statusTaskID), &out)
		if err != nil {
			return err
		}
		return printJSON(out)
	},
}

var getFilepathsCmd = &cobra.Command{
	Use:   "get_filepaths",
	Short: "Show stdout/stderr paths for a task's attempts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if statusTaskID == 0 {
			return usageErrorf("--task-id is required")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		var out struct {
			TaskInstances []struct {
				ID         int64  `json:"id"`
				StdoutPath string `json:"stdout_path"`
				StderrPath string `json:"stderr_path"`
			} `json:"task_instances"`
		}
		err := apiClient().Get(ctx, fmt.Sprintf("/api/v3/task/%d/task_instances", statusTaskID), &out)
		if err != nil {
			return err
		}
		for _, ti := range out.TaskInstances {
			fmt.Printf("%d\tstdout=%s\tstderr=%s\n", ti.ID, ti.StdoutPath, ti.StderrPath)
		}
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{workflowStatusCmd, workflowTasksCmd} {
		cmd.Flags().Int64Var(&statusWorkflowID, "workflow-id", 0, "workflow id")
	}
	for _, cmd := range []*cobra.Command{taskStatusCmd, getFilepathsCmd} {
		cmd.Flags().Int64Var(&statusTaskID, "task-id", 0, "task id")
	}
	RootCmd.AddCommand(workflowStatusCmd, workflowTasksCmd, taskStatusCmd, getFilepathsCmd)
}
