package cli

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// NewJobCmd создаёт группу команд для управления jobs.
func NewJobCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Manage jobs",
	}

	cmd.AddCommand(
		newJobSubmitCmd(clientFn, outputFn),
		newJobShowCmd(clientFn, outputFn),
		newJobTasksCmd(clientFn, outputFn),
		newJobFailuresCmd(clientFn, outputFn),
		newJobTypesCmd(clientFn, outputFn),
	)

	return cmd
}

func newJobSubmitCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var params []string
	var paramsJSON string

	cmd := &cobra.Command{
		Use:   "submit JOB_TYPE",
		Short: "Submit a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			req := SubmitJobRequest{JobType: args[0]}

			if paramsJSON != "" {
				if err := json.Unmarshal([]byte(paramsJSON), &req.Parameters); err != nil {
					return fmt.Errorf("invalid --params-json: %w", err)
				}
			}

			for _, kv := range params {
				parts := strings.SplitN(kv, "=", 2)
				if len(parts) != 2 {
					return fmt.Errorf("invalid param format %q, expected KEY=VALUE", kv)
				}
				if req.Parameters == nil {
					req.Parameters = make(map[string]any)
				}
				req.Parameters[parts[0]] = parseParamValue(parts[1])
			}

			resp, err := client.SubmitJob(req)
			if err != nil {
				return err
			}

			if resp.Existing {
				out.Success(fmt.Sprintf("Job already exists: %s (%s)", resp.JobID, resp.Status))
			} else {
				out.Success(fmt.Sprintf("Job submitted: %s", resp.JobID))
			}
			out.Print(
				[]string{"JOB_ID", "STATUS", "EXISTING"},
				[][]string{{resp.JobID, resp.Status, strconv.FormatBool(resp.Existing)}},
				resp,
			)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&params, "param", nil, "Job parameter as KEY=VALUE (repeatable; values parsed as JSON when possible)")
	cmd.Flags().StringVar(&paramsJSON, "params-json", "", "Job parameters as a JSON object")

	return cmd
}

func newJobShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show JOB_ID",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			job, err := client.GetJob(args[0])
			if err != nil {
				return err
			}

			stage := fmt.Sprintf("%d/%d", job.CurrentStage, job.TotalStages)
			out.Print(
				[]string{"ID", "TYPE", "STATUS", "STAGE", "ERROR", "CREATED"},
				[][]string{{job.ID, job.JobType, job.Status, stage, job.ErrorDetails, job.CreatedAt}},
				job,
			)
			return nil
		},
	}
}

func newJobTasksCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "tasks JOB_ID",
		Short: "List job tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			tasks, err := client.ListTasks(args[0])
			if err != nil {
				return err
			}

			out.Print(taskHeaders, taskRows(tasks), tasks)
			return nil
		},
	}
}

func newJobFailuresCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "failures JOB_ID",
		Short: "List failed job tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			tasks, err := client.ListFailures(args[0])
			if err != nil {
				return err
			}

			out.Print(taskHeaders, taskRows(tasks), tasks)
			return nil
		},
	}
}

func newJobTypesCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "types",
		Short: "List registered job types",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			types, err := client.ListJobTypes()
			if err != nil {
				return err
			}

			rows := make([][]string, len(types))
			for i, t := range types {
				rows[i] = []string{t}
			}
			out.Print([]string{"JOB_TYPE"}, rows, types)
			return nil
		},
	}
}

var taskHeaders = []string{"ID", "STAGE", "KEY", "TYPE", "STATUS", "RETRIES", "ERROR"}

func taskRows(tasks []TaskResponse) [][]string {
	rows := make([][]string, len(tasks))
	for i, t := range tasks {
		rows[i] = []string{
			t.ID,
			strconv.Itoa(t.Stage),
			t.Key,
			t.TaskType,
			t.Status,
			strconv.Itoa(t.RetryCount),
			t.ErrorDetails,
		}
	}
	return rows
}

// parseParamValue пытается прочитать значение как JSON (число, bool,
// объект), иначе оставляет строкой: scene_count=12 должен прийти
// в схему числом, а collection=sentinel-2 — строкой.
func parseParamValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}
