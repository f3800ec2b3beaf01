package main

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Submit and inspect tasks",
	}
	cmd.AddCommand(newTaskSubmitCmd(), newTaskGetCmd(), newTaskCancelCmd(), newTaskListCmd(), newTaskRunsCmd())
	return cmd
}

func newTaskSubmitCmd() *cobra.Command {
	var (
		taskType       string
		payload        string
		priority       int
		idempotencyKey string
		provider       string
		maxRetries     int
		estCost        float64
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a new task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !json.Valid([]byte(payload)) {
				return fmt.Errorf("payload is not valid JSON")
			}
			body := map[string]any{
				"type":     taskType,
				"payload":  json.RawMessage(payload),
				"priority": priority,
			}
			if idempotencyKey != "" {
				body["idempotency_key"] = idempotencyKey
			}
			if provider != "" {
				body["provider"] = provider
			}
			if maxRetries > 0 {
				body["max_retries"] = maxRetries
			}
			if estCost > 0 {
				body["est_cost_usd"] = estCost
			}
			return runAndPrint("POST", "/tasks", body)
		},
	}
	cmd.Flags().StringVar(&taskType, "type", "", "task type")
	cmd.Flags().StringVar(&payload, "payload", "{}", "task payload as JSON")
	cmd.Flags().IntVar(&priority, "priority", 100, "priority bucket, lower dequeues first")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "dedupe key")
	cmd.Flags().StringVar(&provider, "provider", "", "billed provider")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "retry budget override")
	cmd.Flags().Float64Var(&estCost, "est-cost-usd", 0, "estimated cost for budget admission")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func newTaskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAndPrint("GET", "/tasks/"+url.PathEscape(args[0]), nil)
		},
	}
}

func newTaskCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Request cancellation of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAndPrint("POST", "/admin/tasks/"+url.PathEscape(args[0])+"/cancel", nil)
		},
	}
}

func newTaskListCmd() *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{"status": {status}, "limit": {fmt.Sprint(limit)}}
			return runAndPrint("GET", "/admin/tasks?"+q.Encode(), nil)
		},
	}
	cmd.Flags().StringVar(&status, "status", "failed", "task status to list")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func newTaskRunsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "runs <task-id>",
		Short: "Show a task's run history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAndPrint("GET", "/admin/tasks/"+url.PathEscape(args[0])+"/runs", nil)
		},
	}
}
