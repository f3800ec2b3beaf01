package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

func newDLQCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and drain the dead-letter queue",
	}

	var (
		taskType string
		limit    int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered tasks for a type",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{"type": {taskType}, "limit": {fmt.Sprint(limit)}}
			return runAndPrint("GET", "/admin/dlq?"+q.Encode(), nil)
		},
	}
	list.Flags().StringVar(&taskType, "type", "", "task type")
	list.Flags().IntVar(&limit, "limit", 50, "max entries")
	_ = list.MarkFlagRequired("type")

	var (
		drainType  string
		drainLimit int
	)
	drain := &cobra.Command{
		Use:   "drain",
		Short: "Revive dead-lettered tasks back onto the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAndPrint("POST", "/admin/dlq/drain", map[string]any{
				"type":  drainType,
				"limit": drainLimit,
			})
		},
	}
	drain.Flags().StringVar(&drainType, "type", "", "task type")
	drain.Flags().IntVar(&drainLimit, "limit", 50, "max entries to revive")
	_ = drain.MarkFlagRequired("type")

	cmd.AddCommand(list, drain)
	return cmd
}

func newAPIKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}

	var (
		name      string
		role      string
		expiresIn string
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Mint a new API key; the raw key is printed exactly once",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"name": name, "role": role}
			if expiresIn != "" {
				body["expires_in"] = expiresIn
			}
			return runAndPrint("POST", "/admin/apikeys", body)
		},
	}
	create.Flags().StringVar(&name, "name", "", "human-readable key name")
	create.Flags().StringVar(&role, "role", "readonly", "role: readonly, service, or admin")
	create.Flags().StringVar(&expiresIn, "expires-in", "", "lifetime, e.g. 720h")
	_ = create.MarkFlagRequired("name")

	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAndPrint("GET", "/admin/apikeys", nil)
		},
	}

	revoke := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAndPrint("DELETE", "/admin/apikeys/"+url.PathEscape(args[0]), nil)
		},
	}

	var overlap string
	rotate := &cobra.Command{
		Use:   "rotate <key-id>",
		Short: "Mint a replacement key and expire the old one after the overlap",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{}
			if overlap != "" {
				body["overlap"] = overlap
			}
			return runAndPrint("POST", "/admin/apikeys/"+url.PathEscape(args[0])+"/rotate", body)
		},
	}
	rotate.Flags().StringVar(&overlap, "overlap", "", "grace window for the old key, e.g. 24h")

	cmd.AddCommand(create, list, revoke, rotate)
	return cmd
}

func newInspectCmds() []*cobra.Command {
	simple := func(use, short, path string) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runAndPrint("GET", path, nil)
			},
		}
	}
	return []*cobra.Command{
		simple("overview", "Show queue depth and task counts", "/admin/overview"),
		simple("budgets", "Show today's budget ledger", "/admin/budgets"),
		simple("circuits", "Show circuit breaker states", "/admin/circuits"),
		simple("workers", "Show registered workers", "/admin/workers"),
	}
}
