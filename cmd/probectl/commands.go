package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/cheaterpersian-web/Apex/internal/shared/config"
	"github.com/cheaterpersian-web/Apex/internal/shared/types"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show every protocol with its last known result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			var resp struct {
				GlobalStatus string                 `json:"globalStatus"`
				Protocols    []types.DashboardEntry `json:"protocols"`
			}
			if err := newAPIClient().do(ctx, http.MethodGet, "/api/status", nil, &resp); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "Engine: %s\n\n", resp.GlobalStatus)
			printDashboard(os.Stdout, resp.Protocols)
			return nil
		},
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured protocols",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			var descs []*types.ProtocolDescriptor
			if err := newAPIClient().do(ctx, http.MethodGet, "/api/protocols", nil, &descs); err != nil {
				return err
			}
			printProtocols(os.Stdout, descs)
			return nil
		},
	}
}

func newAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <file|->",
		Short: "Add or replace protocols from a JSON file (object or array)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(args[0])
			if err != nil {
				return err
			}
			// 先在本地校验格式，避免无意义的请求
			if _, err := config.DecodeProtocols(data); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			var resp struct {
				Added []string `json:"added"`
			}
			if err := newAPIClient().do(ctx, http.MethodPost, "/api/protocols", data, &resp); err != nil {
				return err
			}
			for _, id := range resp.Added {
				fmt.Fprintf(os.Stdout, "added %s\n", id)
			}
			return nil
		},
	}
}

func newRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a protocol",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			if err := newAPIClient().do(ctx, http.MethodDelete, "/api/protocols/"+args[0], nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "removed %s\n", args[0])
			return nil
		},
	}
}

func newRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh [id]",
		Short: "Run a probe cycle now, or probe a single protocol",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()

			client := newAPIClient()
			if len(args) == 1 {
				var r types.ProbeResult
				if err := client.do(ctx, http.MethodPost, "/api/refresh/"+args[0], nil, &r); err != nil {
					return err
				}
				printResults(os.Stdout, []types.ProbeResult{r})
				return nil
			}
			var results []types.ProbeResult
			if err := client.do(ctx, http.MethodPost, "/api/refresh", nil, &results); err != nil {
				return err
			}
			printResults(os.Stdout, results)
			return nil
		},
	}
}

func parseUserID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid user id %q", s)
	}
	return id, nil
}

func newSubscribeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "subscribe <user_id>",
		Short: "Subscribe a user to transition notifications",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			var resp struct {
				Added bool `json:"added"`
			}
			body := []byte(fmt.Sprintf(`{"user_id":%d}`, id))
			if err := newAPIClient().do(ctx, http.MethodPost, "/api/subscribers", body, &resp); err != nil {
				return err
			}
			if resp.Added {
				fmt.Fprintf(os.Stdout, "subscribed %d\n", id)
			} else {
				fmt.Fprintf(os.Stdout, "%d is already subscribed\n", id)
			}
			return nil
		},
	}
}

func newUnsubscribeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unsubscribe <user_id>",
		Short: "Stop sending notifications to a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			var resp struct {
				Removed bool `json:"removed"`
			}
			if err := newAPIClient().do(ctx, http.MethodDelete, "/api/subscribers/"+strconv.FormatInt(id, 10), nil, &resp); err != nil {
				return err
			}
			if resp.Removed {
				fmt.Fprintf(os.Stdout, "unsubscribed %d\n", id)
			} else {
				fmt.Fprintf(os.Stdout, "%d was not subscribed\n", id)
			}
			return nil
		},
	}
}
