package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"polyglot-sandbox/internal/api"
)

var httpClient = &http.Client{Timeout: 15 * time.Second}

// call sends a request to the admin API and prints the JSON body. Statuses
// listed in accept are not errors.
func call(ctx context.Context, method, path string, query url.Values, accept ...int) error {
	u := strings.TrimRight(serverURL, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return err
	}
	if apiKey != "" {
		req.Header.Set(api.DefaultAPIKeyHeader, apiKey)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var body any
	if err := json.NewDecoder(io.LimitReader(resp.Body, 16<<20)).Decode(&body); err != nil {
		return fmt.Errorf("decoding response (%s): %w", resp.Status, err)
	}

	ok := resp.StatusCode < 300
	for _, code := range accept {
		if resp.StatusCode == code {
			ok = true
		}
	}
	if !ok {
		var apiErr api.ErrorResponse
		if m, isMap := body.(map[string]any); isMap {
			apiErr.Error, _ = m["error"].(string)
			apiErr.Code, _ = m["code"].(string)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("%s: %s (%s)", resp.Status, apiErr.Error, apiErr.Code)
		}
		return fmt.Errorf("%s", resp.Status)
	}
	return printJSON(body)
}

func newStatsCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show aggregate execution statistics from sandboxd",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if user != "" {
				q.Set("user_id", user)
			}
			return call(cmd.Context(), http.MethodGet, "/v1/stats", q)
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "restrict to one user")
	return cmd
}

func newActiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "active",
		Short: "List executions currently running in sandboxd",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return call(cmd.Context(), http.MethodGet, "/v1/executions/active", nil)
		},
	}
}

func newKillCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kill <execution-id>",
		Short: "Hard-kill a running execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd.Context(), http.MethodDelete, "/v1/executions/"+url.PathEscape(args[0]), nil, http.StatusNotFound)
		},
	}
}

func newRecentCmd() *cobra.Command {
	var (
		limit   int
		user    string
		lang    string
		status  string
		persist bool
	)
	cmd := &cobra.Command{
		Use:   "recent",
		Short: "List recently finished executions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			q.Set("limit", strconv.Itoa(limit))
			if !persist {
				return call(cmd.Context(), http.MethodGet, "/v1/executions", q)
			}
			for k, v := range map[string]string{"user_id": user, "language": lang, "status": status} {
				if v != "" {
					q.Set(k, v)
				}
			}
			return call(cmd.Context(), http.MethodGet, "/v1/history", q)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of executions")
	cmd.Flags().BoolVar(&persist, "db", false, "query the persisted history instead of memory")
	cmd.Flags().StringVarP(&user, "user", "u", "", "filter by user (with --db)")
	cmd.Flags().StringVarP(&lang, "language", "l", "", "filter by language (with --db)")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (with --db)")
	return cmd
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check sandboxd health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return call(cmd.Context(), http.MethodGet, "/health", nil, http.StatusServiceUnavailable)
		},
	}
}
