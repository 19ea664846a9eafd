package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// caseplanectl drives the control-plane REST surface from the command line.

var (
	serverAddr string
	httpClient = &http.Client{Timeout: 15 * time.Second}
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "caseplanectl",
		Short: "Operator CLI for the caseplane control plane",
	}
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", envOr("CASEPLANE_ADDR", "http://localhost:8080"), "caseplane server address")

	rootCmd.AddCommand(newStartCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newChildrenCommand())
	rootCmd.AddCommand(newSignalCommand())
	rootCmd.AddCommand(newPauseCommand())
	rootCmd.AddCommand(newResumeCommand())
	rootCmd.AddCommand(newStopCommand())
	rootCmd.AddCommand(newDeleteCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newStartCommand() *cobra.Command {
	var (
		caseID       string
		workflowName string
		paramsJSON   string
		scheduledAt  string
		providerID   string
		parentID     string
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a workflow execution for a case",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"caseId":       caseID,
				"workflowName": workflowName,
			}
			if paramsJSON != "" {
				var params map[string]any
				if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
					return fmt.Errorf("invalid --params JSON: %w", err)
				}
				body["parameters"] = params
			}
			if scheduledAt != "" {
				body["scheduledAt"] = scheduledAt
			}
			if providerID != "" {
				body["providerId"] = providerID
			}
			if parentID != "" {
				body["parentWorkflowId"] = parentID
			}
			return call(http.MethodPost, "/v1/executions", body)
		},
	}
	cmd.Flags().StringVar(&caseID, "case", "", "case id (required)")
	cmd.Flags().StringVar(&workflowName, "workflow", "", "workflow name (required)")
	cmd.Flags().StringVar(&paramsJSON, "params", "", "parameters as a JSON object")
	cmd.Flags().StringVar(&scheduledAt, "at", "", "scheduled start time (RFC3339)")
	cmd.Flags().StringVar(&providerID, "provider", "", "associated provider id")
	cmd.Flags().StringVar(&parentID, "parent", "", "parent workflow id")
	_ = cmd.MarkFlagRequired("case")
	_ = cmd.MarkFlagRequired("workflow")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <execution-id>",
		Short: "Show execution status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodGet, "/v1/executions/"+args[0], nil)
		},
	}
}

func newChildrenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "children <execution-id>",
		Short: "List child executions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodGet, "/v1/executions/"+args[0]+"/children", nil)
		},
	}
}

func newSignalCommand() *cobra.Command {
	var payloadJSON string
	cmd := &cobra.Command{
		Use:   "signal <execution-id> <name>",
		Short: "Send a signal to an execution",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"name": args[1]}
			if payloadJSON != "" {
				var payload map[string]any
				if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
					return fmt.Errorf("invalid --payload JSON: %w", err)
				}
				body["payload"] = payload
			}
			return call(http.MethodPost, "/v1/executions/"+args[0]+"/signal", body)
		},
	}
	cmd.Flags().StringVar(&payloadJSON, "payload", "", "signal payload as a JSON object")
	return cmd
}

func newPauseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <execution-id>",
		Short: "Pause an execution and its running children",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodPost, "/v1/executions/"+args[0]+"/pause", map[string]any{})
		},
	}
}

func newResumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <execution-id>",
		Short: "Resume an execution and its running children",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodPost, "/v1/executions/"+args[0]+"/resume", map[string]any{})
		},
	}
}

func newStopCommand() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "stop <execution-id>",
		Short: "Terminate an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodPost, "/v1/executions/"+args[0]+"/stop", map[string]any{"reason": reason})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "termination reason")
	return cmd
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <execution-id>",
		Short: "Terminate an execution if running, then remove its record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodDelete, "/v1/executions/"+args[0], nil)
		},
	}
}

func call(method, path string, body map[string]any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, strings.TrimRight(serverAddr, "/")+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, respBody, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(strings.TrimSpace(string(respBody)))
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("request failed: %s", resp.Status)
	}
	return nil
}

func envOr(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}
