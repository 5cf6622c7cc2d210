package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// apiClient calls a running atoctl server. Pending executions live in the
// server process, so approval and rollback go through it.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 10 * time.Minute},
	}
}

// post sends body as JSON and returns the response body. Non-2xx
// responses become errors carrying the server's message.
func (c *apiClient) post(ctx context.Context, path string, body any) ([]byte, error) {
	var reader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response %s: %w", path, err)
	}
	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(out, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("%s: %s (HTTP %d)", path, e.Error, resp.StatusCode)
		}
		return nil, fmt.Errorf("%s: HTTP %d", path, resp.StatusCode)
	}
	return out, nil
}

func serverFlag(cmd *cobra.Command, server *string) {
	cmd.Flags().StringVar(server, "server", "http://localhost:8080", "atoctl server base URL")
}

// executionCommand builds a command that posts to an execution action.
func executionCommand(a *app, use, short, action string, body func() any) *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   use + " EXECUTION_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			var payload any
			if body != nil {
				payload = body()
			}
			out, err := newAPIClient(server).post(ctx, "/api/v1/executions/"+args[0]+"/"+action, payload)
			if err != nil {
				return err
			}
			return a.write(out)
		},
	}
	serverFlag(cmd, &server)
	return cmd
}

func newApproveCommand(a *app) *cobra.Command {
	var approver, token string
	cmd := executionCommand(a, "approve", "Approve a pending execution", "approve", func() any {
		return map[string]string{"approver": approver, "token": token}
	})
	cmd.Flags().StringVar(&approver, "approver", "", "approver identity")
	cmd.Flags().StringVar(&token, "token", "", "signed approval token")
	return cmd
}

func newRunCommand(a *app) *cobra.Command {
	return executionCommand(a, "run", "Run an approved execution", "run", nil)
}

func newRollbackCommand(a *app) *cobra.Command {
	return executionCommand(a, "rollback", "Restore the backup of a live execution", "rollback", nil)
}

func newValidateCommand(a *app) *cobra.Command {
	return executionCommand(a, "validate", "Re-check the finding of a completed execution", "validate", nil)
}
