package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/kalambet/leadchat/internal/lead"
	"github.com/kalambet/leadchat/internal/session"
)

// apiClient talks to a running gateway.
type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func (c *apiClient) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway not reachable, is leadchat serve running? (%w)", err)
	}
	return resp, nil
}

func (c *apiClient) health(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway returned %d", resp.StatusCode)
	}
	return nil
}

func (c *apiClient) getJSON(ctx context.Context, path string, v any) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return decodeJSON(resp, v)
}

func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("server returned %d (failed to read body: %w)", resp.StatusCode, err)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// conversationSummary counts conversations by what they are doing.
func conversationSummary(convs []session.Summary) string {
	var running, waiting int
	for _, c := range convs {
		switch c.State {
		case lead.StateStarting, lead.StateStreaming, lead.StateResuming:
			running++
		case lead.StateAwaitingChallenge:
			waiting++
		}
	}
	return fmt.Sprintf("%d (%d running, %d awaiting verification)", len(convs), running, waiting)
}
