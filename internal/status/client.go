package status

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"drivebackup/internal/config"
	"drivebackup/internal/dispatch"
)

// Client talks to a running daemon's status server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the server at baseURL. A bare listen
// address such as ":8080" is accepted and resolved against localhost.
func NewClient(baseURL string) (*Client, error) {
	u, err := BaseURL(baseURL)
	if err != nil {
		return nil, err
	}
	return &Client{
		baseURL:    u,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// BaseURL turns a listen address or URL into a base URL for the client.
func BaseURL(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", fmt.Errorf("status server address is required")
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/"), nil
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr, nil
}

// Status fetches GET /api/status.
func (c *Client) Status(ctx context.Context) (*Response, error) {
	var resp Response
	if err := c.getJSON(ctx, "/api/status", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Backups fetches the stored backups of one destination.
func (c *Client) Backups(ctx context.Context, kind config.DestinationKind) (*BackupsResponse, error) {
	var resp BackupsResponse
	if err := c.getJSON(ctx, "/api/backups?destination="+url.QueryEscape(string(kind)), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TriggerBackup asks the daemon to start a cycle. It returns
// dispatch.ErrCycleInProgress when one is already running.
func (c *Client) TriggerBackup(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/backup", nil)
	if err != nil {
		return fmt.Errorf("failed to create backup request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("backup request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		return nil
	case http.StatusConflict:
		return dispatch.ErrCycleInProgress
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("backup request failed (HTTP %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("status server (HTTP %d): %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("status server (HTTP %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
