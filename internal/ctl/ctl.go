// Package ctl implements the control client for a running smtpfd over its
// Unix socket.
package ctl

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// Client communicates with the smtpfd control API.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewUnixClient creates a client that connects via Unix socket.
func NewUnixClient(socketPath string) *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
			Timeout: 30 * time.Second,
		},
		baseURL: "http://unix",
	}
}

// newClient points a client at an HTTP base URL.
func newClient(baseURL string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
	}
}

func (c *Client) do(method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.httpClient.Do(req)
}

func (c *Client) doJSON(method, path string, body io.Reader) (map[string]any, error) {
	resp, err := c.do(method, path, body)
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("invalid response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, apiError(result)
	}
	return result, nil
}

func apiError(result map[string]any) error {
	msg := "unknown error"
	if e, ok := result["error"].(string); ok {
		msg = e
	}
	return fmt.Errorf("%s", msg)
}

// Reload asks the daemon to reload its configuration.
func (c *Client) Reload() error {
	_, err := c.doJSON("POST", "/api/v1/reload", nil)
	return err
}

// SetVerbose sets the daemon's log verbosity (0..2).
func (c *Client) SetVerbose(n int) error {
	body, _ := json.Marshal(map[string]int{"verbose": n})
	_, err := c.doJSON("POST", "/api/v1/log/verbose", bytes.NewReader(body))
	return err
}

// Health checks daemon liveness.
func (c *Client) Health() (string, error) {
	resp, err := c.do("GET", "/healthz", nil)
	if err != nil {
		return "", fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("invalid response: %w", err)
	}
	return body["status"], nil
}

// Status writes main's status report to w. Unless all is set, exposition
// comments and the Go runtime families are left out.
func (c *Client) Status(w io.Writer, all bool) error {
	resp, err := c.do("GET", "/api/v1/status", nil)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var result map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return fmt.Errorf("status failed: %s", resp.Status)
		}
		return apiError(result)
	}

	if all {
		_, err := io.Copy(w, resp.Body)
		return err
	}
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "smtpfd_") {
			continue
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return sc.Err()
}
