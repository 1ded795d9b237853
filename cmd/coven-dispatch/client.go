// ABOUTME: Minimal HTTP client for the coven-dispatch operator API
// ABOUTME: Shared by the agents, dispatch, history and health subcommands

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

// EnvToken names the environment variable holding the operator token.
const EnvToken = "COVEN_DISPATCH_TOKEN"

type apiClient struct {
	base  string
	token string
	http  *http.Client
}

// clientFlags registers the flags every API subcommand shares and returns a
// constructor to call after parsing.
func clientFlags(fset *flag.FlagSet) func() (*apiClient, error) {
	configPath := fset.String("config", "", "config file")
	addr := fset.String("addr", "", "server HTTP address (default server.http_addr from config)")
	token := fset.String("token", "", "operator token (default $"+EnvToken+")")

	return func() (*apiClient, error) {
		base := *addr
		if base == "" {
			cfg, _, err := loadConfig(*configPath)
			if err != nil {
				return nil, err
			}
			if cfg.Server.HTTPAddr == "" {
				return nil, fmt.Errorf("server.http_addr is disabled; pass -addr")
			}
			base = cfg.Server.HTTPAddr
		}
		if !strings.Contains(base, "://") {
			base = "http://" + base
		}
		tok := *token
		if tok == "" {
			tok = os.Getenv(EnvToken)
		}
		return &apiClient{base: strings.TrimRight(base, "/"), token: tok, http: http.DefaultClient}, nil
	}
}

// apiError is the JSON error body returned by the server.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// do sends a request and decodes a JSON response into out when out is non-nil.
func (c *apiClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &apiError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// getText fetches path and returns the status and raw body.
func (c *apiClient) getText(ctx context.Context, path string) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return 0, "", fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, "", fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, string(data), nil
}
