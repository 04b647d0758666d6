package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/basket/mission-control/internal/config"
)

// apiClient talks to a running daemon's gateway.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// clientOptions are the flags shared by every client subcommand.
type clientOptions struct {
	addr  string
	token string
}

// newAPIClient resolves the daemon address and API token. Explicit flags
// win over MISSIONCTL_API_TOKEN, which wins over config.yaml.
func newAPIClient(opts clientOptions) (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil && !cfg.NeedsGenesis {
		return nil, fmt.Errorf("config load: %w", err)
	}
	addr := opts.addr
	if addr == "" {
		addr = cfg.BindAddr
	}
	token := opts.token
	if token == "" {
		token = os.Getenv("MISSIONCTL_API_TOKEN")
	}
	if token == "" {
		token = pickToken(cfg.AuthTokens)
	}
	return &apiClient{
		baseURL: baseURL(addr),
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// pickToken prefers the operator's token, then the lexically first one.
func pickToken(tokens map[string]string) string {
	keys := make([]string, 0, len(tokens))
	for k, principal := range tokens {
		if principal == "operator" {
			return k
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return ""
	}
	slices.Sort(keys)
	return keys[0]
}

func baseURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		addr = "127.0.0.1:18790"
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		// A wildcard bind is reachable on loopback.
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr
}

// apiError is a non-2xx gateway response.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, http.StatusText(e.Status), e.Message)
}

// do sends a request and decodes a JSON response into out when set.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &apiError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if r, ok := out.(*json.RawMessage); ok {
		*r = append((*r)[:0], raw...)
		return nil
	}
	return json.Unmarshal(raw, out)
}

// exitCode maps a client error to a process exit status.
func exitCode(err error) int {
	var ae *apiError
	if errors.As(err, &ae) && ae.Status == http.StatusServiceUnavailable {
		return 3
	}
	return 1
}
