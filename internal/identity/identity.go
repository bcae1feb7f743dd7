// Package identity documents the external HTTP identity collaborator's wire
// shapes and provides a thin client stub for them.
//
// Per SPEC_FULL.md §1 and §4.5, the identity service itself is an external
// deployment concern and is never served by this module — only its
// request/response types and a client are provided here, grounded on
// _examples/thatcooperguy-nvremote/apps/host-agent/internal/registration/registration.go's
// HTTP-client-to-external-service shape (http.Client with a timeout, JSON
// body, status-code check). The client sends no auth header.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const requestTimeout = 10 * time.Second

// AuthRequest is the body of POST /auth.
type AuthRequest struct {
	ModuleName string `json:"module_name"`
}

// AuthResponse is the response body of POST /auth.
type AuthResponse struct {
	AuthToken string `json:"auth_token"`
}

// IdentifyRequest is the body of POST /identify.
type IdentifyRequest struct {
	ModuleName string `json:"module_name"`
	AuthToken  string `json:"auth_token"`
	Identity   any    `json:"identity"`
}

// NakurityIdentifyRequest is the body of POST /nakurity/identify.
type NakurityIdentifyRequest struct {
	Identity any `json:"identity"`
}

// Client is a thin HTTP client for the identity service. Per SPEC_FULL.md §9
// Open Question 5, tokens minted here have no relationship to the broker's
// own static auth_token; nothing in this module consumes Client's output on
// the core broker path today.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient constructs a Client pointed at the identity service's base URL,
// e.g. "http://127.0.0.1:8002".
func NewClient(baseURL string) *Client {
	return &Client{baseURL: baseURL, http: &http.Client{Timeout: requestTimeout}}
}

// Auth requests a per-module token.
func (c *Client) Auth(ctx context.Context, moduleName string) (*AuthResponse, error) {
	var resp AuthResponse
	if err := c.post(ctx, "/auth", AuthRequest{ModuleName: moduleName}, &resp); err != nil {
		return nil, fmt.Errorf("requesting auth token: %w", err)
	}
	return &resp, nil
}

// Identify submits module identity data under a previously issued token.
func (c *Client) Identify(ctx context.Context, req IdentifyRequest) error {
	if err := c.post(ctx, "/identify", req, nil); err != nil {
		return fmt.Errorf("submitting identity: %w", err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("identity service returned status %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
