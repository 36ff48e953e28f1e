// Package supabase talks to the Supabase GoTrue auth API.
package supabase

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type Client struct {
	projectURL string
	anonKey    string
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

func NewClient(projectURL, anonKey string, opts ...Option) *Client {
	c := &Client{
		projectURL: strings.TrimRight(projectURL, "/"),
		anonKey:    anonKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured returns true if the project URL and anon key are set.
func (c *Client) Configured() bool {
	return c.projectURL != "" && c.anonKey != ""
}

// SignOut revokes the session that issued accessToken. scope is "local",
// "global" or "others"; empty means local.
func (c *Client) SignOut(ctx context.Context, accessToken, scope string) error {
	if !c.Configured() {
		return fmt.Errorf("supabase client not configured")
	}
	if accessToken == "" {
		return fmt.Errorf("sign out: missing access token")
	}
	if scope == "" {
		scope = "local"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.projectURL+"/auth/v1/logout?scope="+scope, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sign out: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusNotFound:
		// Token already expired or session already gone.
		return nil
	default:
		return fmt.Errorf("supabase logout: status %d", resp.StatusCode)
	}
}
