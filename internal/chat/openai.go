// Package chat proxies the in-app travel assistant to an OpenAI-compatible
// chat completions API.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"
	defaultTimeout = 30 * time.Second

	// MaxMessages bounds the history forwarded upstream.
	MaxMessages = 20
	// MaxMessageLength bounds a single message in bytes.
	MaxMessageLength = 4000
)

const systemPrompt = "You are ChinaRoute's travel assistant. Help travellers plan trips in mainland China: " +
	"routes between cities, high-speed rail, visas and entry rules, payments (Alipay, WeChat Pay), " +
	"etiquette and useful Mandarin phrases. Be concise and practical. If you are unsure about a rule " +
	"that may have changed, say so and suggest checking the official source."

var (
	ErrNotConfigured = errors.New("chat assistant not configured: missing api key")
	ErrEmptyReply    = errors.New("chat assistant returned no reply")
)

type Options struct {
	APIKey     string
	Model      string
	BaseURL    string
	HTTPClient *http.Client
}

type Client struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

// Message is one turn of the conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

func NewClient(opts Options) *Client {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = defaultModel
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		apiKey:  strings.TrimSpace(opts.APIKey),
		model:   model,
		baseURL: baseURL,
		client:  client,
	}
}

// Configured returns true if an API key is set.
func (c *Client) Configured() bool {
	return c.apiKey != ""
}

// Validate checks a conversation sent by the browser. Only user and
// assistant turns are accepted; the system prompt is added server-side.
func Validate(messages []Message) error {
	if len(messages) == 0 {
		return errors.New("at least one message is required")
	}
	if len(messages) > MaxMessages {
		return fmt.Errorf("at most %d messages are allowed", MaxMessages)
	}
	for i, m := range messages {
		if m.Role != "user" && m.Role != "assistant" {
			return fmt.Errorf("message %d: invalid role %q", i, m.Role)
		}
		if strings.TrimSpace(m.Content) == "" {
			return fmt.Errorf("message %d: empty content", i)
		}
		if len(m.Content) > MaxMessageLength {
			return fmt.Errorf("message %d: longer than %d bytes", i, MaxMessageLength)
		}
	}
	if messages[len(messages)-1].Role != "user" {
		return errors.New("last message must be from the user")
	}
	return nil
}

// Reply returns the assistant's answer to the conversation.
func (c *Client) Reply(ctx context.Context, messages []Message) (string, error) {
	if !c.Configured() {
		return "", ErrNotConfigured
	}

	payload := chatRequest{
		Model:       c.model,
		Temperature: 0.7,
		Messages:    append([]Message{{Role: "system", Content: systemPrompt}}, messages...),
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return "", fmt.Errorf("encode chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", &buf)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("chat API error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", ErrEmptyReply
	}
	reply := strings.TrimSpace(out.Choices[0].Message.Content)
	if reply == "" {
		return "", ErrEmptyReply
	}
	return reply, nil
}
