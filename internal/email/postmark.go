package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strings"

	"github.com/dukerupert/chinaroute/internal/model"
)

const defaultAPIURL = "https://api.postmarkapp.com/email"

// ErrNotConfigured is returned when no server token is set.
var ErrNotConfigured = errors.New("email client not configured: missing server token")

type Client struct {
	serverToken  string
	fromEmail    string
	supportEmail string
	baseURL      string
	apiURL       string
	httpClient   *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithAPIURL points the client at a different Postmark endpoint.
func WithAPIURL(u string) Option {
	return func(cl *Client) {
		cl.apiURL = u
	}
}

// NewClient creates a Postmark client. Contact messages are delivered to
// supportEmail; baseURL is the public site used in links.
func NewClient(serverToken, fromEmail, supportEmail, baseURL string, opts ...Option) *Client {
	c := &Client{
		serverToken:  serverToken,
		fromEmail:    fromEmail,
		supportEmail: supportEmail,
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiURL:       defaultAPIURL,
		httpClient:   http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured returns true if the server token is set.
func (c *Client) Configured() bool {
	return c.serverToken != ""
}

type postmarkEmail struct {
	From     string `json:"From"`
	To       string `json:"To"`
	ReplyTo  string `json:"ReplyTo,omitempty"`
	Subject  string `json:"Subject"`
	HtmlBody string `json:"HtmlBody"`
	TextBody string `json:"TextBody"`
	Tag      string `json:"Tag,omitempty"`
}

// ContactMessage is a support request from the contact form.
type ContactMessage struct {
	Name    string
	Email   string
	Subject string
	Message string
	UserID  string
	Plan    model.Plan
	// Priority marks requests from plans with priority support.
	Priority bool
}

// SendContact forwards a contact form submission to the support inbox.
func (c *Client) SendContact(ctx context.Context, msg ContactMessage) error {
	subject := msg.Subject
	if subject == "" {
		subject = "Contact request"
	}
	tag := "contact"
	if msg.Priority {
		subject = "[PRIORITY] " + subject
		tag = "contact-priority"
	}

	from := msg.Name
	if from == "" {
		from = msg.Email
	}
	textBody := fmt.Sprintf("From: %s <%s>\nPlan: %s\nUser: %s\n\n%s",
		from, msg.Email, msg.Plan.Label(), orDash(msg.UserID), msg.Message)
	htmlBody := fmt.Sprintf(
		`<p><strong>From:</strong> %s &lt;%s&gt;<br><strong>Plan:</strong> %s<br><strong>User:</strong> %s</p><p>%s</p>`,
		html.EscapeString(from), html.EscapeString(msg.Email), msg.Plan.Label(),
		html.EscapeString(orDash(msg.UserID)),
		strings.ReplaceAll(html.EscapeString(msg.Message), "\n", "<br>"),
	)

	return c.send(ctx, postmarkEmail{
		From:     c.fromEmail,
		To:       c.supportEmail,
		ReplyTo:  msg.Email,
		Subject:  subject,
		HtmlBody: htmlBody,
		TextBody: textBody,
		Tag:      tag,
	})
}

// SendPlanConfirmation tells a customer their upgrade went through.
func (c *Client) SendPlanConfirmation(ctx context.Context, toEmail string, plan model.Plan) error {
	subject := fmt.Sprintf("Welcome to ChinaRoute %s", plan.Label())
	link := c.baseURL + "/planner"
	textBody := fmt.Sprintf("Your ChinaRoute %s plan is active.\n\nStart planning: %s", plan.Label(), link)
	htmlBody := fmt.Sprintf(
		`<p>Your ChinaRoute %s plan is active.</p><p><a href="%s">Start planning</a></p>`,
		plan.Label(), link,
	)

	return c.send(ctx, postmarkEmail{
		From:     c.fromEmail,
		To:       toEmail,
		Subject:  subject,
		HtmlBody: htmlBody,
		TextBody: textBody,
		Tag:      "plan-confirmation",
	})
}

func (c *Client) send(ctx context.Context, payload postmarkEmail) error {
	if !c.Configured() {
		return ErrNotConfigured
	}
	if payload.To == "" {
		return fmt.Errorf("send email: missing recipient")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", c.serverToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("postmark API error: status %d", resp.StatusCode)
	}

	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
