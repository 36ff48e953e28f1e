package billing

import (
	"fmt"

	stripe "github.com/stripe/stripe-go/v82"
	portalsession "github.com/stripe/stripe-go/v82/billingportal/session"
	checksession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/dukerupert/chinaroute/internal/model"
)

type Config struct {
	SecretKey       string
	WebhookSecret   string
	ProPriceID      string
	LifetimePriceID string
	SuccessURL      string
	CancelURL       string
}

type Client struct {
	cfg Config
}

func NewClient(cfg Config) *Client {
	stripe.Key = cfg.SecretKey
	return &Client{cfg: cfg}
}

// Configured returns true if a secret key is set.
func (c *Client) Configured() bool {
	return c.cfg.SecretKey != ""
}

// CheckoutRequest describes the purchase of a paid plan.
type CheckoutRequest struct {
	UserID     string
	Email      string
	CustomerID string
	Plan       model.Plan
}

// PriceIDForPlan returns the Stripe price for a paid plan, or "" for free.
func (c *Client) PriceIDForPlan(plan model.Plan) string {
	switch plan {
	case model.PlanPro:
		return c.cfg.ProPriceID
	case model.PlanLifetime:
		return c.cfg.LifetimePriceID
	default:
		return ""
	}
}

// CheckoutParams builds the session parameters. Pro is a subscription,
// lifetime a one-time payment.
func (c *Client) CheckoutParams(req CheckoutRequest) (*stripe.CheckoutSessionParams, error) {
	priceID := c.PriceIDForPlan(req.Plan)
	if priceID == "" {
		return nil, fmt.Errorf("no price configured for plan %q", req.Plan)
	}

	mode := stripe.CheckoutSessionModeSubscription
	if req.Plan == model.PlanLifetime {
		mode = stripe.CheckoutSessionModePayment
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(mode)),
		ClientReferenceID: stripe.String(req.UserID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		AllowPromotionCodes: stripe.Bool(true),
		SuccessURL:          stripe.String(c.cfg.SuccessURL),
		CancelURL:           stripe.String(c.cfg.CancelURL),
	}
	switch {
	case req.CustomerID != "":
		params.Customer = stripe.String(req.CustomerID)
	case req.Email != "":
		params.CustomerEmail = stripe.String(req.Email)
	}
	params.AddMetadata(metadataUserID, req.UserID)
	params.AddMetadata(metadataPlan, string(req.Plan))
	return params, nil
}

// CreateCheckoutSession creates a Stripe checkout session and returns the URL.
func (c *Client) CreateCheckoutSession(req CheckoutRequest) (string, error) {
	params, err := c.CheckoutParams(req)
	if err != nil {
		return "", err
	}
	sess, err := checksession.New(params)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	return sess.URL, nil
}

// CreateBillingPortalSession creates a Stripe billing portal session and returns the URL.
func (c *Client) CreateBillingPortalSession(customerID, returnURL string) (string, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	sess, err := portalsession.New(params)
	if err != nil {
		return "", fmt.Errorf("create billing portal session: %w", err)
	}
	return sess.URL, nil
}

// ConstructWebhookEvent verifies the signature and returns the parsed event.
func (c *Client) ConstructWebhookEvent(payload []byte, sigHeader string) (stripe.Event, error) {
	return webhook.ConstructEventWithOptions(payload, sigHeader, c.cfg.WebhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
}
