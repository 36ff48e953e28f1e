package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	stripe "github.com/stripe/stripe-go/v82"

	"github.com/dukerupert/chinaroute/internal/auth"
	"github.com/dukerupert/chinaroute/internal/billing"
	"github.com/dukerupert/chinaroute/internal/model"
	"github.com/dukerupert/chinaroute/internal/profile"
)

const maxWebhookBody = 65536

// CheckoutCreator opens hosted Stripe pages.
type CheckoutCreator interface {
	Configured() bool
	CreateCheckoutSession(req billing.CheckoutRequest) (string, error)
	CreateBillingPortalSession(customerID, returnURL string) (string, error)
}

// CustomerLookup finds the Stripe customer linked to a user.
type CustomerLookup interface {
	GetByUserID(userID string) (*billing.Customer, error)
}

type BillingHandler struct {
	stripe    CheckoutCreator
	customers CustomerLookup
	profiles  *profile.Service
	returnURL string
	logger    *slog.Logger
}

func NewBillingHandler(sc CheckoutCreator, customers CustomerLookup, ps *profile.Service, returnURL string, logger *slog.Logger) *BillingHandler {
	return &BillingHandler{stripe: sc, customers: customers, profiles: ps, returnURL: returnURL, logger: logger}
}

type checkoutRequest struct {
	Plan string `json:"plan"`
}

// Checkout starts a Stripe checkout for a paid plan.
func (h *BillingHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	if !h.stripe.Configured() {
		writeError(w, http.StatusServiceUnavailable, "billing not configured")
		return
	}
	ac, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req checkoutRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	plan := model.ParsePlan(req.Plan)
	if !plan.Paid() {
		writeError(w, http.StatusBadRequest, "plan must be pro or lifetime")
		return
	}

	current := h.profiles.Engine(ac.UserID).UserPlan()
	if current == plan || current == model.PlanLifetime {
		writeError(w, http.StatusConflict, "already on "+current.Label())
		return
	}

	creq := billing.CheckoutRequest{UserID: ac.UserID, Email: ac.Email, Plan: plan}
	cust, err := h.customers.GetByUserID(ac.UserID)
	if err != nil {
		h.logger.Error("get billing customer", "user_id", ac.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if cust != nil && cust.StripeCustomerID != nil {
		creq.CustomerID = *cust.StripeCustomerID
	}

	url, err := h.stripe.CreateCheckoutSession(creq)
	if err != nil {
		h.logger.Error("create checkout session", "user_id", ac.UserID, "plan", plan, "error", err)
		writeError(w, http.StatusBadGateway, "failed to create checkout session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// Portal opens the Stripe billing portal for a subscribed user.
func (h *BillingHandler) Portal(w http.ResponseWriter, r *http.Request) {
	if !h.stripe.Configured() {
		writeError(w, http.StatusServiceUnavailable, "billing not configured")
		return
	}
	userID := auth.UserID(r.Context())
	cust, err := h.customers.GetByUserID(userID)
	if err != nil {
		h.logger.Error("get billing customer", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if cust == nil || cust.StripeCustomerID == nil {
		writeError(w, http.StatusNotFound, "no billing account")
		return
	}

	url, err := h.stripe.CreateBillingPortalSession(*cust.StripeCustomerID, h.returnURL)
	if err != nil {
		h.logger.Error("create billing portal session", "user_id", userID, "error", err)
		writeError(w, http.StatusBadGateway, "failed to open billing portal")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// EventVerifier checks the Stripe-Signature header.
type EventVerifier interface {
	ConstructWebhookEvent(payload []byte, sigHeader string) (stripe.Event, error)
}

// EventHandler applies a verified event.
type EventHandler interface {
	HandleEvent(ctx context.Context, event stripe.Event) error
}

type WebhookHandler struct {
	verifier EventVerifier
	events   EventHandler
	logger   *slog.Logger
}

func NewWebhookHandler(verifier EventVerifier, events EventHandler, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{verifier: verifier, events: events, logger: logger}
}

// Stripe receives webhook deliveries. Failures answer 500 so Stripe retries.
func (h *WebhookHandler) Stripe(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	event, err := h.verifier.ConstructWebhookEvent(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.logger.Warn("webhook signature verification failed", "error", err)
		writeError(w, http.StatusBadRequest, "invalid signature")
		return
	}

	if err := h.events.HandleEvent(r.Context(), event); err != nil {
		h.logger.Error("handle webhook event", "type", event.Type, "id", event.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to process event")
		return
	}
	h.logger.Info("webhook processed", "type", event.Type, "id", event.ID)
	w.WriteHeader(http.StatusOK)
}
