package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	stripe "github.com/stripe/stripe-go/v82"

	"github.com/dukerupert/chinaroute/internal/model"
)

const (
	metadataUserID = "user_id"
	metadataPlan   = "plan"
)

// PlanSetter persists plan changes on the user record.
type PlanSetter interface {
	SetPlan(ctx context.Context, userID string, plan model.Plan) error
}

// Notifier confirms a purchase to the customer.
type Notifier interface {
	SendPlanConfirmation(ctx context.Context, toEmail string, plan model.Plan) error
}

// Service applies Stripe events to accounts.
type Service struct {
	customers *CustomerStore
	plans     PlanSetter
	notifier  Notifier
	logger    *slog.Logger
}

// NewService creates a Service. notifier may be nil.
func NewService(customers *CustomerStore, plans PlanSetter, notifier Notifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{customers: customers, plans: plans, notifier: notifier, logger: logger}
}

// HandleEvent dispatches a verified event. Unhandled types are ignored.
func (s *Service) HandleEvent(ctx context.Context, event stripe.Event) error {
	if event.Data == nil {
		return fmt.Errorf("handle %s: missing data", event.Type)
	}
	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		return s.handleCheckoutCompleted(ctx, event)
	case "customer.subscription.updated":
		return s.handleSubscriptionUpdated(ctx, event)
	case "customer.subscription.deleted":
		return s.handleSubscriptionDeleted(ctx, event)
	case "invoice.payment_failed":
		return s.handleInvoicePaymentFailed(event)
	}
	return nil
}

func (s *Service) handleCheckoutCompleted(ctx context.Context, event stripe.Event) error {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return fmt.Errorf("unmarshal checkout session: %w", err)
	}

	if sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid {
		// Delayed payment methods finish with async_payment_succeeded.
		s.logger.Info("checkout completed without payment", "session", sess.ID)
		return nil
	}

	userID := sess.ClientReferenceID
	if userID == "" {
		userID = sess.Metadata[metadataUserID]
	}
	if userID == "" {
		s.logger.Warn("checkout session without user reference", "session", sess.ID)
		return nil
	}
	plan := model.ParsePlan(sess.Metadata[metadataPlan])
	if !plan.Paid() {
		plan = model.PlanPro
		if sess.Mode == stripe.CheckoutSessionModePayment {
			plan = model.PlanLifetime
		}
	}

	var email, customerID, subscriptionID string
	if sess.CustomerDetails != nil {
		email = sess.CustomerDetails.Email
	}
	if sess.Customer != nil {
		customerID = sess.Customer.ID
	}
	if sess.Subscription != nil {
		subscriptionID = sess.Subscription.ID
	}

	if err := s.customers.Link(userID, email, customerID, subscriptionID, plan); err != nil {
		return err
	}
	if err := s.plans.SetPlan(ctx, userID, plan); err != nil {
		return err
	}
	s.logger.Info("checkout completed", "user_id", userID, "plan", plan)

	if s.notifier != nil && email != "" {
		if err := s.notifier.SendPlanConfirmation(ctx, email, plan); err != nil {
			s.logger.Warn("send plan confirmation", "user_id", userID, "error", err)
		}
	}
	return nil
}

func (s *Service) subscriptionCustomer(event stripe.Event) (*stripe.Subscription, *Customer, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return nil, nil, fmt.Errorf("unmarshal subscription: %w", err)
	}
	c, err := s.customers.GetBySubscriptionID(sub.ID)
	if err != nil {
		return nil, nil, err
	}
	return &sub, c, nil
}

func (s *Service) handleSubscriptionUpdated(ctx context.Context, event stripe.Event) error {
	sub, c, err := s.subscriptionCustomer(event)
	if err != nil || c == nil {
		return err
	}

	plan := c.Plan
	switch sub.Status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		if plan != model.PlanLifetime {
			plan = model.PlanPro
		}
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusUnpaid, stripe.SubscriptionStatusIncompleteExpired:
		plan = downgrade(plan)
	}

	if err := s.customers.UpdateStatus(c.UserID, string(sub.Status), plan); err != nil {
		return err
	}
	if plan != c.Plan {
		return s.plans.SetPlan(ctx, c.UserID, plan)
	}
	return nil
}

func (s *Service) handleSubscriptionDeleted(ctx context.Context, event stripe.Event) error {
	_, c, err := s.subscriptionCustomer(event)
	if err != nil || c == nil {
		return err
	}

	plan := downgrade(c.Plan)
	if err := s.customers.UpdateStatus(c.UserID, string(stripe.SubscriptionStatusCanceled), plan); err != nil {
		return err
	}
	if plan == c.Plan {
		return nil
	}
	s.logger.Info("subscription ended", "user_id", c.UserID)
	return s.plans.SetPlan(ctx, c.UserID, plan)
}

// getSubscriptionIDFromInvoice extracts the subscription ID from an invoice's parent.
func getSubscriptionIDFromInvoice(invoice stripe.Invoice) string {
	if invoice.Parent != nil &&
		invoice.Parent.SubscriptionDetails != nil &&
		invoice.Parent.SubscriptionDetails.Subscription != nil {
		return invoice.Parent.SubscriptionDetails.Subscription.ID
	}
	return ""
}

// Failed payments only mark the account; Stripe's retry schedule decides
// when the subscription ends.
func (s *Service) handleInvoicePaymentFailed(event stripe.Event) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return fmt.Errorf("unmarshal invoice: %w", err)
	}
	subID := getSubscriptionIDFromInvoice(invoice)
	if subID == "" {
		return nil
	}
	c, err := s.customers.GetBySubscriptionID(subID)
	if err != nil || c == nil {
		return err
	}
	return s.customers.UpdateStatus(c.UserID, string(stripe.SubscriptionStatusPastDue), c.Plan)
}

// Lifetime purchases outlive any subscription.
func downgrade(p model.Plan) model.Plan {
	if p == model.PlanLifetime {
		return p
	}
	return model.PlanFree
}
