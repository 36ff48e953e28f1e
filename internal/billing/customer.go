package billing

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/chinaroute/internal/model"
)

// Customer links an account to its Stripe objects.
type Customer struct {
	UserID               string
	Email                string
	StripeCustomerID     *string
	StripeSubscriptionID *string
	Plan                 model.Plan
	Status               string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

type CustomerStore struct {
	db *sql.DB
}

func NewCustomerStore(db *sql.DB) *CustomerStore {
	return &CustomerStore{db: db}
}

const customerCols = `user_id, email, stripe_customer_id, stripe_subscription_id, plan, status, created_at, updated_at`

func scanCustomer(scanner interface{ Scan(...any) error }) (*Customer, error) {
	var c Customer
	var customerID, subscriptionID sql.NullString
	var plan string
	err := scanner.Scan(
		&c.UserID, &c.Email, &customerID, &subscriptionID, &plan, &c.Status,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if customerID.Valid {
		c.StripeCustomerID = &customerID.String
	}
	if subscriptionID.Valid {
		c.StripeSubscriptionID = &subscriptionID.String
	}
	c.Plan = model.ParsePlan(plan)
	return &c, nil
}

func (s *CustomerStore) get(query string, arg any) (*Customer, error) {
	row := s.db.QueryRow(`SELECT `+customerCols+` FROM billing_customers WHERE `+query, arg)
	c, err := scanCustomer(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *CustomerStore) GetByUserID(userID string) (*Customer, error) {
	c, err := s.get(`user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("get customer: %w", err)
	}
	return c, nil
}

func (s *CustomerStore) GetBySubscriptionID(subscriptionID string) (*Customer, error) {
	c, err := s.get(`stripe_subscription_id = ?`, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("get customer by subscription: %w", err)
	}
	return c, nil
}

// Link records a completed checkout. Empty Stripe ids leave the stored
// ones in place.
func (s *CustomerStore) Link(userID, email, customerID, subscriptionID string, plan model.Plan) error {
	_, err := s.db.Exec(
		`INSERT INTO billing_customers (user_id, email, stripe_customer_id, stripe_subscription_id, plan, status)
		 VALUES (?, ?, ?, ?, ?, 'active')
		 ON CONFLICT(user_id) DO UPDATE SET
		   email = CASE WHEN excluded.email != '' THEN excluded.email ELSE billing_customers.email END,
		   stripe_customer_id = COALESCE(excluded.stripe_customer_id, billing_customers.stripe_customer_id),
		   stripe_subscription_id = COALESCE(excluded.stripe_subscription_id, billing_customers.stripe_subscription_id),
		   plan = excluded.plan,
		   status = 'active',
		   updated_at = CURRENT_TIMESTAMP`,
		userID, email, nullString(customerID), nullString(subscriptionID), string(plan),
	)
	if err != nil {
		return fmt.Errorf("link customer: %w", err)
	}
	return nil
}

func (s *CustomerStore) UpdateStatus(userID, status string, plan model.Plan) error {
	_, err := s.db.Exec(
		`UPDATE billing_customers SET status = ?, plan = ?, updated_at = CURRENT_TIMESTAMP WHERE user_id = ?`,
		status, string(plan), userID,
	)
	if err != nil {
		return fmt.Errorf("update customer status: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
