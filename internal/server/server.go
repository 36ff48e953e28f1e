package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/dukerupert/chinaroute/internal/auth"
	"github.com/dukerupert/chinaroute/internal/billing"
	"github.com/dukerupert/chinaroute/internal/chat"
	"github.com/dukerupert/chinaroute/internal/config"
	"github.com/dukerupert/chinaroute/internal/database"
	"github.com/dukerupert/chinaroute/internal/email"
	"github.com/dukerupert/chinaroute/internal/entitlement"
	"github.com/dukerupert/chinaroute/internal/handler"
	"github.com/dukerupert/chinaroute/internal/kvstore"
	"github.com/dukerupert/chinaroute/internal/middleware"
	"github.com/dukerupert/chinaroute/internal/profile"
	"github.com/dukerupert/chinaroute/internal/session"
	"github.com/dukerupert/chinaroute/internal/supabase"
	ws "github.com/dukerupert/chinaroute/internal/websocket"
)

type Server struct {
	db           *sql.DB
	hub          *ws.Hub
	verifier     *auth.Verifier
	entitlementH *handler.EntitlementHandler
	itineraryH   *handler.ItineraryHandler
	profileH     *handler.ProfileHandler
	billingH     *handler.BillingHandler
	webhookH     *handler.WebhookHandler
	chatH        *handler.ChatHandler
	contactH     *handler.ContactHandler
	sessionH     *ws.SessionHandler
	rateLimiter  *middleware.RateLimiter
	origins      []string
	logger       *slog.Logger
}

// New wires every service from cfg. db holds billing records; stores holds
// the per-user and per-device key-value state.
func New(db *sql.DB, stores kvstore.Factory, cfg *config.Config, logger *slog.Logger) *Server {
	hub := ws.NewHub(logger.With("component", "websocket"))

	var verifierOpts []auth.VerifierOption
	if cfg.Supabase.JWTIssuer != "" {
		verifierOpts = append(verifierOpts, auth.WithIssuer(cfg.Supabase.JWTIssuer))
	}
	verifier := auth.NewVerifier(cfg.Supabase.JWTSecret, verifierOpts...)

	profiles := profile.NewService(stores, entitlement.Config{
		MonthlyLimit:   cfg.Quota.MonthlyLimit,
		UsageRetention: cfg.Quota.UsageRetention,
	}, logger.With("component", "profile"))

	emailClient := email.NewClient(cfg.Postmark.ServerToken, cfg.Postmark.FromEmail, cfg.Postmark.SupportEmail, cfg.BaseURL)
	if !emailClient.Configured() {
		logger.Warn("POSTMARK_SERVER_TOKEN not set; contact form and purchase emails disabled")
	}

	stripeClient := billing.NewClient(billing.Config{
		SecretKey:       cfg.Stripe.SecretKey,
		WebhookSecret:   cfg.Stripe.WebhookSecret,
		ProPriceID:      cfg.Stripe.ProPriceID,
		LifetimePriceID: cfg.Stripe.LifetimePriceID,
		SuccessURL:      cfg.BaseURL + "/account?checkout=success",
		CancelURL:       cfg.BaseURL + "/pricing?checkout=canceled",
	})
	customers := billing.NewCustomerStore(db)
	var notifier billing.Notifier
	if emailClient.Configured() {
		notifier = emailClient
	}
	billingSvc := billing.NewService(customers, profiles, notifier, logger.With("component", "billing"))

	assistant := chat.NewClient(chat.Options{
		APIKey:  cfg.OpenAI.APIKey,
		Model:   cfg.OpenAI.Model,
		BaseURL: cfg.OpenAI.BaseURL,
	})

	sb := supabase.NewClient(cfg.Supabase.URL, cfg.Supabase.AnonKey)
	if !sb.Configured() {
		logger.Warn("SUPABASE_URL not set; idle sessions are only cleared locally")
	}

	sessionCfg := ws.Config{
		Session: session.Config{
			IdleTimeout:   cfg.Session.IdleTimeout,
			CheckInterval: cfg.Session.CheckInterval,
			SignInPath:    cfg.Session.SignInPath,
		},
		OriginPatterns: originPatterns(cfg.AllowedOrigins),
		SecureCookie:   strings.HasPrefix(cfg.BaseURL, "https://"),
	}

	return &Server{
		db:           db,
		hub:          hub,
		verifier:     verifier,
		entitlementH: handler.NewEntitlementHandler(profiles),
		itineraryH:   handler.NewItineraryHandler(profiles, logger.With("component", "itinerary")),
		profileH:     handler.NewProfileHandler(profiles, logger.With("component", "profile")),
		billingH:     handler.NewBillingHandler(stripeClient, customers, profiles, cfg.BaseURL+"/account", logger.With("component", "checkout")),
		webhookH:     handler.NewWebhookHandler(stripeClient, billingSvc, logger.With("component", "webhook")),
		chatH:        handler.NewChatHandler(assistant, profiles, logger.With("component", "chat")),
		contactH:     handler.NewContactHandler(emailClient, profiles, logger.With("component", "contact")),
		sessionH:     ws.NewSessionHandler(hub, stores, verifier, profiles, sb, sessionCfg, logger.With("component", "session")),
		rateLimiter:  middleware.NewRateLimiter(cfg.RateLimitPerMin, 5),
		origins:      cfg.AllowedOrigins,
		logger:       logger,
	}
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

// Hub returns the session channel hub.
func (s *Server) Hub() *ws.Hub {
	return s.hub
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	required := middleware.RequireAuth(s.verifier)
	optional := middleware.OptionalAuth(s.verifier)
	limited := middleware.RateLimit(s.rateLimiter, middleware.RealIP)

	mux.HandleFunc("GET /health", s.healthHandler)

	// Entitlements and quota; anonymous callers are guests.
	mux.Handle("GET /api/entitlements", optional(http.HandlerFunc(s.entitlementH.Get)))
	mux.Handle("GET /api/quota", optional(http.HandlerFunc(s.entitlementH.Quota)))
	mux.Handle("GET /api/features/{feature}", optional(http.HandlerFunc(s.entitlementH.Feature)))
	mux.Handle("POST /api/itineraries", optional(http.HandlerFunc(s.itineraryH.Create)))
	mux.Handle("GET /api/usage", required(http.HandlerFunc(s.itineraryH.Usage)))

	// Profile
	mux.Handle("POST /api/profile/sync", required(http.HandlerFunc(s.profileH.Sync)))
	mux.Handle("GET /api/profile", required(http.HandlerFunc(s.profileH.Get)))

	// Billing
	mux.Handle("POST /api/checkout", limited(required(http.HandlerFunc(s.billingH.Checkout))))
	mux.Handle("POST /api/billing/portal", required(http.HandlerFunc(s.billingH.Portal)))
	mux.HandleFunc("POST /webhooks/stripe", s.webhookH.Stripe)

	// Assistant and support
	mux.Handle("POST /api/chat", limited(required(http.HandlerFunc(s.chatH.Reply))))
	mux.Handle("POST /api/contact", limited(optional(http.HandlerFunc(s.contactH.Send))))

	// WebSocket
	mux.Handle("GET /ws/session", s.sessionH)

	h := middleware.CORS(s.origins)(mux)
	return middleware.RequestLogger(s.logger.With("component", "http"))(h)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":  "ok",
		"clients": s.hub.ClientCount(),
	}
	code := http.StatusOK
	version, err := database.SchemaVersion(s.db)
	if err != nil {
		s.logger.Error("health check schema version", "error", err)
		resp["status"] = "degraded"
		code = http.StatusServiceUnavailable
	} else {
		resp["schema"] = version
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}

// originPatterns turns allowed origins into the host patterns the
// websocket handshake checks.
func originPatterns(origins []string) []string {
	var out []string
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if o == "*" {
			out = append(out, "*")
			continue
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
			continue
		}
		out = append(out, o)
	}
	return out
}
