package handler

import (
	"context"
	"log/slog"
	"net/http"
	"net/mail"
	"strings"

	"github.com/dukerupert/chinaroute/internal/auth"
	"github.com/dukerupert/chinaroute/internal/email"
	"github.com/dukerupert/chinaroute/internal/entitlement"
	"github.com/dukerupert/chinaroute/internal/profile"
)

const maxContactMessage = 5000

// ContactSender delivers contact-form messages to support.
type ContactSender interface {
	Configured() bool
	SendContact(ctx context.Context, msg email.ContactMessage) error
}

type ContactHandler struct {
	sender   ContactSender
	profiles *profile.Service
	logger   *slog.Logger
}

func NewContactHandler(sender ContactSender, ps *profile.Service, logger *slog.Logger) *ContactHandler {
	return &ContactHandler{sender: sender, profiles: ps, logger: logger}
}

type contactRequest struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Subject string `json:"subject"`
	Message string `json:"message"`
}

// Send accepts a contact form. Signed-in users with priority_support are
// flagged so support answers them first.
func (h *ContactHandler) Send(w http.ResponseWriter, r *http.Request) {
	if !h.sender.Configured() {
		writeError(w, http.StatusServiceUnavailable, "contact form not configured")
		return
	}

	var req contactRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.TrimSpace(req.Email)
	req.Subject = strings.TrimSpace(req.Subject)
	req.Message = strings.TrimSpace(req.Message)

	if _, err := mail.ParseAddress(req.Email); err != nil {
		writeError(w, http.StatusBadRequest, "a valid email is required")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if len(req.Message) > maxContactMessage {
		writeError(w, http.StatusBadRequest, "message too long")
		return
	}

	msg := email.ContactMessage{
		Name:    req.Name,
		Email:   req.Email,
		Subject: req.Subject,
		Message: req.Message,
	}
	if userID := auth.UserID(r.Context()); userID != "" {
		e := h.profiles.Engine(userID)
		msg.UserID = userID
		msg.Plan = e.UserPlan()
		msg.Priority = e.HasAccess(entitlement.FeaturePrioritySupport)
	}

	if err := h.sender.SendContact(r.Context(), msg); err != nil {
		h.logger.Error("send contact email", "user_id", msg.UserID, "error", err)
		writeError(w, http.StatusBadGateway, "failed to send message")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "sent", "priority": msg.Priority})
}
