package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/dukerupert/chinaroute/internal/auth"
	"github.com/dukerupert/chinaroute/internal/chat"
	"github.com/dukerupert/chinaroute/internal/entitlement"
	"github.com/dukerupert/chinaroute/internal/profile"
)

// Assistant produces the next assistant turn.
type Assistant interface {
	Configured() bool
	Reply(ctx context.Context, messages []chat.Message) (string, error)
}

type ChatHandler struct {
	assistant Assistant
	profiles  *profile.Service
	logger    *slog.Logger
}

func NewChatHandler(a Assistant, ps *profile.Service, logger *slog.Logger) *ChatHandler {
	return &ChatHandler{assistant: a, profiles: ps, logger: logger}
}

type chatRequest struct {
	Messages []chat.Message `json:"messages"`
}

type chatResponse struct {
	Message chat.Message `json:"message"`
}

// Reply forwards the conversation to the assistant for plans with
// ai_assistant.
func (h *ChatHandler) Reply(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if !h.profiles.Engine(userID).HasAccess(entitlement.FeatureAIAssistant) {
		writeFeatureLocked(w, entitlement.FeatureAIAssistant)
		return
	}
	if !h.assistant.Configured() {
		writeError(w, http.StatusServiceUnavailable, "assistant not configured")
		return
	}

	var req chatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := chat.Validate(req.Messages); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	reply, err := h.assistant.Reply(r.Context(), req.Messages)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		h.logger.Error("assistant reply", "user_id", userID, "error", err)
		writeError(w, http.StatusBadGateway, "assistant unavailable")
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{Message: chat.Message{Role: "assistant", Content: reply}})
}
