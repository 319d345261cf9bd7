// Package handler provides HTTP handlers for the API.
package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/MrCobi/periodico-messaging/internal/middleware"
	"github.com/MrCobi/periodico-messaging/internal/model"
	"github.com/MrCobi/periodico-messaging/internal/service"
	"github.com/MrCobi/periodico-messaging/internal/store"
	"github.com/MrCobi/periodico-messaging/pkg/logger"
)

// MessageHandler handles message endpoints.
type MessageHandler struct {
	conversations *service.ConversationService
	logger        *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(svc *service.ConversationService, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		conversations: svc,
		logger:        log,
	}
}

// Send handles POST /api/v1/messages
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	var req model.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := middleware.ValidateUserID(req.ReceiverID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateMessageContent(req.Content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := h.conversations.Send(ctx, userID, req.ReceiverID, req.Content)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, msg)
}

// List handles GET /api/v1/messages?userId=<partner>
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	partnerID := r.URL.Query().Get("userId")

	if err := middleware.ValidateUserID(partnerID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	page := store.Page{}
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			page.Limit = parsed
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			page.Offset = parsed
		}
	}

	msgs, err := h.conversations.ListMessages(ctx, userID, partnerID, page)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}

	writeJSON(w, http.StatusOK, msgs)
}

// MarkRead handles POST /api/v1/messages/read?senderId=<partner>
func (h *MessageHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	senderID := r.URL.Query().Get("senderId")

	if err := middleware.ValidateUserID(senderID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := h.conversations.MarkRead(ctx, userID, senderID); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// UnreadCount handles GET /api/v1/messages/unread/count
func (h *MessageHandler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	n, err := h.conversations.UnreadCount(ctx, userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, model.UnreadCountResponse{Count: n})
}
