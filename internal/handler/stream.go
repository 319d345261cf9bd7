package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/MrCobi/periodico-messaging/internal/broker"
	"github.com/MrCobi/periodico-messaging/internal/middleware"
	"github.com/MrCobi/periodico-messaging/internal/model"
	"github.com/MrCobi/periodico-messaging/internal/service"
	"github.com/MrCobi/periodico-messaging/pkg/logger"
	"github.com/MrCobi/periodico-messaging/pkg/metrics"
)

// StreamHandler serves the long-lived server-to-client push channel.
type StreamHandler struct {
	conversations *service.ConversationService
	broker        *broker.Broker
	heartbeat     time.Duration
	logger        *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(svc *service.ConversationService, b *broker.Broker, heartbeat time.Duration, log *logger.Logger) *StreamHandler {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &StreamHandler{
		conversations: svc,
		broker:        b,
		heartbeat:     heartbeat,
		logger:        log,
	}
}

// Stream handles GET /api/v1/messages/stream?userId=<partner>
//
// Each pushed event carries one JSON-serialized message. The subscription
// is released on every exit path; when the broker sheds this subscriber the
// response ends and the client reconnects.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	partnerID := r.URL.Query().Get("userId")

	if err := middleware.ValidateUserID(partnerID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Read-path gating: a stream may only be opened between mutual
	// followers.
	ok, err := h.conversations.CanMessage(ctx, userID, partnerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check relationship")
		return
	}
	if !ok {
		writeError(w, http.StatusForbidden, service.ErrUnauthorized.Error())
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	metrics.IncrementStreamConnections("sse")
	defer metrics.DecrementStreamConnections("sse")

	sub := h.broker.Subscribe(userID)
	defer h.broker.Unsubscribe(sub)

	sendSSEEvent(w, flusher, model.EventConnected, model.ConnectedEvent{
		UserID:    userID,
		PartnerID: partnerID,
	})

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	log := h.logger.WithConversation(userID, partnerID)

	for {
		select {
		case <-ctx.Done():
			log.Debug("stream client disconnected")
			return

		case msg, open := <-sub.C():
			if !open {
				// Shed by the broker; tell the client why before ending the
				// response so it reconnects instead of waiting.
				log.Warn("stream subscription dropped")
				sendSSEEvent(w, flusher, model.EventError, model.ErrorEvent{
					Code:    "subscription_dropped",
					Message: "subscriber fell behind and was dropped",
				})
				return
			}
			// The subscription carries every message for this user; the
			// view is scoped to one conversation partner.
			if !msg.InConversation(userID, partnerID) {
				continue
			}
			if err := sendSSEEvent(w, flusher, model.EventMessage, msg); err != nil {
				log.Debug("stream write failed", zap.Error(err))
				return
			}

		case <-heartbeat.C:
			if err := sendSSEEvent(w, flusher, model.EventHeartbeat, model.HeartbeatEvent{
				Timestamp: time.Now(),
			}); err != nil {
				return
			}
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	flusher.Flush()

	return nil
}
