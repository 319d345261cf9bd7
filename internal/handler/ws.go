package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MrCobi/periodico-messaging/internal/broker"
	"github.com/MrCobi/periodico-messaging/internal/middleware"
	"github.com/MrCobi/periodico-messaging/internal/service"
	"github.com/MrCobi/periodico-messaging/pkg/logger"
	"github.com/MrCobi/periodico-messaging/pkg/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// WSHandler serves the WebSocket flavor of the push channel. Sends still go
// over the request surface; the socket is outbound-only.
type WSHandler struct {
	conversations *service.ConversationService
	broker        *broker.Broker
	upgrader      websocket.Upgrader
	logger        *logger.Logger
}

// NewWSHandler creates a new WebSocket handler.
func NewWSHandler(svc *service.ConversationService, b *broker.Broker, log *logger.Logger) *WSHandler {
	return &WSHandler{
		conversations: svc,
		broker:        b,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: log,
	}
}

// Serve handles GET /api/v1/messages/ws?userId=<partner>
func (h *WSHandler) Serve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	partnerID := r.URL.Query().Get("userId")

	if err := middleware.ValidateUserID(partnerID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ok, err := h.conversations.CanMessage(ctx, userID, partnerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check relationship")
		return
	}
	if !ok {
		writeError(w, http.StatusForbidden, service.ErrUnauthorized.Error())
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	metrics.IncrementStreamConnections("ws")

	sub := h.broker.Subscribe(userID)
	log := h.logger.WithConversation(userID, partnerID)

	go h.writePump(conn, sub, userID, partnerID, log)
	go h.readPump(conn, sub, log)
}

// readPump discards inbound frames; its job is pong handling and detecting
// the close.
func (h *WSHandler) readPump(conn *websocket.Conn, sub *broker.Subscription, log *logger.Logger) {
	defer func() {
		h.broker.Unsubscribe(sub)
		conn.Close()
	}()

	conn.SetReadLimit(8 * 1024)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

func (h *WSHandler) writePump(conn *websocket.Conn, sub *broker.Subscription, userID, partnerID string, log *logger.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		metrics.DecrementStreamConnections("ws")
		h.broker.Unsubscribe(sub)
		conn.Close()
	}()

	for {
		select {
		case msg, open := <-sub.C():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !open {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if !msg.InConversation(userID, partnerID) {
				continue
			}
			payload, err := json.Marshal(msg)
			if err != nil {
				log.Error("failed to marshal message", zap.Error(err))
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
