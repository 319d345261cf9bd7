package broker

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/MrCobi/periodico-messaging/internal/model"
	"github.com/MrCobi/periodico-messaging/pkg/logger"
)

const (
	// messageSubjectPrefix carries persisted messages between instances.
	messageSubjectPrefix = "dm.message."

	// unreadSubjectPrefix notifies the external unread-badge collaborator.
	unreadSubjectPrefix = "dm.unread."
)

// MessageSubject returns the relay subject for a receiver.
func MessageSubject(receiverID string) string {
	return messageSubjectPrefix + receiverID
}

// UnreadSubject returns the badge-notification subject for a user.
func UnreadSubject(userID string) string {
	return unreadSubjectPrefix + userID
}

// Relay extends the local broker across instances. Publish goes out through
// NATS only; the relay's own subscription feeds everything (including this
// instance's sends) back into the local broker, so each message reaches
// local subscribers exactly once per publish.
type Relay struct {
	conn   *nats.Conn
	local  *Broker
	sub    *nats.Subscription
	logger *logger.Logger
}

// NewRelay wires a NATS connection in front of the local broker.
func NewRelay(conn *nats.Conn, local *Broker, log *logger.Logger) (*Relay, error) {
	r := &Relay{conn: conn, local: local, logger: log}

	sub, err := conn.Subscribe(messageSubjectPrefix+">", r.handle)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to relay subject: %w", err)
	}
	r.sub = sub

	return r, nil
}

// Publish sends the message across the relay. Delivery to local subscribers
// happens when the message comes back on the relay subscription. Publish
// never fails the caller; a relay outage is logged and the message remains
// durable in the store.
func (r *Relay) Publish(msg *model.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		r.logger.Error("failed to marshal relay message", zap.Error(err))
		return
	}
	if err := r.conn.Publish(MessageSubject(msg.ReceiverID), data); err != nil {
		r.logger.Error("failed to publish to relay",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
	}
}

func (r *Relay) handle(m *nats.Msg) {
	var msg model.Message
	if err := json.Unmarshal(m.Data, &msg); err != nil {
		r.logger.Error("failed to unmarshal relay message", zap.Error(err))
		return
	}
	r.local.Publish(&msg)
}

// NotifyUnreadCountChanged publishes a badge-refresh hint for userID.
func (r *Relay) NotifyUnreadCountChanged(userID string) {
	if err := r.conn.Publish(UnreadSubject(userID), nil); err != nil {
		r.logger.Warn("failed to publish unread notification",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}
}

// Close detaches the relay subscription. The local broker and the NATS
// connection are owned by the caller.
func (r *Relay) Close() {
	if r.sub != nil {
		_ = r.sub.Unsubscribe()
	}
}
