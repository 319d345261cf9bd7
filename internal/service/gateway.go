// Package service provides the authorized read/write surface for
// conversations.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/MrCobi/periodico-messaging/internal/model"
	"github.com/MrCobi/periodico-messaging/internal/store"
	"github.com/MrCobi/periodico-messaging/pkg/logger"
	"github.com/MrCobi/periodico-messaging/pkg/metrics"
)

var (
	// ErrUnauthorized means the mutual-follow check failed.
	ErrUnauthorized = errors.New("users are not mutual followers")

	// ErrInvalidContent means the message is empty after trimming.
	ErrInvalidContent = errors.New("message content is empty")

	// ErrNotFound means the conversation partner is not resolvable.
	ErrNotFound = errors.New("user not found")
)

// MessageStore is the append + paginated-read message log the gateway
// writes to and reads from.
type MessageStore interface {
	Append(ctx context.Context, senderID, receiverID, content string) (*model.Message, error)
	List(ctx context.Context, userID, otherID string, page store.Page) ([]model.Message, error)
	CountUnread(ctx context.Context, userID string) (int64, error)
}

// RelationshipOracle answers whether two users are mutual followers.
type RelationshipOracle interface {
	IsMutualFollow(ctx context.Context, userA, userB string) (bool, error)
}

// ReadStateTracker marks messages read for a (receiver, sender) pair. It is
// idempotent; the returned count is the number of messages that actually
// transitioned.
type ReadStateTracker interface {
	MarkRead(ctx context.Context, receiverID, senderID string) (int64, error)
}

// Publisher fans a persisted message out to live subscribers.
type Publisher interface {
	Publish(msg *model.Message)
}

// UnreadNotifier tells the external unread-badge collaborator that a user's
// count changed.
type UnreadNotifier interface {
	NotifyUnreadCountChanged(userID string)
}

// NoopNotifier discards badge notifications.
type NoopNotifier struct{}

// NotifyUnreadCountChanged implements UnreadNotifier.
func (NoopNotifier) NotifyUnreadCountChanged(string) {}

// ConversationService authorizes each operation against the relationship
// oracle, writes to the message store and publishes to the event broker.
type ConversationService struct {
	messages  MessageStore
	relations RelationshipOracle
	readState ReadStateTracker
	publisher Publisher
	notifier  UnreadNotifier
	logger    *logger.Logger
}

// NewConversationService creates the gateway.
func NewConversationService(
	messages MessageStore,
	relations RelationshipOracle,
	readState ReadStateTracker,
	publisher Publisher,
	notifier UnreadNotifier,
	log *logger.Logger,
) *ConversationService {
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	return &ConversationService{
		messages:  messages,
		relations: relations,
		readState: readState,
		publisher: publisher,
		notifier:  notifier,
		logger:    log,
	}
}

// CanMessage reports whether the two users may exchange messages. The
// result is never cached beyond one request: an unfollow must take effect
// on the next send.
func (s *ConversationService) CanMessage(ctx context.Context, userA, userB string) (bool, error) {
	ok, err := s.relations.IsMutualFollow(ctx, userA, userB)
	if err != nil {
		return false, fmt.Errorf("failed to check relationship: %w", err)
	}
	return ok, nil
}

// Send validates, authorizes, persists and then publishes a message. The
// write-then-publish order is mandatory: a subscriber must never observe a
// message that a concurrent List would not yet find.
func (s *ConversationService) Send(ctx context.Context, senderID, receiverID, content string) (*model.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		metrics.MessagesRejectedTotal.WithLabelValues("invalid_content").Inc()
		return nil, ErrInvalidContent
	}

	ok, err := s.CanMessage(ctx, senderID, receiverID)
	if err != nil {
		return nil, err
	}
	if !ok {
		metrics.MessagesRejectedTotal.WithLabelValues("unauthorized").Inc()
		return nil, ErrUnauthorized
	}

	msg, err := s.messages.Append(ctx, senderID, receiverID, content)
	if err != nil {
		return nil, fmt.Errorf("failed to persist message: %w", err)
	}

	s.publisher.Publish(msg)
	s.notifier.NotifyUnreadCountChanged(receiverID)
	metrics.MessagesTotal.Inc()

	s.logger.Debug("message sent",
		zap.String("message_id", msg.ID),
		zap.String("sender_id", senderID),
		zap.String("receiver_id", receiverID),
	)

	return msg, nil
}

// ListMessages returns the full conversation ascending by CreatedAt. As a
// deliberate product decision, viewing the conversation marks incoming
// unread messages as read; the badge collaborator is notified only on the
// first transition, so repeated views stay quiet.
func (s *ConversationService) ListMessages(ctx context.Context, userID, otherID string, page store.Page) ([]model.Message, error) {
	msgs, err := s.messages.List(ctx, userID, otherID, page)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	hasUnread := false
	for _, m := range msgs {
		if m.ReceiverID == userID && !m.Read {
			hasUnread = true
			break
		}
	}

	if hasUnread {
		if _, err := s.MarkRead(ctx, userID, otherID); err != nil {
			// Listing succeeded; the next view retries the transition.
			s.logger.Warn("failed to mark messages read",
				zap.String("user_id", userID),
				zap.String("partner_id", otherID),
				zap.Error(err),
			)
		} else {
			for i := range msgs {
				if msgs[i].ReceiverID == userID {
					msgs[i].Read = true
				}
			}
		}
	}

	return msgs, nil
}

// MarkRead marks the conversation read for the receiver and notifies the
// badge collaborator iff any message actually transitioned.
func (s *ConversationService) MarkRead(ctx context.Context, receiverID, senderID string) (int64, error) {
	n, err := s.readState.MarkRead(ctx, receiverID, senderID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark read: %w", err)
	}
	if n > 0 {
		metrics.ReadMarksTotal.Add(float64(n))
		s.notifier.NotifyUnreadCountChanged(receiverID)
	}
	return n, nil
}

// UnreadCount returns the user's total unread message count.
func (s *ConversationService) UnreadCount(ctx context.Context, userID string) (int64, error) {
	n, err := s.messages.CountUnread(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread: %w", err)
	}
	return n, nil
}
