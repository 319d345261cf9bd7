package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrCobi/periodico-messaging/internal/model"
)

// Memory is an in-memory store used by tests and DSN-less development runs.
type Memory struct {
	mu       sync.RWMutex
	messages []*model.Message
	follows  map[[2]string]struct{}
	lastAt   map[[2]string]time.Time

	// now is swappable in tests.
	now func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		follows: make(map[[2]string]struct{}),
		lastAt:  make(map[[2]string]time.Time),
		now:     time.Now,
	}
}

// pairKey is the unordered conversation key.
func pairKey(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}

// Append persists a new message with a server-assigned id and timestamp.
// CreatedAt is clamped non-decreasing within the conversation: the store's
// assignment is the single source of truth for display order.
func (s *Memory) Append(ctx context.Context, senderID, receiverID, content string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey(senderID, receiverID)
	at := s.now()
	if last, ok := s.lastAt[key]; ok && at.Before(last) {
		at = last
	}
	s.lastAt[key] = at

	msg := &model.Message{
		ID:         uuid.Must(uuid.NewV7()).String(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		CreatedAt:  at,
		Read:       false,
	}
	s.messages = append(s.messages, msg)

	out := *msg
	return &out, nil
}

// List returns the conversation between the two users ascending by
// CreatedAt.
func (s *Memory) List(ctx context.Context, userID, otherID string, page Page) ([]model.Message, error) {
	page = page.clamp()

	s.mu.RLock()
	var msgs []model.Message
	for _, m := range s.messages {
		if m.InConversation(userID, otherID) {
			msgs = append(msgs, *m)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})

	if page.Offset > 0 {
		if page.Offset >= len(msgs) {
			return nil, nil
		}
		msgs = msgs[page.Offset:]
	}
	if page.Limit > 0 && len(msgs) > page.Limit {
		msgs = msgs[:page.Limit]
	}
	return msgs, nil
}

// MarkRead flips every unread message from senderID to receiverID to read
// and returns how many transitioned. Calling it again without new messages
// returns zero.
func (s *Memory) MarkRead(ctx context.Context, receiverID, senderID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, m := range s.messages {
		if m.ReceiverID == receiverID && m.SenderID == senderID && !m.Read {
			m.Read = true
			n++
		}
	}
	return n, nil
}

// CountUnread returns the number of unread messages addressed to userID
// across all conversations.
func (s *Memory) CountUnread(ctx context.Context, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, m := range s.messages {
		if m.ReceiverID == userID && !m.Read {
			n++
		}
	}
	return n, nil
}

// Follow records a directed follow edge. Re-following is a no-op.
func (s *Memory) Follow(ctx context.Context, followerID, followingID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.follows[[2]string{followerID, followingID}] = struct{}{}
	return nil
}

// Unfollow removes a directed follow edge.
func (s *Memory) Unfollow(ctx context.Context, followerID, followingID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.follows, [2]string{followerID, followingID})
	return nil
}

// IsFollowing reports whether followerID follows followingID.
func (s *Memory) IsFollowing(ctx context.Context, followerID, followingID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.follows[[2]string{followerID, followingID}]
	return ok, nil
}

// IsMutualFollow reports whether both follow edges exist.
func (s *Memory) IsMutualFollow(ctx context.Context, userA, userB string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ab := s.follows[[2]string{userA, userB}]
	_, ba := s.follows[[2]string{userB, userA}]
	return ab && ba, nil
}
