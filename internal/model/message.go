// Package model defines data structures for the messaging service.
package model

import (
	"strings"
	"time"
)

// LocalIDPrefix marks client-generated placeholder identifiers. The server
// never assigns ids with this prefix, so placeholder and persisted id spaces
// cannot collide.
const LocalIDPrefix = "temp-"

// Message is a direct message between two users. A message is immutable once
// persisted except for Read, which transitions false->true exactly once when
// the receiver views the conversation.
type Message struct {
	ID         string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	SenderID   string    `gorm:"size:36;index:idx_messages_pair" json:"senderId"`
	ReceiverID string    `gorm:"size:36;index:idx_messages_pair" json:"receiverId"`
	Content    string    `gorm:"type:text" json:"content"`
	CreatedAt  time.Time `gorm:"index" json:"createdAt"`
	Read       bool      `gorm:"default:false" json:"read"`
}

// IsLocal reports whether the message carries a client placeholder id.
func (m *Message) IsLocal() bool {
	return strings.HasPrefix(m.ID, LocalIDPrefix)
}

// InConversation reports whether the message belongs to the conversation
// between the two given users, in either direction.
func (m *Message) InConversation(userID, otherID string) bool {
	return (m.SenderID == userID && m.ReceiverID == otherID) ||
		(m.SenderID == otherID && m.ReceiverID == userID)
}

// Follow is a directed follow edge between two users. A mutual follow (both
// directions present) gates permission to exchange messages.
type Follow struct {
	FollowerID  string    `gorm:"primaryKey;size:36" json:"followerId"`
	FollowingID string    `gorm:"primaryKey;size:36" json:"followingId"`
	CreatedAt   time.Time `json:"createdAt"`
}

// SendMessageRequest is the request body for sending a message.
type SendMessageRequest struct {
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
}

// FollowRequest is the request body for creating a follow edge.
type FollowRequest struct {
	FollowingID string `json:"followingId"`
}

// FollowStatusResponse reports the relationship between the caller and a
// target user.
type FollowStatusResponse struct {
	IsFollowing    bool `json:"isFollowing"`
	IsMutualFollow bool `json:"isMutualFollow"`
}

// UnreadCountResponse is the unread-badge payload.
type UnreadCountResponse struct {
	Count int64 `json:"count"`
}
