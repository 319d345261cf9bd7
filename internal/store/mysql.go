package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/MrCobi/periodico-messaging/internal/model"
)

// MySQL is the durable store backed by GORM.
type MySQL struct {
	db *gorm.DB
}

// OpenMySQL connects to the database and migrates the messaging tables.
func OpenMySQL(dsn string) (*MySQL, error) {
	// TranslateError maps driver duplicate-key errors onto
	// gorm.ErrDuplicatedKey, which Follow relies on for idempotence.
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MySQL: %w", err)
	}

	if err := db.AutoMigrate(&model.Message{}, &model.Follow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &MySQL{db: db}, nil
}

// Ping verifies database connectivity for readiness checks.
func (s *MySQL) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Append persists a new message. CreatedAt is assigned by GORM at insert
// time; the auto-increment clock of a single database keeps it
// non-decreasing per conversation.
func (s *MySQL) Append(ctx context.Context, senderID, receiverID, content string) (*model.Message, error) {
	msg := &model.Message{
		ID:         uuid.Must(uuid.NewV7()).String(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		Read:       false,
	}
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}
	return msg, nil
}

// List returns the conversation between the two users ascending by
// CreatedAt.
func (s *MySQL) List(ctx context.Context, userID, otherID string, page Page) ([]model.Message, error) {
	page = page.clamp()

	q := s.db.WithContext(ctx).
		Where("(sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)",
			userID, otherID, otherID, userID).
		Order("created_at ASC, id ASC")

	if page.Offset > 0 {
		q = q.Offset(page.Offset)
	}
	if page.Limit > 0 {
		q = q.Limit(page.Limit)
	}

	var msgs []model.Message
	if err := q.Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return msgs, nil
}

// MarkRead flips unread messages from senderID to receiverID and returns
// the number of rows that transitioned.
func (s *MySQL) MarkRead(ctx context.Context, receiverID, senderID string) (int64, error) {
	res := s.db.WithContext(ctx).Model(&model.Message{}).
		Where("receiver_id = ? AND sender_id = ? AND `read` = ?", receiverID, senderID, false).
		Update("read", true)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to mark messages read: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// CountUnread returns the number of unread messages addressed to userID.
func (s *MySQL) CountUnread(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.Message{}).
		Where("receiver_id = ? AND `read` = ?", userID, false).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count unread messages: %w", err)
	}
	return n, nil
}

// Follow records a directed follow edge. Re-following is a no-op.
func (s *MySQL) Follow(ctx context.Context, followerID, followingID string) error {
	f := &model.Follow{FollowerID: followerID, FollowingID: followingID}
	err := s.db.WithContext(ctx).Create(f).Error
	if err != nil && errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to create follow: %w", err)
	}
	return nil
}

// Unfollow removes a directed follow edge.
func (s *MySQL) Unfollow(ctx context.Context, followerID, followingID string) error {
	err := s.db.WithContext(ctx).
		Where("follower_id = ? AND following_id = ?", followerID, followingID).
		Delete(&model.Follow{}).Error
	if err != nil {
		return fmt.Errorf("failed to delete follow: %w", err)
	}
	return nil
}

// IsFollowing reports whether followerID follows followingID.
func (s *MySQL) IsFollowing(ctx context.Context, followerID, followingID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.Follow{}).
		Where("follower_id = ? AND following_id = ?", followerID, followingID).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("failed to check follow: %w", err)
	}
	return n > 0, nil
}

// IsMutualFollow reports whether both follow edges exist.
func (s *MySQL) IsMutualFollow(ctx context.Context, userA, userB string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.Follow{}).
		Where("(follower_id = ? AND following_id = ?) OR (follower_id = ? AND following_id = ?)",
			userA, userB, userB, userA).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("failed to check mutual follow: %w", err)
	}
	return n == 2, nil
}
