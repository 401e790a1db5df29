// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate/statistics queries used
// primarily for conditional responses (e.g., ETag generation) in the HTTP
// layer. Each function is context-aware and safe to call from services or
// handlers.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-plant-backend/internal/domain"
)

// ConversationsStats returns aggregate metadata for a user's conversations:
// the total number of rows and the maximum LastActivityAt among them.
//
// When the user has no conversations, the returned count is 0 and maxActivity
// is nil.
func ConversationsStats(ctx context.Context, db *gorm.DB, userID string) (count int64, maxActivity *time.Time, err error) {
	q := db.WithContext(ctx).Model(&domain.Conversation{}).Where("user_id = ?", userID)

	// Count
	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Get latest last_activity_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		LastActivityAt time.Time
	}
	if err = q.Select("last_activity_at").Order("last_activity_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.LastActivityAt, nil
}

// MessagesStats returns aggregate metadata for messages within a given
// conversation: the total number of rows and the maximum CreatedAt among
// them. Messages are immutable, so created_at is the freshest timestamp a
// row can carry.
func MessagesStats(ctx context.Context, db *gorm.DB, conversationID string) (count int64, maxCreated *time.Time, err error) {
	q := db.WithContext(ctx).Model(&domain.Message{}).Where("conversation_id = ?", conversationID)

	// Count
	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	var row struct {
		CreatedAt time.Time
	}
	if err = q.Select("created_at").Order("created_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.CreatedAt, nil
}
