// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// Conversation model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// Error semantics:
//   - When a conversation is not found, functions return
//     gorm.ErrRecordNotFound (also exported here as ErrNotFound).
//   - On DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-plant-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// CreateConversation inserts a new Conversation row. userID may be empty for
// anonymous conversations. Both CreatedAt and LastActivityAt are initialized
// to the same UTC instant so brand-new conversations sort correctly in
// activity-ordered listings.
func CreateConversation(ctx context.Context, db *gorm.DB, userID string) (*domain.Conversation, error) {
	now := time.Now().UTC()
	c := &domain.Conversation{
		ID:             uuid.NewString(),
		UserID:         userID,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := db.WithContext(ctx).Create(c).Error; err != nil {
		return nil, err
	}
	return c, nil
}

// GetConversation fetches a single conversation by its ID. If the record does
// not exist, it returns ErrNotFound.
func GetConversation(ctx context.Context, db *gorm.DB, id string) (*domain.Conversation, error) {
	var c domain.Conversation
	err := db.WithContext(ctx).Where("id = ?", id).First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListConversations returns all conversations belonging to userID, ordered by
// last activity descending (most recently active first).
func ListConversations(ctx context.Context, db *gorm.DB, userID string) ([]domain.Conversation, error) {
	var out []domain.Conversation
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("last_activity_at desc").
		Find(&out).Error
	return out, err
}

// TouchConversation bumps the last-activity timestamp of a conversation.
func TouchConversation(ctx context.Context, db *gorm.DB, id string, at time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ?", id).
		Update("last_activity_at", at).Error
}

// UpdateConversationState persists the mutable slot state of a conversation
// (location and environment). Callers are expected to invoke this only when
// the merge step reports an actual change.
func UpdateConversationState(ctx context.Context, db *gorm.DB, c *domain.Conversation) error {
	return db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ?", c.ID).
		Updates(map[string]any{
			"location":    c.Location,
			"environment": c.Environment,
		}).Error
}

// DeleteConversation soft-deletes a conversation and its messages in one
// transaction. Returns ErrNotFound when the conversation does not exist.
func DeleteConversation(ctx context.Context, db *gorm.DB, id string) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ?", id).Delete(&domain.Conversation{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return tx.Where("conversation_id = ?", id).Delete(&domain.Message{}).Error
	})
}
