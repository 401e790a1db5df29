// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Message model.
package repo

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tbourn/go-plant-backend/internal/domain"
)

// CreateMessage inserts a new message row. content may be nil for image-only
// turns; imageURIs may be nil for plain text.
func CreateMessage(db *gorm.DB, conversationID, role string, content *string, msgType string, imageURIs []string) (*domain.Message, error) {
	m := &domain.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Type:           msgType,
		CreatedAt:      time.Now().UTC(),
	}
	if len(imageURIs) > 0 {
		m.ImageURIs = datatypes.NewJSONSlice(imageURIs)
	}
	return m, db.Create(m).Error
}

// ListMessages returns messages ordered deterministically (CreatedAt ASC, ID ASC).
func ListMessages(db *gorm.DB, conversationID string, limit int) ([]domain.Message, error) {
	var out []domain.Message
	q := db.Where("conversation_id = ?", conversationID).Order("created_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// CountMessages uses a raw COUNT so a missing table surfaces as an error (as tests expect).
func CountMessages(db *gorm.DB, conversationID string) (int64, error) {
	var total int64
	err := db.Raw("SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND deleted_at IS NULL", conversationID).Scan(&total).Error
	return total, err
}

// ListMessagesPage returns a paginated slice ordered (CreatedAt ASC, ID ASC).
func ListMessagesPage(db *gorm.DB, conversationID string, offset, limit int) ([]domain.Message, error) {
	var out []domain.Message
	err := db.
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC, id ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// FirstUserMessage returns the oldest user-authored message of a conversation,
// or ErrNotFound when the conversation has no user turns yet. Used to derive
// conversation titles.
func FirstUserMessage(db *gorm.DB, conversationID string) (*domain.Message, error) {
	var m domain.Message
	err := db.
		Where("conversation_id = ? AND role = ?", conversationID, domain.RoleUser).
		Order("created_at ASC, id ASC").
		First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMessage fetches a message by ID.
func GetMessage(db *gorm.DB, id string) (*domain.Message, error) {
	var m domain.Message
	if err := db.Where("id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}
