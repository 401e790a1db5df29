// Package services – FeedbackService
//
// This file implements the FeedbackService, which governs how users leave
// feedback (-1 or +1) on assistant messages. It enforces business rules
// (message existence, conversation ownership, assistant-only restriction,
// uniqueness) and persists feedback atomically. Service-level errors
// (ErrInvalidFeedback, ErrMessageNotFound, ErrForbiddenFeedback,
// ErrDuplicateFeedback) are returned for predictable cases so handlers can
// map them to HTTP results consistently.
package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-plant-backend/internal/domain"
	"github.com/tbourn/go-plant-backend/internal/repo"
)

// FeedbackService implements the use-cases around message feedback.
type FeedbackService struct {
	// DB may be a plain *gorm.DB or a transaction-bound handle.
	DB *gorm.DB
}

// Leave records a feedback value for messageID on behalf of userID.
//
// Semantics:
//   - value must be exactly -1 or 1; otherwise ErrInvalidFeedback.
//   - messageID must exist; otherwise ErrMessageNotFound.
//   - The message must live in a conversation the user can act on: an owned
//     conversation accepts feedback from its owner only; otherwise
//     ErrForbiddenFeedback.
//   - Feedback is allowed only on assistant messages.
//   - One feedback per (message, user); a repeat yields ErrDuplicateFeedback.
//
// The existence/ownership checks and the insert run in one transaction.
func (s *FeedbackService) Leave(ctx context.Context, userID, messageID string, value int) error {
	if value != -1 && value != 1 {
		return ErrInvalidFeedback
	}

	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		msg, err := repo.GetMessage(tx, messageID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return ErrMessageNotFound
			}
			return err
		}

		conv, err := repo.GetConversation(ctx, tx, msg.ConversationID)
		if err != nil {
			return ErrForbiddenFeedback
		}
		if conv.UserID != "" && conv.UserID != userID {
			return ErrForbiddenFeedback
		}

		if msg.Role != domain.RoleAssistant {
			return ErrForbiddenFeedback
		}

		fb := &domain.Feedback{
			ID:        uuid.NewString(),
			MessageID: messageID,
			UserID:    userID,
			Value:     value,
			CreatedAt: time.Now().UTC(),
		}
		if err := tx.Create(fb).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) || isDuplicate(err) {
				return ErrDuplicateFeedback
			}
			return err
		}
		return nil
	})
}

// isDuplicate detects unique-constraint violations across drivers that may
// not map to gorm.ErrDuplicatedKey.
func isDuplicate(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key")
}
