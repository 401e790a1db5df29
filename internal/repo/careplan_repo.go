// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the CarePlan model.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-plant-backend/internal/domain"
)

// CreateCarePlan inserts a new care-plan row; ID and CreatedAt are assigned here.
func CreateCarePlan(ctx context.Context, db *gorm.DB, cp *domain.CarePlan) error {
	cp.ID = uuid.NewString()
	cp.CreatedAt = time.Now().UTC()
	return db.WithContext(ctx).Create(cp).Error
}

// LatestCarePlanForUserPlant returns the newest plan for (userID, plantID),
// or ErrNotFound when none exists. The newest row is authoritative: the
// generator short-circuits on it instead of regenerating.
func LatestCarePlanForUserPlant(ctx context.Context, db *gorm.DB, userID, plantID string) (*domain.CarePlan, error) {
	var cp domain.CarePlan
	err := db.WithContext(ctx).
		Where("user_id = ? AND plant_id = ?", userID, plantID).
		Order("created_at desc").
		First(&cp).Error
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// LatestCarePlanForPlant returns the newest plan for a plant regardless of
// owner, or ErrNotFound. Backs the GET /plants/{id}/care-plan endpoint.
func LatestCarePlanForPlant(ctx context.Context, db *gorm.DB, plantID string) (*domain.CarePlan, error) {
	var cp domain.CarePlan
	err := db.WithContext(ctx).
		Where("plant_id = ?", plantID).
		Order("created_at desc").
		First(&cp).Error
	if err != nil {
		return nil, err
	}
	return &cp, nil
}
