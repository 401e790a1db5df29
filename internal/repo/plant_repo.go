// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Plant model.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-plant-backend/internal/domain"
)

// CreatePlant inserts a new plant row. The caller is responsible for setting
// CommonNameFold; ID and CreatedAt are assigned here. Unique-constraint
// violations on the active-plant index are normalized to ErrDuplicate so the
// resolver can fall back to the already-existing row.
func CreatePlant(ctx context.Context, db *gorm.DB, p *domain.Plant) error {
	p.ID = uuid.NewString()
	p.CreatedAt = time.Now().UTC()
	if p.Status == "" {
		p.Status = domain.PlantStatusActive
	}
	if p.Source == "" {
		p.Source = domain.PlantSourceManual
	}
	if err := db.WithContext(ctx).Create(p).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// GetPlant fetches a plant by ID, or ErrNotFound if missing.
func GetPlant(ctx context.Context, db *gorm.DB, id string) (*domain.Plant, error) {
	var p domain.Plant
	if err := db.WithContext(ctx).Where("id = ?", id).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// ListActivePlants returns the user's active plants, newest first.
func ListActivePlants(ctx context.Context, db *gorm.DB, userID string) ([]domain.Plant, error) {
	var out []domain.Plant
	err := db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, domain.PlantStatusActive).
		Order("created_at desc").
		Find(&out).Error
	return out, err
}

// FindActivePlantByFold looks up the user's active plant whose case-folded
// common name equals nameFold, or ErrNotFound.
func FindActivePlantByFold(ctx context.Context, db *gorm.DB, userID, nameFold string) (*domain.Plant, error) {
	var p domain.Plant
	err := db.WithContext(ctx).
		Where("user_id = ? AND common_name_fold = ? AND status = ?", userID, nameFold, domain.PlantStatusActive).
		First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdatePlantFields applies a partial update to a plant. Returns ErrNotFound
// when no row was touched.
func UpdatePlantFields(ctx context.Context, db *gorm.DB, id string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	res := db.WithContext(ctx).
		Model(&domain.Plant{}).
		Where("id = ?", id).
		Updates(fields)
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return ErrDuplicate
		}
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ArchivePlant flips a plant's status to archived. Idempotent for already
// archived rows; ErrNotFound when the plant does not exist.
func ArchivePlant(ctx context.Context, db *gorm.DB, id string) error {
	var p domain.Plant
	if err := db.WithContext(ctx).Where("id = ?", id).First(&p).Error; err != nil {
		return err
	}
	if p.Status == domain.PlantStatusArchived {
		return nil
	}
	return db.WithContext(ctx).
		Model(&domain.Plant{}).
		Where("id = ?", id).
		Update("status", domain.PlantStatusArchived).Error
}

// isUniqueViolation reports whether err stems from a UNIQUE constraint.
// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique")
}
