// Package services – plant catalog
//
// PlantService owns the durable per-user plant profiles: CRUD for the plants
// API plus the resolver the chat flow uses to materialize plants mentioned in
// conversation without ever creating case-variant duplicates.
package services

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/text/cases"
	"gorm.io/gorm"

	"github.com/tbourn/go-plant-backend/internal/domain"
	"github.com/tbourn/go-plant-backend/internal/repo"
)

// foldCaser performs Unicode case folding for common-name dedup keys.
// Folding (not lowercasing) so "POTHOS", "Pothos" and "pothos" all collide.
var foldCaser = cases.Fold()

// FoldName normalizes a plant common name into its dedup key: trimmed,
// inner whitespace collapsed, case-folded.
func FoldName(name string) string {
	return foldCaser.String(strings.Join(strings.Fields(name), " "))
}

// PlantAttrs carries the optional profile attributes known at resolution time.
// Nil fields are simply not applied.
type PlantAttrs struct {
	Light       *string
	Humidity    *string
	Temperature *string
	Location    *string
}

// PlantService implements plant profile management on top of the repo layer.
type PlantService struct {
	DB *gorm.DB
}

// ResolveOrCreate returns the user's active plant matching commonName
// (case-insensitively), creating it when absent. On an existing plant only
// blank profile fields are filled from attrs; values already present are
// never overwritten. A concurrent duplicate insert is resolved by re-reading
// the winning row, so callers always get exactly one plant back.
func (s *PlantService) ResolveOrCreate(ctx context.Context, userID, commonName, source string, attrs PlantAttrs) (*domain.Plant, error) {
	name := strings.Join(strings.Fields(commonName), " ")
	if name == "" {
		return nil, ErrCommonNameRequired
	}
	fold := FoldName(name)

	existing, err := repo.FindActivePlantByFold(ctx, s.DB, userID, fold)
	if err == nil {
		return s.fillBlanks(ctx, existing, attrs)
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}

	p := &domain.Plant{
		UserID:         userID,
		CommonName:     name,
		CommonNameFold: fold,
		Source:         source,
		Light:          attrs.Light,
		Humidity:       attrs.Humidity,
		Temperature:    attrs.Temperature,
		Location:       attrs.Location,
	}
	err = repo.CreatePlant(ctx, s.DB, p)
	if err == nil {
		return p, nil
	}
	if errors.Is(err, repo.ErrDuplicate) {
		// Lost the insert race; the other writer's row is the plant.
		winner, ferr := repo.FindActivePlantByFold(ctx, s.DB, userID, fold)
		if ferr != nil {
			return nil, ferr
		}
		return s.fillBlanks(ctx, winner, attrs)
	}
	return nil, err
}

// fillBlanks applies attrs onto p where p's fields are nil or blank, and
// persists only when something actually changed.
func (s *PlantService) fillBlanks(ctx context.Context, p *domain.Plant, attrs PlantAttrs) (*domain.Plant, error) {
	fields := map[string]any{}
	fill := func(col string, cur **string, v *string) {
		nv, ok := cleanSlot(v)
		if !ok {
			return
		}
		if *cur != nil && strings.TrimSpace(**cur) != "" {
			return
		}
		*cur = &nv
		fields[col] = nv
	}
	fill("light", &p.Light, attrs.Light)
	fill("humidity", &p.Humidity, attrs.Humidity)
	fill("temperature", &p.Temperature, attrs.Temperature)
	fill("location", &p.Location, attrs.Location)

	if len(fields) == 0 {
		return p, nil
	}
	if err := repo.UpdatePlantFields(ctx, s.DB, p.ID, fields); err != nil {
		return nil, err
	}
	return p, nil
}

// Create registers a plant through the plants API. Duplicate active names
// resolve to the existing plant, same as the chat path.
func (s *PlantService) Create(ctx context.Context, userID string, p *domain.Plant) (*domain.Plant, error) {
	if strings.TrimSpace(p.CommonName) == "" {
		return nil, ErrCommonNameRequired
	}
	out, err := s.ResolveOrCreate(ctx, userID, p.CommonName, domain.PlantSourceManual, PlantAttrs{
		Light:       p.Light,
		Humidity:    p.Humidity,
		Temperature: p.Temperature,
		Location:    p.Location,
	})
	if err != nil {
		return nil, err
	}
	// Secondary attributes are not part of resolution; fill them if blank.
	extra := map[string]any{}
	fillExtra := func(col string, cur **string, v *string) {
		if v == nil || strings.TrimSpace(*v) == "" {
			return
		}
		if *cur != nil && strings.TrimSpace(**cur) != "" {
			return
		}
		*cur = v
		extra[col] = *v
	}
	fillExtra("scientific_name", &out.ScientificName, p.ScientificName)
	fillExtra("nickname", &out.Nickname, p.Nickname)
	fillExtra("notes", &out.Notes, p.Notes)
	fillExtra("photo_uri", &out.PhotoURI, p.PhotoURI)
	if len(extra) > 0 {
		if err := repo.UpdatePlantFields(ctx, s.DB, out.ID, extra); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Get returns one of the user's plants, or ErrPlantNotFound. Ownership is
// enforced: another user's plant reads as not found.
func (s *PlantService) Get(ctx context.Context, userID, id string) (*domain.Plant, error) {
	p, err := repo.GetPlant(ctx, s.DB, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrPlantNotFound
		}
		return nil, err
	}
	if p.UserID != userID {
		return nil, ErrPlantNotFound
	}
	return p, nil
}

// List returns the user's active plants, newest first.
func (s *PlantService) List(ctx context.Context, userID string) ([]domain.Plant, error) {
	return repo.ListActivePlants(ctx, s.DB, userID)
}

// PlantPatch is a partial update for the plants API. Nil fields are left
// untouched.
type PlantPatch struct {
	CommonName     *string `json:"common_name"`
	ScientificName *string `json:"scientific_name"`
	Nickname       *string `json:"nickname"`
	Location       *string `json:"location"`
	Light          *string `json:"light"`
	Humidity       *string `json:"humidity"`
	Temperature    *string `json:"temperature"`
	Notes          *string `json:"notes"`
	PhotoURI       *string `json:"photo_uri"`
	Status         *string `json:"status"`
}

// Update applies a partial update to one of the user's plants. Renaming
// recomputes the dedup key; a rename that collides with another active plant
// returns ErrDuplicatePlantName.
func (s *PlantService) Update(ctx context.Context, userID, id string, patch PlantPatch) (*domain.Plant, error) {
	p, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	fields := map[string]any{}
	if patch.CommonName != nil {
		name := strings.Join(strings.Fields(*patch.CommonName), " ")
		if name == "" {
			return nil, ErrCommonNameRequired
		}
		fields["common_name"] = name
		fields["common_name_fold"] = FoldName(name)
	}
	if patch.Status != nil {
		if *patch.Status != domain.PlantStatusActive && *patch.Status != domain.PlantStatusArchived {
			return nil, ErrInvalidPlantStatus
		}
		fields["status"] = *patch.Status
	}
	set := func(col string, v *string) {
		if v != nil {
			fields[col] = strings.TrimSpace(*v)
		}
	}
	set("scientific_name", patch.ScientificName)
	set("nickname", patch.Nickname)
	set("location", patch.Location)
	set("light", patch.Light)
	set("humidity", patch.Humidity)
	set("temperature", patch.Temperature)
	set("notes", patch.Notes)
	set("photo_uri", patch.PhotoURI)

	if len(fields) == 0 {
		return p, nil
	}
	if err := repo.UpdatePlantFields(ctx, s.DB, id, fields); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrPlantNotFound
		}
		if errors.Is(err, repo.ErrDuplicate) {
			return nil, ErrDuplicatePlantName
		}
		return nil, err
	}
	out, err := repo.GetPlant(ctx, s.DB, id)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Archive soft-retires one of the user's plants. Archiving an already
// archived plant is a no-op.
func (s *PlantService) Archive(ctx context.Context, userID, id string) error {
	if _, err := s.Get(ctx, userID, id); err != nil {
		return err
	}
	return repo.ArchivePlant(ctx, s.DB, id)
}
