package services

import (
	"strings"

	"gorm.io/datatypes"

	"github.com/tbourn/go-plant-backend/internal/domain"
)

// ApplyAnalysis folds freshly extracted slots into the conversation's durable
// state. Only non-nil, non-blank values that differ from what is already
// stored cause a write; re-applying the same analysis is a no-op. Returns
// whether anything changed, so callers can skip the UPDATE entirely.
func ApplyAnalysis(conv *domain.Conversation, a *Analysis) bool {
	if conv == nil || a == nil {
		return false
	}
	changed := false

	if v, ok := cleanSlot(a.Location); ok {
		if conv.Location == nil || *conv.Location != v {
			conv.Location = &v
			changed = true
		}
	}

	env := map[string]*string{
		domain.EnvKeyHumidity:    a.Humidity,
		domain.EnvKeyLight:       a.Light,
		domain.EnvKeyTemperature: a.Temperature,
		domain.EnvKeyTime:        a.Time,
	}
	for key, slot := range env {
		v, ok := cleanSlot(slot)
		if !ok {
			continue
		}
		if conv.Environment == nil {
			conv.Environment = datatypes.JSONMap{}
		}
		if cur, exists := conv.Environment[key]; exists {
			if s, isStr := cur.(string); isStr && s == v {
				continue
			}
		}
		conv.Environment[key] = v
		changed = true
	}
	return changed
}

// cleanSlot trims an optional slot and reports whether it carries a value.
func cleanSlot(s *string) (string, bool) {
	if s == nil {
		return "", false
	}
	v := strings.TrimSpace(*s)
	return v, v != ""
}
