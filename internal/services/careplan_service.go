// Package services – care plan generation
//
// CarePlanService turns a resolved plant into a validated, structured care
// plan via one oracle call. Generation is idempotent per (user, plant): once
// a plan exists it is returned as-is forever. Output that cannot be repaired
// into the expected schema is rejected without persisting anything; rejection
// is an outcome, not an error.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tbourn/go-plant-backend/internal/domain"
	"github.com/tbourn/go-plant-backend/internal/repo"
)

// PlanOutcome classifies what EnsurePlan did.
type PlanOutcome int

const (
	// PlanCreated means a fresh plan was generated and persisted this call.
	PlanCreated PlanOutcome = iota
	// PlanExisting means a prior plan was found and returned unchanged.
	PlanExisting
	// PlanRejected means the oracle's output failed schema validation and
	// nothing was persisted.
	PlanRejected
)

// PlanResult is EnsurePlan's answer: the outcome plus the plan row when one
// exists (nil on PlanRejected).
type PlanResult struct {
	Outcome PlanOutcome
	Plan    *domain.CarePlan
}

// FreqDetail is a frequency/detail pair (watering, fertilizing).
type FreqDetail struct {
	Frecuencia string `json:"frecuencia"`
	Detalle    string `json:"detalle"`
}

// LightSpec describes light requirements.
type LightSpec struct {
	Tipo    string `json:"tipo"`
	Detalle string `json:"detalle"`
}

// PlanDocument is the validated care-plan schema. Keys are Spanish because
// the document is rendered to Spanish-speaking users verbatim.
type PlanDocument struct {
	Riego         FreqDetail `json:"riego"`
	Luz           LightSpec  `json:"luz"`
	Temperatura   string     `json:"temperatura"`
	Humedad       string     `json:"humedad"`
	Fertilizacion FreqDetail `json:"fertilizacion"`
	Poda          string     `json:"poda"`
	Plagas        string     `json:"plagas"`
	Alertas       []string   `json:"alertas"`
}

// planRequiredKeys are the top-level keys every plan document must carry.
var planRequiredKeys = []string{
	"riego", "luz", "temperatura", "humedad", "fertilizacion", "poda", "plagas", "alertas",
}

// fenceRe strips markdown code fences the model sometimes wraps JSON in.
var fenceRe = regexp.MustCompile("(?im)^```(?:json)?\\s*$")

// CarePlanService generates and stores care plans.
type CarePlanService struct {
	DB     *gorm.DB
	Oracle Oracle
}

// EnsurePlan returns the user's plan for plant, generating one when absent.
// The newest existing row always wins without an oracle call. conversationID
// records provenance when the plan arises from a chat turn; nil for direct
// API generation.
func (s *CarePlanService) EnsurePlan(ctx context.Context, userID string, plant *domain.Plant, conversationID *string) (*PlanResult, error) {
	existing, err := repo.LatestCarePlanForUserPlant(ctx, s.DB, userID, plant.ID)
	if err == nil {
		return &PlanResult{Outcome: PlanExisting, Plan: existing}, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}

	raw, err := s.Oracle.GenerateText(ctx, buildPlanPrompt(plant))
	if err != nil {
		return nil, err
	}

	doc, ok := parsePlanDocument(cleanJSONText(raw))
	if !ok {
		// One retry on the untouched text in case the cleanup ate something.
		doc, ok = parsePlanDocument(strings.TrimSpace(raw))
	}
	if !ok {
		return &PlanResult{Outcome: PlanRejected}, nil
	}

	planJSON, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	cp := &domain.CarePlan{
		PlantID:        &plant.ID,
		ConversationID: conversationID,
		UserID:         userID,
		PlantName:      plant.CommonName,
		Environment:    planEnvironment(plant),
		Plan:           datatypes.JSON(planJSON),
	}
	if err := repo.CreateCarePlan(ctx, s.DB, cp); err != nil {
		return nil, err
	}
	return &PlanResult{Outcome: PlanCreated, Plan: cp}, nil
}

// planEnvironment snapshots the plant attributes the plan was generated from.
func planEnvironment(p *domain.Plant) datatypes.JSONMap {
	env := datatypes.JSONMap{}
	put := func(key string, v *string) {
		if s, ok := cleanSlot(v); ok {
			env[key] = s
		}
	}
	put("location", p.Location)
	put(domain.EnvKeyLight, p.Light)
	put(domain.EnvKeyHumidity, p.Humidity)
	put(domain.EnvKeyTemperature, p.Temperature)
	return env
}

// buildPlanPrompt renders the structured-plan instruction. Only attributes
// actually known for the plant are included.
func buildPlanPrompt(p *domain.Plant) string {
	var facts []string
	add := func(label string, v *string) {
		if s, ok := cleanSlot(v); ok {
			facts = append(facts, fmt.Sprintf("- %s: %s", label, s))
		}
	}
	add("Ubicación", p.Location)
	add("Luz", p.Light)
	add("Humedad", p.Humidity)
	add("Temperatura", p.Temperature)

	factsBlock := "(sin datos adicionales)"
	if len(facts) > 0 {
		factsBlock = strings.Join(facts, "\n")
	}

	return fmt.Sprintf(`Eres un experto en cuidado de plantas. Genera un plan de cuidado COMPLETO para la siguiente planta.

Planta: %s
Condiciones conocidas:
%s

RESPONDE EXCLUSIVAMENTE con un JSON válido, SIN markdown y SIN texto adicional, con EXACTAMENTE esta estructura:

{"riego": {"frecuencia": "...", "detalle": "..."}, "luz": {"tipo": "...", "detalle": "..."}, "temperatura": "...", "humedad": "...", "fertilizacion": {"frecuencia": "...", "detalle": "..."}, "poda": "...", "plagas": "...", "alertas": ["...", "..."]}

Todos los textos en español, concretos y accionables. Adapta el plan a las condiciones conocidas cuando existan.`,
		p.CommonName, factsBlock)
}

// cleanJSONText strips code fences and slices the text to its outermost
// JSON object, tolerating prose before or after the document.
func cleanJSONText(raw string) string {
	t := fenceRe.ReplaceAllString(strings.TrimSpace(raw), "")
	start := strings.Index(t, "{")
	end := strings.LastIndex(t, "}")
	if start >= 0 && end > start {
		t = t[start : end+1]
	}
	return strings.TrimSpace(t)
}

// parsePlanDocument decodes and validates a plan document. Validation checks
// key presence via a raw-message map first, because unmarshalling into the
// typed struct cannot distinguish a missing key from a zero value.
func parsePlanDocument(text string) (*PlanDocument, bool) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &keys); err != nil {
		return nil, false
	}
	for _, k := range planRequiredKeys {
		if _, ok := keys[k]; !ok {
			return nil, false
		}
	}
	var doc PlanDocument
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return nil, false
	}
	if doc.Alertas == nil {
		doc.Alertas = []string{}
	}
	return &doc, true
}
