// Package services – fact extraction
//
// This file implements the per-turn analysis step: one oracle call that
// classifies the intent of the new message and pulls structured slots out of
// free text. The oracle is instructed to answer with exactly one line of pure
// JSON; anything else is repaired defensively so that a malformed analysis
// can never fail a turn.
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tbourn/go-plant-backend/internal/domain"
)

// Turn intent modes produced by the extractor.
const (
	ModeGeneral   = "general"
	ModeRecommend = "recommend"
	ModeCarePlan  = "care_plan"
	ModeIdentify  = "identify"
)

// Oracle is the generative capability consumed by the extractor, the response
// composer, and the care-plan generator. It is injected at construction so
// tests can substitute a deterministic fake.
type Oracle interface {
	// GenerateText sends a text-only prompt and returns the reply text.
	// It fails with llm.ErrNoCandidates / llm.ErrEmptyResponse when the model
	// yields nothing usable.
	GenerateText(ctx context.Context, prompt string) (string, error)

	// GenerateWithImages sends a prompt plus up to three image references.
	// Same failure modes as GenerateText.
	GenerateWithImages(ctx context.Context, prompt string, imageURIs []string) (string, error)
}

// Analysis is the ephemeral extraction result for one turn. It is never
// persisted as-is; only its effects land in the conversation state and in
// generated text. All slots are optional: a nil slot means "not mentioned
// and not inferable".
type Analysis struct {
	Mode                  string   `json:"mode"`
	Location              *string  `json:"location"`
	Time                  *string  `json:"time"`
	Humidity              *string  `json:"humidity"`
	Light                 *string  `json:"light"`
	Temperature           *string  `json:"temperature"`
	PlantName             *string  `json:"plant_name"`
	NeedClarification     bool     `json:"need_clarification"`
	MissingFields         []string `json:"missing_fields"`
	ClarificationQuestion *string  `json:"clarification_question"`
}

// NeedsQuestion reports whether this analysis should pause the turn with a
// clarifying question: both the flag and a non-blank question are required.
func (a *Analysis) NeedsQuestion() bool {
	return a.NeedClarification &&
		a.ClarificationQuestion != nil &&
		strings.TrimSpace(*a.ClarificationQuestion) != ""
}

// defaultAnalysis is the safe fallback: general mode, no slots, no clarification.
func defaultAnalysis() *Analysis {
	return &Analysis{Mode: ModeGeneral, MissingFields: []string{}}
}

// ParseAnalysis decodes the oracle's one-line JSON answer. Parse failures
// degrade to the safe default instead of surfacing an error, and missing keys
// are backfilled with their defaults in one pass at this boundary.
func ParseAnalysis(raw string) *Analysis {
	var a Analysis
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &a); err != nil {
		return defaultAnalysis()
	}
	if strings.TrimSpace(a.Mode) == "" {
		a.Mode = ModeGeneral
	}
	if a.MissingFields == nil {
		a.MissingFields = []string{}
	}
	return &a
}

// sessionContext is the "what we already know" block handed to the oracle.
type sessionContext struct {
	Location    *string        `json:"location"`
	Environment map[string]any `json:"environment"`
}

// buildAnalysisPrompt renders the classification/extraction instruction. The
// instruction text is Spanish because replies to the user are Spanish; the
// JSON contract (key set, one line, no markdown) is what the parser relies on.
func buildAnalysisPrompt(historyText string, conv *domain.Conversation, newMessage string) string {
	sctx := sessionContext{Environment: map[string]any{}}
	if conv != nil {
		sctx.Location = conv.Location
		for k, v := range conv.Environment {
			sctx.Environment[k] = v
		}
	}
	ctxJSON, err := json.Marshal(sctx)
	if err != nil {
		ctxJSON = []byte("{}")
	}

	return fmt.Sprintf(`Eres un asistente que SOLO clasifica y extrae información estructurada de mensajes de usuario
relacionados con plantas y jardinería. NO debes generar la respuesta final al usuario, solo análisis.

Tipos de petición posibles (mode):
- "recommend": el usuario quiere recomendaciones de plantas para ciertas condiciones.
- "care_plan": el usuario quiere un plan de cuidado para una planta específica.
- "identify": el usuario quiere identificar qué planta tiene (por texto, o luego por imagen).
- "general": cualquier otra pregunta o charla sobre plantas.

Información importante:
- Historial reciente de la conversación (puede estar vacío):
%s

- Contexto ya conocido de la sesión (puede estar vacío):
%s

- Mensaje actual del usuario:
"""%s"""

TU TAREA:
1. Decide el "mode" más adecuado entre: "recommend", "care_plan", "identify", "general".
2. Intenta extraer o inferir (en español):
   - "location": ciudad, tipo de lugar ("Bogotá, apartamento", "terraza en Medellín", etc.)
   - "time": si es relevante, momento del día o periodo (por ejemplo "día", "noche", "todo el año"). Si no se sabe, pon null.
   - "humidity": "baja", "media" o "alta" si se puede inferir; si no, null.
   - "light": tipo de luz: "baja", "media", "alta", "luz indirecta", etc. Si no se sabe, null.
   - "temperature": rango aproximado en °C o descripción corta, si se puede inferir; si no, null.
   - "plant_name": solo para "care_plan" o "identify" si se menciona una planta concreta (nombre común o científico). Si no, null.

3. Para cada mode, campos mínimos recomendados:
   - recommend: location, light, humidity (y si es posible interior/exterior en 'light' o en la descripción).
   - care_plan: plant_name, location, light, humidity.
   - identify: plant_name solo si el usuario la menciona; si no, puede ser null.
   - general: no requiere campos extra.

4. Si el mode requiere campos mínimos y NO puedes obtenerlos ni del mensaje ni del historial,
   marca "need_clarification": true, lista los "missing_fields" y propone una "clarification_question"
   en español, dirigida al usuario, corta y directa, para pedir solo los datos que faltan.

5. Si NO hace falta aclaración, pon:
   - "need_clarification": false
   - "missing_fields": []
   - "clarification_question": null

RESPONDE EXCLUSIVAMENTE con un JSON válido en una sola línea,
SIN texto adicional, SIN comentarios, SIN markdown.

Ejemplo de formato EXACTO:

{"mode": "recommend", "location": "Bogotá, apartamento", "time": null, "humidity": "media", "light": "baja", "temperature": null, "plant_name": null, "need_clarification": false, "missing_fields": [], "clarification_question": null}

Ahora genera SOLO el JSON para este caso.`, historyText, ctxJSON, newMessage)
}

// analyzeTurn issues the classification call. Oracle transport errors are
// propagated (the turn fails loudly); malformed output is repaired by
// ParseAnalysis and never fails the turn.
func analyzeTurn(ctx context.Context, oracle Oracle, historyText string, conv *domain.Conversation, newMessage string) (*Analysis, error) {
	raw, err := oracle.GenerateText(ctx, buildAnalysisPrompt(historyText, conv, newMessage))
	if err != nil {
		return nil, err
	}
	return ParseAnalysis(raw), nil
}
