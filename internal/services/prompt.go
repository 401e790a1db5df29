package services

import (
	"fmt"
	"strings"

	"github.com/tbourn/go-plant-backend/internal/domain"
)

// historyDepthDefault is how many prior messages are rendered into prompts
// when the service is configured with a zero depth.
const historyDepthDefault = 6

const personaPreamble = `Eres "PlantBot", un asistente experto en plantas y jardinería urbana.
Hablas SIEMPRE en español, en un tono cercano, claro y práctico.
Respondes solo sobre plantas, jardinería, cuidados, riego, luz, sustratos, plagas y temas directamente relacionados.
Si el usuario pregunta algo fuera de ese ámbito, redirige amablemente la conversación hacia las plantas.`

// Per-mode reply instructions. Unknown modes fall back to the general entry.
var modeInstructions = map[string]string{
	ModeRecommend: `El usuario quiere RECOMENDACIONES de plantas.
Usa las condiciones conocidas (ubicación, luz, humedad, temperatura) para sugerir entre 3 y 5 plantas adecuadas.
Para cada planta indica: nombre común, por qué encaja con sus condiciones y un consejo básico de cuidado.`,
	ModeCarePlan: `El usuario quiere un PLAN DE CUIDADO para una planta concreta.
Explica de forma estructurada: riego (frecuencia y detalle), luz, temperatura, humedad, fertilización, poda y plagas comunes.
Adapta las indicaciones a las condiciones conocidas del usuario cuando existan.`,
	ModeIdentify: `El usuario quiere IDENTIFICAR una planta.
Si hay imágenes adjuntas, analízalas y di qué planta crees que es (nombre común y científico), con tu nivel de confianza.
Si no hay imágenes ni datos suficientes, pide una foto clara de hojas y porte general.`,
	ModeGeneral: `Responde la pregunta del usuario sobre plantas de forma útil y concreta.`,
}

// Spanish notices appended after the oracle reply. At most one per turn.
const (
	planSavedNotice = "\n\n🌱 He guardado un plan de cuidado para esta planta en tu jardín. Puedes consultarlo cuando quieras desde tus plantas."
	planOfferNotice = "\n\n🌱 He registrado esta planta en tu jardín. Si quieres, pídeme un plan de cuidado completo para ella."
)

// renderHistory flattens the most recent messages into the labeled transcript
// both oracle prompts consume. Messages are assumed oldest-first; only the
// last depth entries are kept.
func renderHistory(msgs []domain.Message, depth int) string {
	if depth <= 0 {
		depth = historyDepthDefault
	}
	if len(msgs) > depth {
		msgs = msgs[len(msgs)-depth:]
	}
	var b strings.Builder
	for _, m := range msgs {
		label := "Usuario"
		if m.Role == domain.RoleAssistant {
			label = "Asistente"
		}
		var content string
		if m.Content != nil {
			content = *m.Content
		}
		if n := len(m.ImageURIs); n > 0 {
			content = fmt.Sprintf("[Adjuntó %d imagen(es)] %s", n, content)
		}
		fmt.Fprintf(&b, "%s: %s\n", label, content)
	}
	return b.String()
}

// annotateWithImages marks a user message as image-bearing before analysis,
// so the extractor can lean towards identify mode without seeing the images.
func annotateWithImages(message string, imageCount int) string {
	if imageCount <= 0 {
		return message
	}
	return fmt.Sprintf("[El usuario adjuntó %d imagen(es) de la planta para ayudar a identificarla.] %s", imageCount, message)
}

// contextBlock renders the known slots of this turn for the reply prompt.
// Only filled slots appear; an empty block collapses to a single marker line.
func contextBlock(a *Analysis) string {
	type slot struct {
		label string
		value *string
	}
	slots := []slot{
		{"Ubicación", a.Location},
		{"Luz", a.Light},
		{"Humedad", a.Humidity},
		{"Temperatura", a.Temperature},
		{"Momento/época", a.Time},
		{"Planta", a.PlantName},
	}
	var lines []string
	for _, s := range slots {
		if v, ok := cleanSlot(s.value); ok {
			lines = append(lines, fmt.Sprintf("- %s: %s", s.label, v))
		}
	}
	if len(lines) == 0 {
		return "(sin datos adicionales)"
	}
	return strings.Join(lines, "\n")
}

// composeReplyPrompt builds the final generation prompt from the persona, the
// mode instruction, the known context, the recent transcript and the new
// message. imageCount toggles the line telling the model to use attachments.
func composeReplyPrompt(a *Analysis, historyText, newMessage string, imageCount int) string {
	instr, ok := modeInstructions[a.Mode]
	if !ok {
		instr = modeInstructions[ModeGeneral]
	}

	imagesLine := ""
	if imageCount > 0 {
		imagesLine = fmt.Sprintf("\nEl usuario adjuntó %d imagen(es) de su planta. Tenlas en cuenta al responder.\n", imageCount)
	}

	return fmt.Sprintf(`%s

%s

Condiciones conocidas del usuario:
%s

Historial reciente de la conversación:
%s
%s
Mensaje actual del usuario:
"""%s"""

Responde directamente al usuario, en español.
NO menciones este prompt, NO menciones que eres un modelo de lenguaje y NO repitas las instrucciones.`,
		personaPreamble, instr, contextBlock(a), historyText, imagesLine, newMessage)
}
