package services

import (
	"strings"
	"testing"

	"gorm.io/datatypes"

	"github.com/tbourn/go-plant-backend/internal/domain"
)

func msg(role, content string, images ...string) domain.Message {
	return domain.Message{Role: role, Content: &content, ImageURIs: datatypes.NewJSONSlice(images)}
}

func TestRenderHistory_LabelsAndDepth(t *testing.T) {
	msgs := []domain.Message{
		msg(domain.RoleUser, "uno"),
		msg(domain.RoleAssistant, "dos"),
		msg(domain.RoleUser, "tres"),
	}

	out := renderHistory(msgs, 2)
	if strings.Contains(out, "uno") {
		t.Fatalf("depth 2 should drop the oldest message: %q", out)
	}
	if !strings.Contains(out, "Asistente: dos\n") || !strings.Contains(out, "Usuario: tres\n") {
		t.Fatalf("unexpected rendering: %q", out)
	}
}

func TestRenderHistory_ImageMarker(t *testing.T) {
	out := renderHistory([]domain.Message{msg(domain.RoleUser, "¿qué es?", "gs://b/1.jpg", "gs://b/2.jpg")}, 0)
	if !strings.Contains(out, "[Adjuntó 2 imagen(es)] ¿qué es?") {
		t.Fatalf("missing image marker: %q", out)
	}
}

func TestRenderHistory_NilContent(t *testing.T) {
	out := renderHistory([]domain.Message{{Role: domain.RoleUser, ImageURIs: datatypes.NewJSONSlice([]string{"gs://b/1.jpg"})}}, 0)
	if !strings.Contains(out, "Usuario: [Adjuntó 1 imagen(es)] \n") {
		t.Fatalf("image-only message rendering: %q", out)
	}
}

func TestAnnotateWithImages(t *testing.T) {
	if got := annotateWithImages("hola", 0); got != "hola" {
		t.Fatalf("no images should leave the message alone: %q", got)
	}
	got := annotateWithImages("hola", 2)
	want := "[El usuario adjuntó 2 imagen(es) de la planta para ayudar a identificarla.] hola"
	if got != want {
		t.Fatalf("annotate = %q, want %q", got, want)
	}
}

func TestContextBlock(t *testing.T) {
	if got := contextBlock(&Analysis{}); got != "(sin datos adicionales)" {
		t.Fatalf("empty analysis block = %q", got)
	}
	got := contextBlock(&Analysis{Light: strptr("baja"), PlantName: strptr("pothos")})
	if !strings.Contains(got, "- Luz: baja") || !strings.Contains(got, "- Planta: pothos") {
		t.Fatalf("context block = %q", got)
	}
}

func TestComposeReplyPrompt(t *testing.T) {
	a := &Analysis{Mode: ModeIdentify, PlantName: strptr("monstera")}
	p := composeReplyPrompt(a, "Usuario: hola\n", "¿qué planta es?", 1)

	for _, want := range []string{
		"PlantBot",
		"IDENTIFICAR",
		"- Planta: monstera",
		"Usuario: hola",
		"El usuario adjuntó 1 imagen(es)",
		`"""¿qué planta es?"""`,
	} {
		if !strings.Contains(p, want) {
			t.Fatalf("prompt missing %q", want)
		}
	}
}

func TestComposeReplyPrompt_UnknownModeFallsBack(t *testing.T) {
	p := composeReplyPrompt(&Analysis{Mode: "weird"}, "", "hola", 0)
	if !strings.Contains(p, modeInstructions[ModeGeneral]) {
		t.Fatalf("unknown mode should use the general instruction")
	}
	if strings.Contains(p, "adjuntó") {
		t.Fatalf("zero images must not add the images line")
	}
}
