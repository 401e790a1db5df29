package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/tbourn/go-plant-backend/internal/domain"
	"github.com/tbourn/go-plant-backend/internal/repo"
)

func newConvService(t *testing.T, oracle *fakeOracle) *ConversationService {
	t.Helper()
	db := newTestDB(t)
	return &ConversationService{
		DB:     db,
		Oracle: oracle,
		Plants: &PlantService{DB: db},
		Plans:  &CarePlanService{DB: db, Oracle: oracle},
	}
}

// analysisJSON builds the one-line extraction answer the fake oracle returns.
func analysisJSON(t *testing.T, mode string, extra map[string]any) string {
	t.Helper()
	m := map[string]any{
		"mode": mode, "location": nil, "time": nil, "humidity": nil,
		"light": nil, "temperature": nil, "plant_name": nil,
		"need_clarification": false, "missing_fields": []string{}, "clarification_question": nil,
	}
	for k, v := range extra {
		m[k] = v
	}
	b, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal analysis: %v", err)
	}
	return string(b)
}

func TestHandleTurn_EmptyMessage(t *testing.T) {
	svc := newConvService(t, &fakeOracle{})
	if _, err := svc.HandleTurn(context.Background(), TurnInput{UserID: "u1", Message: "   "}); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("err = %v, want ErrEmptyMessage", err)
	}
}

func TestHandleTurn_TooLong(t *testing.T) {
	svc := newConvService(t, &fakeOracle{})
	svc.MaxPromptRunes = 10
	if _, err := svc.HandleTurn(context.Background(), TurnInput{UserID: "u1", Message: strings.Repeat("á", 11)}); !errors.Is(err, ErrTooLong) {
		t.Fatalf("err = %v, want ErrTooLong", err)
	}
	// Exactly at the limit passes validation.
	oracle := svc.Oracle.(*fakeOracle)
	oracle.textReplies = []string{analysisJSON(t, ModeGeneral, nil), "ok"}
	if _, err := svc.HandleTurn(context.Background(), TurnInput{UserID: "u1", Message: strings.Repeat("á", 10)}); err != nil {
		t.Fatalf("limit-length message failed: %v", err)
	}
}

func TestHandleTurn_ConversationNotFound(t *testing.T) {
	svc := newConvService(t, &fakeOracle{})
	_, err := svc.HandleTurn(context.Background(), TurnInput{UserID: "u1", ConversationID: "missing", Message: "hola"})
	if !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("err = %v, want ErrConversationNotFound", err)
	}
}

func TestHandleTurn_OwnershipEnforced(t *testing.T) {
	oracle := &fakeOracle{textReplies: []string{analysisJSON(t, ModeGeneral, nil), "hola"}}
	svc := newConvService(t, oracle)

	res, err := svc.HandleTurn(context.Background(), TurnInput{UserID: "u1", Message: "hola"})
	if err != nil {
		t.Fatalf("first turn: %v", err)
	}
	_, err = svc.HandleTurn(context.Background(), TurnInput{UserID: "u2", ConversationID: res.ConversationID, Message: "hola"})
	if !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("foreign conversation err = %v, want ErrConversationNotFound", err)
	}
}

func TestHandleTurn_NewConversation(t *testing.T) {
	oracle := &fakeOracle{textReplies: []string{analysisJSON(t, ModeGeneral, nil), "¡Hola! ¿En qué te ayudo con tus plantas?"}}
	svc := newConvService(t, oracle)

	res, err := svc.HandleTurn(context.Background(), TurnInput{UserID: "u1", Message: "hola"})
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if res.ConversationID == "" {
		t.Fatalf("new conversation should get an ID")
	}
	if res.Mode != ModeGeneral || res.Clarification {
		t.Fatalf("result = %+v", res)
	}
	if res.Message.Role != domain.RoleAssistant || *res.Message.Content != "¡Hola! ¿En qué te ayudo con tus plantas?" {
		t.Fatalf("assistant message = %+v", res.Message)
	}

	msgs, err := repo.ListMessages(svc.DB, res.ConversationID, 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != domain.RoleUser || msgs[1].Role != domain.RoleAssistant {
		t.Fatalf("persisted turn = %+v", msgs)
	}
	if oracle.textCalls != 2 {
		t.Fatalf("oracle text calls = %d, want 2 (analysis + reply)", oracle.textCalls)
	}
}

func TestHandleTurn_ClarificationShortCircuits(t *testing.T) {
	question := "¿En qué ciudad está tu planta y qué luz recibe?"
	oracle := &fakeOracle{textReplies: []string{analysisJSON(t, ModeRecommend, map[string]any{
		"need_clarification":     true,
		"missing_fields":         []string{"location", "light"},
		"clarification_question": question,
	})}}
	svc := newConvService(t, oracle)

	res, err := svc.HandleTurn(context.Background(), TurnInput{UserID: "u1", Message: "recomiéndame una planta"})
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if !res.Clarification {
		t.Fatalf("Clarification = false, want true")
	}
	if *res.Message.Content != question {
		t.Fatalf("question not stored verbatim: %q", *res.Message.Content)
	}
	if oracle.textCalls != 1 {
		t.Fatalf("clarification must skip the reply call, got %d calls", oracle.textCalls)
	}
}

func TestHandleTurn_MergesSlotsIntoState(t *testing.T) {
	oracle := &fakeOracle{textReplies: []string{
		analysisJSON(t, ModeRecommend, map[string]any{"location": "Bogotá, apartamento", "light": "baja"}),
		"te recomiendo un pothos",
	}}
	svc := newConvService(t, oracle)

	res, err := svc.HandleTurn(context.Background(), TurnInput{UserID: "u1", Message: "vivo en Bogotá con poca luz"})
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	conv, err := repo.GetConversation(context.Background(), svc.DB, res.ConversationID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if conv.Location == nil || *conv.Location != "Bogotá, apartamento" {
		t.Fatalf("location not merged: %v", conv.Location)
	}
	if conv.Environment[domain.EnvKeyLight] != "baja" {
		t.Fatalf("light not merged: %v", conv.Environment)
	}
}

func TestHandleTurn_CarePlanCreatesPlanAndNotice(t *testing.T) {
	oracle := &fakeOracle{textReplies: []string{
		analysisJSON(t, ModeCarePlan, map[string]any{"plant_name": "Monstera", "light": "indirecta"}),
		validPlanJSON,
		"aquí tienes los cuidados de tu monstera",
	}}
	svc := newConvService(t, oracle)

	res, err := svc.HandleTurn(context.Background(), TurnInput{UserID: "u1", Message: "dame un plan para mi monstera"})
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if !strings.HasSuffix(*res.Message.Content, planSavedNotice) {
		t.Fatalf("reply missing saved notice: %q", *res.Message.Content)
	}

	plant, err := repo.FindActivePlantByFold(context.Background(), svc.DB, "u1", "monstera")
	if err != nil {
		t.Fatalf("plant not materialized: %v", err)
	}
	if plant.Source != domain.PlantSourceChat {
		t.Fatalf("plant source = %q, want chat", plant.Source)
	}
	plan, err := repo.LatestCarePlanForUserPlant(context.Background(), svc.DB, "u1", plant.ID)
	if err != nil {
		t.Fatalf("plan not persisted: %v", err)
	}
	if plan.ConversationID == nil || *plan.ConversationID != res.ConversationID {
		t.Fatalf("plan provenance = %v", plan.ConversationID)
	}
	if oracle.textCalls != 3 {
		t.Fatalf("oracle calls = %d, want 3 (analysis + plan + reply)", oracle.textCalls)
	}
}

func TestHandleTurn_ExistingPlanOffersInsteadOfSaving(t *testing.T) {
	oracle := &fakeOracle{textReplies: []string{
		analysisJSON(t, ModeCarePlan, map[string]any{"plant_name": "Monstera"}),
		validPlanJSON,
		"plan nuevo",
		analysisJSON(t, ModeCarePlan, map[string]any{"plant_name": "monstera"}),
		"ya tienes un plan",
	}}
	svc := newConvService(t, oracle)
	ctx := context.Background()

	if _, err := svc.HandleTurn(ctx, TurnInput{UserID: "u1", Message: "plan para mi monstera"}); err != nil {
		t.Fatalf("first turn: %v", err)
	}
	res, err := svc.HandleTurn(ctx, TurnInput{UserID: "u1", Message: "plan para mi MONSTERA otra vez"})
	if err != nil {
		t.Fatalf("second turn: %v", err)
	}
	if !strings.HasSuffix(*res.Message.Content, planOfferNotice) {
		t.Fatalf("existing plan should append the offer notice: %q", *res.Message.Content)
	}
	// analysis+plan+reply, then analysis+reply (no regeneration).
	if oracle.textCalls != 5 {
		t.Fatalf("oracle calls = %d, want 5", oracle.textCalls)
	}
}

func TestHandleTurn_RecommendWithPlantAppendsOffer(t *testing.T) {
	oracle := &fakeOracle{textReplies: []string{
		analysisJSON(t, ModeRecommend, map[string]any{"plant_name": "Lavanda"}),
		"la lavanda es buena opción",
	}}
	svc := newConvService(t, oracle)

	res, err := svc.HandleTurn(context.Background(), TurnInput{UserID: "u1", Message: "¿me sirve una lavanda?"})
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if !strings.HasSuffix(*res.Message.Content, planOfferNotice) {
		t.Fatalf("resolved plant should append the offer notice: %q", *res.Message.Content)
	}
	if _, err := repo.FindActivePlantByFold(context.Background(), svc.DB, "u1", "lavanda"); err != nil {
		t.Fatalf("plant not materialized: %v", err)
	}
}

func TestHandleTurn_NoPlantServiceSkipsResolution(t *testing.T) {
	oracle := &fakeOracle{textReplies: []string{
		analysisJSON(t, ModeCarePlan, map[string]any{"plant_name": "Monstera"}),
		"cuida tu monstera así",
	}}
	svc := newConvService(t, oracle)
	svc.Plants = nil
	svc.Plans = nil

	res, err := svc.HandleTurn(context.Background(), TurnInput{UserID: "u1", Message: "plan para mi monstera"})
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if strings.Contains(*res.Message.Content, "🌱") {
		t.Fatalf("turn without a plant service must not append notices: %q", *res.Message.Content)
	}
}

func TestHandleTurn_AnonymousSkipsPlantResolution(t *testing.T) {
	oracle := &fakeOracle{textReplies: []string{
		analysisJSON(t, ModeCarePlan, map[string]any{"plant_name": "Monstera"}),
		"cuida tu monstera así",
	}}
	svc := newConvService(t, oracle)

	res, err := svc.HandleTurn(context.Background(), TurnInput{UserID: "", Message: "plan para mi monstera"})
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if strings.Contains(*res.Message.Content, "🌱") {
		t.Fatalf("anonymous turn must not append notices: %q", *res.Message.Content)
	}
	var count int64
	if err := svc.DB.Model(&domain.Plant{}).Count(&count).Error; err != nil {
		t.Fatalf("count plants: %v", err)
	}
	if count != 0 {
		t.Fatalf("anonymous turn created %d plants", count)
	}
}

func TestHandleTurn_IdentifyDispatchesImages(t *testing.T) {
	oracle := &fakeOracle{
		textReplies:  []string{analysisJSON(t, ModeIdentify, nil)},
		imageReplies: []string{"parece una monstera deliciosa"},
	}
	svc := newConvService(t, oracle)

	uris := []string{"gs://b/1.jpg", "gs://b/2.jpg", "gs://b/3.jpg", "gs://b/4.jpg"}
	res, err := svc.HandleTurn(context.Background(), TurnInput{UserID: "u1", Message: "¿qué planta es?", ImageURIs: uris})
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if oracle.imageCalls != 1 {
		t.Fatalf("image calls = %d, want 1", oracle.imageCalls)
	}
	if len(oracle.imageURIs[0]) != 3 {
		t.Fatalf("dispatched %d images, want cap of 3", len(oracle.imageURIs[0]))
	}
	if *res.Message.Content != "parece una monstera deliciosa" {
		t.Fatalf("reply = %q", *res.Message.Content)
	}

	msgs, _ := repo.ListMessages(svc.DB, res.ConversationID, 0)
	if msgs[0].Type != domain.MessageTypeMixed || len(msgs[0].ImageURIs) != 4 {
		t.Fatalf("user message = %+v, want mixed with 4 stored URIs", msgs[0])
	}
	// The extraction prompt sees the attachment marker, not the images.
	if !strings.Contains(oracle.textPrompts[0], "adjuntó 4 imagen(es)") {
		t.Fatalf("analysis prompt lacks image annotation")
	}
}

func TestHandleTurn_NonIdentifyStaysTextOnly(t *testing.T) {
	oracle := &fakeOracle{textReplies: []string{analysisJSON(t, ModeGeneral, nil), "bonitas fotos"}}
	svc := newConvService(t, oracle)

	if _, err := svc.HandleTurn(context.Background(), TurnInput{UserID: "u1", Message: "mira mis plantas", ImageURIs: []string{"gs://b/1.jpg"}}); err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if oracle.imageCalls != 0 {
		t.Fatalf("non-identify turn dispatched images")
	}
}

func TestHandleTurn_ImageOnlyTurnAllowed(t *testing.T) {
	oracle := &fakeOracle{
		textReplies:  []string{analysisJSON(t, ModeIdentify, nil)},
		imageReplies: []string{"una suculenta"},
	}
	svc := newConvService(t, oracle)

	res, err := svc.HandleTurn(context.Background(), TurnInput{UserID: "u1", ImageURIs: []string{"gs://b/1.jpg"}})
	if err != nil {
		t.Fatalf("image-only turn: %v", err)
	}
	msgs, _ := repo.ListMessages(svc.DB, res.ConversationID, 0)
	if msgs[0].Content != nil {
		t.Fatalf("image-only user message should have nil content")
	}
}

func TestHandleTurn_OracleErrorFailsTurn(t *testing.T) {
	oracle := &fakeOracle{textErr: errors.New("unavailable")}
	svc := newConvService(t, oracle)

	if _, err := svc.HandleTurn(context.Background(), TurnInput{UserID: "u1", Message: "hola"}); err == nil {
		t.Fatalf("oracle error should fail the turn")
	}
}

func TestList_DerivedTitles(t *testing.T) {
	oracle := &fakeOracle{textReplies: []string{
		analysisJSON(t, ModeGeneral, nil), "r1",
		analysisJSON(t, ModeGeneral, nil), "r2",
	}}
	svc := newConvService(t, oracle)
	ctx := context.Background()

	short, err := svc.HandleTurn(ctx, TurnInput{UserID: "u1", Message: "  hola   plantas  "})
	if err != nil {
		t.Fatalf("short turn: %v", err)
	}
	long, err := svc.HandleTurn(ctx, TurnInput{UserID: "u1", Message: strings.Repeat("á", 60)})
	if err != nil {
		t.Fatalf("long turn: %v", err)
	}
	// A conversation with no user turns falls back to its ID.
	empty, err := repo.CreateConversation(ctx, svc.DB, "u1")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	list, err := svc.List(ctx, "u1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	titles := map[string]string{}
	for _, c := range list {
		titles[c.ID] = c.Title
	}
	if titles[short.ConversationID] != "hola plantas" {
		t.Fatalf("short title = %q", titles[short.ConversationID])
	}
	if want := strings.Repeat("á", 50) + "…"; titles[long.ConversationID] != want {
		t.Fatalf("long title = %q, want %q", titles[long.ConversationID], want)
	}
	if want := "Conversación #" + empty.ID[:8]; titles[empty.ID] != want {
		t.Fatalf("fallback title = %q, want %q", titles[empty.ID], want)
	}
}

func TestListMessagesPage(t *testing.T) {
	oracle := &fakeOracle{textReplies: []string{analysisJSON(t, ModeGeneral, nil), "r"}}
	svc := newConvService(t, oracle)
	ctx := context.Background()

	res, err := svc.HandleTurn(ctx, TurnInput{UserID: "u1", Message: "hola"})
	if err != nil {
		t.Fatalf("turn: %v", err)
	}

	items, total, err := svc.ListMessagesPage(ctx, "u1", res.ConversationID, 1, 1)
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if total != 2 || len(items) != 1 || items[0].Role != domain.RoleUser {
		t.Fatalf("page 1 = total %d, items %+v", total, items)
	}
	items, _, err = svc.ListMessagesPage(ctx, "u1", res.ConversationID, 2, 1)
	if err != nil || len(items) != 1 || items[0].Role != domain.RoleAssistant {
		t.Fatalf("page 2 = %+v, %v", items, err)
	}

	// Out-of-range pages come back empty, not erroring.
	items, _, err = svc.ListMessagesPage(ctx, "u1", res.ConversationID, 9, 50)
	if err != nil || len(items) != 0 {
		t.Fatalf("far page = %+v, %v", items, err)
	}

	if _, _, err := svc.ListMessagesPage(ctx, "u2", res.ConversationID, 1, 20); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("foreign listing err = %v", err)
	}
	if _, _, err := svc.ListMessagesPage(ctx, "u1", "missing", 1, 20); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("missing conversation err = %v", err)
	}
}

func TestDelete(t *testing.T) {
	oracle := &fakeOracle{textReplies: []string{analysisJSON(t, ModeGeneral, nil), "r"}}
	svc := newConvService(t, oracle)
	ctx := context.Background()

	res, err := svc.HandleTurn(ctx, TurnInput{UserID: "u1", Message: "hola"})
	if err != nil {
		t.Fatalf("turn: %v", err)
	}

	if err := svc.Delete(ctx, "u2", res.ConversationID); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("foreign delete err = %v", err)
	}
	if err := svc.Delete(ctx, "u1", res.ConversationID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := svc.Delete(ctx, "u1", res.ConversationID); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("second delete err = %v", err)
	}
}

func TestDeriveTitle_JSONSliceRoundTrip(t *testing.T) {
	// Titles ignore attachments; a mixed first message still titles from text.
	oracle := &fakeOracle{
		textReplies:  []string{analysisJSON(t, ModeIdentify, nil)},
		imageReplies: []string{"una monstera"},
	}
	svc := newConvService(t, oracle)
	ctx := context.Background()

	if _, err := svc.HandleTurn(ctx, TurnInput{UserID: "u1", Message: "¿qué planta es?", ImageURIs: []string{"gs://b/1.jpg"}}); err != nil {
		t.Fatalf("turn: %v", err)
	}
	list, err := svc.List(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Title != "¿qué planta es?" {
		t.Fatalf("list = %+v", list)
	}
}
