package repo

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-plant-backend/internal/domain"
)

func newMemDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:repo_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.Exec("PRAGMA foreign_keys=ON;")
	if err := db.AutoMigrate(
		&domain.Conversation{}, &domain.Message{}, &domain.Plant{},
		&domain.CarePlan{}, &domain.Feedback{}, &domain.Idempotency{},
	); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func TestConversationLifecycle(t *testing.T) {
	db := newMemDB(t)
	ctx := context.Background()

	c, err := CreateConversation(ctx, db, "u1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if c.ID == "" || !c.CreatedAt.Equal(c.LastActivityAt) {
		t.Fatalf("new conversation = %+v", c)
	}

	got, err := GetConversation(ctx, db, c.ID)
	if err != nil || got.UserID != "u1" {
		t.Fatalf("get = %+v, %v", got, err)
	}
	if _, err := GetConversation(ctx, db, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing err = %v", err)
	}

	at := time.Now().UTC().Add(time.Hour)
	if err := TouchConversation(ctx, db, c.ID, at); err != nil {
		t.Fatalf("touch: %v", err)
	}
	got, _ = GetConversation(ctx, db, c.ID)
	if !got.LastActivityAt.Equal(at) {
		t.Fatalf("last activity = %v, want %v", got.LastActivityAt, at)
	}

	loc := "Bogotá"
	got.Location = &loc
	got.Environment = datatypes.JSONMap{domain.EnvKeyLight: "baja"}
	if err := UpdateConversationState(ctx, db, got); err != nil {
		t.Fatalf("update state: %v", err)
	}
	again, _ := GetConversation(ctx, db, c.ID)
	if again.Location == nil || *again.Location != "Bogotá" || again.Environment[domain.EnvKeyLight] != "baja" {
		t.Fatalf("state not persisted: %+v", again)
	}
}

func TestListConversations_OrderedByActivity(t *testing.T) {
	db := newMemDB(t)
	ctx := context.Background()

	older, _ := CreateConversation(ctx, db, "u1")
	newer, _ := CreateConversation(ctx, db, "u1")
	_, _ = CreateConversation(ctx, db, "u2")
	if err := TouchConversation(ctx, db, newer.ID, time.Now().UTC().Add(time.Hour)); err != nil {
		t.Fatalf("touch: %v", err)
	}

	out, err := ListConversations(ctx, db, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(out) != 2 || out[0].ID != newer.ID || out[1].ID != older.ID {
		t.Fatalf("order = %+v", out)
	}
}

func TestDeleteConversation_CascadesToMessages(t *testing.T) {
	db := newMemDB(t)
	ctx := context.Background()

	c, _ := CreateConversation(ctx, db, "u1")
	content := "hola"
	if _, err := CreateMessage(db, c.ID, domain.RoleUser, &content, domain.MessageTypeText, nil); err != nil {
		t.Fatalf("message: %v", err)
	}

	if err := DeleteConversation(ctx, db, c.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := GetConversation(ctx, db, c.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("conversation still readable: %v", err)
	}
	msgs, err := ListMessages(db, c.ID, 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("messages survived delete: %+v", msgs)
	}
	if err := DeleteConversation(ctx, db, c.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete err = %v", err)
	}
}

func TestMessages_OrderPageFirstUser(t *testing.T) {
	db := newMemDB(t)
	ctx := context.Background()
	c, _ := CreateConversation(ctx, db, "u1")

	mk := func(role, content string, at time.Time) *domain.Message {
		m := &domain.Message{
			ID: uuid.NewString(), ConversationID: c.ID, Role: role,
			Content: &content, Type: domain.MessageTypeText, CreatedAt: at,
		}
		if err := db.Create(m).Error; err != nil {
			t.Fatalf("seed message: %v", err)
		}
		return m
	}
	base := time.Now().UTC().Add(-time.Hour)
	mk(domain.RoleUser, "primero", base)
	mk(domain.RoleAssistant, "segundo", base.Add(time.Minute))
	mk(domain.RoleUser, "tercero", base.Add(2*time.Minute))

	all, err := ListMessages(db, c.ID, 0)
	if err != nil || len(all) != 3 || *all[0].Content != "primero" {
		t.Fatalf("list = %+v, %v", all, err)
	}
	limited, _ := ListMessages(db, c.ID, 2)
	if len(limited) != 2 {
		t.Fatalf("limit ignored: %+v", limited)
	}

	total, err := CountMessages(db, c.ID)
	if err != nil || total != 3 {
		t.Fatalf("count = %d, %v", total, err)
	}

	page, err := ListMessagesPage(db, c.ID, 1, 1)
	if err != nil || len(page) != 1 || *page[0].Content != "segundo" {
		t.Fatalf("page = %+v, %v", page, err)
	}

	first, err := FirstUserMessage(db, c.ID)
	if err != nil || *first.Content != "primero" {
		t.Fatalf("first user = %+v, %v", first, err)
	}

	other, _ := CreateConversation(ctx, db, "u1")
	if _, err := FirstUserMessage(db, other.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty conversation err = %v", err)
	}
}

func TestCreateMessage_ImageURIs(t *testing.T) {
	db := newMemDB(t)
	c, _ := CreateConversation(context.Background(), db, "u1")

	m, err := CreateMessage(db, c.ID, domain.RoleUser, nil, domain.MessageTypeImage, []string{"gs://b/1.jpg", "gs://b/2.jpg"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := GetMessage(db, m.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Content != nil || len(got.ImageURIs) != 2 || got.ImageURIs[0] != "gs://b/1.jpg" {
		t.Fatalf("round trip = %+v", got)
	}
}

func TestPlantRepo_DuplicateAndArchive(t *testing.T) {
	db := newMemDB(t)
	ctx := context.Background()

	p := &domain.Plant{UserID: "u1", CommonName: "Pothos", CommonNameFold: "pothos", Source: domain.PlantSourceChat}
	if err := CreatePlant(ctx, db, p); err != nil {
		t.Fatalf("create: %v", err)
	}
	dup := &domain.Plant{UserID: "u1", CommonName: "POTHOS", CommonNameFold: "pothos", Source: domain.PlantSourceChat}
	if err := CreatePlant(ctx, db, dup); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate err = %v", err)
	}

	found, err := FindActivePlantByFold(ctx, db, "u1", "pothos")
	if err != nil || found.ID != p.ID {
		t.Fatalf("find = %+v, %v", found, err)
	}

	if err := ArchivePlant(ctx, db, p.ID); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if _, err := FindActivePlantByFold(ctx, db, "u1", "pothos"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("archived plant still found: %v", err)
	}
	// The partial index only guards active rows; the name is free again.
	if err := CreatePlant(ctx, db, dup); err != nil {
		t.Fatalf("recreate after archive: %v", err)
	}
	if err := ArchivePlant(ctx, db, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("archive missing err = %v", err)
	}
}

func TestUpdatePlantFields(t *testing.T) {
	db := newMemDB(t)
	ctx := context.Background()

	p := &domain.Plant{UserID: "u1", CommonName: "Aloe", CommonNameFold: "aloe"}
	if err := CreatePlant(ctx, db, p); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := UpdatePlantFields(ctx, db, p.ID, map[string]any{"light": "alta"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ := GetPlant(ctx, db, p.ID)
	if got.Light == nil || *got.Light != "alta" {
		t.Fatalf("light = %v", got.Light)
	}
	if err := UpdatePlantFields(ctx, db, "missing", map[string]any{"light": "alta"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing err = %v", err)
	}
	if err := UpdatePlantFields(ctx, db, p.ID, nil); err != nil {
		t.Fatalf("empty fields should be a no-op, got %v", err)
	}
}

func TestCarePlanRepo_LatestWins(t *testing.T) {
	db := newMemDB(t)
	ctx := context.Background()

	plantID := uuid.NewString()
	mk := func(at time.Time) *domain.CarePlan {
		cp := &domain.CarePlan{
			ID: uuid.NewString(), PlantID: &plantID, UserID: "u1",
			PlantName: "Monstera", Plan: datatypes.JSON(`{"k":"v"}`), CreatedAt: at,
		}
		if err := db.Create(cp).Error; err != nil {
			t.Fatalf("seed plan: %v", err)
		}
		return cp
	}
	base := time.Now().UTC().Add(-time.Hour)
	mk(base)
	newest := mk(base.Add(time.Minute))

	got, err := LatestCarePlanForUserPlant(ctx, db, "u1", plantID)
	if err != nil || got.ID != newest.ID {
		t.Fatalf("latest for user = %+v, %v", got, err)
	}
	got, err = LatestCarePlanForPlant(ctx, db, plantID)
	if err != nil || got.ID != newest.ID {
		t.Fatalf("latest for plant = %+v, %v", got, err)
	}
	if _, err := LatestCarePlanForUserPlant(ctx, db, "u2", plantID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign user err = %v", err)
	}
}

func TestStats(t *testing.T) {
	db := newMemDB(t)
	ctx := context.Background()

	count, maxAct, err := ConversationsStats(ctx, db, "u1")
	if err != nil || count != 0 || maxAct != nil {
		t.Fatalf("empty stats = %d, %v, %v", count, maxAct, err)
	}

	c, _ := CreateConversation(ctx, db, "u1")
	at := time.Now().UTC().Add(time.Hour)
	_ = TouchConversation(ctx, db, c.ID, at)

	count, maxAct, err = ConversationsStats(ctx, db, "u1")
	if err != nil || count != 1 || maxAct == nil || !maxAct.Equal(at) {
		t.Fatalf("stats = %d, %v, %v", count, maxAct, err)
	}

	mcount, maxCreated, err := MessagesStats(ctx, db, c.ID)
	if err != nil || mcount != 0 || maxCreated != nil {
		t.Fatalf("empty message stats = %d, %v, %v", mcount, maxCreated, err)
	}
	content := "hola"
	m, _ := CreateMessage(db, c.ID, domain.RoleUser, &content, domain.MessageTypeText, nil)
	mcount, maxCreated, err = MessagesStats(ctx, db, c.ID)
	if err != nil || mcount != 1 || maxCreated == nil || !maxCreated.Equal(m.CreatedAt) {
		t.Fatalf("message stats = %d, %v, %v", mcount, maxCreated, err)
	}
}

func TestIdempotency(t *testing.T) {
	db := newMemDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec, err := CreateIdempotency(ctx, db, "u1", "c1", "k1", "m1", 200, time.Hour)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.MessageID != "m1" || rec.Status != 200 {
		t.Fatalf("record = %+v", rec)
	}

	got, err := GetIdempotency(ctx, db, "u1", "c1", "k1", now)
	if err != nil || got.ID != rec.ID {
		t.Fatalf("get = %+v, %v", got, err)
	}
	// Blank conversation widens to any of the user's conversations (first-turn retry).
	if got, err := GetIdempotency(ctx, db, "u1", "", "k1", now); err != nil || got.ID != rec.ID {
		t.Fatalf("blank conversation get = %+v, %v", got, err)
	}
	if _, err := GetIdempotency(ctx, db, "u1", "", "k-other", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("blank conversation foreign key err = %v", err)
	}
	if _, err := GetIdempotency(ctx, db, "u2", "c1", "k1", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign user err = %v", err)
	}

	// Expired records read as missing.
	if _, err := GetIdempotency(ctx, db, "u1", "c1", "k1", now.Add(2*time.Hour)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired err = %v", err)
	}

	if _, err := CreateIdempotency(ctx, db, "u1", "c1", "k1", "m2", 200, time.Hour); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate err = %v", err)
	}
}
