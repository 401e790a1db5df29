// Package services – ConversationService
//
// This file implements ConversationService, the application-level component
// that owns the chat turn lifecycle: it validates input, resolves or creates
// the conversation, persists the user message, runs the extraction step,
// merges slots into session state, short-circuits on clarification, resolves
// mentioned plants, triggers care-plan generation, composes the final reply
// prompt, dispatches to the oracle (text or multimodal), and persists the
// assistant message.
//
// Observability: public methods are OpenTelemetry-instrumented; spans carry
// conversation/user identifiers and the resolved turn mode.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-plant-backend/internal/domain"
	"github.com/tbourn/go-plant-backend/internal/repo"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// maxDispatchImages caps how many image references a single turn forwards to
// the oracle, mirroring the hard cap inside the llm package so the limit
// holds regardless of the oracle implementation.
const maxDispatchImages = 3

// titleMaxRunes caps derived conversation titles.
const titleMaxRunes = 50

// ConversationService coordinates conversation turns and listings.
type ConversationService struct {
	DB     *gorm.DB
	Oracle Oracle
	Plants *PlantService
	Plans  *CarePlanService

	// MaxPromptRunes rejects oversized user messages when > 0.
	MaxPromptRunes int
	// HistoryDepth bounds how many prior messages feed the prompts (default 6).
	HistoryDepth int
}

// TurnInput is one user turn. ConversationID empty means "start a new
// conversation". ImageURIs are opaque storage references already uploaded via
// the images endpoint.
type TurnInput struct {
	UserID         string
	ConversationID string
	Message        string
	ImageURIs      []string
}

// TurnResult is what a completed turn hands back to the transport layer.
type TurnResult struct {
	ConversationID string          `json:"conversation_id"`
	Message        *domain.Message `json:"message"`
	Mode           string          `json:"mode"`
	Clarification  bool            `json:"clarification"`
}

// ConversationSummary is the listing shape: a conversation plus its derived
// title. Titles are never stored; they are recomputed from the first user
// message at read time.
type ConversationSummary struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	LastActivityAt string `json:"last_activity_at"`
	StartedAt      string `json:"started_at"`
}

// HandleTurn runs one full conversational turn. The returned message is the
// assistant's reply (which may be a clarifying question).
func (s *ConversationService) HandleTurn(ctx context.Context, in TurnInput) (*TurnResult, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "HandleTurn",
		trace.WithAttributes(
			attribute.String("conversation.id", in.ConversationID),
			attribute.String("user.id", in.UserID),
			attribute.Int("images", len(in.ImageURIs)),
		),
	)
	defer span.End()

	message := strings.TrimSpace(in.Message)
	if message == "" && len(in.ImageURIs) == 0 {
		return nil, ErrEmptyMessage
	}
	if s.MaxPromptRunes > 0 && utf8.RuneCountInString(message) > s.MaxPromptRunes {
		return nil, ErrTooLong
	}

	conv, err := s.resolveConversation(ctx, in)
	if err != nil {
		return nil, err
	}

	// Persist the user turn before anything can fail downstream.
	userType := domain.MessageTypeText
	if len(in.ImageURIs) > 0 {
		userType = domain.MessageTypeMixed
	}
	var userContent *string
	if message != "" {
		userContent = &message
	}
	userMsg, err := repo.CreateMessage(s.DB.WithContext(ctx), conv.ID, domain.RoleUser, userContent, userType, in.ImageURIs)
	if err != nil {
		return nil, err
	}
	if err := repo.TouchConversation(ctx, s.DB, conv.ID, userMsg.CreatedAt); err != nil {
		return nil, err
	}

	history, err := repo.ListMessages(s.DB.WithContext(ctx), conv.ID, 0)
	if err != nil {
		return nil, err
	}
	historyText := renderHistory(history, s.historyDepth())

	analysis, err := analyzeTurn(ctx, s.Oracle, historyText, conv, annotateWithImages(message, len(in.ImageURIs)))
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("turn.mode", analysis.Mode))

	if ApplyAnalysis(conv, analysis) {
		if err := repo.UpdateConversationState(ctx, s.DB, conv); err != nil {
			return nil, err
		}
	}

	if analysis.NeedsQuestion() {
		return s.finish(ctx, conv, analysis, *analysis.ClarificationQuestion, true)
	}

	notice := s.resolvePlantAndPlan(ctx, in, conv, analysis)

	prompt := composeReplyPrompt(analysis, historyText, message, len(in.ImageURIs))
	reply, err := s.dispatch(ctx, analysis, prompt, in.ImageURIs)
	if err != nil {
		return nil, err
	}

	return s.finish(ctx, conv, analysis, reply+notice, false)
}

// resolveConversation loads the addressed conversation or starts a new one.
func (s *ConversationService) resolveConversation(ctx context.Context, in TurnInput) (*domain.Conversation, error) {
	if in.ConversationID == "" {
		return repo.CreateConversation(ctx, s.DB, in.UserID)
	}
	conv, err := repo.GetConversation(ctx, s.DB, in.ConversationID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	// An owned conversation is only addressable by its owner.
	if conv.UserID != "" && conv.UserID != in.UserID {
		return nil, ErrConversationNotFound
	}
	return conv, nil
}

// resolvePlantAndPlan materializes a mentioned plant and, on care_plan turns,
// generates its plan. Failures here never fail the turn: the reply is still
// useful without a catalog entry, so errors are logged and swallowed.
// Returns the notice to append to the reply (possibly empty).
func (s *ConversationService) resolvePlantAndPlan(ctx context.Context, in TurnInput, conv *domain.Conversation, a *Analysis) string {
	owner := in.UserID
	if owner == "" {
		owner = conv.UserID
	}
	name, ok := cleanSlot(a.PlantName)
	if owner == "" || !ok || s.Plants == nil {
		return ""
	}

	plant, err := s.Plants.ResolveOrCreate(ctx, owner, name, domain.PlantSourceChat, PlantAttrs{
		Light:       a.Light,
		Humidity:    a.Humidity,
		Temperature: a.Temperature,
		Location:    a.Location,
	})
	if err != nil {
		log.Warn().Err(err).Str("conversation_id", conv.ID).Msg("plant resolution failed")
		return ""
	}

	if a.Mode == ModeCarePlan && s.Plans != nil {
		res, err := s.Plans.EnsurePlan(ctx, owner, plant, &conv.ID)
		if err != nil {
			log.Warn().Err(err).Str("plant_id", plant.ID).Msg("care plan generation failed")
		} else if res.Outcome == PlanCreated {
			return planSavedNotice
		}
	}
	return planOfferNotice
}

// dispatch sends the composed prompt to the oracle. Images ride along only on
// identify turns; other modes stay text-only even when the user attached
// photos. The dispatch-side cap keeps the limit independent of the oracle.
func (s *ConversationService) dispatch(ctx context.Context, a *Analysis, prompt string, imageURIs []string) (string, error) {
	if len(imageURIs) > 0 && a.Mode == ModeIdentify {
		if len(imageURIs) > maxDispatchImages {
			imageURIs = imageURIs[:maxDispatchImages]
		}
		return s.Oracle.GenerateWithImages(ctx, prompt, imageURIs)
	}
	return s.Oracle.GenerateText(ctx, prompt)
}

// finish persists the assistant message and assembles the result.
func (s *ConversationService) finish(ctx context.Context, conv *domain.Conversation, a *Analysis, reply string, clarification bool) (*TurnResult, error) {
	msg, err := repo.CreateMessage(s.DB.WithContext(ctx), conv.ID, domain.RoleAssistant, &reply, domain.MessageTypeText, nil)
	if err != nil {
		return nil, err
	}
	if err := repo.TouchConversation(ctx, s.DB, conv.ID, msg.CreatedAt); err != nil {
		return nil, err
	}
	return &TurnResult{
		ConversationID: conv.ID,
		Message:        msg,
		Mode:           a.Mode,
		Clarification:  clarification,
	}, nil
}

func (s *ConversationService) historyDepth() int {
	if s.HistoryDepth > 0 {
		return s.HistoryDepth
	}
	return historyDepthDefault
}

// List returns the user's conversations, newest activity first, each with a
// derived title.
func (s *ConversationService) List(ctx context.Context, userID string) ([]ConversationSummary, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "List",
		trace.WithAttributes(attribute.String("user.id", userID)),
	)
	defer span.End()

	convs, err := repo.ListConversations(ctx, s.DB, userID)
	if err != nil {
		return nil, err
	}
	out := make([]ConversationSummary, 0, len(convs))
	for _, c := range convs {
		out = append(out, ConversationSummary{
			ID:             c.ID,
			Title:          s.deriveTitle(ctx, &c),
			LastActivityAt: c.LastActivityAt.Format("2006-01-02T15:04:05Z07:00"),
			StartedAt:      c.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	return out, nil
}

// deriveTitle computes a display title from the first user message, clipped
// to titleMaxRunes with an ellipsis. Conversations without user turns get a
// short ID-based fallback.
func (s *ConversationService) deriveTitle(ctx context.Context, c *domain.Conversation) string {
	first, err := repo.FirstUserMessage(s.DB.WithContext(ctx), c.ID)
	if err == nil && first.Content != nil {
		t := strings.Join(strings.Fields(*first.Content), " ")
		if t != "" {
			if utf8.RuneCountInString(t) > titleMaxRunes {
				return string([]rune(t)[:titleMaxRunes]) + "…"
			}
			return t
		}
	}
	short := c.ID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("Conversación #%s", short)
}

// ListMessagesPage returns paginated messages for a conversation the user can
// see, oldest first.
func (s *ConversationService) ListMessagesPage(ctx context.Context, userID, conversationID string, page, pageSize int) ([]domain.Message, int64, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "ListMessagesPage",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	conv, err := repo.GetConversation(ctx, s.DB, conversationID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, 0, ErrConversationNotFound
		}
		return nil, 0, err
	}
	if conv.UserID != "" && conv.UserID != userID {
		return nil, 0, ErrConversationNotFound
	}

	total, err := repo.CountMessages(s.DB.WithContext(ctx), conversationID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Message{}, 0, nil
	}

	items, err := repo.ListMessagesPage(s.DB.WithContext(ctx), conversationID, offset, pageSize)
	return items, total, err
}

// Delete soft-deletes one of the user's conversations together with its
// messages.
func (s *ConversationService) Delete(ctx context.Context, userID, conversationID string) error {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "Delete",
		trace.WithAttributes(attribute.String("conversation.id", conversationID)),
	)
	defer span.End()

	conv, err := repo.GetConversation(ctx, s.DB, conversationID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrConversationNotFound
		}
		return err
	}
	if conv.UserID != "" && conv.UserID != userID {
		return ErrConversationNotFound
	}
	if err := repo.DeleteConversation(ctx, s.DB, conversationID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrConversationNotFound
		}
		return err
	}
	return nil
}
