// Chat HTTP handlers.
//
// This file exposes REST endpoints for the conversational flow:
//   - POST   /chat/messages                      (submit a turn, get the assistant reply)
//   - POST   /chat/images                        (upload up to 3 image attachments)
//   - GET    /chat/conversations                 (list, ETag support)
//   - GET    /chat/conversations/{id}/messages   (list, paginated, ETag support)
//   - DELETE /chat/conversations/{id}            (soft delete)
//
// Handlers are transport-thin: they validate input, call application services,
// and translate results into HTTP responses (including conditional responses).
//
// Idempotency:
// If the client supplies an Idempotency-Key header and a previous successful
// result exists for (user, conversation, key), the handler returns that
// recorded assistant message and sets `Idempotency-Replayed: true`.
package handlers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-plant-backend/internal/domain"
	"github.com/tbourn/go-plant-backend/internal/repo"
	"github.com/tbourn/go-plant-backend/internal/services"
	"github.com/tbourn/go-plant-backend/internal/storage"
	"github.com/tbourn/go-plant-backend/internal/utils"
)

//
// Service contracts (context-aware)
//

// ConversationService defines the conversational operations consumed by HTTP
// handlers. Implementations should be safe for concurrent use and must honor
// the provided context for cancellation and timeouts.
type ConversationService interface {
	// HandleTurn runs one full turn and returns the assistant reply.
	HandleTurn(ctx context.Context, in services.TurnInput) (*services.TurnResult, error)
	// List returns the user's conversations with derived titles.
	List(ctx context.Context, userID string) ([]services.ConversationSummary, error)
	// ListMessagesPage returns a page of messages within a conversation.
	ListMessagesPage(ctx context.Context, userID, conversationID string, page, pageSize int) ([]domain.Message, int64, error)
	// Delete soft-deletes a conversation and its messages.
	Delete(ctx context.Context, userID, conversationID string) error
}

// PlantService defines plant catalog operations consumed by HTTP handlers.
type PlantService interface {
	Create(ctx context.Context, userID string, p *domain.Plant) (*domain.Plant, error)
	Get(ctx context.Context, userID, id string) (*domain.Plant, error)
	List(ctx context.Context, userID string) ([]domain.Plant, error)
	Update(ctx context.Context, userID, id string, patch services.PlantPatch) (*domain.Plant, error)
	Archive(ctx context.Context, userID, id string) error
}

// FeedbackService defines operations to capture user feedback on messages.
type FeedbackService interface {
	// Leave submits a feedback value (-1 or 1) for messageID by userID.
	Leave(ctx context.Context, userID, messageID string, value int) error
}

//
// Handler wiring
//

// Handlers groups HTTP endpoints for conversations, plants, and feedback.
// It depends on abstract service interfaces to keep transport concerns
// separate from business logic.
type Handlers struct {
	convSvc  ConversationService
	plantSvc PlantService
	fbSvc    FeedbackService
	uploader storage.Uploader
	db       *gorm.DB

	idempotencyTTL time.Duration
}

// New constructs and returns a Handlers instance bound to the given services.
// uploader may be nil, in which case image uploads are rejected with 503.
func New(convSvc ConversationService, plantSvc PlantService, fbSvc FeedbackService, uploader storage.Uploader, db *gorm.DB, idempotencyTTL time.Duration) *Handlers {
	if idempotencyTTL <= 0 {
		idempotencyTTL = 24 * time.Hour
	}
	return &Handlers{
		convSvc:        convSvc,
		plantSvc:       plantSvc,
		fbSvc:          fbSvc,
		uploader:       uploader,
		db:             db,
		idempotencyTTL: idempotencyTTL,
	}
}

// userID extracts the authenticated user id from Gin context (set by upstream
// middleware). If absent, it falls back to "X-User-ID" header (tests use it),
// and finally to "demo-user". It never touches c.Request if it's nil.
func userID(c *gin.Context) string {
	if v := optionalUserID(c); v != "" {
		return v
	}
	return "demo-user"
}

// optionalUserID is like userID but returns "" for anonymous requests instead
// of a demo fallback. Chat endpoints use it so visitors can converse without
// an account.
func optionalUserID(c *gin.Context) string {
	if v, ok := c.Get("userID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if c != nil && c.Request != nil {
		if h := strings.TrimSpace(c.GetHeader("X-User-ID")); h != "" {
			return h
		}
	}
	return ""
}

//
// DTOs
//

// SubmitTurnRequest is the JSON payload for one conversational turn.
type SubmitTurnRequest struct {
	// ConversationID addresses an existing conversation; empty starts a new one.
	ConversationID string `json:"conversation_id" example:"141add05-4415-4938-b5a1-17e0d3171aff"`
	// Message is the user's text. May be empty only when images are attached.
	Message string `json:"message" example:"¿Qué plantas me recomiendas para un apartamento con poca luz?"`
	// ImageURIs are storage references returned by the images endpoint.
	ImageURIs []string `json:"image_uris,omitempty"`
	// UserID optionally overrides the header identity (demo convenience).
	UserID string `json:"user_id,omitempty" example:"user123"`
}

// SubmitTurnResponse is the JSON envelope for a completed turn.
type SubmitTurnResponse struct {
	ConversationID string          `json:"conversation_id"`
	Message        *domain.Message `json:"message"`
	Mode           string          `json:"mode"`
	Clarification  bool            `json:"clarification"`
}

// UploadImagesResponse returns the stored attachment references.
type UploadImagesResponse struct {
	ImageURIs []string `json:"image_uris"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListConversationsResponse wraps the user's conversation summaries.
type ListConversationsResponse struct {
	Conversations []services.ConversationSummary `json:"conversations"`
}

// ListMessagesResponse contains a page of messages and pagination metadata.
type ListMessagesResponse struct {
	Messages   []domain.Message `json:"messages"`
	Pagination Pagination       `json:"pagination"`
}

//
// Helpers
//

// clampPagination parses and bounds page and page_size query params to sane
// defaults and limits, returning (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.ClampInt(utils.AtoiDefault(c.Query("page_size"), defaultPageSize), 1, maxPageSize)
	return
}

// nlCollapseRE collapses runs of 3+ newlines to two, preserving paragraphs.
var nlCollapseRE = regexp.MustCompile(`\n{3,}`)

// sanitizeContent normalizes user text for consistent downstream behavior:
//   - converts CRLF/CR to LF,
//   - collapses runs of 3+ LFs to exactly two (paragraph separation),
//   - trims surrounding whitespace.
func sanitizeContent(raw string) string {
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = nlCollapseRE.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// discoverMaxPromptRunes inspects the concrete ConversationService for a
// configured message-length limit. If unavailable, it returns a conservative
// fallback.
func discoverMaxPromptRunes(convSvc ConversationService) int {
	const fallback = 4000
	if cs, ok := convSvc.(*services.ConversationService); ok {
		if cs.MaxPromptRunes > 0 {
			return cs.MaxPromptRunes
		}
	}
	return fallback
}

// maxUploadFiles caps attachments per upload request, matching the number the
// turn dispatcher will forward to the oracle.
const maxUploadFiles = 3

// maxUploadBytes caps a single attachment.
const maxUploadBytes = 8 << 20

// allowedImageTypes are the attachment content types accepted by the upload
// endpoint.
var allowedImageTypes = map[string]struct{}{
	"image/jpeg": {},
	"image/jpg":  {},
	"image/png":  {},
	"image/webp": {},
	"image/gif":  {},
}

//
// Handlers
//

// SubmitTurn godoc
// @ID          submitTurn
// @Summary     Send a message and get the assistant reply
// @Description Runs one conversational turn: persists the user message, analyzes it,
// @Description and returns the assistant reply (which may be a clarifying question).
// @Description Supports idempotency via the Idempotency-Key header (same key → same result).
// @Tags        Chat
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID        header  string  false "User ID (empty = anonymous)"  example(user123)
// @Param       Idempotency-Key  header  string  false "Idempotency key for safe retries (UUID recommended)"  example(7a8d9f4c-1b2a-4c3d-8e9f-0123456789ab)
// @Param       body             body    handlers.SubmitTurnRequest  true  "Turn payload"
//
// @Success     200  {object}  handlers.SubmitTurnResponse  "Assistant reply"
// @Failure     400  {object}  handlers.ErrorResponse       "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse       "Conversation not found"
// @Failure     500  {object}  handlers.ErrorResponse       "Internal error"
// @Router      /chat/messages [post]
func (h *Handlers) SubmitTurn(c *gin.Context) {
	ctx := c.Request.Context()

	var req SubmitTurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	if req.ConversationID != "" {
		if _, err := uuid.Parse(req.ConversationID); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "conversation_id must be a UUID")
			return
		}
	}

	message := sanitizeContent(req.Message)
	maxRunes := discoverMaxPromptRunes(h.convSvc)
	if maxRunes > 0 && utf8.RuneCountInString(message) > maxRunes {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("message too long: max %d runes", maxRunes))
		return
	}
	if message == "" && len(req.ImageURIs) == 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "message or image_uris required")
		return
	}
	if len(req.ImageURIs) > maxUploadFiles {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("at most %d images per turn", maxUploadFiles))
		return
	}

	currentUser := optionalUserID(c)
	if req.UserID != "" {
		currentUser = req.UserID
	}

	// Idempotency (replay path) – read validated key if present.
	idemKey, _ := idempotencyKeyFrom(c)
	if idemKey != "" && h.db != nil {
		if rec, err := repo.GetIdempotency(ctx, h.db, currentUser, req.ConversationID, idemKey, time.Now().UTC()); err == nil && rec != nil {
			if prev, err2 := repo.GetMessage(h.db, rec.MessageID); err2 == nil {
				c.Header("Idempotency-Replayed", "true")
				ok(c, http.StatusOK, SubmitTurnResponse{
					ConversationID: prev.ConversationID,
					Message:        prev,
				})
				return
			}
		}
	}

	res, err := h.convSvc.HandleTurn(ctx, services.TurnInput{
		UserID:         currentUser,
		ConversationID: req.ConversationID,
		Message:        message,
		ImageURIs:      req.ImageURIs,
	})
	if err != nil {
		switch err {
		case services.ErrConversationNotFound:
			fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
		case services.ErrTooLong:
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("message too long: max %d runes", maxRunes))
		case services.ErrEmptyMessage:
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "message or image_uris required")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeAnswerFailed, err.Error())
		}
		return
	}

	// Idempotency (store path) – best effort. Key by the conversation the turn
	// ran in so first-turn retries (blank conversation_id) can replay too.
	if idemKey != "" && h.db != nil {
		_, _ = repo.CreateIdempotency(ctx, h.db, currentUser, res.ConversationID, idemKey, res.Message.ID, http.StatusOK, h.idempotencyTTL)
	}

	ok(c, http.StatusOK, SubmitTurnResponse{
		ConversationID: res.ConversationID,
		Message:        res.Message,
		Mode:           res.Mode,
		Clarification:  res.Clarification,
	})
}

// UploadChatImages godoc
// @ID          uploadChatImages
// @Summary     Upload image attachments for a turn
// @Description Stores up to 3 images and returns their opaque storage URIs, to be
// @Description passed as image_uris on a subsequent turn.
// @Tags        Chat
// @Accept      multipart/form-data
// @Produce     json
//
// @Param       X-User-ID        header    string  false "User ID (empty = anonymous)"  example(user123)
// @Param       conversation_id  formData  string  false "Conversation the images belong to"
// @Param       files            formData  file    true  "Image files (1–3, jpeg/png/webp/gif)"
//
// @Success     201  {object}  handlers.UploadImagesResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     500  {object}  handlers.ErrorResponse  "Upload failed"
// @Failure     503  {object}  handlers.ErrorResponse  "Image storage not configured"
// @Router      /chat/images [post]
func (h *Handlers) UploadChatImages(c *gin.Context) {
	if h.uploader == nil {
		fail(c, http.StatusServiceUnavailable, ErrCodeUploadFailed, "image storage not configured")
		return
	}

	form, err := c.MultipartForm()
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "multipart form required")
		return
	}
	files := form.File["files"]
	if len(files) == 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "at least one file required")
		return
	}
	if len(files) > maxUploadFiles {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("at most %d files per request", maxUploadFiles))
		return
	}

	conversationID := strings.TrimSpace(c.PostForm("conversation_id"))
	if conversationID == "" {
		conversationID = "pending"
	}
	currentUser := optionalUserID(c)

	uris := make([]string, 0, len(files))
	for i, fh := range files {
		if fh.Size > maxUploadBytes {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("file %q exceeds %d bytes", fh.Filename, maxUploadBytes))
			return
		}
		contentType := fh.Header.Get("Content-Type")
		if _, allowed := allowedImageTypes[strings.ToLower(contentType)]; !allowed {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("unsupported content type %q", contentType))
			return
		}

		f, err := fh.Open()
		if err != nil {
			fail(c, http.StatusInternalServerError, ErrCodeUploadFailed, err.Error())
			return
		}
		data, err := io.ReadAll(io.LimitReader(f, maxUploadBytes+1))
		_ = f.Close()
		if err != nil {
			fail(c, http.StatusInternalServerError, ErrCodeUploadFailed, err.Error())
			return
		}
		if int64(len(data)) > maxUploadBytes {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("file %q exceeds %d bytes", fh.Filename, maxUploadBytes))
			return
		}

		uri, err := h.uploader.UploadChatImage(c.Request.Context(), data, contentType, currentUser, conversationID, i)
		if err != nil {
			fail(c, http.StatusInternalServerError, ErrCodeUploadFailed, err.Error())
			return
		}
		uris = append(uris, uri)
	}

	ok(c, http.StatusCreated, UploadImagesResponse{ImageURIs: uris})
}

// ListConversations godoc
// @ID          listConversations
// @Summary     List conversations
// @Description Returns the user's conversations ordered by last activity, each with a
// @Description derived title. Supports weak ETag via If-None-Match and may return 304.
// @Tags        Chat
// @Produce     json
//
// @Param       X-User-ID      header  string  false "User ID"                      example(user123)
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"   example(W/\"abc123\")
//
// @Success     200  {object} handlers.ListConversationsResponse
// @Header      200  {string} ETag  "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /chat/conversations [get]
func (h *Handlers) ListConversations(c *gin.Context) {
	ctx := c.Request.Context()
	uid := optionalUserID(c)

	// ETag pre-check (best effort).
	if h.db != nil {
		count, maxTS, err := repo.ConversationsStats(ctx, h.db, uid)
		if err == nil {
			var ts int64
			if maxTS != nil {
				ts = maxTS.Unix()
			}
			etag := fmt.Sprintf(`W/"conversations:%s:%d:%d"`, uid, count, ts)
			c.Header("ETag", etag)
			if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
				c.Status(http.StatusNotModified)
				return
			}
		}
	}

	items, err := h.convSvc.List(ctx, uid)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, ListConversationsResponse{Conversations: items})
}

// ListConversationMessages godoc
// @ID          listConversationMessages
// @Summary     List messages in a conversation
// @Description Returns a paginated list of messages, oldest first. Supports weak ETag.
// @Tags        Chat
// @Produce     json
//
// @Param       X-User-ID  header string  false "User ID"        example(user123)
// @Param       id         path   string  true  "Conversation ID (UUID)"  format(uuid)
// @Param       page       query  int     false "Page number"    minimum(1) default(1)
// @Param       page_size  query  int     false "Items per page" minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListMessagesResponse
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Conversation not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /chat/conversations/{id}/messages [get]
func (h *Handlers) ListConversationMessages(c *gin.Context) {
	ctx := c.Request.Context()
	conversationID := c.Param("id")

	if _, err := uuid.Parse(conversationID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "conversation id must be a UUID")
		return
	}

	// ETag pre-check (best effort).
	if h.db != nil {
		count, maxTS, err := repo.MessagesStats(ctx, h.db, conversationID)
		if err == nil {
			var ts int64
			if maxTS != nil {
				ts = maxTS.Unix()
			}
			etag := fmt.Sprintf(`W/"messages:%s:%d:%d"`, conversationID, count, ts)
			c.Header("ETag", etag)
			if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
				c.Status(http.StatusNotModified)
				return
			}
		}
	}

	page, pageSize := clampPagination(c)

	items, total, err := h.convSvc.ListMessagesPage(ctx, optionalUserID(c), conversationID, page, pageSize)
	if err != nil {
		switch err {
		case services.ErrConversationNotFound:
			fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		}
		return
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	ok(c, http.StatusOK, ListMessagesResponse{
		Messages: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}

// DeleteConversation godoc
// @ID          deleteConversation
// @Summary     Delete a conversation
// @Description Soft-deletes a conversation and all its messages.
// @Tags        Chat
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID"                example(user123)
// @Param       id         path    string  true  "Conversation ID (UUID)" format(uuid)
//
// @Success     204  {string} string "No Content"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Conversation not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /chat/conversations/{id} [delete]
func (h *Handlers) DeleteConversation(c *gin.Context) {
	conversationID := c.Param("id")
	if _, err := uuid.Parse(conversationID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "conversation id must be a UUID")
		return
	}

	if err := h.convSvc.Delete(c.Request.Context(), optionalUserID(c), conversationID); err != nil {
		switch err {
		case services.ErrConversationNotFound:
			fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		}
		return
	}
	noContent(c)
}

// idempotencyKeyFrom extracts an idempotency key if an upstream middleware has
// already validated/stashed it. The fallback behavior reads the
// "Idempotency-Key" header directly when no dedicated middleware exists.
func idempotencyKeyFrom(c *gin.Context) (string, bool) {
	if v := strings.TrimSpace(c.GetHeader("Idempotency-Key")); v != "" {
		return v, true
	}
	return "", false
}
