// Package domain defines the persistence models for conversations, messages,
// plants, care plans, and feedback. These types are mapped with GORM and form
// the core data layer of the plant-care assistant.
package domain

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Message sender roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message type tags.
const (
	MessageTypeText  = "text"
	MessageTypeImage = "image"
	MessageTypeMixed = "mixed"
)

// Plant lifecycle statuses. Archival is a soft state flip; plant rows are
// never hard-deleted.
const (
	PlantStatusActive   = "active"
	PlantStatusArchived = "archived"
)

// Plant provenance values.
const (
	PlantSourceManual = "manual"
	PlantSourceChat   = "chat"
)

// Environment keys tracked per conversation. Each key holds a short free-text
// value ("baja", "alta", "18-24°C", ...) extracted from user messages.
const (
	EnvKeyHumidity    = "humidity"
	EnvKeyLight       = "light"
	EnvKeyTemperature = "temperature"
	EnvKeyTime        = "time"
)

// Conversation represents an ongoing exchange and its accumulated contextual
// slots. The owner is optional: anonymous visitors can chat without an
// account, in which case UserID stays empty.
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - UserID: identifier of the owner; empty for anonymous conversations.
//   - Location: free-text location slot ("Bogotá, apartamento", ...).
//   - Environment: sticky slot map keyed by the EnvKey* constants. A stored
//     value is overwritten only when a new non-empty value differs from it.
//   - CreatedAt: when the conversation started.
//   - LastActivityAt: bumped on every turn, used to order summaries.
//   - DeletedAt: soft deletion marker.
type Conversation struct {
	ID             string            `json:"id"               gorm:"type:char(36);primaryKey"`
	UserID         string            `json:"user_id,omitempty" gorm:"type:varchar(64);index:idx_user_conversations"`
	Location       *string           `json:"location,omitempty" gorm:"type:text"`
	Environment    datatypes.JSONMap `json:"environment,omitempty"`
	CreatedAt      time.Time         `json:"started_at"`
	LastActivityAt time.Time         `json:"last_activity_at" gorm:"index"`
	DeletedAt      gorm.DeletedAt    `json:"-"                gorm:"index"`
}

// TableName returns the database table name for Conversation.
func (Conversation) TableName() string { return "conversations" }

// Message represents a single turn within a conversation, authored either by
// the "user" or the "assistant". Messages are immutable once created and are
// ordered by creation time ascending.
//
// Fields:
//   - ID: UUID primary key (char(36)).
//   - ConversationID: foreign key to the owning conversation (indexed).
//   - Role: "user" or "assistant" (enforced by DB constraint).
//   - Content: textual content; nil for image-only turns.
//   - Type: "text", "image", or "mixed" (text plus photos).
//   - ImageURIs: ordered opaque object-storage references (gs:// URIs)
//     attached to the turn; stored verbatim, never inspected.
//   - Conversation: FK association, ensures cascade delete/update.
type Message struct {
	ID             string                      `json:"id"              gorm:"type:char(36);primaryKey"`
	ConversationID string                      `json:"conversation_id" gorm:"type:char(36);not null;index:idx_conv_msgs,priority:1"`
	Role           string                      `json:"role"            gorm:"type:varchar(16);not null;check:role IN ('user','assistant')"`
	Content        *string                     `json:"content"         gorm:"type:text"`
	Type           string                      `json:"type"            gorm:"type:varchar(16);not null;default:'text';check:type IN ('text','image','mixed')"`
	ImageURIs      datatypes.JSONSlice[string] `json:"image_uris,omitempty"`
	CreatedAt      time.Time                   `json:"created_at"      gorm:"index:idx_conv_msgs,priority:2"`
	DeletedAt      gorm.DeletedAt              `json:"-"               gorm:"index"`

	Conversation Conversation `json:"-" gorm:"foreignKey:ConversationID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// Plant is a durable plant profile owned by exactly one user. At most one
// active plant may exist per (user, case-folded common name); the partial
// unique index backs the resolver's read-then-write dedup so a concurrent
// duplicate insert surfaces as a constraint violation instead of a second row.
//
// Fields:
//   - CommonName: required display name as the user gave it.
//   - CommonNameFold: case-folded form of CommonName, maintained by the
//     service layer and used for dedup lookups.
//   - Status: "active" or "archived" (soft delete).
//   - Source: "manual" (created via the plants API) or "chat" (materialized
//     from a conversation turn).
type Plant struct {
	ID             string         `json:"id"              gorm:"type:char(36);primaryKey"`
	UserID         string         `json:"user_id"         gorm:"type:varchar(64);not null;index;uniqueIndex:ux_user_plant_active,priority:1"`
	CommonName     string         `json:"common_name"     gorm:"type:varchar(255);not null"`
	CommonNameFold string         `json:"-"               gorm:"type:varchar(255);not null;uniqueIndex:ux_user_plant_active,priority:2,where:status = 'active'"`
	ScientificName *string        `json:"scientific_name,omitempty" gorm:"type:varchar(255)"`
	Nickname       *string        `json:"nickname,omitempty"        gorm:"type:varchar(255)"`
	Location       *string        `json:"location,omitempty"        gorm:"type:text"`
	Light          *string        `json:"light,omitempty"           gorm:"type:varchar(64)"`
	Humidity       *string        `json:"humidity,omitempty"        gorm:"type:varchar(64)"`
	Temperature    *string        `json:"temperature,omitempty"     gorm:"type:varchar(64)"`
	Notes          *string        `json:"notes,omitempty"           gorm:"type:text"`
	PhotoURI       *string        `json:"photo_uri,omitempty"       gorm:"type:text"`
	Status         string         `json:"status"          gorm:"type:varchar(16);not null;default:'active';check:status IN ('active','archived')"`
	Source         string         `json:"source"          gorm:"type:varchar(16);not null;default:'manual';check:source IN ('manual','chat')"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      gorm.DeletedAt `json:"-"               gorm:"index"`
}

// TableName returns the database table name for Plant.
func (Plant) TableName() string { return "plants" }

// CarePlan is a structured, schema-validated set of care instructions for one
// plant. At most one plan is expected per (user, plant); the generator treats
// the newest existing row as authoritative and never regenerates.
//
// Fields:
//   - PlantID: the plant the plan was generated for; nil on legacy rows
//     created before plants were resolved.
//   - ConversationID: the conversation the plan arose from, if any.
//   - PlantName: denormalized common name at generation time.
//   - Environment: snapshot of the plant's location/light/humidity/temperature
//     as seen when the plan was generated.
//   - Plan: the validated plan document (see services.PlanDocument).
type CarePlan struct {
	ID             string            `json:"id"                 gorm:"type:char(36);primaryKey"`
	PlantID        *string           `json:"plant_id,omitempty" gorm:"type:char(36);index"`
	ConversationID *string           `json:"conversation_id,omitempty" gorm:"type:char(36);index"`
	UserID         string            `json:"user_id"            gorm:"type:varchar(64);not null;index"`
	PlantName      string            `json:"plant_name"         gorm:"type:varchar(255);not null"`
	Environment    datatypes.JSONMap `json:"environment,omitempty"`
	Plan           datatypes.JSON    `json:"plan"               gorm:"not null"`
	CreatedAt      time.Time         `json:"created_at"`
	DeletedAt      gorm.DeletedAt    `json:"-"                  gorm:"index"`
}

// TableName returns the database table name for CarePlan.
func (CarePlan) TableName() string { return "care_plans" }

// Feedback represents a user-provided rating on a specific assistant message.
// A user can only leave one feedback entry per message (enforced by unique index).
type Feedback struct {
	ID        string         `json:"id"         gorm:"type:char(36);primaryKey"`
	MessageID string         `json:"message_id" gorm:"type:char(36);not null;index;uniqueIndex:ux_feedback_message_user"`
	UserID    string         `json:"user_id"    gorm:"type:varchar(64);not null;index;uniqueIndex:ux_feedback_message_user"`
	Value     int            `json:"value"      gorm:"not null;check:value IN (-1,1)"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-"          gorm:"index"`

	Message Message `json:"-" gorm:"foreignKey:MessageID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Feedback.
func (Feedback) TableName() string { return "feedback" }
