package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role is an operator role. Role.String is the only serialization used for
// token claims, audit entries and API responses.
type Role string

const (
	RoleModerator     Role = "moderator"
	RoleAdministrator Role = "administrator"
)

func (r Role) String() string { return string(r) }

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleModerator || r == RoleAdministrator
}

// ParseRole converts a wire value into a Role.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// ChatStatus is the ticket state.
type ChatStatus string

const (
	ChatNew       ChatStatus = "NEW"
	ChatActive    ChatStatus = "ACTIVE"
	ChatClosed    ChatStatus = "CLOSED"
	ChatEscalated ChatStatus = "ESCALATED"
)

func (s ChatStatus) Valid() bool {
	switch s {
	case ChatNew, ChatActive, ChatClosed, ChatEscalated:
		return true
	}
	return false
}

// Direction of a message relative to the console.
type Direction string

const (
	DirectionIn  Direction = "IN"
	DirectionOut Direction = "OUT"
)

// MessageType is the content type of a message.
type MessageType string

const (
	MessageText      MessageType = "text"
	MessagePhoto     MessageType = "photo"
	MessageVideo     MessageType = "video"
	MessageVideoNote MessageType = "video_note"
	MessageAnimation MessageType = "animation"
	MessageVoice     MessageType = "voice"
	MessageAudio     MessageType = "audio"
	MessageSticker   MessageType = "sticker"
	MessageDocument  MessageType = "document"
	MessageOther     MessageType = "other"
	MessageSystem    MessageType = "system"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessagePhoto, MessageVideo, MessageVideoNote, MessageAnimation,
		MessageVoice, MessageAudio, MessageSticker, MessageDocument, MessageOther, MessageSystem:
		return true
	}
	return false
}

// MFA levels recorded on sessions and tokens.
const (
	MFAPassword      = "password"
	MFATelegramOAuth = "telegram_oauth"
	MFAWebAuthn      = "webauthn"
)

// User represents an operator account
type User struct {
	ID                   uuid.UUID
	TelegramUserID       *int64
	Username             *string
	PasswordHash         string
	Role                 Role
	IsActive             bool
	TelegramOAuthEnabled bool
	MustChangePassword   bool
	CreatedAt            time.Time
}

// Session is one login instance; all rotations of one login share FamilyID.
type Session struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	Role        Role
	FamilyID    uuid.UUID
	RefreshHash string
	MFALevel    string
	IP          string
	UserAgent   string
	DeviceID    string
	CreatedAt   time.Time
	LastUsedAt  time.Time
	RevokedAt   *time.Time
}

// Live reports whether the session has not been revoked.
func (s Session) Live() bool { return s.RevokedAt == nil }

// PendingLogin sits between Telegram identity proof and session issuance.
type PendingLogin struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	ExpiresAt  time.Time
	ConsumedAt *time.Time
	IP         string
	UserAgent  string
	CreatedAt  time.Time
}

// WebAuthnCredential is a registered authenticator
type WebAuthnCredential struct {
	ID              uuid.UUID
	UserID          uuid.UUID
	CredentialID    []byte
	PublicKey       []byte
	SignCount       uint32
	Transports      []string
	AAGUID          []byte
	AttestationType string
	BackupEligible  bool
	BackupState     bool
	CreatedAt       time.Time
	LastUsedAt      *time.Time
}

// Chat is a support ticket bound to one Telegram user.
type Chat struct {
	ID                uuid.UUID
	TgID              int64
	TgUsername        *string
	FirstName         *string
	LastName          *string
	LanguageCode      *string
	PhotoURL          *string
	Status            ChatStatus
	UnreadCount       int
	LastMessageAt     *time.Time
	AutoreplySent     bool
	AssignedUserID    *uuid.UUID
	EscalatedToUserID *uuid.UUID
	Note              *string
	CreatedAt         time.Time

	// LastMessagePreview is only filled by list queries.
	LastMessagePreview *string
}

// InlineButton is a URL button attached to an outbound message.
type InlineButton struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

// Attachment is a file attached to a message
type Attachment struct {
	ID             uuid.UUID      `json:"id"`
	MessageID      uuid.UUID      `json:"message_id"`
	TelegramFileID *string        `json:"telegram_file_id,omitempty"`
	LocalPath      *string        `json:"local_path,omitempty"`
	URL            *string        `json:"url,omitempty"`
	Mime           *string        `json:"mime,omitempty"`
	Name           *string        `json:"name,omitempty"`
	Size           *int64         `json:"size,omitempty"`
	Meta           map[string]any `json:"meta,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Message is one conversation turn
type Message struct {
	ID                       uuid.UUID
	ChatID                   uuid.UUID
	Direction                Direction
	Type                     MessageType
	Text                     *string
	TelegramMessageID        *int64
	ReplyToTelegramMessageID *int64
	TelegramMediaGroupID     *string
	IsEdited                 bool
	EditedAt                 *time.Time
	SentByUserID             *uuid.UUID
	InlineButtons            [][]InlineButton
	ForwardFromName          *string
	ForwardFromUsername      *string
	ForwardDate              *time.Time
	CreatedAt                time.Time
	Attachments              []Attachment
}

// AuditEntry is an append-only security event.
type AuditEntry struct {
	ID          uuid.UUID
	ActorUserID *uuid.UUID
	ActorRole   string
	EventType   string
	IP          string
	UserAgent   string
	Metadata    map[string]any
	CreatedAt   time.Time
}

// Template is a canned operator reply.
type Template struct {
	ID        uuid.UUID
	Title     string
	Body      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Broadcast campaign states.
const (
	BroadcastPending    = "pending"
	BroadcastInProgress = "in_progress"
	BroadcastCompleted  = "completed"
)

// BroadcastStats summarizes a finished campaign.
type BroadcastStats struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
	Total  int `json:"total"`
}

// Broadcast is a mass message campaign.
type Broadcast struct {
	ID              uuid.UUID
	Title           string
	Body            string
	TargetStatuses  []string
	InlineButtons   [][]InlineButton
	Attachments     []Attachment
	Status          string
	Stats           BroadcastStats
	CreatedByUserID *uuid.UUID
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
}
