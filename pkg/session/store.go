package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/harun/tata/pkg/agent"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Status is the derived lifecycle state of a session.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

// Draft creators.
const (
	CreatedByUser = "user"
	CreatedByAI   = "ai"
)

// Roles accepted by AppendMessage besides the agent roles.
const (
	RoleAI      = "ai"
	RoleAIPause = "ai_pause"
	RoleHuman   = "human"
)

// Snapshot is the persisted view of a session.
type Snapshot struct {
	SessionID string
	UserID    string
	Status    Status
	State     *agent.State
	Drafts    map[string]Draft
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Draft is the latest version of one draft output.
type Draft struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	CreatedBy string    `json:"created_by"`
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StoredMessage is one row of the message log.
type StoredMessage struct {
	ID        int64                  `json:"id"`
	Role      agent.Role             `json:"role"`
	RawRole   string                 `json:"raw_role"`
	Content   string                 `json:"content"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Info summarises a session for listings.
type Info struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Status       Status    `json:"status"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Store persists sessions. Load returns nil, nil for an unknown session.
type Store interface {
	Save(ctx context.Context, sessionID string, snap Snapshot) error
	Load(ctx context.Context, sessionID string) (*Snapshot, error)
	AppendMessage(ctx context.Context, sessionID, role, content string, metadata map[string]interface{}) error
	Messages(ctx context.Context, sessionID string) ([]StoredMessage, error)
	AppendDrafts(ctx context.Context, sessionID string, drafts map[string]string) error
	ListSessions(ctx context.Context, userID string) ([]Info, error)
	DeleteSession(ctx context.Context, sessionID string) error
	Close() error
}

// NewSessionID returns an id of the form session_{unix ms}_{8 hex}.
func NewSessionID(now time.Time) string {
	suffix, err := gonanoid.Generate("0123456789abcdef", 8)
	if err != nil {
		suffix = strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	}
	return fmt.Sprintf("session_%d_%s", now.UnixMilli(), suffix)
}

// DeriveStatus maps a state onto a session status.
func DeriveStatus(state *agent.State) Status {
	switch {
	case state == nil:
		return StatusActive
	case state.IsInteractivePause:
		return StatusPaused
	case state.ActionNeeded == agent.ActionFinish:
		return StatusCompleted
	default:
		return StatusActive
	}
}

// DraftCreator reports who authored a draft from its id.
func DraftCreator(draftID string) string {
	if strings.HasPrefix(draftID, "user_") {
		return CreatedByUser
	}
	return CreatedByAI
}

func validateSessionID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if strings.ContainsRune(id, 0) {
		return fmt.Errorf("session id cannot contain null bytes")
	}
	return nil
}
