// Package stream carries progress events of a turn from the orchestration
// worker to a transport.
package stream

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType names a frame kind on the wire.
type EventType string

const (
	EventConnection       EventType = "connection"
	EventThinking         EventType = "thinking"
	EventToolCall         EventType = "tool_call"
	EventToolResult       EventType = "tool_result"
	EventDraftUpdate      EventType = "draft_update"
	EventInteractivePause EventType = "interactive_pause"
	EventFinal            EventType = "final"
	EventError            EventType = "error"
)

// DefaultPauseContent is sent when a pause carries no question.
const DefaultPauseContent = "请告诉我您的想法，我们可以继续讨论。"

// Event is one progress frame.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Content   string                 `json:"content"`
	Timestamp float64                `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata"`
}

// Emitter receives events from a producer. A nil Emitter discards events.
type Emitter func(Event)

// Emit sends ev when e is non-nil.
func (e Emitter) Emit(ev Event) {
	if e != nil {
		e(ev)
	}
}

// NewEvent creates an event with a random id. Timestamps are unix seconds.
func NewEvent(t EventType, content string, metadata map[string]interface{}) Event {
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		Content:   content,
		Timestamp: unixSeconds(time.Now()),
		Metadata:  metadata,
	}
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// NewToolEvent creates a tool_call or tool_result event whose id is derived
// from the tool, content and call id, so re-emitting the same event yields
// the same id.
func NewToolEvent(t EventType, tool, content, callID string, metadata map[string]interface{}) Event {
	ev := NewEvent(t, content, metadata)
	ev.ID = StableID(string(t), tool, content, callID)
	return ev
}

// StableID hashes parts into a short hex id.
func StableID(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:8])
}

// IsTerminal reports whether the event ends a stream.
func (e Event) IsTerminal() bool {
	return e.Type == EventFinal || e.Type == EventInteractivePause || e.Type == EventError
}
