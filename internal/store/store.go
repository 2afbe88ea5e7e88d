package store

import (
	"context"
	"time"

	"predix-agent-backend/internal/dialogue"
)

// Store persists conversations. Every error it returns matches
// dialogue.ErrStoreUnavailable.
type Store interface {
	// Load returns the conversation, or a fresh one if id is unknown.
	Load(ctx context.Context, id string) (*dialogue.Conversation, error)
	AppendTurn(ctx context.Context, id, userID string, actor dialogue.Actor, content string) (dialogue.Turn, error)
	// PatchSlots merges patch into the stored slots and returns the result.
	PatchSlots(ctx context.Context, id string, patch dialogue.SlotSet) (dialogue.SlotSet, error)
	RecordToolInvocation(ctx context.Context, id string, rec dialogue.ToolInvocation) error
	// StartFlow clears the slots and moves the conversation to a new flow instance.
	StartFlow(ctx context.Context, id string) (dialogue.Flow, error)
	// CompleteFlow marks the current flow instance as finished.
	CompleteFlow(ctx context.Context, id string) error
	List(ctx context.Context, limit int) ([]Summary, error)
	Close() error
}

// Pinger is implemented by stores whose backend can become unreachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Summary is a listing row for a conversation.
type Summary struct {
	ID        string    `json:"conversation_id"`
	UserID    string    `json:"user_id,omitempty"`
	Turns     int       `json:"turns"`
	UpdatedAt time.Time `json:"updated_at"`
}

var now = func() time.Time { return time.Now().UTC() }
