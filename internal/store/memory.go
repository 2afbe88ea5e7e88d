package store

import (
	"context"
	"sort"
	"sync"

	"predix-agent-backend/internal/dialogue"
)

type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*dialogue.Conversation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{conversations: make(map[string]*dialogue.Conversation)}
}

func (m *MemoryStore) Load(ctx context.Context, id string) (*dialogue.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, dialogue.Unavailable("load", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[id]
	if !ok {
		return dialogue.New(id), nil
	}
	return c.Clone(), nil
}

func (m *MemoryStore) AppendTurn(ctx context.Context, id, userID string, actor dialogue.Actor, content string) (dialogue.Turn, error) {
	if err := ctx.Err(); err != nil {
		return dialogue.Turn{}, dialogue.Unavailable("append_turn", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.getOrCreateLocked(id, userID)
	t := dialogue.Turn{
		Seq:       len(c.Turns) + 1,
		Actor:     actor,
		Kind:      dialogue.KindText,
		Content:   content,
		CreatedAt: now(),
	}
	c.Turns = append(c.Turns, t)
	c.UpdatedAt = t.CreatedAt
	return t, nil
}

func (m *MemoryStore) PatchSlots(ctx context.Context, id string, patch dialogue.SlotSet) (dialogue.SlotSet, error) {
	if err := ctx.Err(); err != nil {
		return dialogue.SlotSet{}, dialogue.Unavailable("patch_slots", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.getOrCreateLocked(id, "")
	c.Slots = c.Slots.Merge(patch)
	c.UpdatedAt = now()
	return dialogue.SlotSet{}.Merge(c.Slots), nil
}

func (m *MemoryStore) RecordToolInvocation(ctx context.Context, id string, rec dialogue.ToolInvocation) error {
	if err := ctx.Err(); err != nil {
		return dialogue.Unavailable("record_tool_invocation", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.getOrCreateLocked(id, "")
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now()
	}
	// Copy payloads to avoid external mutation
	rec.Args = append([]byte(nil), rec.Args...)
	rec.Artifact = append([]byte(nil), rec.Artifact...)
	c.Invocations = append(c.Invocations, rec)
	c.UpdatedAt = rec.CreatedAt
	return nil
}

func (m *MemoryStore) StartFlow(ctx context.Context, id string) (dialogue.Flow, error) {
	if err := ctx.Err(); err != nil {
		return dialogue.Flow{}, dialogue.Unavailable("start_flow", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.getOrCreateLocked(id, "")
	c.Slots = dialogue.SlotSet{}
	c.Flow = dialogue.Flow{Seq: c.Flow.Seq + 1}
	c.UpdatedAt = now()
	return c.Flow, nil
}

func (m *MemoryStore) CompleteFlow(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return dialogue.Unavailable("complete_flow", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.getOrCreateLocked(id, "")
	c.Flow.Done = true
	c.UpdatedAt = now()
	return nil
}

func (m *MemoryStore) List(ctx context.Context, limit int) ([]Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, dialogue.Unavailable("list", err)
	}
	m.mu.RLock()
	out := make([]Summary, 0, len(m.conversations))
	for _, c := range m.conversations {
		out = append(out, Summary{ID: c.ID, UserID: c.UserID, Turns: len(c.Turns), UpdatedAt: c.UpdatedAt})
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) getOrCreateLocked(id, userID string) *dialogue.Conversation {
	c, ok := m.conversations[id]
	if !ok {
		c = dialogue.New(id)
		c.CreatedAt = now()
		m.conversations[id] = c
	}
	if c.UserID == "" && userID != "" {
		c.UserID = userID
	}
	return c
}
