package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"predix-agent-backend/internal/dialogue"
)

var conversationsBucket = []byte("conversations")

// FileStore persists conversations in a single BoltDB file, one JSON record
// per conversation id.
type FileStore struct {
	db *bolt.DB
}

func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, dialogue.Unavailable("open", errors.Wrap(err, "create store directory"))
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, dialogue.Unavailable("open", errors.Wrap(err, "open bolt file"))
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(conversationsBucket)
		return e
	})
	if err != nil {
		_ = db.Close()
		return nil, dialogue.Unavailable("open", errors.Wrap(err, "create bucket"))
	}
	return &FileStore{db: db}, nil
}

func (f *FileStore) Load(ctx context.Context, id string) (*dialogue.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, dialogue.Unavailable("load", err)
	}
	var c *dialogue.Conversation
	err := f.db.View(func(tx *bolt.Tx) error {
		var e error
		c, e = readConversation(tx.Bucket(conversationsBucket), id)
		return e
	})
	if err != nil {
		return nil, dialogue.Unavailable("load", err)
	}
	if c == nil {
		return dialogue.New(id), nil
	}
	return c, nil
}

func (f *FileStore) AppendTurn(ctx context.Context, id, userID string, actor dialogue.Actor, content string) (dialogue.Turn, error) {
	var t dialogue.Turn
	err := f.update(ctx, id, userID, func(c *dialogue.Conversation) {
		t = dialogue.Turn{
			Seq:       len(c.Turns) + 1,
			Actor:     actor,
			Kind:      dialogue.KindText,
			Content:   content,
			CreatedAt: now(),
		}
		c.Turns = append(c.Turns, t)
	})
	return t, dialogue.Unavailable("append_turn", err)
}

func (f *FileStore) PatchSlots(ctx context.Context, id string, patch dialogue.SlotSet) (dialogue.SlotSet, error) {
	var out dialogue.SlotSet
	err := f.update(ctx, id, "", func(c *dialogue.Conversation) {
		c.Slots = c.Slots.Merge(patch)
		out = c.Slots
	})
	return out, dialogue.Unavailable("patch_slots", err)
}

func (f *FileStore) RecordToolInvocation(ctx context.Context, id string, rec dialogue.ToolInvocation) error {
	err := f.update(ctx, id, "", func(c *dialogue.Conversation) {
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now()
		}
		c.Invocations = append(c.Invocations, rec)
	})
	return dialogue.Unavailable("record_tool_invocation", err)
}

func (f *FileStore) StartFlow(ctx context.Context, id string) (dialogue.Flow, error) {
	var flow dialogue.Flow
	err := f.update(ctx, id, "", func(c *dialogue.Conversation) {
		c.Slots = dialogue.SlotSet{}
		c.Flow = dialogue.Flow{Seq: c.Flow.Seq + 1}
		flow = c.Flow
	})
	return flow, dialogue.Unavailable("start_flow", err)
}

func (f *FileStore) CompleteFlow(ctx context.Context, id string) error {
	err := f.update(ctx, id, "", func(c *dialogue.Conversation) {
		c.Flow.Done = true
	})
	return dialogue.Unavailable("complete_flow", err)
}

func (f *FileStore) List(ctx context.Context, limit int) ([]Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, dialogue.Unavailable("list", err)
	}
	var out []Summary
	err := f.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(conversationsBucket).ForEach(func(k, v []byte) error {
			var c dialogue.Conversation
			if e := json.Unmarshal(v, &c); e != nil {
				// Skip malformed entries instead of failing the whole listing
				return nil
			}
			out = append(out, Summary{ID: c.ID, UserID: c.UserID, Turns: len(c.Turns), UpdatedAt: c.UpdatedAt})
			return nil
		})
	})
	if err != nil {
		return nil, dialogue.Unavailable("list", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *FileStore) Close() error {
	return f.db.Close()
}

// update runs a read-modify-write of one conversation record in a single
// bolt transaction.
func (f *FileStore) update(ctx context.Context, id, userID string, mutate func(c *dialogue.Conversation)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return f.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(conversationsBucket)
		c, err := readConversation(b, id)
		if err != nil {
			return err
		}
		if c == nil {
			c = dialogue.New(id)
			c.CreatedAt = now()
		}
		if c.UserID == "" && userID != "" {
			c.UserID = userID
		}
		mutate(c)
		c.UpdatedAt = now()
		enc, err := json.Marshal(c)
		if err != nil {
			return errors.Wrap(err, "encode conversation")
		}
		return b.Put([]byte(id), enc)
	})
}

func readConversation(b *bolt.Bucket, id string) (*dialogue.Conversation, error) {
	v := b.Get([]byte(id))
	if v == nil {
		return nil, nil
	}
	var c dialogue.Conversation
	if err := json.Unmarshal(v, &c); err != nil {
		return nil, errors.Wrapf(err, "decode conversation %s", id)
	}
	return &c, nil
}
