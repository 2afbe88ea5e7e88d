package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"predix-agent-backend/internal/db"
	"predix-agent-backend/internal/dialogue"
)

// DatabaseStore keeps conversations in PostgreSQL or SQLite. Each mutation
// runs in its own transaction.
type DatabaseStore struct {
	db *db.DB
}

// NewDatabaseStore creates a new database store
func NewDatabaseStore(database *db.DB) *DatabaseStore {
	return &DatabaseStore{db: database}
}

func (ds *DatabaseStore) Load(ctx context.Context, id string) (*dialogue.Conversation, error) {
	c, err := ds.load(ctx, id)
	return c, dialogue.Unavailable("load", err)
}

func (ds *DatabaseStore) load(ctx context.Context, id string) (*dialogue.Conversation, error) {
	var (
		slotsJSON          string
		createdMs, updated int64
	)
	c := dialogue.New(id)
	err := ds.db.QueryRowContext(ctx, ds.db.Rebind(`
		SELECT user_id, slots_json, flow_seq, flow_done, created_at_ms, updated_at_ms
		FROM conversations
		WHERE id = $1
	`), id).Scan(&c.UserID, &slotsJSON, &c.Flow.Seq, &c.Flow.Done, &createdMs, &updated)
	if err == sql.ErrNoRows {
		return c, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get conversation")
	}
	if err := json.Unmarshal([]byte(slotsJSON), &c.Slots); err != nil {
		return nil, errors.Wrap(err, "failed to decode slots")
	}
	c.CreatedAt = fromMillis(createdMs)
	c.UpdatedAt = fromMillis(updated)

	turns, err := ds.db.QueryContext(ctx, ds.db.Rebind(`
		SELECT seq, actor, kind, content, created_at_ms
		FROM conversation_turns
		WHERE conversation_id = $1
		ORDER BY seq
	`), id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get turns")
	}
	defer turns.Close()
	for turns.Next() {
		var (
			t  dialogue.Turn
			ms int64
		)
		if err := turns.Scan(&t.Seq, &t.Actor, &t.Kind, &t.Content, &ms); err != nil {
			return nil, errors.Wrap(err, "failed to scan turn")
		}
		t.CreatedAt = fromMillis(ms)
		c.Turns = append(c.Turns, t)
	}
	if err := turns.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read turns")
	}

	recs, err := ds.db.QueryContext(ctx, ds.db.Rebind(`
		SELECT tool_call_id, turn_seq, flow_seq, tool, args_json, status, artifact_json, message, terminal, created_at_ms
		FROM tool_invocations
		WHERE conversation_id = $1
		ORDER BY seq
	`), id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get tool invocations")
	}
	defer recs.Close()
	for recs.Next() {
		var (
			r              dialogue.ToolInvocation
			args, artifact string
			ms             int64
		)
		if err := recs.Scan(&r.CallID, &r.TurnSeq, &r.FlowSeq, &r.Tool, &args, &r.Status, &artifact, &r.Message, &r.Terminal, &ms); err != nil {
			return nil, errors.Wrap(err, "failed to scan tool invocation")
		}
		if args != "" {
			r.Args = json.RawMessage(args)
		}
		if artifact != "" {
			r.Artifact = json.RawMessage(artifact)
		}
		r.CreatedAt = fromMillis(ms)
		c.Invocations = append(c.Invocations, r)
	}
	if err := recs.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read tool invocations")
	}
	return c, nil
}

func (ds *DatabaseStore) AppendTurn(ctx context.Context, id, userID string, actor dialogue.Actor, content string) (dialogue.Turn, error) {
	t := dialogue.Turn{Actor: actor, Kind: dialogue.KindText, Content: content, CreatedAt: now()}
	err := ds.withTx(ctx, id, userID, func(tx *sql.Tx) error {
		seq, err := ds.nextSeq(ctx, tx, "conversation_turns", id)
		if err != nil {
			return err
		}
		t.Seq = seq
		_, err = tx.ExecContext(ctx, ds.db.Rebind(`
			INSERT INTO conversation_turns (conversation_id, seq, actor, kind, content, created_at_ms)
			VALUES ($1, $2, $3, $4, $5, $6)
		`), id, t.Seq, string(t.Actor), string(t.Kind), t.Content, t.CreatedAt.UnixMilli())
		return errors.Wrap(err, "failed to insert turn")
	})
	return t, dialogue.Unavailable("append_turn", err)
}

func (ds *DatabaseStore) PatchSlots(ctx context.Context, id string, patch dialogue.SlotSet) (dialogue.SlotSet, error) {
	var merged dialogue.SlotSet
	err := ds.withTx(ctx, id, "", func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx, ds.db.Rebind(`SELECT slots_json FROM conversations WHERE id = $1`), id).Scan(&raw)
		if err != nil {
			return errors.Wrap(err, "failed to get slots")
		}
		var current dialogue.SlotSet
		if err := json.Unmarshal([]byte(raw), &current); err != nil {
			return errors.Wrap(err, "failed to decode slots")
		}
		merged = current.Merge(patch)
		return ds.writeSlots(ctx, tx, id, merged)
	})
	return merged, dialogue.Unavailable("patch_slots", err)
}

func (ds *DatabaseStore) RecordToolInvocation(ctx context.Context, id string, rec dialogue.ToolInvocation) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now()
	}
	err := ds.withTx(ctx, id, "", func(tx *sql.Tx) error {
		seq, err := ds.nextSeq(ctx, tx, "tool_invocations", id)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, ds.db.Rebind(`
			INSERT INTO tool_invocations
				(conversation_id, seq, tool_call_id, turn_seq, flow_seq, tool, args_json, status, artifact_json, message, terminal, created_at_ms)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`), id, seq, rec.CallID, rec.TurnSeq, rec.FlowSeq, rec.Tool, string(rec.Args), string(rec.Status),
			string(rec.Artifact), rec.Message, rec.Terminal, rec.CreatedAt.UnixMilli())
		return errors.Wrap(err, "failed to insert tool invocation")
	})
	return dialogue.Unavailable("record_tool_invocation", err)
}

func (ds *DatabaseStore) StartFlow(ctx context.Context, id string) (dialogue.Flow, error) {
	var flow dialogue.Flow
	err := ds.withTx(ctx, id, "", func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, ds.db.Rebind(`SELECT flow_seq FROM conversations WHERE id = $1`), id).Scan(&flow.Seq); err != nil {
			return errors.Wrap(err, "failed to get flow")
		}
		flow.Seq++
		_, err := tx.ExecContext(ctx, ds.db.Rebind(`
			UPDATE conversations SET slots_json = '{}', flow_seq = $2, flow_done = $3 WHERE id = $1
		`), id, flow.Seq, false)
		return errors.Wrap(err, "failed to start flow")
	})
	return flow, dialogue.Unavailable("start_flow", err)
}

func (ds *DatabaseStore) CompleteFlow(ctx context.Context, id string) error {
	err := ds.withTx(ctx, id, "", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, ds.db.Rebind(`UPDATE conversations SET flow_done = $2 WHERE id = $1`), id, true)
		return errors.Wrap(err, "failed to complete flow")
	})
	return dialogue.Unavailable("complete_flow", err)
}

func (ds *DatabaseStore) List(ctx context.Context, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := ds.db.QueryContext(ctx, ds.db.Rebind(`
		SELECT c.id, c.user_id, c.updated_at_ms,
			(SELECT COUNT(*) FROM conversation_turns t WHERE t.conversation_id = c.id)
		FROM conversations c
		ORDER BY c.updated_at_ms DESC
		LIMIT $1
	`), limit)
	if err != nil {
		return nil, dialogue.Unavailable("list", errors.Wrap(err, "failed to list conversations"))
	}
	defer rows.Close()
	var out []Summary
	for rows.Next() {
		var (
			s  Summary
			ms int64
		)
		if err := rows.Scan(&s.ID, &s.UserID, &ms, &s.Turns); err != nil {
			return nil, dialogue.Unavailable("list", errors.Wrap(err, "failed to scan conversation"))
		}
		s.UpdatedAt = fromMillis(ms)
		out = append(out, s)
	}
	return out, dialogue.Unavailable("list", rows.Err())
}

// Ping checks that the database still answers.
func (ds *DatabaseStore) Ping(ctx context.Context) error {
	return dialogue.Unavailable("ping", ds.db.HealthCheck(ctx))
}

func (ds *DatabaseStore) Close() error {
	return ds.db.Close()
}

// withTx ensures the conversation row exists, bumps updated_at and runs fn in
// the same transaction.
func (ds *DatabaseStore) withTx(ctx context.Context, id, userID string, fn func(tx *sql.Tx) error) error {
	tx, err := ds.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	ts := now().UnixMilli()
	_, err = tx.ExecContext(ctx, ds.db.Rebind(`
		INSERT INTO conversations (id, user_id, slots_json, flow_seq, flow_done, created_at_ms, updated_at_ms)
		VALUES ($1, $2, '{}', 1, $3, $4, $5)
		ON CONFLICT (id)
		DO UPDATE SET
			user_id = CASE WHEN conversations.user_id = '' THEN EXCLUDED.user_id ELSE conversations.user_id END,
			updated_at_ms = EXCLUDED.updated_at_ms
	`), id, userID, false, ts, ts)
	if err != nil {
		_ = tx.Rollback()
		return errors.Wrap(err, "failed to save conversation")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "failed to commit")
}

func (ds *DatabaseStore) nextSeq(ctx context.Context, tx *sql.Tx, table, id string) (int, error) {
	var seq int
	err := tx.QueryRowContext(ctx, ds.db.Rebind(`SELECT COALESCE(MAX(seq), 0) FROM `+table+` WHERE conversation_id = $1`), id).Scan(&seq)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to get next %s seq", table)
	}
	return seq + 1, nil
}

func (ds *DatabaseStore) writeSlots(ctx context.Context, tx *sql.Tx, id string, slots dialogue.SlotSet) error {
	b, err := json.Marshal(slots)
	if err != nil {
		return errors.Wrap(err, "failed to encode slots")
	}
	_, err = tx.ExecContext(ctx, ds.db.Rebind(`UPDATE conversations SET slots_json = $2 WHERE id = $1`), id, string(b))
	return errors.Wrap(err, "failed to save slots")
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
