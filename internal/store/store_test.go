package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"predix-agent-backend/internal/db"
	"predix-agent-backend/internal/dialogue"
)

func TestMemoryStore(t *testing.T) {
	testStoreContract(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestFileStore(t *testing.T) {
	testStoreContract(t, func(t *testing.T) Store {
		s, err := NewFileStore(filepath.Join(t.TempDir(), "conv", "conversations.bolt"))
		require.NoError(t, err)
		return s
	})
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "conversations.bolt")

	s, err := NewFileStore(path)
	require.NoError(t, err)
	_, err = s.AppendTurn(ctx, "c1", "u1", dialogue.ActorUser, "hello")
	require.NoError(t, err)
	_, err = s.PatchSlots(ctx, "c1", dialogue.SlotSet{Amount: dialogue.Ptr(2.0)})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = NewFileStore(path)
	require.NoError(t, err)
	defer s.Close()
	c, err := s.Load(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, c.Turns, 1)
	assert.Equal(t, "u1", c.UserID)
	assert.Equal(t, 2.0, *c.Slots.Amount)
}

func TestSQLiteStore(t *testing.T) {
	testStoreContract(t, func(t *testing.T) Store {
		database, err := db.New(db.SQLite, filepath.Join(t.TempDir(), "conversations.db"))
		require.NoError(t, err)
		require.NoError(t, database.RunMigrations(context.Background()))
		// Running twice must be a no-op
		require.NoError(t, database.RunMigrations(context.Background()))
		return NewDatabaseStore(database)
	})
}

func TestDatabaseStorePing(t *testing.T) {
	database, err := db.New(db.SQLite, filepath.Join(t.TempDir(), "conversations.db"))
	require.NoError(t, err)
	var st Store = NewDatabaseStore(database)

	p, ok := st.(Pinger)
	require.True(t, ok)
	assert.NoError(t, p.Ping(context.Background()))

	require.NoError(t, st.Close())
	err = p.Ping(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, dialogue.ErrStoreUnavailable))

	_, ok = Store(NewMemoryStore()).(Pinger)
	assert.False(t, ok)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_URL")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_URL not set")
	}
	testStoreContract(t, func(t *testing.T) Store {
		database, err := db.New(db.Postgres, dsn)
		require.NoError(t, err)
		require.NoError(t, database.RunMigrations(context.Background()))
		_, err = database.Exec("TRUNCATE conversations CASCADE")
		require.NoError(t, err)
		return NewDatabaseStore(database)
	})
}

func TestRebind(t *testing.T) {
	sqlite := &db.DB{Driver: db.SQLite}
	assert.Equal(t, "SELECT * FROM t WHERE a = ? AND b = ?", sqlite.Rebind("SELECT * FROM t WHERE a = $1 AND b = $12"))
	pg := &db.DB{Driver: db.Postgres}
	assert.Equal(t, "SELECT $1", pg.Rebind("SELECT $1"))
}

func TestMemoryStoreCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewMemoryStore().AppendTurn(ctx, "c1", "u1", dialogue.ActorUser, "hi")
	require.Error(t, err)
	assert.True(t, errors.Is(err, dialogue.ErrStoreUnavailable))
}

func testStoreContract(t *testing.T, open func(t *testing.T) Store) {
	t.Run("load unknown returns fresh conversation", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		c, err := s.Load(context.Background(), "missing")
		require.NoError(t, err)
		assert.Equal(t, "missing", c.ID)
		assert.Empty(t, c.Turns)
		assert.Empty(t, c.Invocations)
		assert.True(t, c.Slots.IsZero())
		assert.Equal(t, dialogue.Flow{Seq: 1}, c.Flow)
	})

	t.Run("turns keep append order", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		ctx := context.Background()
		contents := []string{"Find Tottenham matches", "Here are the matches", "I pick fixture 12345", "Pick an outcome"}
		for i, text := range contents {
			actor := dialogue.ActorUser
			if i%2 == 1 {
				actor = dialogue.ActorAssistant
			}
			turn, err := s.AppendTurn(ctx, "c1", "u1", actor, text)
			require.NoError(t, err)
			assert.Equal(t, i+1, turn.Seq)
		}
		c, err := s.Load(ctx, "c1")
		require.NoError(t, err)
		require.Len(t, c.Turns, len(contents))
		for i, turn := range c.Turns {
			assert.Equal(t, contents[i], turn.Content)
			assert.Equal(t, dialogue.KindText, turn.Kind)
		}
		assert.Equal(t, dialogue.ActorAssistant, c.Turns[3].Actor)
		assert.Equal(t, "u1", c.UserID)
	})

	t.Run("patch slots merges monotonically", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		ctx := context.Background()
		_, err := s.PatchSlots(ctx, "c1", dialogue.SlotSet{FixtureID: dialogue.Ptr(int64(12345)), HomeTeam: dialogue.Ptr("Tottenham")})
		require.NoError(t, err)
		merged, err := s.PatchSlots(ctx, "c1", dialogue.SlotSet{SelectedType: dialogue.Ptr(dialogue.SelectionWin)})
		require.NoError(t, err)
		assert.Equal(t, int64(12345), *merged.FixtureID)
		assert.Equal(t, dialogue.SelectionWin, *merged.SelectedType)

		c, err := s.Load(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, "Tottenham", *c.Slots.HomeTeam)
		assert.Equal(t, dialogue.SelectionWin, *c.Slots.SelectedType)
	})

	t.Run("tool invocations are recorded in order", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		ctx := context.Background()
		_, err := s.AppendTurn(ctx, "c1", "u1", dialogue.ActorUser, "Find Tottenham matches")
		require.NoError(t, err)
		for _, id := range []string{"call-1", "call-2"} {
			require.NoError(t, s.RecordToolInvocation(ctx, "c1", dialogue.ToolInvocation{
				CallID:   id,
				TurnSeq:  1,
				FlowSeq:  1,
				Tool:     "search_fixture",
				Args:     json.RawMessage(`{"kind":"team","query":"Tottenham"}`),
				Status:   dialogue.StatusSuccess,
				Artifact: json.RawMessage(`{"fixtures":[]}`),
				Message:  "Found 0 matches",
			}))
		}
		require.NoError(t, s.RecordToolInvocation(ctx, "c1", dialogue.ToolInvocation{
			CallID: "call-3", TurnSeq: 1, FlowSeq: 1, Tool: "present_options", Status: dialogue.StatusFailure, Message: "oops",
		}))

		c, err := s.Load(ctx, "c1")
		require.NoError(t, err)
		require.Len(t, c.Invocations, 3)
		assert.Equal(t, "call-1", c.Invocations[0].CallID)
		assert.Equal(t, "call-2", c.Invocations[1].CallID)
		assert.JSONEq(t, `{"fixtures":[]}`, string(c.Invocations[1].Artifact))
		assert.JSONEq(t, `{"kind":"team","query":"Tottenham"}`, string(c.Invocations[0].Args))
		assert.Equal(t, dialogue.StatusFailure, c.Invocations[2].Status)
		assert.Empty(t, c.Invocations[2].Artifact)

		latest, ok := c.LatestSuccess()
		require.True(t, ok)
		assert.Equal(t, "call-2", latest.CallID)
	})

	t.Run("flows reset slots", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		ctx := context.Background()
		_, err := s.PatchSlots(ctx, "c1", dialogue.SlotSet{Amount: dialogue.Ptr(0.5), Currency: dialogue.Ptr("SOL")})
		require.NoError(t, err)
		require.NoError(t, s.CompleteFlow(ctx, "c1"))

		c, err := s.Load(ctx, "c1")
		require.NoError(t, err)
		assert.True(t, c.Flow.Done)
		assert.NotNil(t, c.Slots.Amount)

		flow, err := s.StartFlow(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, dialogue.Flow{Seq: 2}, flow)

		c, err = s.Load(ctx, "c1")
		require.NoError(t, err)
		assert.True(t, c.Slots.IsZero())
		assert.Equal(t, dialogue.Flow{Seq: 2}, c.Flow)
	})

	t.Run("loaded conversations are isolated copies", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		ctx := context.Background()
		_, err := s.AppendTurn(ctx, "c1", "u1", dialogue.ActorUser, "hello")
		require.NoError(t, err)

		c, err := s.Load(ctx, "c1")
		require.NoError(t, err)
		c.Turns[0].Content = "changed"

		again, err := s.Load(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, "hello", again.Turns[0].Content)
	})

	t.Run("list orders by recency", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		ctx := context.Background()
		_, err := s.AppendTurn(ctx, "old", "u1", dialogue.ActorUser, "first")
		require.NoError(t, err)
		_, err = s.AppendTurn(ctx, "new", "u2", dialogue.ActorUser, "second")
		require.NoError(t, err)
		_, err = s.AppendTurn(ctx, "new", "u2", dialogue.ActorAssistant, "reply")
		require.NoError(t, err)

		list, err := s.List(ctx, 10)
		require.NoError(t, err)
		require.Len(t, list, 2)
		byID := map[string]Summary{}
		for _, item := range list {
			byID[item.ID] = item
		}
		assert.Equal(t, 2, byID["new"].Turns)
		assert.Equal(t, "u2", byID["new"].UserID)
		assert.Equal(t, 1, byID["old"].Turns)

		limited, err := s.List(ctx, 1)
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})
}
