package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"easyagent-client/internal/config"
	"easyagent-client/internal/model"
)

func newSession(id, title string, updated time.Time, contents ...string) *model.Session {
	s := &model.Session{ID: id, Title: title, CreatedAt: updated, UpdatedAt: updated}
	for i, c := range contents {
		role := model.RoleUser
		if i%2 == 1 {
			role = model.RoleAssistant
		}
		s.Messages = append(s.Messages, model.Message{
			ID:        fmt.Sprintf("%s-%d", id, i),
			SessionID: id,
			Role:      role,
			Content:   c,
			Timestamp: updated,
		})
	}
	return s
}

func backends(t *testing.T) map[string]Storage {
	t.Helper()
	dir := t.TempDir()

	out := map[string]Storage{}
	for _, cfg := range []config.StorageConfig{
		{Type: "memory"},
		{Type: "disk", DataDir: filepath.Join(dir, "disk"), CacheSize: 2},
		{Type: "sqlite", DBPath: filepath.Join(dir, "db", "chat.db")},
	} {
		s, err := New(cfg)
		require.NoError(t, err, cfg.Type)
		t.Cleanup(func() { s.Close() })
		out[cfg.Type] = s
	}
	return out
}

func TestStorageContract(t *testing.T) {
	base := time.Now().Truncate(time.Millisecond)

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.GetSession("missing")
			assert.ErrorIs(t, err, ErrSessionNotFound)
			assert.ErrorIs(t, s.UpdateSession(newSession("missing", "", base)), ErrSessionNotFound)
			assert.ErrorIs(t, s.DeleteSession("missing"), ErrSessionNotFound)
			assert.ErrorIs(t, s.CreateSession(&model.Session{}), ErrInvalidData)

			older := newSession("s-1", "Books", base, "find me a book", "here is one")
			newer := newSession("s-2", "Weather", base.Add(time.Second), "weather in Paris")
			require.NoError(t, s.CreateSession(older))
			require.NoError(t, s.CreateSession(newer))

			got, err := s.GetSession("s-1")
			require.NoError(t, err)
			assert.Equal(t, "Books", got.Title)
			require.Len(t, got.Messages, 2)
			assert.Equal(t, "here is one", got.Messages[1].Content)
			assert.Equal(t, model.RoleAssistant, got.Messages[1].Role)

			list, err := s.ListSessions()
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "s-2", list[0].ID)

			found, err := s.SearchSessions("BOOK")
			require.NoError(t, err)
			require.Len(t, found, 1)
			assert.Equal(t, "s-1", found[0].ID)

			found, err = s.SearchSessions("paris")
			require.NoError(t, err)
			require.Len(t, found, 1)
			assert.Equal(t, "s-2", found[0].ID)

			require.NoError(t, s.AddMessage("s-1", &model.Message{ID: "extra", Role: model.RoleUser, Content: "thanks"}))
			msgs, err := s.GetMessages("s-1")
			require.NoError(t, err)
			require.Len(t, msgs, 3)
			assert.Equal(t, "thanks", msgs[2].Content)

			got.Title = "Renamed"
			got.UpdatedAt = base.Add(2 * time.Second)
			require.NoError(t, s.UpdateSession(got))
			renamed, err := s.GetSession("s-1")
			require.NoError(t, err)
			assert.Equal(t, "Renamed", renamed.Title)
			assert.Len(t, renamed.Messages, 2, "update replaces the whole transcript")

			require.NoError(t, s.DeleteSession("s-2"))
			_, err = s.GetSession("s-2")
			assert.ErrorIs(t, err, ErrSessionNotFound)

			if name == "memory" {
				assert.ErrorIs(t, s.Backup(), ErrBackupUnsupported)
			} else {
				require.NoError(t, s.Backup())
			}
		})
	}
}

func TestReturnedSessionsAreCopies(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.CreateSession(newSession("s-1", "t", time.Now(), "a")))

			got, err := s.GetSession("s-1")
			require.NoError(t, err)
			got.Messages[0].Content = "mutated"

			again, err := s.GetSession("s-1")
			require.NoError(t, err)
			assert.Equal(t, "a", again.Messages[0].Content)
		})
	}
}

func TestSaveCreatesThenUpdates(t *testing.T) {
	s := NewMemoryStorage()
	session := newSession("s-1", "first", time.Time{}, "q")

	require.NoError(t, Save(s, session))
	assert.False(t, session.CreatedAt.IsZero())

	session.Title = "second"
	require.NoError(t, Save(s, session))

	got, err := s.GetSession("s-1")
	require.NoError(t, err)
	assert.Equal(t, "second", got.Title)
}

func TestDiskStorageSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	first := NewDiskStorage(dir, 10)
	require.NoError(t, first.Init())
	require.NoError(t, first.CreateSession(newSession("s-1", "kept", time.Now(), "hello")))
	require.NoError(t, first.Close())

	second := NewDiskStorage(dir, 10)
	require.NoError(t, second.Init())
	got, err := second.GetSession("s-1")
	require.NoError(t, err)
	assert.Equal(t, "kept", got.Title)
	require.Len(t, got.Messages, 1)

	entries, err := os.ReadDir(filepath.Join(dir, "sessions"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotEqual(t, ".tmp", filepath.Ext(e.Name()))
	}
}

func TestDiskStorageRejectsPathLikeIDs(t *testing.T) {
	s := NewDiskStorage(t.TempDir(), 10)
	require.NoError(t, s.Init())

	assert.ErrorIs(t, s.CreateSession(&model.Session{ID: "../escape"}), ErrInvalidData)
	_, err := s.GetSession("../escape")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSQLiteSearchEscapesWildcards(t *testing.T) {
	s := NewSQLiteStorage(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, s.Init())
	defer s.Close()

	require.NoError(t, s.CreateSession(newSession("s-1", "plain", time.Now(), "nothing special")))
	require.NoError(t, s.CreateSession(newSession("s-2", "100% sure", time.Now(), "x")))

	found, err := s.SearchSessions("%")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "s-2", found[0].ID)
}

func TestNewRejectsUnknownType(t *testing.T) {
	_, err := New(config.StorageConfig{Type: "redis"})
	assert.ErrorIs(t, err, ErrStorageInit)
}
