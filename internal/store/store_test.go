package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"ghostclick/internal/locator"
	"ghostclick/internal/model"
)

func backends(t *testing.T) map[string]KV {
	t.Helper()
	local, err := NewLocalStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { local.Close() })
	return map[string]KV{
		"memory": NewMemoryKV(),
		"sqlite": local,
	}
}

func TestKV_Contract(t *testing.T) {
	ctx := context.Background()
	for name, kv := range backends(t) {
		t.Run(name, func(t *testing.T) {
			var out []string
			ok, err := kv.Get(ctx, "k", &out)
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, kv.Set(ctx, "k", []string{"a", "b"}))
			ok, err = kv.Get(ctx, "k", &out)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, []string{"a", "b"}, out)

			require.NoError(t, kv.Set(ctx, "k", []string{"c"}))
			out = nil
			_, err = kv.Get(ctx, "k", &out)
			require.NoError(t, err)
			assert.Equal(t, []string{"c"}, out)

			require.NoError(t, kv.Remove(ctx, "k"))
			ok, err = kv.Get(ctx, "k", &out)
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, kv.Remove(ctx, "never-set"))
		})
	}
}

func TestLocalStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "ghostclick.db")

	s, err := NewLocalStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, RecordingStateKey, model.RecordingState{IsRecording: true, SessionID: "s1"}))
	require.NoError(t, s.Set(ctx, MacrosKey, []model.Macro{}))
	require.NoError(t, s.Close())

	s, err = NewLocalStore(path)
	require.NoError(t, err)
	defer s.Close()

	var st model.RecordingState
	ok, err := s.Get(ctx, RecordingStateKey, &st)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "s1", st.SessionID)

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{MacrosKey, RecordingStateKey}, keys)
}

func TestLocalStore_MigratesVersionOneDatabase(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "old.db")

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE kv (key TEXT PRIMARY KEY, value TEXT NOT NULL, updated_at DATETIME DEFAULT CURRENT_TIMESTAMP)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO kv (key, value) VALUES (?, ?)`, MacrosKey, `[{"id":"m1","name":"Old","steps":[]}]`)
	require.NoError(t, err)
	assert.Equal(t, 1, SchemaVersion(ctx, db))
	require.NoError(t, db.Close())

	s, err := NewLocalStore(path)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, CurrentSchemaVersion, SchemaVersion(ctx, s.db))
	assert.True(t, columnExists(ctx, s.db, "kv", "created_at"))

	var macros []model.Macro
	ok, err := s.Get(ctx, MacrosKey, &macros)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, macros, 1)
	assert.Equal(t, "Old", macros[0].Name)

	require.NoError(t, s.Set(ctx, MacrosKey, []model.Macro{}))
	var created sql.NullString
	require.NoError(t, s.db.QueryRow(`SELECT created_at FROM kv WHERE key = ?`, MacrosKey).Scan(&created))
	assert.False(t, created.Valid, "rows written before the migration keep a NULL created_at")

	require.NoError(t, RunMigrations(ctx, s.db, nil), "migrating twice is a no-op")
}

func step(id string, typ model.StepType, xpath string) model.Step {
	return model.Step{ID: id, Name: id, Type: typ, Target: locator.Locator{XPath: xpath}}
}

func TestRecordingStateRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewRecordingStateRepository(NewMemoryKV(), zaptest.NewLogger(t))

	st, err := repo.Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, st)

	err = repo.AppendStep(ctx, step("x", model.StepClick, "a"))
	assert.ErrorIs(t, err, ErrNoRecording)

	require.NoError(t, repo.Save(ctx, model.RecordingState{
		IsRecording: true, SessionID: "s1", InitialURL: "https://example.com", TabID: "t1",
	}))
	recording, err := repo.IsRecording(ctx)
	require.NoError(t, err)
	assert.True(t, recording)

	require.NoError(t, repo.AppendStep(ctx, step("1", model.StepClick, "a")))
	require.NoError(t, repo.AppendStep(ctx, step("2", model.StepInput, "b")))

	updated, err := repo.Update(ctx, func(s *model.RecordingState) { s.InitialURL = "https://other.org" })
	require.NoError(t, err)
	assert.Equal(t, "s1", updated.SessionID)
	assert.Len(t, updated.MacroSteps, 2)

	st, err = repo.Get(ctx)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, model.StateVersion, st.Version)
	assert.Equal(t, "https://other.org", st.InitialURL)
	assert.Equal(t, []string{"1", "2"}, []string{st.MacroSteps[0].ID, st.MacroSteps[1].ID})

	require.NoError(t, repo.Clear(ctx))
	recording, err = repo.IsRecording(ctx)
	require.NoError(t, err)
	assert.False(t, recording)
}

func TestPlaybackStateRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewPlaybackStateRepository(NewMemoryKV(), zaptest.NewLogger(t))

	playing, err := repo.IsPlaying(ctx)
	require.NoError(t, err)
	assert.False(t, playing)

	require.NoError(t, repo.Save(ctx, model.PlaybackState{IsPlaying: true, MacroID: "m1"}))
	st, err := repo.Update(ctx, func(s *model.PlaybackState) { s.IsPaused = true })
	require.NoError(t, err)
	assert.True(t, st.IsPlaying)
	assert.True(t, st.IsPaused)
	assert.Equal(t, "m1", st.MacroID)

	got, err := repo.Get(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, *got, st)

	require.NoError(t, repo.Clear(ctx))
	got, err = repo.Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}

type brokenKV struct{ *MemoryKV }

var errDisk = errors.New("disk full")

func (*brokenKV) Set(context.Context, string, any) error { return errDisk }

func TestRepositories_PropagateStoreErrors(t *testing.T) {
	ctx := context.Background()
	kv := &brokenKV{MemoryKV: NewMemoryKV()}

	rec := NewRecordingStateRepository(kv, nil)
	assert.ErrorIs(t, rec.Save(ctx, model.RecordingState{}), errDisk)

	pb := NewPlaybackStateRepository(kv, nil)
	_, err := pb.Update(ctx, func(*model.PlaybackState) {})
	assert.ErrorIs(t, err, errDisk)

	macros := NewMacroRepository(kv, nil)
	_, err = macros.Save(ctx, model.Macro{ID: "m"})
	assert.ErrorIs(t, err, errDisk)
}

func newMacroRepo(t *testing.T, opts ...MacroOption) *MacroRepository {
	t.Helper()
	clock := time.UnixMilli(5000)
	opts = append([]MacroOption{WithClock(func() time.Time { return clock })}, opts...)
	return NewMacroRepository(NewMemoryKV(), zaptest.NewLogger(t), opts...)
}

func TestMacroRepository_SaveUpsert(t *testing.T) {
	ctx := context.Background()
	var saved []string
	repo := newMacroRepo(t, OnSave(func(m model.Macro) { saved = append(saved, m.ID) }))

	_, err := repo.Save(ctx, model.Macro{ID: "a", Name: "A", CreatedAt: 1, UpdatedAt: 1})
	require.NoError(t, err)
	_, err = repo.Save(ctx, model.Macro{ID: "b", Name: "B", CreatedAt: 2, UpdatedAt: 2})
	require.NoError(t, err)

	m, err := repo.Save(ctx, model.Macro{
		ID: "a", Name: "A", CreatedAt: 99, UpdatedAt: 10,
		Steps: []model.Step{step("s", model.StepClick, "x")},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, m.CreatedAt)
	assert.EqualValues(t, 10, m.UpdatedAt)

	all, err := repo.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].ID)
	assert.Len(t, all[0].Steps, 1)
	assert.Equal(t, []string{"a", "b", "a"}, saved)
}

func TestMacroRepository_Queries(t *testing.T) {
	ctx := context.Background()
	repo := newMacroRepo(t)
	for _, m := range []model.Macro{
		{ID: "1", Name: "Login", Domain: "example.com"},
		{ID: "2", Name: "Search", Domain: "example.com"},
		{ID: "3", Name: "Checkout", Domain: "shop.io"},
	} {
		_, err := repo.Save(ctx, m)
		require.NoError(t, err)
	}

	byDomain, err := repo.ByDomain(ctx, "example.com")
	require.NoError(t, err)
	assert.Len(t, byDomain, 2)

	m, err := repo.FindByID(ctx, "3")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "Checkout", m.Name)

	m, err = repo.FindByID(ctx, "404")
	require.NoError(t, err)
	assert.Nil(t, m)

	m, err = repo.FindByName(ctx, "Search")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "2", m.ID)

	unique, err := repo.IsNameUnique(ctx, "Login")
	require.NoError(t, err)
	assert.False(t, unique)
	unique, err = repo.IsNameUnique(ctx, "Logout")
	require.NoError(t, err)
	assert.True(t, unique)

	require.NoError(t, repo.ClearAll(ctx))
	all, err := repo.All(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestMacroRepository_DeleteKeepsSameDomainSibling(t *testing.T) {
	ctx := context.Background()
	var deleted []string
	repo := newMacroRepo(t, OnDelete(func(id string) { deleted = append(deleted, id) }))

	for _, m := range []model.Macro{
		{ID: "first", Domain: "example.com", UpdatedAt: 1},
		{ID: "second", Domain: "example.com", UpdatedAt: 2},
		{ID: "third", Domain: "example.com", UpdatedAt: 3},
	} {
		_, err := repo.Save(ctx, m)
		require.NoError(t, err)
	}

	ok, err := repo.Delete(ctx, "second")
	require.NoError(t, err)
	assert.True(t, ok)

	all, err := repo.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "first", all[0].ID)
	assert.Equal(t, "third", all[1].ID)
	assert.EqualValues(t, 1, all[0].UpdatedAt)
	assert.EqualValues(t, 3, all[1].UpdatedAt)

	ok, err = repo.Delete(ctx, "second")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []string{"second"}, deleted)
}

func TestMacroRepository_Rename(t *testing.T) {
	ctx := context.Background()
	repo := newMacroRepo(t)
	_, err := repo.Save(ctx, model.Macro{ID: "a", Name: "Alpha", CreatedAt: 1})
	require.NoError(t, err)
	_, err = repo.Save(ctx, model.Macro{ID: "b", Name: "Beta", CreatedAt: 1})
	require.NoError(t, err)

	m, err := repo.Rename(ctx, "a", "  Gamma  ")
	require.NoError(t, err)
	assert.Equal(t, "Gamma", m.Name)
	assert.EqualValues(t, 1, m.CreatedAt)
	assert.EqualValues(t, 5000, m.UpdatedAt)

	_, err = repo.Rename(ctx, "a", "   ")
	assert.ErrorIs(t, err, ErrEmptyName)
	_, err = repo.Rename(ctx, "a", "Beta")
	assert.ErrorIs(t, err, ErrNameTaken)
	_, err = repo.Rename(ctx, "zzz", "Delta")
	assert.ErrorIs(t, err, ErrMacroNotFound)

	// Renaming to its own name is allowed.
	_, err = repo.Rename(ctx, "b", "Beta")
	assert.NoError(t, err)
}

func TestMacroRepository_UpdateStep(t *testing.T) {
	ctx := context.Background()
	repo := newMacroRepo(t)
	_, err := repo.Save(ctx, model.Macro{ID: "m", CreatedAt: 1, Steps: []model.Step{
		step("s1", model.StepClick, "a"),
		step("s2", model.StepInput, "b"),
		step("s3", model.StepKeypress, "c"),
	}})
	require.NoError(t, err)

	m, err := repo.UpdateStep(ctx, "m", "s2", func(s *model.Step) {
		s.Delay = 1500
		s.RetryCount = 3
		s.ID = "ignored"
		s.Name = "A very long replacement step name indeed"
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2", "s3"}, []string{m.Steps[0].ID, m.Steps[1].ID, m.Steps[2].ID})
	assert.EqualValues(t, 1500, m.Steps[1].Delay)
	assert.Equal(t, 3, m.Steps[1].RetryCount)
	assert.Len(t, []rune(m.Steps[1].Name), model.MaxNameLength)
	assert.EqualValues(t, 1, m.CreatedAt)

	_, err = repo.UpdateStep(ctx, "m", "nope", func(*model.Step) {})
	assert.ErrorIs(t, err, ErrStepNotFound)
}
