package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-io/stepflow/pkg/flow"
)

func newFileStore(t *testing.T) (*FileDefinitionStore, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := NewFileDefinitionStore(dir, nil)
	require.NoError(t, err)
	return s, dir
}

func defNamed(id, name string) *flow.WorkflowDefinition {
	return &flow.WorkflowDefinition{
		ID:   id,
		Name: name,
		Steps: []flow.Step{
			{ID: "start", Type: flow.StepTypeDelay, DelayMs: 1},
		},
	}
}

// --- Save / Get ---

func TestFileStore_SaveAndGet(t *testing.T) {
	s, dir := newFileStore(t)
	ctx := context.Background()

	def := defNamed("deploy", "Deploy Pipeline")
	def.Tags = []string{"ci", "release"}
	require.NoError(t, s.Save(ctx, def))

	got, err := s.Get(ctx, "deploy")
	require.NoError(t, err)
	assert.Equal(t, "Deploy Pipeline", got.Name)
	assert.Equal(t, []string{"ci", "release"}, got.Tags)

	// One file per definition, named by id.
	_, err = os.Stat(filepath.Join(dir, "deploy.json"))
	assert.NoError(t, err)
}

func TestFileStore_GetNotFound(t *testing.T) {
	s, _ := newFileStore(t)

	_, err := s.Get(context.Background(), "ghost")
	require.Error(t, err)
	assert.Equal(t, flow.ErrCodeNotFound, flow.CodeOf(err))
}

func TestFileStore_SaveRejectsBadIDs(t *testing.T) {
	s, _ := newFileStore(t)
	ctx := context.Background()

	for _, id := range []string{"", "a/b", `a\b`, ".", ".."} {
		err := s.Save(ctx, defNamed(id, "bad"))
		require.Error(t, err, "id %q", id)
		assert.Equal(t, flow.ErrCodeValidation, flow.CodeOf(err), "id %q", id)
	}
	assert.Error(t, s.Save(ctx, nil))
}

func TestFileStore_SaveOverwrites(t *testing.T) {
	s, _ := newFileStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, defNamed("wf", "first")))
	require.NoError(t, s.Save(ctx, defNamed("wf", "second")))

	got, err := s.Get(ctx, "wf")
	require.NoError(t, err)
	assert.Equal(t, "second", got.Name)

	all, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestFileStore_SaveLeavesNoTempFiles(t *testing.T) {
	s, dir := newFileStore(t)
	require.NoError(t, s.Save(context.Background(), defNamed("wf", "x")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "wf.json", entries[0].Name())
}

// --- Delete ---

func TestFileStore_Delete(t *testing.T) {
	s, dir := newFileStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, defNamed("wf", "x")))
	require.NoError(t, s.Delete(ctx, "wf"))

	_, err := s.Get(ctx, "wf")
	assert.Equal(t, flow.ErrCodeNotFound, flow.CodeOf(err))

	_, err = os.Stat(filepath.Join(dir, "wf.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestFileStore_DeleteNotFound(t *testing.T) {
	s, _ := newFileStore(t)

	err := s.Delete(context.Background(), "ghost")
	require.Error(t, err)
	assert.Equal(t, flow.ErrCodeNotFound, flow.CodeOf(err))
}

// --- List / Search ---

func TestFileStore_ListSortedByID(t *testing.T) {
	s, _ := newFileStore(t)
	ctx := context.Background()

	for _, id := range []string{"charlie", "alpha", "bravo"} {
		require.NoError(t, s.Save(ctx, defNamed(id, id)))
	}

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "alpha", all[0].ID)
	assert.Equal(t, "bravo", all[1].ID)
	assert.Equal(t, "charlie", all[2].ID)
}

func TestFileStore_Search(t *testing.T) {
	s, _ := newFileStore(t)
	ctx := context.Background()

	deploy := defNamed("deploy-prod", "Production Deploy")
	deploy.Description = "ship the release"
	backup := defNamed("backup", "Nightly Backup")
	backup.Tags = []string{"storage", "cron"}
	require.NoError(t, s.Save(ctx, deploy))
	require.NoError(t, s.Save(ctx, backup))

	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{"by id", "prod", []string{"deploy-prod"}},
		{"by name case-insensitive", "NIGHTLY", []string{"backup"}},
		{"by description", "release", []string{"deploy-prod"}},
		{"by tag", "storage", []string{"backup"}},
		{"empty matches all", "", []string{"backup", "deploy-prod"}},
		{"no match", "zzz", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results, err := s.Search(ctx, tt.query)
			require.NoError(t, err)
			var ids []string
			for _, def := range results {
				ids = append(ids, def.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

// --- Load behavior ---

func TestFileStore_ReopenSeesSavedDefinitions(t *testing.T) {
	s1, dir := newFileStore(t)
	require.NoError(t, s1.Save(context.Background(), defNamed("wf", "persisted")))

	s2, err := NewFileDefinitionStore(dir, nil)
	require.NoError(t, err)

	got, err := s2.Get(context.Background(), "wf")
	require.NoError(t, err)
	assert.Equal(t, "persisted", got.Name)
}

func TestFileStore_LoadSkipsCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "no-id.json"), []byte(`{"name":"anonymous"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	good := defNamed("good", "survivor")
	s1, err := NewFileDefinitionStore(dir, nil)
	require.NoError(t, err)
	require.NoError(t, s1.Save(context.Background(), good))

	s2, err := NewFileDefinitionStore(dir, nil)
	require.NoError(t, err)

	all, err := s2.List(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "good", all[0].ID)

	// Corrupt files are skipped, never removed.
	_, err = os.Stat(filepath.Join(dir, "broken.json"))
	assert.NoError(t, err)
}
