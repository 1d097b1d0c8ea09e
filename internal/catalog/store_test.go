package catalog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/training/sandbox-orchestrator/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ex := &domain.Exercise{
		ID:        "sql-injection-101",
		Name:      "SQL Injection 101",
		Version:   "latest",
		Level:     domain.LevelBeginner,
		ImageTag:  "training/sql-injection-101:latest",
		CreatedAt: time.Now(),
	}
	require.NoError(t, s.Insert(ctx, ex))

	got, err := s.Get(ctx, ex.ID)
	require.NoError(t, err)
	require.Equal(t, ex.ImageTag, got.ImageTag)
}

func TestGetMissingIsUnknownExercise(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "does-not-exist")
	require.Error(t, err)
	require.True(t, errors.Is(err, domain.ErrUnknownExercise))
}

func TestUpdateAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ex := &domain.Exercise{ID: "e1", ImageTag: "training/e1:latest"}
	require.NoError(t, s.Insert(ctx, ex))

	ex.Description = "updated"
	require.NoError(t, s.Update(ctx, ex))

	got, err := s.Get(ctx, "e1")
	require.NoError(t, err)
	require.Equal(t, "updated", got.Description)

	require.NoError(t, s.Delete(ctx, "e1"))
	_, err = s.Get(ctx, "e1")
	require.True(t, errors.Is(err, domain.ErrUnknownExercise))
}

func TestList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, &domain.Exercise{ID: "a"}))
	require.NoError(t, s.Insert(ctx, &domain.Exercise{ID: "b"}))

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
}
