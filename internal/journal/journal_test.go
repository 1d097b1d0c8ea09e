package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/training/sandbox-orchestrator/internal/domain"
)

func TestAppendAndPageNewestFirst(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer j.Close()

	ctx := context.Background()
	for i, kind := range []domain.EventKind{
		domain.EventContainerCreated,
		domain.EventContainerStopped,
		domain.EventExerciseCompleted,
	} {
		require.NoError(t, j.Append(ctx, domain.Event{
			Kind:      kind,
			TargetID:  "c1",
			Timestamp: time.Now().Add(time.Duration(i) * time.Second),
		}))
	}

	page, err := j.Page(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, page, 3)
	require.Equal(t, domain.EventExerciseCompleted, page[0].Kind, "newest first")
	require.Equal(t, domain.EventContainerCreated, page[2].Kind)
}

func TestPageRespectsMaxPageSize(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer j.Close()

	ctx := context.Background()
	require.NoError(t, j.Append(ctx, domain.Event{Kind: domain.EventContainerCreated}))

	page, err := j.Page(ctx, 0, 1_000_000)
	require.NoError(t, err)
	require.LessOrEqual(t, len(page), MaxPageSize)
}
