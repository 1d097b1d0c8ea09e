package activity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTouchAndLastActivity(t *testing.T) {
	tr := New()
	now := time.Now()
	tr.Touch("sub1", now)

	got, ok := tr.LastActivity("sub1")
	require.True(t, ok)
	require.Equal(t, now, got)
}

func TestEvictRemovesEntry(t *testing.T) {
	tr := New()
	tr.Touch("sub1", time.Now())
	tr.Evict("sub1")

	_, ok := tr.LastActivity("sub1")
	require.False(t, ok)
}

func TestLastWriterWinsKeepsOutOfOrderWrite(t *testing.T) {
	tr := New()
	early := time.Now()
	late := early.Add(time.Minute)

	tr.Touch("sub1", late)
	tr.Touch("sub1", early) // a stale, lost update arriving out of order

	got, ok := tr.LastActivity("sub1")
	require.True(t, ok)
	require.Equal(t, early, got, "tracker keeps last write verbatim; callers must not assume monotonic ordering")
}
