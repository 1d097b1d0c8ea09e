package builder

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/training/sandbox-orchestrator/internal/domain"
	"github.com/training/sandbox-orchestrator/internal/ports"
)

type fakeRuntime struct {
	tagBuilt string
	fail     bool
}

func (f *fakeRuntime) EnsureNetwork(ctx context.Context, name string) error { return nil }

func (f *fakeRuntime) BuildImage(ctx context.Context, r io.Reader, tag string) (<-chan ports.BuildProgress, error) {
	f.tagBuilt = tag
	io.Copy(io.Discard, r) // drain the tar stream like the real daemon would
	out := make(chan ports.BuildProgress, 1)
	if f.fail {
		out <- ports.BuildProgress{Error: "Dockerfile parse error"}
	} else {
		out <- ports.BuildProgress{Stream: "Successfully built abc123"}
	}
	close(out)
	return out, nil
}

func (f *fakeRuntime) CreateAndStart(ctx context.Context, spec ports.LaunchSpec) (string, string, error) {
	return "", "", nil
}
func (f *fakeRuntime) StopAndRemove(ctx context.Context, id string) error { return nil }
func (f *fakeRuntime) Inspect(ctx context.Context, id string) (ports.InspectResult, error) {
	return ports.InspectResult{}, nil
}
func (f *fakeRuntime) ListByLabel(ctx context.Context, label, value string, all bool) ([]ports.RuntimeContainer, error) {
	return nil, nil
}
func (f *fakeRuntime) Prune(ctx context.Context) (ports.PruneResult, error) {
	return ports.PruneResult{}, nil
}

type fakeCatalog struct {
	inserted *domain.Exercise
}

func (f *fakeCatalog) Insert(ctx context.Context, ex *domain.Exercise) error {
	f.inserted = ex
	return nil
}
func (f *fakeCatalog) Update(ctx context.Context, ex *domain.Exercise) error { return nil }
func (f *fakeCatalog) Delete(ctx context.Context, id string) error          { return nil }
func (f *fakeCatalog) Get(ctx context.Context, id string) (*domain.Exercise, error) {
	return nil, nil
}
func (f *fakeCatalog) List(ctx context.Context) ([]*domain.Exercise, error) { return nil, nil }

type fakeJournal struct {
	events []domain.Event
}

func (f *fakeJournal) Append(ctx context.Context, ev domain.Event) error {
	f.events = append(f.events, ev)
	return nil
}
func (f *fakeJournal) Page(ctx context.Context, offset, limit int) ([]domain.Event, error) {
	return nil, nil
}

func buildTarBundle(t *testing.T, files map[string]string) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0644,
			Size: int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf
}

func TestBuildFromArchiveSuccess(t *testing.T) {
	bundle := buildTarBundle(t, map[string]string{
		"Dockerfile":    "FROM alpine\n",
		"metadata.json": `{"title":"SQL Injection 101","description":"learn sqli","level":"Beginner"}`,
	})

	rt := &fakeRuntime{}
	cat := &fakeCatalog{}
	jour := &fakeJournal{}
	b := New(rt, cat, jour)

	res, err := b.BuildFromArchive(context.Background(), bundle, "bundle.tar", t.TempDir()+"/upload.tar", "admin1")
	require.NoError(t, err)
	require.Equal(t, "training/sql-injection-101:latest", res.Exercise.ImageTag)
	require.Equal(t, domain.LevelBeginner, res.Exercise.Level)
	require.Equal(t, "training/sql-injection-101:latest", rt.tagBuilt)
	require.Equal(t, res.Exercise, cat.inserted)
	require.Len(t, jour.events, 1)
	require.Equal(t, domain.EventImageBuilt, jour.events[0].Kind)
	require.Equal(t, "admin1", jour.events[0].SubjectID)
}

func TestBuildFromArchiveMissingDockerfile(t *testing.T) {
	bundle := buildTarBundle(t, map[string]string{
		"metadata.json": `{"title":"X","description":"d","level":"beginner"}`,
	})

	b := New(&fakeRuntime{}, &fakeCatalog{}, &fakeJournal{})
	_, err := b.BuildFromArchive(context.Background(), bundle, "bundle.tar", t.TempDir()+"/upload.tar", "admin1")
	require.ErrorIs(t, err, domain.ErrInvalidBundle)
}

func TestBuildFromArchiveBadLevelIsRejectedCaseInsensitively(t *testing.T) {
	for _, level := range []string{"Beginner", "BEGINNER", "beginner"} {
		bundle := buildTarBundle(t, map[string]string{
			"Dockerfile":    "FROM alpine\n",
			"metadata.json": `{"title":"X","description":"d","level":"` + level + `"}`,
		})
		b := New(&fakeRuntime{}, &fakeCatalog{}, &fakeJournal{})
		_, err := b.BuildFromArchive(context.Background(), bundle, "bundle.tar", t.TempDir()+"/upload.tar", "admin1")
		require.NoError(t, err, "level %q must be accepted", level)
	}

	bundle := buildTarBundle(t, map[string]string{
		"Dockerfile":    "FROM alpine\n",
		"metadata.json": `{"title":"X","description":"d","level":"expert"}`,
	})
	b := New(&fakeRuntime{}, &fakeCatalog{}, &fakeJournal{})
	_, err := b.BuildFromArchive(context.Background(), bundle, "bundle.tar", t.TempDir()+"/upload.tar", "admin1")
	require.ErrorIs(t, err, domain.ErrInvalidBundle)
}

func TestBuildFromArchiveBuildFailure(t *testing.T) {
	bundle := buildTarBundle(t, map[string]string{
		"Dockerfile":    "FROM alpine\n",
		"metadata.json": `{"title":"X","description":"d","level":"beginner"}`,
	})

	rt := &fakeRuntime{fail: true}
	b := New(rt, &fakeCatalog{}, &fakeJournal{})
	_, err := b.BuildFromArchive(context.Background(), bundle, "bundle.tar", t.TempDir()+"/upload.tar", "admin1")
	require.ErrorIs(t, err, domain.ErrBuildFailed)
}

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"SQL Injection 101":  "sql-injection-101",
		"  leading  spaces":  "leading-spaces",
		"Tabs\tand\nnewlines": "tabs-and-newlines",
	}
	for in, want := range cases {
		require.Equal(t, want, slugify(in))
	}
}
