package lifecycle

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/training/sandbox-orchestrator/internal/activity"
	"github.com/training/sandbox-orchestrator/internal/config"
	"github.com/training/sandbox-orchestrator/internal/domain"
	"github.com/training/sandbox-orchestrator/internal/journal"
	"github.com/training/sandbox-orchestrator/internal/ports"
	"github.com/training/sandbox-orchestrator/internal/progress"
	"github.com/training/sandbox-orchestrator/internal/registry"
)

// fakeRuntime is an in-memory stand-in for the Docker-backed Runtime Client,
// tracking created containers by the labels the Lifecycle Manager assigns.
type fakeRuntime struct {
	mu         sync.Mutex
	containers map[string]ports.RuntimeContainer
	nextID     atomic.Int64
	refuse     bool
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{containers: make(map[string]ports.RuntimeContainer)}
}

func (f *fakeRuntime) EnsureNetwork(context.Context, string) error { return nil }

func (f *fakeRuntime) BuildImage(context.Context, io.Reader, string) (<-chan ports.BuildProgress, error) {
	return nil, nil
}

func (f *fakeRuntime) CreateAndStart(_ context.Context, spec ports.LaunchSpec) (string, string, error) {
	if f.refuse {
		return "", "", fmt.Errorf("runtime refused")
	}
	id := fmt.Sprintf("c%d", f.nextID.Add(1))
	f.mu.Lock()
	f.containers[id] = ports.RuntimeContainer{ID: id, Labels: spec.Labels, Running: true}
	f.mu.Unlock()
	return id, "30000", nil
}

func (f *fakeRuntime) StopAndRemove(_ context.Context, id string) error {
	f.mu.Lock()
	delete(f.containers, id)
	f.mu.Unlock()
	return nil
}

func (f *fakeRuntime) Inspect(_ context.Context, id string) (ports.InspectResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return ports.InspectResult{}, domain.ErrNotFound
	}
	return ports.InspectResult{Running: c.Running, HostPort: "30000"}, nil
}

func (f *fakeRuntime) ListByLabel(_ context.Context, label, value string, _ bool) ([]ports.RuntimeContainer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ports.RuntimeContainer
	for _, c := range f.containers {
		if v, ok := c.Labels[label]; ok && (value == "" || v == value) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeRuntime) Prune(context.Context) (ports.PruneResult, error) {
	return ports.PruneResult{}, nil
}

func (f *fakeRuntime) removeOutOfBand(id string) {
	f.mu.Lock()
	delete(f.containers, id)
	f.mu.Unlock()
}

// fakeCatalog serves a fixed in-memory exercise map.
type fakeCatalog struct {
	exercises map[string]*domain.Exercise
}

func newFakeCatalog(exercises ...*domain.Exercise) *fakeCatalog {
	m := make(map[string]*domain.Exercise)
	for _, ex := range exercises {
		m[ex.ID] = ex
	}
	return &fakeCatalog{exercises: m}
}

func (f *fakeCatalog) Insert(context.Context, *domain.Exercise) error { return nil }
func (f *fakeCatalog) Update(context.Context, *domain.Exercise) error { return nil }
func (f *fakeCatalog) Delete(context.Context, string) error           { return nil }
func (f *fakeCatalog) Get(_ context.Context, id string) (*domain.Exercise, error) {
	ex, ok := f.exercises[id]
	if !ok {
		return nil, domain.ErrUnknownExercise
	}
	return ex, nil
}
func (f *fakeCatalog) List(context.Context) ([]*domain.Exercise, error) { return nil, nil }

func testSetup(t *testing.T, cfg config.Config, rt *fakeRuntime, cat *fakeCatalog) *Manager {
	t.Helper()
	reg, err := registry.Open(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	p, err := progress.Open(filepath.Join(t.TempDir(), "progress.db"))
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	act := activity.New()

	return New(cfg, rt, cat, reg, act, j, p)
}

func baseConfig() config.Config {
	return config.Config{
		MaxPerUser:        3,
		IdleLimit:         time.Hour,
		LifetimeLimit:     time.Hour,
		CheckInterval:     time.Hour,
		ReconcileInterval: time.Hour,
		StoppedRetention:  24 * time.Hour,
		NetworkName:       "training_network",
		CallbackBaseURL:   "http://host.docker.internal:3000",
	}
}

func exercise(id string) *domain.Exercise {
	return &domain.Exercise{ID: id, Name: "foo", ImageTag: "training/foo:latest", Level: domain.LevelBeginner}
}

func TestLaunchSingleSuccess(t *testing.T) {
	rt := newFakeRuntime()
	cat := newFakeCatalog(exercise("E"))
	m := testSetup(t, baseConfig(), rt, cat)

	rec, err := m.Launch(context.Background(), domain.Subject{ID: "u1"}, "E")
	require.NoError(t, err)
	require.Equal(t, domain.StatusRunning, rec.Status)
	require.NotEmpty(t, rec.Subdomain)

	running, err := m.registry.ListRunningBySubject(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, running, 1)

	containers, err := rt.ListByLabel(context.Background(), LabelSubject, "u1", true)
	require.NoError(t, err)
	require.Len(t, containers, 1)
	require.Equal(t, "E", containers[0].Labels[LabelExercise])
}

func TestLaunchAlreadyRunningEchoesSubdomain(t *testing.T) {
	rt := newFakeRuntime()
	cat := newFakeCatalog(exercise("E"))
	m := testSetup(t, baseConfig(), rt, cat)

	first, err := m.Launch(context.Background(), domain.Subject{ID: "u1"}, "E")
	require.NoError(t, err)

	_, err = m.Launch(context.Background(), domain.Subject{ID: "u1"}, "E")
	var already *domain.AlreadyRunningErr
	require.ErrorAs(t, err, &already)
	require.Equal(t, first.Subdomain, already.Subdomain)

	running, err := m.registry.ListRunningBySubject(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, running, 1)
}

func TestLaunchQuotaExceeded(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxPerUser = 2
	rt := newFakeRuntime()
	cat := newFakeCatalog(exercise("E1"), exercise("E2"), exercise("E3"))
	m := testSetup(t, cfg, rt, cat)

	_, err := m.Launch(context.Background(), domain.Subject{ID: "u1"}, "E1")
	require.NoError(t, err)
	_, err = m.Launch(context.Background(), domain.Subject{ID: "u1"}, "E2")
	require.NoError(t, err)

	before := len(rt.containers)

	_, err = m.Launch(context.Background(), domain.Subject{ID: "u1"}, "E3")
	require.ErrorIs(t, err, domain.ErrQuotaExceeded)
	require.Len(t, rt.containers, before)
}

func TestLaunchUnknownExercise(t *testing.T) {
	rt := newFakeRuntime()
	cat := newFakeCatalog()
	m := testSetup(t, baseConfig(), rt, cat)

	_, err := m.Launch(context.Background(), domain.Subject{ID: "u1"}, "missing")
	require.ErrorIs(t, err, domain.ErrUnknownExercise)
}

func TestWatcherReapsIdleContainer(t *testing.T) {
	cfg := baseConfig()
	cfg.IdleLimit = 20 * time.Millisecond
	cfg.LifetimeLimit = time.Hour
	cfg.CheckInterval = 10 * time.Millisecond

	rt := newFakeRuntime()
	cat := newFakeCatalog(exercise("E"))
	m := testSetup(t, cfg, rt, cat)

	rec, err := m.Launch(context.Background(), domain.Subject{ID: "u1"}, "E")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := m.registry.GetByID(context.Background(), rec.ContainerID)
		return err == nil && got.Status == domain.StatusStopped
	}, time.Second, 5*time.Millisecond)

	_, err = m.registry.GetBySubdomainRunning(context.Background(), rec.Subdomain)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCompletionThenAdminStopStaysCompleted(t *testing.T) {
	rt := newFakeRuntime()
	cat := newFakeCatalog(exercise("E"))
	m := testSetup(t, baseConfig(), rt, cat)

	rec, err := m.Launch(context.Background(), domain.Subject{ID: "u1"}, "E")
	require.NoError(t, err)

	require.NoError(t, m.Complete(context.Background(), rec.Subdomain, map[string]any{"score": 1}))

	got, err := m.registry.GetByID(context.Background(), rec.ContainerID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, got.Status)

	require.NoError(t, m.StopByAdmin(context.Background(), rec.ContainerID))

	got, err = m.registry.GetByID(context.Background(), rec.ContainerID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, got.Status)

	_, stillRunning := rt.containers[rec.ContainerID]
	require.False(t, stillRunning)
}

func TestCompletionIsIdempotent(t *testing.T) {
	rt := newFakeRuntime()
	cat := newFakeCatalog(exercise("E"))
	m := testSetup(t, baseConfig(), rt, cat)

	rec, err := m.Launch(context.Background(), domain.Subject{ID: "u1"}, "E")
	require.NoError(t, err)

	require.NoError(t, m.Complete(context.Background(), rec.Subdomain, nil))
	require.NoError(t, m.Complete(context.Background(), rec.Subdomain, nil))

	got, err := m.registry.GetByID(context.Background(), rec.ContainerID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, got.Status)

	p, err := m.progress.Get(context.Background(), "u1", "E")
	require.NoError(t, err)
	require.Equal(t, domain.ProgressCompleted, p.Status)
}

func TestReconcileRemovesOrphanRuntimeContainer(t *testing.T) {
	rt := newFakeRuntime()
	cat := newFakeCatalog()
	m := testSetup(t, baseConfig(), rt, cat)

	rt.mu.Lock()
	rt.containers["orphan1"] = ports.RuntimeContainer{
		ID:      "orphan1",
		Labels:  map[string]string{LabelSubdomain: "x", LabelSubject: "u9", LabelExercise: "E"},
		Running: true,
	}
	rt.mu.Unlock()

	require.NoError(t, m.Reconcile(context.Background()))

	_, stillThere := rt.containers["orphan1"]
	require.False(t, stillThere)
}

func TestReconcileMarksMissingRuntimeContainerStopped(t *testing.T) {
	rt := newFakeRuntime()
	cat := newFakeCatalog(exercise("E"))
	m := testSetup(t, baseConfig(), rt, cat)

	rec, err := m.Launch(context.Background(), domain.Subject{ID: "u1"}, "E")
	require.NoError(t, err)

	rt.removeOutOfBand(rec.ContainerID)

	require.NoError(t, m.Reconcile(context.Background()))

	got, err := m.registry.GetByID(context.Background(), rec.ContainerID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusStopped, got.Status)
}

func TestReconcileIsIdempotent(t *testing.T) {
	rt := newFakeRuntime()
	cat := newFakeCatalog(exercise("E"))
	m := testSetup(t, baseConfig(), rt, cat)

	_, err := m.Launch(context.Background(), domain.Subject{ID: "u1"}, "E")
	require.NoError(t, err)

	require.NoError(t, m.Reconcile(context.Background()))
	before := len(rt.containers)
	require.NoError(t, m.Reconcile(context.Background()))
	require.Equal(t, before, len(rt.containers))
}
