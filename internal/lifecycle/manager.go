// Package lifecycle implements the Lifecycle Manager (§4.E): launch
// policy, the container state machine, per-container idle/absolute-
// lifetime watchers, and periodic reconciliation between the Registry and
// the Runtime.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/training/sandbox-orchestrator/internal/config"
	"github.com/training/sandbox-orchestrator/internal/domain"
	"github.com/training/sandbox-orchestrator/internal/logging"
	"github.com/training/sandbox-orchestrator/internal/ports"
)

const containerPort = "8080"

// Label keys cross-checked between the Registry and the Runtime (§4.A).
const (
	LabelSubdomain = "training.subdomain"
	LabelSubject   = "training.subject"
	LabelExercise  = "training.exercise"
)

// Manager implements the Lifecycle Manager.
type Manager struct {
	cfg      config.Config
	runtime  ports.RuntimeClient
	catalog  ports.CatalogStore
	registry ports.ContainerRegistry
	activity ports.ActivityTracker
	journal  ports.EventJournal
	progress ports.ProgressStore
	log      zerolog.Logger

	mu       sync.Mutex
	watchers map[string]context.CancelFunc

	reconciling atomic.Bool
	shuttingDown atomic.Bool

	wg sync.WaitGroup

	bgCtx          context.Context
	stopBackground context.CancelFunc
}

// New constructs a Manager. Call Start to recover existing state and begin
// background watchers/reconciliation.
func New(
	cfg config.Config,
	runtime ports.RuntimeClient,
	catalog ports.CatalogStore,
	registry ports.ContainerRegistry,
	activity ports.ActivityTracker,
	journal ports.EventJournal,
	progress ports.ProgressStore,
) *Manager {
	return &Manager{
		cfg:      cfg,
		runtime:  runtime,
		catalog:  catalog,
		registry: registry,
		activity: activity,
		journal:  journal,
		progress: progress,
		log:      logging.WithComponent("lifecycle"),
		watchers: make(map[string]context.CancelFunc),
	}
}

// Start recovers watchers for every running Registry record (best-effort,
// non-durable restart recovery per §1) and begins the periodic reconciler.
func (m *Manager) Start(ctx context.Context) error {
	bgCtx, cancel := context.WithCancel(context.Background())
	m.bgCtx = bgCtx
	m.stopBackground = cancel

	recs, err := m.registry.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("lifecycle: start: list registry: %w", err)
	}
	for _, rec := range recs {
		if rec.Status != domain.StatusRunning {
			continue
		}
		seed := rec.LastActivity
		if seed.IsZero() {
			seed = rec.CreatedAt
		}
		m.activity.Seed(rec.Subdomain, seed)
		m.startWatcher(bgCtx, rec.ContainerID, rec.Subdomain, rec.CreatedAt)
	}

	m.wg.Add(1)
	go m.reconcileLoop(bgCtx)

	return nil
}

// Shutdown stops accepting new launches, cancels watchers, and stops the
// reconciler. Existing containers are left running; they are recovered or
// reaped on next boot (§5).
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shuttingDown.Store(true)
	if m.stopBackground != nil {
		m.stopBackground()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return nil
}

// Launch enforces the launch policy of §4.E and, on success, creates and
// registers a new sandbox.
func (m *Manager) Launch(ctx context.Context, subject domain.Subject, exerciseID string) (*domain.ContainerRecord, error) {
	if m.shuttingDown.Load() {
		return nil, fmt.Errorf("lifecycle: launch refused during shutdown: %w", domain.ErrInternal)
	}

	unlock := m.registry.LockSubject(subject.ID)
	defer unlock()

	if existing, err := m.registry.GetBySubjectExerciseRunning(ctx, subject.ID, exerciseID); err == nil {
		return nil, &domain.AlreadyRunningErr{Subdomain: existing.Subdomain}
	}

	count, err := m.registry.CountRunningBySubject(ctx, subject.ID)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: count running: %w", err)
	}
	if count >= m.cfg.MaxPerUser {
		return nil, fmt.Errorf("lifecycle: subject %s at %d/%d: %w", subject.ID, count, m.cfg.MaxPerUser, domain.ErrQuotaExceeded)
	}

	ex, err := m.catalog.Get(ctx, exerciseID)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: %w", err)
	}

	if err := m.runtime.EnsureNetwork(ctx, m.cfg.NetworkName); err != nil {
		return nil, fmt.Errorf("lifecycle: ensure network: %w: %w", domain.ErrRuntimeUnavailable, err)
	}

	subdomain := uuid.NewString()
	name := "training-" + subdomain

	spec := ports.LaunchSpec{
		ImageTag:      ex.ImageTag,
		Name:          name,
		ContainerPort: containerPort,
		NetworkName:   m.cfg.NetworkName,
		Env: map[string]string{
			"TRAINING_SUBDOMAIN": subdomain,
			"CALLBACK_URL":       fmt.Sprintf("%s/api/containers/%s/complete", m.cfg.CallbackBaseURL, subdomain),
		},
		Labels: map[string]string{
			LabelSubdomain: subdomain,
			LabelSubject:   subject.ID,
			LabelExercise:  exerciseID,
		},
	}

	containerID, hostPort, err := m.runtime.CreateAndStart(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: create_and_start: %w: %w", domain.ErrRuntimeRefused, err)
	}
	if hostPort == "" {
		_ = m.runtime.StopAndRemove(ctx, containerID)
		return nil, fmt.Errorf("lifecycle: no host port assigned for %s: %w", containerID, domain.ErrRuntimeRefused)
	}

	now := time.Now()
	rec := &domain.ContainerRecord{
		ContainerID:  containerID,
		ExerciseID:   exerciseID,
		SubjectID:    subject.ID,
		Subdomain:    subdomain,
		Status:       domain.StatusRunning,
		HostPort:     hostPort,
		CreatedAt:    now,
		LastActivity: now,
	}
	if err := m.registry.Insert(ctx, rec); err != nil {
		// Roll back: runtime create succeeded but registry insert failed (§7).
		_ = m.runtime.StopAndRemove(ctx, containerID)
		return nil, fmt.Errorf("lifecycle: insert record: %w: %w", domain.ErrInternal, err)
	}

	_ = m.journal.Append(ctx, domain.Event{
		Kind:      domain.EventContainerCreated,
		SubjectID: subject.ID,
		TargetID:  containerID,
		Attributes: map[string]any{
			"exercise_id": exerciseID,
			"subdomain":   subdomain,
		},
		Timestamp: now,
	})

	if err := m.progress.RecordAttempt(ctx, subject.ID, exerciseID); err != nil {
		m.log.Warn().Err(err).Str("subject", subject.ID).Str("exercise", exerciseID).Msg("progress upsert failed")
	}

	m.activity.Seed(subdomain, now)

	m.startWatcher(m.bgCtx, containerID, subdomain, now)

	return rec, nil
}

// StopByUser stops a container on behalf of its owner (§6.1 user stop route).
func (m *Manager) StopByUser(ctx context.Context, subject domain.Subject, containerID string) error {
	rec, err := m.registry.GetByID(ctx, containerID)
	if err != nil {
		return fmt.Errorf("lifecycle: %w", err)
	}
	if rec.SubjectID != subject.ID {
		return fmt.Errorf("lifecycle: container %s not owned by %s: %w", containerID, subject.ID, domain.ErrForbidden)
	}
	return m.stopContainer(ctx, rec, domain.ReasonUser)
}

// StopByAdmin force-stops any container (§6.1 admin stop route).
func (m *Manager) StopByAdmin(ctx context.Context, containerID string) error {
	rec, err := m.registry.GetByID(ctx, containerID)
	if err != nil {
		return fmt.Errorf("lifecycle: %w", err)
	}
	return m.stopContainer(ctx, rec, domain.ReasonAdmin)
}

// Complete handles the in-container completion callback (§4 "Completion
// handler"). It is idempotent: repeated calls converge on the same
// terminal state (P6).
func (m *Manager) Complete(ctx context.Context, subdomain string, payload map[string]any) error {
	rec, err := m.registry.GetBySubdomainAnyStatus(ctx, subdomain)
	if err != nil {
		return fmt.Errorf("lifecycle: complete %s: %w", subdomain, domain.ErrNotFound)
	}

	if err := m.progress.RecordCompletion(ctx, rec.SubjectID, rec.ExerciseID, time.Now()); err != nil {
		m.log.Warn().Err(err).Str("subdomain", subdomain).Msg("progress completion upsert failed")
	}

	if rec.Status == domain.StatusRunning {
		if err := m.registry.SetStatus(ctx, rec.ContainerID, domain.StatusCompleted); err != nil {
			m.log.Warn().Err(err).Str("container_id", rec.ContainerID).Msg("set_status completed failed")
		}
	}

	_ = m.journal.Append(ctx, domain.Event{
		Kind:       domain.EventExerciseCompleted,
		SubjectID:  rec.SubjectID,
		TargetID:   rec.ContainerID,
		Attributes: payload,
		Timestamp:  time.Now(),
	})

	// The container is NOT auto-stopped here (§9 Open Question): the
	// watcher reaps it on idle/lifetime, or the user/admin stops it.
	return nil
}

// stopContainer runs the Stop procedure of §4.E: best-effort runtime
// teardown, then Registry update, activity eviction, and journaling,
// regardless of whether the runtime call succeeded.
func (m *Manager) stopContainer(ctx context.Context, rec *domain.ContainerRecord, reason domain.StopReason) error {
	if err := m.runtime.StopAndRemove(ctx, rec.ContainerID); err != nil {
		m.log.Warn().Err(err).Str("container_id", rec.ContainerID).Msg("stop_and_remove warning")
	}

	if err := m.registry.SetStatus(ctx, rec.ContainerID, domain.StatusStopped); err != nil {
		return fmt.Errorf("lifecycle: set_status stopped: %w", err)
	}
	m.activity.Evict(rec.Subdomain)
	m.cancelWatcher(rec.ContainerID)

	_ = m.journal.Append(ctx, domain.Event{
		Kind:      domain.EventContainerStopped,
		SubjectID: rec.SubjectID,
		TargetID:  rec.ContainerID,
		Attributes: map[string]any{
			"reason":    string(reason),
			"subdomain": rec.Subdomain,
		},
		Timestamp: time.Now(),
	})
	return nil
}

// startWatcher launches the per-container idle/lifetime watcher (§4.E
// "Watcher loop"), tracked so it can be cancelled when the container
// reaches Terminal by any other path.
func (m *Manager) startWatcher(parent context.Context, containerID, subdomain string, createdAt time.Time) {
	if parent == nil {
		// Launch before Start: no background context exists yet.
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	m.mu.Lock()
	if old, ok := m.watchers[containerID]; ok {
		old()
	}
	m.watchers[containerID] = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go m.watch(ctx, containerID, subdomain, createdAt)
}

func (m *Manager) cancelWatcher(containerID string) {
	m.mu.Lock()
	cancel, ok := m.watchers[containerID]
	if ok {
		delete(m.watchers, containerID)
	}
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

func (m *Manager) watch(ctx context.Context, containerID, subdomain string, createdAt time.Time) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reason, expired := m.checkExpiry(ctx, containerID, subdomain, createdAt)
			if !expired {
				continue
			}
			rec, err := m.registry.GetByID(ctx, containerID)
			if err != nil {
				return
			}
			if rec.Status == domain.StatusStopped {
				return
			}
			if err := m.stopContainer(ctx, rec, reason); err != nil {
				m.log.Warn().Err(err).Str("container_id", containerID).Msg("watcher stop failed")
			}
			return
		}
	}
}

func (m *Manager) checkExpiry(_ context.Context, containerID, subdomain string, createdAt time.Time) (domain.StopReason, bool) {
	now := time.Now()

	lastActivity, ok := m.activity.LastActivity(subdomain)
	if !ok {
		rec, err := m.registry.GetByID(context.Background(), containerID)
		if err == nil {
			lastActivity = rec.LastActivity
		} else {
			lastActivity = createdAt
		}
	}

	if now.Sub(lastActivity) >= m.cfg.IdleLimit {
		return domain.ReasonIdle, true
	}
	if now.Sub(createdAt) >= m.cfg.LifetimeLimit {
		return domain.ReasonLifetime, true
	}
	return "", false
}

// reconcileLoop runs Reconcile every RECONCILE_INTERVAL, skipping re-entry
// rather than queueing (§5 single-flight).
func (m *Manager) reconcileLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Reconcile(ctx); err != nil {
				m.log.Error().Err(err).Msg("reconcile failed, will retry next tick")
			}
		}
	}
}

// Reconcile aligns the Registry with the Runtime (§4.E "Reconciliation").
// It is idempotent (P7): run twice with no external change, the second run
// performs no runtime mutations.
func (m *Manager) Reconcile(ctx context.Context) error {
	if !m.reconciling.CompareAndSwap(false, true) {
		m.log.Debug().Msg("reconcile already in progress, skipping")
		return nil
	}
	defer m.reconciling.Store(false)

	runtimeContainers, err := m.runtime.ListByLabel(ctx, LabelSubdomain, "", true)
	if err != nil {
		return fmt.Errorf("lifecycle: reconcile: list_by_label: %w", err)
	}
	runtimeByID := make(map[string]ports.RuntimeContainer, len(runtimeContainers))
	for _, c := range runtimeContainers {
		runtimeByID[c.ID] = c
	}

	records, err := m.registry.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("lifecycle: reconcile: list registry: %w", err)
	}
	registryByID := make(map[string]*domain.ContainerRecord, len(records))
	for _, rec := range records {
		registryByID[rec.ContainerID] = rec
	}

	for id := range runtimeByID {
		if _, ok := registryByID[id]; !ok {
			if err := m.runtime.StopAndRemove(ctx, id); err != nil {
				m.log.Warn().Err(err).Str("container_id", id).Msg("failed to remove orphan runtime container")
				continue
			}
			_ = m.journal.Append(ctx, domain.Event{
				Kind:     domain.EventContainerStopped,
				TargetID: id,
				Attributes: map[string]any{
					"reason": string(domain.ReasonOrphan),
				},
				Timestamp: time.Now(),
			})
		}
	}

	for id, rec := range registryByID {
		if rec.Status != domain.StatusRunning {
			continue
		}
		if _, ok := runtimeByID[id]; ok {
			continue
		}
		if err := m.registry.SetStatus(ctx, id, domain.StatusStopped); err != nil {
			m.log.Warn().Err(err).Str("container_id", id).Msg("failed to mark missing container stopped")
			continue
		}
		m.activity.Evict(rec.Subdomain)
		m.cancelWatcher(id)
		_ = m.journal.Append(ctx, domain.Event{
			Kind:      domain.EventContainerStopped,
			SubjectID: rec.SubjectID,
			TargetID:  id,
			Attributes: map[string]any{
				"reason": string(domain.ReasonOrphan),
			},
			Timestamp: time.Now(),
		})
	}

	if _, err := m.registry.PurgeStoppedOlderThan(ctx, m.cfg.StoppedRetention); err != nil {
		m.log.Warn().Err(err).Msg("purge stopped records failed")
	}

	if _, err := m.runtime.Prune(ctx); err != nil {
		m.log.Warn().Err(err).Msg("runtime prune failed")
	}

	return nil
}
