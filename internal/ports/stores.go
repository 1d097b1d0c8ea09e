package ports

import (
	"context"
	"time"

	"github.com/training/sandbox-orchestrator/internal/domain"
)

// CatalogStore is the persisted Exercise map (§4.B). Append/update/delete only.
type CatalogStore interface {
	Insert(ctx context.Context, ex *domain.Exercise) error
	Update(ctx context.Context, ex *domain.Exercise) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*domain.Exercise, error)
	List(ctx context.Context) ([]*domain.Exercise, error)
}

// ContainerRegistry is the authoritative table of live containers (§4.D).
type ContainerRegistry interface {
	// LockSubject returns an unlock function for a per-subject critical
	// section, used to make launch policy-check-then-insert atomic (§5).
	LockSubject(subjectID string) (unlock func())
	Insert(ctx context.Context, rec *domain.ContainerRecord) error
	SetStatus(ctx context.Context, containerID string, status domain.ContainerStatus) error
	TouchLastActivity(ctx context.Context, containerID string, at time.Time) error
	GetByID(ctx context.Context, containerID string) (*domain.ContainerRecord, error)
	GetBySubdomainRunning(ctx context.Context, subdomain string) (*domain.ContainerRecord, error)
	GetBySubdomainAnyStatus(ctx context.Context, subdomain string) (*domain.ContainerRecord, error)
	ListRunningBySubject(ctx context.Context, subjectID string) ([]*domain.ContainerRecord, error)
	CountRunningBySubject(ctx context.Context, subjectID string) (int, error)
	GetBySubjectExerciseRunning(ctx context.Context, subjectID, exerciseID string) (*domain.ContainerRecord, error)
	ListAll(ctx context.Context) ([]*domain.ContainerRecord, error)
	PurgeStoppedOlderThan(ctx context.Context, age time.Duration) (int, error)
}

// ActivityTracker is the process-local subdomain -> last-touched map (§4.F).
type ActivityTracker interface {
	Touch(subdomain string, at time.Time)
	LastActivity(subdomain string) (time.Time, bool)
	Evict(subdomain string)
	Seed(subdomain string, at time.Time)
}

// EventJournal is the append-only audit log (§4.H).
type EventJournal interface {
	Append(ctx context.Context, ev domain.Event) error
	Page(ctx context.Context, offset, limit int) ([]domain.Event, error)
}

// ProgressStore is the (subject, exercise) collaborator contract (§6.3, §4.I).
type ProgressStore interface {
	RecordAttempt(ctx context.Context, subjectID, exerciseID string) error
	RecordCompletion(ctx context.Context, subjectID, exerciseID string, at time.Time) error
	Get(ctx context.Context, subjectID, exerciseID string) (*domain.Progress, error)
	ListForSubject(ctx context.Context, subjectID string) ([]*domain.Progress, error)
}
