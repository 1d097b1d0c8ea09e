// Package registry implements the Container Registry port (§4.D): the
// authoritative table of live containers, keyed by container id, with
// secondary lookups by subdomain and by (subject, exercise, status).
//
// Records are persisted in bbolt (durable across restarts) and mirrored in
// an in-memory map for the hot read paths (Proxy lookups, policy checks).
// A single mutex guards both; it is held only for the map/transaction
// operation itself, never across I/O to other components, so the Proxy's
// hot path never blocks on anything but this store.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/training/sandbox-orchestrator/internal/domain"
)

var bucketContainers = []byte("containers")

// Store is a bbolt-backed, in-memory-indexed ContainerRegistry.
type Store struct {
	db *bolt.DB

	mu      sync.RWMutex
	records map[string]*domain.ContainerRecord // container id -> record

	subjLocksMu sync.Mutex
	subjLocks   map[string]*sync.Mutex
}

// Open opens (creating if absent) the registry database and loads its
// existing records into the in-memory index.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("registry: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketContainers)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: init bucket: %w", err)
	}

	s := &Store{
		db:        db,
		records:   make(map[string]*domain.ContainerRecord),
		subjLocks: make(map[string]*sync.Mutex),
	}
	if err := s.load(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContainers).ForEach(func(_, v []byte) error {
			rec := &domain.ContainerRecord{}
			if err := json.Unmarshal(v, rec); err != nil {
				return err
			}
			s.records[rec.ContainerID] = rec
			return nil
		})
	})
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) persist(rec *domain.ContainerRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("registry: marshal %s: %w", rec.ContainerID, err)
		}
		return tx.Bucket(bucketContainers).Put([]byte(rec.ContainerID), data)
	})
}

// LockSubject returns an unlock function for a per-subject critical
// section. Lifecycle Manager holds this across its policy-check-then-insert
// sequence so two concurrent launches for the same (subject, exercise)
// cannot both observe "no running record" (§5, I2).
func (s *Store) LockSubject(subjectID string) (unlock func()) {
	s.subjLocksMu.Lock()
	m, ok := s.subjLocks[subjectID]
	if !ok {
		m = &sync.Mutex{}
		s.subjLocks[subjectID] = m
	}
	s.subjLocksMu.Unlock()

	m.Lock()
	return m.Unlock
}

// Insert adds a new ContainerRecord.
func (s *Store) Insert(_ context.Context, rec *domain.ContainerRecord) error {
	clone := *rec
	if err := s.persist(&clone); err != nil {
		return err
	}
	s.mu.Lock()
	s.records[rec.ContainerID] = &clone
	s.mu.Unlock()
	return nil
}

// SetStatus transitions a record's status. Monotonicity (I5) is enforced
// here: a record that ever left "running" cannot re-enter it, and a
// "completed" record cannot be downgraded to "stopped".
func (s *Store) SetStatus(_ context.Context, containerID string, status domain.ContainerStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[containerID]
	if !ok {
		return fmt.Errorf("registry: set_status %s: %w", containerID, domain.ErrNotFound)
	}
	if status == domain.StatusRunning && rec.Status != domain.StatusRunning {
		return fmt.Errorf("registry: %s: cannot re-enter running (I5)", containerID)
	}
	if rec.Status == domain.StatusCompleted && status == domain.StatusStopped {
		// Monotone per §9 Open Question resolution: completed is terminal.
		return nil
	}
	rec.Status = status
	return s.persist(rec)
}

// TouchLastActivity updates a record's last_activity timestamp. This is a
// fallback path; the Activity Tracker is authoritative while a process is
// running (§4.F), this keeps the Registry consistent for restart recovery.
func (s *Store) TouchLastActivity(_ context.Context, containerID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[containerID]
	if !ok {
		return fmt.Errorf("registry: touch %s: %w", containerID, domain.ErrNotFound)
	}
	rec.LastActivity = at
	return s.persist(rec)
}

// GetByID fetches a record regardless of status.
func (s *Store) GetByID(_ context.Context, containerID string) (*domain.ContainerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[containerID]
	if !ok {
		return nil, fmt.Errorf("registry: get %s: %w", containerID, domain.ErrNotFound)
	}
	clone := *rec
	return &clone, nil
}

// GetBySubdomainRunning returns the running record for a subdomain, or
// ErrNotFound. Reads by subdomain MUST observe status=running only: once a
// record leaves running, lookups return not-found regardless of grace
// periods (P4).
func (s *Store) GetBySubdomainRunning(_ context.Context, subdomain string) (*domain.ContainerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.records {
		if rec.Subdomain == subdomain && rec.Status == domain.StatusRunning {
			clone := *rec
			return &clone, nil
		}
	}
	return nil, fmt.Errorf("registry: subdomain %s: %w", subdomain, domain.ErrNotFound)
}

// GetBySubdomainAnyStatus returns a record for a subdomain in any status,
// used by the completion callback which must find terminal records too.
func (s *Store) GetBySubdomainAnyStatus(_ context.Context, subdomain string) (*domain.ContainerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.records {
		if rec.Subdomain == subdomain {
			clone := *rec
			return &clone, nil
		}
	}
	return nil, fmt.Errorf("registry: subdomain %s: %w", subdomain, domain.ErrNotFound)
}

// ListRunningBySubject lists a subject's running records.
func (s *Store) ListRunningBySubject(_ context.Context, subjectID string) ([]*domain.ContainerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.ContainerRecord
	for _, rec := range s.records {
		if rec.SubjectID == subjectID && rec.Status == domain.StatusRunning {
			clone := *rec
			out = append(out, &clone)
		}
	}
	return out, nil
}

// CountRunningBySubject counts a subject's running records (I3).
func (s *Store) CountRunningBySubject(ctx context.Context, subjectID string) (int, error) {
	recs, err := s.ListRunningBySubject(ctx, subjectID)
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

// GetBySubjectExerciseRunning returns the running record for (subject,
// exercise), used to enforce I2, or ErrNotFound.
func (s *Store) GetBySubjectExerciseRunning(_ context.Context, subjectID, exerciseID string) (*domain.ContainerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.records {
		if rec.SubjectID == subjectID && rec.ExerciseID == exerciseID && rec.Status == domain.StatusRunning {
			clone := *rec
			return &clone, nil
		}
	}
	return nil, fmt.Errorf("registry: subject=%s exercise=%s: %w", subjectID, exerciseID, domain.ErrNotFound)
}

// ListAll returns every record, used by the reconciler.
func (s *Store) ListAll(_ context.Context) ([]*domain.ContainerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.ContainerRecord, 0, len(s.records))
	for _, rec := range s.records {
		clone := *rec
		out = append(out, &clone)
	}
	return out, nil
}

// PurgeStoppedOlderThan deletes terminal records older than age (§4.E).
func (s *Store) PurgeStoppedOlderThan(_ context.Context, age time.Duration) (int, error) {
	cutoff := time.Now().Add(-age)

	s.mu.Lock()
	defer s.mu.Unlock()

	var toDelete []string
	for id, rec := range s.records {
		terminal := rec.Status == domain.StatusStopped || rec.Status == domain.StatusCompleted
		if terminal && rec.CreatedAt.Before(cutoff) {
			toDelete = append(toDelete, id)
		}
	}

	for _, id := range toDelete {
		if err := s.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketContainers).Delete([]byte(id))
		}); err != nil {
			return 0, fmt.Errorf("registry: purge %s: %w", id, err)
		}
		delete(s.records, id)
	}
	return len(toDelete), nil
}
