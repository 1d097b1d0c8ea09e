// Package progress implements the Progress Collaborator (§4.I, §6.3): an
// upsert-only (subject, exercise) -> {status, attempts, completed_at} map.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/training/sandbox-orchestrator/internal/domain"
)

var bucketProgress = []byte("progress")

// Store is a bbolt-backed ProgressStore.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the progress database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("progress: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketProgress)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("progress: init bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func key(subjectID, exerciseID string) []byte {
	return []byte(subjectID + "\x00" + exerciseID)
}

func (s *Store) get(tx *bolt.Tx, subjectID, exerciseID string) (*domain.Progress, error) {
	data := tx.Bucket(bucketProgress).Get(key(subjectID, exerciseID))
	if data == nil {
		return &domain.Progress{
			SubjectID:  subjectID,
			ExerciseID: exerciseID,
			Status:     domain.ProgressNotStarted,
		}, nil
	}
	var p domain.Progress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) put(tx *bolt.Tx, p *domain.Progress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("progress: marshal %s/%s: %w", p.SubjectID, p.ExerciseID, err)
	}
	return tx.Bucket(bucketProgress).Put(key(p.SubjectID, p.ExerciseID), data)
}

// RecordAttempt increments attempts and sets status=in_progress, called on launch.
func (s *Store) RecordAttempt(_ context.Context, subjectID, exerciseID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		p, err := s.get(tx, subjectID, exerciseID)
		if err != nil {
			return err
		}
		p.Attempts++
		p.Status = domain.ProgressInProgress
		return s.put(tx, p)
	})
}

// RecordCompletion sets status=completed with a timestamp, called on the
// completion callback.
func (s *Store) RecordCompletion(_ context.Context, subjectID, exerciseID string, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		p, err := s.get(tx, subjectID, exerciseID)
		if err != nil {
			return err
		}
		p.Status = domain.ProgressCompleted
		p.CompletedAt = &at
		return s.put(tx, p)
	})
}

// Get fetches the row for (subject, exercise); a never-seen pair returns a
// zero-value not_started row rather than an error.
func (s *Store) Get(_ context.Context, subjectID, exerciseID string) (*domain.Progress, error) {
	var p *domain.Progress
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		p, err = s.get(tx, subjectID, exerciseID)
		return err
	})
	return p, err
}

// ListForSubject returns every progress row recorded for a subject.
func (s *Store) ListForSubject(_ context.Context, subjectID string) ([]*domain.Progress, error) {
	var out []*domain.Progress
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProgress).ForEach(func(_, v []byte) error {
			var p domain.Progress
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if p.SubjectID == subjectID {
				out = append(out, &p)
			}
			return nil
		})
	})
	return out, err
}
