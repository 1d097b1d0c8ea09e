// Package catalog implements the Catalog Store port (§4.B): a persisted
// map of exercise id -> Exercise, append/update/delete only. Persistence
// follows the embedded key-value pattern used for the platform's other
// small stores (one bbolt bucket per store, JSON-encoded values).
package catalog

import (
	"context"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/training/sandbox-orchestrator/internal/domain"
)

var bucketExercises = []byte("exercises")

// Store is a bbolt-backed CatalogStore.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the catalog database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketExercises)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: init bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) put(ex *domain.Exercise) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(ex)
		if err != nil {
			return fmt.Errorf("catalog: marshal exercise %s: %w", ex.ID, err)
		}
		return tx.Bucket(bucketExercises).Put([]byte(ex.ID), data)
	})
}

// Insert adds a new Exercise row.
func (s *Store) Insert(_ context.Context, ex *domain.Exercise) error {
	return s.put(ex)
}

// Update rewrites an existing Exercise row. Image tag is caller-immutable
// by convention (§3); this store does not enforce that.
func (s *Store) Update(_ context.Context, ex *domain.Exercise) error {
	return s.put(ex)
}

// Delete removes an Exercise row.
func (s *Store) Delete(_ context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketExercises).Delete([]byte(id))
	})
}

// Get fetches one Exercise by id.
func (s *Store) Get(_ context.Context, id string) (*domain.Exercise, error) {
	var ex domain.Exercise
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketExercises).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("catalog: exercise %s: %w", id, domain.ErrUnknownExercise)
		}
		return json.Unmarshal(data, &ex)
	})
	if err != nil {
		return nil, err
	}
	return &ex, nil
}

// List returns all Exercise rows.
func (s *Store) List(_ context.Context) ([]*domain.Exercise, error) {
	var out []*domain.Exercise
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketExercises).ForEach(func(_, v []byte) error {
			ex := &domain.Exercise{}
			if err := json.Unmarshal(v, ex); err != nil {
				return err
			}
			out = append(out, ex)
			return nil
		})
	})
	return out, err
}
