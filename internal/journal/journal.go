// Package journal implements the Event Journal (§4.H): an append-only log
// of orchestration events. Writers never block on readers; each Append is
// a single bbolt transaction keyed by an auto-incrementing sequence so
// paged reads can walk newest-first without re-sorting.
package journal

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/training/sandbox-orchestrator/internal/domain"
)

var bucketEvents = []byte("events")

// MaxPageSize caps paged admin reads per §4.H.
const MaxPageSize = 1000

// Journal is a bbolt-backed EventJournal.
type Journal struct {
	db *bolt.DB
}

// Open opens (creating if absent) the journal database at path.
func Open(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEvents)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: init bucket: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close releases the underlying database handle.
func (j *Journal) Close() error { return j.db.Close() }

// Append records ev, assigning it the next sequence number.
func (j *Journal) Append(_ context.Context, ev domain.Event) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("journal: next sequence: %w", err)
		}
		ev.Sequence = seq

		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("journal: marshal event: %w", err)
		}
		return b.Put(seqKey(seq), data)
	})
}

// Page returns up to limit events, newest-first, skipping offset from the
// newest end. limit is clamped to MaxPageSize.
func (j *Journal) Page(_ context.Context, offset, limit int) ([]domain.Event, error) {
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}

	var out []domain.Event
	err := j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		skipped := 0
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if skipped < offset {
				skipped++
				continue
			}
			var ev domain.Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			out = append(out, ev)
			if len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}
