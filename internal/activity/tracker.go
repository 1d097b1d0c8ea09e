// Package activity implements the Activity Tracker (§4.F): a process-local
// map of subdomain -> last-touched timestamp, updated by the Proxy and
// consulted by Lifecycle Manager watchers. It is in-memory only and is
// reseeded from the Registry on restart (§3).
package activity

import (
	"sync"
	"time"
)

const shardCount = 32

// Tracker is a sharded, per-key-atomic subdomain -> timestamp map. Sharding
// keeps the Proxy's hot Touch path from contending with watcher reads
// across unrelated subdomains.
type Tracker struct {
	shards [shardCount]shard
}

type shard struct {
	mu   sync.Mutex
	data map[string]time.Time
}

// New creates an empty Tracker.
func New() *Tracker {
	t := &Tracker{}
	for i := range t.shards {
		t.shards[i].data = make(map[string]time.Time)
	}
	return t
}

func (t *Tracker) shardFor(subdomain string) *shard {
	var h uint32
	for i := 0; i < len(subdomain); i++ {
		h = h*31 + uint32(subdomain[i])
	}
	return &t.shards[h%shardCount]
}

// Touch records at as the last-touched time for subdomain. Last-writer-
// wins (§5): the latest call's value is stored as given, even when it is
// earlier than the stored time; timestamps are not kept monotonic.
func (t *Tracker) Touch(subdomain string, at time.Time) {
	sh := t.shardFor(subdomain)
	sh.mu.Lock()
	sh.data[subdomain] = at
	sh.mu.Unlock()
}

// Seed installs an initial last-activity time, used to recreate entries
// from the Registry on restart.
func (t *Tracker) Seed(subdomain string, at time.Time) {
	t.Touch(subdomain, at)
}

// LastActivity returns the last-touched time for subdomain, if any.
func (t *Tracker) LastActivity(subdomain string) (time.Time, bool) {
	sh := t.shardFor(subdomain)
	sh.mu.Lock()
	v, ok := sh.data[subdomain]
	sh.mu.Unlock()
	return v, ok
}

// Evict removes a subdomain's entry, called once its container reaches Terminal.
func (t *Tracker) Evict(subdomain string) {
	sh := t.shardFor(subdomain)
	sh.mu.Lock()
	delete(sh.data, subdomain)
	sh.mu.Unlock()
}
