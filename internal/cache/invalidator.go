// Package cache coordinates keyed invalidation of the in-process caches.
// Writes collect invalidation keys during their transaction; after a
// successful commit the keys are broadcast to every registered listener.
// In this single-node core the broadcast is in-process; multi-instance
// deployments layer an external channel on the same Listener contract.
package cache

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Subject names the cached view a key invalidates.
type Subject string

const (
	SubjectOrgTree     Subject = "org_tree"
	SubjectEntityGraph Subject = "entity_graph"
)

// OnCallSubject keys the on-call cache of one scope.
func OnCallSubject(scopeType string, scopeID int64) Subject {
	return Subject(fmt.Sprintf("oncall:%s:%d", scopeType, scopeID))
}

// MembershipSubject keys the membership cache of one group.
func MembershipSubject(groupID int64) Subject {
	return Subject(fmt.Sprintf("membership:%d", groupID))
}

// Key is one invalidation unit.
type Key struct {
	TenantID int64
	Subject  Subject
}

// Listener consumes invalidation keys after commit.
type Listener interface {
	Invalidated(key Key)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(key Key)

func (f ListenerFunc) Invalidated(key Key) { f(key) }

// Invalidator fans committed invalidation keys out to listeners.
type Invalidator struct {
	mu        sync.RWMutex
	listeners []Listener
}

// New creates an empty Invalidator.
func New() *Invalidator {
	return &Invalidator{}
}

// Subscribe registers a listener for all future broadcasts.
func (inv *Invalidator) Subscribe(l Listener) {
	inv.mu.Lock()
	inv.listeners = append(inv.listeners, l)
	inv.mu.Unlock()
}

// Broadcast delivers keys to every listener, deduplicating within the
// batch. Call only after the producing transaction committed.
func (inv *Invalidator) Broadcast(keys ...Key) {
	if len(keys) == 0 {
		return
	}
	seen := make(map[Key]bool, len(keys))
	inv.mu.RLock()
	listeners := inv.listeners
	inv.mu.RUnlock()
	for _, k := range keys {
		if seen[k] {
			continue
		}
		seen[k] = true
		log.Debug().Int64("tenant", k.TenantID).Str("subject", string(k.Subject)).Msg("cache invalidation")
		for _, l := range listeners {
			l.Invalidated(k)
		}
	}
}

// Batch accumulates keys during a transaction for a single post-commit
// broadcast. It is not safe for concurrent use; each request owns its own.
type Batch struct {
	keys []Key
}

// Add queues a key.
func (b *Batch) Add(tenantID int64, subject Subject) {
	b.keys = append(b.keys, Key{TenantID: tenantID, Subject: subject})
}

// Empty reports whether the batch holds no keys.
func (b *Batch) Empty() bool { return len(b.keys) == 0 }

// Flush broadcasts the queued keys and clears the batch.
func (b *Batch) Flush(inv *Invalidator) {
	inv.Broadcast(b.keys...)
	b.keys = nil
}
