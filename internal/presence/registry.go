// Package presence owns the relay-wide mapping of live connections to users.
package presence

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/voxmorph/voxmorph/internal/domain"
)

type entry struct {
	rec domain.UserRecord
	seq uint64 // registration recency, monotonically increasing
}

// Registry maps ConnID to UserRecord for every currently connected user.
// Snapshots iterate in insertion order so they are reproducible; duplicate
// peerId lookups resolve by registration recency. Constructed at server
// start, emptied entry-by-entry as connections drop, never persisted.
type Registry struct {
	mu      sync.RWMutex
	entries map[domain.ConnID]*entry
	order   []domain.ConnID
	nextSeq uint64
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[domain.ConnID]*entry)}
}

// Register inserts or replaces the record for its connection. A replacement
// keeps the connection's position in snapshot order but counts as the newest
// registration for resolution. The caller is responsible for broadcasting a
// fresh snapshot afterwards.
func (r *Registry) Register(rec domain.UserRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[rec.ConnID]; !ok {
		r.order = append(r.order, rec.ConnID)
	}
	r.nextSeq++
	r.entries[rec.ConnID] = &entry{rec: rec, seq: r.nextSeq}
	log.Info().Str("module", "presence").
		Str("conn", string(rec.ConnID)).
		Str("peer", string(rec.PeerID)).
		Str("username", rec.Username).
		Msg("registered")
}

// Remove deletes the record for connID if present and reports whether a
// record was deleted. Removing an absent connection is a no-op, so
// disconnect handling stays idempotent.
func (r *Registry) Remove(connID domain.ConnID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[connID]; !ok {
		return false
	}
	delete(r.entries, connID)
	for i, id := range r.order {
		if id == connID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	log.Info().Str("module", "presence").Str("conn", string(connID)).Msg("removed")
	return true
}

// Resolve returns the connection currently registered for peerID. When the
// same peerId is live on several connections the most recent registration
// wins.
func (r *Registry) Resolve(peerID domain.PeerID) (domain.ConnID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var (
		best  domain.ConnID
		seq   uint64
		found bool
	)
	for _, id := range r.order {
		e := r.entries[id]
		if e.rec.PeerID == peerID && e.seq > seq {
			best, seq, found = e.rec.ConnID, e.seq, true
		}
	}
	return best, found
}

// Snapshot projects all live records in insertion order.
func (r *Registry) Snapshot() []domain.UserView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.UserView, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id].rec.View())
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
