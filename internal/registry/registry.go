// Package registry is pure bookkeeping: the in-memory map of live
// connection handles. No I/O happens here.
package registry

import (
	"sync"
	"time"

	"github.com/openclaw/wabot-server-go/internal/model"
	"github.com/openclaw/wabot-server-go/internal/wa"
)

// Entry is one user's live connection handle plus metadata.
type Entry struct {
	UserID      string
	Socket      wa.Socket
	PhoneNumber string
	Status      model.ConnStatus
	CreatedAt   time.Time
}

type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

func New() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

func (r *Registry) Set(userID string, entry *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[userID] = entry
}

func (r *Registry) Get(userID string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[userID]
	return entry, ok
}

func (r *Registry) Remove(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, userID)
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) ListAll() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, entry)
	}
	return out
}

// SetStatus updates the live status of an existing entry. A no-op when the
// entry has already been removed.
func (r *Registry) SetStatus(userID string, status model.ConnStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[userID]; ok {
		entry.Status = status
	}
}
