// Package publish exposes operation outputs as revocable download handles.
// A Registry keeps at most one live handle per slot; publishing into a slot
// revokes its previous handle in the same critical section.
package publish

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("download handle not found")
	ErrRevoked  = errors.New("download handle revoked")
)

// Handle is a reference to an output buffer that can be downloaded any
// number of times until revoked.
type Handle struct {
	ID          string
	Slot        string
	Filename    string
	ContentType string
	Size        int
	CreatedAt   time.Time
}

type entry struct {
	handle  Handle
	data    []byte
	revoked bool
}

// Stats counts handles over the registry's lifetime.
type Stats struct {
	Live    int
	Issued  int
	Revoked int
}

type Registry struct {
	mu      sync.RWMutex
	bySlot  map[string]*entry
	byID    map[string]*entry
	tomb    map[string]string
	issued  int
	revoked int
	onClose func(Handle)
}

type Option func(*Registry)

// WithRevokeHook registers fn to run for every revoked handle.
func WithRevokeHook(fn func(Handle)) Option {
	return func(r *Registry) { r.onClose = fn }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		bySlot: make(map[string]*entry),
		byID:   make(map[string]*entry),
		tomb:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Publish takes ownership of data and returns a new handle for slot,
// revoking the slot's previous handle first.
func (r *Registry) Publish(slot, filename string, data []byte) Handle {
	e := &entry{
		handle: Handle{
			ID:          uuid.NewString(),
			Slot:        slot,
			Filename:    filename,
			ContentType: "application/pdf",
			Size:        len(data),
			CreatedAt:   time.Now(),
		},
		data: data,
	}

	r.mu.Lock()
	prev := r.revokeLocked(slot)
	r.bySlot[slot] = e
	r.byID[e.handle.ID] = e
	r.issued++
	r.mu.Unlock()

	r.notify(prev)
	return e.handle
}

// Current returns the live handle of slot.
func (r *Registry) Current(slot string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.bySlot[slot]
	if !ok {
		return Handle{}, false
	}
	return e.handle, true
}

// Open returns a reader over the handle's bytes. It does not consume the handle.
func (r *Registry) Open(id string) (Handle, io.ReadSeeker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	if !ok {
		return Handle{}, nil, ErrNotFound
	}
	if e.revoked {
		return e.handle, nil, ErrRevoked
	}
	return e.handle, bytes.NewReader(e.data), nil
}

// Revoke releases the live handle of slot, if any.
func (r *Registry) Revoke(slot string) bool {
	r.mu.Lock()
	prev := r.revokeLocked(slot)
	r.mu.Unlock()
	r.notify(prev)
	return len(prev) > 0
}

// RevokeAll releases every live handle.
func (r *Registry) RevokeAll() int {
	r.mu.Lock()
	var prev []Handle
	for slot := range r.bySlot {
		prev = append(prev, r.revokeLocked(slot)...)
	}
	r.mu.Unlock()
	r.notify(prev)
	return len(prev)
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{Live: len(r.bySlot), Issued: r.issued, Revoked: r.revoked}
}

// revokeLocked drops the slot's handle. The most recently revoked id of each
// slot stays known so a late download reports ErrRevoked, not ErrNotFound.
func (r *Registry) revokeLocked(slot string) []Handle {
	e, ok := r.bySlot[slot]
	if !ok {
		return nil
	}
	delete(r.bySlot, slot)
	if old, ok := r.tomb[slot]; ok {
		delete(r.byID, old)
	}
	r.tomb[slot] = e.handle.ID
	e.revoked = true
	e.data = nil
	r.revoked++
	return []Handle{e.handle}
}

func (r *Registry) notify(hs []Handle) {
	if r.onClose == nil {
		return
	}
	for _, h := range hs {
		r.onClose(h)
	}
}
