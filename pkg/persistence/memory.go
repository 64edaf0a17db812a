package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/thepia/flows-auth/pkg/model"
)

// MemoryStore is the volatile, process-local Store backend: a mutex-guarded
// slot for the session record and a sibling slot for the last-user hint. It
// vanishes when the process exits, matching the spec's "storage is
// configurable: per-process or per-session" durability note for the
// volatile class.
type MemoryStore struct {
	mu      sync.Mutex
	session *model.SessionRecord
	user    *model.LastUserRecord
	now     func() time.Time
}

// NewMemoryStore returns a ready-to-use MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

func (m *MemoryStore) SaveSession(_ context.Context, patch SessionPatch) (model.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var base model.SessionRecord
	if m.session != nil {
		base = *m.session
	}
	merged := applyPatch(base, patch)
	m.session = &merged
	return merged, nil
}

func (m *MemoryStore) LoadSession(_ context.Context) (*model.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return nil, nil
	}
	if m.session.Expired(m.now()) {
		m.session = nil
		return nil, nil
	}
	rec := *m.session
	return &rec, nil
}

func (m *MemoryStore) ClearSession(_ context.Context) error {
	m.mu.Lock()
	m.session = nil
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) SaveUser(_ context.Context, user model.LastUserRecord) error {
	m.mu.Lock()
	u := user
	m.user = &u
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) GetUser(_ context.Context) (*model.LastUserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.user == nil {
		return nil, nil
	}
	if m.user.Stale(m.now()) {
		m.user = nil
		return nil, nil
	}
	u := *m.user
	return &u, nil
}

func (m *MemoryStore) ClearUser(_ context.Context) error {
	m.mu.Lock()
	m.user = nil
	m.mu.Unlock()
	return nil
}

var _ Store = (*MemoryStore)(nil)
