package iam

import (
	"context"
	"sync"
	"time"

	"github.com/medrex/opd-queue/pkg/types"
)

// MemorySessionStore keeps live sessions in process memory. Sessions do not
// survive a restart; clients log in again.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*types.Session
	now      func() time.Time
}

// NewMemorySessionStore creates an empty session store
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]*types.Session),
		now:      time.Now,
	}
}

// Save stores session under its id
func (s *MemorySessionStore) Save(ctx context.Context, session *types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *session
	s.sessions[session.ID] = &cp
	return nil
}

// Get returns a live session. Expired sessions are evicted and reported as
// not found.
func (s *MemorySessionStore) Get(ctx context.Context, id string) (*types.Session, error) {
	s.mu.RLock()
	session, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, types.NewNotFoundError(types.ErrCodeNotFound, "session not found")
	}

	if session.Expired(s.now()) {
		s.Delete(ctx, id)
		return nil, types.NewNotFoundError(types.ErrCodeNotFound, "session expired")
	}

	cp := *session
	return &cp, nil
}

// Delete removes a session; deleting an unknown id is a no-op
func (s *MemorySessionStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// PurgeExpired drops every expired session and returns their ids
func (s *MemorySessionStore) PurgeExpired() []string {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for id, session := range s.sessions {
		if session.Expired(now) {
			delete(s.sessions, id)
			removed = append(removed, id)
		}
	}
	return removed
}
