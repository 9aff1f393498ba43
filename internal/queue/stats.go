package queue

import (
	"sync"
	"time"

	"github.com/medrex/opd-queue/pkg/types"
)

// StatsTracker keeps the per-session running summary of completed and
// skipped visits. Entries live until the session logs out.
type StatsTracker struct {
	mu       sync.Mutex
	sessions map[string]*types.SessionStats
	now      func() time.Time
}

// NewStatsTracker creates an empty tracker
func NewStatsTracker() *StatsTracker {
	return &StatsTracker{
		sessions: make(map[string]*types.SessionStats),
		now:      time.Now,
	}
}

func (t *StatsTracker) entry(sessionID, doctorID string) *types.SessionStats {
	s, ok := t.sessions[sessionID]
	if !ok {
		s = &types.SessionStats{SessionID: sessionID}
		t.sessions[sessionID] = s
	}
	if doctorID != "" {
		s.DoctorID = doctorID
	}
	s.UpdatedAt = t.now().UTC()
	return s
}

// RecordCompleted counts a completed visit and folds elapsed into the
// running mean handling time.
func (t *StatsTracker) RecordCompleted(sessionID, doctorID string, elapsed time.Duration) {
	if sessionID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.entry(sessionID, doctorID)
	s.Completed++
	s.AverageHandlingSeconds += (elapsed.Seconds() - s.AverageHandlingSeconds) / float64(s.Completed)
}

// RecordSkipped counts a skipped visit
func (t *StatsTracker) RecordSkipped(sessionID, doctorID string) {
	if sessionID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entry(sessionID, doctorID).Skipped++
}

// Get returns a copy of the session's stats; unknown sessions get zeros
func (t *StatsTracker) Get(sessionID string) *types.SessionStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.sessions[sessionID]; ok {
		c := *s
		return &c
	}
	return &types.SessionStats{SessionID: sessionID}
}

// Forget drops a session's stats
func (t *StatsTracker) Forget(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.sessions, sessionID)
}
