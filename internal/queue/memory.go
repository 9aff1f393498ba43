package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/medrex/opd-queue/pkg/types"
)

// HistoryAppender receives the history record of a completed visit
type HistoryAppender interface {
	CreateHistory(ctx context.Context, record *types.HistoryRecord) error
}

type dayKey struct {
	doctorID string
	date     string
}

// MemoryRepository keeps tokens in process. One mutex serializes number
// reservation and the single In-Progress rule.
type MemoryRepository struct {
	mu       sync.Mutex
	tokens   map[string]*types.Token
	counters map[dayKey]int
	history  HistoryAppender
}

// NewMemoryRepository creates an empty token store that appends completed
// visits to history.
func NewMemoryRepository(history HistoryAppender) *MemoryRepository {
	return &MemoryRepository{
		tokens:   make(map[string]*types.Token),
		counters: make(map[dayKey]int),
		history:  history,
	}
}

func (m *MemoryRepository) IssueToken(ctx context.Context, token *types.Token, limit int) (*types.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := dayKey{token.DoctorID, token.Date}
	if m.counters[key] >= limit {
		return nil, limitReached(token.DoctorID, token.Date, limit)
	}
	m.counters[key]++

	stored := *token
	stored.TokenNumber = m.counters[key]
	m.tokens[stored.ID] = &stored
	return copyToken(&stored), nil
}

func (m *MemoryRepository) GetToken(ctx context.Context, id string) (*types.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tokens[id]
	if !ok {
		return nil, tokenNotFound(id)
	}
	return copyToken(t), nil
}

func (m *MemoryRepository) ListTokens(ctx context.Context, filters *types.TokenFilters) ([]*types.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []*types.Token{}
	for _, t := range m.tokens {
		if filters.DoctorID != "" && t.DoctorID != filters.DoctorID {
			continue
		}
		if filters.PatientID != "" && t.PatientID != filters.PatientID {
			continue
		}
		if filters.Date != "" && t.Date != filters.Date {
			continue
		}
		if filters.Status != "" && t.Status.Normalize() != filters.Status.Normalize() {
			continue
		}
		out = append(out, copyToken(t))
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		if a.DoctorID != b.DoctorID {
			return a.DoctorID < b.DoctorID
		}
		return a.TokenNumber < b.TokenNumber
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(out) {
			return []*types.Token{}, nil
		}
		out = out[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(out) {
		out = out[:filters.Limit]
	}
	return out, nil
}

func (m *MemoryRepository) GetInProgress(ctx context.Context, doctorID string) (*types.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t := m.inProgress(doctorID); t != nil {
		return copyToken(t), nil
	}
	return nil, nil
}

func (m *MemoryRepository) ClaimNext(ctx context.Context, doctorID, date string, startedAt time.Time) (*types.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if busy := m.inProgress(doctorID); busy != nil {
		return nil, visitInProgress(doctorID, busy.ID)
	}

	var next *types.Token
	for _, t := range m.tokens {
		if t.DoctorID != doctorID || t.Date != date || t.Status.Normalize() != types.TokenStatusPending {
			continue
		}
		if next == nil || t.TokenNumber < next.TokenNumber {
			next = t
		}
	}
	if next == nil {
		return nil, nil
	}

	next.Status = types.TokenStatusInProgress
	next.StartedAt = &startedAt
	return copyToken(next), nil
}

func (m *MemoryRepository) StartToken(ctx context.Context, id string, startedAt time.Time) (*types.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tokens[id]
	if !ok {
		return nil, tokenNotFound(id)
	}
	if !t.Status.CanTransitionTo(types.TokenStatusInProgress) {
		return nil, invalidTransition(t.Status, types.TokenStatusInProgress)
	}
	if busy := m.inProgress(t.DoctorID); busy != nil {
		return nil, visitInProgress(t.DoctorID, busy.ID)
	}

	t.Status = types.TokenStatusInProgress
	t.StartedAt = &startedAt
	return copyToken(t), nil
}

func (m *MemoryRepository) CompleteToken(ctx context.Context, id string, finishedAt time.Time, record *types.HistoryRecord) (*types.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.finishable(id, types.TokenStatusCompleted)
	if err != nil {
		return nil, err
	}
	// history goes first so a failed append leaves the token untouched
	if m.history != nil {
		if err := m.history.CreateHistory(ctx, record); err != nil {
			return nil, err
		}
	}

	t.Status = types.TokenStatusCompleted
	t.FinishedAt = &finishedAt
	return copyToken(t), nil
}

func (m *MemoryRepository) SkipToken(ctx context.Context, id string, finishedAt time.Time) (*types.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.finishable(id, types.TokenStatusSkipped)
	if err != nil {
		return nil, err
	}

	t.Status = types.TokenStatusSkipped
	t.FinishedAt = &finishedAt
	return copyToken(t), nil
}

func (m *MemoryRepository) finishable(id string, next types.TokenStatus) (*types.Token, error) {
	t, ok := m.tokens[id]
	if !ok {
		return nil, tokenNotFound(id)
	}
	if !t.Status.CanTransitionTo(next) {
		return nil, invalidTransition(t.Status, next)
	}
	return t, nil
}

func (m *MemoryRepository) inProgress(doctorID string) *types.Token {
	for _, t := range m.tokens {
		if t.DoctorID == doctorID && t.Status == types.TokenStatusInProgress {
			return t
		}
	}
	return nil
}

func copyToken(t *types.Token) *types.Token {
	c := *t
	if t.StartedAt != nil {
		s := *t.StartedAt
		c.StartedAt = &s
	}
	if t.FinishedAt != nil {
		f := *t.FinishedAt
		c.FinishedAt = &f
	}
	return &c
}
