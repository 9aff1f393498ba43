package history

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/medrex/opd-queue/pkg/types"
)

// MemoryRepository keeps history in process. The in-memory queue repository
// appends completed visits through CreateHistory.
type MemoryRepository struct {
	mu      sync.RWMutex
	records []*types.HistoryRecord
	byToken map[string]string
}

// NewMemoryRepository creates an empty in-process history store
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byToken: make(map[string]string)}
}

func (m *MemoryRepository) CreateHistory(ctx context.Context, record *types.HistoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if record.TokenID != "" {
		if _, ok := m.byToken[record.TokenID]; ok {
			return types.NewConflictError(types.ErrCodeConflict, "history already recorded for token", map[string]interface{}{"tokenId": record.TokenID})
		}
		m.byToken[record.TokenID] = record.ID
	}
	m.records = append(m.records, clone(record))
	return nil
}

func (m *MemoryRepository) GetHistoryByID(ctx context.Context, id string) (*types.HistoryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if i := m.indexOf(id); i >= 0 {
		return clone(m.records[i]), nil
	}
	return nil, notFound(id)
}

func (m *MemoryRepository) ListHistory(ctx context.Context, filters *types.HistoryFilters) ([]*types.HistoryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	q := strings.ToLower(filters.Query)
	out := []*types.HistoryRecord{}
	// walk backwards so equal timestamps keep newest-appended first
	for i := len(m.records) - 1; i >= 0; i-- {
		rec := m.records[i]
		if filters.PatientID != "" && rec.PatientID != filters.PatientID {
			continue
		}
		if filters.DoctorID != "" && rec.DoctorID != filters.DoctorID {
			continue
		}
		if q != "" && !strings.Contains(strings.ToLower(rec.PatientName), q) &&
			!strings.Contains(strings.ToLower(rec.DoctorName), q) &&
			!strings.Contains(strings.ToLower(rec.Complaint), q) {
			continue
		}
		out = append(out, clone(rec))
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(out) {
			return []*types.HistoryRecord{}, nil
		}
		out = out[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(out) {
		out = out[:filters.Limit]
	}
	return out, nil
}

func (m *MemoryRepository) ReplaceHistory(ctx context.Context, record *types.HistoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.indexOf(record.ID)
	if i < 0 {
		return notFound(record.ID)
	}
	m.records[i] = clone(record)
	return nil
}

func (m *MemoryRepository) DeleteHistory(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.indexOf(id)
	if i < 0 {
		return notFound(id)
	}
	if tokenID := m.records[i].TokenID; tokenID != "" {
		delete(m.byToken, tokenID)
	}
	m.records = append(m.records[:i], m.records[i+1:]...)
	return nil
}

func (m *MemoryRepository) indexOf(id string) int {
	for i, rec := range m.records {
		if rec.ID == id {
			return i
		}
	}
	return -1
}

func clone(rec *types.HistoryRecord) *types.HistoryRecord {
	c := *rec
	c.Prescription = append([]string{}, rec.Prescription...)
	return &c
}

func notFound(id string) error {
	return types.NewNotFoundError("HISTORY_NOT_FOUND", fmt.Sprintf("history record not found: %s", id))
}
