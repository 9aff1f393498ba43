package scheduling

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/medrex/opd-queue/pkg/types"
)

// MemoryRepository keeps appointments in process
type MemoryRepository struct {
	mu           sync.RWMutex
	appointments map[string]*types.Appointment
}

// NewMemoryRepository creates an empty appointment store
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{appointments: make(map[string]*types.Appointment)}
}

func (m *MemoryRepository) CreateAppointment(ctx context.Context, apt *types.Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *apt
	m.appointments[apt.ID] = &c
	return nil
}

func (m *MemoryRepository) GetAppointmentByID(ctx context.Context, id string) (*types.Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	apt, ok := m.appointments[id]
	if !ok {
		return nil, appointmentNotFound(id)
	}
	c := *apt
	return &c, nil
}

func (m *MemoryRepository) UpdateAppointment(ctx context.Context, id string, updates *types.AppointmentUpdates) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	apt, ok := m.appointments[id]
	if !ok {
		return appointmentNotFound(id)
	}
	if updates.Date != nil {
		apt.Date = *updates.Date
	}
	if updates.Time != nil {
		apt.Time = *updates.Time
	}
	if updates.Issue != nil {
		apt.Issue = *updates.Issue
	}
	if updates.Status != nil {
		apt.Status = *updates.Status
	}
	apt.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryRepository) DeleteAppointment(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.appointments[id]; !ok {
		return appointmentNotFound(id)
	}
	delete(m.appointments, id)
	return nil
}

func (m *MemoryRepository) GetAppointments(ctx context.Context, filters *types.AppointmentFilters) ([]*types.Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*types.Appointment{}
	for _, apt := range m.appointments {
		if filters.PatientID != "" && apt.PatientID != filters.PatientID {
			continue
		}
		if filters.DoctorID != "" && apt.DoctorID != filters.DoctorID {
			continue
		}
		if filters.Date != "" && apt.Date != filters.Date {
			continue
		}
		if filters.Status != "" && apt.Status != filters.Status {
			continue
		}
		c := *apt
		out = append(out, &c)
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		if a.Time != b.Time {
			return a.Time < b.Time
		}
		return a.ID < b.ID
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(out) {
			return []*types.Appointment{}, nil
		}
		out = out[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(out) {
		out = out[:filters.Limit]
	}
	return out, nil
}
