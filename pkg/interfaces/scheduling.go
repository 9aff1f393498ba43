package interfaces

import (
	"context"

	"github.com/medrex/opd-queue/pkg/types"
)

// SchedulingService defines the interface for appointment booking
type SchedulingService interface {
	CreateAppointment(ctx context.Context, apt *types.Appointment) (*types.Appointment, error)
	GetAppointment(ctx context.Context, id string) (*types.Appointment, error)
	UpdateAppointment(ctx context.Context, id string, updates *types.AppointmentUpdates) (*types.Appointment, error)
	DeleteAppointment(ctx context.Context, id string) error
	GetAppointments(ctx context.Context, filters *types.AppointmentFilters) ([]*types.Appointment, error)
}

// SchedulingRepository defines the interface for appointment persistence
type SchedulingRepository interface {
	CreateAppointment(ctx context.Context, apt *types.Appointment) error
	GetAppointmentByID(ctx context.Context, id string) (*types.Appointment, error)
	UpdateAppointment(ctx context.Context, id string, updates *types.AppointmentUpdates) error
	DeleteAppointment(ctx context.Context, id string) error
	GetAppointments(ctx context.Context, filters *types.AppointmentFilters) ([]*types.Appointment, error)
}
