package scheduling

import (
	"context"

	"github.com/medrex/opd-queue/internal/events"
	"github.com/medrex/opd-queue/pkg/interfaces"
	"github.com/medrex/opd-queue/pkg/logger"
	"github.com/medrex/opd-queue/pkg/types"
)

// ChangeType names an appointment lifecycle change
type ChangeType string

const (
	ChangeCreated ChangeType = "created"
	ChangeUpdated ChangeType = "updated"
	ChangeDeleted ChangeType = "deleted"
)

// AppointmentNotifier pushes appointment changes to event subscribers.
// Delivery failures never fail the booking itself.
type AppointmentNotifier struct {
	publisher interfaces.EventPublisher
	logger    *logger.Logger
}

// NewAppointmentNotifier creates a notifier; a nil publisher disables it
func NewAppointmentNotifier(publisher interfaces.EventPublisher, log *logger.Logger) *AppointmentNotifier {
	return &AppointmentNotifier{
		publisher: publisher,
		logger:    log,
	}
}

// Notify publishes the event matching change for apt
func (n *AppointmentNotifier) Notify(ctx context.Context, change ChangeType, apt *types.Appointment) {
	var eventType types.EventType
	switch change {
	case ChangeCreated:
		eventType = types.EventAppointmentCreated
	case ChangeUpdated:
		eventType = types.EventAppointmentUpdated
	case ChangeDeleted:
		eventType = types.EventAppointmentDeleted
	default:
		n.logger.WithContext(ctx).WithField("change", change).Warn("Unknown appointment change")
		return
	}

	events.Notify(ctx, n.publisher, n.logger, eventType, apt.DoctorID, apt.PatientID, apt.ID, apt)
}
