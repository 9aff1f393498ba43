package events

import (
	"context"
	"encoding/json"

	"github.com/medrex/opd-queue/pkg/interfaces"
	"github.com/medrex/opd-queue/pkg/logger"
	"github.com/medrex/opd-queue/pkg/types"
)

// Notify builds an event around payload and publishes it. Publishing is
// best effort: failures are logged and never surface to the caller, since
// subscribers can always fall back to polling.
func Notify(ctx context.Context, pub interfaces.EventPublisher, log *logger.Logger, eventType types.EventType, doctorID, patientID, resourceID string, payload interface{}) {
	if pub == nil {
		return
	}

	event := &types.Event{
		Type:       eventType,
		DoctorID:   doctorID,
		PatientID:  patientID,
		ResourceID: resourceID,
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			log.WithContext(ctx).WithError(err).Error("Failed to encode event payload")
			return
		}
		event.Data = data
	}

	if err := pub.Publish(ctx, event); err != nil {
		log.WithContext(ctx).WithError(err).WithField("event_type", eventType).Warn("Failed to publish event")
	}
}
