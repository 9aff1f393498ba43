package types

import (
	"encoding/json"
	"time"
)

// EventType names a change pushed to subscribers
type EventType string

const (
	EventTokenIssued        EventType = "token.issued"
	EventTokenStatusChanged EventType = "token.status_changed"
	EventAppointmentCreated EventType = "appointment.created"
	EventAppointmentUpdated EventType = "appointment.updated"
	EventAppointmentDeleted EventType = "appointment.deleted"
	EventHistoryAdded       EventType = "history.added"
)

// Event is a change notification for queue and appointment subscribers
type Event struct {
	ID         string          `json:"id"`
	Type       EventType       `json:"type"`
	DoctorID   string          `json:"doctorId,omitempty"`
	PatientID  string          `json:"patientId,omitempty"`
	ResourceID string          `json:"resourceId"`
	OccurredAt time.Time       `json:"occurredAt"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// EventFilter selects the events a subscriber receives. Empty fields match all.
type EventFilter struct {
	DoctorID  string
	PatientID string
	Types     []EventType
}

// Matches reports whether e passes the filter
func (f EventFilter) Matches(e *Event) bool {
	if f.DoctorID != "" && e.DoctorID != f.DoctorID {
		return false
	}
	if f.PatientID != "" && e.PatientID != f.PatientID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == e.Type {
			return true
		}
	}
	return false
}
