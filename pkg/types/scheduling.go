package types

import "time"

// Appointment represents a pre-booked visit between a patient and a doctor.
// It has its own lifecycle and never produces a queue token.
type Appointment struct {
	ID        string            `json:"id" db:"id"`
	PatientID string            `json:"patientId" db:"patient_id"`
	DoctorID  string            `json:"doctorId" db:"doctor_id"`
	Date      string            `json:"date" db:"appointment_date"`
	Time      string            `json:"time" db:"appointment_time"`
	Issue     string            `json:"issue,omitempty" db:"issue"`
	Status    AppointmentStatus `json:"status" db:"status"`
	CreatedAt time.Time         `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time         `json:"updatedAt" db:"updated_at"`
}

// AppointmentStatus represents the status of an appointment
type AppointmentStatus string

const (
	AppointmentStatusPending   AppointmentStatus = "Pending"
	AppointmentStatusCompleted AppointmentStatus = "Completed"
)

// Valid reports whether s is a known appointment status
func (s AppointmentStatus) Valid() bool {
	return s == AppointmentStatusPending || s == AppointmentStatusCompleted
}

// AppointmentFilters represents filters for appointment queries
type AppointmentFilters struct {
	PatientID string            `json:"patientId,omitempty"`
	DoctorID  string            `json:"doctorId,omitempty"`
	Date      string            `json:"date,omitempty"`
	Status    AppointmentStatus `json:"status,omitempty"`
	Limit     int               `json:"limit,omitempty"`
	Offset    int               `json:"offset,omitempty"`
}

// AppointmentUpdates represents fields that can be updated in an appointment
type AppointmentUpdates struct {
	Date   *string            `json:"date,omitempty"`
	Time   *string            `json:"time,omitempty"`
	Issue  *string            `json:"issue,omitempty"`
	Status *AppointmentStatus `json:"status,omitempty"`
}

// IsEmpty reports an update that changes nothing
func (u *AppointmentUpdates) IsEmpty() bool {
	return u.Date == nil && u.Time == nil && u.Issue == nil && u.Status == nil
}
