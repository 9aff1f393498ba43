package types

import "time"

// HistoryRecord is an append-only note of a completed visit
type HistoryRecord struct {
	ID           string    `json:"id" db:"id"`
	PatientID    string    `json:"patientId" db:"patient_id"`
	DoctorID     string    `json:"doctorId" db:"doctor_id"`
	PatientName  string    `json:"patientName,omitempty" db:"patient_name"`
	DoctorName   string    `json:"doctorName,omitempty" db:"doctor_name"`
	TokenID      string    `json:"tokenId,omitempty" db:"token_id"`
	Complaint    string    `json:"complaint,omitempty" db:"complaint"`
	Date         string    `json:"date" db:"visit_date"`
	Time         string    `json:"time" db:"visit_time"`
	Prescription []string  `json:"prescription" db:"prescription"`
	CreatedAt    time.Time `json:"createdAt" db:"created_at"`
}

// HistoryFilters selects history records. Query is a case-insensitive
// substring matched against patient name, doctor name and complaint.
type HistoryFilters struct {
	PatientID string `json:"patientId,omitempty"`
	DoctorID  string `json:"doctorId,omitempty"`
	Query     string `json:"q,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Offset    int    `json:"offset,omitempty"`
}
