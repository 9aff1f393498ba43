package types

import (
	"strings"
	"time"
)

// DateLayout is the calendar-day format used by tokens, appointments and history
const DateLayout = "2006-01-02"

// TimeLayout is the wall-clock format used by appointments and history
const TimeLayout = "15:04"

// DefaultDailyTokenLimit caps the tokens a doctor can issue per day
const DefaultDailyTokenLimit = 50

// TokenStatus represents the visit state of a queue token
type TokenStatus string

const (
	TokenStatusPending    TokenStatus = "Pending"
	TokenStatusInProgress TokenStatus = "In-Progress"
	TokenStatusCompleted  TokenStatus = "Completed"
	TokenStatusSkipped    TokenStatus = "Skipped"
)

// Normalize maps the absent status to Pending
func (s TokenStatus) Normalize() TokenStatus {
	if strings.TrimSpace(string(s)) == "" {
		return TokenStatusPending
	}
	return s
}

// Valid reports whether s is one of the known statuses
func (s TokenStatus) Valid() bool {
	switch s.Normalize() {
	case TokenStatusPending, TokenStatusInProgress, TokenStatusCompleted, TokenStatusSkipped:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is allowed from s
func (s TokenStatus) IsTerminal() bool {
	n := s.Normalize()
	return n == TokenStatusCompleted || n == TokenStatusSkipped
}

// CanTransitionTo reports whether the queue lifecycle allows s -> next
func (s TokenStatus) CanTransitionTo(next TokenStatus) bool {
	switch s.Normalize() {
	case TokenStatusPending:
		return next == TokenStatusInProgress
	case TokenStatusInProgress:
		return next == TokenStatusCompleted || next == TokenStatusSkipped
	}
	return false
}

// Token is a numbered queue ticket issued to a patient for one doctor and day
type Token struct {
	ID          string      `json:"id" db:"id"`
	DoctorID    string      `json:"doctorId" db:"doctor_id"`
	PatientID   string      `json:"patientId" db:"patient_id"`
	Date        string      `json:"date" db:"token_date"`
	TokenNumber int         `json:"tokenNumber" db:"token_number"`
	Status      TokenStatus `json:"status" db:"status"`
	CreatedAt   time.Time   `json:"createdAt" db:"created_at"`
	StartedAt   *time.Time  `json:"startedAt,omitempty" db:"started_at"`
	FinishedAt  *time.Time  `json:"finishedAt,omitempty" db:"finished_at"`
}

// HandlingTime returns the time spent In-Progress, or zero when unknown
func (t *Token) HandlingTime() time.Duration {
	if t.StartedAt == nil || t.FinishedAt == nil {
		return 0
	}
	d := t.FinishedAt.Sub(*t.StartedAt)
	if d < 0 {
		return 0
	}
	return d
}

// TokenFilters represents filters for listing tokens
type TokenFilters struct {
	DoctorID  string      `json:"doctorId,omitempty"`
	PatientID string      `json:"patientId,omitempty"`
	Date      string      `json:"date,omitempty"`
	Status    TokenStatus `json:"status,omitempty"`
	Limit     int         `json:"limit,omitempty"`
	Offset    int         `json:"offset,omitempty"`
}

// TokenRequest is the body accepted when issuing a token
type TokenRequest struct {
	DoctorID  string `json:"doctorId"`
	PatientID string `json:"patientId"`
}

// Prescription is the payload attached to a completed visit
type Prescription struct {
	Complaint string   `json:"complaint,omitempty"`
	Medicines []string `json:"medicines,omitempty"`
	Notes     string   `json:"notes,omitempty"`
}

// Lines flattens the prescription into ordered free-text lines: each
// non-blank medicine followed by the note when it is non-blank.
func (p *Prescription) Lines() []string {
	lines := make([]string, 0, len(p.Medicines)+1)
	for _, m := range p.Medicines {
		if m = strings.TrimSpace(m); m != "" {
			lines = append(lines, m)
		}
	}
	if note := strings.TrimSpace(p.Notes); note != "" {
		lines = append(lines, note)
	}
	return lines
}

// IsEmpty reports a prescription with no medicine and a blank note
func (p *Prescription) IsEmpty() bool {
	return len(p.Lines()) == 0
}

// TokenUpdates is the body accepted by PUT /tokens/{id}. Only the status moves;
// Prescription is required when the target status is Completed.
type TokenUpdates struct {
	Status       *TokenStatus  `json:"status,omitempty"`
	Prescription *Prescription `json:"prescription,omitempty"`
}

// QueueView is a doctor's queue for one day
type QueueView struct {
	DoctorID  string   `json:"doctorId"`
	Date      string   `json:"date"`
	Current   *Token   `json:"current,omitempty"`
	Waiting   int      `json:"waiting"`
	Completed int      `json:"completed"`
	Skipped   int      `json:"skipped"`
	Remaining int      `json:"remaining"`
	Tokens    []*Token `json:"tokens"`
}

// SessionStats is the per-session running summary of a doctor's queue work
type SessionStats struct {
	SessionID              string    `json:"sessionId"`
	DoctorID               string    `json:"doctorId,omitempty"`
	Completed              int       `json:"completed"`
	Skipped                int       `json:"skipped"`
	AverageHandlingSeconds float64   `json:"averageHandlingSeconds"`
	UpdatedAt              time.Time `json:"updatedAt"`
}
