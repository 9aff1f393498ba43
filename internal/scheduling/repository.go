package scheduling

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/medrex/opd-queue/pkg/database"
	"github.com/medrex/opd-queue/pkg/logger"
	"github.com/medrex/opd-queue/pkg/types"
)

const appointmentColumns = `id, patient_id, doctor_id, to_char(appointment_date, 'YYYY-MM-DD'), appointment_time,
	issue, status, created_at, updated_at`

// Repository implements the SchedulingRepository interface on Postgres
type Repository struct {
	db     *database.DB
	logger *logger.Logger
}

// NewRepository creates a new scheduling repository
func NewRepository(db *database.DB, log *logger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: log,
	}
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAppointment(row scanner) (*types.Appointment, error) {
	apt := &types.Appointment{}
	err := row.Scan(
		&apt.ID,
		&apt.PatientID,
		&apt.DoctorID,
		&apt.Date,
		&apt.Time,
		&apt.Issue,
		&apt.Status,
		&apt.CreatedAt,
		&apt.UpdatedAt,
	)
	return apt, err
}

// CreateAppointment creates a new appointment
func (r *Repository) CreateAppointment(ctx context.Context, apt *types.Appointment) error {
	query := `
		INSERT INTO appointments (id, patient_id, doctor_id, appointment_date, appointment_time, issue, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	start := time.Now()
	_, err := r.db.ExecContext(ctx, query,
		apt.ID, apt.PatientID, apt.DoctorID, apt.Date, apt.Time,
		apt.Issue, apt.Status, apt.CreatedAt, apt.UpdatedAt,
	)
	r.db.Observe(ctx, "insert", "appointments", start, 1, err)
	if err != nil {
		return database.Classify(err, "failed to create appointment")
	}
	return nil
}

// GetAppointmentByID retrieves an appointment by ID
func (r *Repository) GetAppointmentByID(ctx context.Context, id string) (*types.Appointment, error) {
	start := time.Now()
	apt, err := scanAppointment(r.db.QueryRowContext(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		r.db.Observe(ctx, "select", "appointments", start, 0, nil)
		return nil, appointmentNotFound(id)
	}
	r.db.Observe(ctx, "select", "appointments", start, 1, err)
	if err != nil {
		return nil, database.Classify(err, "failed to get appointment")
	}
	return apt, nil
}

// UpdateAppointment updates the supplied fields of an appointment
func (r *Repository) UpdateAppointment(ctx context.Context, id string, updates *types.AppointmentUpdates) error {
	setParts := []string{}
	args := []interface{}{}
	argIndex := 1

	if updates.Date != nil {
		setParts = append(setParts, fmt.Sprintf("appointment_date = $%d", argIndex))
		args = append(args, *updates.Date)
		argIndex++
	}

	if updates.Time != nil {
		setParts = append(setParts, fmt.Sprintf("appointment_time = $%d", argIndex))
		args = append(args, *updates.Time)
		argIndex++
	}

	if updates.Issue != nil {
		setParts = append(setParts, fmt.Sprintf("issue = $%d", argIndex))
		args = append(args, *updates.Issue)
		argIndex++
	}

	if updates.Status != nil {
		setParts = append(setParts, fmt.Sprintf("status = $%d", argIndex))
		args = append(args, string(*updates.Status))
		argIndex++
	}

	if len(setParts) == 0 {
		return types.NewValidationError(types.ErrCodeValidationFailed, "no updates provided", nil)
	}

	setParts = append(setParts, fmt.Sprintf("updated_at = $%d", argIndex))
	args = append(args, time.Now().UTC())
	argIndex++

	query := fmt.Sprintf("UPDATE appointments SET %s WHERE id = $%d", strings.Join(setParts, ", "), argIndex)
	args = append(args, id)

	start := time.Now()
	result, err := r.db.ExecContext(ctx, query, args...)
	return r.checkAffected(ctx, "update", start, result, err, id)
}

// DeleteAppointment removes an appointment
func (r *Repository) DeleteAppointment(ctx context.Context, id string) error {
	start := time.Now()
	result, err := r.db.ExecContext(ctx, `DELETE FROM appointments WHERE id = $1`, id)
	return r.checkAffected(ctx, "delete", start, result, err, id)
}

// GetAppointments retrieves appointments based on filters
func (r *Repository) GetAppointments(ctx context.Context, filters *types.AppointmentFilters) ([]*types.Appointment, error) {
	query := `SELECT ` + appointmentColumns + ` FROM appointments WHERE 1=1`

	args := []interface{}{}
	argIndex := 1

	if filters.PatientID != "" {
		query += fmt.Sprintf(" AND patient_id = $%d", argIndex)
		args = append(args, filters.PatientID)
		argIndex++
	}

	if filters.DoctorID != "" {
		query += fmt.Sprintf(" AND doctor_id = $%d", argIndex)
		args = append(args, filters.DoctorID)
		argIndex++
	}

	if filters.Date != "" {
		query += fmt.Sprintf(" AND appointment_date = $%d", argIndex)
		args = append(args, filters.Date)
		argIndex++
	}

	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIndex)
		args = append(args, string(filters.Status))
		argIndex++
	}

	query += " ORDER BY appointment_date, appointment_time, id"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIndex)
		args = append(args, filters.Limit)
		argIndex++
	}

	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIndex)
		args = append(args, filters.Offset)
	}

	start := time.Now()
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		r.db.Observe(ctx, "select", "appointments", start, 0, err)
		return nil, database.Classify(err, "failed to get appointments")
	}
	defer rows.Close()

	appointments := []*types.Appointment{}
	for rows.Next() {
		apt, err := scanAppointment(rows)
		if err != nil {
			return nil, database.Classify(err, "failed to scan appointment")
		}
		appointments = append(appointments, apt)
	}
	r.db.Observe(ctx, "select", "appointments", start, int64(len(appointments)), rows.Err())
	if err := rows.Err(); err != nil {
		return nil, database.Classify(err, "error iterating appointments")
	}

	return appointments, nil
}

func (r *Repository) checkAffected(ctx context.Context, op string, start time.Time, result sql.Result, err error, id string) error {
	if err != nil {
		r.db.Observe(ctx, op, "appointments", start, 0, err)
		return database.Classify(err, "failed to "+op+" appointment")
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return database.Classify(err, "failed to get rows affected")
	}
	r.db.Observe(ctx, op, "appointments", start, rowsAffected, nil)

	if rowsAffected == 0 {
		return appointmentNotFound(id)
	}
	return nil
}

func appointmentNotFound(id string) error {
	return types.NewNotFoundError("APPOINTMENT_NOT_FOUND", fmt.Sprintf("appointment not found: %s", id))
}
