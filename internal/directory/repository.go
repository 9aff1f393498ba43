package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/medrex/opd-queue/pkg/database"
	"github.com/medrex/opd-queue/pkg/logger"
	"github.com/medrex/opd-queue/pkg/types"
)

const (
	doctorColumns  = `id, name, specialization, department, email, phone, created_at, updated_at`
	patientColumns = `id, name, age, gender, email, phone, address, created_at, updated_at`
)

// Repository implements directory persistence on Postgres
type Repository struct {
	db     *database.DB
	logger *logger.Logger
}

// NewRepository creates a new directory repository
func NewRepository(db *database.DB, log *logger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: log,
	}
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDoctor(row scanner) (*types.Doctor, error) {
	d := &types.Doctor{}
	err := row.Scan(&d.ID, &d.Name, &d.Specialization, &d.Department, &d.Email, &d.Phone, &d.CreatedAt, &d.UpdatedAt)
	return d, err
}

func scanPatient(row scanner) (*types.Patient, error) {
	p := &types.Patient{}
	err := row.Scan(&p.ID, &p.Name, &p.Age, &p.Gender, &p.Email, &p.Phone, &p.Address, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

// CreateDoctor inserts a doctor
func (r *Repository) CreateDoctor(ctx context.Context, doctor *types.Doctor) error {
	query := `INSERT INTO doctors (` + doctorColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	start := time.Now()
	_, err := r.db.ExecContext(ctx, query,
		doctor.ID, doctor.Name, doctor.Specialization, doctor.Department,
		doctor.Email, doctor.Phone, doctor.CreatedAt, doctor.UpdatedAt,
	)
	r.db.Observe(ctx, "insert", "doctors", start, 1, err)
	if err != nil {
		return database.Classify(err, "failed to create doctor")
	}
	return nil
}

// GetDoctorByID retrieves a doctor by ID
func (r *Repository) GetDoctorByID(ctx context.Context, id string) (*types.Doctor, error) {
	start := time.Now()
	doctor, err := scanDoctor(r.db.QueryRowContext(ctx, `SELECT `+doctorColumns+` FROM doctors WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		r.db.Observe(ctx, "select", "doctors", start, 0, nil)
		return nil, types.NewNotFoundError("DOCTOR_NOT_FOUND", fmt.Sprintf("doctor not found: %s", id))
	}
	r.db.Observe(ctx, "select", "doctors", start, 1, err)
	if err != nil {
		return nil, database.Classify(err, "failed to get doctor")
	}
	return doctor, nil
}

// ListDoctors retrieves doctors matching filters, ordered by name
func (r *Repository) ListDoctors(ctx context.Context, filters *types.DoctorFilters) ([]*types.Doctor, error) {
	query := `SELECT ` + doctorColumns + ` FROM doctors WHERE 1=1`
	args := []interface{}{}
	argIndex := 1

	if filters != nil {
		if filters.Name != "" {
			query += fmt.Sprintf(" AND name ILIKE '%%' || $%d || '%%'", argIndex)
			args = append(args, filters.Name)
			argIndex++
		}
		if filters.Specialization != "" {
			query += fmt.Sprintf(" AND specialization ILIKE $%d", argIndex)
			args = append(args, filters.Specialization)
			argIndex++
		}
		if filters.Department != "" {
			query += fmt.Sprintf(" AND department ILIKE $%d", argIndex)
			args = append(args, filters.Department)
			argIndex++
		}
		if filters.Email != "" {
			query += fmt.Sprintf(" AND email ILIKE $%d", argIndex)
			args = append(args, filters.Email)
		}
	}
	query += " ORDER BY name, id"

	start := time.Now()
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		r.db.Observe(ctx, "select", "doctors", start, 0, err)
		return nil, database.Classify(err, "failed to list doctors")
	}
	defer rows.Close()

	doctors := []*types.Doctor{}
	for rows.Next() {
		doctor, err := scanDoctor(rows)
		if err != nil {
			return nil, database.Classify(err, "failed to scan doctor")
		}
		doctors = append(doctors, doctor)
	}
	r.db.Observe(ctx, "select", "doctors", start, int64(len(doctors)), rows.Err())
	if err := rows.Err(); err != nil {
		return nil, database.Classify(err, "failed to list doctors")
	}
	return doctors, nil
}

// ReplaceDoctor overwrites every editable field of a doctor
func (r *Repository) ReplaceDoctor(ctx context.Context, doctor *types.Doctor) error {
	query := `
		UPDATE doctors
		SET name = $2, specialization = $3, department = $4, email = $5, phone = $6, updated_at = $7
		WHERE id = $1`

	start := time.Now()
	result, err := r.db.ExecContext(ctx, query,
		doctor.ID, doctor.Name, doctor.Specialization, doctor.Department,
		doctor.Email, doctor.Phone, doctor.UpdatedAt,
	)
	return r.checkAffected(ctx, "update", "doctors", start, result, err, "DOCTOR_NOT_FOUND", doctor.ID)
}

// DeleteDoctor removes a doctor
func (r *Repository) DeleteDoctor(ctx context.Context, id string) error {
	start := time.Now()
	result, err := r.db.ExecContext(ctx, `DELETE FROM doctors WHERE id = $1`, id)
	return r.checkAffected(ctx, "delete", "doctors", start, result, err, "DOCTOR_NOT_FOUND", id)
}

// CreatePatient inserts a patient
func (r *Repository) CreatePatient(ctx context.Context, patient *types.Patient) error {
	query := `INSERT INTO patients (` + patientColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	start := time.Now()
	_, err := r.db.ExecContext(ctx, query,
		patient.ID, patient.Name, patient.Age, patient.Gender, patient.Email,
		patient.Phone, patient.Address, patient.CreatedAt, patient.UpdatedAt,
	)
	r.db.Observe(ctx, "insert", "patients", start, 1, err)
	if err != nil {
		return database.Classify(err, "failed to create patient")
	}
	return nil
}

// GetPatientByID retrieves a patient by ID
func (r *Repository) GetPatientByID(ctx context.Context, id string) (*types.Patient, error) {
	start := time.Now()
	patient, err := scanPatient(r.db.QueryRowContext(ctx, `SELECT `+patientColumns+` FROM patients WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		r.db.Observe(ctx, "select", "patients", start, 0, nil)
		return nil, types.NewNotFoundError("PATIENT_NOT_FOUND", fmt.Sprintf("patient not found: %s", id))
	}
	r.db.Observe(ctx, "select", "patients", start, 1, err)
	if err != nil {
		return nil, database.Classify(err, "failed to get patient")
	}
	return patient, nil
}

// ListPatients retrieves patients matching filters, ordered by name
func (r *Repository) ListPatients(ctx context.Context, filters *types.PatientFilters) ([]*types.Patient, error) {
	query := `SELECT ` + patientColumns + ` FROM patients WHERE 1=1`
	args := []interface{}{}
	argIndex := 1

	if filters != nil {
		if filters.Name != "" {
			query += fmt.Sprintf(" AND name ILIKE '%%' || $%d || '%%'", argIndex)
			args = append(args, filters.Name)
			argIndex++
		}
		if filters.Phone != "" {
			query += fmt.Sprintf(" AND phone = $%d", argIndex)
			args = append(args, filters.Phone)
			argIndex++
		}
		if filters.Email != "" {
			query += fmt.Sprintf(" AND email ILIKE $%d", argIndex)
			args = append(args, filters.Email)
		}
	}
	query += " ORDER BY name, id"

	start := time.Now()
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		r.db.Observe(ctx, "select", "patients", start, 0, err)
		return nil, database.Classify(err, "failed to list patients")
	}
	defer rows.Close()

	patients := []*types.Patient{}
	for rows.Next() {
		patient, err := scanPatient(rows)
		if err != nil {
			return nil, database.Classify(err, "failed to scan patient")
		}
		patients = append(patients, patient)
	}
	r.db.Observe(ctx, "select", "patients", start, int64(len(patients)), rows.Err())
	if err := rows.Err(); err != nil {
		return nil, database.Classify(err, "failed to list patients")
	}
	return patients, nil
}

// ReplacePatient overwrites every editable field of a patient
func (r *Repository) ReplacePatient(ctx context.Context, patient *types.Patient) error {
	query := `
		UPDATE patients
		SET name = $2, age = $3, gender = $4, email = $5, phone = $6, address = $7, updated_at = $8
		WHERE id = $1`

	start := time.Now()
	result, err := r.db.ExecContext(ctx, query,
		patient.ID, patient.Name, patient.Age, patient.Gender,
		patient.Email, patient.Phone, patient.Address, patient.UpdatedAt,
	)
	return r.checkAffected(ctx, "update", "patients", start, result, err, "PATIENT_NOT_FOUND", patient.ID)
}

// DeletePatient removes a patient
func (r *Repository) DeletePatient(ctx context.Context, id string) error {
	start := time.Now()
	result, err := r.db.ExecContext(ctx, `DELETE FROM patients WHERE id = $1`, id)
	return r.checkAffected(ctx, "delete", "patients", start, result, err, "PATIENT_NOT_FOUND", id)
}

func (r *Repository) checkAffected(ctx context.Context, op, table string, start time.Time, result sql.Result, err error, notFoundCode, id string) error {
	if err != nil {
		r.db.Observe(ctx, op, table, start, 0, err)
		return database.Classify(err, fmt.Sprintf("failed to %s %s", op, table))
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return database.Classify(err, "failed to get rows affected")
	}
	r.db.Observe(ctx, op, table, start, rowsAffected, nil)

	if rowsAffected == 0 {
		return types.NewNotFoundError(notFoundCode, fmt.Sprintf("%s record not found: %s", table, id))
	}
	return nil
}
