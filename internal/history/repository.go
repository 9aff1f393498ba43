package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/medrex/opd-queue/pkg/database"
	"github.com/medrex/opd-queue/pkg/logger"
	"github.com/medrex/opd-queue/pkg/types"
)

const (
	selectColumns = `id, patient_id, doctor_id, patient_name, doctor_name, COALESCE(token_id, ''), complaint,
		to_char(visit_date, 'YYYY-MM-DD'), visit_time, prescription, created_at`

	insertQuery = `
		INSERT INTO patient_history (
			id, patient_id, doctor_id, patient_name, doctor_name, token_id, complaint,
			visit_date, visit_time, prescription, created_at
		) VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10, $11)`

	tokenConstraint = "uq_patient_history_token"
)

// Execer is satisfied by both *sql.DB and *sql.Tx
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// InsertRecord writes record through exec. The queue repository calls it
// inside the completion transaction.
func InsertRecord(ctx context.Context, exec Execer, record *types.HistoryRecord) error {
	_, err := exec.ExecContext(ctx, insertQuery,
		record.ID, record.PatientID, record.DoctorID, record.PatientName, record.DoctorName,
		record.TokenID, record.Complaint, record.Date, record.Time,
		pq.Array(record.Prescription), record.CreatedAt,
	)
	if database.IsUniqueViolation(err, tokenConstraint) {
		return types.NewConflictError(types.ErrCodeConflict, "history already recorded for token", map[string]interface{}{"tokenId": record.TokenID})
	}
	return err
}

// Repository implements history persistence on Postgres
type Repository struct {
	db     *database.DB
	logger *logger.Logger
}

// NewRepository creates a new history repository
func NewRepository(db *database.DB, log *logger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: log,
	}
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*types.HistoryRecord, error) {
	rec := &types.HistoryRecord{}
	var prescription pq.StringArray
	err := row.Scan(
		&rec.ID, &rec.PatientID, &rec.DoctorID, &rec.PatientName, &rec.DoctorName,
		&rec.TokenID, &rec.Complaint, &rec.Date, &rec.Time, &prescription, &rec.CreatedAt,
	)
	if prescription == nil {
		prescription = pq.StringArray{}
	}
	rec.Prescription = []string(prescription)
	return rec, err
}

// CreateHistory inserts a record
func (r *Repository) CreateHistory(ctx context.Context, record *types.HistoryRecord) error {
	start := time.Now()
	err := InsertRecord(ctx, r.db, record)
	r.db.Observe(ctx, "insert", "patient_history", start, 1, err)
	if err != nil {
		return database.Classify(err, "failed to create history")
	}
	return nil
}

// GetHistoryByID retrieves a record by ID
func (r *Repository) GetHistoryByID(ctx context.Context, id string) (*types.HistoryRecord, error) {
	start := time.Now()
	rec, err := scanRecord(r.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM patient_history WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		r.db.Observe(ctx, "select", "patient_history", start, 0, nil)
		return nil, types.NewNotFoundError("HISTORY_NOT_FOUND", fmt.Sprintf("history record not found: %s", id))
	}
	r.db.Observe(ctx, "select", "patient_history", start, 1, err)
	if err != nil {
		return nil, database.Classify(err, "failed to get history")
	}
	return rec, nil
}

// ListHistory retrieves records newest first
func (r *Repository) ListHistory(ctx context.Context, filters *types.HistoryFilters) ([]*types.HistoryRecord, error) {
	query := `SELECT ` + selectColumns + ` FROM patient_history WHERE 1=1`
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
	if filters.Query != "" {
		query += fmt.Sprintf(" AND (patient_name ILIKE $%d OR doctor_name ILIKE $%d OR complaint ILIKE $%d)", argIndex, argIndex, argIndex)
		args = append(args, "%"+escapeLike(filters.Query)+"%")
		argIndex++
	}

	query += " ORDER BY created_at DESC, id"

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
		r.db.Observe(ctx, "select", "patient_history", start, 0, err)
		return nil, database.Classify(err, "failed to list history")
	}
	defer rows.Close()

	records := []*types.HistoryRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, database.Classify(err, "failed to scan history")
		}
		records = append(records, rec)
	}
	r.db.Observe(ctx, "select", "patient_history", start, int64(len(records)), rows.Err())
	if err := rows.Err(); err != nil {
		return nil, database.Classify(err, "failed to list history")
	}
	return records, nil
}

// ReplaceHistory overwrites a record's contents, keeping its ID and creation time
func (r *Repository) ReplaceHistory(ctx context.Context, record *types.HistoryRecord) error {
	query := `
		UPDATE patient_history
		SET patient_id = $2, doctor_id = $3, patient_name = $4, doctor_name = $5, complaint = $6,
			visit_date = $7, visit_time = $8, prescription = $9
		WHERE id = $1`

	start := time.Now()
	result, err := r.db.ExecContext(ctx, query,
		record.ID, record.PatientID, record.DoctorID, record.PatientName, record.DoctorName,
		record.Complaint, record.Date, record.Time, pq.Array(record.Prescription),
	)
	return r.checkAffected(ctx, "update", start, result, err, record.ID)
}

// DeleteHistory removes a record
func (r *Repository) DeleteHistory(ctx context.Context, id string) error {
	start := time.Now()
	result, err := r.db.ExecContext(ctx, `DELETE FROM patient_history WHERE id = $1`, id)
	return r.checkAffected(ctx, "delete", start, result, err, id)
}

func (r *Repository) checkAffected(ctx context.Context, op string, start time.Time, result sql.Result, err error, id string) error {
	if err != nil {
		r.db.Observe(ctx, op, "patient_history", start, 0, err)
		return database.Classify(err, "failed to "+op+" history")
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return database.Classify(err, "failed to get rows affected")
	}
	r.db.Observe(ctx, op, "patient_history", start, rowsAffected, nil)

	if rowsAffected == 0 {
		return types.NewNotFoundError("HISTORY_NOT_FOUND", fmt.Sprintf("history record not found: %s", id))
	}
	return nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
