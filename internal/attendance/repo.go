package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"qrattendance/internal/store"
)

// Store is the durable ledger of attendance records.
type Store interface {
	// Insert fails with ErrDuplicateScan when the day's slot is taken.
	Insert(ctx context.Context, rec Record) (Record, error)
	Get(ctx context.Context, id string) (Record, error)
	FindValidForDate(ctx context.Context, subjectID, date string) (*Record, error)
	FindAbsenceForDate(ctx context.Context, subjectID, date string) (*Record, error)
	PresentSubjectIDs(ctx context.Context, date string) ([]string, error)
	UpdateNotificationState(ctx context.Context, id string, state NotificationState) error
	Invalidate(ctx context.Context, id, reason string) error
	List(ctx context.Context, f RecordFilter) ([]Record, error)
}

// Repository persists attendance records in Postgres or SQLite.
type Repository struct {
	db *sqlx.DB
}

var _ Store = (*Repository)(nil)

// NewRepository creates a repo.
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

const recordColumns = `id, subject_id, recorded_by, scan_time, scan_date, status, time_window, minutes_late,
	location, notes, latitude, longitude, raw_code, is_valid_scan, invalid_reason,
	notification_id, notification_status, created_at, updated_at`

// Insert writes a new record. The partial unique indexes on
// (subject_id, scan_date) are the final word on duplicates.
func (r *Repository) Insert(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = rec.CreatedAt
	rec.ScanTime = rec.ScanTime.UTC()

	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO attendance_records (`+recordColumns+`)
		VALUES (:id, :subject_id, :recorded_by, :scan_time, :scan_date, :status, :time_window, :minutes_late,
			:location, :notes, :latitude, :longitude, :raw_code, :is_valid_scan, :invalid_reason,
			:notification_id, :notification_status, :created_at, :updated_at)
	`, rec)
	if err != nil {
		if store.IsUniqueViolation(err) {
			return Record{}, ErrDuplicateScan
		}
		return Record{}, fmt.Errorf("inserting attendance record: %w", err)
	}
	return rec, nil
}

// Get returns a single record by id.
func (r *Repository) Get(ctx context.Context, id string) (Record, error) {
	var rec Record
	err := r.db.GetContext(ctx, &rec, r.db.Rebind(`SELECT `+recordColumns+` FROM attendance_records WHERE id = ?`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrRecordNotFound
		}
		return Record{}, fmt.Errorf("getting record %s: %w", id, err)
	}
	return rec, nil
}

// FindValidForDate returns the valid record for subjectID on date, or nil.
func (r *Repository) FindValidForDate(ctx context.Context, subjectID, date string) (*Record, error) {
	return r.findOne(ctx, `subject_id = ? AND scan_date = ? AND is_valid_scan = ?`, subjectID, date, true)
}

// FindAbsenceForDate returns the synthetic absence record for subjectID on date, or nil.
func (r *Repository) FindAbsenceForDate(ctx context.Context, subjectID, date string) (*Record, error) {
	return r.findOne(ctx, `subject_id = ? AND scan_date = ? AND status = ?`, subjectID, date, string(StatusAbsent))
}

func (r *Repository) findOne(ctx context.Context, where string, args ...any) (*Record, error) {
	var rec Record
	err := r.db.GetContext(ctx, &rec, r.db.Rebind(`
		SELECT `+recordColumns+` FROM attendance_records
		WHERE `+where+`
		ORDER BY scan_time ASC
		LIMIT 1`), args...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying attendance record: %w", err)
	}
	return &rec, nil
}

// PresentSubjectIDs lists subjects holding a valid record on date.
func (r *Repository) PresentSubjectIDs(ctx context.Context, date string) ([]string, error) {
	var ids []string
	err := r.db.SelectContext(ctx, &ids, r.db.Rebind(`
		SELECT DISTINCT subject_id FROM attendance_records
		WHERE scan_date = ? AND is_valid_scan = ?`), date, true)
	if err != nil {
		return nil, fmt.Errorf("listing present subjects for %s: %w", date, err)
	}
	return ids, nil
}

// UpdateNotificationState writes the delivery summary back onto a record.
func (r *Repository) UpdateNotificationState(ctx context.Context, id string, state NotificationState) error {
	var notificationID *string
	if state.NotificationID != "" {
		notificationID = &state.NotificationID
	}
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE attendance_records
		SET notification_id = ?, notification_status = ?, updated_at = ?
		WHERE id = ?`), notificationID, state.Status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating notification state for %s: %w", id, err)
	}
	return expectOneRow(res)
}

// Invalidate soft-invalidates a record; the row itself is kept for audit.
func (r *Repository) Invalidate(ctx context.Context, id, reason string) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE attendance_records
		SET is_valid_scan = ?, invalid_reason = ?, updated_at = ?
		WHERE id = ?`), false, reason, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("invalidating record %s: %w", id, err)
	}
	return expectOneRow(res)
}

// List returns records with basic filters.
func (r *Repository) List(ctx context.Context, f RecordFilter) ([]Record, error) {
	f = f.normalize()
	query := `SELECT ` + recordColumns + ` FROM attendance_records`
	var (
		clauses []string
		args    []any
	)
	if f.Date != "" {
		clauses = append(clauses, "scan_date = ?")
		args = append(args, f.Date)
	}
	if f.SubjectID != "" {
		clauses = append(clauses, "subject_id = ?")
		args = append(args, f.SubjectID)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY scan_time DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	var res []Record
	if err := r.db.SelectContext(ctx, &res, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("listing records: %w", err)
	}
	return res, nil
}

func (f RecordFilter) normalize() RecordFilter {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRecordNotFound
	}
	return nil
}
