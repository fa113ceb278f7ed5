package notify

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
)

// Store persists notifications.
type Store interface {
	Create(ctx context.Context, n Notification) error
	Update(ctx context.Context, n Notification) error
	Get(ctx context.Context, id string) (Notification, error)
	// ListRetryable returns notifications that are not sent, have an
	// enabled channel and have retried fewer than maxRetries times. A
	// pending notification is still being sent for the first time and is
	// only returned once its last update is older than staleBefore.
	ListRetryable(ctx context.Context, maxRetries int, staleBefore time.Time, limit int) ([]Notification, error)
	// Claim bumps the retry count of id from retryCount to retryCount+1. It
	// reports false when another caller changed the count first.
	Claim(ctx context.Context, id string, retryCount int, at time.Time) (bool, error)
	ListBySubject(ctx context.Context, subjectID string, limit int) ([]Notification, error)
}

// row is the flattened table layout of a Notification.
type row struct {
	ID              string         `db:"id"`
	SubjectID       string         `db:"subject_id"`
	RelatedRecordID sql.NullString `db:"related_record_id"`
	Kind            string         `db:"kind"`
	ContactPhone    string         `db:"contact_phone"`
	ContactEmail    string         `db:"contact_email"`
	SubjectLine     string         `db:"subject_line"`
	Message         string         `db:"message"`
	HTML            string         `db:"html"`

	SMSEnabled    bool         `db:"sms_enabled"`
	SMSStatus     string       `db:"sms_status"`
	SMSAttempts   int          `db:"sms_attempts"`
	SMSSentAt     sql.NullTime `db:"sms_sent_at"`
	SMSProviderID string       `db:"sms_provider_id"`
	SMSError      string       `db:"sms_error"`

	EmailEnabled    bool         `db:"email_enabled"`
	EmailStatus     string       `db:"email_status"`
	EmailAttempts   int          `db:"email_attempts"`
	EmailSentAt     sql.NullTime `db:"email_sent_at"`
	EmailProviderID string       `db:"email_provider_id"`
	EmailError      string       `db:"email_error"`

	OverallStatus string    `db:"overall_status"`
	RetryCount    int       `db:"retry_count"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

func toRow(n Notification) row {
	r := row{
		ID:           n.ID,
		SubjectID:    n.SubjectID,
		Kind:         n.Kind,
		ContactPhone: n.ContactPhone,
		ContactEmail: n.ContactEmail,
		SubjectLine:  n.Subject,
		Message:      n.Message,
		HTML:         n.HTML,

		SMSEnabled:    n.SMS.Enabled,
		SMSStatus:     string(n.SMS.Status),
		SMSAttempts:   n.SMS.Attempts,
		SMSSentAt:     nullTime(n.SMS.SentAt),
		SMSProviderID: n.SMS.ProviderMessageID,
		SMSError:      n.SMS.ErrorMessage,

		EmailEnabled:    n.Email.Enabled,
		EmailStatus:     string(n.Email.Status),
		EmailAttempts:   n.Email.Attempts,
		EmailSentAt:     nullTime(n.Email.SentAt),
		EmailProviderID: n.Email.ProviderMessageID,
		EmailError:      n.Email.ErrorMessage,

		OverallStatus: string(n.OverallStatus),
		RetryCount:    n.RetryCount,
		CreatedAt:     n.CreatedAt.UTC(),
		UpdatedAt:     n.UpdatedAt.UTC(),
	}
	if n.RelatedRecordID != nil {
		r.RelatedRecordID = sql.NullString{String: *n.RelatedRecordID, Valid: true}
	}
	return r
}

func (r row) notification() Notification {
	n := Notification{
		ID:           r.ID,
		SubjectID:    r.SubjectID,
		Kind:         r.Kind,
		ContactPhone: r.ContactPhone,
		ContactEmail: r.ContactEmail,
		Subject:      r.SubjectLine,
		Message:      r.Message,
		HTML:         r.HTML,
		SMS: ChannelState{
			Enabled:           r.SMSEnabled,
			Status:            DeliveryStatus(r.SMSStatus),
			Attempts:          r.SMSAttempts,
			SentAt:            timePtr(r.SMSSentAt),
			ProviderMessageID: r.SMSProviderID,
			ErrorMessage:      r.SMSError,
		},
		Email: ChannelState{
			Enabled:           r.EmailEnabled,
			Status:            DeliveryStatus(r.EmailStatus),
			Attempts:          r.EmailAttempts,
			SentAt:            timePtr(r.EmailSentAt),
			ProviderMessageID: r.EmailProviderID,
			ErrorMessage:      r.EmailError,
		},
		OverallStatus: OverallStatus(r.OverallStatus),
		RetryCount:    r.RetryCount,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if r.RelatedRecordID.Valid {
		id := r.RelatedRecordID.String
		n.RelatedRecordID = &id
	}
	return n
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// Repository stores notifications in Postgres or SQLite.
type Repository struct {
	db *sqlx.DB
}

var _ Store = (*Repository)(nil)

// NewRepository creates a repo.
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

const notificationColumns = `id, subject_id, related_record_id, kind, contact_phone, contact_email,
	subject_line, message, html,
	sms_enabled, sms_status, sms_attempts, sms_sent_at, sms_provider_id, sms_error,
	email_enabled, email_status, email_attempts, email_sent_at, email_provider_id, email_error,
	overall_status, retry_count, created_at, updated_at`

func (r *Repository) Create(ctx context.Context, n Notification) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO notifications (`+notificationColumns+`)
		VALUES (:id, :subject_id, :related_record_id, :kind, :contact_phone, :contact_email,
			:subject_line, :message, :html,
			:sms_enabled, :sms_status, :sms_attempts, :sms_sent_at, :sms_provider_id, :sms_error,
			:email_enabled, :email_status, :email_attempts, :email_sent_at, :email_provider_id, :email_error,
			:overall_status, :retry_count, :created_at, :updated_at)
	`, toRow(n))
	if err != nil {
		return fmt.Errorf("inserting notification: %w", err)
	}
	return nil
}

func (r *Repository) Update(ctx context.Context, n Notification) error {
	res, err := r.db.NamedExecContext(ctx, `
		UPDATE notifications SET
			sms_status = :sms_status, sms_attempts = :sms_attempts, sms_sent_at = :sms_sent_at,
			sms_provider_id = :sms_provider_id, sms_error = :sms_error,
			email_status = :email_status, email_attempts = :email_attempts, email_sent_at = :email_sent_at,
			email_provider_id = :email_provider_id, email_error = :email_error,
			overall_status = :overall_status, retry_count = :retry_count, updated_at = :updated_at
		WHERE id = :id
	`, toRow(n))
	if err != nil {
		return fmt.Errorf("updating notification %s: %w", n.ID, err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return ErrNotificationNotFound
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (Notification, error) {
	var rw row
	err := r.db.GetContext(ctx, &rw, r.db.Rebind(`SELECT `+notificationColumns+` FROM notifications WHERE id = ?`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Notification{}, ErrNotificationNotFound
		}
		return Notification{}, fmt.Errorf("getting notification %s: %w", id, err)
	}
	return rw.notification(), nil
}

func (r *Repository) ListRetryable(ctx context.Context, maxRetries int, staleBefore time.Time, limit int) ([]Notification, error) {
	return r.list(ctx, `
		WHERE overall_status <> ? AND (sms_enabled = ? OR email_enabled = ?) AND retry_count < ?
			AND (overall_status <> ? OR updated_at < ?)
		ORDER BY created_at ASC LIMIT ?`,
		string(OverallSent), true, true, maxRetries, string(OverallPending), staleBefore.UTC(), limit)
}

func (r *Repository) Claim(ctx context.Context, id string, retryCount int, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE notifications SET retry_count = retry_count + 1, updated_at = ?
		WHERE id = ? AND retry_count = ?`), at.UTC(), id, retryCount)
	if err != nil {
		return false, fmt.Errorf("claiming notification %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claiming notification %s: %w", id, err)
	}
	return affected == 1, nil
}

func (r *Repository) ListBySubject(ctx context.Context, subjectID string, limit int) ([]Notification, error) {
	return r.list(ctx, `WHERE subject_id = ? ORDER BY created_at DESC LIMIT ?`, subjectID, limit)
}

func (r *Repository) list(ctx context.Context, tail string, args ...any) ([]Notification, error) {
	var rows []row
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`SELECT `+notificationColumns+` FROM notifications `+tail), args...); err != nil {
		return nil, fmt.Errorf("listing notifications: %w", err)
	}
	out := make([]Notification, 0, len(rows))
	for _, rw := range rows {
		out = append(out, rw.notification())
	}
	return out, nil
}

// MemoryStore keeps notifications in process. Used by tests and local runs.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]Notification
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]Notification)}
}

func (m *MemoryStore) Create(_ context.Context, n Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[n.ID]; ok {
		return fmt.Errorf("notification %s already exists", n.ID)
	}
	m.items[n.ID] = n
	return nil
}

func (m *MemoryStore) Update(_ context.Context, n Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[n.ID]; !ok {
		return ErrNotificationNotFound
	}
	m.items[n.ID] = n
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.items[id]
	if !ok {
		return Notification{}, ErrNotificationNotFound
	}
	return n, nil
}

func (m *MemoryStore) ListRetryable(_ context.Context, maxRetries int, staleBefore time.Time, limit int) ([]Notification, error) {
	return m.filter(func(n Notification) bool {
		if n.OverallStatus == OverallPending && !n.UpdatedAt.Before(staleBefore) {
			return false
		}
		return n.OverallStatus != OverallSent && n.HasEnabledChannel() && n.RetryCount < maxRetries
	}, limit, true), nil
}

func (m *MemoryStore) Claim(_ context.Context, id string, retryCount int, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.items[id]
	if !ok {
		return false, ErrNotificationNotFound
	}
	if n.RetryCount != retryCount {
		return false, nil
	}
	n.RetryCount++
	n.UpdatedAt = at
	m.items[id] = n
	return true, nil
}

func (m *MemoryStore) ListBySubject(_ context.Context, subjectID string, limit int) ([]Notification, error) {
	return m.filter(func(n Notification) bool { return n.SubjectID == subjectID }, limit, false), nil
}

func (m *MemoryStore) filter(match func(Notification) bool, limit int, oldestFirst bool) []Notification {
	m.mu.Lock()
	var out []Notification
	for _, n := range m.items {
		if match(n) {
			out = append(out, n)
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if oldestFirst {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
