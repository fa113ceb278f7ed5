// Package directory is the read side of the people registry. Records are
// maintained elsewhere; attendance only looks subjects up.
package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jmoiron/sqlx"
)

var (
	ErrSubjectNotFound = errors.New("subject not found")
	ErrSubjectInactive = errors.New("subject inactive")
)

// Subject is a student or employee with guardian/emergency contact details.
type Subject struct {
	ID           string `db:"id" json:"id"`
	DisplayName  string `db:"display_name" json:"display_name"`
	Group        string `db:"group_name" json:"group"`
	Subgroup     string `db:"subgroup" json:"subgroup"`
	ContactName  string `db:"contact_name" json:"contact_name"`
	ContactPhone string `db:"contact_phone" json:"contact_phone"`
	ContactEmail string `db:"contact_email" json:"contact_email"`
	Active       bool   `db:"active" json:"active"`
}

// Directory resolves subjects.
type Directory interface {
	FindActiveSubjects(ctx context.Context) ([]Subject, error)
	// FindSubjectByID returns ErrSubjectNotFound for unknown ids.
	FindSubjectByID(ctx context.Context, id string) (Subject, error)
}

// Repository reads subjects from the shared database.
type Repository struct {
	db *sqlx.DB
}

var _ Directory = (*Repository)(nil)

// NewRepository creates a repo.
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

const subjectColumns = `id, display_name, group_name, subgroup, contact_name, contact_phone, contact_email, active`

func (r *Repository) FindActiveSubjects(ctx context.Context) ([]Subject, error) {
	var subjects []Subject
	err := r.db.SelectContext(ctx, &subjects, r.db.Rebind(`
		SELECT `+subjectColumns+` FROM subjects WHERE active = ? ORDER BY id`), true)
	if err != nil {
		return nil, fmt.Errorf("listing active subjects: %w", err)
	}
	return subjects, nil
}

func (r *Repository) FindSubjectByID(ctx context.Context, id string) (Subject, error) {
	var s Subject
	err := r.db.GetContext(ctx, &s, r.db.Rebind(`SELECT `+subjectColumns+` FROM subjects WHERE id = ?`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Subject{}, ErrSubjectNotFound
		}
		return Subject{}, fmt.Errorf("getting subject %s: %w", id, err)
	}
	return s, nil
}

// Upsert creates or replaces a subject. Used by seeding and tests; the
// registry itself lives outside this service.
func (r *Repository) Upsert(ctx context.Context, s Subject) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO subjects (`+subjectColumns+`)
		VALUES (:id, :display_name, :group_name, :subgroup, :contact_name, :contact_phone, :contact_email, :active)
		ON CONFLICT (id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			group_name = EXCLUDED.group_name,
			subgroup = EXCLUDED.subgroup,
			contact_name = EXCLUDED.contact_name,
			contact_phone = EXCLUDED.contact_phone,
			contact_email = EXCLUDED.contact_email,
			active = EXCLUDED.active
	`, s)
	if err != nil {
		return fmt.Errorf("upserting subject %s: %w", s.ID, err)
	}
	return nil
}

// MemoryDirectory is a fixed in-process Directory.
type MemoryDirectory struct {
	mu       sync.RWMutex
	subjects map[string]Subject
}

var _ Directory = (*MemoryDirectory)(nil)

// NewMemoryDirectory seeds a directory with subjects.
func NewMemoryDirectory(subjects ...Subject) *MemoryDirectory {
	d := &MemoryDirectory{subjects: make(map[string]Subject, len(subjects))}
	for _, s := range subjects {
		d.subjects[s.ID] = s
	}
	return d
}

// Put adds or replaces a subject.
func (d *MemoryDirectory) Put(s Subject) {
	d.mu.Lock()
	d.subjects[s.ID] = s
	d.mu.Unlock()
}

func (d *MemoryDirectory) FindActiveSubjects(context.Context) ([]Subject, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []Subject
	for _, s := range d.subjects {
		if s.Active {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *MemoryDirectory) FindSubjectByID(_ context.Context, id string) (Subject, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.subjects[id]
	if !ok {
		return Subject{}, ErrSubjectNotFound
	}
	return s, nil
}
