package attendance

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store with the same per-day uniqueness rules
// as the SQL indexes. Used by tests and local tooling.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (m *MemoryStore) Insert(_ context.Context, rec Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.records {
		if existing.SubjectID != rec.SubjectID || existing.ScanDate != rec.ScanDate {
			continue
		}
		if existing.IsValidScan && rec.IsValidScan {
			return Record{}, ErrDuplicateScan
		}
		if existing.Status == StatusAbsent && rec.Status == StatusAbsent {
			return Record{}, ErrDuplicateScan
		}
	}

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.UpdatedAt = rec.CreatedAt
	m.records[rec.ID] = rec
	return rec, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return Record{}, ErrRecordNotFound
	}
	return rec, nil
}

func (m *MemoryStore) FindValidForDate(_ context.Context, subjectID, date string) (*Record, error) {
	return m.find(func(r Record) bool {
		return r.SubjectID == subjectID && r.ScanDate == date && r.IsValidScan
	}), nil
}

func (m *MemoryStore) FindAbsenceForDate(_ context.Context, subjectID, date string) (*Record, error) {
	return m.find(func(r Record) bool {
		return r.SubjectID == subjectID && r.ScanDate == date && r.Status == StatusAbsent
	}), nil
}

func (m *MemoryStore) find(match func(Record) bool) *Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if match(r) {
			rec := r
			return &rec
		}
	}
	return nil
}

func (m *MemoryStore) PresentSubjectIDs(_ context.Context, date string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	var ids []string
	for _, r := range m.records {
		if r.ScanDate == date && r.IsValidScan && !seen[r.SubjectID] {
			seen[r.SubjectID] = true
			ids = append(ids, r.SubjectID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) UpdateNotificationState(_ context.Context, id string, state NotificationState) error {
	return m.mutate(id, func(r *Record) {
		if state.NotificationID != "" {
			nid := state.NotificationID
			r.NotificationID = &nid
		}
		r.NotificationStatus = state.Status
	})
}

func (m *MemoryStore) Invalidate(_ context.Context, id, reason string) error {
	return m.mutate(id, func(r *Record) {
		r.IsValidScan = false
		r.InvalidReason = &reason
	})
}

func (m *MemoryStore) mutate(id string, fn func(*Record)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return ErrRecordNotFound
	}
	fn(&rec)
	rec.UpdatedAt = time.Now().UTC()
	m.records[id] = rec
	return nil
}

func (m *MemoryStore) List(_ context.Context, f RecordFilter) ([]Record, error) {
	f = f.normalize()
	m.mu.Lock()
	var out []Record
	for _, r := range m.records {
		if f.Date != "" && r.ScanDate != f.Date {
			continue
		}
		if f.SubjectID != "" && r.SubjectID != f.SubjectID {
			continue
		}
		out = append(out, r)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ScanTime.After(out[j].ScanTime) })
	if f.Offset >= len(out) {
		return nil, nil
	}
	out = out[f.Offset:]
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// All returns every record; test helper.
func (m *MemoryStore) All() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	return out
}
