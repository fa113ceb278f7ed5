// Package sweep marks subjects who never scanned in as absent and notifies
// their contacts, once per day after the cutoff.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"qrattendance/internal/attendance"
	"qrattendance/internal/directory"
	"qrattendance/internal/metrics"
	"qrattendance/internal/notify"
)

var (
	ErrSweepInProgress = errors.New("absentee sweep already running")
	ErrInvalidDate     = errors.New("invalid date")
)

// SubjectResult is the outcome for one absentee.
type SubjectResult struct {
	SubjectID          string `json:"subject_id"`
	Name               string `json:"name"`
	RecordID           string `json:"record_id,omitempty"`
	NotificationID     string `json:"notification_id,omitempty"`
	NotificationStatus string `json:"notification_status,omitempty"`
	AlreadyRecorded    bool   `json:"already_recorded,omitempty"`
	Error              string `json:"error,omitempty"`
}

// Summary reports one sweep run.
type Summary struct {
	Date           string              `json:"date"`
	StartedAt      time.Time           `json:"started_at"`
	Duration       time.Duration       `json:"duration"`
	Total          int                 `json:"total"`
	Absentees      int                 `json:"absentees"`
	RecordsCreated int                 `json:"records_created"`
	EmailsSent     int                 `json:"emails_sent"`
	SMSSent        int                 `json:"sms_sent"`
	ErrorCount     int                 `json:"error_count"`
	Errors         []string            `json:"errors,omitempty"`
	Results        []SubjectResult     `json:"results"`
	Retry          notify.RetrySummary `json:"retry"`
}

func (s *Summary) fail(subjectID string, err error) {
	s.ErrorCount++
	s.Errors = append(s.Errors, fmt.Sprintf("%s: %v", subjectID, err))
}

// Notifier sends the absence notification for a record.
type Notifier interface {
	Notify(ctx context.Context, rec attendance.Record, subject directory.Subject) (notify.Notification, error)
}

// Retrier runs the pending-notification retry pass.
type Retrier interface {
	RetryPending(ctx context.Context) (notify.RetrySummary, error)
}

// Sweeper finds today's absentees and records their absence.
type Sweeper struct {
	records   attendance.Store
	directory directory.Directory
	notifier  Notifier
	retrier   Retrier
	loc       *time.Location
	now       func() time.Time
	running   atomic.Bool
}

// NewSweeper creates a sweeper. retrier may be nil to skip the retry pass.
func NewSweeper(records attendance.Store, dir directory.Directory, notifier Notifier, retrier Retrier, loc *time.Location) *Sweeper {
	if loc == nil {
		loc = time.UTC
	}
	return &Sweeper{records: records, directory: dir, notifier: notifier, retrier: retrier, loc: loc, now: time.Now}
}

// WithClock overrides the clock; used in tests.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Running reports whether a sweep is in flight.
func (s *Sweeper) Running() bool { return s.running.Load() }

// Run performs one sweep for today. Only one run may be in flight; a
// concurrent call returns ErrSweepInProgress. Every absentee is visited even
// after ctx is done; per-subject failures are collected in the summary.
func (s *Sweeper) Run(ctx context.Context) (Summary, error) {
	if !s.running.CompareAndSwap(false, true) {
		return Summary{}, ErrSweepInProgress
	}
	defer s.running.Store(false)

	started := s.now()
	sum := Summary{Date: attendance.DateKey(started, s.loc), StartedAt: started}
	log.Printf("[sweep] starting absentee sweep for %s", sum.Date)

	subjects, err := s.directory.FindActiveSubjects(ctx)
	if err != nil {
		return sum, fmt.Errorf("loading active subjects: %w", err)
	}
	absentees, err := s.absentees(ctx, subjects, sum.Date)
	if err != nil {
		return sum, err
	}
	sum.Total = len(subjects)
	sum.Absentees = len(absentees)

	for _, subject := range absentees {
		res := s.markAbsent(ctx, subject, sum.Date, started, &sum)
		sum.Results = append(sum.Results, res)
	}

	if s.retrier != nil {
		retry, err := s.retrier.RetryPending(ctx)
		if err != nil {
			sum.fail("retry", err)
		}
		sum.Retry = retry
	}

	sum.Duration = s.now().Sub(started)
	metrics.SweepAbsentees.Add(float64(sum.RecordsCreated))
	metrics.SweepDuration.Observe(sum.Duration.Seconds())
	log.Printf("[sweep] done date=%s total=%d absentees=%d recordsCreated=%d emailsSent=%d smsSent=%d errorCount=%d",
		sum.Date, sum.Total, sum.Absentees, sum.RecordsCreated, sum.EmailsSent, sum.SMSSent, sum.ErrorCount)
	return sum, nil
}

func (s *Sweeper) markAbsent(ctx context.Context, subject directory.Subject, date string, at time.Time, sum *Summary) SubjectResult {
	res := SubjectResult{SubjectID: subject.ID, Name: subject.DisplayName}

	existing, err := s.records.FindAbsenceForDate(ctx, subject.ID, date)
	if err != nil {
		sum.fail(subject.ID, err)
		res.Error = err.Error()
		return res
	}
	if existing != nil {
		res.AlreadyRecorded = true
		res.RecordID = existing.ID
		return res
	}

	rec, err := s.records.Insert(ctx, attendance.Record{
		SubjectID:   subject.ID,
		RecordedBy:  "system",
		ScanTime:    at.UTC(),
		ScanDate:    date,
		Status:      attendance.StatusAbsent,
		Notes:       "Automatically marked absent",
		IsValidScan: false,
	})
	if errors.Is(err, attendance.ErrDuplicateScan) {
		// a concurrent sweep got there first
		res.AlreadyRecorded = true
		return res
	}
	if err != nil {
		sum.fail(subject.ID, err)
		res.Error = err.Error()
		return res
	}
	sum.RecordsCreated++
	res.RecordID = rec.ID

	if s.notifier == nil {
		return res
	}
	n, err := s.notifier.Notify(ctx, rec, subject)
	res.NotificationID = n.ID
	res.NotificationStatus = string(n.OverallStatus)
	if n.SMS.Status == notify.DeliverySent {
		sum.SMSSent++
	}
	if n.Email.Status == notify.DeliverySent {
		sum.EmailsSent++
	}
	if err != nil && !errors.Is(err, notify.ErrNoDeliverableChannel) {
		sum.fail(subject.ID, err)
		res.Error = err.Error()
	}
	return res
}

// Absentees lists active subjects without a valid record on date
// (YYYY-MM-DD, empty for today). It writes nothing.
func (s *Sweeper) Absentees(ctx context.Context, date string) ([]directory.Subject, error) {
	if date == "" {
		date = attendance.DateKey(s.now(), s.loc)
	} else if _, err := time.ParseInLocation(attendance.DateLayout, date, s.loc); err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidDate, date, err)
	}
	subjects, err := s.directory.FindActiveSubjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading active subjects: %w", err)
	}
	return s.absentees(ctx, subjects, date)
}

func (s *Sweeper) absentees(ctx context.Context, subjects []directory.Subject, date string) ([]directory.Subject, error) {
	present, err := s.records.PresentSubjectIDs(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("loading present subjects: %w", err)
	}
	seen := make(map[string]struct{}, len(present))
	for _, id := range present {
		seen[id] = struct{}{}
	}
	out := make([]directory.Subject, 0, len(subjects))
	for _, subject := range subjects {
		if _, ok := seen[subject.ID]; !ok {
			out = append(out, subject)
		}
	}
	return out, nil
}
