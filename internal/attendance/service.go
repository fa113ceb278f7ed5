package attendance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"qrattendance/internal/directory"
	"qrattendance/internal/metrics"
	"qrattendance/internal/qrcode"
	"qrattendance/internal/queue"
)

// Decoder turns a raw QR string into a verified identity.
type Decoder interface {
	Decode(raw string) (qrcode.Identity, error)
}

// Publisher hands notification jobs to the dispatcher side.
type Publisher interface {
	Publish(ctx context.Context, msg queue.Message) error
}

// Options tunes classification and scan validation.
type Options struct {
	DayStartMinute int
	Location       *time.Location
	MaxAge         time.Duration // oldest acceptable scan
	ClockSkew      time.Duration // tolerated scanner clock drift into the future
	Now            func() time.Time
}

// ScanRequest is one QR scan submitted by a staff member.
type ScanRequest struct {
	Payload    string
	Location   string
	Notes      string
	Latitude   *float64
	Longitude  *float64
	RecordedBy string
	ScannedAt  time.Time // zero means now
}

// ScanResult is returned for an accepted scan.
type ScanResult struct {
	Record         Record            `json:"record"`
	Classification Classification    `json:"classification"`
	Subject        directory.Subject `json:"subject"`
}

// Service coordinates scan validation, classification and recording.
type Service struct {
	store     Store
	decoder   Decoder
	directory directory.Directory
	publisher Publisher
	opts      Options
}

// NewService creates a service backed by a store.
func NewService(store Store, decoder Decoder, dir directory.Directory, publisher Publisher, opts Options) *Service {
	if opts.DayStartMinute <= 0 {
		opts.DayStartMinute = DefaultDayStartMinute
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 24 * time.Hour
	}
	if opts.ClockSkew < 0 {
		opts.ClockSkew = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{store: store, decoder: decoder, directory: dir, publisher: publisher, opts: opts}
}

// Location is the timezone used for calendar days.
func (s *Service) Location() *time.Location { return s.opts.Location }

// Scan records attendance for the subject named by the QR payload.
//
// The arrival notification is published after the record is stored and is
// not awaited; its outcome never affects the returned result.
func (s *Service) Scan(ctx context.Context, req ScanRequest) (ScanResult, error) {
	res, err := s.scan(ctx, req)
	if err != nil {
		metrics.ScansRejected.WithLabelValues(Kind(err)).Inc()
		return ScanResult{}, err
	}
	metrics.ScansRecorded.WithLabelValues(string(res.Classification.Status), string(res.Classification.Window)).Inc()
	s.publishArrival(ctx, res.Record)
	return res, nil
}

func (s *Service) scan(ctx context.Context, req ScanRequest) (ScanResult, error) {
	identity, err := s.decoder.Decode(req.Payload)
	if err != nil {
		return ScanResult{}, err
	}

	subject, err := s.directory.FindSubjectByID(ctx, identity.SubjectID)
	if err != nil {
		return ScanResult{}, err
	}
	if !subject.Active {
		return ScanResult{}, directory.ErrSubjectInactive
	}

	scanTime, err := s.validateScanTime(req.ScannedAt)
	if err != nil {
		return ScanResult{}, err
	}

	local := scanTime.In(s.opts.Location)
	class := Classify(local, s.opts.DayStartMinute)
	date := local.Format(DateLayout)

	if existing, err := s.CheckDuplicate(ctx, subject.ID, local); err != nil {
		return ScanResult{}, err
	} else if existing != nil {
		return ScanResult{}, &DuplicateScanError{Existing: existing}
	}

	rec, err := s.store.Insert(ctx, Record{
		SubjectID:   subject.ID,
		RecordedBy:  req.RecordedBy,
		ScanTime:    scanTime.UTC(),
		ScanDate:    date,
		Status:      class.Status,
		TimeWindow:  class.Window,
		MinutesLate: class.MinutesLate,
		Location:    req.Location,
		Notes:       req.Notes,
		Latitude:    req.Latitude,
		Longitude:   req.Longitude,
		RawCode:     req.Payload,
		IsValidScan: true,
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateScan) {
			// lost the race to a concurrent scan; echo the winner
			existing, lookupErr := s.CheckDuplicate(ctx, subject.ID, local)
			if lookupErr != nil {
				return ScanResult{}, fmt.Errorf("%w: loading existing record: %v", ErrDuplicateScan, lookupErr)
			}
			return ScanResult{}, &DuplicateScanError{Existing: existing}
		}
		return ScanResult{}, err
	}

	log.Printf("[scan] %s (%s) recorded %s/%s by %s", subject.ID, subject.DisplayName, rec.Status, rec.TimeWindow, req.RecordedBy)
	return ScanResult{Record: rec, Classification: class, Subject: subject}, nil
}

func (s *Service) validateScanTime(scannedAt time.Time) (time.Time, error) {
	now := s.opts.Now()
	if scannedAt.IsZero() {
		return now, nil
	}
	if scannedAt.After(now.Add(s.opts.ClockSkew)) {
		return time.Time{}, fmt.Errorf("%w: %s is in the future", ErrInvalidScanTime, scannedAt.Format(time.RFC3339))
	}
	if now.Sub(scannedAt) > s.opts.MaxAge {
		return time.Time{}, fmt.Errorf("%w: %s is older than %s", ErrInvalidScanTime, scannedAt.Format(time.RFC3339), s.opts.MaxAge)
	}
	return scannedAt, nil
}

func (s *Service) publishArrival(ctx context.Context, rec Record) {
	if s.publisher == nil {
		return
	}
	msg, err := queue.NewMessage(queue.TypeArrival, queue.NotificationJob{RecordID: rec.ID, SubjectID: rec.SubjectID})
	if err != nil {
		log.Printf("[scan] encode arrival job for %s: %v", rec.ID, err)
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	go func() {
		defer cancel()
		if err := s.publisher.Publish(pubCtx, msg); err != nil {
			metrics.EnqueueFailures.Inc()
			log.Printf("[scan] queue publish for %s failed: %v", rec.ID, err)
		}
	}()
}

// CheckDuplicate returns the valid record already held by subjectID on day, if any.
func (s *Service) CheckDuplicate(ctx context.Context, subjectID string, day time.Time) (*Record, error) {
	return s.store.FindValidForDate(ctx, subjectID, DateKey(day, s.opts.Location))
}

// Invalidate soft-invalidates a record as an administrative correction.
func (s *Service) Invalidate(ctx context.Context, recordID, reason string) (Record, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Record{}, ErrReasonRequired
	}
	if err := s.store.Invalidate(ctx, recordID, reason); err != nil {
		return Record{}, err
	}
	log.Printf("[scan] record %s invalidated: %s", recordID, reason)
	return s.store.Get(ctx, recordID)
}

// ListRecords returns records matching f.
func (s *Service) ListRecords(ctx context.Context, f RecordFilter) ([]Record, error) {
	return s.store.List(ctx, f)
}

// Kind maps scan-path errors to their taxonomy names.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, qrcode.ErrMalformedPayload):
		return "MalformedPayload"
	case errors.Is(err, qrcode.ErrIntegrityCheckFailed):
		return "IntegrityCheckFailed"
	case errors.Is(err, qrcode.ErrExpired):
		return "Expired"
	case errors.Is(err, qrcode.ErrMissingFields):
		return "MissingFields"
	case errors.Is(err, ErrDuplicateScan):
		return "DuplicateScan"
	case errors.Is(err, ErrInvalidScanTime):
		return "InvalidScanTime"
	case errors.Is(err, directory.ErrSubjectNotFound):
		return "SubjectNotFound"
	case errors.Is(err, directory.ErrSubjectInactive):
		return "SubjectInactive"
	case errors.Is(err, ErrRecordNotFound):
		return "RecordNotFound"
	case errors.Is(err, ErrReasonRequired):
		return "BadRequest"
	default:
		return "Internal"
	}
}
