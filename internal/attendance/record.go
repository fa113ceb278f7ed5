package attendance

import (
	"errors"
	"fmt"
	"time"
)

// Status is the attendance verdict stored on a record.
type Status string

const (
	StatusPresent Status = "present"
	StatusLate    Status = "late"
	StatusAbsent  Status = "absent"
)

// Window is the time bucket a scan fell into.
type Window string

const (
	WindowEarly    Window = "early"
	WindowOnTime   Window = "on_time"
	WindowLate     Window = "late"
	WindowVeryLate Window = "very_late"
)

// DateLayout is the calendar-date key used for scan_date.
const DateLayout = "2006-01-02"

var (
	ErrDuplicateScan   = errors.New("subject already scanned today")
	ErrInvalidScanTime = errors.New("invalid scan time")
	ErrRecordNotFound  = errors.New("attendance record not found")
	ErrReasonRequired  = errors.New("invalidation reason required")
)

// DuplicateScanError carries the record that already holds the day's slot.
type DuplicateScanError struct {
	Existing *Record
}

func (e *DuplicateScanError) Error() string {
	if e.Existing == nil {
		return ErrDuplicateScan.Error()
	}
	return fmt.Sprintf("%s (record %s at %s)", ErrDuplicateScan, e.Existing.ID, e.Existing.ScanTime.Format(time.RFC3339))
}

func (e *DuplicateScanError) Unwrap() error { return ErrDuplicateScan }

// Record is one attendance ledger entry. Rows are never deleted; an
// invalidated scan keeps IsValidScan=false and an InvalidReason.
type Record struct {
	ID                 string    `db:"id" json:"id"`
	SubjectID          string    `db:"subject_id" json:"subject_id"`
	RecordedBy         string    `db:"recorded_by" json:"recorded_by"`
	ScanTime           time.Time `db:"scan_time" json:"scan_time"`
	ScanDate           string    `db:"scan_date" json:"scan_date"`
	Status             Status    `db:"status" json:"status"`
	TimeWindow         Window    `db:"time_window" json:"time_window,omitempty"`
	MinutesLate        int       `db:"minutes_late" json:"minutes_late"`
	Location           string    `db:"location" json:"location"`
	Notes              string    `db:"notes" json:"notes,omitempty"`
	Latitude           *float64  `db:"latitude" json:"latitude,omitempty"`
	Longitude          *float64  `db:"longitude" json:"longitude,omitempty"`
	RawCode            string    `db:"raw_code" json:"raw_code,omitempty"`
	IsValidScan        bool      `db:"is_valid_scan" json:"is_valid_scan"`
	InvalidReason      *string   `db:"invalid_reason" json:"invalid_reason,omitempty"`
	NotificationID     *string   `db:"notification_id" json:"notification_id,omitempty"`
	NotificationStatus string    `db:"notification_status" json:"notification_status,omitempty"`
	CreatedAt          time.Time `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time `db:"updated_at" json:"updated_at"`
}

// NotificationState is the denormalised delivery summary kept on a record.
type NotificationState struct {
	NotificationID string
	Status         string
}

// RecordFilter narrows record listings.
type RecordFilter struct {
	Date      string
	SubjectID string
	Limit     int
	Offset    int
}

// DateKey formats t as a scan_date in loc.
func DateKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(DateLayout)
}

// DayBounds returns [start, end] of the calendar day containing t in loc.
func DayBounds(t time.Time, loc *time.Location) (time.Time, time.Time) {
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	end := start.AddDate(0, 0, 1).Add(-time.Nanosecond)
	return start, end
}
