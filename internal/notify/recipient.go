package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"qrattendance/internal/attendance"
	"qrattendance/internal/directory"
)

// RecordNotifier renders and sends the notification for an attendance
// record, then writes the delivery summary back onto the record.
type RecordNotifier struct {
	dispatcher *Dispatcher
	records    attendance.Store
	loc        *time.Location
	cutoff     string
}

// NewRecordNotifier builds a notifier. cutoff is the HH:MM shown in absence messages.
func NewRecordNotifier(d *Dispatcher, records attendance.Store, loc *time.Location, cutoff string) *RecordNotifier {
	if loc == nil {
		loc = time.UTC
	}
	return &RecordNotifier{dispatcher: d, records: records, loc: loc, cutoff: cutoff}
}

// RecipientFor addresses a subject's contact.
func RecipientFor(s directory.Subject) Recipient {
	name := s.ContactName
	if name == "" {
		name = s.DisplayName
	}
	return Recipient{SubjectID: s.ID, Name: name, Phone: s.ContactPhone, Email: s.ContactEmail}
}

// Notify sends the arrival or absence message for rec. The record's
// notification state is updated whenever a notification was created, even
// if delivery failed.
func (rn *RecordNotifier) Notify(ctx context.Context, rec attendance.Record, subject directory.Subject) (Notification, error) {
	msg, err := rn.message(rec, subject)
	if err != nil {
		return Notification{}, fmt.Errorf("rendering %s message for %s: %w", rec.Status, rec.ID, err)
	}

	recipient := RecipientFor(subject)
	recipient.RecordID = rec.ID
	n, sendErr := rn.dispatcher.Send(ctx, recipient, msg)
	if n.ID == "" {
		return n, sendErr
	}

	state := attendance.NotificationState{NotificationID: n.ID, Status: string(n.OverallStatus)}
	if err := rn.records.UpdateNotificationState(ctx, rec.ID, state); err != nil {
		log.Printf("[notify] writing state onto record %s: %v", rec.ID, err)
		return n, errors.Join(sendErr, err)
	}
	return n, sendErr
}

func (rn *RecordNotifier) message(rec attendance.Record, s directory.Subject) (Message, error) {
	if rec.Status == attendance.StatusAbsent {
		return AbsenceMessage(AbsenceData{
			Name:     s.DisplayName,
			Group:    s.Group,
			Subgroup: s.Subgroup,
			Date:     rec.ScanDate,
			Cutoff:   rn.cutoff,
		})
	}
	return ArrivalMessage(ArrivalData{
		Name:        s.DisplayName,
		Group:       s.Group,
		Subgroup:    s.Subgroup,
		Time:        rec.ScanTime.In(rn.loc).Format("15:04"),
		Status:      string(rec.Status),
		MinutesLate: rec.MinutesLate,
		Location:    rec.Location,
	})
}
