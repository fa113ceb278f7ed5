// Package notify delivers attendance notifications to a subject's contact
// over SMS and email, tracking each channel separately so a notification
// can be partially delivered and retried later.
package notify

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Channel is a delivery medium.
type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
)

// DeliveryStatus is the state of a single channel.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// OverallStatus summarises all enabled channels.
type OverallStatus string

const (
	OverallPending OverallStatus = "pending"
	OverallPartial OverallStatus = "partial"
	OverallSent    OverallStatus = "sent"
	OverallFailed  OverallStatus = "failed"
)

// Notification kinds.
const (
	KindArrival = "arrival"
	KindAbsence = "absence"
	KindBulk    = "bulk"
)

var (
	ErrNoDeliverableChannel = errors.New("no deliverable channel")
	ErrChannelSendFailed    = errors.New("all notification channels failed")
	ErrProviderTimeout      = errors.New("provider timed out")
	ErrNotificationNotFound = errors.New("notification not found")
	ErrRetriesExhausted     = errors.New("notification retries exhausted")
	ErrNotificationBusy     = errors.New("notification claimed by another retry")
)

// SendError reports per-channel failures when no channel succeeded.
type SendError struct {
	NotificationID string
	Failures       map[Channel]string
}

func (e *SendError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, ch := range []Channel{ChannelSMS, ChannelEmail} {
		if msg, ok := e.Failures[ch]; ok {
			parts = append(parts, fmt.Sprintf("%s: %s", ch, msg))
		}
	}
	return fmt.Sprintf("%s (notification %s; %s)", ErrChannelSendFailed, e.NotificationID, strings.Join(parts, "; "))
}

func (e *SendError) Unwrap() error { return ErrChannelSendFailed }

// ChannelState tracks one channel of a notification.
type ChannelState struct {
	Enabled           bool           `json:"enabled"`
	Status            DeliveryStatus `json:"status"`
	Attempts          int            `json:"attempts"`
	SentAt            *time.Time     `json:"sent_at,omitempty"`
	ProviderMessageID string         `json:"provider_message_id,omitempty"`
	ErrorMessage      string         `json:"error_message,omitempty"`
}

func (c ChannelState) done() bool {
	return c.Status == DeliverySent || c.Status == DeliveryDelivered
}

// needsAttempt reports whether the channel is enabled but not yet delivered.
func (c ChannelState) needsAttempt() bool {
	return c.Enabled && !c.done()
}

// Notification is one message to one subject's contact.
type Notification struct {
	ID              string        `json:"id"`
	SubjectID       string        `json:"subject_id"`
	RelatedRecordID *string       `json:"related_record_id,omitempty"`
	Kind            string        `json:"kind"`
	ContactPhone    string        `json:"contact_phone,omitempty"`
	ContactEmail    string        `json:"contact_email,omitempty"`
	Subject         string        `json:"subject,omitempty"`
	Message         string        `json:"message"`
	HTML            string        `json:"-"`
	SMS             ChannelState  `json:"sms"`
	Email           ChannelState  `json:"email"`
	OverallStatus   OverallStatus `json:"overall_status"`
	RetryCount      int           `json:"retry_count"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// HasEnabledChannel reports whether any channel can be attempted.
func (n Notification) HasEnabledChannel() bool {
	return n.SMS.Enabled || n.Email.Enabled
}

// DeriveOverall computes the overall status from the enabled channels.
func DeriveOverall(n Notification) OverallStatus {
	var enabled, done, failed int
	for _, c := range []ChannelState{n.SMS, n.Email} {
		if !c.Enabled {
			continue
		}
		enabled++
		switch {
		case c.done():
			done++
		case c.Status == DeliveryFailed:
			failed++
		}
	}
	switch {
	case enabled == 0:
		return OverallPending
	case done == enabled:
		return OverallSent
	case failed == enabled:
		return OverallFailed
	case done > 0:
		return OverallPartial
	default:
		return OverallPending
	}
}

// Recipient is the subject and contact a notification is addressed to.
type Recipient struct {
	SubjectID string `json:"subject_id"`
	Name      string `json:"name"`
	Phone     string `json:"phone"`
	Email     string `json:"email"`
	RecordID  string `json:"record_id,omitempty"`
}

// Message is the rendered content of a notification.
type Message struct {
	Kind    string `json:"kind"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
	HTML    string `json:"html,omitempty"`
}

// BulkResult is the per-recipient outcome of a bulk send.
type BulkResult struct {
	SubjectID      string        `json:"subject_id"`
	NotificationID string        `json:"notification_id,omitempty"`
	Status         OverallStatus `json:"status,omitempty"`
	Error          string        `json:"error,omitempty"`
}

// RetrySummary is the outcome of a retry pass.
type RetrySummary struct {
	Attempted int      `json:"attempted"`
	Sent      int      `json:"sent"`
	Partial   int      `json:"partial"`
	Failed    int      `json:"failed"`
	Skipped   int      `json:"skipped,omitempty"`
	Errors    []string `json:"errors,omitempty"`
}
