package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"qrattendance/internal/metrics"
)

// Config tunes delivery.
type Config struct {
	ProviderTimeout time.Duration
	MaxRetries      int
	RetryBatch      int
	Now             func() time.Time
}

// Dispatcher sends notifications over the enabled channels and records
// per-channel outcomes.
type Dispatcher struct {
	store Store
	sms   SMSSender
	email EmailSender
	cfg   Config
}

// NewDispatcher wires providers to a store. A nil sender disables its channel.
func NewDispatcher(store Store, sms SMSSender, email EmailSender, cfg Config) *Dispatcher {
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBatch <= 0 {
		cfg.RetryBatch = 100
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Dispatcher{store: store, sms: sms, email: email, cfg: cfg}
}

// MaxRetries is the retry budget per notification.
func (d *Dispatcher) MaxRetries() int { return d.cfg.MaxRetries }

// Send creates a notification for r and attempts every requested channel
// concurrently. With no channels given both are requested. A channel is only
// enabled when the recipient has the matching contact and a sender exists.
//
// Partial delivery is not an error. When every enabled channel fails the
// persisted notification is returned together with a *SendError.
func (d *Dispatcher) Send(ctx context.Context, r Recipient, msg Message, channels ...Channel) (Notification, error) {
	if len(channels) == 0 {
		channels = []Channel{ChannelSMS, ChannelEmail}
	}
	want := map[Channel]bool{}
	for _, ch := range channels {
		want[ch] = true
	}

	now := d.cfg.Now().UTC()
	n := Notification{
		ID:           uuid.NewString(),
		SubjectID:    r.SubjectID,
		Kind:         msg.Kind,
		ContactPhone: r.Phone,
		ContactEmail: r.Email,
		Subject:      msg.Subject,
		Message:      msg.Text,
		HTML:         msg.HTML,
		SMS:          ChannelState{Status: DeliveryPending, Enabled: want[ChannelSMS] && r.Phone != "" && d.sms != nil},
		Email:        ChannelState{Status: DeliveryPending, Enabled: want[ChannelEmail] && r.Email != "" && d.email != nil},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if r.RecordID != "" {
		id := r.RecordID
		n.RelatedRecordID = &id
	}
	n.OverallStatus = DeriveOverall(n)

	if err := d.store.Create(ctx, n); err != nil {
		return Notification{}, err
	}
	if !n.HasEnabledChannel() {
		log.Printf("[notify] %s for %s has no deliverable channel", n.ID, n.SubjectID)
		return n, ErrNoDeliverableChannel
	}

	failures := d.attempt(ctx, &n)
	if err := d.save(ctx, &n); err != nil {
		return n, err
	}
	if n.OverallStatus == OverallFailed {
		return n, &SendError{NotificationID: n.ID, Failures: failures}
	}
	return n, nil
}

// Retry re-attempts the channels of n that are enabled but not delivered.
// Once the retry budget is spent the remaining channels are marked failed
// and the notification is not retried again. n must be the stored state:
// when another caller has retried it since, ErrNotificationBusy is returned
// and no provider is called.
func (d *Dispatcher) Retry(ctx context.Context, n Notification) (Notification, error) {
	if n.OverallStatus == OverallSent {
		return n, nil
	}
	if !n.HasEnabledChannel() {
		return n, ErrNoDeliverableChannel
	}
	if n.RetryCount >= d.cfg.MaxRetries {
		d.exhaust(&n)
		if err := d.save(ctx, &n); err != nil {
			return n, err
		}
		return n, ErrRetriesExhausted
	}

	claimed, err := d.store.Claim(ctx, n.ID, n.RetryCount, d.cfg.Now().UTC())
	if err != nil {
		return n, err
	}
	if !claimed {
		return n, ErrNotificationBusy
	}
	n.RetryCount++
	failures := d.attempt(ctx, &n)
	if n.RetryCount >= d.cfg.MaxRetries {
		d.exhaust(&n)
	}
	if err := d.save(ctx, &n); err != nil {
		return n, err
	}
	if n.OverallStatus == OverallFailed {
		return n, &SendError{NotificationID: n.ID, Failures: failures}
	}
	return n, nil
}

// RetryPending retries every eligible notification, one at a time. A first
// send younger than twice the provider timeout is left to its own call.
func (d *Dispatcher) RetryPending(ctx context.Context) (RetrySummary, error) {
	staleBefore := d.cfg.Now().Add(-2 * d.cfg.ProviderTimeout)
	pending, err := d.store.ListRetryable(ctx, d.cfg.MaxRetries, staleBefore, d.cfg.RetryBatch)
	if err != nil {
		return RetrySummary{}, err
	}

	var sum RetrySummary
	for _, n := range pending {
		if ctx.Err() != nil {
			break
		}
		out, err := d.Retry(ctx, n)
		if errors.Is(err, ErrNotificationBusy) {
			sum.Skipped++
			continue
		}
		sum.Attempted++
		switch out.OverallStatus {
		case OverallSent:
			sum.Sent++
		case OverallPartial:
			sum.Partial++
		case OverallFailed:
			sum.Failed++
		}
		if err != nil {
			sum.Errors = append(sum.Errors, fmt.Sprintf("%s: %v", n.ID, err))
		}
	}
	if sum.Attempted+sum.Skipped > 0 {
		log.Printf("[notify] retry pass: attempted=%d sent=%d partial=%d failed=%d skipped=%d", sum.Attempted, sum.Sent, sum.Partial, sum.Failed, sum.Skipped)
	}
	return sum, nil
}

// BulkSend sends msg to each recipient in turn. A failure for one recipient
// is reported in its result and never stops the others.
func (d *Dispatcher) BulkSend(ctx context.Context, recipients []Recipient, msg Message) []BulkResult {
	results := make([]BulkResult, 0, len(recipients))
	for _, r := range recipients {
		res := BulkResult{SubjectID: r.SubjectID}
		n, err := d.Send(ctx, r, msg)
		res.NotificationID = n.ID
		res.Status = n.OverallStatus
		if err != nil {
			res.Error = err.Error()
		}
		results = append(results, res)
	}
	return results
}

// attempt runs the pending channels of n concurrently and waits for both
// before applying their outcomes. It returns the failure text per channel.
func (d *Dispatcher) attempt(ctx context.Context, n *Notification) map[Channel]string {
	var (
		wg                 sync.WaitGroup
		smsOut, emailOut   outcome
		runSMS, runEmail   = n.SMS.needsAttempt(), n.Email.needsAttempt()
		phone, email, text = n.ContactPhone, n.ContactEmail, n.Message
		subject, html      = n.Subject, n.HTML
	)
	if runSMS {
		wg.Add(1)
		go func() {
			defer wg.Done()
			smsOut = d.call(ctx, func(ctx context.Context) (string, error) {
				return d.sms.SendSMS(ctx, phone, text)
			})
		}()
	}
	if runEmail {
		wg.Add(1)
		go func() {
			defer wg.Done()
			emailOut = d.call(ctx, func(ctx context.Context) (string, error) {
				return d.email.SendEmail(ctx, email, subject, text, html)
			})
		}()
	}
	wg.Wait()

	failures := map[Channel]string{}
	now := d.cfg.Now().UTC()
	if runSMS {
		d.apply(ChannelSMS, &n.SMS, smsOut, now, failures)
	}
	if runEmail {
		d.apply(ChannelEmail, &n.Email, emailOut, now, failures)
	}
	for ch, msg := range failures {
		log.Printf("[notify] %s %s to subject %s failed: %s", n.ID, ch, n.SubjectID, msg)
	}
	return failures
}

type outcome struct {
	providerID string
	err        error
}

// call bounds a provider call by the provider timeout even when the
// provider ignores its context.
func (d *Dispatcher) call(ctx context.Context, fn func(context.Context) (string, error)) outcome {
	cctx, cancel := context.WithTimeout(ctx, d.cfg.ProviderTimeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		id, err := fn(cctx)
		done <- outcome{providerID: id, err: err}
	}()
	select {
	case out := <-done:
		return out
	case <-cctx.Done():
		return outcome{err: fmt.Errorf("%w: %v", ErrProviderTimeout, cctx.Err())}
	}
}

func (d *Dispatcher) apply(ch Channel, state *ChannelState, out outcome, now time.Time, failures map[Channel]string) {
	state.Attempts++
	if out.err != nil {
		state.Status = DeliveryFailed
		state.ErrorMessage = out.err.Error()
		failures[ch] = state.ErrorMessage
		metrics.ChannelAttempts.WithLabelValues(string(ch), "failed").Inc()
		return
	}
	state.Status = DeliverySent
	state.SentAt = &now
	state.ProviderMessageID = out.providerID
	state.ErrorMessage = ""
	metrics.ChannelAttempts.WithLabelValues(string(ch), "sent").Inc()
}

// exhaust marks every undelivered enabled channel failed.
func (d *Dispatcher) exhaust(n *Notification) {
	for _, state := range []*ChannelState{&n.SMS, &n.Email} {
		if state.needsAttempt() {
			state.Status = DeliveryFailed
			if state.ErrorMessage == "" {
				state.ErrorMessage = ErrRetriesExhausted.Error()
			}
		}
	}
}

func (d *Dispatcher) save(ctx context.Context, n *Notification) error {
	n.OverallStatus = DeriveOverall(*n)
	n.UpdatedAt = d.cfg.Now().UTC()
	if err := d.store.Update(ctx, *n); err != nil {
		return err
	}
	metrics.NotificationsFinalized.WithLabelValues(string(n.OverallStatus)).Inc()
	return nil
}
