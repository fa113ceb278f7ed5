package notify

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSMS struct {
	err   error
	delay time.Duration
	calls atomic.Int32
}

func (f *fakeSMS) SendSMS(ctx context.Context, _, _ string) (string, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return "", f.err
	}
	return "SM123", nil
}

type fakeEmail struct {
	err   error
	calls atomic.Int32
}

func (f *fakeEmail) SendEmail(context.Context, string, string, string, string) (string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	return "EM456", nil
}

var testMessage = Message{Kind: KindArrival, Subject: "Ana arrived", Text: "Ana arrived at 07:55, on time."}

func TestDeriveOverall(t *testing.T) {
	on := func(s DeliveryStatus) ChannelState { return ChannelState{Enabled: true, Status: s} }
	off := ChannelState{Status: DeliveryPending}

	tests := []struct {
		name       string
		sms, email ChannelState
		want       OverallStatus
	}{
		{"no channels", off, off, OverallPending},
		{"sms only sent", on(DeliverySent), off, OverallSent},
		{"delivered counts as sent", on(DeliveryDelivered), on(DeliverySent), OverallSent},
		{"all failed", on(DeliveryFailed), on(DeliveryFailed), OverallFailed},
		{"one sent one failed", on(DeliverySent), on(DeliveryFailed), OverallPartial},
		{"one sent one pending", on(DeliverySent), on(DeliveryPending), OverallPartial},
		{"untried", on(DeliveryPending), on(DeliveryPending), OverallPending},
		{"disabled failure ignored", on(DeliverySent), ChannelState{Status: DeliveryFailed}, OverallSent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveOverall(Notification{SMS: tt.sms, Email: tt.email}))
		})
	}
}

func TestSendSMSOnlySuccess(t *testing.T) {
	st := NewMemoryStore()
	sms, email := &fakeSMS{}, &fakeEmail{}
	d := NewDispatcher(st, sms, email, Config{})

	n, err := d.Send(context.Background(), Recipient{SubjectID: "S1", Phone: "+639170000001"}, testMessage)
	require.NoError(t, err)

	assert.Equal(t, OverallSent, n.OverallStatus)
	assert.True(t, n.SMS.Enabled)
	assert.False(t, n.Email.Enabled)
	assert.Equal(t, "SM123", n.SMS.ProviderMessageID)
	assert.Equal(t, 1, n.SMS.Attempts)
	assert.NotNil(t, n.SMS.SentAt)
	assert.Zero(t, email.calls.Load())

	stored, err := st.Get(context.Background(), n.ID)
	require.NoError(t, err)
	assert.Equal(t, OverallSent, stored.OverallStatus)
}

func TestSendAllChannelsFail(t *testing.T) {
	st := NewMemoryStore()
	d := NewDispatcher(st, &fakeSMS{err: errors.New("carrier rejected")}, &fakeEmail{}, Config{})

	n, err := d.Send(context.Background(), Recipient{SubjectID: "S1", Phone: "+639170000001"}, testMessage)
	require.ErrorIs(t, err, ErrChannelSendFailed)

	var sendErr *SendError
	require.ErrorAs(t, err, &sendErr)
	assert.Contains(t, sendErr.Failures[ChannelSMS], "carrier rejected")
	assert.Equal(t, OverallFailed, n.OverallStatus)
	assert.Equal(t, "carrier rejected", n.SMS.ErrorMessage)

	stored, err := st.Get(context.Background(), n.ID)
	require.NoError(t, err)
	assert.Equal(t, OverallFailed, stored.OverallStatus)
}

func TestSendPartialIsNotAnError(t *testing.T) {
	d := NewDispatcher(NewMemoryStore(), &fakeSMS{}, &fakeEmail{err: errors.New("mailbox full")}, Config{})

	n, err := d.Send(context.Background(), Recipient{SubjectID: "S1", Phone: "+639170000001", Email: "p@example.com"}, testMessage)
	require.NoError(t, err)
	assert.Equal(t, OverallPartial, n.OverallStatus)
	assert.Equal(t, DeliverySent, n.SMS.Status)
	assert.Equal(t, DeliveryFailed, n.Email.Status)
}

func TestSendWithoutContactPersistsPending(t *testing.T) {
	st := NewMemoryStore()
	sms := &fakeSMS{}
	d := NewDispatcher(st, sms, &fakeEmail{}, Config{})

	n, err := d.Send(context.Background(), Recipient{SubjectID: "S1"}, testMessage)
	require.ErrorIs(t, err, ErrNoDeliverableChannel)
	assert.Equal(t, OverallPending, n.OverallStatus)
	assert.Zero(t, sms.calls.Load())

	_, err = st.Get(context.Background(), n.ID)
	assert.NoError(t, err)
}

func TestSendRestrictedToRequestedChannel(t *testing.T) {
	sms, email := &fakeSMS{}, &fakeEmail{}
	d := NewDispatcher(NewMemoryStore(), sms, email, Config{})

	n, err := d.Send(context.Background(), Recipient{SubjectID: "S1", Phone: "+63917", Email: "p@example.com"}, testMessage, ChannelEmail)
	require.NoError(t, err)
	assert.False(t, n.SMS.Enabled)
	assert.True(t, n.Email.Enabled)
	assert.Zero(t, sms.calls.Load())
}

func TestSendProviderTimeoutIsFailure(t *testing.T) {
	d := NewDispatcher(NewMemoryStore(), &fakeSMS{delay: 200 * time.Millisecond}, &fakeEmail{}, Config{ProviderTimeout: 20 * time.Millisecond})

	start := time.Now()
	n, err := d.Send(context.Background(), Recipient{SubjectID: "S1", Phone: "+63917", Email: "p@example.com"}, testMessage)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 150*time.Millisecond)
	assert.Equal(t, OverallPartial, n.OverallStatus)
	assert.Contains(t, n.SMS.ErrorMessage, ErrProviderTimeout.Error())
}

func TestRetryUntilTerminal(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	d := NewDispatcher(st, &fakeSMS{err: errors.New("down")}, nil, Config{MaxRetries: 3})

	n, err := d.Send(ctx, Recipient{SubjectID: "S1", Phone: "+63917"}, testMessage)
	require.Error(t, err)

	for i := 1; i <= 3; i++ {
		retryable, err := st.ListRetryable(ctx, d.MaxRetries(), time.Now(), 10)
		require.NoError(t, err)
		require.Len(t, retryable, 1, "retry %d", i)

		n, err = d.Retry(ctx, retryable[0])
		require.ErrorIs(t, err, ErrChannelSendFailed)
		assert.Equal(t, i, n.RetryCount)
	}

	assert.Equal(t, OverallFailed, n.OverallStatus)
	assert.Equal(t, 4, n.SMS.Attempts)

	retryable, err := st.ListRetryable(ctx, d.MaxRetries(), time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, retryable)

	_, err = d.Retry(ctx, n)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
}

func TestRetryOnlyResendsUndeliveredChannel(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	sms, email := &fakeSMS{}, &fakeEmail{err: errors.New("smtp down")}
	d := NewDispatcher(st, sms, email, Config{})

	n, err := d.Send(ctx, Recipient{SubjectID: "S1", Phone: "+63917", Email: "p@example.com"}, testMessage)
	require.NoError(t, err)
	require.Equal(t, OverallPartial, n.OverallStatus)

	email.err = nil
	sum, err := d.RetryPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, RetrySummary{Attempted: 1, Sent: 1}, sum)

	assert.Equal(t, int32(1), sms.calls.Load())
	assert.Equal(t, int32(2), email.calls.Load())

	stored, err := st.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, OverallSent, stored.OverallStatus)
	assert.Equal(t, 1, stored.RetryCount)
}

func TestRetryPendingLeavesInFlightSendAlone(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	sms := &fakeSMS{delay: 200 * time.Millisecond}
	d := NewDispatcher(st, sms, nil, Config{ProviderTimeout: time.Second})

	sent := make(chan Notification, 1)
	go func() {
		n, _ := d.Send(ctx, Recipient{SubjectID: "S1", Phone: "+63917"}, testMessage)
		sent <- n
	}()

	time.Sleep(50 * time.Millisecond)
	sum, err := d.RetryPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.Attempted)

	n := <-sent
	assert.Equal(t, OverallSent, n.OverallStatus)
	assert.Equal(t, int32(1), sms.calls.Load())

	stored, err := st.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, OverallSent, stored.OverallStatus)
	assert.Zero(t, stored.RetryCount)
}

func TestRetryPendingPicksUpAbandonedSend(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	sms := &fakeSMS{}
	d := NewDispatcher(st, sms, nil, Config{ProviderTimeout: time.Second})

	created := time.Now().Add(-time.Minute)
	require.NoError(t, st.Create(ctx, Notification{
		ID:            "n-stuck",
		SubjectID:     "S1",
		ContactPhone:  "+63917",
		Message:       "Ana is absent.",
		SMS:           ChannelState{Enabled: true, Status: DeliveryPending},
		OverallStatus: OverallPending,
		CreatedAt:     created,
		UpdatedAt:     created,
	}))

	sum, err := d.RetryPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, RetrySummary{Attempted: 1, Sent: 1}, sum)
	assert.Equal(t, int32(1), sms.calls.Load())
}

func TestRetryWithStaleSnapshotIsRefused(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	sms := &fakeSMS{err: errors.New("down")}
	d := NewDispatcher(st, sms, nil, Config{})

	_, err := d.Send(ctx, Recipient{SubjectID: "S1", Phone: "+63917"}, testMessage)
	require.Error(t, err)
	retryable, err := st.ListRetryable(ctx, d.MaxRetries(), time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, retryable, 1)
	snapshot := retryable[0]

	sms.err = nil
	n, err := d.Retry(ctx, snapshot)
	require.NoError(t, err)
	assert.Equal(t, OverallSent, n.OverallStatus)

	_, err = d.Retry(ctx, snapshot)
	assert.ErrorIs(t, err, ErrNotificationBusy)
	assert.Equal(t, int32(2), sms.calls.Load())

	stored, err := st.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, OverallSent, stored.OverallStatus)
	assert.Equal(t, 1, stored.RetryCount)
}

func TestBulkSendIsolatesFailures(t *testing.T) {
	d := NewDispatcher(NewMemoryStore(), &fakeSMS{}, &fakeEmail{err: errors.New("bounced")}, Config{})

	results := d.BulkSend(context.Background(), []Recipient{
		{SubjectID: "S1", Phone: "+63917"},
		{SubjectID: "S2"},
		{SubjectID: "S3", Email: "p@example.com"},
		{SubjectID: "S4", Phone: "+63918", Email: "q@example.com"},
	}, testMessage)

	require.Len(t, results, 4)
	assert.Equal(t, OverallSent, results[0].Status)
	assert.Empty(t, results[0].Error)
	assert.Contains(t, results[1].Error, ErrNoDeliverableChannel.Error())
	assert.Equal(t, OverallFailed, results[2].Status)
	assert.NotEmpty(t, results[2].Error)
	assert.Equal(t, OverallPartial, results[3].Status)
	assert.Empty(t, results[3].Error)
}
