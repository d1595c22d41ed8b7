package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lagren/expiryguard/mailer"
	"github.com/lagren/expiryguard/persistence"
)

type memoryLedger struct {
	entries []persistence.AlertLog
	readErr error
}

func (l *memoryLedger) HasSentAlert(_ context.Context, ownerID, entityID, interval string, expiry time.Time) (bool, error) {
	if l.readErr != nil {
		return false, l.readErr
	}
	for _, e := range l.entries {
		if e.OwnerID == ownerID && e.EntityID == entityID && e.Interval == interval &&
			e.ExpiryDate.Equal(expiry) && e.Outcome == persistence.OutcomeSent {
			return true, nil
		}
	}
	return false, nil
}

func (l *memoryLedger) AppendAlertLog(ctx context.Context, entry *persistence.AlertLog) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.entries = append(l.entries, *entry)
	return nil
}

type recordingSender struct {
	err      error
	onSend   func()
	messages []mailer.Message
	profiles []mailer.Profile
}

func (s *recordingSender) Send(_ context.Context, p mailer.Profile, msg mailer.Message) error {
	if s.onSend != nil {
		s.onSend()
	}
	s.profiles = append(s.profiles, p)
	s.messages = append(s.messages, msg)
	return s.err
}

func newTestEngine(sender *recordingSender) (*Engine, *memoryLedger, clock.FakeClock) {
	clk := clock.NewFake()
	clk.Set(time.Date(2026, 10, 19, 6, 0, 0, 0, time.UTC))

	ledger := &memoryLedger{}

	return NewEngine(ledger, sender, clk, nil), ledger, clk
}

func dueAlert(days int, now time.Time) Alert {
	return Alert{
		OwnerID:       "alice",
		EntityID:      "d1",
		EntityType:    persistence.EntityDomain,
		Target:        "example.com",
		Expiry:        now.AddDate(0, 0, days),
		DaysRemaining: days,
	}
}

func TestNotifySendsAndLogs(t *testing.T) {
	sender := &recordingSender{}
	e, ledger, clk := newTestEngine(sender)
	s := settingsWith(persistence.Intervals{Day7: true})
	s.SMTP.FromAddress = "alerts@example.com"

	res, err := e.Notify(context.Background(), s, dueAlert(7, clk.Now()))
	require.NoError(t, err)
	assert.Equal(t, Sent, res)

	require.Len(t, sender.messages, 1)
	assert.Equal(t, "Alert: Domain example.com is 7 Days", sender.messages[0].Subject)
	assert.Contains(t, sender.messages[0].Body, "expiring in 7 Days")
	assert.Contains(t, sender.messages[0].Body, "Expiry date: 2026-10-26")
	assert.Equal(t, "alerts@example.com", sender.profiles[0].From)

	require.Len(t, ledger.entries, 1)
	entry := ledger.entries[0]
	assert.Equal(t, persistence.OutcomeSent, entry.Outcome)
	assert.Equal(t, "7 Days", entry.Interval)
	assert.Equal(t, persistence.EntityDomain, entry.EntityType)
	assert.True(t, entry.Timestamp.Equal(clk.Now()))
}

func TestNotifySuppressesDuplicates(t *testing.T) {
	sender := &recordingSender{}
	e, ledger, clk := newTestEngine(sender)
	s := settingsWith(persistence.Intervals{Day7: true})
	a := dueAlert(7, clk.Now())

	res, err := e.Notify(context.Background(), s, a)
	require.NoError(t, err)
	assert.Equal(t, Sent, res)

	clk.Add(2 * time.Hour)

	res, err = e.Notify(context.Background(), s, a)
	require.NoError(t, err)
	assert.Equal(t, Suppressed, res)

	assert.Len(t, sender.messages, 1)
	assert.Len(t, ledger.entries, 1)
}

func TestNotifyRecordsFailureAndRetriesLater(t *testing.T) {
	sender := &recordingSender{err: errors.New("connection refused")}
	e, ledger, clk := newTestEngine(sender)
	s := settingsWith(persistence.Intervals{Expired: true})
	a := dueAlert(0, clk.Now())

	res, err := e.Notify(context.Background(), s, a)
	require.NoError(t, err)
	assert.Equal(t, Failed, res)
	require.Len(t, ledger.entries, 1)
	assert.Equal(t, persistence.OutcomeFailed, ledger.entries[0].Outcome)
	assert.Equal(t, "Expired", ledger.entries[0].Interval)

	sender.err = nil

	res, err = e.Notify(context.Background(), s, a)
	require.NoError(t, err)
	assert.Equal(t, Sent, res)
	assert.Len(t, ledger.entries, 2)
	assert.Contains(t, sender.messages[1].Body, "now expired")
}

func TestNotifyNotDue(t *testing.T) {
	sender := &recordingSender{}
	e, ledger, clk := newTestEngine(sender)

	res, err := e.Notify(context.Background(), settingsWith(persistence.Intervals{Expired: true}), dueAlert(5, clk.Now()))
	require.NoError(t, err)
	assert.Equal(t, NotDue, res)
	assert.Empty(t, sender.messages)
	assert.Empty(t, ledger.entries)
}

func TestNotifyLedgerReadFailure(t *testing.T) {
	sender := &recordingSender{}
	e, ledger, clk := newTestEngine(sender)
	ledger.readErr = errors.New("database is locked")

	_, err := e.Notify(context.Background(), settingsWith(persistence.Intervals{Expired: true}), dueAlert(0, clk.Now()))
	assert.Error(t, err)
	assert.Empty(t, sender.messages, "must not send when the ledger cannot be consulted")
}

func TestNotifyRecordsWhenCancelledDuringSend(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sender := &recordingSender{onSend: cancel}
	e, ledger, clk := newTestEngine(sender)

	res, err := e.Notify(ctx, settingsWith(persistence.Intervals{Expired: true}), dueAlert(0, clk.Now()))
	require.NoError(t, err)
	assert.Equal(t, Sent, res)

	require.Len(t, ledger.entries, 1)
	assert.Equal(t, persistence.OutcomeSent, ledger.entries[0].Outcome)
}
