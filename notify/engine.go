package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/jmhodges/clock"
	"github.com/sirupsen/logrus"

	"github.com/lagren/expiryguard/mailer"
	"github.com/lagren/expiryguard/persistence"
)

// Ledger is the alert log. A Sent row for the same entity, interval and
// expiry suppresses further sends.
type Ledger interface {
	HasSentAlert(ctx context.Context, ownerID, entityID, interval string, expiry time.Time) (bool, error)
	AppendAlertLog(ctx context.Context, entry *persistence.AlertLog) error
}

type Sender interface {
	Send(ctx context.Context, p mailer.Profile, msg mailer.Message) error
}

type Alert struct {
	OwnerID       string
	EntityID      string
	EntityType    persistence.EntityType
	Target        string
	Expiry        time.Time
	DaysRemaining int
}

type Result int

const (
	// NotDue means no threshold matched under the owner's policy.
	NotDue Result = iota
	// Suppressed means the alert was already delivered for this occurrence.
	Suppressed
	Sent
	Failed
)

func (r Result) String() string {
	switch r {
	case Suppressed:
		return "suppressed"
	case Sent:
		return "sent"
	case Failed:
		return "failed"
	default:
		return "not-due"
	}
}

type Engine struct {
	ledger Ledger
	sender Sender
	clk    clock.Clock
	logger *logrus.Entry
}

func NewEngine(ledger Ledger, sender Sender, clk clock.Clock, logger *logrus.Entry) *Engine {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Engine{
		ledger: ledger,
		sender: sender,
		clk:    clk,
		logger: logger.WithField("component", "notify"),
	}
}

// Notify evaluates a against the owner's settings and, when a threshold is
// due and not yet delivered, sends it and records exactly one log entry. A
// delivery failure is reported through the result, not the error; the error
// is reserved for ledger failures.
func (e *Engine) Notify(ctx context.Context, settings *persistence.Settings, a Alert) (Result, error) {
	threshold, due := Evaluate(settings, a.DaysRemaining)
	if !due {
		return NotDue, nil
	}

	logger := e.logger.WithFields(logrus.Fields{
		"owner":    a.OwnerID,
		"entity":   a.EntityID,
		"target":   a.Target,
		"interval": threshold,
	})

	sent, err := e.ledger.HasSentAlert(ctx, a.OwnerID, a.EntityID, string(threshold), a.Expiry)
	if err != nil {
		return NotDue, fmt.Errorf("could not read alert log: %w", err)
	}
	if sent {
		logger.Debug("Alert already delivered for this expiry, skipping")
		return Suppressed, nil
	}

	now := e.clk.Now().UTC()
	result := Sent

	if err := e.sender.Send(ctx, Profile(settings.SMTP), alertMessage(a, threshold, now)); err != nil {
		logger.Warnf("Could not deliver alert: %s", err)
		result = Failed
	} else {
		logger.Info("Alert delivered")
	}

	entry := &persistence.AlertLog{
		OwnerID:    a.OwnerID,
		Timestamp:  now,
		EntityID:   a.EntityID,
		Target:     a.Target,
		EntityType: a.EntityType,
		Interval:   string(threshold),
		ExpiryDate: a.Expiry,
		Outcome:    persistence.OutcomeSent,
	}
	if result == Failed {
		entry.Outcome = persistence.OutcomeFailed
	}

	// Once a send was attempted the row must be written, even when shutdown
	// cancelled ctx mid-send; a missing Sent row means a duplicate next sweep.
	if err := e.ledger.AppendAlertLog(context.WithoutCancel(ctx), entry); err != nil {
		return result, fmt.Errorf("could not record alert: %w", err)
	}

	return result, nil
}
