// Package notify decides which expiry alerts are due and delivers each one at
// most once per entity, threshold and expiry date.
package notify

import (
	"strings"

	"github.com/lagren/expiryguard/persistence"
)

// Threshold is the label written to the alert log.
type Threshold string

const (
	ThresholdExpired Threshold = "Expired"
	ThresholdDay7    Threshold = "7 Days"
	ThresholdDay15   Threshold = "15 Days"
	ThresholdDay30   Threshold = "30 Days"
)

// Evaluate returns the threshold that daysRemaining lands on under the owner's
// policy. Thresholds match on the exact day count, so a sweep that skips that
// day misses the alert.
func Evaluate(s *persistence.Settings, daysRemaining int) (Threshold, bool) {
	if s == nil || !s.Notifications.Enabled || strings.TrimSpace(s.SMTP.ToAddress) == "" {
		return "", false
	}

	iv := s.Notifications.Intervals

	var (
		t       Threshold
		enabled bool
	)

	switch {
	case daysRemaining <= 0:
		t, enabled = ThresholdExpired, iv.Expired
	case daysRemaining == 7:
		t, enabled = ThresholdDay7, iv.Day7
	case daysRemaining == 15:
		t, enabled = ThresholdDay15, iv.Day15
	case daysRemaining == 30:
		t, enabled = ThresholdDay30, iv.Day30
	}

	if !enabled {
		return "", false
	}

	return t, true
}
