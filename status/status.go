// Package status maps an expiry timestamp to an urgency band.
package status

import (
	"math"
	"time"
)

type Status string

const (
	Healthy  Status = "Healthy"
	Warning  Status = "Warning"
	Critical Status = "Critical"
	Expired  Status = "Expired"
)

const day = 24 * time.Hour

// DaysRemaining returns ceil((expiry - now) / 24h).
func DaysRemaining(expiry, now time.Time) int {
	return int(math.Ceil(float64(expiry.Sub(now)) / float64(day)))
}

// Classify returns the status band for expiry as seen at now, together with
// the number of days remaining.
func Classify(expiry, now time.Time) (Status, int) {
	days := DaysRemaining(expiry, now)

	switch {
	case days <= 0:
		return Expired, days
	case days <= 7:
		return Critical, days
	case days <= 30:
		return Warning, days
	default:
		return Healthy, days
	}
}

// Date truncates t to midnight UTC of its calendar day. Expiry dates are
// stored with day granularity.
func Date(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
