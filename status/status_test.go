package status

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		expiry time.Time
		status Status
		days   int
	}{
		{"long_expired", now.AddDate(0, 0, -40), Expired, -40},
		{"expires_now", now, Expired, 0},
		{"one_day", now.AddDate(0, 0, 1), Critical, 1},
		{"seven_days", now.AddDate(0, 0, 7), Critical, 7},
		{"eight_days", now.AddDate(0, 0, 8), Warning, 8},
		{"thirty_days", now.AddDate(0, 0, 30), Warning, 30},
		{"thirty_one_days", now.AddDate(0, 0, 31), Healthy, 31},
		{"partial_day_rounds_up", now.Add(30*day + time.Minute), Healthy, 31},
		{"partial_day_before_expiry", now.Add(-time.Hour), Expired, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, days := Classify(tt.expiry, now)

			assert.Equal(t, tt.status, s)
			assert.Equal(t, tt.days, days)
		})
	}
}

func TestClassifyBandsAreContiguous(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	previous := Expired
	order := map[Status]int{Expired: 0, Critical: 1, Warning: 2, Healthy: 3}

	for d := -5; d <= 60; d++ {
		s, days := Classify(now.AddDate(0, 0, d), now)

		assert.Equal(t, d, days)
		assert.GreaterOrEqual(t, order[s], order[previous], "status went backwards at %d days", d)
		assert.LessOrEqual(t, order[s]-order[previous], 1, "status skipped a band at %d days", d)

		previous = s
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)
	expiry := now.AddDate(0, 0, 12)

	s1, d1 := Classify(expiry, now)
	s2, d2 := Classify(expiry, now)

	assert.Equal(t, s1, s2)
	assert.Equal(t, d1, d2)
}

func TestDate(t *testing.T) {
	in := time.Date(2026, 5, 17, 23, 59, 0, 0, time.FixedZone("x", -3*3600))

	assert.Equal(t, time.Date(2026, 5, 18, 0, 0, 0, 0, time.UTC), Date(in))
}
