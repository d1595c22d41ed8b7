package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lagren/expiryguard/persistence"
)

func settingsWith(iv persistence.Intervals) *persistence.Settings {
	return &persistence.Settings{
		SMTP:          persistence.SMTPProfile{ToAddress: "ops@example.com"},
		Notifications: persistence.NotificationPolicy{Enabled: true, Intervals: iv},
	}
}

func TestEvaluate(t *testing.T) {
	all := persistence.Intervals{Expired: true, Day7: true, Day15: true, Day30: true}

	tests := []struct {
		days int
		want Threshold
		due  bool
	}{
		{-3, ThresholdExpired, true},
		{0, ThresholdExpired, true},
		{1, "", false},
		{6, "", false},
		{7, ThresholdDay7, true},
		{8, "", false},
		{14, "", false},
		{15, ThresholdDay15, true},
		{16, "", false},
		{29, "", false},
		{30, ThresholdDay30, true},
		{31, "", false},
	}

	for _, tt := range tests {
		got, due := Evaluate(settingsWith(all), tt.days)

		assert.Equal(t, tt.due, due, "days=%d", tt.days)
		assert.Equal(t, tt.want, got, "days=%d", tt.days)
	}
}

func TestEvaluateHonoursFlags(t *testing.T) {
	s := settingsWith(persistence.Intervals{Expired: true, Day7: false})

	_, due := Evaluate(s, 7)
	assert.False(t, due)

	got, due := Evaluate(s, 0)
	assert.True(t, due)
	assert.Equal(t, ThresholdExpired, got)

	// Critical but on no threshold day.
	_, due = Evaluate(s, 5)
	assert.False(t, due)
}

func TestEvaluateGlobalGates(t *testing.T) {
	all := persistence.Intervals{Expired: true, Day7: true, Day15: true, Day30: true}

	disabled := settingsWith(all)
	disabled.Notifications.Enabled = false
	_, due := Evaluate(disabled, 0)
	assert.False(t, due)

	noRecipient := settingsWith(all)
	noRecipient.SMTP.ToAddress = "  "
	_, due = Evaluate(noRecipient, 0)
	assert.False(t, due)

	_, due = Evaluate(nil, 0)
	assert.False(t, due)
}
