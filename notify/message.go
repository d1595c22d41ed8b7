package notify

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/lagren/expiryguard/mailer"
	"github.com/lagren/expiryguard/persistence"
)

func alertMessage(a Alert, t Threshold, now time.Time) mailer.Message {
	state := "expiring in " + string(t)
	if t == ThresholdExpired {
		state = "now expired"
	}

	return mailer.Message{
		Subject: fmt.Sprintf("Alert: %s %s is %s", a.EntityType, a.Target, t),
		Body: fmt.Sprintf("The %s for %s is %s.\nExpiry date: %s (%s).\n",
			a.EntityType, a.Target, state,
			a.Expiry.Format("2006-01-02"),
			humanize.RelTime(a.Expiry, now, "ago", "from now")),
	}
}

// TestMessage is sent when an owner checks their SMTP settings.
func TestMessage() mailer.Message {
	return mailer.Message{
		Subject: "ExpiryGuard Test Email",
		Body:    "This is a test email from your ExpiryGuard instance. If you received this, your SMTP settings are correct!",
	}
}

// Profile converts the stored SMTP settings into a mailer profile.
func Profile(p persistence.SMTPProfile) mailer.Profile {
	return mailer.Profile{
		Host:         p.Host,
		Port:         p.Port,
		AuthRequired: p.AuthRequired,
		Username:     p.Username,
		Password:     p.Password,
		UseTLS:       p.UseTLS,
		From:         p.FromAddress,
		To:           p.ToAddress,
	}
}
