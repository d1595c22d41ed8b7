package persistence

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// SettingsSchemaVersion is bumped whenever a field is added to or removed
// from Settings.
const SettingsSchemaVersion = 1

var (
	ErrInvalidSettings     = errors.New("invalid settings")
	ErrUnsupportedSettings = errors.New("unsupported settings schema")
)

type SMTPProfile struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	AuthRequired bool   `json:"authRequired"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	UseTLS       bool   `json:"useTLS"`
	FromAddress  string `json:"fromAddress"`
	ToAddress    string `json:"toAddress"`
}

type Intervals struct {
	Expired bool `json:"expired"`
	Day7    bool `json:"day7"`
	Day15   bool `json:"day15"`
	Day30   bool `json:"day30"`
}

type NotificationPolicy struct {
	Enabled   bool      `json:"enabled"`
	Intervals Intervals `gorm:"embedded;embeddedPrefix:interval_" json:"intervals"`
}

// Settings holds one owner's outbound mail profile and alert policy.
type Settings struct {
	OwnerID       string             `gorm:"primaryKey" json:"-"`
	SchemaVersion int                `gorm:"not null" json:"-"`
	SMTP          SMTPProfile        `gorm:"embedded;embeddedPrefix:smtp_" json:"smtp"`
	Notifications NotificationPolicy `gorm:"embedded;embeddedPrefix:notify_" json:"notifications"`
	UpdatedAt     time.Time          `json:"updatedAt"`
}

// Validate rejects a profile the sweep could never deliver with.
func (p SMTPProfile) Validate() error {
	var problems []string

	if strings.TrimSpace(p.Host) == "" {
		problems = append(problems, "smtp host is required")
	}
	if p.Port <= 0 || p.Port > 65535 {
		problems = append(problems, "smtp port must be between 1 and 65535")
	}
	if strings.TrimSpace(p.FromAddress) == "" {
		problems = append(problems, "from address is required")
	}
	if strings.TrimSpace(p.ToAddress) == "" {
		problems = append(problems, "recipient address is required")
	}
	if p.AuthRequired && (p.Username == "" || p.Password == "") {
		problems = append(problems, "credentials are required when authentication is enabled")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidSettings, strings.Join(problems, "; "))
	}

	return nil
}

// Validate only checks the mail profile when alerts are switched on, so an
// owner can save a disabled policy with a half-filled profile.
func (s *Settings) Validate() error {
	if !s.Notifications.Enabled {
		return nil
	}

	return s.SMTP.Validate()
}

// upgrade brings a stored row to the current schema or rejects it.
func (s *Settings) upgrade() error {
	switch {
	case s.SchemaVersion == SettingsSchemaVersion:
		return nil
	case s.SchemaVersion == 0:
		// Rows written before versioning carried the same fields.
		s.SchemaVersion = SettingsSchemaVersion
		return nil
	default:
		return fmt.Errorf("%w: version %d", ErrUnsupportedSettings, s.SchemaVersion)
	}
}
