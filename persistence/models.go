package persistence

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/lagren/expiryguard/status"
)

type EntityType string

const (
	EntityDomain      EntityType = "Domain"
	EntityCertificate EntityType = "SSL"
)

type Outcome string

const (
	OutcomeSent   Outcome = "Sent"
	OutcomeFailed Outcome = "Failed"
)

type User struct {
	ID           string `gorm:"primaryKey"`
	Username     string `gorm:"uniqueIndex;not null"`
	PasswordHash string `json:"-"`
	CreatedAt    time.Time
}

type Domain struct {
	ID          string        `gorm:"primaryKey" json:"id"`
	OwnerID     string        `gorm:"index;not null" json:"ownerId"`
	Name        string        `json:"name"`
	Registrar   string        `json:"registrar"`
	ExpiryDate  time.Time     `json:"expiryDate"`
	Status      status.Status `json:"status"`
	LastChecked time.Time     `json:"lastChecked"`
	ManagedBy   string        `json:"managedBy,omitempty"`
	AutoRenew   bool          `json:"autoRenew"`
	Version     int           `gorm:"not null;default:0" json:"-"`
}

type Certificate struct {
	ID          string        `gorm:"primaryKey" json:"id"`
	OwnerID     string        `gorm:"index;not null" json:"ownerId"`
	Domain      string        `json:"domain"`
	Host        string        `json:"host"`
	Issuer      string        `json:"issuer"`
	ExpiryDate  time.Time     `json:"expiryDate"`
	Type        string        `json:"type"`
	Status      status.Status `json:"status"`
	ManagedBy   string        `json:"managedBy"`
	IPAddress   string        `json:"ipAddress"`
	LastChecked time.Time     `json:"lastChecked"`
	Version     int           `gorm:"not null;default:0" json:"-"`
}

// Target is the connect target, falling back to the display domain.
func (c *Certificate) Target() string {
	if c.Host != "" {
		return c.Host
	}
	return c.Domain
}

type AlertLog struct {
	ID         string     `gorm:"primaryKey" json:"id"`
	OwnerID    string     `gorm:"index:idx_alert_owner_time;not null" json:"-"`
	Timestamp  time.Time  `gorm:"index:idx_alert_owner_time" json:"timestamp"`
	EntityID   string     `gorm:"index:idx_alert_occurrence" json:"entityId"`
	Target     string     `json:"target"`
	EntityType EntityType `json:"type"`
	Interval   string     `gorm:"column:interval_label;index:idx_alert_occurrence" json:"interval"`
	ExpiryDate time.Time  `gorm:"index:idx_alert_occurrence" json:"expiryDate"`
	Outcome    Outcome    `json:"status"`
}

func (u *User) BeforeCreate(*gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}

func (d *Domain) BeforeCreate(*gorm.DB) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	return nil
}

func (c *Certificate) BeforeCreate(*gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

func (a *AlertLog) BeforeCreate(*gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return nil
}
