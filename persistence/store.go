// Package persistence is the gorm-backed store for owners, tracked entities,
// notification settings and the alert log.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a row changed between read and write.
	ErrConflict = errors.New("record was modified concurrently")
)

// Open opens (or creates) the SQLite database at path and migrates the schema.
func Open(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger: logger.New(logrus.StandardLogger(), logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	if err := db.AutoMigrate(&User{}, &Domain{}, &Certificate{}, &Settings{}, &AlertLog{}); err != nil {
		return nil, fmt.Errorf("could not migrate database: %w", err)
	}

	return db, nil
}

type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) CreateUser(ctx context.Context, u *User) error {
	return s.db.WithContext(ctx).Create(u).Error
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var u User
	if err := s.db.WithContext(ctx).First(&u, "username = ?", username).Error; err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

// ListOwnerIDs returns every owner id, registered users first, followed by
// ids that only appear on tracked entities.
func (s *Store) ListOwnerIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.db.WithContext(ctx).Model(&User{}).Order("created_at").Pluck("id", &ids).Error; err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}

	for _, model := range []interface{}{&Domain{}, &Certificate{}} {
		var owners []string
		if err := s.db.WithContext(ctx).Model(model).Distinct().Order("owner_id").Pluck("owner_id", &owners).Error; err != nil {
			return nil, err
		}
		for _, id := range owners {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}

	return ids, nil
}

func (s *Store) CreateDomain(ctx context.Context, d *Domain) error {
	return s.db.WithContext(ctx).Create(d).Error
}

func (s *Store) GetDomain(ctx context.Context, id string) (*Domain, error) {
	var d Domain
	if err := s.db.WithContext(ctx).First(&d, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

func (s *Store) ListDomains(ctx context.Context, ownerID string) ([]Domain, error) {
	var domains []Domain
	err := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).Order("name").Find(&domains).Error
	return domains, err
}

// SaveDomain writes the mutable columns of d if nobody else wrote the row
// since d was read, and bumps d.Version.
func (s *Store) SaveDomain(ctx context.Context, d *Domain) error {
	return s.saveVersioned(ctx, &Domain{}, d.ID, &d.Version, map[string]interface{}{
		"name":         d.Name,
		"managed_by":   d.ManagedBy,
		"registrar":    d.Registrar,
		"expiry_date":  d.ExpiryDate,
		"status":       d.Status,
		"last_checked": d.LastChecked,
	})
}

func (s *Store) DeleteDomains(ctx context.Context, ids ...string) (int64, error) {
	res := s.db.WithContext(ctx).Delete(&Domain{}, "id IN ?", ids)
	return res.RowsAffected, res.Error
}

func (s *Store) CreateCertificate(ctx context.Context, c *Certificate) error {
	return s.db.WithContext(ctx).Create(c).Error
}

func (s *Store) GetCertificate(ctx context.Context, id string) (*Certificate, error) {
	var c Certificate
	if err := s.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (s *Store) ListCertificates(ctx context.Context, ownerID string) ([]Certificate, error) {
	var certs []Certificate
	err := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).Order("domain").Find(&certs).Error
	return certs, err
}

func (s *Store) SaveCertificate(ctx context.Context, c *Certificate) error {
	return s.saveVersioned(ctx, &Certificate{}, c.ID, &c.Version, map[string]interface{}{
		"domain":       c.Domain,
		"host":         c.Host,
		"managed_by":   c.ManagedBy,
		"ip_address":   c.IPAddress,
		"issuer":       c.Issuer,
		"type":         c.Type,
		"expiry_date":  c.ExpiryDate,
		"status":       c.Status,
		"last_checked": c.LastChecked,
	})
}

func (s *Store) DeleteCertificates(ctx context.Context, ids ...string) (int64, error) {
	res := s.db.WithContext(ctx).Delete(&Certificate{}, "id IN ?", ids)
	return res.RowsAffected, res.Error
}

func (s *Store) saveVersioned(ctx context.Context, model interface{}, id string, version *int, updates map[string]interface{}) error {
	updates["version"] = gorm.Expr("version + 1")

	res := s.db.WithContext(ctx).Model(model).
		Where("id = ? AND version = ?", id, *version).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}

	if res.RowsAffected == 0 {
		var count int64
		if err := s.db.WithContext(ctx).Model(model).Where("id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrNotFound
		}
		return ErrConflict
	}

	*version++

	return nil
}

// GetSettings returns the owner's settings upgraded to the current schema.
func (s *Store) GetSettings(ctx context.Context, ownerID string) (*Settings, error) {
	var st Settings
	if err := s.db.WithContext(ctx).First(&st, "owner_id = ?", ownerID).Error; err != nil {
		return nil, notFound(err)
	}

	if err := st.upgrade(); err != nil {
		return nil, err
	}

	return &st, nil
}

func (s *Store) SaveSettings(ctx context.Context, st *Settings) error {
	st.SchemaVersion = SettingsSchemaVersion

	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(st).Error
}

func (s *Store) AppendAlertLog(ctx context.Context, entry *AlertLog) error {
	return s.db.WithContext(ctx).Create(entry).Error
}

// RecentAlertLogs returns up to limit entries for the owner, newest first.
func (s *Store) RecentAlertLogs(ctx context.Context, ownerID string, limit int) ([]AlertLog, error) {
	var logs []AlertLog
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("timestamp DESC").
		Limit(limit).
		Find(&logs).Error
	return logs, err
}

// HasSentAlert reports whether an alert for this entity, interval and expiry
// occurrence was already delivered.
func (s *Store) HasSentAlert(ctx context.Context, ownerID, entityID, interval string, expiry time.Time) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&AlertLog{}).
		Where("owner_id = ? AND entity_id = ? AND interval_label = ? AND expiry_date = ? AND outcome = ?",
			ownerID, entityID, interval, expiry.UTC(), OutcomeSent).
		Count(&count).Error
	return count > 0, err
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
