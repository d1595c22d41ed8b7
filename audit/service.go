// Package audit runs the expiry sweep: re-verify every tracked entity of every
// owner, persist the fresh status, and hand due alerts to the notifier.
package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmhodges/clock"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/lagren/expiryguard/notify"
	"github.com/lagren/expiryguard/persistence"
	"github.com/lagren/expiryguard/status"
	"github.com/lagren/expiryguard/verify"
)

// SweepInterval is the fixed period of the background sweep.
const SweepInterval = 24 * time.Hour

type Store interface {
	ListOwnerIDs(ctx context.Context) ([]string, error)
	ListDomains(ctx context.Context, ownerID string) ([]persistence.Domain, error)
	ListCertificates(ctx context.Context, ownerID string) ([]persistence.Certificate, error)
	SaveDomain(ctx context.Context, d *persistence.Domain) error
	SaveCertificate(ctx context.Context, c *persistence.Certificate) error
	GetSettings(ctx context.Context, ownerID string) (*persistence.Settings, error)
}

type Verifier interface {
	VerifyDomain(ctx context.Context, name string) (verify.DomainInfo, error)
	VerifyCertificate(ctx context.Context, host string) (verify.CertificateInfo, error)
}

type Notifier interface {
	Notify(ctx context.Context, settings *persistence.Settings, a notify.Alert) (notify.Result, error)
}

// SweepResult summarises one owner sweep. Failed counts entities whose update
// could not be persisted or that panicked; Skipped counts failed verifications.
type SweepResult struct {
	OwnerID          string    `json:"ownerId"`
	StartedAt        time.Time `json:"startedAt"`
	FinishedAt       time.Time `json:"finishedAt"`
	Domains          int       `json:"domains"`
	Certificates     int       `json:"certificates"`
	Updated          int       `json:"updated"`
	Skipped          int       `json:"skipped"`
	Failed           int       `json:"failed"`
	AlertsSent       int       `json:"alertsSent"`
	AlertsFailed     int       `json:"alertsFailed"`
	AlertsSuppressed int       `json:"alertsSuppressed"`
}

type Config struct {
	Store    Store
	Verifier Verifier
	Notifier Notifier
	Guard    Guard
	Clock    clock.Clock
	Metrics  *Metrics
	Logger   *logrus.Entry
}

// AuditService is created once at startup and owns the background schedule.
type AuditService struct {
	store    Store
	verifier Verifier
	notifier Notifier
	guard    Guard
	clk      clock.Clock
	metrics  *Metrics
	logger   *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	cron    *cron.Cron
	running sync.WaitGroup
}

func New(cfg Config) *AuditService {
	if cfg.Guard == nil {
		cfg.Guard = NewLocalGuard()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &AuditService{
		store:    cfg.Store,
		verifier: cfg.Verifier,
		notifier: cfg.Notifier,
		guard:    cfg.Guard,
		clk:      cfg.Clock,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger.WithField("component", "audit"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start schedules SweepAll every SweepInterval. A scheduled run that is still
// going when the next one fires causes the next one to be skipped.
func (s *AuditService) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return errors.New("audit service stopped")
	}
	if s.cron != nil {
		return errors.New("audit service already started")
	}

	logger := cron.PrintfLogger(s.logger)
	c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.SkipIfStillRunning(logger)))

	if _, err := c.AddFunc(fmt.Sprintf("@every %s", SweepInterval), s.scheduledSweep); err != nil {
		return fmt.Errorf("could not schedule sweep: %w", err)
	}

	c.Start()
	s.cron = c
	s.logger.Infof("Background sweep scheduled every %s", SweepInterval)

	return nil
}

// Stop cancels in-progress sweeps, scheduled or started by RunOnce, and waits
// for them to return. A stopped service cannot be started again.
func (s *AuditService) Stop() {
	s.cancel()

	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}

	s.running.Wait()
}

// RunOnce triggers a background sweep outside the schedule. It is a no-op
// once the service is stopped.
func (s *AuditService) RunOnce() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return
	}

	s.running.Add(1)
	go func() {
		defer s.running.Done()
		s.scheduledSweep()
	}()
}

func (s *AuditService) scheduledSweep() {
	if _, err := s.SweepAll(s.ctx); err != nil {
		s.logger.Errorf("Could not run sweep: %s", err)
	}
}

// SweepAll syncs every known owner. An owner that cannot be swept is logged
// and the sweep moves on.
func (s *AuditService) SweepAll(ctx context.Context) ([]*SweepResult, error) {
	s.logger.Info("Initiate sweep...")
	defer s.logger.Info("Sweep finished")

	owners, err := s.store.ListOwnerIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not list owners: %w", err)
	}

	results := make([]*SweepResult, 0, len(owners))

	for _, ownerID := range owners {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		res, err := s.SyncOwner(ctx, ownerID)
		if err != nil {
			s.metrics.ownerFailures.Inc()
			s.logger.WithField("owner", ownerID).Warnf("Could not sweep owner: %s", err)
			continue
		}

		results = append(results, res)
	}

	s.metrics.lastSweepCompletion.Set(float64(s.clk.Now().Unix()))

	return results, nil
}

// SyncOwner re-verifies all of one owner's domains, then all certificates.
// Per-entity failures are counted in the result and never abort the pass.
func (s *AuditService) SyncOwner(ctx context.Context, ownerID string) (*SweepResult, error) {
	release, err := s.guard.Acquire(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	defer release()

	logger := s.logger.WithField("owner", ownerID)
	res := &SweepResult{OwnerID: ownerID, StartedAt: s.clk.Now().UTC()}

	settings := s.loadSettings(ctx, ownerID, logger)

	domains, err := s.store.ListDomains(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("could not list domains: %w", err)
	}

	for i := range domains {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res.Domains++
		s.recovering(res, logger, func() {
			s.syncDomain(ctx, settings, &domains[i], res, logger)
		})
	}

	certs, err := s.store.ListCertificates(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("could not list certificates: %w", err)
	}

	for i := range certs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res.Certificates++
		s.recovering(res, logger, func() {
			s.syncCertificate(ctx, settings, &certs[i], res, logger)
		})
	}

	res.FinishedAt = s.clk.Now().UTC()
	s.metrics.sweepDuration.Observe(res.FinishedAt.Sub(res.StartedAt).Seconds())

	logger.Infof("Owner sweep done: %d domains, %d certificates, %d updated, %d skipped, %d failed, %d alerts sent",
		res.Domains, res.Certificates, res.Updated, res.Skipped, res.Failed, res.AlertsSent)

	return res, nil
}

// loadSettings returns nil when alerts cannot be evaluated for the owner;
// entities are still verified.
func (s *AuditService) loadSettings(ctx context.Context, ownerID string, logger *logrus.Entry) *persistence.Settings {
	settings, err := s.store.GetSettings(ctx, ownerID)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil
	}
	if err != nil {
		logger.Warnf("Could not load notification settings, alerts skipped: %s", err)
		return nil
	}

	if err := settings.Validate(); err != nil {
		logger.Debugf("Notification settings unusable, alerts skipped: %s", err)
		return nil
	}

	return settings
}

func (s *AuditService) syncDomain(ctx context.Context, settings *persistence.Settings, d *persistence.Domain, res *SweepResult, logger *logrus.Entry) {
	const kind = "domain"
	logger = logger.WithFields(logrus.Fields{"entity": d.ID, "target": d.Name})
	s.metrics.checked.WithLabelValues(kind).Inc()

	info, err := s.verifier.VerifyDomain(ctx, d.Name)
	if err != nil {
		res.Skipped++
		s.metrics.verificationFailed.WithLabelValues(kind).Inc()
		logger.Warnf("Could not verify domain, keeping previous state: %s", err)
		return
	}

	now := s.clk.Now().UTC()

	var days int
	d.Registrar = info.Registrar
	d.ExpiryDate = status.Date(info.Expiry)
	d.Status, days = status.Classify(d.ExpiryDate, now)
	d.LastChecked = now

	if err := s.store.SaveDomain(ctx, d); err != nil {
		res.Failed++
		s.metrics.persistenceFailed.WithLabelValues(kind).Inc()
		logger.Errorf("Could not save domain: %s", err)
		return
	}
	res.Updated++

	s.notify(ctx, settings, notify.Alert{
		OwnerID:       d.OwnerID,
		EntityID:      d.ID,
		EntityType:    persistence.EntityDomain,
		Target:        d.Name,
		Expiry:        d.ExpiryDate,
		DaysRemaining: days,
	}, res, logger)
}

func (s *AuditService) syncCertificate(ctx context.Context, settings *persistence.Settings, c *persistence.Certificate, res *SweepResult, logger *logrus.Entry) {
	const kind = "certificate"
	logger = logger.WithFields(logrus.Fields{"entity": c.ID, "target": c.Target()})
	s.metrics.checked.WithLabelValues(kind).Inc()

	info, err := s.verifier.VerifyCertificate(ctx, c.Target())
	if err != nil {
		res.Skipped++
		s.metrics.verificationFailed.WithLabelValues(kind).Inc()
		logger.Warnf("Could not verify certificate, keeping previous state: %s", err)
		return
	}

	now := s.clk.Now().UTC()

	var days int
	c.Issuer = info.Issuer
	c.Type = string(info.Type)
	c.ExpiryDate = status.Date(info.Expiry)
	c.Status, days = status.Classify(c.ExpiryDate, now)
	c.LastChecked = now

	if err := s.store.SaveCertificate(ctx, c); err != nil {
		res.Failed++
		s.metrics.persistenceFailed.WithLabelValues(kind).Inc()
		logger.Errorf("Could not save certificate: %s", err)
		return
	}
	res.Updated++

	s.notify(ctx, settings, notify.Alert{
		OwnerID:       c.OwnerID,
		EntityID:      c.ID,
		EntityType:    persistence.EntityCertificate,
		Target:        c.Domain,
		Expiry:        c.ExpiryDate,
		DaysRemaining: days,
	}, res, logger)
}

// notify runs after the entity was saved, so a panic here is counted as a
// failed alert rather than a failed entity.
func (s *AuditService) notify(ctx context.Context, settings *persistence.Settings, a notify.Alert, res *SweepResult, logger *logrus.Entry) {
	if settings == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			res.AlertsFailed++
			s.metrics.alerts.WithLabelValues(notify.Failed.String()).Inc()
			logger.Errorf("Alert processing panicked: %v", r)
		}
	}()

	result, err := s.notifier.Notify(ctx, settings, a)
	if err != nil {
		logger.Errorf("Could not process alert: %s", err)
	}

	switch result {
	case notify.Sent:
		res.AlertsSent++
	case notify.Failed:
		res.AlertsFailed++
	case notify.Suppressed:
		res.AlertsSuppressed++
	default:
		return
	}

	s.metrics.alerts.WithLabelValues(result.String()).Inc()
}

func (s *AuditService) recovering(res *SweepResult, logger *logrus.Entry, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			res.Failed++
			logger.Errorf("Entity sync panicked: %v", r)
		}
	}()

	fn()
}
