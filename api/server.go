// Package api exposes the admin HTTP surface: entity management, manual
// verification, manual sync, settings and the alert log.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/jmhodges/clock"
	"github.com/sirupsen/logrus"

	"github.com/lagren/expiryguard/audit"
	"github.com/lagren/expiryguard/mailer"
	"github.com/lagren/expiryguard/persistence"
	"github.com/lagren/expiryguard/signing"
	"github.com/lagren/expiryguard/verify"
)

const recentLogLimit = 50

type Verifier interface {
	VerifyDomain(ctx context.Context, name string) (verify.DomainInfo, error)
	VerifyCertificate(ctx context.Context, host string) (verify.CertificateInfo, error)
	ResolveIP(ctx context.Context, host string) string
}

type Syncer interface {
	SyncOwner(ctx context.Context, ownerID string) (*audit.SweepResult, error)
}

type Sender interface {
	Send(ctx context.Context, p mailer.Profile, msg mailer.Message) error
}

type Config struct {
	Store    *persistence.Store
	Verifier Verifier
	Syncer   Syncer
	Sender   Sender
	Clock    clock.Clock
	Logger   *logrus.Entry

	// SigningKey, when set, is required on manual sync requests.
	SigningKey string
}

type Server struct {
	store      *persistence.Store
	verifier   Verifier
	syncer     Syncer
	sender     Sender
	clk        clock.Clock
	logger     *logrus.Entry
	signingKey string
}

func New(cfg Config) *Server {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Server{
		store:      cfg.Store,
		verifier:   cfg.Verifier,
		syncer:     cfg.Syncer,
		sender:     cfg.Sender,
		clk:        cfg.Clock,
		logger:     cfg.Logger.WithField("component", "api"),
		signingKey: cfg.SigningKey,
	}
}

// Register mounts all routes under /api on r.
func (s *Server) Register(r *mux.Router) {
	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", s.health).Methods(http.MethodGet)

	api.HandleFunc("/auth/register", s.register).Methods(http.MethodPost)
	api.HandleFunc("/auth/login", s.login).Methods(http.MethodPost)

	api.HandleFunc("/verify/domain", s.verifyDomain).Methods(http.MethodPost)
	api.HandleFunc("/verify/ssl", s.verifyCertificate).Methods(http.MethodPost)

	sync := api.PathPrefix("/sync").Subrouter()
	sync.Use(signing.AuthCheck(s.signingKey, s.clk))
	sync.HandleFunc("/{ownerId}", s.syncOwner).Methods(http.MethodPost)

	api.HandleFunc("/data/{ownerId}", s.ownerData).Methods(http.MethodGet)
	api.HandleFunc("/logs/{ownerId}", s.alertLogs).Methods(http.MethodGet)

	// Bulk routes go first so "bulk" is not taken for an id.
	api.HandleFunc("/domains", s.createDomain).Methods(http.MethodPost)
	api.HandleFunc("/domains/bulk", s.deleteDomains).Methods(http.MethodDelete)
	api.HandleFunc("/domains/{id}", s.updateDomain).Methods(http.MethodPut)
	api.HandleFunc("/domains/{id}", s.deleteDomain).Methods(http.MethodDelete)

	api.HandleFunc("/ssl", s.createCertificate).Methods(http.MethodPost)
	api.HandleFunc("/ssl/bulk", s.deleteCertificates).Methods(http.MethodDelete)
	api.HandleFunc("/ssl/{id}", s.updateCertificate).Methods(http.MethodPut)
	api.HandleFunc("/ssl/{id}", s.deleteCertificate).Methods(http.MethodDelete)

	api.HandleFunc("/bulk-import", s.bulkImport).Methods(http.MethodPost)

	api.HandleFunc("/settings", s.saveSettings).Methods(http.MethodPut)
	api.HandleFunc("/settings/test-email", s.testEmail).Methods(http.MethodPost)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorResponse struct {
	Success *bool  `json:"success,omitempty"`
	Error   string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.Warnf("Could not write response: %s", err)
	}
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, errorResponse{Error: message})
}

var errBadRequest = errors.New("invalid request body")

// decode reads a single JSON object into v and rejects fields v does not
// declare.
func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %s", errBadRequest, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data", errBadRequest)
	}

	return nil
}
