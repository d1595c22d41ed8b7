package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"github.com/lagren/expiryguard/persistence"
	"github.com/lagren/expiryguard/status"
)

type ownerData struct {
	Domains      []persistence.Domain      `json:"domains"`
	Certificates []persistence.Certificate `json:"sslCerts"`
	Settings     *persistence.Settings     `json:"settings"`
	Logs         []persistence.AlertLog    `json:"logs"`
}

// ownerData fetches the owner's entities, settings and recent alerts
// concurrently and returns them as one document.
func (s *Server) ownerData(w http.ResponseWriter, r *http.Request) {
	ownerID := mux.Vars(r)["ownerId"]
	data := ownerData{
		Domains:      []persistence.Domain{},
		Certificates: []persistence.Certificate{},
		Logs:         []persistence.AlertLog{},
	}

	g, ctx := errgroup.WithContext(r.Context())

	g.Go(func() error {
		domains, err := s.store.ListDomains(ctx, ownerID)
		if err == nil && domains != nil {
			data.Domains = domains
		}
		return err
	})
	g.Go(func() error {
		certs, err := s.store.ListCertificates(ctx, ownerID)
		if err == nil && certs != nil {
			data.Certificates = certs
		}
		return err
	})
	g.Go(func() error {
		settings, err := s.store.GetSettings(ctx, ownerID)
		if errors.Is(err, persistence.ErrNotFound) {
			return nil
		}
		if err == nil {
			settings.SMTP.Password = ""
			data.Settings = settings
		}
		return err
	})
	g.Go(func() error {
		logs, err := s.store.RecentAlertLogs(ctx, ownerID, recentLogLimit)
		if err == nil && logs != nil {
			data.Logs = logs
		}
		return err
	})

	if err := g.Wait(); err != nil {
		s.logger.WithField("owner", ownerID).Errorf("Could not load owner data: %s", err)
		writeError(w, http.StatusInternalServerError, "Could not load data")
		return
	}

	now := s.clk.Now().UTC()
	for i := range data.Domains {
		data.Domains[i].Status = displayStatus(data.Domains[i].Status, data.Domains[i].ExpiryDate, now)
	}
	for i := range data.Certificates {
		data.Certificates[i].Status = displayStatus(data.Certificates[i].Status, data.Certificates[i].ExpiryDate, now)
	}

	writeJSON(w, http.StatusOK, data)
}

// displayStatus reclassifies against now so a stale sweep does not show an
// outdated band. Rows never verified keep their stored status.
func displayStatus(stored status.Status, expiry, now time.Time) status.Status {
	if expiry.IsZero() {
		return stored
	}
	st, _ := status.Classify(expiry, now)
	return st
}

func (s *Server) alertLogs(w http.ResponseWriter, r *http.Request) {
	ownerID := mux.Vars(r)["ownerId"]

	logs, err := s.store.RecentAlertLogs(r.Context(), ownerID, recentLogLimit)
	if err != nil {
		s.logger.WithField("owner", ownerID).Errorf("Could not load alert log: %s", err)
		writeError(w, http.StatusInternalServerError, "Could not load alert log")
		return
	}
	if logs == nil {
		logs = []persistence.AlertLog{}
	}

	writeJSON(w, http.StatusOK, logs)
}
