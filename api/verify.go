package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/lagren/expiryguard/audit"
	"github.com/lagren/expiryguard/verify"
)

type verifyRequest struct {
	Domain string `json:"domain"`
}

type domainVerification struct {
	Registrar    string    `json:"registrar"`
	DomainExpiry time.Time `json:"domainExpiry"`
	LastChecked  time.Time `json:"lastChecked"`
}

type certificateVerification struct {
	SSLIssuer   string    `json:"sslIssuer"`
	SSLExpiry   time.Time `json:"sslExpiry"`
	SSLType     string    `json:"sslType"`
	ManagedBy   string    `json:"managedBy"`
	Host        string    `json:"host"`
	LastChecked time.Time `json:"lastChecked"`
	IPAddress   string    `json:"ipAddress"`
}

func (s *Server) verifyDomain(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	name := strings.TrimSpace(req.Domain)
	if name == "" {
		writeError(w, http.StatusBadRequest, "Domain required")
		return
	}

	info, err := s.verifier.VerifyDomain(r.Context(), name)
	if err != nil {
		s.logger.WithField("target", name).Infof("Domain verification failed: %s", err)
		writeError(w, verificationStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, domainVerification{
		Registrar:    info.Registrar,
		DomainExpiry: info.Expiry,
		LastChecked:  s.clk.Now().UTC(),
	})
}

func (s *Server) verifyCertificate(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	host := strings.TrimSpace(req.Domain)
	if host == "" {
		writeError(w, http.StatusBadRequest, "Domain/Host required")
		return
	}

	info, err := s.verifier.VerifyCertificate(r.Context(), host)
	if err != nil {
		s.logger.WithField("target", host).Infof("Certificate verification failed: %s", err)
		writeError(w, http.StatusNotFound, "No SSL certificate found for this host.")
		return
	}

	writeJSON(w, http.StatusOK, certificateVerification{
		SSLIssuer:   info.Issuer,
		SSLExpiry:   info.Expiry,
		SSLType:     string(info.Type),
		ManagedBy:   info.ManagedBy,
		Host:        host,
		LastChecked: s.clk.Now().UTC(),
		IPAddress:   s.verifier.ResolveIP(r.Context(), host),
	})
}

// verificationStatus maps verifier errors onto HTTP status codes.
func verificationStatus(err error) int {
	switch {
	case errors.Is(err, verify.ErrNoData):
		return http.StatusNotFound
	case errors.Is(err, verify.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

type syncResponse struct {
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) syncOwner(w http.ResponseWriter, r *http.Request) {
	ownerID := mux.Vars(r)["ownerId"]

	res, err := s.syncer.SyncOwner(r.Context(), ownerID)
	if errors.Is(err, audit.ErrSweepInFlight) {
		writeError(w, http.StatusConflict, "A sync for this account is already running")
		return
	}
	if err != nil {
		s.logger.WithField("owner", ownerID).Errorf("Manual sync failed: %s", err)
		writeError(w, http.StatusInternalServerError, "Sync failed")
		return
	}

	writeJSON(w, http.StatusOK, syncResponse{Success: true, Timestamp: res.FinishedAt})
}
