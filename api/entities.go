package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"github.com/lagren/expiryguard/persistence"
	"github.com/lagren/expiryguard/status"
)

// bulkImportConcurrency bounds concurrent WHOIS and TLS lookups per import.
const bulkImportConcurrency = 4

type domainRequest struct {
	OwnerID   string `json:"ownerId"`
	Domain    string `json:"domain"`
	ManagedBy string `json:"managedBy"`
}

type certificateRequest struct {
	OwnerID   string `json:"ownerId"`
	Domain    string `json:"domain"`
	Host      string `json:"host"`
	ManagedBy string `json:"managedBy"`
	IPAddress string `json:"ipAddress"`
}

type idsRequest struct {
	IDs []string `json:"ids"`
}

type successResponse struct {
	Success bool `json:"success"`
}

type deletedResponse struct {
	Success bool  `json:"success"`
	Deleted int64 `json:"deleted"`
}

// newDomain verifies name and returns an unsaved, classified domain.
func (s *Server) newDomain(ctx context.Context, ownerID, name, managedBy string) (*persistence.Domain, error) {
	info, err := s.verifier.VerifyDomain(ctx, name)
	if err != nil {
		return nil, err
	}

	now := s.clk.Now().UTC()
	d := &persistence.Domain{
		OwnerID:     ownerID,
		Name:        name,
		Registrar:   info.Registrar,
		ExpiryDate:  status.Date(info.Expiry),
		LastChecked: now,
		ManagedBy:   managedBy,
		AutoRenew:   true,
	}
	d.Status, _ = status.Classify(d.ExpiryDate, now)

	return d, nil
}

// newCertificate verifies host (or domain) and returns an unsaved,
// classified certificate.
func (s *Server) newCertificate(ctx context.Context, req certificateRequest) (*persistence.Certificate, error) {
	c := &persistence.Certificate{
		OwnerID:   req.OwnerID,
		Domain:    req.Domain,
		Host:      req.Host,
		ManagedBy: req.ManagedBy,
		IPAddress: req.IPAddress,
	}
	if c.Host == "" {
		c.Host = c.Domain
	}

	if err := s.refreshCertificate(ctx, c); err != nil {
		return nil, err
	}

	return c, nil
}

func (s *Server) refreshCertificate(ctx context.Context, c *persistence.Certificate) error {
	info, err := s.verifier.VerifyCertificate(ctx, c.Target())
	if err != nil {
		return err
	}

	now := s.clk.Now().UTC()
	c.Issuer = info.Issuer
	c.Type = string(info.Type)
	c.ExpiryDate = status.Date(info.Expiry)
	c.Status, _ = status.Classify(c.ExpiryDate, now)
	c.LastChecked = now
	if c.ManagedBy == "" {
		c.ManagedBy = info.ManagedBy
	}
	if c.IPAddress == "" {
		c.IPAddress = s.verifier.ResolveIP(ctx, c.Target())
	}

	return nil
}

func (s *Server) createDomain(w http.ResponseWriter, r *http.Request) {
	var req domainRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	req.Domain = strings.TrimSpace(req.Domain)
	if req.OwnerID == "" || req.Domain == "" {
		writeError(w, http.StatusBadRequest, "ownerId and domain required")
		return
	}

	d, err := s.newDomain(r.Context(), req.OwnerID, req.Domain, req.ManagedBy)
	if err != nil {
		writeError(w, verificationStatus(err), err.Error())
		return
	}

	if err := s.store.CreateDomain(r.Context(), d); err != nil {
		s.logger.Errorf("Could not create domain: %s", err)
		writeError(w, http.StatusInternalServerError, "Could not save domain")
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Success bool                `json:"success"`
		Domain  *persistence.Domain `json:"domain"`
	}{true, d})
}

func (s *Server) updateDomain(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name      string `json:"name"`
		ManagedBy string `json:"managedBy"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	d, err := s.store.GetDomain(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, persistence.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Domain not found")
		return
	}
	if err != nil {
		s.logger.Errorf("Could not load domain: %s", err)
		writeError(w, http.StatusInternalServerError, "Could not load domain")
		return
	}

	fresh, err := s.newDomain(r.Context(), d.OwnerID, strings.TrimSpace(req.Name), req.ManagedBy)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Could not verify the updated domain name.")
		return
	}

	d.Name = fresh.Name
	d.ManagedBy = fresh.ManagedBy
	d.Registrar = fresh.Registrar
	d.ExpiryDate = fresh.ExpiryDate
	d.Status = fresh.Status
	d.LastChecked = fresh.LastChecked

	if err := s.store.SaveDomain(r.Context(), d); err != nil {
		s.writeSaveError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Success       bool                `json:"success"`
		UpdatedDomain *persistence.Domain `json:"updatedDomain"`
	}{true, d})
}

func (s *Server) deleteDomain(w http.ResponseWriter, r *http.Request) {
	s.deleteEntities(w, r, s.store.DeleteDomains, mux.Vars(r)["id"])
}

func (s *Server) deleteDomains(w http.ResponseWriter, r *http.Request) {
	s.deleteBulk(w, r, s.store.DeleteDomains)
}

func (s *Server) createCertificate(w http.ResponseWriter, r *http.Request) {
	var req certificateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	req.Domain = strings.TrimSpace(req.Domain)
	req.Host = strings.TrimSpace(req.Host)
	if req.OwnerID == "" || req.Domain == "" {
		writeError(w, http.StatusBadRequest, "ownerId and domain required")
		return
	}

	c, err := s.newCertificate(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusNotFound, "No SSL certificate found for this host.")
		return
	}

	if err := s.store.CreateCertificate(r.Context(), c); err != nil {
		s.logger.Errorf("Could not create certificate: %s", err)
		writeError(w, http.StatusInternalServerError, "Could not save certificate")
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Success     bool                     `json:"success"`
		Certificate *persistence.Certificate `json:"ssl"`
	}{true, c})
}

func (s *Server) updateCertificate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Domain    string `json:"domain"`
		ManagedBy string `json:"managedBy"`
		Host      string `json:"host"`
		IPAddress string `json:"ipAddress"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	c, err := s.store.GetCertificate(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, persistence.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Certificate not found")
		return
	}
	if err != nil {
		s.logger.Errorf("Could not load certificate: %s", err)
		writeError(w, http.StatusInternalServerError, "Could not load certificate")
		return
	}

	previousTarget := c.Target()

	c.Domain = strings.TrimSpace(req.Domain)
	c.Host = strings.TrimSpace(req.Host)
	c.ManagedBy = req.ManagedBy
	c.IPAddress = req.IPAddress

	if c.Target() != previousTarget {
		if err := s.refreshCertificate(r.Context(), c); err != nil {
			writeError(w, http.StatusBadRequest, "Could not verify the updated host.")
			return
		}
	}

	if err := s.store.SaveCertificate(r.Context(), c); err != nil {
		s.writeSaveError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Success            bool                     `json:"success"`
		UpdatedCertificate *persistence.Certificate `json:"updatedSsl"`
	}{true, c})
}

func (s *Server) deleteCertificate(w http.ResponseWriter, r *http.Request) {
	s.deleteEntities(w, r, s.store.DeleteCertificates, mux.Vars(r)["id"])
}

func (s *Server) deleteCertificates(w http.ResponseWriter, r *http.Request) {
	s.deleteBulk(w, r, s.store.DeleteCertificates)
}

type deleteFunc func(ctx context.Context, ids ...string) (int64, error)

func (s *Server) deleteEntities(w http.ResponseWriter, r *http.Request, del deleteFunc, ids ...string) {
	n, err := del(r.Context(), ids...)
	if err != nil {
		s.logger.Errorf("Could not delete: %s", err)
		writeError(w, http.StatusInternalServerError, "Could not delete")
		return
	}
	if n == 0 {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}

	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (s *Server) deleteBulk(w http.ResponseWriter, r *http.Request, del deleteFunc) {
	var req idsRequest
	if err := decode(r, &req); err != nil || len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, `Invalid request: "ids" must be a non-empty array.`)
		return
	}

	n, err := del(r.Context(), req.IDs...)
	if err != nil {
		s.logger.Errorf("Could not delete: %s", err)
		writeError(w, http.StatusInternalServerError, "Could not delete")
		return
	}

	writeJSON(w, http.StatusOK, deletedResponse{Success: true, Deleted: n})
}

func (s *Server) writeSaveError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found")
	case errors.Is(err, persistence.ErrConflict):
		writeError(w, http.StatusConflict, "Record changed while saving, reload and retry")
	default:
		s.logger.Errorf("Could not save: %s", err)
		writeError(w, http.StatusInternalServerError, "Could not save")
	}
}

type importItem struct {
	Domain    string `json:"domain"`
	Host      string `json:"host"`
	ManagedBy string `json:"managedBy"`
	IPAddress string `json:"ipAddress"`
}

type importResponse struct {
	Success int64 `json:"success"`
	Failed  int64 `json:"failed"`
}

// bulkImport verifies and stores each item. Items that fail verification
// or persistence are counted and skipped.
func (s *Server) bulkImport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OwnerID string       `json:"ownerId"`
		Type    string       `json:"type"`
		Data    []importItem `json:"data"`
	}
	if err := decode(r, &req); err != nil || req.OwnerID == "" || req.Data == nil ||
		(req.Type != "domains" && req.Type != "ssl") {
		writeError(w, http.StatusBadRequest, "Invalid request")
		return
	}

	var succeeded, failed atomic.Int64

	g, ctx := errgroup.WithContext(r.Context())
	g.SetLimit(bulkImportConcurrency)

	for _, item := range req.Data {
		g.Go(func() error {
			if err := s.importItem(ctx, req.OwnerID, req.Type, item); err != nil {
				s.logger.WithField("target", item.Domain).Infof("Import failed: %s", err)
				failed.Add(1)
			} else {
				succeeded.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	writeJSON(w, http.StatusOK, importResponse{Success: succeeded.Load(), Failed: failed.Load()})
}

var errMissingDomain = errors.New("missing domain")

func (s *Server) importItem(ctx context.Context, ownerID, kind string, item importItem) error {
	name := strings.TrimSpace(item.Domain)
	if name == "" {
		return errMissingDomain
	}

	if kind == "domains" {
		d, err := s.newDomain(ctx, ownerID, name, item.ManagedBy)
		if err != nil {
			return err
		}
		return s.store.CreateDomain(ctx, d)
	}

	c, err := s.newCertificate(ctx, certificateRequest{
		OwnerID:   ownerID,
		Domain:    name,
		Host:      strings.TrimSpace(item.Host),
		ManagedBy: item.ManagedBy,
		IPAddress: item.IPAddress,
	})
	if err != nil {
		return err
	}
	return s.store.CreateCertificate(ctx, c)
}
