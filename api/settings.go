package api

import (
	"errors"
	"net/http"

	"github.com/lagren/expiryguard/notify"
	"github.com/lagren/expiryguard/persistence"
)

type settingsRequest struct {
	OwnerID       string                         `json:"ownerId"`
	SMTP          persistence.SMTPProfile        `json:"smtp"`
	Notifications persistence.NotificationPolicy `json:"notifications"`
}

// saveSettings stores the owner's profile and policy. A blank password keeps
// the stored one, since reads never return it.
func (s *Server) saveSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.OwnerID == "" {
		writeError(w, http.StatusBadRequest, "ownerId required")
		return
	}

	settings := &persistence.Settings{
		OwnerID:       req.OwnerID,
		SMTP:          req.SMTP,
		Notifications: req.Notifications,
	}

	if settings.SMTP.Password == "" {
		existing, err := s.store.GetSettings(r.Context(), req.OwnerID)
		if err != nil && !errors.Is(err, persistence.ErrNotFound) {
			s.logger.Warnf("Could not load previous settings: %s", err)
		}
		if existing != nil {
			settings.SMTP.Password = existing.SMTP.Password
		}
	}

	if err := settings.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.store.SaveSettings(r.Context(), settings); err != nil {
		s.logger.Errorf("Could not save settings: %s", err)
		writeError(w, http.StatusInternalServerError, "Could not save settings")
		return
	}

	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

type testEmailResponse struct {
	Success    bool    `json:"success"`
	Message    string  `json:"message"`
	PreviewURL *string `json:"previewUrl"`
}

func (s *Server) testEmail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SMTP persistence.SMTPProfile `json:"smtp"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	failed := false

	if err := req.SMTP.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Success: &failed, Error: err.Error()})
		return
	}

	if err := s.sender.Send(r.Context(), notify.Profile(req.SMTP), notify.TestMessage()); err != nil {
		s.logger.Infof("Test email failed: %s", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Success: &failed, Error: "Failed to send email: " + err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, testEmailResponse{Success: true, Message: "Test email sent successfully!"})
}
