package api

import (
	"errors"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/lagren/expiryguard/persistence"
)

type credentials struct {
	ID       string `json:"id,omitempty"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type userResponse struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Username and password required")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		s.logger.Errorf("Could not hash password: %s", err)
		writeError(w, http.StatusBadRequest, "Invalid password")
		return
	}

	u := &persistence.User{ID: req.ID, Username: req.Username, PasswordHash: string(hash)}
	if err := s.store.CreateUser(r.Context(), u); err != nil {
		s.logger.Infof("Could not register %q: %s", req.Username, err)
		writeError(w, http.StatusBadRequest, "Username already exists")
		return
	}

	writeJSON(w, http.StatusOK, userResponse{ID: u.ID, Username: u.Username})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	u, err := s.store.GetUserByUsername(r.Context(), req.Username)
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		s.logger.Errorf("Could not look up user: %s", err)
		writeError(w, http.StatusInternalServerError, "Login failed")
		return
	}

	if u == nil || bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(req.Password)) != nil {
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	writeJSON(w, http.StatusOK, userResponse{ID: u.ID, Username: u.Username})
}
