package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/FROSTR-ORG/igloo-broker/internal/auth"
	"github.com/FROSTR-ORG/igloo-broker/internal/metrics"
)

var validate = validator.New()

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	user, derivedKey, err := auth.Authenticate(r.Context(), s.Users, req.Username, req.Password)
	if err != nil {
		metrics.AuthAttemptsTotal.WithLabelValues("denied").Inc()
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	tok, err := s.Gateway.Issue(user.ID, derivedKey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to issue session")
		return
	}

	metrics.AuthAttemptsTotal.WithLabelValues("success").Inc()
	writeJSON(w, http.StatusOK, map[string]string{"token": tok.Value})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	header := r.Header.Get("Authorization")
	token := trimBearer(header)
	s.Gateway.Revoke(token)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"basic_enabled":  true,
		"bearer_enabled": s.APIKey != "",
		"rate_limit": map[string]interface{}{
			"window_seconds": int(s.RateWindow.Seconds()),
			"max_attempts":   s.RateMax,
		},
		"idle_timeout_seconds": int(s.IdleTimeout.Seconds()),
	})
}

type onboardRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

func (s *Server) handleOnboard(w http.ResponseWriter, r *http.Request) {
	bearer := trimBearer(r.Header.Get("Authorization"))

	var req onboardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	if _, err := s.Onboarder.CreateFirstAdmin(r.Context(), bearer, req.Username, req.Password); err != nil {
		switch err {
		case auth.ErrAdminSecretConsumed:
			writeError(w, http.StatusConflict, err.Error())
		case auth.ErrInvalidAdminSecret:
			writeError(w, http.StatusUnauthorized, err.Error())
		case auth.ErrWeakPassword:
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "onboarding failed")
		}
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"status": "ok"})
}

func trimBearer(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}
