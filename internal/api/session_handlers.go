package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/FROSTR-ORG/igloo-broker/internal/broker"
	"github.com/FROSTR-ORG/igloo-broker/internal/session"
)

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	active := s.Sessions.ListActive()
	pending := s.Sessions.ListPending()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active":  active,
		"pending": pending,
	})
}

type upsertSessionRequest struct {
	URI string `json:"uri" validate:"required"`
}

func (s *Server) handleUpsertSession(w http.ResponseWriter, r *http.Request) {
	var req upsertSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "uri is required")
		return
	}

	uri, err := broker.ParseConnectURI(req.URI)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.Core.HandleConnectURI(r.Context(), uri); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to register session")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"cpk": uri.ClientPubkey})
}

type updatePolicyRequest struct {
	Methods map[string]bool `json:"methods"`
	Kinds   map[string]bool `json:"kinds"`
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	cpk := chi.URLParam(r, "cpk")

	var req updatePolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	policy := session.NewPolicy()
	for k, v := range req.Methods {
		policy.Methods[k] = v
	}
	for k, v := range req.Kinds {
		policy.Kinds[k] = v
	}

	if err := s.Sessions.UpdatePolicy(r.Context(), cpk, policy); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	cpk := chi.URLParam(r, "cpk")

	var req struct {
		Status string `json:"status" validate:"required"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	switch req.Status {
	case string(session.StatusActive):
		s.Core.Promote(r.Context(), cpk)
	default:
		writeError(w, http.StatusBadRequest, "unsupported status transition")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	cpk := chi.URLParam(r, "cpk")
	if err := s.Sessions.Revoke(r.Context(), cpk); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
