package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/FROSTR-ORG/igloo-broker/internal/broker"
)

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Queue.ListPending())
}

type approveRequest struct {
	Grant bool `json:"grant"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req approveRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	var err error
	if req.Grant {
		err = s.Core.ApproveWithGrant(r.Context(), id)
	} else {
		err = s.Core.Approve(r.Context(), id)
	}
	if err != nil {
		if err == broker.ErrRequestNotPending {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type denyRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req denyRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	if err := s.Core.Deny(r.Context(), id, req.Reason); err != nil {
		if err == broker.ErrRequestNotPending {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
