package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// dynamicLoadRequest is the JSON body for PUT /v1/blocks/{id}/dynamic-load.
// Either field may be omitted.
type dynamicLoadRequest struct {
	Load    *int32 `json:"load"`
	Enabled *bool  `json:"enabled"`
}

type dynamicLoadResponse struct {
	Load    int32 `json:"load"`
	Enabled bool  `json:"enabled"`
}

type cancelRegistrationsResponse struct {
	Canceled bool `json:"canceled"`
}

type acceptedResponse struct {
	BlockID string `json:"block_id"`
	Action  string `json:"action"`
}

func (s *Server) handleStartBlock(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := s.engine.Start(r.Context(), id)
	observeOperation(id, opStart, err)
	if err != nil {
		s.writeEngineError(w, "start block", err)
		return
	}
	s.writeBlock(w, r, id)
}

func (s *Server) handleStopBlock(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := s.engine.Stop(r.Context(), id)
	observeOperation(id, opStop, err)
	if err != nil {
		s.writeEngineError(w, "stop block", err)
		return
	}
	s.writeBlock(w, r, id)
}

// writeBlock responds with the block's current record.
func (s *Server) writeBlock(w http.ResponseWriter, r *http.Request, id string) {
	blk, err := s.engine.GetBlock(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, "get block", err)
		return
	}
	s.writeJSON(w, http.StatusOK, blk)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := s.engine.Register(id)
	observeOperation(id, opRegister, err)
	if err != nil {
		s.writeEngineError(w, "register", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, acceptedResponse{BlockID: id, Action: "register"})
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := s.engine.Unregister(id)
	observeOperation(id, opUnregister, err)
	if err != nil {
		s.writeEngineError(w, "unregister", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, acceptedResponse{BlockID: id, Action: "unregister"})
}

func (s *Server) handleCancelRegistrations(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	canceled, err := s.engine.CancelRegistrations(id)
	observeOperation(id, opCancelRegistrations, err)
	if err != nil {
		s.writeEngineError(w, "cancel registrations", err)
		return
	}
	s.writeJSON(w, http.StatusOK, cancelRegistrationsResponse{Canceled: canceled})
}

func (s *Server) handleDynamicLoad(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req dynamicLoadRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Load == nil && req.Enabled == nil {
		s.writeError(w, http.StatusBadRequest, "load or enabled is required")
		return
	}
	if req.Load != nil && *req.Load < 0 {
		s.writeError(w, http.StatusBadRequest, "load must not be negative")
		return
	}

	// The ceiling is set before enabling so the scheduler never samples a
	// stale value.
	if req.Load != nil {
		if err := s.engine.SetDynamicLoad(id, *req.Load); err != nil {
			observeOperation(id, opDynamicLoad, err)
			s.writeEngineError(w, "set dynamic load", err)
			return
		}
	}
	if req.Enabled != nil {
		if err := s.engine.EnableDynamicLoad(id, *req.Enabled); err != nil {
			observeOperation(id, opDynamicLoad, err)
			s.writeEngineError(w, "enable dynamic load", err)
			return
		}
	}

	load, enabled, err := s.engine.DynamicLoad(id)
	observeOperation(id, opDynamicLoad, err)
	if err != nil {
		s.writeEngineError(w, "get dynamic load", err)
		return
	}
	s.writeJSON(w, http.StatusOK, dynamicLoadResponse{Load: load, Enabled: enabled})
}
