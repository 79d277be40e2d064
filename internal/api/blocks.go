package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/salvo/internal/block"
	"github.com/seantiz/salvo/internal/client"
	"github.com/seantiz/salvo/internal/engine"
	"github.com/seantiz/salvo/internal/model"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// listBlocksResponse wraps the paginated list response.
type listBlocksResponse struct {
	Blocks []*model.Block `json:"blocks"`
	Total  int            `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

func (s *Server) handleCreateBlock(w http.ResponseWriter, r *http.Request) {
	var spec model.BlockSpec
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	blk, err := s.engine.CreateBlock(r.Context(), spec)
	if err != nil {
		s.writeEngineError(w, "create block", err)
		return
	}

	s.writeJSON(w, http.StatusCreated, blk)
}

func (s *Server) handleGetBlock(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	blk, err := s.engine.GetBlock(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, "get block", err)
		return
	}

	s.writeJSON(w, http.StatusOK, blk)
}

func (s *Server) handleListBlocks(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	blocks, total, err := s.engine.ListBlocks(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list blocks", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list blocks")
		return
	}

	if blocks == nil {
		blocks = []*model.Block{}
	}

	s.writeJSON(w, http.StatusOK, listBlocksResponse{
		Blocks: blocks,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleDeleteBlock(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.engine.DeleteBlock(r.Context(), id); err != nil {
		observeOperation(id, opDelete, err)
		s.writeEngineError(w, "delete block", err)
		return
	}
	forgetBlock(id)

	w.WriteHeader(http.StatusNoContent)
}

// writeEngineError maps engine and block sentinels to HTTP status codes.
// Anything unrecognized is logged and reported as a 500.
func (s *Server) writeEngineError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, engine.ErrBlockNotFound):
		s.writeError(w, http.StatusNotFound, "block not found")
	case errors.Is(err, model.ErrInvalidSpec), errors.Is(err, client.ErrUnknownProtocol):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, block.ErrRunning),
		errors.Is(err, block.ErrRegistrationActive),
		errors.Is(err, block.ErrClosed):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error(op, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to "+op)
	}
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
