package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/salvo/internal/model"
)

// aggregateStatsResponse is the JSON response for GET /v1/stats.
type aggregateStatsResponse struct {
	Blocks  int         `json:"blocks"`
	Running int         `json:"running"`
	Stats   model.Stats `json:"stats"`
}

// blockStatsResponse is the JSON response for GET /v1/blocks/{id}/stats.
type blockStatsResponse struct {
	BlockID string      `json:"block_id"`
	Stats   model.Stats `json:"stats"`
}

type clearStatsResponse struct {
	Deferred bool `json:"deferred"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, _ *http.Request) {
	blocks, running := s.engine.Counts()
	total := s.engine.AggregateStats()

	s.writeJSON(w, http.StatusOK, aggregateStatsResponse{
		Blocks:  blocks,
		Running: running,
		Stats:   total,
	})
}

func (s *Server) handleGetBlockStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	st, err := s.engine.Stats(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, "get block stats", err)
		return
	}

	s.writeJSON(w, http.StatusOK, blockStatsResponse{BlockID: id, Stats: st})
}

// handleClearBlockStats zeroes a block's results. The clear waits for every
// block to stop, in which case 202 is returned.
func (s *Server) handleClearBlockStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	deferred, err := s.engine.ClearResults(r.Context(), id)
	observeOperation(id, opClearStats, err)
	if err != nil {
		s.writeEngineError(w, "clear block stats", err)
		return
	}

	status := http.StatusOK
	if deferred {
		status = http.StatusAccepted
	}
	s.writeJSON(w, status, clearStatsResponse{Deferred: deferred})
}
