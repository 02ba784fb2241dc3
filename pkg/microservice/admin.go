package microservice

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"
)

// Purger is the part of a result cache the admin routes drive.
type Purger interface {
	PurgeTableCache(ctx context.Context, table string) error
	FlushAll(ctx context.Context) error
}

// AdminServer exposes manual invalidation for operators:
//
//	POST /cache/purge?table=<name>   flush one table
//	POST /cache/flush                flush everything
type AdminServer struct {
	*BaseServer
	purger Purger
	logger zerolog.Logger
}

type adminResponse struct {
	Status string `json:"status"`
	Table  string `json:"table,omitempty"`
	Error  string `json:"error,omitempty"`
}

// NewAdminServer registers the cache routes on a new BaseServer.
func NewAdminServer(logger zerolog.Logger, httpPort string, purger Purger) *AdminServer {
	s := &AdminServer{
		BaseServer: NewBaseServer(logger, httpPort),
		purger:     purger,
		logger:     logger.With().Str("component", "AdminServer").Logger(),
	}
	s.Mux().HandleFunc("POST /cache/purge", s.handlePurge)
	s.Mux().HandleFunc("POST /cache/flush", s.handleFlush)
	return s
}

func (s *AdminServer) handlePurge(w http.ResponseWriter, r *http.Request) {
	table := r.URL.Query().Get("table")
	if table == "" {
		writeJSON(w, http.StatusBadRequest, adminResponse{Status: "error", Error: "table query parameter is required"})
		return
	}
	if err := s.purger.PurgeTableCache(r.Context(), table); err != nil {
		s.logger.Error().Err(err).Str("table", table).Msg("Admin purge failed.")
		writeJSON(w, http.StatusInternalServerError, adminResponse{Status: "error", Table: table, Error: err.Error()})
		return
	}
	s.logger.Info().Str("table", table).Str("remote_addr", r.RemoteAddr).Msg("Table cache purged by admin request.")
	writeJSON(w, http.StatusOK, adminResponse{Status: "purged", Table: table})
}

func (s *AdminServer) handleFlush(w http.ResponseWriter, r *http.Request) {
	if err := s.purger.FlushAll(r.Context()); err != nil {
		s.logger.Error().Err(err).Msg("Admin flush failed.")
		writeJSON(w, http.StatusInternalServerError, adminResponse{Status: "error", Error: err.Error()})
		return
	}
	s.logger.Info().Str("remote_addr", r.RemoteAddr).Msg("All caches flushed by admin request.")
	writeJSON(w, http.StatusOK, adminResponse{Status: "flushed"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
