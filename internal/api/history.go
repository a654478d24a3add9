package api

import (
	"net/http"

	"github.com/ctrlpark/ctrlpark/internal/history"
	"github.com/gorilla/mux"
)

func (s *Server) parseFilter(w http.ResponseWriter, r *http.Request) (history.Filter, bool) {
	filter, err := history.ParseFilter(r.URL.Query().Get("filter"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return filter, true
}

// handleHistory returns every visit session grouped by day.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	filter, ok := s.parseFilter(w, r)
	if !ok {
		return
	}

	buckets, err := s.history.All(r.Context(), filter)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to load history")
		writeError(w, http.StatusInternalServerError, "Failed to load history")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"filter":  filter,
		"buckets": buckets,
		"count":   len(buckets),
	})
}

// handlePlateHistory returns one vehicle's sessions with relative day labels.
func (s *Server) handlePlateHistory(w http.ResponseWriter, r *http.Request) {
	plate := mux.Vars(r)["plate"]

	buckets, err := s.history.ForPlate(r.Context(), plate, s.config.Clock.Now())
	if err != nil {
		s.logger.Error().Err(err).Str("plate", plate).Msg("Failed to load plate history")
		writeError(w, http.StatusInternalServerError, "Failed to load history")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"plate":   plate,
		"buckets": buckets,
		"count":   len(buckets),
	})
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	plate := mux.Vars(r)["plate"]

	sessions, err := s.history.Recent(r.Context(), plate, s.config.Clock.Now())
	if err != nil {
		s.logger.Error().Err(err).Str("plate", plate).Msg("Failed to load recent sessions")
		writeError(w, http.StatusInternalServerError, "Failed to load recent sessions")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"plate":    plate,
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	plate := mux.Vars(r)["plate"]

	stats, err := s.history.Stats(r.Context(), plate, s.config.Clock.Now())
	if err != nil {
		s.logger.Error().Err(err).Str("plate", plate).Msg("Failed to compute stats")
		writeError(w, http.StatusInternalServerError, "Failed to compute stats")
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleSlotHistory returns parked/vacated slot records grouped by day.
func (s *Server) handleSlotHistory(w http.ResponseWriter, r *http.Request) {
	filter, ok := s.parseFilter(w, r)
	if !ok {
		return
	}

	buckets, err := s.history.SlotHistory(r.Context(), filter)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to load slot history")
		writeError(w, http.StatusInternalServerError, "Failed to load slot history")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"filter":  filter,
		"buckets": buckets,
		"count":   len(buckets),
	})
}
