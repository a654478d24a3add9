package api

import (
	"errors"
	"net/http"

	"github.com/ctrlpark/ctrlpark/internal/geo"
	"github.com/ctrlpark/ctrlpark/internal/monitor"
	"github.com/gorilla/mux"
)

// PositionRequest is a location fix from the driver's device.
type PositionRequest struct {
	Lat *float64 `json:"lat" validate:"required,latitude"`
	Lon *float64 `json:"lon" validate:"required,longitude"`
}

// SelectResponse is returned when a driver picks a slot on the map.
type SelectResponse struct {
	Slot     string           `json:"slot"`
	Distance float64          `json:"distance_m"`
	Snapshot monitor.Snapshot `json:"snapshot"`
}

// machine resolves the caller's state machine, writing an error response
// when it cannot.
func (s *Server) machine(w http.ResponseWriter, r *http.Request) (*monitor.Machine, bool) {
	driver, ok := DriverFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, monitor.ErrNoDriver.Error())
		return nil, false
	}

	m, err := s.registry.Get(r.Context(), driver)
	if err != nil {
		s.logger.Error().Err(err).Str("driver", driver).Msg("Failed to start driver session")
		writeError(w, http.StatusServiceUnavailable, "Failed to start driver session")
		return nil, false
	}
	return m, true
}

func (s *Server) handleDriverState(w http.ResponseWriter, r *http.Request) {
	m, ok := s.machine(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, m.Snapshot())
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	var req PositionRequest
	if err := decodeJSON(r, s.validate, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	m, ok := s.machine(w, r)
	if !ok {
		return
	}
	if !s.positionLimiter.Allow(m.Driver().ID) {
		writeError(w, http.StatusTooManyRequests, "Position reports too frequent")
		return
	}

	snap, err := m.UpdatePosition(r.Context(), geo.Point{Lat: *req.Lat, Lon: *req.Lon})
	if err != nil {
		s.writeMonitorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleSelect routes the driver to a slot and, when already close enough,
// starts the confirm countdown.
func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	m, ok := s.machine(w, r)
	if !ok {
		return
	}

	slot := mux.Vars(r)["slot"]
	distance, err := m.SelectSlot(r.Context(), slot)
	if err != nil {
		s.writeMonitorError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, SelectResponse{
		Slot:     slot,
		Distance: distance,
		Snapshot: m.Snapshot(),
	})
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	m, ok := s.machine(w, r)
	if !ok {
		return
	}

	if err := m.Confirm(r.Context(), mux.Vars(r)["slot"]); err != nil {
		s.writeMonitorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m.Snapshot())
}

// writeMonitorError maps state machine errors to HTTP statuses.
func (s *Server) writeMonitorError(w http.ResponseWriter, err error) {
	var distErr *monitor.DistanceError
	switch {
	case errors.As(err, &distErr):
		writeErrorDetails(w, http.StatusUnprocessableEntity, err.Error(), map[string]any{
			"slot":       distErr.SlotID,
			"distance_m": distErr.Distance,
			"limit_m":    distErr.Limit,
		})
	case errors.Is(err, monitor.ErrUnknownSlot):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, monitor.ErrSlotUnavailable),
		errors.Is(err, monitor.ErrAlreadyParked),
		errors.Is(err, monitor.ErrClosed):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, monitor.ErrNoPosition):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, monitor.ErrInvalidStatus):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error().Err(err).Msg("Slot monitor error")
		writeError(w, http.StatusInternalServerError, "Internal error")
	}
}
