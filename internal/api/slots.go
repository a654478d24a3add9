package api

import (
	"errors"
	"net/http"

	"github.com/ctrlpark/ctrlpark/internal/monitor"
	"github.com/ctrlpark/ctrlpark/internal/storage"
	"github.com/gorilla/mux"
)

// SlotStatus is the lot-wide view of one slot as stored.
type SlotStatus struct {
	ID          string  `json:"id"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	Status      string  `json:"status"`
	CCTVStatus  string  `json:"cctv_status,omitempty"`
	Accuracy    string  `json:"accuracy,omitempty"`
	CurrentUser string  `json:"current_user,omitempty"`
}

// CorroborateRequest is an external occupancy reading for a slot.
type CorroborateRequest struct {
	Status string `json:"status" validate:"required,oneof=Available Occupied available occupied"`
}

// handleSlots lists every slot of the layout with its stored status. Slots
// never written to report Available.
func (s *Server) handleSlots(w http.ResponseWriter, r *http.Request) {
	docs, err := s.store.Query(r.Context(), storage.CollectionSlots, storage.Query{})
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to query slots")
		writeError(w, http.StatusInternalServerError, "Failed to query slots")
		return
	}

	byID := make(map[string]storage.Document, len(docs))
	for _, doc := range docs {
		byID[doc.ID] = doc
	}

	out := make([]SlotStatus, 0, len(s.config.Layout.Slots))
	for _, slot := range s.config.Layout.Slots {
		st := SlotStatus{
			ID:     slot.ID,
			Lat:    slot.Location.Lat,
			Lon:    slot.Location.Lon,
			Status: monitor.StatusAvailable,
		}
		if doc, ok := byID[slot.ID]; ok {
			if v := doc.String("status"); v != "" {
				st.Status = v
			}
			st.CCTVStatus = doc.String("cctv_status")
			st.Accuracy = doc.String("accuracy")
			st.CurrentUser = doc.String("current_user")
		}
		out = append(out, st)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"lot":   s.config.Layout.Name,
		"slots": out,
		"count": len(out),
	})
}

// handleCorroborate accepts a camera reading for a slot. It only changes what
// drivers see; pending timers are not touched.
func (s *Server) handleCorroborate(w http.ResponseWriter, r *http.Request) {
	var req CorroborateRequest
	if err := decodeJSON(r, s.validate, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	slot := mux.Vars(r)["slot"]
	if err := s.registry.Corroborate(slot, req.Status); err != nil {
		switch {
		case errors.Is(err, monitor.ErrUnknownSlot):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, monitor.ErrInvalidStatus):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.writeMonitorError(w, err)
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"slot":   slot,
		"status": req.Status,
	})
}
