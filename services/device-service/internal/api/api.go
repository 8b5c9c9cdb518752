// Package api serves the device inventory HTTP endpoints.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/md-rashed-zaman/devicecloud/libs/platform"
	"github.com/md-rashed-zaman/devicecloud/services/device-service/internal/device"
)

type Handler struct {
	devices *device.Service
	logger  *slog.Logger
}

func New(devices *device.Service, logger *slog.Logger) *Handler {
	return &Handler{devices: devices, logger: logger}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/devices", h.Register)
	mux.HandleFunc("GET /api/v1/devices/{id}", h.Get)
	mux.HandleFunc("POST /api/v1/devices/{id}/faults", h.ReportFault)
	return mux
}

type deviceView struct {
	ID          string `json:"id"`
	Model       string `json:"model"`
	Status      string `json:"status"`
	ReservedBy  string `json:"reservedBy,omitempty"`
	Faulty      bool   `json:"faulty"`
	FaultReason string `json:"faultReason,omitempty"`
}

func view(id string, d device.Device) deviceView {
	return deviceView{
		ID:          id,
		Model:       d.Model,
		Status:      string(d.Status),
		ReservedBy:  d.ReservedBy,
		Faulty:      d.Faulty,
		FaultReason: d.FaultReason,
	}
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID    string `json:"id"`
		Model string `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	d, err := h.devices.Register(r.Context(), req.ID, req.Model)
	switch {
	case errors.Is(err, device.ErrInvalidDevice):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, device.ErrExists):
		http.Error(w, err.Error(), http.StatusConflict)
	case err != nil:
		h.internalError(w, r, "registering device", err)
	default:
		platform.WriteJSON(w, http.StatusCreated, view(req.ID, d))
	}
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	d, _, err := h.devices.Get(r.Context(), id)
	switch {
	case errors.Is(err, device.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case err != nil:
		h.internalError(w, r, "loading device", err)
	default:
		platform.WriteJSON(w, http.StatusOK, view(id, d))
	}
}

func (h *Handler) ReportFault(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	id := r.PathValue("id")
	d, err := h.devices.ReportFault(r.Context(), id, req.Reason)
	switch {
	case errors.Is(err, device.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case err != nil:
		h.internalError(w, r, "reporting fault", err)
	default:
		platform.WriteJSON(w, http.StatusOK, view(id, d))
	}
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, what string, err error) {
	h.logger.ErrorContext(r.Context(), what+" failed", "err", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}
