package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fieldgate/fieldgate-core/internal/device"
)

// handleListVirtualDevices returns all virtual devices.
func (s *Server) handleListVirtualDevices(w http.ResponseWriter, r *http.Request) {
	virtuals, err := s.registry.ListVirtualDevices(r.Context())
	if err != nil {
		writeInternalError(w, "failed to list virtual devices")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"virtual_devices": virtuals, "count": len(virtuals)})
}

// handleGetVirtualDevice returns a single virtual device by ID.
func (s *Server) handleGetVirtualDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	virt, err := s.registry.GetVirtualDevice(r.Context(), id)
	if err != nil {
		if errors.Is(err, device.ErrVirtualNotFound) {
			writeNotFound(w, "virtual device not found")
			return
		}
		writeInternalError(w, "failed to get virtual device")
		return
	}

	writeJSON(w, http.StatusOK, virt)
}

// handleCreateVirtualDevice creates a virtual device over an existing parent.
func (s *Server) handleCreateVirtualDevice(w http.ResponseWriter, r *http.Request) {
	var virt device.VirtualDevice
	if err := json.NewDecoder(r.Body).Decode(&virt); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	if err := s.registry.CreateVirtualDevice(r.Context(), &virt); err != nil {
		switch {
		case errors.Is(err, device.ErrParentNotFound):
			writeBadRequest(w, "parent device not found")
		case errors.Is(err, device.ErrVirtualExists):
			writeConflict(w, "virtual device already exists")
		case errors.Is(err, device.ErrInvalidVirtual):
			writeBadRequest(w, err.Error())
		default:
			writeInternalError(w, "failed to create virtual device")
		}
		return
	}

	writeJSON(w, http.StatusCreated, virt)
}

// handleUpdateVirtualDevice partially updates a virtual device.
func (s *Server) handleUpdateVirtualDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	existing, err := s.registry.GetVirtualDevice(r.Context(), id)
	if err != nil {
		if errors.Is(err, device.ErrVirtualNotFound) {
			writeNotFound(w, "virtual device not found")
			return
		}
		writeInternalError(w, "failed to get virtual device")
		return
	}

	if err := json.NewDecoder(r.Body).Decode(existing); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	existing.ID = id

	if err := s.registry.UpdateVirtualDevice(r.Context(), existing); err != nil {
		switch {
		case errors.Is(err, device.ErrParentNotFound):
			writeBadRequest(w, "parent device not found")
		case errors.Is(err, device.ErrInvalidVirtual):
			writeBadRequest(w, err.Error())
		default:
			writeInternalError(w, "failed to update virtual device")
		}
		return
	}

	writeJSON(w, http.StatusOK, existing)
}

// handleDeleteVirtualDevice removes a virtual device.
func (s *Server) handleDeleteVirtualDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.registry.DeleteVirtualDevice(r.Context(), id); err != nil {
		if errors.Is(err, device.ErrVirtualNotFound) {
			writeNotFound(w, "virtual device not found")
			return
		}
		writeInternalError(w, "failed to delete virtual device")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
