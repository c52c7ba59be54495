package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fieldgate/fieldgate-core/internal/device"
	"github.com/fieldgate/fieldgate-core/internal/poll"
	"github.com/fieldgate/fieldgate-core/internal/protocol"
)

// handleListDevices returns all configured devices.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.registry.ListDevices(r.Context())
	if err != nil {
		writeInternalError(w, "failed to list devices")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// handleGetDevice returns a single device by ID.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	dev, err := s.registry.GetDevice(r.Context(), id)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to get device")
		return
	}

	writeJSON(w, http.StatusOK, dev)
}

// handleCreateDevice creates a new device.
func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var dev device.Device
	if err := json.NewDecoder(r.Body).Decode(&dev); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	if err := s.registry.CreateDevice(r.Context(), &dev); err != nil {
		switch {
		case errors.Is(err, device.ErrDeviceExists):
			writeConflict(w, "device already exists")
		case isValidationError(err):
			writeBadRequest(w, err.Error())
		default:
			writeInternalError(w, "failed to create device")
		}
		return
	}

	writeJSON(w, http.StatusCreated, dev)
}

// handleUpdateDevice partially updates a device and reconciles its
// poll worker with the new configuration.
func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	existing, err := s.registry.GetDevice(r.Context(), id)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to get device")
		return
	}

	// Decode partial update onto existing device
	if err := json.NewDecoder(r.Body).Decode(existing); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	existing.ID = id // ID cannot be changed

	if err := s.registry.UpdateDevice(r.Context(), existing); err != nil {
		if isValidationError(err) {
			writeBadRequest(w, err.Error())
			return
		}
		writeInternalError(w, "failed to update device")
		return
	}

	if err := s.manager.Reconcile(s.workerContext(), id); err != nil {
		s.logger.Warn("reconcile after update failed", "device_id", id, "error", err)
	}

	writeJSON(w, http.StatusOK, existing)
}

// handleDeleteDevice stops the device's poll worker and removes the
// device. Both happen under the manager's lock so a concurrent start
// cannot leave a worker polling the deleted device.
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.manager.Remove(r.Context(), id); err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to delete device")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleDeviceStats returns device registry statistics.
func (s *Server) handleDeviceStats(w http.ResponseWriter, _ *http.Request) {
	stats := s.registry.GetStats()
	writeJSON(w, http.StatusOK, stats)
}

// handleStartDevice launches the device's poll worker.
func (s *Server) handleStartDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.manager.Start(s.workerContext(), id); err != nil {
		switch {
		case errors.Is(err, device.ErrDeviceNotFound):
			writeNotFound(w, "device not found")
		case errors.Is(err, poll.ErrDeviceDisabled):
			writeConflict(w, "device is disabled")
		case errors.Is(err, poll.ErrShuttingDown):
			writeUnavailable(w, "system is shutting down")
		default:
			writeInternalError(w, "failed to start device")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"device_id": id, "status": "started"})
}

// handleStopDevice halts the device's poll worker. Stopping a device
// that is not running succeeds.
func (s *Server) handleStopDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.registry.GetDevice(r.Context(), id); err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to get device")
		return
	}

	s.manager.Stop(id)
	writeJSON(w, http.StatusOK, map[string]any{"device_id": id, "status": "stopped"})
}

// handleWorkerStatus returns the poll worker status for one device.
func (s *Server) handleWorkerStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if status, ok := s.manager.Status(id); ok {
		writeJSON(w, http.StatusOK, status)
		return
	}

	dev, err := s.registry.GetDevice(r.Context(), id)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to get device")
		return
	}

	writeJSON(w, http.StatusOK, poll.Status{
		DeviceID:   dev.ID,
		DeviceName: dev.Name,
		State:      device.StateStopped,
	})
}

// handleWorkerStatusAll returns the status of every running poll worker.
func (s *Server) handleWorkerStatusAll(w http.ResponseWriter, _ *http.Request) {
	statuses := s.manager.StatusAll()
	writeJSON(w, http.StatusOK, map[string]any{"workers": statuses, "count": len(statuses)})
}

// handleDiscoverTags browses the device's tag list without modifying
// its configuration.
func (s *Server) handleDiscoverTags(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	tags, err := s.manager.Discover(r.Context(), id)
	if err != nil {
		s.writeDiscoveryError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"tags": tags, "count": len(tags)})
}

// handleAdoptTags browses the device's tag list and replaces its
// configured tags with the result. The tag list is only replaced on a
// non-empty successful browse.
func (s *Server) handleAdoptTags(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	tags, err := s.manager.AdoptDiscovered(r.Context(), id)
	if err != nil {
		s.writeDiscoveryError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"tags": tags, "count": len(tags)})
}

// writeDiscoveryError maps discovery failures to HTTP responses.
func (s *Server) writeDiscoveryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, device.ErrDeviceNotFound):
		writeNotFound(w, "device not found")
	case errors.Is(err, protocol.ErrDiscoveryUnsupported):
		writeBadRequest(w, "protocol does not support tag discovery")
	case errors.Is(err, poll.ErrNoTagsDiscovered):
		writeBadRequest(w, "discovery returned no usable tags; configured tags kept")
	default:
		writeUnavailable(w, "device unreachable: "+err.Error())
	}
}

// isValidationError checks whether an error is a device validation error.
// ValidateDevice wraps several sentinel errors so all of them are checked.
func isValidationError(err error) bool {
	return errors.Is(err, device.ErrInvalidDevice) ||
		errors.Is(err, device.ErrInvalidName) ||
		errors.Is(err, device.ErrInvalidHost) ||
		errors.Is(err, device.ErrInvalidFormat) ||
		errors.Is(err, device.ErrInvalidInterval) ||
		errors.Is(err, device.ErrInvalidTopicPrefix) ||
		errors.Is(err, device.ErrDuplicateTag)
}
