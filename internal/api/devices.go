package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/botcareu/botcareu-core/internal/audit"
	"github.com/botcareu/botcareu-core/internal/device"
	"github.com/botcareu/botcareu-core/internal/pipeline"
	"github.com/botcareu/botcareu-core/internal/telemetry"
)

// commandRequest is the body of POST /devices/{id}/commands.
type commandRequest struct {
	Command string `json:"command"`
}

// handleDeviceSnapshot returns the device with its derived status and
// recent readings.
func (s *Server) handleDeviceSnapshot(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())
	deviceID := chi.URLParam(r, "id")

	snap, err := s.devices.DeviceSnapshot(r.Context(), userID, deviceID)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		s.logger.Error("failed to build device snapshot", "device_id", deviceID, "error", err)
		writeInternalError(w, "failed to load device")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleDeviceCommand publishes a command to a device the caller owns.
func (s *Server) handleDeviceCommand(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := s.ownedDevice(w, r)
	if !ok {
		return
	}
	if s.commands == nil {
		writeUnavailable(w, "device messaging not available")
		return
	}

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if !pipeline.ValidCommand(req.Command) {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "command must be measure_now or restart")
		return
	}

	if err := s.commands.SendCommand(r.Context(), deviceID, req.Command); err != nil {
		s.writeCommandError(w, deviceID, err)
		return
	}

	s.auditLog(audit.ActionDeviceCommand, deviceID, userIDFromContext(r.Context()), map[string]any{
		"command": req.Command,
	})
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":    "accepted",
		"device_id": deviceID,
		"command":   req.Command,
	})
}

// handleDeviceConfig pushes configuration values to a device the caller
// owns. The device confirms by echoing its config back.
func (s *Server) handleDeviceConfig(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := s.ownedDevice(w, r)
	if !ok {
		return
	}
	if s.commands == nil {
		writeUnavailable(w, "device messaging not available")
		return
	}

	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	var values map[string]any
	if err := dec.Decode(&values); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	if err := s.commands.PushConfig(r.Context(), deviceID, values); err != nil {
		s.writeCommandError(w, deviceID, err)
		return
	}

	s.auditLog(audit.ActionDeviceConfig, deviceID, userIDFromContext(r.Context()), map[string]any{
		"config": values,
	})
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":    "accepted",
		"device_id": deviceID,
	})
}

// ownedDevice resolves {id} and writes 404 unless the caller owns it.
func (s *Server) ownedDevice(w http.ResponseWriter, r *http.Request) (string, bool) {
	deviceID := chi.URLParam(r, "id")
	if _, err := s.devices.DeviceSnapshot(r.Context(), userIDFromContext(r.Context()), deviceID); err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return "", false
		}
		s.logger.Error("failed to resolve device", "device_id", deviceID, "error", err)
		writeInternalError(w, "failed to load device")
		return "", false
	}
	return deviceID, true
}

func (s *Server) writeCommandError(w http.ResponseWriter, deviceID string, err error) {
	switch {
	case errors.Is(err, pipeline.ErrUnknownCommand), errors.Is(err, pipeline.ErrInvalidConfig):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, telemetry.ErrUnknownDevice):
		writeNotFound(w, "device not found")
	default:
		s.logger.Error("failed to publish to device", "device_id", deviceID, "error", err)
		writeUnavailable(w, "failed to reach device")
	}
}
