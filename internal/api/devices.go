package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/jmorland/veralock-core/internal/command"
	"github.com/jmorland/veralock-core/internal/device"
)

// handleListDevices returns all registered devices.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.devices.List(r.Context())
	if err != nil {
		s.logger.Error("listing devices failed", "error", err)
		writeInternalError(w, "listing devices failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

// handleGetDevice returns a single device. The shared secret is never
// serialised.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	d, err := s.devices.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		s.logger.Error("loading device failed", "device_id", id, "error", err)
		writeInternalError(w, "loading device failed")
		return
	}

	writeJSON(w, http.StatusOK, d)
}

// unlockRequest optionally overrides the device's momentary hold time.
type unlockRequest struct {
	Duration *int `json:"duration,omitempty"`
}

// handleUnlock dispatches an unlock command to the device.
func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	var body unlockRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if body.Duration != nil && *body.Duration <= 0 {
		writeBadRequest(w, "duration must be positive")
		return
	}

	s.dispatch(w, r, command.ActionUnlock, body.Duration)
}

// handleLock dispatches a lock command to the device.
func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, command.ActionLock, nil)
}

// dispatch issues the command and translates dispatcher errors.
// Success is 202: the command is on its way, resolution happens
// asynchronously via the correlator or the fallback timer.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, action command.Action, duration *int) {
	id := chi.URLParam(r, "id")

	cmd, err := s.dispatcher.Issue(r.Context(), id, action, duration)
	if err != nil {
		switch {
		case errors.Is(err, device.ErrDeviceNotFound):
			writeNotFound(w, "device not found")
		case errors.Is(err, command.ErrTransportUnavailable):
			writeUnavailable(w, "transport unavailable, retry")
		default:
			s.logger.Error("command dispatch failed",
				"device_id", id,
				"action", action,
				"error", err,
			)
			writeInternalError(w, "command dispatch failed")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, cmd)
}

// handleListCommands returns a device's recent commands, newest first.
func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	commands, err := s.commands.ListByDevice(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("listing commands failed", "device_id", id, "error", err)
		writeInternalError(w, "listing commands failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"commands": commands,
		"count":    len(commands),
	})
}
