package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// Verification endpoints. Open at the HTTP layer: every
		// request carries its own HMAC signature, checked by the
		// access engine.
		r.Route("/verify", func(r chi.Router) {
			r.Post("/pin", s.handleVerifyPIN)
			r.Post("/nfc", s.handleVerifyNFC)
		})

		// Operator routes behind the API key.
		r.Group(func(r chi.Router) {
			r.Use(s.apiKeyMiddleware)

			r.Route("/devices", func(r chi.Router) {
				r.Get("/", s.handleListDevices)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetDevice)
					r.Post("/unlock", s.handleUnlock)
					r.Post("/lock", s.handleLock)
					r.Get("/commands", s.handleListCommands)
				})
			})

			r.Route("/audit", func(r chi.Router) {
				r.Get("/", s.handleListAudit)
				r.Get("/verify", s.handleVerifyAudit)
			})
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"status":  "ok",
		"version": s.version,
	}
	if s.transport != nil {
		body["mqtt_connected"] = s.transport.IsConnected()
	}
	writeJSON(w, http.StatusOK, body)
}
