/**
 * @description
 * This file sets up the HTTP router for the escrow-audit-service. It defines
 * the API endpoints, associates them with their corresponding handlers, and
 * applies any necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// EscrowRoutes creates and returns a new router for the escrow audit service.
// The audit endpoints require a bearer token and pass the role/IP access gate;
// escrow creation and the webhook are open to the internal network.
func EscrowRoutes(h *EscrowHandlers, authSecret string, gate *AccessGate) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Escrow lifecycle endpoints
	r.Post("/escrows/holds", h.CreateHoldHandler)
	r.Post("/escrows/releases", h.CreateReleaseHandler)
	r.Get("/escrows/{txUid}", h.GetEscrowHandler)

	// Provider callback endpoint
	r.Post("/webhooks/gateway", h.GatewayWebhookHandler)

	// Group routes that require authentication and the access gate.
	r.Group(func(r chi.Router) {
		r.Use(BearerAuthMiddleware(authSecret))
		r.Use(gate.Middleware)

		r.Post("/audit/validate", h.ValidateHandler)
		r.Post("/anchors", h.CreateAnchorHandler)
		r.Get("/anchors/{id}", h.GetAnchorHandler)
	})

	return r
}
