package rest

import (
	"database/sql"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	chiMiddleware "github.com/go-chi/chi/middleware"

	"github.com/chargeline/ev-booking/internal/booking"
	"github.com/chargeline/ev-booking/internal/reconcile"
	"github.com/chargeline/ev-booking/internal/transport/middleware"
	"github.com/chargeline/ev-booking/internal/transport/swagger"
)

func RegisterAllRoutes(router *chi.Mux, db *sql.DB, bookingHandler *booking.Handler, reconcileHandler *reconcile.Handler, allowedOrigins string, logger *slog.Logger) {
	healthHandler := NewHealthHandler(db)

	router.Use(middleware.CORS(allowedOrigins))
	router.Use(chiMiddleware.RequestID)
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.LoggingMiddleware(logger))

	// Serve OpenAPI spec at root (outside API prefix)
	router.Get("/openapi.yml", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, "./api/openapi.yml")
	})
	router.Handle("/swagger/*", swagger.Handler())

	// Mount API under /api/v1 to match OpenAPI basePath
	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", healthHandler.healthCheckHandler)
		r.Get("/ping", healthHandler.pingHandler)

		if bookingHandler != nil {
			bookingHandler.RegisterRoutes(r)
		}

		// Gateway-facing routes: browser return redirect and webhooks. These
		// carry no session; the webhook is authenticated by its signature.
		if reconcileHandler != nil {
			reconcileHandler.RegisterRoutes(r)
		}
	})
}
