package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/hackgods/lab-clinic-booking/internal/auth"
)

type RouterConfig struct {
	Appointments AppointmentService
	Handoff      HandoffService
	// Gateway serves /ws when set.
	Gateway http.Handler
	Health  *HealthHandler
	// Verifier protects operator routes; nil falls back to the X-Operator-ID header.
	Verifier    *auth.Verifier
	CORSOrigins []string
	// Metrics overrides the default Prometheus handler.
	Metrics http.Handler
	Logger  zerolog.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(middleware.Recoverer)

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", OperatorHeader},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	if cfg.Health != nil {
		r.Get("/health/live", cfg.Health.Liveness)
		r.Get("/health/ready", cfg.Health.Readiness)
	}

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	r.Method(http.MethodGet, "/metrics", metrics)

	if svc := cfg.Appointments; svc != nil {
		r.Get("/availability", availabilityHandler(svc))
		r.Post("/reservations", reserveSlotHandler(svc))
		r.Get("/appointments/{id}", getAppointmentHandler(svc))
		r.Post("/appointments/{id}/confirm", transitionHandler(svc.ConfirmAppointment))
		r.Post("/appointments/{id}/start", transitionHandler(svc.StartAppointment))
		r.Post("/appointments/{id}/cancel", transitionHandler(svc.CancelAppointment))
		r.Get("/patients/{identifier}/appointments", listPatientAppointmentsHandler(svc))
	}

	if svc := cfg.Handoff; svc != nil {
		r.Route("/handoff", func(r chi.Router) {
			r.Get("/conversations/{id}/position", queuePositionHandler(svc))
			r.Get("/conversations/{id}/messages", historyHandler(svc))

			r.Group(func(r chi.Router) {
				r.Use(auth.Middleware(cfg.Verifier, auth.RoleOperator))
				r.Get("/pending", pendingHandler(svc))
				r.Post("/conversations/{id}/claim", claimHandler(svc))
				r.Post("/conversations/{id}/close", closeHandler(svc))
			})
		})
	}

	if cfg.Gateway != nil {
		r.Handle("/ws", cfg.Gateway)
	}

	return r
}
