package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/ukydev/ambulance-dispatch/internal/auth"
	"github.com/ukydev/ambulance-dispatch/internal/db"
	"github.com/ukydev/ambulance-dispatch/internal/dispatch"
	"github.com/ukydev/ambulance-dispatch/internal/middleware"
	"github.com/ukydev/ambulance-dispatch/internal/models"
)

// Options wires the router.
type Options struct {
	Auth      *auth.Service
	Operators db.OperatorCollection
	Service   *dispatch.Service

	// LoginRateLimit caps login attempts per client IP per minute.
	LoginRateLimit int
}

// NewRouter builds the HTTP API.
func NewRouter(opts Options) http.Handler {
	if opts.LoginRateLimit <= 0 {
		opts.LoginRateLimit = 10
	}
	authMW := middleware.NewAuthMiddleware(opts.Auth)
	limiter := middleware.NewRateLimitMiddleware()
	authH := NewAuthHandler(opts.Auth, opts.Operators)
	api := NewDispatchHandler(opts.Service)
	feed := NewFeedHandler(opts.Service)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimw.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":        "ok",
			"store_version": opts.Service.Store.Version(),
			"subscribers":   opts.Service.Bus.Subscribers(),
		})
	})
	r.Handle("/metrics", opts.Service.Metrics.Handler())

	r.With(limiter.RateLimit(opts.LoginRateLimit, time.Minute)).Post("/api/auth/login", authH.Login)

	r.Group(func(r chi.Router) {
		r.Use(authMW.Authenticate)

		r.Get("/api/auth/me", authH.Me)
		r.Post("/api/auth/password", authH.ChangePassword)
		r.With(authMW.RequirePermission(models.ActionManageOperators)).Route("/api/operators", func(r chi.Router) {
			r.Get("/", authH.ListOperators)
			r.Post("/", authH.CreateOperator)
		})

		view := authMW.RequirePermission(models.ActionViewState)
		r.With(view).Get("/api/state", api.GetState)
		r.With(view).Get("/api/alerts", api.GetAlerts)
		r.With(view).Get("/api/stats", api.GetStats)
		r.With(view).Get("/api/feed", feed.ServeHTTP)
		r.With(view).Get("/api/emergencies/{id}", api.GetEmergency)
		r.With(view).Get("/api/traffic", api.GetTraffic)

		traffic := authMW.RequirePermission(models.ActionReportTraffic)
		r.With(traffic).Put("/api/traffic/{zone}", api.PutTraffic)
		r.With(traffic).Delete("/api/traffic/{zone}", api.DeleteTraffic)
		r.With(authMW.RequirePermission(models.ActionPostMessage)).Post("/api/messages", api.PostMessage)

		r.With(authMW.RequirePermission(models.ActionIntake)).Post("/api/emergencies", api.CreateEmergency)
		r.With(authMW.RequirePermission(models.ActionUpdateEmergency)).Patch("/api/emergencies/{id}", api.UpdateEmergency)
		r.With(authMW.RequirePermission(models.ActionDowngradePriority)).Post("/api/emergencies/{id}/downgrade", api.DowngradeEmergency)

		fleet := authMW.RequirePermission(models.ActionManageFleet)
		r.With(fleet).Put("/api/ambulances/{id}", api.PutAmbulance)
		r.With(fleet).Post("/api/ambulances/{id}/return-to-service", api.ReturnToService)
		r.With(fleet).Put("/api/hospitals/{id}", api.PutHospital)

		r.With(authMW.RequirePermission(models.ActionReportPing)).Post("/api/pings", api.PostPing)
	})

	return r
}
