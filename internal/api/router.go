package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/auth"
	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/cache"
	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/config"
	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/events"
	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/metrics"
	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/notify"
	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/store"
	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/workflow"
)

// Deps are the collaborators of the HTTP API. Hub, Cache and Events may be
// left nil.
type Deps struct {
	Store    store.Store
	Engine   *workflow.Engine
	Verifier *auth.Verifier
	Hub      *notify.Hub
	Cache    cache.Cache
	Events   events.Client
	Metrics  *metrics.Metrics
	Config   *config.Config
	Logger   *slog.Logger
}

func NewRouter(d Deps) http.Handler {
	if d.Cache == nil {
		d.Cache = cache.Nop{}
	}
	if d.Events == nil {
		d.Events = events.Nop{}
	}

	r := chi.NewRouter()

	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.RequestID)
	r.Use(RequestLogger(d.Logger, d.Metrics))

	limit := d.Config.Server.RateLimitPerMin
	me := NewMeHandler(d.Store, d.Hub, d.Logger)
	batches := NewBatchesHandler(d.Store, d.Engine, d.Config.Server.PublicBaseURL)
	community := NewCommunityHandler(d.Store)
	education := NewEducationHandler(d.Store)
	market := NewMarketHandler(d.Store, d.Cache, d.Events, d.Logger)
	public := NewPublicHandler(d.Store, d.Engine, d.Config.Server.PublicBaseURL)
	admin := NewAdminHandler(d.Store, d.Engine)

	r.Route("/public", func(r chi.Router) {
		r.Use(RateLimitMiddleware(limit))
		r.Get("/trace/{code}", public.Trace)
		r.Get("/certificates/{code}/qr.png", public.QR)
		r.Get("/market/prices", market.List)
		r.Get("/market/prices/latest", market.Latest)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(d.Verifier, d.Store, d.Logger))
		r.Use(RateLimitMiddleware(limit))

		r.Get("/me", me.Get)
		r.Put("/me", me.Update)
		r.Get("/me/notifications", me.Notifications)
		r.Get("/me/notifications/unread", me.UnreadCount)
		r.Post("/me/notifications/read-all", me.MarkAllRead)
		r.Post("/me/notifications/{id}/read", me.MarkRead)
		r.Get("/me/notifications/stream", me.Stream)

		r.Post("/batches", batches.Create)
		r.Get("/batches", batches.List)
		r.Get("/batches/{id}", batches.Get)
		r.Post("/batches/{id}/stages/{n}/images", batches.SubmitImage)
		r.Post("/batches/{id}/stages/{n}/complete", batches.CompleteStage)
		r.Post("/batches/{id}/certificate", batches.IssueCertificate)
		r.Get("/batches/{id}/certificate", batches.GetCertificate)
		r.Post("/images/{id}/appeal", batches.Appeal)

		r.Get("/community/questions", community.ListQuestions)
		r.Post("/community/questions", community.CreateQuestion)
		r.Get("/community/questions/{id}", community.GetQuestion)
		r.Post("/community/questions/{id}/answers", community.CreateAnswer)
		r.Post("/community/answers/{id}/accept", community.Accept)
		r.Post("/community/answers/{id}/upvote", community.Upvote)

		r.Get("/education/progress", education.List)
		r.Put("/education/progress/{module}", education.Update)

		r.Route("/admin", func(r chi.Router) {
			r.Use(AdminOnly)
			r.Get("/stats", admin.Stats)
			r.Get("/users", admin.Users)
			r.Put("/users/{id}/role", admin.SetRole)
			r.Get("/images", admin.Images)
			r.Get("/images/{id}/explain", admin.Explain)
			r.Post("/images/{id}/review", admin.Review)
			r.Get("/appeals", admin.Appeals)
			r.Post("/appeals/{id}/resolve", admin.ResolveAppeal)
			r.Post("/market/prices", market.Create)
			r.Post("/certificates/{code}/retry-anchor", admin.RetryAnchor)
		})
	})

	return r
}

func NewMetricsRouter(m *metrics.Metrics) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", m.Handler())
	return r
}
