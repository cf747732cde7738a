package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/atinyakov/hammerchat/internal/metrics"
	"github.com/atinyakov/hammerchat/internal/middleware"
)

// Handlers groups the API handlers mounted by NewRouter.
type Handlers struct {
	Auth      *AuthHandler
	Directory *DirectoryHandler
	Messages  *MessageHandler
}

// NewRouter constructs the relay API.
//
// Routes:
//
//	POST   /api/register                          → Auth.Register (no certificate)
//	POST   /api/login                             → Auth.Login
//	PUT    /api/keys                              → Directory.PublishKey
//	GET    /api/keys/{userID}                     → Directory.PublicKey
//	POST   /api/conversations                     → Directory.CreateConversation
//	GET    /api/conversations/{conversationID}/key → Directory.ConversationKey
//	PUT    /api/conversations/{conversationID}/key → Directory.StoreKeyCheck
//	POST   /api/conversations/{conversationID}/messages → Messages.Send
//	GET    /api/conversations/{conversationID}/messages → Messages.History
//	POST   /api/messages/{messageID}/read         → Messages.MarkRead
//	PATCH  /api/messages/{messageID}              → Messages.Edit
//	DELETE /api/messages/{messageID}              → Messages.Delete
//	GET    /metrics                               → Prometheus, when gatherer is set
//
// Middleware chain of /api (applied in order):
//  1. Recoverer
//  2. AllowContentType("application/json"), for requests with a body
//  3. WithRequestLogging(logger)
//  4. WithMetrics(m)
//  5. CertAuth
func NewRouter(h Handlers, m *metrics.HTTP, gatherer prometheus.Gatherer, logger *zap.Logger) http.Handler {
	if m == nil {
		m = metrics.NewHTTP(nil)
	}
	r := chi.NewRouter()
	r.Use(chiMiddleware.Recoverer)

	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(chiMiddleware.AllowContentType("application/json"))
		r.Use(middleware.WithRequestLogging(logger))
		r.Use(middleware.WithMetrics(m))
		r.Use(middleware.CertAuth)

		r.Post("/register", h.Auth.Register)
		r.Post("/login", h.Auth.Login)

		r.Put("/keys", h.Directory.PublishKey)
		r.Get("/keys/{userID}", h.Directory.PublicKey)

		r.Post("/conversations", h.Directory.CreateConversation)
		r.Route("/conversations/{conversationID}", func(r chi.Router) {
			r.Get("/key", h.Directory.ConversationKey)
			r.Put("/key", h.Directory.StoreKeyCheck)
			r.Post("/messages", h.Messages.Send)
			r.Get("/messages", h.Messages.History)
		})

		r.Route("/messages/{messageID}", func(r chi.Router) {
			r.Post("/read", h.Messages.MarkRead)
			r.Patch("/", h.Messages.Edit)
			r.Delete("/", h.Messages.Delete)
		})
	})

	return r
}
