package server

import (
	"net/http"

	"github.com/cloo-solutions/kubekb/internal/api"
	"github.com/cloo-solutions/kubekb/internal/api/handlers"
	"github.com/cloo-solutions/kubekb/internal/api/middleware"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// envelopeSlack covers JSON escaping and the non-content request fields.
const envelopeSlack int64 = 256 * 1024

type RouterConfig struct {
	KnowledgeHandler *handlers.KnowledgeHandler
	Logger           *zap.Logger
	// MaxContentBytes is the largest document accepted by ingest.
	MaxContentBytes int64
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.Sentry)
	r.Use(middleware.AccessLog(cfg.Logger))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		api.Success(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.MaxBodyBytes(maxBodyBytes(cfg.MaxContentBytes)))
		r.Post("/knowledge", cfg.KnowledgeHandler.Handle)
	})

	return r
}

// maxBodyBytes allows for JSON escaping doubling the content in the worst
// common case.
func maxBodyBytes(maxContent int64) int64 {
	if maxContent <= 0 {
		return 0
	}
	return 2*maxContent + envelopeSlack
}
