package server

import (
	"fmt"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codegraphhq/codegraph/common/logger"
)

type APIServerConfig struct {
	HTTPServerConfig
}

type IngestAPIServer struct {
	APIServer
}

func NewIngestAPIServer(router *APIRouter, config APIServerConfig, httpServerFactory HTTPServerFactory, logFactory logger.LogFactory) (*IngestAPIServer, error) {
	httpServer, err := httpServerFactory(router, config.HTTPServerConfig, logFactory("IngestAPIServer"))
	if err != nil {
		return nil, fmt.Errorf("error creating HTTP server: %w", err)
	}
	return &IngestAPIServer{
		APIServer: httpServer,
	}, nil
}

type APIRouter struct {
	chi.Router
}

func NewAPIRouter(
	ingest *IngestAPI,
	status *IngestStatusWebSocketAPI,
	health *HealthAPI,
	gatherer prometheus.Gatherer,
	logFactory logger.LogFactory) *APIRouter {

	logger := logFactory("APIRouter").
		WithField("version", "v1")

	middleware.DefaultLogger = middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: logger, NoColor: true})
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Compress(6))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link", "Id", "Location"},
		AllowCredentials: false,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	}))

	r.Get("/health", health.Get)
	r.Get("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}).ServeHTTP)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", health.Get)
		r.Route("/ingest", func(r chi.Router) {
			// The status stream holds its connection open indefinitely, so
			// the request timeout only covers the plain HTTP routes
			r.Get("/ws/status/{job_id}", status.Status)
			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(60 * time.Second))
				r.Post("/", ingest.Create)
				r.Get("/", ingest.List)
				r.Route("/{job_id}", func(r chi.Router) {
					r.Get("/", ingest.Get)
					r.Post("/cancel", ingest.Cancel)
					r.Get("/events", ingest.GetEvents)
				})
			})
		})
	})
	return &APIRouter{Router: r}
}
