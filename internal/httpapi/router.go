// Package httpapi wires the HTTP surface of the vidforge API.
package httpapi

import (
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"

	"vidforge/internal/httpapi/handlers"
	"vidforge/internal/httpkit"
	"vidforge/internal/intake"
	"vidforge/internal/jobstore"
	"vidforge/internal/pkg/logger"
	"vidforge/internal/pkg/middleware"
	"vidforge/internal/ports"
	"vidforge/internal/queue"
)

type Deps struct {
	Intake *intake.Service
	Store  jobstore.Store
	Queue  queue.Queue
	SP     ports.StorageProvider
	Log    *logger.Logger
}

func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(d.Log))
	r.Use(middleware.Recovery(d.Log))

	allowedOrigins := envCSV("CORS_ALLOWED_ORIGINS", []string{"*"})
	r.Use(httpkit.CORS(httpkit.CORSOptions{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAgeSeconds:  600,
	}))

	h := handlers.New(handlers.Deps{
		Intake: d.Intake,
		Store:  d.Store,
		Queue:  d.Queue,
		SP:     d.SP,
		Log:    d.Log,
	})

	r.Get("/health", h.Health)

	r.Post("/upload", h.Upload)
	r.Get("/status/{jobID}", h.Status)
	r.Get("/result/{jobID}", h.Result)

	r.Get("/jobs", h.ListJobs)

	return r
}

func envCSV(key string, def []string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
