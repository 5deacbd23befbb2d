// Package api serves the HTTP surface: run creation and control, group
// history and the SSE streams.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/user/groupstream/internal/gateway"
	"github.com/user/groupstream/internal/stream"
)

// maxRequestBody bounds JSON bodies; message content has its own, smaller limit.
const maxRequestBody = 256 * 1024

// Deps are the collaborators of a Server.
type Deps struct {
	Gateway     *gateway.Gateway
	RunStream   *stream.RunStreamer
	GroupStream *stream.GroupStreamer

	// Ping checks the storage backends for /health. Optional.
	Ping func(ctx context.Context) error

	CORSOrigins []string
}

// Server is the HTTP handler for the public API.
type Server struct {
	gw     *gateway.Gateway
	runs   *stream.RunStreamer
	groups *stream.GroupStreamer
	ping   func(ctx context.Context) error
	router chi.Router
}

// NewServer creates a Server with every route registered.
func NewServer(d Deps) *Server {
	s := &Server{
		gw:     d.Gateway,
		runs:   d.RunStream,
		groups: d.GroupStream,
		ping:   d.Ping,
	}

	origins := d.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(recordMetrics)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Last-Event-ID", UserHeader},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(identity)
		r.Use(maxBodySize(maxRequestBody))

		r.Post("/runs", s.handleCreateRun)
		r.Post("/sessions/{sessionId}/messages/run", s.handleCreateSessionRun)

		runRoutes := func(r chi.Router) {
			r.Get("/", s.handleGetRun)
			r.Post("/cancel", s.handleCancelRun)
			r.Get("/stream", s.handleRunStream)
		}
		r.Route("/runs/{runId}", runRoutes)
		r.Route("/chat-runs/{runId}", runRoutes)

		r.Route("/groups/{groupId}/messages", func(r chi.Router) {
			r.Get("/", s.handleListMessages)
			r.Post("/", s.handleSendMessage)
			r.Post("/run", s.handleCreateGroupRun)
			r.Get("/stream", s.handleGroupStream)
			r.Delete("/{messageId}", s.handleDeleteMessage)
		})
	})

	s.router = r
	return s
}

// ServeHTTP delegates to the router, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ping(ctx); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"success":false,"error":{"code":"UNAVAILABLE","message":"storage unreachable"}}` + "\n"))
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
