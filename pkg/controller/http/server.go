package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/secmon-lab/herald/pkg/usecase"
	"github.com/secmon-lab/herald/pkg/utils/logging"
)

// maxRequestBytes bounds JSON request bodies
const maxRequestBytes = 1 << 20

type Server struct {
	router *chi.Mux
	uc     *usecase.UseCases
}

type Options func(*Server)

func New(uc *usecase.UseCases, opts ...Options) *Server {
	r := chi.NewRouter()

	s := &Server{
		router: r,
		uc:     uc,
	}
	for _, opt := range opts {
		opt(s)
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(accessLogger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/workspaces", s.listWorkspaces)

		r.Route("/workspaces/{ws}", func(r chi.Router) {
			r.Post("/messages", s.scheduleMessage)
			r.Get("/messages", s.listMessages)
			r.Get("/roles", s.listRoles)
			r.Get("/bulk", s.listRuns)
			r.Post("/bulk/{kind}", s.startBulkRun)
		})

		r.Route("/messages", func(r chi.Router) {
			r.Post("/sync", s.reconcileMany)
			r.Get("/{id}", s.getMessage)
			r.Patch("/{id}", s.editMessage)
			r.Delete("/{id}", s.deleteMessage)
			r.Post("/{id}/retry", s.retryMessage)
			r.Get("/{id}/sync", s.getSyncStatus)
		})

		r.Route("/bulk/{runID}", func(r chi.Router) {
			r.Get("/", s.getRun)
			r.Get("/results", s.listItemResults)
			r.Post("/cancel", s.cancelRun)
			r.Post("/retry-failed", s.retryFailedItems)
		})
	})

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// accessLogger is a middleware that logs HTTP requests
func accessLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			logging.Default().Info("access",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"remote", r.RemoteAddr,
				"request_id", middleware.GetReqID(r.Context()),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

func (s *Server) listWorkspaces(w http.ResponseWriter, r *http.Request) {
	type workspaceResponse struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	type response struct {
		Workspaces []workspaceResponse `json:"workspaces"`
	}

	workspaces := s.uc.Workspaces()
	resp := response{
		Workspaces: make([]workspaceResponse, len(workspaces)),
	}
	for i, ws := range workspaces {
		resp.Workspaces[i] = workspaceResponse{
			ID:   ws.ID,
			Name: ws.Name,
		}
	}
	writeJSON(w, r, http.StatusOK, resp)
}
