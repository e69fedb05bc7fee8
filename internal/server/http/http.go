package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi"
)

type Server struct {
	public       *http.Server
	publicRouter *chi.Mux

	handler *Handler
}

func New(handler *Handler) *Server {
	return &Server{
		publicRouter: chi.NewRouter(),

		handler: handler,
	}
}

func (s *Server) ServePublic(addr string, mws ...func(http.Handler) http.Handler) error {
	s.registerPublicRoutes(mws...)

	// no WriteTimeout: it would also bound hijacked websocket connections
	s.public = &http.Server{
		Addr:              addr,
		Handler:           s.publicRouter,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s.public.ListenAndServe()
}

func (s *Server) ShutdownPublic(ctx context.Context) error {
	if s.public == nil {
		return nil
	}
	if err := s.public.Shutdown(ctx); err != nil {
		return s.public.Close()
	}
	return nil
}

// Routes exposes the router for tests that serve it through httptest.
func (s *Server) Routes(mws ...func(http.Handler) http.Handler) http.Handler {
	s.registerPublicRoutes(mws...)
	return s.publicRouter
}

func (s *Server) registerPublicRoutes(middlewares ...func(http.Handler) http.Handler) {
	s.publicRouter.Use(middlewares...)
	s.publicRouter.NotFound(s.handler.notFound)
	s.publicRouter.MethodNotAllowed(s.handler.methodNotAllowed)

	s.publicRouter.Get("/_/ready", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("OK"))
	})

	s.publicRouter.Route("/v1", func(r chi.Router) {
		r.Post("/ingest", s.handler.Ingest)
		r.Get("/parties/{party}/{room}", s.handler.Presence)
	})

	s.publicRouter.Get("/parties/{party}/{room}", s.handler.Connect)
}
