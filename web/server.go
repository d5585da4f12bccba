// Package web hosts the REST API behind cookie or basic-auth login.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"scanlink/api"
	"scanlink/config"
	"scanlink/engine"
	"scanlink/logging"
)

// Server is the HTTP server for the REST API and login endpoints.
type Server struct {
	config  *config.WebConfig
	engine  *engine.Engine
	auth    *auth
	server  *http.Server
	router  chi.Router
	addr    string
	running bool
	mu      sync.RWMutex

	apiCleanup func()
}

// NewServer creates the web server. Routes are built immediately; Start
// begins listening.
func NewServer(eng *engine.Engine) *Server {
	cfg := eng.GetConfig()
	s := &Server{
		config: &cfg.Web,
		engine: eng,
		auth:   newAuth(cfg),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Post("/login", s.auth.handleLogin)
	r.Post("/logout", s.auth.handleLogout)
	r.Get("/whoami", s.auth.handleWhoAmI)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"ok":        true,
			"namespace": s.engine.GetConfig().Namespace,
		})
	})

	if s.config.API.Enabled {
		apiRouter, cleanup := api.NewRouter(s.engine)
		s.apiCleanup = cleanup
		r.Group(func(r chi.Router) {
			r.Use(s.auth.requireAuth)
			r.Mount("/api", apiRouter)
		})
	}

	s.router = r
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// debugLogWriter adapts logging.DebugLog to an io.Writer for http.Server.ErrorLog.
type debugLogWriter string

func (tag debugLogWriter) Write(p []byte) (n int, err error) {
	logging.DebugLog(string(tag), "%s", string(p))
	return len(p), nil
}

var _ io.Writer = debugLogWriter("")

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start binds the listener and serves in the background. Binding errors are
// returned directly.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.config.Host, s.config.Port))
	if err != nil {
		return err
	}
	s.addr = ln.Addr().String()
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          log.New(debugLogWriter("api"), "", 0),
	}

	srv := s.server
	go func() {
		if err := srv.Serve(ln); err != http.ErrServerClosed {
			logging.DebugError("api", "serve", err)
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()

	if !s.auth.enabled() {
		logging.DebugLog("api", "no web users configured, API is open to anyone who can reach %s", s.addr)
	}
	s.running = true
	return nil
}

// Stop shuts the server down and detaches the SSE hub.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.apiCleanup != nil {
		s.apiCleanup()
		s.apiCleanup = nil
	}
	if !s.running || s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.server.Shutdown(ctx)
	s.running = false
	s.server = nil
	return err
}

// IsRunning reports whether the server is listening.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Address returns the URL the server listens on.
func (s *Server) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.addr != "" {
		return "http://" + s.addr
	}
	return fmt.Sprintf("http://%s:%d", s.config.Host, s.config.Port)
}
