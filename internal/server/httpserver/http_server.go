// Package httpserver wires the status feed handlers into a gorilla/mux
// router and runs the HTTP server.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	prom "github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/ciagent/internal/events"
	derrors "git.home.luguber.info/inful/ciagent/internal/foundation/errors"
	"git.home.luguber.info/inful/ciagent/internal/logfields"
	"git.home.luguber.info/inful/ciagent/internal/metrics"
	"git.home.luguber.info/inful/ciagent/internal/server/handlers"
	smw "git.home.luguber.info/inful/ciagent/internal/server/middleware"
)

// Options are the server's collaborators. Agent is required.
type Options struct {
	Agent    handlers.AgentInterface
	History  handlers.HistoryInterface
	Bus      *events.Bus
	Gatherer prom.Gatherer
	Logger   *slog.Logger
}

// Server serves the status feed.
type Server struct {
	addr       string
	router     *mux.Router
	httpServer *http.Server
	logger     *slog.Logger
	ln         net.Listener
}

// New builds the router for addr.
func New(addr string, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	adapter := derrors.NewHTTPErrorAdapter(opts.Logger)

	api := handlers.NewAPIHandlers(opts.Agent, opts.History)
	builds := handlers.NewBuildHandlers(opts.Agent)
	monitoring := handlers.NewMonitoringHandlers(time.Now())
	stream := handlers.NewEventHandlers(opts.Bus)

	r := mux.NewRouter()
	r.Use(smw.Chain(opts.Logger, adapter))
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		adapter.WriteErrorResponse(w, req, derrors.NotFoundError("no such endpoint").WithContext("path", req.URL.Path).Build())
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		err := derrors.ValidationError("invalid HTTP method").WithContext("method", req.Method).Build()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		_ = json.NewEncoder(w).Encode(adapter.FormatErrorResponse(err))
	})

	r.HandleFunc("/healthz", monitoring.HandleHealthCheck).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.HTTPHandler(opts.Gatherer)).Methods(http.MethodGet)

	apiRouter := r.PathPrefix("/api").Subrouter()
	apiRouter.HandleFunc("/status", api.HandleStatus).Methods(http.MethodGet)
	apiRouter.HandleFunc("/history", api.HandleHistory).Methods(http.MethodGet)
	apiRouter.HandleFunc("/events", stream.HandleStream).Methods(http.MethodGet)
	apiRouter.HandleFunc("/repositories/{name}", api.HandleRepository).Methods(http.MethodGet)
	apiRouter.HandleFunc("/repositories/{name}/builds", builds.HandleRequestBuild).Methods(http.MethodPost)
	apiRouter.HandleFunc("/repositories/{name}/refresh", builds.HandleRefresh).Methods(http.MethodPost)
	apiRouter.HandleFunc("/builds/{id}", api.HandleBuild).Methods(http.MethodGet)
	apiRouter.HandleFunc("/builds/{id}/log", api.HandleBuildLog).Methods(http.MethodGet)
	apiRouter.HandleFunc("/builds/{id}/cancel", builds.HandleCancelBuild).Methods(http.MethodPost)

	return &Server{addr: addr, router: r, logger: opts.Logger}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.router }

// Addr is the bound address once Start returned.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Start binds the listener and serves in the background. Bind errors are
// returned so startup fails fast.
func (s *Server) Start(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return derrors.ConfigError("http startup failed").WithCause(err).WithContext("addr", s.addr).Build()
	}
	s.ln = ln
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Status server error", logfields.Error(err))
		}
	}()
	s.logger.Info("Status server started", slog.String("addr", s.Addr()))
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("status server shutdown: %w", err)
	}
	s.logger.Info("Status server stopped")
	return nil
}
