package panel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/stepflow-io/stepflow/internal/store"
	"github.com/stepflow-io/stepflow/internal/streaming"
	"github.com/stepflow-io/stepflow/pkg/flow"
)

// Engine is the slice of the run controller the panel calls.
type Engine interface {
	GetExecution(id string) *flow.Execution
	ListExecutions() []*flow.Execution
	CancelExecution(ctx context.Context, id string) error
}

// Deps holds the dependencies for the panel server.
type Deps struct {
	Definitions store.DefinitionStore
	Archive     store.Store
	Engine      Engine
	Hub         streaming.EventHub
	Logger      *slog.Logger
}

// Server serves the local JSON panel: read endpoints over definitions, live
// executions and the run archive, a cancel mutation, and an SSE bridge to
// the event hub. It carries no auth and must only bind loopback addresses.
type Server struct {
	deps Deps

	mu     sync.Mutex
	http   *http.Server
	ln     net.Listener
	cancel context.CancelFunc
}

// NewServer creates a panel server around its collaborators.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for the panel routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/workflows", s.handleListWorkflows)
	mux.HandleFunc("GET /api/workflows/{id}", s.handleGetWorkflow)
	mux.HandleFunc("GET /api/executions", s.handleListExecutions)
	mux.HandleFunc("GET /api/executions/{id}", s.handleGetExecution)
	mux.HandleFunc("POST /api/executions/{id}/cancel", s.handleCancelExecution)
	mux.HandleFunc("GET /api/events", s.handleEvents)

	return mux
}

// Start binds addr and serves in the background. Bind errors are returned
// synchronously; later serve errors are logged.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("panel: listen %s: %w", addr, err)
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	s.mu.Lock()
	s.http = srv
	s.ln = ln
	s.cancel = cancel
	s.mu.Unlock()

	go func() {
		if serveErr := srv.Serve(ln); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			s.deps.Logger.Error("panel server stopped", "error", serveErr)
		}
	}()

	s.deps.Logger.Info("panel listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or "" when the server is not running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Shutdown stops the server, waiting for in-flight requests up to ctx.
// Cancelling the base context first unblocks open SSE streams so Shutdown
// does not wait out their whole lifetime.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv, cancel := s.http, s.cancel
	s.http, s.cancel, s.ln = nil, nil, nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	return srv.Shutdown(ctx)
}
