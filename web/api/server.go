// Package api exposes the orchestrator over HTTP: the runner callback
// endpoint, run and review management, and live event feeds.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/hochfrequenz/agent-run-orchestrator/internal/bus"
	"github.com/hochfrequenz/agent-run-orchestrator/internal/gateway"
	"github.com/hochfrequenz/agent-run-orchestrator/internal/logging"
	"github.com/hochfrequenz/agent-run-orchestrator/internal/review"
	"github.com/hochfrequenz/agent-run-orchestrator/internal/store"
	"github.com/hochfrequenz/agent-run-orchestrator/internal/workflow"
)

// Deps bundles everything the server needs.
type Deps struct {
	Store    *store.Store
	Gateway  *gateway.Gateway
	Workflow *workflow.Scheduler
	Reviews  *review.Scheduler
	Bus      bus.Bus
	Subjects bus.EventSubjects
	Log      *logging.Logger
}

// Server is the HTTP API server
type Server struct {
	store    *store.Store
	gateway  *gateway.Gateway
	workflow *workflow.Scheduler
	reviews  *review.Scheduler
	bus      bus.Bus
	subjects bus.EventSubjects
	log      *logging.Logger
	mux      *http.ServeMux
	sseHub   *SSEHub
}

// NewServer creates a new API server
func NewServer(deps Deps) *Server {
	s := &Server{
		store:    deps.Store,
		gateway:  deps.Gateway,
		workflow: deps.Workflow,
		reviews:  deps.Reviews,
		bus:      deps.Bus,
		subjects: deps.Subjects,
		log:      deps.Log.With("api"),
		mux:      http.NewServeMux(),
		sseHub:   NewSSEHub(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/runs/", s.callbackHandler())

	s.mux.HandleFunc("/api/health", s.healthHandler())
	s.mux.HandleFunc("/api/runs", s.runsHandler())
	s.mux.HandleFunc("/api/runs/", s.getRunHandler())
	s.mux.HandleFunc("/api/reviews", s.reviewsHandler())
	s.mux.HandleFunc("/api/reviews/", s.getReviewHandler())
	s.mux.HandleFunc("/api/prs/", s.prThreadsHandler())
	s.mux.HandleFunc("/api/events", s.sseHandler())
	s.mux.HandleFunc("/api/ws", s.wsHandler())
}

// Handler returns the routed handler, exposed for tests and for the
// caller to wrap in an http.Server with its own timeouts and TLS.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run starts the SSE hub and the bus relay, then serves until ctx is
// cancelled or the listener fails. TLS is used when both cert and key
// are set.
func (s *Server) Run(ctx context.Context, addr, certFile, keyFile string) error {
	go s.sseHub.Run()
	go s.relayBusEvents()

	srv := &http.Server{Addr: addr, Handler: s.mux}
	errCh := make(chan error, 1)
	go func() {
		if certFile != "" && keyFile != "" {
			errCh <- srv.ListenAndServeTLS(certFile, keyFile)
		} else {
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Broadcast sends an event to all SSE clients
func (s *Server) Broadcast(event SSEEvent) {
	s.sseHub.Broadcast(event)
}

func writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
