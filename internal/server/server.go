// Package server exposes the pipeline and run API over HTTP plus the
// realtime WebSocket feed.
package server

import (
	"context"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fyreflow/fyreflow/internal/config"
	"github.com/fyreflow/fyreflow/internal/engine"
	"github.com/fyreflow/fyreflow/internal/policy"
	"github.com/fyreflow/fyreflow/internal/provider"
	"github.com/fyreflow/fyreflow/internal/realtime"
	"github.com/fyreflow/fyreflow/internal/store"
)

// Server wires the store, scheduler, and realtime feed behind one mux.
type Server struct {
	cfg         config.Config
	store       *store.Store
	controllers *engine.Controllers
	invoker     provider.Invoker
	providers   map[string]provider.Provider
	policies    *policy.Registry
	realtime    *realtime.Runtime

	baseCtx context.Context
	cancel  context.CancelFunc
	httpSrv *http.Server
	logger  *log.Logger
}

// New builds a Server. The provider map keys are the provider ids pipeline
// steps reference.
func New(cfg config.Config, st *store.Store, providers map[string]provider.Provider) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	rt := realtime.NewRuntime(st)
	rt.PollInterval = cfg.PollInterval
	rt.HeartbeatInterval = cfg.HeartbeatInterval

	s := &Server{
		cfg:         cfg,
		store:       st,
		controllers: engine.NewControllers(),
		invoker:     provider.NewDefaultInvoker(cfg.CLI),
		providers:   providers,
		policies:    policy.DefaultRegistry(),
		realtime:    rt,
		baseCtx:     ctx,
		cancel:      cancel,
		logger:      log.New(os.Stderr, "[fyreflow] ", log.LstdFlags),
	}

	mux := http.NewServeMux()

	// Go 1.22+ method+pattern routing.
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/pipelines", s.auth(s.handleListPipelines))
	mux.HandleFunc("POST /api/pipelines", s.auth(s.handleCreatePipeline))
	mux.HandleFunc("PUT /api/pipelines/{id}", s.auth(s.handleUpdatePipeline))
	mux.HandleFunc("DELETE /api/pipelines/{id}", s.auth(s.handleDeletePipeline))
	mux.HandleFunc("POST /api/pipelines/{id}/runs", s.auth(s.handleStartRun))
	mux.HandleFunc("GET /api/runs", s.auth(s.handleListRuns))
	mux.HandleFunc("GET /api/runs/{id}", s.auth(s.handleGetRun))
	mux.HandleFunc("POST /api/runs/{id}/stop", s.auth(s.handleStopRun))
	mux.HandleFunc("POST /api/runs/{id}/pause", s.auth(s.handlePauseRun))
	mux.HandleFunc("POST /api/runs/{id}/resume", s.auth(s.handleResumeRun))
	mux.HandleFunc("POST /api/runs/{id}/approvals/{approval_id}", s.auth(s.handleApproval))
	mux.HandleFunc("GET /api/ws", s.handleWebSocket)

	s.httpSrv = &http.Server{
		Handler:      s.originGuard(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // the WebSocket feed needs no write timeout
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	return s
}

// Handler exposes the full middleware chain for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// ListenAndServe starts the server and blocks until shutdown. Recoverable
// runs left over from a crash are reattached before serving.
func (s *Server) ListenAndServe() error {
	s.ReattachRecoverableRuns()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		s.logger.Printf("received %s, shutting down...", sig)
		s.Shutdown()
	}()

	s.logger.Printf("listening on %s", s.cfg.Addr())
	s.httpSrv.Addr = s.cfg.Addr()
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// ReattachRecoverableRuns restarts schedulers for runs that were live when
// the process died. Running step attempts were already reset to pending by
// the store on open.
func (s *Server) ReattachRecoverableRuns() {
	for _, run := range s.store.RecoverableRuns() {
		if s.controllers.Owns(run.ID) {
			continue
		}
		s.logger.Printf("reattaching run %s (%s)", run.ID, run.Status)
		s.spawnScheduler(run.ID)
	}
}

// spawnScheduler launches one scheduler goroutine for a run.
func (s *Server) spawnScheduler(runID string) {
	sched := &engine.Scheduler{
		Store: s.store,
		Exec: &engine.Executor{
			Invoker:         s.invoker,
			Providers:       s.providers,
			Policies:        s.policies,
			StorageRoot:     s.cfg.StorageRoot,
			DisableCacheAll: s.cfg.DisableCacheAll,
		},
		Controllers:         s.controllers,
		ControlPollInterval: s.cfg.ControlPollInterval,
		Progress: func(event string, fields map[string]any) {
			s.logger.Printf("run=%s event=%s %v", runID, event, fields)
		},
	}
	go sched.Run(s.baseCtx, runID)
}

// Shutdown drains HTTP connections, stops the realtime pollers, and cancels
// every live scheduler.
func (s *Server) Shutdown() {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)
	s.realtime.Close()
	s.cancel()
}

// originGuard rejects cross-origin browser requests unless the origin is on
// the allow-list. Requests without an Origin header pass through.
func (s *Server) originGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}
		u, err := url.Parse(origin)
		if err != nil {
			http.Error(w, `{"error":"invalid Origin header"}`, http.StatusForbidden)
			return
		}
		if !s.originAllowed(origin, u.Hostname()) {
			http.Error(w, `{"error":"cross-origin request blocked"}`, http.StatusForbidden)
			return
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin, host string) bool {
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == origin || allowed == "*" {
			return true
		}
	}
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
