// Package ops serves the operations HTTP surface: status, manual triggers, pause/resume,
// breaker resets, runtime job config and auto-heal, plus /metrics and optional pprof.
package ops

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"sync"
	"time"

	"opscron/internal/autoheal"
	"opscron/internal/background"
	"opscron/internal/jobs"
	"opscron/internal/ratelimit"
	"opscron/internal/watchdog"
	logx "opscron/pkg/logx"
)

// Scheduler is the watchdog contract the routes use. *watchdog.Watchdog satisfies it.
type Scheduler interface {
	Status() watchdog.Status
	LastRuns() watchdog.LastRuns
	PausedJobs() []string
	RetryState() map[string]watchdog.RetryAttempt
	NextRuns(now time.Time) map[string]time.Time
	TriggerJob(ctx context.Context, name string) (watchdog.Result, error)
	PauseJob(name string) error
	ResumeJob(name string) error
	ResetCircuitBreaker(name string) (watchdog.ResetResult, error)
	ResetAllCircuitBreakers() watchdog.ResetAllResult
	UpdateJobConfig(name string, p jobs.Partial) (jobs.Config, error)
}

// Healer is the auto-heal guard. *autoheal.Guard satisfies it.
type Healer interface {
	MaybeAutoHeal(ctx context.Context, score float64, now time.Time) autoheal.Decision
	State() autoheal.State
}

// Deps are the collaborators behind the routes. Only Scheduler is required.
type Deps struct {
	Scheduler Scheduler
	Healer    Healer
	Limiter   *ratelimit.Limiter
	// LastRuns backs the persisted step of the last-runs fallback chain.
	LastRuns   watchdog.LastRunLoader
	Background func() background.Snapshot
	Metrics    http.Handler
}

type Config struct {
	Addr  string
	Token string
	Pprof bool

	ReadTimeout time.Duration
	// WriteTimeout is zero (none) by default: a manual trigger holds the response until
	// the run finishes.
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8089"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	return c
}

type Server struct {
	cfg  Config
	deps Deps
	log  logx.Logger
	now  func() time.Time

	handler http.Handler

	mu   sync.Mutex
	srv  *http.Server
	ln   net.Listener
	addr string
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	s := &Server{
		cfg:  cfg.withDefaults(),
		deps: deps,
		log:  log.With(logx.String("comp", "ops")),
		now:  time.Now,
	}
	s.handler = s.routes()
	return s
}

// Handler returns the full route table, auth included.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics)
	}

	auth := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(s.cfg.Token, h) }
	mux.HandleFunc("GET /ops/status", auth(s.handleStatus))
	mux.HandleFunc("GET /ops/last-runs", auth(s.handleLastRuns))
	mux.HandleFunc("GET /ops/paused", auth(s.handlePaused))
	mux.HandleFunc("GET /ops/retry-state", auth(s.handleRetryState))
	mux.HandleFunc("POST /ops/jobs/{name}/trigger", auth(s.handleTrigger))
	mux.HandleFunc("POST /ops/jobs/{name}/pause", auth(s.handlePause))
	mux.HandleFunc("POST /ops/jobs/{name}/resume", auth(s.handleResume))
	mux.HandleFunc("PATCH /ops/jobs/{name}/config", auth(s.handleConfig))
	mux.HandleFunc("POST /ops/breakers/reset", auth(s.handleResetAll))
	mux.HandleFunc("POST /ops/breakers/{name}/reset", auth(s.handleReset))
	mux.HandleFunc("POST /ops/autoheal", auth(s.handleAutoHeal))

	if s.cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", auth(pprof.Index))
		mux.HandleFunc("/debug/pprof/cmdline", auth(pprof.Cmdline))
		mux.HandleFunc("/debug/pprof/profile", auth(pprof.Profile))
		mux.HandleFunc("/debug/pprof/symbol", auth(pprof.Symbol))
		mux.HandleFunc("/debug/pprof/trace", auth(pprof.Trace))
	}
	return mux
}

// Start binds the listener and serves in the background. Listen errors are returned.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.handler,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	s.srv = srv
	s.ln = ln
	s.addr = ln.Addr().String()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("ops server error", logx.String("addr", ln.Addr().String()), logx.Err(err))
		}
	}()
	s.log.Info("ops server started",
		logx.String("addr", s.addr),
		logx.Bool("token_set", s.cfg.Token != ""),
		logx.Bool("pprof", s.cfg.Pprof),
	)
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv, addr := s.srv, s.addr
	s.srv, s.ln, s.addr = nil, nil, ""
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	err := srv.Shutdown(ctx)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("ops shutdown error", logx.String("addr", addr), logx.Err(err))
		_ = srv.Close()
		return err
	}
	s.log.Info("ops server stopped", logx.String("addr", addr))
	return nil
}

// Addr reports the actual listen address if running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		// Accept either:
		//   Authorization: Bearer <token>
		// or query param: ?token=<token>
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		if ah := r.Header.Get("Authorization"); ah != "" {
			const p = "Bearer "
			if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				h(w, r)
				return
			}
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Code: "unauthorized"})
}

// callerID identifies who is calling for rate limiting: X-Caller, else the remote host.
func callerID(r *http.Request) string {
	if c := strings.TrimSpace(r.Header.Get("X-Caller")); c != "" {
		return c
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
