// Package intake collects operator actions over HTTP and streams them to a
// driving session as single-key lines.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ChuLiYu/spot-teleop/internal/metrics"
)

// Actions accepted by POST /action.
var allowedActions = map[string]bool{
	"W": true, "A": true, "S": true, "D": true, "Q": true, "E": true, "T": true,
}

// rareAction is only queued with probability Config.RareActionChance.
const rareAction = "T"

// Preamble is the startup script sent to each stream client before queued
// actions: arm the estop, power on, then stand.
type Preamble struct {
	Estop time.Duration `yaml:"estop"` // wait before " "
	Power time.Duration `yaml:"power"` // wait before "P"
	Stand time.Duration `yaml:"stand"` // wait before "f"
	Ready time.Duration `yaml:"ready"` // wait before the first action
}

// Config configures a Server.
type Config struct {
	Addr             string        `yaml:"addr"`
	Key              string        `yaml:"-"`
	Capacity         int           `yaml:"capacity"`
	RareActionChance float64       `yaml:"rare_action_chance"`
	RateLimit        int           `yaml:"rate_limit"`
	RateWindow       time.Duration `yaml:"rate_window"`
	StreamInterval   time.Duration `yaml:"stream_interval"`
	AllowedOrigins   []string      `yaml:"allowed_origins"`
	Preamble         Preamble      `yaml:"preamble"`
}

// DefaultConfig returns the stock intake settings.
func DefaultConfig() Config {
	return Config{
		Addr:             ":5111",
		Capacity:         DefaultCapacity,
		RareActionChance: 0.05,
		RateLimit:        500,
		RateWindow:       10 * time.Second,
		StreamInterval:   10 * time.Millisecond,
		AllowedOrigins:   []string{"*"},
		Preamble: Preamble{
			Estop: 500 * time.Millisecond,
			Power: 500 * time.Millisecond,
			Stand: 10 * time.Second,
			Ready: 1500 * time.Millisecond,
		},
	}
}

// client is one connected /actions stream.
type client struct {
	id     string
	cancel context.CancelFunc
}

// Server is the HTTP action intake.
type Server struct {
	cfg     Config
	queue   *Queue
	random  func() float64
	metrics *metrics.Collector
	logger  *slog.Logger

	mu      sync.Mutex
	clients []*client
}

// Option configures a Server.
type Option func(*Server)

// WithRandom replaces the source deciding whether a rare action is queued.
func WithRandom(f func() float64) Option {
	return func(s *Server) { s.random = f }
}

// WithMetrics counts accepted and rejected actions on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Server) { s.metrics = c }
}

// NewServer creates an intake server.
func NewServer(cfg Config, opts ...Option) *Server {
	if cfg.StreamInterval <= 0 {
		cfg.StreamInterval = DefaultConfig().StreamInterval
	}
	s := &Server{
		cfg:    cfg,
		queue:  NewQueue(cfg.Capacity),
		random: rand.Float64,
		logger: slog.With("component", "intake"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Queue exposes the pending actions.
func (s *Server) Queue() *Queue {
	return s.queue
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if s.cfg.RateLimit > 0 && s.cfg.RateWindow > 0 {
		r.Use(httprate.Limit(s.cfg.RateLimit, s.cfg.RateWindow, httprate.WithKeyFuncs(httprate.KeyByIP)))
	}
	r.Use(cors(s.cfg.AllowedOrigins))

	r.Post("/action", s.handleAction)
	r.Get("/info", s.handleInfo)
	r.Get("/kill", s.handleKill)
	r.Get("/actions", s.handleActions)
	return r
}

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Intake listening", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("intake server failed: %w", err)
	case <-ctx.Done():
	}

	s.dropClients()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down intake server: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) reject(w http.ResponseWriter, msg string) {
	s.metrics.RecordIntake(false)
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || !allowedActions[body.Action] {
		s.reject(w, "Invalid action")
		return
	}

	var err error
	if body.Action == rareAction {
		if s.random() >= s.cfg.RareActionChance {
			s.reject(w, "Action not added")
			return
		}
		err = s.queue.PushPriority(body.Action)
	} else {
		err = s.queue.Push(body.Action)
	}
	if err != nil {
		if errors.Is(err, ErrQueueFull) {
			s.reject(w, "Action queue is full")
			return
		}
		s.reject(w, err.Error())
		return
	}

	s.metrics.RecordIntake(true)
	writeJSON(w, http.StatusOK, map[string]string{"status": "Action added"})
}

// Info is the body of GET /info.
type Info struct {
	MemoryUsage  string   `json:"memoryUsage"`
	ClientsCount int      `json:"clientsCount"`
	ActionsCount int      `json:"actionsCount"`
	Clients      []string `json:"clients"`
	Actions      []string `json:"actions"`
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	s.mu.Lock()
	ids := make([]string, 0, len(s.clients))
	for _, c := range s.clients {
		ids = append(ids, c.id)
	}
	s.mu.Unlock()

	actions := s.queue.Items()
	writeJSON(w, http.StatusOK, Info{
		MemoryUsage:  fmt.Sprintf("%.2f MB", float64(mem.HeapAlloc)/1024/1024),
		ClientsCount: len(ids),
		ActionsCount: len(actions),
		Clients:      ids,
		Actions:      actions,
	})
}

// authorized checks the key query parameter. An unset key locks the route.
func (s *Server) authorized(r *http.Request) bool {
	return s.cfg.Key != "" && r.URL.Query().Get("key") == s.cfg.Key
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "no", http.StatusForbidden)
		return
	}
	s.dropClients()
	s.queue.Reset()
	s.logger.Warn("Intake reset, all streams dropped")
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) dropClients() {
	s.mu.Lock()
	clients := s.clients
	s.clients = nil
	s.mu.Unlock()
	for _, c := range clients {
		c.cancel()
	}
}

func (s *Server) addClient(cancel context.CancelFunc) *client {
	c := &client{id: uuid.NewString(), cancel: cancel}
	s.mu.Lock()
	s.clients = append(s.clients, c)
	s.mu.Unlock()
	return c
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, other := range s.clients {
		if other == c {
			s.clients = append(s.clients[:i], s.clients[i+1:]...)
			return
		}
	}
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "no", http.StatusForbidden)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	c := s.addClient(cancel)
	defer s.removeClient(c)

	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)
	_ = rc.Flush()

	logger := s.logger.With("client", c.id)
	logger.Info("Stream client connected")
	defer logger.Info("Stream client disconnected")

	send := func(line string) error {
		if _, err := fmt.Fprintf(w, "%s\n", line); err != nil {
			return err
		}
		return rc.Flush()
	}

	p := s.cfg.Preamble
	script := []struct {
		wait time.Duration
		line string
	}{
		{p.Estop, " "},
		{p.Power, "P"},
		{p.Stand, "f"},
	}
	for _, step := range script {
		if err := wait(ctx, step.wait); err != nil {
			return
		}
		if err := send(step.line); err != nil {
			return
		}
	}
	if err := wait(ctx, p.Ready); err != nil {
		return
	}

	limiter := rate.NewLimiter(rate.Every(s.cfg.StreamInterval), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		action, ok, err := s.queue.Pop()
		if err != nil {
			return
		}
		if !ok {
			continue
		}
		if err := send(strings.ToLower(action)); err != nil {
			logger.Warn("Dropped action on broken stream", "action", action, "error", err)
			return
		}
	}
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// cors allows browser clients from the listed origins; "*" allows all.
func cors(origins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case origin == "":
			case allowed["*"] || allowed[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}
			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
