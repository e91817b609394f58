// Package main implements the broadcastq HTTP API server.
// The server starts broadcast tasks in-process and lets callers monitor or
// stop them by id.
//
// API Endpoints:
//
//	POST /tasks       - Starts a task, returns {"task_id": "..."}
//	GET  /status?id=  - Persisted status plus liveness of a task
//	POST /stop?id=    - Requests cancellation (also GET or POST /stop/{id})
//	GET  /stats       - Number of registry entries
//	GET  /metrics     - Prometheus metrics
//
// Request Format (POST /tasks):
//
//	{
//	  "credentials": ["key-1", "key-2"],
//	  "messages": ["first", "second"],
//	  "prefix": "[ops]",
//	  "destination": "channel-42",
//	  "pacing_seconds": 15
//	}
//
// "credential" (single value), "credentials_text" and "messages_text"
// (newline separated) are accepted as alternatives.
//
// Usage:
//
//	go run ./cmd/server -config config.yaml
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/guido-cesarano/broadcastq/pkg/config"
	"github.com/guido-cesarano/broadcastq/pkg/engine"
	"github.com/guido-cesarano/broadcastq/pkg/logger"
	"github.com/guido-cesarano/broadcastq/pkg/remote"
	"github.com/guido-cesarano/broadcastq/pkg/status"
	"github.com/guido-cesarano/broadcastq/pkg/tasks"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
)

// authMiddleware wraps an http.HandlerFunc and enforces API Key authentication.
func authMiddleware(next http.HandlerFunc, requiredKey string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// If no key is configured, allow all (dev mode)
		if requiredKey == "" {
			next(w, r)
			return
		}

		if r.Header.Get("X-API-Key") != requiredKey {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next(w, r)
	}
}

// enableCORS wraps an http.HandlerFunc and adds CORS headers.
func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization, X-API-Key")

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

// withReclaim drops finished registry entries once the request is served.
func withReclaim(reg *engine.Registry, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		next(w, r)
		if n := reg.Reclaim(); n > 0 {
			logger.Log.Debug().Int("reclaimed", n).Msg("Reclaimed finished tasks")
		}
	}
}

// maxPacing bounds pacing_seconds so the conversion to a Duration cannot overflow.
const maxPacing = 24 * time.Hour

type startRequest struct {
	Credentials     []string `json:"credentials"`
	Credential      string   `json:"credential"`
	CredentialsText string   `json:"credentials_text"`
	Messages        []string `json:"messages"`
	MessagesText    string   `json:"messages_text"`
	Prefix          string   `json:"prefix"`
	Destination     string   `json:"destination"`
	PacingSeconds   int      `json:"pacing_seconds"`
}

func (req startRequest) parameters() tasks.Parameters {
	credentials := append([]string{}, req.Credentials...)
	if req.Credential != "" {
		credentials = append(credentials, req.Credential)
	}
	if req.CredentialsText != "" {
		credentials = append(credentials, strings.Split(req.CredentialsText, "\n")...)
	}
	messages := append([]string{}, req.Messages...)
	if req.MessagesText != "" {
		messages = append(messages, strings.Split(req.MessagesText, "\n")...)
	}
	pacing := maxPacing
	if req.PacingSeconds < int(maxPacing/time.Second) {
		// Negative values fall below the engine floor and get clamped there.
		pacing = time.Duration(max(req.PacingSeconds, 0)) * time.Second
	}
	return tasks.Parameters{
		Credentials: credentials,
		Messages:    messages,
		Prefix:      req.Prefix,
		Destination: req.Destination,
		Pacing:      pacing,
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Error().Err(err).Msg("Failed to encode response")
	}
}

func taskIDFrom(r *http.Request) tasks.ID {
	if id := r.PathValue("id"); id != "" {
		return tasks.ID(id)
	}
	if id := r.URL.Query().Get("id"); id != "" {
		return tasks.ID(id)
	}
	return tasks.ID(r.FormValue("taskId"))
}

// setupRouter configures the HTTP handlers and returns the mux.
// limiter may be nil to disable start rate limiting.
func setupRouter(reg *engine.Registry, limiter startLimiter, apiKey string) *http.ServeMux {
	mux := http.NewServeMux()

	// Chain: CORS -> Auth -> Reclaim -> Handler, so preflight never needs a key.
	wrap := func(h http.HandlerFunc) http.HandlerFunc {
		return enableCORS(authMiddleware(withReclaim(reg, h), apiKey))
	}

	mux.HandleFunc("/tasks", wrap(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req startRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if limiter != nil {
			allowed, err := limiter.Allow(r.Context())
			if err != nil {
				// Fail open: a broken limiter must not block task starts.
				logger.Log.Error().Err(err).Msg("Rate limit check failed")
			} else if !allowed {
				http.Error(w, "Too many task starts, retry later", http.StatusTooManyRequests)
				return
			}
		}

		id, err := reg.Start(req.parameters())
		switch {
		case errors.Is(err, tasks.ErrInvalidParameters):
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		case errors.Is(err, engine.ErrShuttingDown):
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		case err != nil:
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		logger.Log.Info().Str("task_id", id.String()).Msg("Task started")
		writeJSON(w, http.StatusCreated, map[string]string{"task_id": id.String()})
	}))

	mux.HandleFunc("/status", wrap(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id := taskIDFrom(r)
		if id == "" {
			http.Error(w, "Task ID required", http.StatusBadRequest)
			return
		}

		st, err := reg.Status(r.Context(), id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		resp := struct {
			TaskID string           `json:"task_id"`
			Status tasks.Status     `json:"status"`
			Task   *engine.TaskInfo `json:"task"`
		}{TaskID: id.String(), Status: st}
		if info, err := reg.Info(id); err == nil {
			resp.Task = &info
		}
		writeJSON(w, http.StatusOK, resp)
	}))

	stop := wrap(func(w http.ResponseWriter, r *http.Request) {
		// GET is only accepted on /stop/{id}, which is handed out as a link.
		linkForm := r.Method == http.MethodGet && r.PathValue("id") != ""
		if r.Method != http.MethodPost && !linkForm {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id := taskIDFrom(r)
		if id == "" {
			http.Error(w, "Task ID required", http.StatusBadRequest)
			return
		}

		if err := reg.Stop(id); err != nil {
			if errors.Is(err, tasks.ErrNotFound) {
				http.Error(w, "Task not found", http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "Task %s stopped successfully\n", id)
	})
	mux.HandleFunc("/stop", stop)
	mux.HandleFunc("/stop/{id}", stop)

	mux.HandleFunc("/stats", wrap(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"active_tasks": reg.ActiveCount()})
	}))

	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if err := logger.SetLevel(cfg.Server.LogLevel); err != nil {
		logger.Log.Warn().Err(err).Msg("Ignoring log level")
	}

	var (
		store      status.Store
		redisStore *status.RedisStore
	)
	if cfg.Redis.Addr != "" {
		redisStore = status.NewRedisStore(cfg.Redis.Addr, cfg.Redis.StatusTTL)
		defer redisStore.Close()
		if err := redisStore.Ping(context.Background(), time.Minute); err != nil {
			logger.Log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("Status store unavailable")
		}
		store = redisStore
		logger.Log.Info().Str("addr", cfg.Redis.Addr).Msg("Using Redis status store")
	} else {
		store = status.NewMemoryStore()
		logger.Log.Warn().Msg("REDIS addr not set. Statuses are kept in memory only.")
	}

	client := remote.NewClient(cfg.Remote.BaseURL,
		remote.WithTimeouts(cfg.Remote.ValidateTimeout, cfg.Remote.DispatchTimeout))

	reg := engine.NewRegistry(client, client, store, engine.Options{
		MinPacing:        cfg.Engine.MinPacing,
		RecoveryPause:    cfg.Engine.RecoveryPause,
		MaxRecoveryPause: cfg.Engine.MaxRecoveryPause,
		DegradedAfter:    cfg.Engine.DegradedAfter,
	})

	collector := cron.New(cron.WithSeconds())
	if _, err := reg.ScheduleCollector(collector, cfg.Metrics.CollectSpec); err != nil {
		logger.Log.Fatal().Err(err).Str("spec", cfg.Metrics.CollectSpec).Msg("Invalid collector schedule")
	}
	collector.Start()

	if cfg.Server.APIKey == "" {
		logger.Log.Warn().Msg("API key not set. Authentication disabled.")
	}

	limiter := newStartLimiter(redisStore, cfg.RateLimit.StartsPerSecond, cfg.RateLimit.Burst)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: setupRouter(reg, limiter, cfg.Server.APIKey),
	}

	go func() {
		logger.Log.Info().Int("port", cfg.Server.Port).Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Log.Info().Str("signal", sig.String()).Msg("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Engine.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Log.Error().Err(err).Msg("Server shutdown error")
	}
	<-collector.Stop().Done()
	if err := reg.Shutdown(ctx); err != nil {
		logger.Log.Error().Err(err).Msg("Tasks did not stop in time")
	}
	logger.Log.Info().Msg("Server stopped")
}
