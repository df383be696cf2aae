// Package api exposes the HTTP triggers for the pipeline workers plus queue
// visibility endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/dharsanguruparan/callscript/internal/config"
	"github.com/dharsanguruparan/callscript/internal/ingest"
	"github.com/dharsanguruparan/callscript/internal/model"
	"github.com/dharsanguruparan/callscript/internal/queue"
	"github.com/dharsanguruparan/callscript/internal/repository"
	"github.com/dharsanguruparan/callscript/internal/ringba"
	"github.com/dharsanguruparan/callscript/internal/vault"
)

// Ingester runs one sync window.
type Ingester interface {
	Sync(ctx context.Context, w ingest.Window) (ingest.Result, error)
}

// Vaulter runs one vault batch.
type Vaulter interface {
	Run(ctx context.Context) (vault.Result, error)
}

// CallReader reads calls and queue counts.
type CallReader interface {
	Get(ctx context.Context, callID string) (*model.Call, error)
	QueueStats(ctx context.Context, staleBefore time.Time) (model.QueueStats, error)
}

// Presigner issues temporary download links for vaulted recordings.
type Presigner interface {
	PresignAudioURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Deps are the services behind the endpoints. Queue may be nil, in which case
// /backfill answers 503.
type Deps struct {
	Ingest    Ingester
	Vault     Vaulter
	Calls     CallReader
	Presigner Presigner
	Queue     queue.Enqueuer
}

// Server exposes HTTP endpoints for triggering and inspecting the workers.
type Server struct {
	cfg  *config.Config
	deps Deps
	now  func() time.Time
}

// New constructs a Server.
func New(cfg *config.Config, deps Deps) *Server {
	return &Server{
		cfg:  cfg,
		deps: deps,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.Address,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	zap.L().Info("api listening", zap.String("address", s.cfg.Server.Address))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return eris.Wrap(err, "api: serve")
	}
	return nil
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(loggingMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.Server.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Get("/sync", s.handleSync)
	r.Post("/sync", s.handleSync)
	r.Get("/vault", s.handleVault)
	r.Post("/vault", s.handleVault)
	r.Post("/backfill", s.handleBackfill)
	r.Get("/calls/{id}/recording-url", s.handleRecordingURL)
	return r
}

const maxBody = 1 << 20

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var body []byte
	if r.Method == http.MethodPost {
		body, _ = io.ReadAll(io.LimitReader(r.Body, maxBody))
	}
	window := ingest.ParseTrigger(body, s.now(), s.cfg.Sync.Lookback)
	res, err := s.deps.Ingest.Sync(r.Context(), window)
	if err != nil {
		zap.L().Error("sync trigger failed", zap.Error(err))
		respondJSON(w, http.StatusInternalServerError, map[string]any{
			"status":  "error",
			"message": err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"fetched":  res.Fetched,
		"upserted": res.Upserted,
	})
}

func (s *Server) handleVault(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Vault.Run(r.Context())
	if err != nil {
		zap.L().Error("vault trigger failed", zap.Error(err))
		respondJSON(w, http.StatusInternalServerError, map[string]any{
			"error":   "database_error",
			"message": err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"processed": res.Processed,
		"outcomes":  res.Outcomes,
	})
}

type backfillBody struct {
	Start      string  `json:"start"`
	End        string  `json:"end"`
	ChunkHours float64 `json:"chunk_hours"`
	FIFO       bool    `json:"fifo"`
}

func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		respondError(w, http.StatusServiceUnavailable, "task queue not configured")
		return
	}
	var body backfillBody
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	payload, err := parseBackfill(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	task, err := queue.NewBackfillTask(payload)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := queue.Enqueue(r.Context(), s.deps.Queue, task)
	if err != nil {
		zap.L().Error("enqueue backfill failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to queue backfill")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "task_id": id})
}

func parseBackfill(b backfillBody) (queue.BackfillPayload, error) {
	if b.Start == "" || b.End == "" {
		return queue.BackfillPayload{}, eris.New("start and end are required")
	}
	start, err := ringba.ParseTime(b.Start)
	if err != nil {
		return queue.BackfillPayload{}, err
	}
	end, err := ringba.ParseTime(b.End)
	if err != nil {
		return queue.BackfillPayload{}, err
	}
	if b.ChunkHours < 0 {
		return queue.BackfillPayload{}, eris.New("chunk_hours must be positive")
	}
	return queue.BackfillPayload{Start: start, End: end, ChunkHours: b.ChunkHours, FIFO: b.FIFO}, nil
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Calls.QueueStats(r.Context(), s.now().Add(-s.cfg.Vault.ClaimTTL))
	if err != nil {
		zap.L().Error("queue stats failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to read queue stats")
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Calls.QueueStats(r.Context(), s.now().Add(-s.cfg.Vault.ClaimTTL))
	if err != nil {
		respondJSON(w, http.StatusServiceUnavailable, Health{
			Status:    HealthCritical,
			Issues:    []string{"database unreachable"},
			Timestamp: s.now(),
		})
		return
	}
	h := Evaluate(stats, s.now())
	code := http.StatusOK
	if h.Status == HealthCritical {
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, h)
}

func (s *Server) handleRecordingURL(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	call, err := s.deps.Calls.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			respondError(w, http.StatusNotFound, "call not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to load call")
		return
	}
	key, ok := call.StoragePath.Path()
	if !ok {
		respondError(w, http.StatusNotFound, "recording not vaulted")
		return
	}
	url, err := s.deps.Presigner.PresignAudioURL(r.Context(), key, 15*time.Minute)
	if err != nil {
		zap.L().Error("presign failed", zap.String("call_id", id), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to generate url")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"url": url})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Warn("encode response", zap.Error(err))
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"status": "error", "message": msg})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
