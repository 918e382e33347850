// Package api is the daemon's REST surface: operator queries plus the inbound
// webhook endpoints the external worker and the deploy pipeline call.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ticketvox-io/ticketvox/internal/eventlog"
	"github.com/ticketvox-io/ticketvox/internal/logbuf"
	"github.com/ticketvox-io/ticketvox/internal/queue"
	"github.com/ticketvox-io/ticketvox/pkg/protocol"
)

// LogQuerier abstracts log entry querying to avoid coupling to logbuf directly.
type LogQuerier interface {
	Query(since time.Time, minLevel slog.Level, limit int) []logbuf.Entry
}

// EventQuerier reads recent audit-log rows. May be nil.
type EventQuerier interface {
	Recent(limit int) ([]eventlog.Event, error)
}

// BotService is what the server needs from the bot.
type BotService interface {
	HandleWorkerEvent(ctx context.Context, kind protocol.WorkerEventKind, ev protocol.WorkerEvent) error
	RequestApproval(ctx context.Context, req protocol.ApprovalRequest) error
	ApprovalStatus(repo, branch string, issue int) (protocol.ApprovalResult, bool)
	HandleDeploy(ctx context.Context, ev protocol.DeployEvent) error
}

// QueueService exposes the coordinator's snapshot.
type QueueService interface {
	Snapshot() map[queue.Target]queue.Active
}

// Config holds API server configuration.
type Config struct {
	Host string
	Port int
	Key  string // API key for Bearer auth
	// DeploySecret enables HMAC verification (X-Hub-Signature-256) on the
	// deploy webhook. Empty falls back to Bearer auth.
	DeploySecret string
}

// Server is the voxd REST API server.
type Server struct {
	bot    BotService
	queue  QueueService
	cfg    Config
	logger *slog.Logger
	logs   LogQuerier
	events EventQuerier
	srv    *http.Server
}

// NewServer creates the API server. logs and events may be nil.
func NewServer(bot BotService, q QueueService, cfg Config, logger *slog.Logger, logs LogQuerier, events EventQuerier) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		bot:    bot,
		queue:  q,
		cfg:    cfg,
		logger: logger,
		logs:   logs,
		events: events,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/queue", s.requireAuth(s.handleQueue))
	mux.HandleFunc("GET /api/logs", s.requireAuth(s.handleGetLogs))
	mux.HandleFunc("GET /api/events", s.requireAuth(s.handleGetEvents))
	mux.HandleFunc("POST /api/worker/{kind}", s.requireAuth(s.handleWorker))
	mux.HandleFunc("POST /api/approval/request", s.requireAuth(s.handleApprovalRequest))
	mux.HandleFunc("GET /api/approval/status", s.requireAuth(s.handleApprovalStatus))
	mux.HandleFunc("POST /api/deploy", s.handleDeploy)

	s.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins listening. Blocks until context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutCtx)
	}()

	s.logger.Info("api server starting", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// --- Middleware ---

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Key == "" {
			next(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != s.cfg.Key {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// queueEntry is one active marker in the /api/queue response.
type queueEntry struct {
	Repo   string       `json:"repo"`
	Branch string       `json:"branch"`
	Active queue.Active `json:"active"`
}

func (s *Server) handleQueue(w http.ResponseWriter, _ *http.Request) {
	snap := s.queue.Snapshot()
	entries := make([]queueEntry, 0, len(snap))
	for t, a := range snap {
		entries = append(entries, queueEntry{Repo: t.Repo, Branch: t.Branch, Active: a})
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleWorker(w http.ResponseWriter, r *http.Request) {
	kind := protocol.WorkerEventKind(r.PathValue("kind"))
	switch kind {
	case protocol.WorkerStarted, protocol.WorkerPhase, protocol.WorkerFailed,
		protocol.WorkerMerged, protocol.WorkerMessage:
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown event kind"})
		return
	}

	var ev protocol.WorkerEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if ev.Issue == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "issue is required"})
		return
	}

	if err := s.bot.HandleWorkerEvent(r.Context(), kind, ev); err != nil {
		// Acked anyway: the worker must not retry-storm on our internal
		// failures. The error lives in the logs.
		s.logger.Error("worker event failed", "kind", kind, "issue", ev.Issue, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleApprovalRequest(w http.ResponseWriter, r *http.Request) {
	var req protocol.ApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if req.Issue == 0 || req.Summary == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "issue and summary are required"})
		return
	}

	if err := s.bot.RequestApproval(r.Context(), req); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "pending"})
}

func (s *Server) handleApprovalStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	issue, err := strconv.Atoi(q.Get("issue"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "issue is required"})
		return
	}

	res, ok := s.bot.ApprovalStatus(q.Get("repo"), q.Get("branch"), issue)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such approval request"})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleDeploy authenticates with HMAC when a secret is configured, Bearer
// otherwise. Internal processing failures are still acknowledged with 200 so
// the deploy pipeline never redelivers.
func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return
	}
	if !s.authenticateDeploy(r, body) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	var ev protocol.DeployEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	if err := s.bot.HandleDeploy(r.Context(), ev); err != nil {
		s.logger.Error("deploy event failed", "branch", ev.Branch, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeJSON(w, http.StatusOK, []logbuf.Entry{})
		return
	}

	limit := 200
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	minLevel := slog.LevelDebug
	if lvl := r.URL.Query().Get("level"); lvl != "" {
		switch strings.ToLower(lvl) {
		case "info":
			minLevel = slog.LevelInfo
		case "warn":
			minLevel = slog.LevelWarn
		case "error":
			minLevel = slog.LevelError
		}
	}

	var since time.Time
	if sv := r.URL.Query().Get("since"); sv != "" {
		if ms, err := strconv.ParseInt(sv, 10, 64); err == nil {
			since = time.UnixMilli(ms)
		}
	}

	entries := s.logs.Query(since, minLevel, limit)
	if entries == nil {
		entries = []logbuf.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeJSON(w, http.StatusOK, []eventlog.Event{})
		return
	}
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}
	events, err := s.events.Recent(limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if events == nil {
		events = []eventlog.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
