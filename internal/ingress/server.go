// Package ingress is the client-facing edge: the authenticated websocket
// upload endpoint plus the small REST surface for tokens, task status and
// pool state.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/snapq/internal/audit"
	"github.com/basket/snapq/internal/auth"
	"github.com/basket/snapq/internal/broker"
	"github.com/basket/snapq/internal/config"
	"github.com/basket/snapq/internal/fault"
	"github.com/basket/snapq/internal/metrics"
	"github.com/basket/snapq/internal/otel"
	"github.com/basket/snapq/internal/queue"
	"github.com/basket/snapq/internal/ratelimit"
	"github.com/basket/snapq/internal/tracker"
	"github.com/basket/snapq/internal/worker"
)

const (
	defaultListLimit  = 100
	maxListLimit      = 1000
	maxCredentialBody = 64 << 10
)

// PoolStatus exposes the worker controller to the status API.
type PoolStatus interface {
	Snapshot() worker.Snapshot
}

// Limits bounds upload sessions.
type Limits struct {
	Path             string
	AuthTimeout      time.Duration
	IdleTimeout      time.Duration
	MaxFileBytes     int64
	MaxOpenFiles     int
	UploadsPerMinute int
	UploadBurst      int
	// Queue and Kind are used for every uploaded file.
	Queue        string
	Kind         string
	AllowOrigins []string
}

func LimitsFromConfig(c config.IngressConfig) Limits {
	return Limits{
		Path:             c.Path,
		AuthTimeout:      c.AuthTimeout(),
		IdleTimeout:      c.IdleTimeout(),
		MaxFileBytes:     c.MaxFileBytes(),
		MaxOpenFiles:     c.MaxOpenFiles,
		UploadsPerMinute: c.UploadsPerMinute,
		UploadBurst:      c.UploadBurst,
		Queue:            c.UploadQueue,
		Kind:             c.UploadKind,
		AllowOrigins:     c.AllowOrigins,
	}
}

func (l *Limits) defaults() {
	if l.Path == "" {
		l.Path = "/ws/upload"
	}
	if l.AuthTimeout <= 0 {
		l.AuthTimeout = 10 * time.Second
	}
	if l.IdleTimeout <= 0 {
		l.IdleTimeout = 60 * time.Second
	}
	if l.MaxFileBytes <= 0 {
		l.MaxFileBytes = 20 << 20
	}
	if l.MaxOpenFiles <= 0 {
		l.MaxOpenFiles = 8
	}
	if l.UploadsPerMinute <= 0 {
		l.UploadsPerMinute = 120
	}
	if l.UploadBurst <= 0 {
		l.UploadBurst = 20
	}
	if l.Queue == "" {
		l.Queue = "face_detection"
	}
	if l.Kind == "" {
		l.Kind = "face_detection"
	}
}

type Config struct {
	Queue   *queue.Manager
	Tracker *tracker.Tracker
	Store   broker.Store
	Auth    auth.Provider
	// Pool is nil when workers run in another process.
	Pool        PoolStatus
	Limits      Limits
	Telemetry   *otel.Provider
	Instruments *otel.Metrics
	Logger      *slog.Logger
	Clock       func() time.Time
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	schema  *jsonschema.Schema
	uploads *ratelimit.Keyed

	mu       sync.RWMutex
	sessions map[string]*Session
}

func New(cfg Config) (*Server, error) {
	switch {
	case cfg.Queue == nil:
		return nil, errors.New("ingress: queue is required")
	case cfg.Tracker == nil:
		return nil, errors.New("ingress: tracker is required")
	case cfg.Store == nil:
		return nil, errors.New("ingress: store is required")
	case cfg.Auth == nil:
		return nil, errors.New("ingress: auth provider is required")
	}
	cfg.Limits.defaults()
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = otel.Noop()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	schema, err := compileClientSchema()
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "ingress"),
		schema:   schema,
		uploads:  ratelimit.NewKeyed(cfg.Limits.UploadsPerMinute, cfg.Limits.UploadBurst, cfg.Clock),
		sessions: make(map[string]*Session),
	}, nil
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/auth/token", s.handleToken).Methods(http.MethodPost)
	r.HandleFunc(s.cfg.Limits.Path, s.handleUpload)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.requireBearer)
	api.HandleFunc("/tasks", s.handleListTasks).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}", s.handleGetTask).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}/events", s.handleTaskEvents).Methods(http.MethodGet)
	api.HandleFunc("/pool", s.handlePool).Methods(http.MethodGet)
	api.HandleFunc("/sessions", s.handleSessions).Methods(http.MethodGet)

	// No configured origins means same-origin only, as for the websocket.
	if len(s.cfg.Limits.AllowOrigins) == 0 {
		return r
	}
	return cors.New(cors.Options{
		AllowedOrigins: s.cfg.Limits.AllowOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         3600,
	}).Handler(r)
}

// Serve serves on ln until ctx ends. Open upload sessions see ctx cancelled
// and close with StatusGoingAway.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go s.uploads.RunEviction(ctx, time.Minute, 10*time.Minute)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("ingress listening", "addr", ln.Addr().String(), "path", s.cfg.Limits.Path)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Info("ingress shutting down", "sessions", s.SessionCount())
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) track(sess *Session) {
	s.mu.Lock()
	s.sessions[sess.ConnectionID] = sess
	s.mu.Unlock()
}

func (s *Server) untrack(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Sessions returns the open sessions, oldest first.
func (s *Server) Sessions() []Session {
	s.mu.RLock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, *sess)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].EstablishedAt.Before(out[j].EstablishedAt) })
	return out
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	brokerOK := s.cfg.Store.Ping(ctx) == nil
	payload := map[string]any{
		"healthy":   brokerOK,
		"broker_ok": brokerOK,
		"sessions":  s.SessionCount(),
	}
	if brokerOK {
		if depths, err := s.cfg.Queue.Depths(ctx); err == nil {
			payload["queues"] = depths
		}
	}
	status := http.StatusOK
	if !brokerOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleToken accepts JSON or the form-encoded OAuth2 password grant.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var creds credentials
	r.Body = http.MaxBytesReader(w, r.Body, maxCredentialBody)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			writeError(w, http.StatusBadRequest, "invalid form body")
			return
		}
		creds.Username = r.PostFormValue("username")
		creds.Password = r.PostFormValue("password")
	}
	if creds.Username == "" || creds.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}
	tok, err := s.cfg.Auth.Validate(r.Context(), creds.Username, creds.Password)
	if err != nil {
		s.logger.Info("token request rejected", "username", creds.Username, "error", err)
		audit.Record(audit.Event{Decision: audit.Deny, Action: audit.ActionToken, Reason: authMessage(err), Subject: creds.Username, Remote: r.RemoteAddr})
		writeError(w, statusFor(err), authMessage(err))
		return
	}
	audit.Record(audit.Event{Decision: audit.Allow, Action: audit.ActionToken, Subject: creds.Username, Remote: r.RemoteAddr})
	writeJSON(w, http.StatusOK, tok)
}

func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := auth.BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			audit.Record(audit.Event{Decision: audit.Deny, Action: audit.ActionAPI, Reason: "missing bearer token", Remote: r.RemoteAddr})
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		id, err := s.cfg.Auth.Verify(r.Context(), token)
		if err != nil {
			audit.Record(audit.Event{Decision: audit.Deny, Action: audit.ActionAPI, Reason: authMessage(err), Remote: r.RemoteAddr})
			writeError(w, statusFor(err), authMessage(err))
			return
		}
		s.logger.Debug("api request", "identity", id.Subject, "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

// taskView omits the payload, which can be megabytes of image data.
type taskView struct {
	ID             string          `json:"id"`
	Queue          string          `json:"queue"`
	Kind           string          `json:"kind"`
	Meta           broker.Meta     `json:"meta"`
	Status         broker.Status   `json:"status"`
	AttemptCount   int             `json:"attempt_count"`
	MaxRetries     int             `json:"max_retries"`
	Version        int64           `json:"version"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *broker.Cause   `json:"error,omitempty"`
	LeaseOwner     string          `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func viewOf(t *broker.Task) taskView {
	v := taskView{
		ID: t.ID, Queue: t.Queue, Kind: t.Kind, Meta: t.Meta, Status: t.Status,
		AttemptCount: t.AttemptCount, MaxRetries: t.MaxRetries, Version: t.Version,
		Error: t.Error, LeaseOwner: t.LeaseOwner, LeaseExpiresAt: t.LeaseExpiresAt,
		ExpiresAt: t.ExpiresAt, CreatedAt: t.CreatedAt, UpdatedAt: t.UpdatedAt,
	}
	switch {
	case len(t.Result) == 0:
	case json.Valid(t.Result):
		v.Result = t.Result
	default:
		v.Result, _ = json.Marshal(string(t.Result))
	}
	return v
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := broker.Filter{Queue: q.Get("queue"), Status: broker.Status(strings.ToUpper(q.Get("status")))}
	switch filter.Status {
	case "", broker.StatusPending, broker.StatusStarted, broker.StatusRetry, broker.StatusSuccess, broker.StatusFailure:
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", q.Get("status")))
		return
	}
	limit := defaultListLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}
	tasks, err := tracker.Collect(s.cfg.Tracker.List(r.Context(), filter), limit)
	if err != nil {
		s.logger.Error("list tasks failed", "error", err)
		writeError(w, statusFor(err), "list tasks failed")
		return
	}
	views := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, viewOf(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": views, "count": len(views)})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.cfg.Tracker.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusFor(err), errorText(err, "load task failed"))
		return
	}
	writeJSON(w, http.StatusOK, viewOf(t))
}

func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.cfg.Tracker.Get(r.Context(), id); err != nil {
		writeError(w, statusFor(err), errorText(err, "load task failed"))
		return
	}
	events, err := s.cfg.Tracker.History(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), "load events failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "events": events})
}

func (s *Server) handlePool(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Pool == nil {
		writeError(w, http.StatusNotFound, "worker pool is not running in this process")
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Pool.Snapshot())
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := s.Sessions()
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions, "count": len(sessions)})
}

func statusFor(err error) int {
	if errors.Is(err, broker.ErrNotFound) {
		return http.StatusNotFound
	}
	switch fault.KindOf(err) {
	case fault.Auth:
		return http.StatusUnauthorized
	case fault.Validation:
		return http.StatusBadRequest
	case fault.NotFound:
		return http.StatusNotFound
	case fault.Transient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func authMessage(err error) string {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		return "invalid credentials"
	case errors.Is(err, auth.ErrInvalidToken):
		return "invalid or expired token"
	case fault.Is(err, fault.Transient):
		return "auth provider unavailable"
	default:
		return "authentication failed"
	}
}

func errorText(err error, fallback string) string {
	if errors.Is(err, broker.ErrNotFound) {
		return "task not found"
	}
	return fallback
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
