package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Servarr/ServarrAPI.Update/internal/core/models"
	"github.com/Servarr/ServarrAPI.Update/internal/core/resolve"
	"github.com/Servarr/ServarrAPI.Update/internal/core/services"
	"github.com/Servarr/ServarrAPI.Update/internal/util/logging"
)

// cacheControl lets the CDN revalidate every update response.
const cacheControl = "public,s-maxage=0,max-age=0"

// Refresher queues an ingestion run for a source.
type Refresher interface {
	Refresh(kind models.SourceKind) error
}

// BranchPurger invalidates cached responses for one branch.
type BranchPurger interface {
	PurgeBranch(ctx context.Context, branch string) error
}

// BuildInfo identifies the running server.
type BuildInfo struct {
	Version string `json:"version"`
	Branch  string `json:"branch"`
}

// Deps are the collaborators of a Handler. Refresher and Purger may be nil.
type Deps struct {
	Resolver      *resolve.Resolver
	Notifications services.NotificationStore
	Auth          services.Authenticator
	Refresher     Refresher
	Purger        BranchPurger
	Info          BuildInfo
}

// Handler holds all HTTP handlers and their dependencies.
type Handler struct {
	resolver      *resolve.Resolver
	notifications services.NotificationStore
	auth          services.Authenticator
	refresher     Refresher
	purger        BranchPurger
	info          BuildInfo
	logger        zerolog.Logger
	now           func() time.Time
}

// New creates a new Handler with the given dependencies.
func New(d Deps, logger zerolog.Logger) *Handler {
	return &Handler{
		resolver:      d.Resolver,
		notifications: d.Notifications,
		auth:          d.Auth,
		refresher:     d.Refresher,
		purger:        d.Purger,
		info:          d.Info,
		logger:        logger,
		now:           time.Now,
	}
}

// Router returns the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(h.requestIDMiddleware)
	r.Use(h.loggingMiddleware)

	r.Get("/", h.Version)
	r.Get("/ping", h.Ping)
	r.Get("/time", h.Time)

	r.Route("/update/{branch}", func(r chi.Router) {
		r.Use(noStore)
		r.Get("/", h.GetUpdates)
		r.Get("/changes", h.GetChanges)
		r.Get("/updatefile", h.GetUpdateFile)
	})

	r.Get("/webhook/refresh", h.Refresh)
	r.Post("/webhook/refresh", h.Refresh)
	r.Get("/webhook/branch/{branch}/refresh", h.InvalidateBranch)
	r.Post("/webhook/branch/{branch}/refresh", h.InvalidateBranch)

	r.Get("/notification", h.ListNotifications)
	r.Post("/notification", h.AddNotification)
	r.Delete("/notification/{id}", h.DeleteNotification)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	return r
}

// requestIDMiddleware adds a unique request ID to each request.
func (h *Handler) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		ctx := logging.WithRequestID(r.Context(), id)
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggingMiddleware logs each request.
func (h *Handler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logging.LogRequest(h.logger, r.Context(), r.Method, r.URL.Path, rw.status, rw.written, time.Since(start))
	})
}

func noStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", cacheControl)
		next.ServeHTTP(w, r)
	})
}

// authorized checks the api_key query parameter.
func (h *Handler) authorized(r *http.Request) bool {
	return h.auth != nil && h.auth.ValidateToken(r.URL.Query().Get("api_key"))
}

// Version handles GET /
func (h *Handler) Version(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.info)
}

// Ping handles GET /ping
func (h *Handler) Ping(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, "Pong")
}

// Time handles GET /time
func (h *Handler) Time(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"dateTimeUtc": h.now().UTC().Format(time.RFC3339Nano),
	})
}

// Helper functions

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, models.ErrorResponse{
		Error:   http.StatusText(status),
		Code:    status,
		Message: msg,
	})
}

// writeValidation answers a client input problem with 200 and a message.
func writeValidation(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusOK, models.ValidationResponse{ErrorMessage: msg})
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(msg))
}

// responseWriter wraps http.ResponseWriter to capture status and bytes written.
type responseWriter struct {
	http.ResponseWriter
	status  int
	written int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}
