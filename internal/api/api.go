// Package api serves the daemon's JSON HTTP API: session management, sync
// and follow-up triggers, the lead ledger and a websocket feed of bus
// events.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/matheus3301/leadsync/internal/bus"
	"github.com/matheus3301/leadsync/internal/connection"
	"github.com/matheus3301/leadsync/internal/contactsync"
	"github.com/matheus3301/leadsync/internal/followup"
	"github.com/matheus3301/leadsync/internal/ledger"
	"github.com/matheus3301/leadsync/internal/session"
	"github.com/matheus3301/leadsync/internal/store"
	"go.uber.org/zap"
)

// Sessions is the session registry as seen by the API.
type Sessions interface {
	Create(id string) (connection.Record, error)
	Status(id string) (connection.Record, bool)
	List() []connection.Record
	Delete(id string) bool
}

// Syncer runs a contact sync.
type Syncer interface {
	Sync(ctx context.Context, id string, daysBack int) (contactsync.Result, error)
}

// FollowupRunner runs a follow-up pass.
type FollowupRunner interface {
	Followup(ctx context.Context, id string, targets []int) (followup.Result, error)
}

// Leads is the contact ledger.
type Leads interface {
	List() ([]*ledger.Record, error)
	AddLead(lead ledger.Lead) (*ledger.Record, error)
	Summary() (ledger.Summary, error)
}

// FollowupLog lists journaled follow-up attempts.
type FollowupLog interface {
	ListFollowups(sessionID string, limit int) ([]store.Followup, error)
}

// Handler holds the dependencies of every route.
type Handler struct {
	sessions Sessions
	syncer   Syncer
	followup FollowupRunner
	leads    Leads
	journal  FollowupLog
	bus      *bus.Bus
	logger   *zap.Logger
}

// NewHandler creates a Handler.
func NewHandler(sessions Sessions, syncer Syncer, fu FollowupRunner, leads Leads, journal FollowupLog, b *bus.Bus, logger *zap.Logger) *Handler {
	return &Handler{
		sessions: sessions,
		syncer:   syncer,
		followup: fu,
		leads:    leads,
		journal:  journal,
		bus:      b,
		logger:   logger,
	}
}

// Routes builds the router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/health"))

	r.Route("/whatsapp", func(r chi.Router) {
		r.Get("/list", h.listSessions)
		r.Post("/create", h.createSession)
		r.Get("/status/{id}", h.sessionStatus)
		r.Post("/sync/{id}", h.sync)
		r.Post("/followup/{id}", h.runFollowup)
		r.Get("/followups/{id}", h.listFollowups)
		r.Get("/events", h.events)
		r.Delete("/{id}", h.deleteSession)
	})
	r.Route("/leads", func(r chi.Router) {
		r.Get("/", h.listLeads)
		r.Post("/", h.addLead)
	})
	r.Get("/dashboard/summary", h.summary)
	return r
}

// JSON writes a JSON response with the given status code. A value that
// cannot be encoded turns into a 500 before anything is written.
func JSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		buf.Reset()
		buf.WriteString(`{"message":"failed to encode response"}` + "\n")
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"message": message})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, connection.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, connection.ErrNotConnected), errors.Is(err, ledger.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, session.ErrInvalidID), errors.Is(err, ledger.ErrInvalidLead), errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

var errBadRequest = errors.New("bad request")

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
	}
	Error(w, code, err.Error())
}

// requestLogger logs one line per request through zap.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Debug("http request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("took", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
