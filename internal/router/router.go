// Package router exposes the local operational window onto the sync core:
// a small JSON API for account/calendar status, pending-queue inspection,
// and manually triggered sync sessions. It is not a CalDAV surface.
package router

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/KashCal/KashCal-sub000/internal/config"
	"github.com/KashCal/KashCal-sub000/internal/orchestrator"
	"github.com/KashCal/KashCal-sub000/internal/storage"
)

type Router struct {
	store  storage.Store
	orch   *orchestrator.Orchestrator
	logger zerolog.Logger
	base   string
}

func New(cfg *config.Config, store storage.Store, orch *orchestrator.Orchestrator, logger zerolog.Logger) http.Handler {
	r := &Router{
		store:  store,
		orch:   orch,
		logger: logger,
		base:   basePath(cfg.HTTP.BasePath),
	}
	return r.setupRoutes()
}

func basePath(base string) string {
	if base == "" || base[0] != '/' {
		base = "/admin"
	}
	return strings.TrimSuffix(base, "/")
}

func (r *Router) setupRoutes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("GET "+r.base+"/status/accounts", r.handleAccounts)
	mux.HandleFunc("GET "+r.base+"/status/calendars/{id}/pending", r.handlePending)
	mux.HandleFunc("POST "+r.base+"/sync/{id}", r.handleSync)
	return r.withLogging(mux)
}

func (r *Router) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		started := time.Now()
		next.ServeHTTP(w, req)
		r.logger.Debug().
			Str("method", req.Method).
			Str("path", req.URL.Path).
			Dur("took", time.Since(started)).
			Msg("admin request")
	})
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type accountStatus struct {
	ID        int64            `json:"id"`
	Provider  storage.Provider `json:"provider"`
	Email     string           `json:"email"`
	Enabled   bool             `json:"enabled"`
	Calendars []calendarStatus `json:"calendars"`
}

type calendarStatus struct {
	ID          int64  `json:"id"`
	DisplayName string `json:"displayName"`
	CaldavURL   string `json:"caldavUrl"`
	ReadOnly    bool   `json:"readOnly"`
	Pending     int    `json:"pendingOps"`
	Poisoned    int    `json:"poisonedOps"`
}

func (r *Router) handleAccounts(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	accounts, err := r.store.ListAccounts(ctx)
	if err != nil {
		r.fail(w, err)
		return
	}
	out := make([]accountStatus, 0, len(accounts))
	for _, acc := range accounts {
		status := accountStatus{ID: acc.ID, Provider: acc.Provider, Email: acc.Email, Enabled: acc.IsEnabled}
		calendars, err := r.store.ListCalendarsByAccount(ctx, acc.ID)
		if err != nil {
			r.fail(w, err)
			return
		}
		for _, cal := range calendars {
			pending, poisoned, err := r.store.ListPendingSummaryByCalendar(ctx, cal.ID)
			if err != nil {
				r.fail(w, err)
				return
			}
			status.Calendars = append(status.Calendars, calendarStatus{
				ID:          cal.ID,
				DisplayName: cal.DisplayName,
				CaldavURL:   cal.CaldavURL,
				ReadOnly:    cal.IsReadOnly,
				Pending:     pending,
				Poisoned:    poisoned,
			})
		}
		out = append(out, status)
	}
	r.respond(w, out)
}

type pendingOpView struct {
	ID         int64                 `json:"id"`
	EventID    int64                 `json:"eventId"`
	Operation  storage.OperationKind `json:"operation"`
	MovePhase  storage.MoveOp        `json:"movePhase,omitempty"`
	TargetURL  string                `json:"targetUrl,omitempty"`
	RetryCount int                   `json:"retryCount"`
	LastError  string                `json:"lastError,omitempty"`
	Poisoned   bool                  `json:"poisoned"`
	NextRetry  time.Time             `json:"nextRetryAt"`
}

func (r *Router) handlePending(w http.ResponseWriter, req *http.Request) {
	id, err := strconv.ParseInt(req.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "bad calendar id", http.StatusBadRequest)
		return
	}
	ops, err := r.store.ListPendingForCalendar(req.Context(), id)
	if err != nil {
		r.fail(w, err)
		return
	}
	out := make([]pendingOpView, 0, len(ops))
	for _, op := range ops {
		out = append(out, pendingOpView{
			ID:         op.ID,
			EventID:    op.EventID,
			Operation:  op.Operation,
			MovePhase:  op.MovePhase,
			TargetURL:  op.TargetURL,
			RetryCount: op.RetryCount,
			LastError:  op.LastError,
			Poisoned:   op.Poisoned,
			NextRetry:  op.NextRetryAt,
		})
	}
	r.respond(w, out)
}

func (r *Router) handleSync(w http.ResponseWriter, req *http.Request) {
	id, err := strconv.ParseInt(req.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "bad calendar id", http.StatusBadRequest)
		return
	}
	forceFull := req.URL.Query().Get("full") == "true"

	session, err := r.orch.SyncCalendar(req.Context(), id, forceFull)
	if err != nil {
		r.fail(w, err)
		return
	}
	if session == nil {
		http.Error(w, "calendar not found or session already running", http.StatusConflict)
		return
	}
	r.respond(w, session)
}

func (r *Router) respond(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		r.logger.Error().Err(err).Msg("response encoding failed")
	}
}

func (r *Router) fail(w http.ResponseWriter, err error) {
	r.logger.Error().Err(err).Msg("admin request failed")
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
