package introspect

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"ctrlsched/internal/monitor"
	rtsup "ctrlsched/internal/runtime/supervisor"
	"ctrlsched/internal/storage"
	"ctrlsched/internal/task/engine"
	"ctrlsched/internal/task/scheduler"
	"ctrlsched/internal/task/trigger"
	logx "ctrlsched/pkg/logx"
)

type SchedulerSource interface {
	Snapshot() scheduler.Snapshot
	KindSnapshot(kind int) (scheduler.KindSnapshot, bool)
	LookupKind(name string) (int, bool)
	Counters() scheduler.Counters
}

type EngineSource interface {
	Snapshot() engine.Snapshot
}

type HealthSource interface {
	Health() monitor.Health
}

type TriggerSource interface {
	Snapshot() trigger.Snapshot
	Fire(name string) (bool, error)
}

// Deps are the views the router serves. Nil members disable their routes
// (they answer 404 or 503).
type Deps struct {
	Scheduler SchedulerSource
	Engine    EngineSource
	Monitor   HealthSource
	Store     storage.Store
	Triggers  TriggerSource
	// Runtime lists supervised goroutines by component.
	Runtime func() map[string]rtsup.Snapshot
}

const maxJournalLimit = 1000

type handlers struct {
	deps Deps
	log  logx.Logger
}

// NewRouter builds the introspection routes. token empty disables auth.
func NewRouter(deps Deps, token string, pprof bool, log logx.Logger) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &handlers{deps: deps, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLog(log))
	r.Use(bearerAuth(token))

	r.Get("/healthz", h.health)
	r.Get("/counters", h.counters)
	r.Route("/tasks", func(r chi.Router) {
		r.Get("/", h.tasks)
		r.Get("/{kind}", h.kind)
	})
	r.Get("/engine", h.engine)
	r.Get("/journal/{kind}", h.journal)
	r.Route("/triggers", func(r chi.Router) {
		r.Get("/", h.triggers)
		r.Post("/{name}/fire", h.fire)
	})
	r.Get("/runtime", h.runtime)
	if pprof {
		r.Mount("/debug", middleware.Profiler())
	}
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, r, http.StatusNotFound, "not found")
	})
	return r
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	if h.deps.Monitor == nil {
		respondJSON(w, http.StatusOK, map[string]string{"state": "unknown"})
		return
	}
	hl := h.deps.Monitor.Health()
	status := http.StatusOK
	if hl.State == monitor.StateStalled {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, hl)
}

func (h *handlers) counters(w http.ResponseWriter, r *http.Request) {
	if h.deps.Scheduler == nil {
		respondError(w, r, http.StatusServiceUnavailable, "scheduler unavailable")
		return
	}
	respondJSON(w, http.StatusOK, h.deps.Scheduler.Counters())
}

func (h *handlers) tasks(w http.ResponseWriter, r *http.Request) {
	if h.deps.Scheduler == nil {
		respondError(w, r, http.StatusServiceUnavailable, "scheduler unavailable")
		return
	}
	respondJSON(w, http.StatusOK, h.deps.Scheduler.Snapshot())
}

// resolveKind accepts a numeric kind id or an interned kind name.
func (h *handlers) resolveKind(raw string) (int, bool) {
	raw = strings.TrimSpace(raw)
	if id, err := strconv.Atoi(raw); err == nil {
		return id, id >= 0
	}
	return h.deps.Scheduler.LookupKind(raw)
}

func (h *handlers) kind(w http.ResponseWriter, r *http.Request) {
	if h.deps.Scheduler == nil {
		respondError(w, r, http.StatusServiceUnavailable, "scheduler unavailable")
		return
	}
	id, ok := h.resolveKind(chi.URLParam(r, "kind"))
	if !ok {
		respondError(w, r, http.StatusNotFound, "unknown kind")
		return
	}
	ks, ok := h.deps.Scheduler.KindSnapshot(id)
	if !ok {
		respondError(w, r, http.StatusNotFound, "unknown kind")
		return
	}
	respondJSON(w, http.StatusOK, ks)
}

func (h *handlers) engine(w http.ResponseWriter, r *http.Request) {
	if h.deps.Engine == nil {
		respondError(w, r, http.StatusServiceUnavailable, "engine unavailable")
		return
	}
	respondJSON(w, http.StatusOK, h.deps.Engine.Snapshot())
}

func (h *handlers) journal(w http.ResponseWriter, r *http.Request) {
	if h.deps.Store == nil || h.deps.Scheduler == nil {
		respondError(w, r, http.StatusNotFound, "stats journal disabled")
		return
	}
	id, ok := h.resolveKind(chi.URLParam(r, "kind"))
	if !ok {
		respondError(w, r, http.StatusNotFound, "unknown kind")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxJournalLimit)
	}
	recs, err := h.deps.Store.RecentStats(r.Context(), id, limit)
	if errors.Is(err, storage.ErrDisabled) {
		respondError(w, r, http.StatusNotFound, "stats journal disabled")
		return
	}
	if err != nil {
		h.log.Warn("journal read failed", logx.Int("kind", id), logx.Err(err))
		respondError(w, r, http.StatusInternalServerError, "journal read failed")
		return
	}
	if recs == nil {
		recs = []storage.StatsRecord{}
	}
	respondJSON(w, http.StatusOK, recs)
}

func (h *handlers) triggers(w http.ResponseWriter, r *http.Request) {
	if h.deps.Triggers == nil {
		respondError(w, r, http.StatusServiceUnavailable, "triggers unavailable")
		return
	}
	respondJSON(w, http.StatusOK, h.deps.Triggers.Snapshot())
}

func (h *handlers) fire(w http.ResponseWriter, r *http.Request) {
	if h.deps.Triggers == nil {
		respondError(w, r, http.StatusServiceUnavailable, "triggers unavailable")
		return
	}
	name := chi.URLParam(r, "name")
	submitted, err := h.deps.Triggers.Fire(name)
	if errors.Is(err, trigger.ErrUnknownTrigger) {
		respondError(w, r, http.StatusNotFound, "unknown trigger")
		return
	}
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	h.log.Info("trigger fired over http", logx.String("trigger", name), logx.Bool("submitted", submitted))
	status := http.StatusAccepted
	if !submitted {
		status = http.StatusConflict
	}
	respondJSON(w, status, map[string]any{"trigger": name, "submitted": submitted})
}

func (h *handlers) runtime(w http.ResponseWriter, r *http.Request) {
	if h.deps.Runtime == nil {
		respondJSON(w, http.StatusOK, map[string]rtsup.Snapshot{})
		return
	}
	respondJSON(w, http.StatusOK, h.deps.Runtime())
}

func requestLog(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Int("bytes", ww.BytesWritten()),
				logx.Duration("took", time.Since(start)),
				logx.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

// bearerAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("token"); got != "" {
				if got == tok {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w, r)
				return
			}
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	respondError(w, r, http.StatusUnauthorized, "unauthorized")
}
