package httpapi

import (
	"context"
	"crypto/subtle"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"postcast/internal/control"
	"postcast/internal/post"
	"postcast/internal/publisher"
	"postcast/internal/storage"
	"postcast/internal/task/scheduler"
	logx "postcast/pkg/logx"
)

// Controller is the control surface.
type Controller interface {
	Get(ctx context.Context, id int64) (post.View, error)
	List(ctx context.Context, f storage.Filter) ([]post.View, error)
	History(ctx context.Context, id int64, limit int) ([]storage.AuditEntry, error)
	Schedule(ctx context.Context, id int64, req control.ScheduleRequest) (control.Ack, error)
	CancelSchedule(ctx context.Context, id int64) (control.Ack, error)
	ResetPending(ctx context.Context, id int64) (control.Ack, error)
	PublishNow(ctx context.Context, id int64, opt control.PublishOptions) (control.Ack, error)
}

type Scanner interface {
	RunOnce(ctx context.Context) (publisher.ScanReport, error)
}

type SchedulerView interface {
	Snapshot() scheduler.Snapshot
	Location() *time.Location
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the services behind the routes. Scanner, Scheduler and DB are
// optional; their routes answer 503 when unset.
type Deps struct {
	Control   Controller
	Scanner   Scanner
	Scheduler SchedulerView
	DB        Pinger
	Log       logx.Logger
	Now       func() time.Time
}

// NewRouter builds the chi router. It is exported for tests and for
// embedding under another mux.
func NewRouter(cfg Config, deps Deps) http.Handler {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	h := &handlers{deps: deps}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(recoverer(deps.Log))
	r.Use(accessLog(deps.Log))

	r.Get("/healthz", h.health)

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(cfg.Token))
		r.Use(middleware.NoCache)

		r.Route("/api", func(r chi.Router) {
			r.Get("/posts", h.listPosts)
			r.Route("/posts/{id}", func(r chi.Router) {
				r.Get("/", h.getPost)
				r.Get("/audit", h.postAudit)
				r.Post("/telegram/schedule", h.schedule)
				r.Post("/telegram/cancel", h.cancel)
				r.Post("/telegram/reset", h.reset)
				r.Post("/telegram/publish", h.publish)
			})
			r.Post("/scan", h.scan)
			r.Get("/scheduler", h.schedulerSnapshot)
		})
		if cfg.Pprof {
			r.Mount("/debug", middleware.Profiler())
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route_not_found", "no such route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "invalid", "method_not_allowed", "method not allowed")
	})
	return r
}

const requestIDHeader = "X-Request-Id"

type ctxKey int

const reqIDKey ctxKey = iota

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), reqIDKey, id)))
	})
}

func reqID(ctx context.Context) string {
	id, _ := ctx.Value(reqIDKey).(string)
	return id
}

func recoverer(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					log.Error("panic recovered",
						logx.Any("panic", rec),
						logx.String("method", r.Method),
						logx.String("path", r.URL.Path),
						logx.String("request_id", reqID(r.Context())),
						logx.String("stack", string(debug.Stack())),
					)
					writeError(w, http.StatusInternalServerError, string(control.KindInternal), "internal_error", "internal error (ref="+reqID(r.Context())+")")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func accessLog(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []logx.Field{
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", status),
				logx.Duration("took", time.Since(start)),
				logx.String("request_id", reqID(r.Context())),
			}
			switch {
			case status >= 500:
				log.Warn("http request", fields...)
			case r.URL.Path == "/healthz":
				log.Debug("http request", fields...)
			default:
				log.Info("http request", fields...)
			}
		})
	}
}

// bearerAuth accepts "Authorization: Bearer <token>". An empty token
// disables auth (the server refuses non-loopback binds in that case).
func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(tok)) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized", "missing or invalid bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
