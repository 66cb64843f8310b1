package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"

	"postcast/internal/control"
	"postcast/internal/post"
	"postcast/internal/publisher"
	"postcast/internal/storage"
	"postcast/internal/task/scheduler"
	logx "postcast/pkg/logx"
)

type handlers struct {
	deps Deps
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	if h.deps.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.deps.DB.Ping(ctx); err != nil {
			h.deps.Log.Warn("health check failed", logx.Err(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "db": "unreachable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// actorCtx tags the request context for the audit log.
func actorCtx(r *http.Request) context.Context {
	name := strings.TrimSpace(r.Header.Get("X-Actor"))
	if name == "" || len(name) > 64 {
		name = "api"
	}
	return control.WithActor(r.Context(), control.Actor{Name: name, Source: "http"})
}

func postID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, string(control.KindInvalid), "invalid_id", "post id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h *handlers) location() *time.Location {
	if h.deps.Scheduler != nil {
		return h.deps.Scheduler.Location()
	}
	return time.Local
}

type listParams struct {
	Status string
	Query  string
	From   string
	To     string
	Limit  string
	Offset string
}

func (p listParams) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Status, validation.In("null", "none", "pending", "sent", "error").Error("must be one of null, pending, sent, error")),
		validation.Field(&p.Query, validation.Length(0, 200)),
		validation.Field(&p.Limit, is.Int),
		validation.Field(&p.Offset, is.Int),
	)
}

func (h *handlers) listPosts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p := listParams{
		Status: strings.ToLower(strings.TrimSpace(q.Get("status"))),
		Query:  strings.TrimSpace(q.Get("q")),
		From:   strings.TrimSpace(q.Get("from")),
		To:     strings.TrimSpace(q.Get("to")),
		Limit:  strings.TrimSpace(q.Get("limit")),
		Offset: strings.TrimSpace(q.Get("offset")),
	}
	if err := p.Validate(); err != nil {
		badRequest(w, "invalid_query", err)
		return
	}

	f := storage.Filter{Query: p.Query}
	if q.Has("status") {
		st, err := post.ParseStatus(p.Status)
		if err != nil {
			badRequest(w, "invalid_status", err)
			return
		}
		f.Status = &st
	}
	now, loc := h.deps.Now(), h.location()
	for _, b := range []struct {
		raw string
		dst **time.Time
	}{{p.From, &f.From}, {p.To, &f.To}} {
		if b.raw == "" {
			continue
		}
		t, err := scheduler.ResolveWhen(b.raw, now, loc)
		if err != nil {
			badRequest(w, "invalid_range", err)
			return
		}
		*b.dst = &t
	}
	f.Limit, _ = strconv.Atoi(p.Limit)
	f.Offset, _ = strconv.Atoi(p.Offset)

	views, err := h.deps.Control.List(r.Context(), f)
	if err != nil {
		writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"posts": views, "count": len(views)})
}

func (h *handlers) getPost(w http.ResponseWriter, r *http.Request) {
	id, ok := postID(w, r)
	if !ok {
		return
	}
	v, err := h.deps.Control.Get(r.Context(), id)
	if err != nil {
		writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *handlers) postAudit(w http.ResponseWriter, r *http.Request) {
	id, ok := postID(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	es, err := h.deps.Control.History(r.Context(), id, limit)
	if err != nil {
		writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": es})
}

type scheduleBody struct {
	PublishAt   string  `json:"publish_at"`
	ChatID      *string `json:"chat_id"`
	ForceResend bool    `json:"force_resend"`
}

func (b scheduleBody) Validate() error {
	return validation.ValidateStruct(&b,
		validation.Field(&b.PublishAt, validation.Length(1, 64)),
		validation.Field(&b.ChatID, validation.Length(0, 64)),
	)
}

func (h *handlers) schedule(w http.ResponseWriter, r *http.Request) {
	id, ok := postID(w, r)
	if !ok {
		return
	}
	var body scheduleBody
	if err := decodeJSON(r, &body); err != nil {
		badRequest(w, "invalid_body", err)
		return
	}
	if err := body.Validate(); err != nil {
		badRequest(w, "invalid_request", err)
		return
	}
	sr := control.ScheduleRequest{ChatID: body.ChatID, ForceResend: body.ForceResend}
	if strings.TrimSpace(body.PublishAt) != "" {
		at, err := scheduler.ResolveWhen(body.PublishAt, h.deps.Now(), h.location())
		if err != nil {
			badRequest(w, "invalid_publish_at", err)
			return
		}
		sr.PublishAt = &at
	}
	ack, err := h.deps.Control.Schedule(actorCtx(r), id, sr)
	h.respondAck(w, ack, err)
}

func (h *handlers) cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := postID(w, r)
	if !ok {
		return
	}
	ack, err := h.deps.Control.CancelSchedule(actorCtx(r), id)
	h.respondAck(w, ack, err)
}

func (h *handlers) reset(w http.ResponseWriter, r *http.Request) {
	id, ok := postID(w, r)
	if !ok {
		return
	}
	ack, err := h.deps.Control.ResetPending(actorCtx(r), id)
	h.respondAck(w, ack, err)
}

func (h *handlers) publish(w http.ResponseWriter, r *http.Request) {
	id, ok := postID(w, r)
	if !ok {
		return
	}
	var opt control.PublishOptions
	if err := decodeJSON(r, &opt); err != nil {
		badRequest(w, "invalid_body", err)
		return
	}
	if v := r.URL.Query().Get("force"); v != "" {
		force, err := strconv.ParseBool(v)
		if err != nil {
			badRequest(w, "invalid_query", err)
			return
		}
		opt.Force = opt.Force || force
	}
	ack, err := h.deps.Control.PublishNow(actorCtx(r), id, opt)
	h.respondAck(w, ack, err)
}

func (h *handlers) respondAck(w http.ResponseWriter, ack control.Ack, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, ack)
		return
	}
	ce := control.AsError(err)
	if ce.Kind == control.KindDelivery {
		// The post is already in error; return its state with the failure.
		writeJSON(w, statusFor(ce.Kind), map[string]any{
			"error": errorDetail{Kind: string(ce.Kind), Code: ce.Code, Message: ce.Message},
			"post":  ack.Post,
		})
		return
	}
	writeControlError(w, err)
}

func (h *handlers) scan(w http.ResponseWriter, r *http.Request) {
	if h.deps.Scanner == nil {
		writeError(w, http.StatusServiceUnavailable, string(control.KindPrecondition), "scanner_unavailable", "scanner is not running")
		return
	}
	rep, err := h.deps.Scanner.RunOnce(r.Context())
	switch {
	case errors.Is(err, publisher.ErrScanBusy):
		writeError(w, http.StatusConflict, string(control.KindConflict), "scan_busy", err.Error())
	case err != nil:
		h.deps.Log.Error("manual scan failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, string(control.KindInternal), "scan_failed", err.Error())
	default:
		writeJSON(w, http.StatusOK, rep)
	}
}

func (h *handlers) schedulerSnapshot(w http.ResponseWriter, r *http.Request) {
	if h.deps.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, string(control.KindPrecondition), "scheduler_unavailable", "scheduler is not running")
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Scheduler.Snapshot())
}
