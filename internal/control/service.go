// Package control is the operator surface over post delivery: schedule,
// cancel, reset and publish-now. Both the HTTP API and the bot commands go
// through it, so eligibility and auditing live in one place.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"postcast/internal/delivery"
	"postcast/internal/eventbus"
	"postcast/internal/post"
	"postcast/internal/storage"
	logx "postcast/pkg/logx"
)

// Store is the storage subset the control surface needs.
type Store interface {
	GetPost(ctx context.Context, id int64) (post.Post, error)
	List(ctx context.Context, f storage.Filter) ([]post.Post, error)
	UpdateDelivery(ctx context.Context, id int64, expect post.Status, d post.Delivery) error
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
	ListAudit(ctx context.Context, postID int64, limit int) ([]storage.AuditEntry, error)
}

// Publisher performs a send attempt.
type Publisher interface {
	Attempt(ctx context.Context, id int64, mode delivery.Mode) (delivery.Result, error)
}

// Actions recorded in the audit log.
const (
	ActionSchedule = "schedule"
	ActionCancel   = "cancel"
	ActionReset    = "reset"
	ActionPublish  = "publish"
)

// chat ids are @usernames or numeric ids (negative for groups and channels).
var chatIDRe = regexp.MustCompile(`^(@[A-Za-z][A-Za-z0-9_]{3,}|-?[0-9]+)$`)

type ScheduleRequest struct {
	PublishAt   *time.Time `json:"publish_at"`
	ChatID      *string    `json:"chat_id"`
	ForceResend bool       `json:"force_resend"`
}

type PublishOptions struct {
	Force bool `json:"force"`
}

// Ack is a successful control response.
type Ack struct {
	Action  string           `json:"action"`
	Changed bool             `json:"changed"`
	Post    *post.View       `json:"post,omitempty"`
	Result  *delivery.Result `json:"result,omitempty"`
}

type Service struct {
	store Store
	pub   Publisher
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time
}

func New(store Store, pub Publisher, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		store: store,
		pub:   pub,
		bus:   bus,
		log:   log.With(logx.String("comp", "control")),
		now:   time.Now,
	}
}

// Get returns one post's delivery view.
func (s *Service) Get(ctx context.Context, id int64) (post.View, error) {
	if err := validID(id); err != nil {
		return post.View{}, err
	}
	p, err := s.store.GetPost(ctx, id)
	if err != nil {
		return post.View{}, AsError(err)
	}
	return p.ToView(), nil
}

// List returns posts for operator listings.
func (s *Service) List(ctx context.Context, f storage.Filter) ([]post.View, error) {
	if f.Status != nil && !f.Status.Valid() {
		return nil, invalid("invalid_status", "status must be one of null, pending, sent, error")
	}
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return nil, invalid("invalid_range", "to is before from")
	}
	if f.Limit < 0 || f.Offset < 0 {
		return nil, invalid("invalid_paging", "limit and offset must not be negative")
	}
	if f.Limit > storage.MaxListLimit {
		f.Limit = storage.MaxListLimit
	}
	ps, err := s.store.List(ctx, f)
	if err != nil {
		return nil, AsError(err)
	}
	out := make([]post.View, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.ToView())
	}
	return out, nil
}

// History returns the newest audit entries of a post.
func (s *Service) History(ctx context.Context, id int64, limit int) ([]storage.AuditEntry, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > storage.MaxListLimit {
		limit = storage.DefaultListLimit
	}
	es, err := s.store.ListAudit(ctx, id, limit)
	if err != nil {
		return nil, AsError(err)
	}
	return es, nil
}

// Schedule sets the publish time and the chat, each only when given. An
// unscheduled post becomes pending. With ForceResend an errored or sent post
// goes back to pending; when the publish time is in the future that is all it
// does and the scan delivers it later. A request that matches the stored state
// is a no-op.
func (s *Service) Schedule(ctx context.Context, id int64, req ScheduleRequest) (Ack, error) {
	if err := validID(id); err != nil {
		return Ack{}, err
	}
	if req.ChatID != nil {
		trimmed := strings.TrimSpace(*req.ChatID)
		req.ChatID = &trimmed
	}
	err := validation.ValidateStruct(&req,
		validation.Field(&req.ChatID, validation.When(req.ChatID != nil && *req.ChatID != "",
			validation.Match(chatIDRe).Error("must be @username or a numeric chat id"))),
	)
	if err != nil {
		return Ack{}, &Error{Kind: KindInvalid, Code: "invalid_request", Message: err.Error(), Err: err}
	}

	change := delivery.ScheduleChange{PublishAt: req.PublishAt, ChatID: req.ChatID, ForceResend: req.ForceResend}
	return s.mutate(ctx, id, ActionSchedule, eventbus.ControlScheduled, req, func(d post.Delivery) (post.Delivery, bool, error) {
		return delivery.ApplySchedule(d, change)
	})
}

// CancelSchedule clears the publish time. The status is left alone.
func (s *Service) CancelSchedule(ctx context.Context, id int64) (Ack, error) {
	if err := validID(id); err != nil {
		return Ack{}, err
	}
	return s.mutate(ctx, id, ActionCancel, eventbus.ControlCanceled, nil, delivery.ApplyCancel)
}

// ResetPending makes a post eligible again without touching its publish time.
func (s *Service) ResetPending(ctx context.Context, id int64) (Ack, error) {
	if err := validID(id); err != nil {
		return Ack{}, err
	}
	return s.mutate(ctx, id, ActionReset, eventbus.ControlReset, nil, delivery.ApplyReset)
}

// PublishNow attempts delivery immediately. A delivery failure is persisted
// on the post and returned as a KindDelivery error.
func (s *Service) PublishNow(ctx context.Context, id int64, opt PublishOptions) (Ack, error) {
	if err := validID(id); err != nil {
		return Ack{}, err
	}
	mode := delivery.ModeManual
	if opt.Force {
		mode = delivery.ModeForce
	}
	before := post.StatusNone
	if p, err := s.store.GetPost(ctx, id); err == nil {
		before = p.Delivery.Status
	}

	res, err := s.pub.Attempt(ctx, id, mode)
	ce := AsError(err)
	if ce != nil && ce.Kind == KindNotFound {
		return Ack{}, ce
	}
	after := res.Status
	if after == "" {
		after = before
	}
	s.audit(ctx, storage.AuditEntry{
		Action:       ActionPublish,
		PostID:       id,
		StatusBefore: before,
		StatusAfter:  after,
		OK:           err == nil,
		Error:        errCode(ce),
		MetaJSON:     meta(opt),
	})
	if ce != nil && ce.Kind != KindDelivery {
		return Ack{}, ce
	}

	ack := Ack{Action: ActionPublish, Changed: res.Status != "", Result: &res}
	if p, gerr := s.store.GetPost(ctx, id); gerr == nil {
		v := p.ToView()
		ack.Post = &v
	}
	if ce != nil {
		return ack, ce
	}
	return ack, nil
}

type transition func(post.Delivery) (post.Delivery, bool, error)

// mutate loads the post, applies fn and persists the result conditioned on
// the status it observed.
func (s *Service) mutate(ctx context.Context, id int64, action, event string, req any, fn transition) (Ack, error) {
	p, err := s.store.GetPost(ctx, id)
	if err != nil {
		return Ack{}, AsError(err)
	}
	entry := storage.AuditEntry{Action: action, PostID: id, StatusBefore: p.Delivery.Status, MetaJSON: meta(req)}

	next, changed, err := fn(p.Delivery)
	if err != nil {
		ce := AsError(err)
		entry.StatusAfter, entry.Error = p.Delivery.Status, errCode(ce)
		s.audit(ctx, entry)
		return Ack{}, ce
	}
	if !changed {
		v := p.ToView()
		return Ack{Action: action, Post: &v}, nil
	}

	if err := s.store.UpdateDelivery(ctx, id, p.Delivery.Status, next); err != nil {
		ce := AsError(err)
		entry.StatusAfter, entry.Error = p.Delivery.Status, errCode(ce)
		s.audit(ctx, entry)
		return Ack{}, ce
	}
	entry.StatusAfter, entry.OK = next.Status, true
	s.audit(ctx, entry)

	p.Delivery = next
	v := p.ToView()
	s.log.Info("delivery updated",
		logx.String("action", action),
		logx.Int64("post_id", id),
		logx.String("status", next.Status.String()),
		logx.String("actor", ActorFrom(ctx).Name),
	)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: event, Data: v})
	}
	return Ack{Action: action, Changed: true, Post: &v}, nil
}

// audit is best effort: the action has already happened.
func (s *Service) audit(ctx context.Context, e storage.AuditEntry) {
	a := ActorFrom(ctx)
	e.Actor, e.Source, e.At = a.Name, a.Source, s.now()
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.store.AppendAudit(actx, e); err != nil {
		s.log.Warn("audit write failed", logx.String("action", e.Action), logx.Int64("post_id", e.PostID), logx.Err(err))
	}
}

func validID(id int64) error {
	if id <= 0 {
		return invalid("invalid_id", "post id must be a positive integer")
	}
	return nil
}

func errCode(e *Error) string {
	if e == nil {
		return ""
	}
	return e.Code
}

func meta(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return ""
	}
	return string(b)
}

// IsKind reports whether err is a control error of kind k.
func IsKind(err error, k Kind) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == k
}
