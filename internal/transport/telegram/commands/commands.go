// Package commands implements the owner-only operator bot commands on top
// of the control service.
package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"postcast/internal/control"
	"postcast/internal/post"
	"postcast/internal/publisher"
	"postcast/internal/storage"
	"postcast/internal/task/scheduler"
	"postcast/internal/transport/telegram/router"
	"postcast/pkg/tgui"
)

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

type Deps struct {
	Control Controller
	// Scanner may be nil when the publisher is disabled.
	Scanner Scanner
	// Location resolves operator times like "18:30"; nil means Local.
	Location func() *time.Location
	Now      func() time.Time
}

const listLimit = 15

// Build returns the command set. Every command is owner-only.
func Build(d Deps) []router.Command {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Location == nil {
		d.Location = func() *time.Location { return time.Local }
	}
	h := &handlers{Deps: d}
	return []router.Command{
		{Name: "post", Description: "show a post's delivery state", Usage: "/post <id>", Handle: h.show},
		{Name: "queue", Aliases: []string{"due"}, Description: "list scheduled posts", Usage: "/queue [pending|sent|error|none] [search]", Handle: h.queue},
		{Name: "schedule", Description: "schedule a post", Usage: "/schedule <id> [when] [--chat=@channel] [--force]", Handle: h.schedule},
		{Name: "cancel", Description: "cancel a schedule", Usage: "/cancel <id>", Handle: h.cancel},
		{Name: "reset", Description: "return a post to pending", Usage: "/reset <id>", Handle: h.reset},
		{Name: "publish", Aliases: []string{"send"}, Description: "deliver a post now", Usage: "/publish <id> [--force]", Timeout: 45 * time.Second, Handle: h.publish},
		{Name: "history", Aliases: []string{"audit"}, Description: "show a post's audit trail", Usage: "/history <id>", Handle: h.history},
		{Name: "scan", Description: "run a publish pass now", Usage: "/scan", Timeout: 2 * time.Minute, Handle: h.scan},
	}
}

type handlers struct {
	Deps
}

func actorCtx(ctx context.Context, req *router.Request) context.Context {
	return control.WithActor(ctx, control.Actor{Name: req.Actor(), Source: "telegram"})
}

func postID(req *router.Request) (int64, error) {
	if len(req.Args) == 0 {
		return 0, errors.New("usage: /" + req.Command + " <id>")
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(req.Args[0], "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid post id %q", req.Args[0])
	}
	return id, nil
}

func (h *handlers) show(ctx context.Context, req *router.Request) error {
	id, err := postID(req)
	if err != nil {
		return err
	}
	v, err := h.Control.Get(ctx, id)
	if err != nil {
		return err
	}
	return req.ReplyMessage(ctx, h.card("📰", v, "").Build())
}

func (h *handlers) queue(ctx context.Context, req *router.Request) error {
	pending := post.StatusPending
	f := storage.Filter{Status: &pending, Limit: listLimit}
	args := req.Args
	if len(args) > 0 {
		if st, err := post.ParseStatus(args[0]); err == nil {
			f.Status = &st
			args = args[1:]
		}
	}
	f.Query = strings.Join(args, " ")

	views, err := h.Control.List(ctx, f)
	if err != nil {
		return err
	}
	label := string(*f.Status)
	if label == "" {
		label = "unscheduled"
	}
	b := tgui.New().Title("🗓", fmt.Sprintf("%s posts (%d)", label, len(views)))
	if len(views) == 0 {
		b.Line("nothing here")
	}
	for _, v := range views {
		parts := []tgui.H{tgui.Code("#" + strconv.FormatInt(v.ID, 10)), tgui.Esc(tgui.TruncRunes(v.Title, 60))}
		if at := h.when(v); at != "" {
			parts = append(parts, tgui.I(at))
		}
		b.RawLine(tgui.JoinH(" ", parts...))
	}
	if len(views) == listLimit {
		b.Blank().Line("showing the first " + strconv.Itoa(listLimit))
	}
	return req.ReplyMessage(ctx, b.Build())
}

func (h *handlers) schedule(ctx context.Context, req *router.Request) error {
	id, err := postID(req)
	if err != nil {
		return err
	}
	sr := control.ScheduleRequest{ForceResend: req.Bool("force", "f")}
	if chat, ok := req.Flags["chat"]; ok {
		sr.ChatID = &chat
	}
	switch {
	case len(req.Args) >= 2:
		at, err := scheduler.ResolveWhen(strings.Join(req.Args[1:], " "), h.Now(), h.Location())
		if err != nil {
			return err
		}
		sr.PublishAt = &at
	case sr.ChatID == nil && !sr.ForceResend:
		return errors.New("usage: /schedule <id> [when] [--chat=@name] [--force], e.g. +2h, 18:30 or \"2026-01-02 09:00\"")
	}
	ack, err := h.Control.Schedule(actorCtx(ctx, req), id, sr)
	if err != nil {
		return err
	}
	return h.replyAck(ctx, req, ack)
}

func (h *handlers) cancel(ctx context.Context, req *router.Request) error {
	id, err := postID(req)
	if err != nil {
		return err
	}
	ack, err := h.Control.CancelSchedule(actorCtx(ctx, req), id)
	if err != nil {
		return err
	}
	return h.replyAck(ctx, req, ack)
}

func (h *handlers) reset(ctx context.Context, req *router.Request) error {
	id, err := postID(req)
	if err != nil {
		return err
	}
	ack, err := h.Control.ResetPending(actorCtx(ctx, req), id)
	if err != nil {
		return err
	}
	return h.replyAck(ctx, req, ack)
}

func (h *handlers) publish(ctx context.Context, req *router.Request) error {
	id, err := postID(req)
	if err != nil {
		return err
	}
	ack, err := h.Control.PublishNow(actorCtx(ctx, req), id, control.PublishOptions{Force: req.Bool("force", "f")})
	if err != nil {
		// A delivery failure still carries the updated post.
		if ack.Post != nil {
			_ = req.ReplyMessage(ctx, h.card("❌", *ack.Post, "publish failed").Build())
		}
		return err
	}
	return h.replyAck(ctx, req, ack)
}

func (h *handlers) history(ctx context.Context, req *router.Request) error {
	id, err := postID(req)
	if err != nil {
		return err
	}
	entries, err := h.Control.History(ctx, id, 10)
	if err != nil {
		return err
	}
	b := tgui.New().Title("🧾", "History #"+strconv.FormatInt(id, 10))
	if len(entries) == 0 {
		b.Line("no operator actions recorded")
	}
	for _, e := range entries {
		mark := "✅"
		if !e.OK {
			mark = "⛔"
		}
		line := fmt.Sprintf("%s %s %s by %s (%s → %s)", mark, e.At.In(h.Location()).Format("2006-01-02 15:04"), e.Action, e.Actor, statusLabel(e.StatusBefore), statusLabel(e.StatusAfter))
		if e.Error != "" {
			line += " " + e.Error
		}
		b.Line(line)
	}
	return req.ReplyMessage(ctx, b.Build())
}

func (h *handlers) scan(ctx context.Context, req *router.Request) error {
	if h.Scanner == nil {
		return errors.New("publisher is disabled")
	}
	rep, err := h.Scanner.RunOnce(ctx)
	if errors.Is(err, publisher.ErrScanBusy) {
		return errors.New("a scan is already running")
	}
	if err != nil {
		return err
	}
	b := tgui.New().Title("🔎", "Scan finished").
		KV("due", strconv.Itoa(rep.Due)).
		KV("sent", strconv.Itoa(rep.Sent)).
		KV("failed", strconv.Itoa(rep.Failed))
	if n := rep.Conflicts + rep.Preconditions + rep.Errors; n > 0 {
		b.KV("skipped", strconv.Itoa(n))
	}
	if len(rep.Recovered) > 0 {
		b.KV("interrupted", strconv.Itoa(len(rep.Recovered)))
	}
	b.KV("took", rep.Took.Round(time.Millisecond).String())
	return req.ReplyMessage(ctx, b.Build())
}

func (h *handlers) replyAck(ctx context.Context, req *router.Request, ack control.Ack) error {
	if ack.Post == nil {
		return req.Reply(ctx, "ok")
	}
	note := ack.Action + " applied"
	if !ack.Changed {
		note = "no change"
	}
	return req.ReplyMessage(ctx, h.card("✅", *ack.Post, note).Build())
}

func (h *handlers) card(emoji string, v post.View, note string) *tgui.Builder {
	b := tgui.New().Title(emoji, "#"+strconv.FormatInt(v.ID, 10)+" "+tgui.TruncRunes(v.Title, 80))
	if note != "" {
		b.RawLine(tgui.I(note))
	}
	b.KVCode("slug", v.Slug)
	status := "none"
	if v.Status != nil {
		status = *v.Status
	}
	b.KV("status", status)
	if v.PublishAt != nil {
		b.KV("publish at", h.abs(*v.PublishAt))
	}
	if v.PostedAt != nil {
		b.KV("posted", h.abs(*v.PostedAt))
	}
	if v.ChatID != nil {
		b.KVCode("chat", *v.ChatID)
	}
	if v.MessageID != 0 {
		b.KV("message", strconv.Itoa(v.MessageID))
	}
	if v.Error != nil {
		b.KVCode("error", *v.Error)
	}
	if v.Attempts > 0 {
		b.KV("attempts", strconv.Itoa(v.Attempts))
	}
	if !v.IsPublished {
		b.Line("⚠️ article is not published on the site")
	}
	return b
}

func (h *handlers) abs(t time.Time) string {
	return t.In(h.Location()).Format("2006-01-02 15:04 MST") + " (" + humanize.RelTime(t, h.Now(), "ago", "from now") + ")"
}

func (h *handlers) when(v post.View) string {
	switch {
	case v.PostedAt != nil:
		return "sent " + humanize.RelTime(*v.PostedAt, h.Now(), "ago", "from now")
	case v.PublishAt != nil:
		return humanize.RelTime(*v.PublishAt, h.Now(), "ago", "from now")
	}
	return ""
}

func statusLabel(s post.Status) string {
	if s == post.StatusNone {
		return "none"
	}
	return string(s)
}
