// Package router dispatches operator bot commands to handlers.
package router

import (
	"context"
	"errors"
	"runtime/debug"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	rtsup "postcast/internal/runtime/supervisor"
	kit "postcast/internal/transport"
	logx "postcast/pkg/logx"
	"postcast/pkg/tgui"
)

// ErrUnauthorized is returned by Handle when the sender is not an owner.
var ErrUnauthorized = errors.New("unauthorized")

// Access defaults to owner-only; commands must opt in to public use.
type Access int

const (
	AccessOwnerOnly Access = iota
	AccessEveryone
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration
	Handle      HandlerFunc
}

type Request struct {
	Message   kit.Message
	Chat      kit.ChatTarget
	FromID    int64
	Command   string
	Args      []string
	RawArgs   []string
	Flags     map[string]string
	BoolFlags map[string]bool
	ReqID     string
	Logger    logx.Logger

	sender tgui.Sender
}

// Actor names the sender for audit records.
func (r *Request) Actor() string {
	if u := strings.TrimSpace(r.Message.FromUsername); u != "" {
		return "@" + u
	}
	return "tg:" + strconv.FormatInt(r.FromID, 10)
}

// Flag returns the first non-empty value among names.
func (r *Request) Flag(names ...string) string {
	for _, n := range names {
		if v := strings.TrimSpace(r.Flags[n]); v != "" {
			return v
		}
	}
	return ""
}

func (r *Request) Bool(names ...string) bool {
	for _, n := range names {
		if r.BoolFlags[n] {
			return true
		}
		switch strings.ToLower(r.Flags[n]) {
		case "1", "true", "yes":
			return true
		}
	}
	return false
}

// Reply sends plain text back to the chat the command came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	return r.sender.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true})
}

func (r *Request) ReplyMessage(ctx context.Context, m tgui.Message) error {
	return m.Send(ctx, r.sender, r.Chat)
}

type Manager struct {
	mu     sync.RWMutex
	cmds   map[string]*Command
	alias  map[string]*Command
	owners []int64

	log    logx.Logger
	sender tgui.Sender

	defaultTimeout time.Duration
	workers        int

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor
	jobs    chan func()
}

func New(sender tgui.Sender, owners []int64, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		cmds:           map[string]*Command{},
		alias:          map[string]*Command{},
		owners:         slices.Clone(owners),
		log:            log.With(logx.String("comp", "telegram.router")),
		sender:         sender,
		defaultTimeout: 30 * time.Second,
		workers:        2,
		jobs:           make(chan func(), 64),
	}
}

// SetOwners is safe to call during hot reload.
func (m *Manager) SetOwners(owners []int64) {
	m.mu.Lock()
	m.owners = slices.Clone(owners)
	m.mu.Unlock()
}

func (m *Manager) isOwner(id int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Contains(m.owners, id)
}

// Register replaces the command set. A public /help is always added.
func (m *Manager) Register(cmds ...Command) {
	cmds = append(cmds, Command{
		Name:        "help",
		Aliases:     []string{"start"},
		Description: "list commands",
		Usage:       "/help [command]",
		Access:      AccessEveryone,
		Handle: func(ctx context.Context, req *Request) error {
			return req.ReplyMessage(ctx, m.helpMessage(req.Args))
		},
	})

	byName := map[string]*Command{}
	alias := map[string]*Command{}
	for i := range cmds {
		c := cmds[i]
		name := sanitizeCommand(c.Name)
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		byName[name] = &c
	}
	for _, c := range byName {
		for _, a := range c.Aliases {
			a = sanitizeCommand(a)
			if a == "" {
				continue
			}
			if _, taken := byName[a]; taken {
				continue
			}
			alias[a] = c
		}
	}

	m.mu.Lock()
	m.cmds = byName
	m.alias = alias
	m.mu.Unlock()
}

func (m *Manager) lookup(word string) (*Command, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.cmds[word]; ok {
		return c, true
	}
	c, ok := m.alias[word]
	return c, ok
}

func (m *Manager) commands() []*Command {
	m.mu.RLock()
	out := make([]*Command, 0, len(m.cmds))
	for _, c := range m.cmds {
		out = append(out, c)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// PublishMenu pushes the command menu when the sender supports it.
func (m *Manager) PublishMenu(ctx context.Context) error {
	up, ok := m.sender.(kit.CommandMenuUpdater)
	if !ok {
		return nil
	}
	return up.UpdateMenuCommands(ctx, m.MenuCommands())
}

// Handle routes one message synchronously. Non-command text is ignored.
func (m *Manager) Handle(ctx context.Context, msg kit.Message) error {
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return nil
	}
	parts := tokenize(text)
	if len(parts) == 0 {
		return nil
	}
	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	word = strings.ToLower(word)
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	cmd, ok := m.lookup(word)
	if !ok {
		// Strangers get no hint that the bot answers commands.
		if m.isOwner(msg.FromID) {
			_ = m.sender.SendText(ctx, chat, "unknown command, try /help", nil)
		}
		return nil
	}
	if cmd.Access == AccessOwnerOnly && !m.isOwner(msg.FromID) {
		m.log.Warn("unauthorized command", logx.Int64("from_id", msg.FromID), logx.String("cmd", cmd.Name))
		_ = m.sender.SendText(ctx, chat, "unauthorized", nil)
		return ErrUnauthorized
	}

	raw := parts[1:]
	pos, flags, bools := parseFlags(raw)
	rid := newReqID()
	req := &Request{
		Message:   msg,
		Chat:      chat,
		FromID:    msg.FromID,
		Command:   cmd.Name,
		Args:      pos,
		RawArgs:   raw,
		Flags:     flags,
		BoolFlags: bools,
		ReqID:     rid,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
		sender: m.sender,
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}
	final := Chain(
		cmd.Handle,
		recoverPanic(),
		logRequest(),
		replyOnError(),
		withTimeout(timeout),
	)
	return final(ctx, req)
}

// Supervisor returns the dispatcher's supervisor (nil if not running).
func (m *Manager) Supervisor() *rtsup.Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return nil
	}
	return m.sup
}

func tryEnqueue(jobs chan<- func(), fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	select {
	case jobs <- fn:
		return true
	default:
		return false
	}
}

// DispatchLoop reads messages until ctx is done or in is closed, handing
// each one to a bounded worker pool.
func (m *Manager) DispatchLoop(ctx context.Context, in <-chan kit.Message) error {
	sup := rtsup.New(ctx, rtsup.WithLogger(m.log), rtsup.WithCancelOnError(false))
	jobs := m.jobs
	m.runMu.Lock()
	m.sup, m.running = sup, true
	m.runMu.Unlock()

	m.log.Info("command dispatcher started", logx.Int("workers", m.workers), logx.Int("job_queue_cap", cap(jobs)))

	for i := 0; i < m.workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-jobs:
					if !ok {
						return nil
					}
					func() {
						defer func() {
							if r := recover(); r != nil {
								m.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
		)
	}

	defer func() {
		m.runMu.Lock()
		m.running = false
		m.jobs = make(chan func(), cap(jobs))
		m.runMu.Unlock()
		close(jobs)
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			if !strings.HasPrefix(strings.TrimSpace(msg.Text), "/") {
				continue
			}
			if !tryEnqueue(jobs, func() { _ = m.Handle(ctx, msg) }) {
				_ = m.sender.SendText(ctx, kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}, "busy, try again", nil)
			}
		}
	}
}
