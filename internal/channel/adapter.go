// Package channel sends composed posts to Telegram and normalizes every
// outcome into a Receipt or a *SendError. It holds no per-post state and
// never retries.
package channel

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"runtime/debug"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"postcast/internal/composer"
	"postcast/pkg/tgui"
	logx "postcast/pkg/logx"
)

const (
	DefaultAPIURL      = "https://api.telegram.org"
	DefaultSendTimeout = 15 * time.Second

	TextLimit    = 4096
	CaptionLimit = 1024
)

// Config is read once at construction.
type Config struct {
	Token       string
	APIURL      string
	DefaultChat string
	// SiteOrigin resolves relative cover image paths.
	SiteOrigin  string
	SendTimeout time.Duration
	// RatePerSec bounds outbound sends; <= 0 disables limiting.
	RatePerSec float64
	// Transport overrides the HTTP transport (tests).
	Transport http.RoundTripper
}

// Receipt is a successful send.
type Receipt struct {
	ChatID    string
	MessageID int
	Photo     bool
}

type Adapter struct {
	cfg     Config
	log     logx.Logger
	bot     *tele.Bot
	limiter *rate.Limiter

	// send is swapped in tests to exercise panic recovery.
	send func(to tele.Recipient, what any, opts ...any) (*tele.Message, error)
}

// recipient addresses a chat by numeric id or @username.
type recipient string

func (r recipient) Recipient() string { return string(r) }

// New builds the adapter. A missing token is not an error here; every send
// reports ErrMissingToken instead.
func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg.Token = strings.TrimSpace(cfg.Token)
	cfg.DefaultChat = strings.TrimSpace(cfg.DefaultChat)
	cfg.SiteOrigin = strings.TrimRight(strings.TrimSpace(cfg.SiteOrigin), "/")
	cfg.APIURL = strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}

	a := &Adapter{cfg: cfg, log: log}
	if cfg.RatePerSec > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}
	if cfg.Token == "" {
		return a, nil
	}

	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		URL:    cfg.APIURL,
		Client: &http.Client{Timeout: cfg.SendTimeout, Transport: normalizingTransport{base: cfg.Transport}},
		// No getMe at startup: the token is validated by the first send.
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	a.bot = b
	a.send = b.Send
	return a, nil
}

// DefaultChat returns the configured fallback destination.
func (a *Adapter) DefaultChat() string { return a.cfg.DefaultChat }

// Resolve returns the destination for a post: its own chat id when set,
// else the default. Credentials are checked first.
func (a *Adapter) Resolve(chatID string) (string, error) {
	if a.bot == nil {
		return "", ErrMissingToken
	}
	if c := strings.TrimSpace(chatID); c != "" {
		return c, nil
	}
	if a.cfg.DefaultChat != "" {
		return a.cfg.DefaultChat, nil
	}
	return "", ErrMissingChat
}

// ResolveImage makes an image reference absolute against the site origin.
func (a *Adapter) ResolveImage(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	if u, err := url.Parse(ref); err == nil && u.IsAbs() && u.Host != "" {
		return ref
	}
	if strings.HasPrefix(ref, "//") {
		return "https:" + ref
	}
	if a.cfg.SiteOrigin == "" {
		return ref
	}
	return a.cfg.SiteOrigin + "/" + strings.TrimLeft(ref, "/")
}

// Wait blocks until the outbound rate limit admits one more send. It is
// separate from Send so callers can pace before committing to a send.
func (a *Adapter) Wait(ctx context.Context) error {
	if a.limiter == nil {
		if cerr := ctx.Err(); cerr != nil {
			return classify(cerr)
		}
		return nil
	}
	if werr := a.limiter.Wait(ctx); werr != nil {
		if cerr := ctx.Err(); cerr != nil {
			return classify(cerr)
		}
		// The limiter refuses waits that would outlast the deadline.
		return &SendError{Code: CodeTimeout, Description: werr.Error(), Err: werr}
	}
	return nil
}

// Send delivers msg to target as a photo with caption when imageRef is set,
// else as a text message with link preview enabled. It does not pace; call
// Wait first.
func (a *Adapter) Send(ctx context.Context, target string, msg composer.Message, imageRef string) (rc Receipt, err error) {
	if a.bot == nil {
		return Receipt{}, ErrMissingToken
	}
	target = strings.TrimSpace(target)
	if target == "" {
		return Receipt{}, ErrMissingChat
	}

	defer func() {
		if r := recover(); r != nil {
			ref := uuid.NewString()
			a.log.Error("telegram send panicked",
				logx.String("ref", ref),
				logx.String("chat", target),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
			rc = Receipt{}
			err = &SendError{Code: CodeInternal, Ref: ref, Description: fmt.Sprint(r)}
		}
	}()

	if cerr := ctx.Err(); cerr != nil {
		return Receipt{}, classify(cerr)
	}

	to := recipient(target)
	var m *tele.Message
	image := a.ResolveImage(imageRef)
	if image != "" {
		caption := FormatHTML(msg, CaptionLimit)
		m, err = a.send(to, &tele.Photo{File: tele.FromURL(image), Caption: caption}, &tele.SendOptions{ParseMode: tele.ModeHTML})
	} else {
		text := FormatHTML(msg, TextLimit)
		m, err = a.send(to, text, &tele.SendOptions{ParseMode: tele.ModeHTML, DisableWebPagePreview: false})
	}
	if err != nil {
		se := classify(err)
		a.log.Warn("telegram send failed",
			logx.String("chat", target),
			logx.String("code", se.Code),
			logx.Int("status", se.HTTPStatus),
			logx.String("desc", se.Description),
		)
		return Receipt{}, se
	}
	if m == nil {
		return Receipt{}, &SendError{Code: CodeMalformed, Description: "empty result"}
	}
	return Receipt{ChatID: target, MessageID: m.ID, Photo: image != ""}, nil
}

// SendLog posts a plain operator log line; it implements logx.Sender.
func (a *Adapter) SendLog(ctx context.Context, chat, text string) error {
	if a.bot == nil {
		return ErrMissingToken
	}
	chat = strings.TrimSpace(chat)
	if chat == "" {
		return ErrMissingChat
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := a.send(recipient(chat), tgui.TruncRunes(text, TextLimit), &tele.SendOptions{DisableWebPagePreview: true})
	if err != nil {
		return classify(err)
	}
	return nil
}

// FormatHTML renders the message as Telegram HTML:
//
//	<b>headline</b>
//
//	body
//
//	link
//
// limit applies to the visible text; the body is shortened first.
func FormatHTML(msg composer.Message, limit int) string {
	headline, body, link := msg.Headline, msg.Body, msg.LinkURL

	visible := func(b string) int {
		parts := 0
		n := 0
		for _, s := range []string{headline, b, link} {
			if s == "" {
				continue
			}
			if parts > 0 {
				n += 2
			}
			n += utf8.RuneCountInString(s)
			parts++
		}
		return n
	}
	if limit > 0 && visible(body) > limit {
		over := visible(body) - limit
		keep := utf8.RuneCountInString(body) - over
		if keep > 1 {
			body = tgui.TruncRunes(body, keep)
		} else {
			body = ""
		}
		if visible(body) > limit {
			headline = tgui.TruncRunes(headline, max(limit-utf8.RuneCountInString(link)-2, 1))
		}
	}

	parts := []tgui.H{}
	if headline != "" {
		parts = append(parts, tgui.B(headline))
	}
	if body != "" {
		parts = append(parts, tgui.Esc(body))
	}
	if link != "" {
		parts = append(parts, tgui.Esc(link))
	}
	return tgui.JoinH("\n\n", parts...).String()
}
