package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	telegramQueue   = 256
	telegramTimeout = 10 * time.Second
	telegramMaxLen  = 3500
)

// Keys never forwarded to a chat, even if a caller logs them by mistake.
var redactedKeys = map[string]bool{
	"token": true, "dsn": true, "password": true, "authorization": true,
}

// telegramSink is a zerolog LevelWriter that queues formatted lines for a
// background sender. Writes never block; lines over the rate or queue limit
// are dropped.
type telegramSink struct {
	sender Sender
	queue  chan telegramLine

	mu      sync.Mutex
	chat    string
	min     zerolog.Level
	limiter *rate.Limiter
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type telegramLine struct {
	chat string
	text string
}

func newTelegramSink(sender Sender) *telegramSink {
	return &telegramSink{sender: sender, queue: make(chan telegramLine, telegramQueue), min: zerolog.WarnLevel}
}

func (t *telegramSink) setChat(chat string) {
	t.mu.Lock()
	t.chat = strings.TrimSpace(chat)
	t.mu.Unlock()
}

func (t *telegramSink) chatID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.chat
}

// configure also starts the sender goroutine on first use.
func (t *telegramSink) configure(min zerolog.Level, lim *rate.Limiter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.min, t.limiter = min, lim
	if t.cancel != nil || t.sender == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.run(ctx)
	}()
}

func (t *telegramSink) stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
		t.wg.Wait()
	}
}

func (t *telegramSink) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ln := <-t.queue:
			sctx, cancel := context.WithTimeout(ctx, telegramTimeout)
			_ = t.sender.SendLog(sctx, ln.chat, ln.text)
			cancel()
		}
	}
}

func (t *telegramSink) Write(p []byte) (int, error) { return t.WriteLevel(zerolog.NoLevel, p) }

func (t *telegramSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	t.mu.Lock()
	chat, min, lim, running := t.chat, t.min, t.limiter, t.cancel != nil
	t.mu.Unlock()

	if !running || chat == "" || level < min || level == zerolog.NoLevel || lim == nil || !lim.Allow() {
		return len(p), nil
	}
	if text := formatTelegramLine(p); text != "" {
		select {
		case t.queue <- telegramLine{chat: chat, text: text}:
		default:
		}
	}
	return len(p), nil
}

var levelMarks = map[string]string{"warn": "⚠️", "error": "🛑", "fatal": "🛑", "panic": "🛑"}

// formatTelegramLine renders a zerolog JSON line as
//
//	⚠️ WARN delivery: send failed
//	post_id=7
//
// Caller and timestamp are dropped; the chat shows its own time.
func formatTelegramLine(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(p), &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), telegramMaxLen)
	}

	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)
	comp, _ := m["comp"].(string)

	var b strings.Builder
	if mark := levelMarks[lvl]; mark != "" {
		b.WriteString(mark + " ")
	}
	if lvl != "" {
		b.WriteString(strings.ToUpper(lvl) + " ")
	}
	if comp != "" {
		b.WriteString(comp + ": ")
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message", "comp", zerolog.CallerFieldName:
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := fmt.Sprint(m[k])
		switch {
		case redactedKeys[strings.ToLower(k)]:
			v = "[redacted]"
		case k == "stack":
			b.WriteString("\nstack:\n" + truncate(v, 900))
			continue
		}
		b.WriteString("\n" + k + "=" + truncate(v, 600))
	}
	return truncate(b.String(), telegramMaxLen)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return strings.ToValidUTF8(s[:n], "")
	}
	return strings.ToValidUTF8(s[:n-3], "") + "..."
}
