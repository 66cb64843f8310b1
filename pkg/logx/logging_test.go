package logx

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeSender struct {
	mu    sync.Mutex
	chats []string
	texts []string
}

func (f *fakeSender) SendLog(_ context.Context, chat, text string) error {
	f.mu.Lock()
	f.chats = append(f.chats, chat)
	f.texts = append(f.texts, text)
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.texts)
}

func TestFormatTelegramLine(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "warn with comp",
			in:   `{"level":"warn","message":"send failed","post_id":7,"comp":"delivery","caller":"service.go:12","time":"x"}`,
			want: "⚠️ WARN delivery: send failed\npost_id=7",
		},
		{
			name: "secrets redacted",
			in:   `{"level":"error","message":"open failed","dsn":"postgres://u:p@h/db"}`,
			want: "🛑 ERROR open failed\ndsn=[redacted]",
		},
		{name: "not json", in: "  not json  ", want: "not json"},
	}
	for _, tc := range cases {
		if got := formatTelegramLine([]byte(tc.in + "\n")); got != tc.want {
			t.Fatalf("%s: got %q want %q", tc.name, got, tc.want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel,
		"":        zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLevel(in, zerolog.InfoLevel); got != want {
			t.Fatalf("parseLevel(%q)=%v want %v", in, got, want)
		}
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	if got := truncate("abc", 10); got != "abc" {
		t.Fatalf("got %q", got)
	}
	if got := truncate(strings.Repeat("x", 20), 12); got != strings.Repeat("x", 9)+"..." {
		t.Fatalf("got %q", got)
	}
	// never leaves half a rune behind
	if got := truncate(strings.Repeat("é", 10), 12); got != strings.Repeat("é", 4)+"..." {
		t.Fatalf("got %q", got)
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()

	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	l.With(String("comp", "x")).Error("nothing happens", Int("n", 1))
	Nop().Warn("still nothing")
}

func TestTelegramSinkRespectsMinLevel(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	svc, log := New(Config{
		Level:    "debug",
		Telegram: TelegramConfig{Enabled: true, MinLevel: "warn", RatePerSec: 50},
	}, sender)
	defer svc.Close()
	svc.SetTelegramTarget(" @ops ")

	log.Info("not forwarded")
	log.Warn("forwarded", String("comp", "test"))

	deadline := time.Now().Add(2 * time.Second)
	for sender.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.texts) != 1 {
		t.Fatalf("expected exactly one forwarded line, got %d: %v", len(sender.texts), sender.texts)
	}
	if sender.chats[0] != "@ops" {
		t.Fatalf("chat=%q", sender.chats[0])
	}
	if sender.texts[0] != "⚠️ WARN test: forwarded" {
		t.Fatalf("text=%q", sender.texts[0])
	}
}
