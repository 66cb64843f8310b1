package tgui

import (
	"context"
	"testing"

	kit "postcast/internal/transport"
)

type captureSender struct {
	text string
	opt  *kit.SendOptions
	to   kit.ChatTarget
}

func (c *captureSender) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) error {
	c.to, c.text, c.opt = to, text, opt
	return nil
}

func TestBuilderEscapes(t *testing.T) {
	t.Parallel()
	msg := New().
		Title("📰", "Post <7>").
		KV("title", "A & B").
		KV("skipped", "").
		KVCode("slug", "a<b").
		Line("").
		Pre("x < y").
		Build()

	want := "📰 <b>Post &lt;7&gt;</b>\n" +
		"• <b>title</b>: A &amp; B\n" +
		"• <b>slug</b>: <code>a&lt;b</code>\n" +
		"\n" +
		"<pre>x &lt; y</pre>"
	if msg.Text != want {
		t.Fatalf("text:\n%s\nwant:\n%s", msg.Text, want)
	}
	if msg.Opt == nil || msg.Opt.ParseMode != "HTML" || !msg.Opt.DisablePreview {
		t.Fatalf("opt = %+v", msg.Opt)
	}
}

func TestMessageSend(t *testing.T) {
	t.Parallel()
	var c captureSender
	to := kit.ChatTarget{ChatID: 42}
	if err := (Message{Text: "hi"}).Send(context.Background(), &c, to); err != nil {
		t.Fatalf("send: %v", err)
	}
	if c.text != "hi" || c.to != to || c.opt == nil || c.opt.ParseMode != "HTML" {
		t.Fatalf("captured %+v", c)
	}
}

func TestTruncRunes(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello", 4, "hel…"},
		{"héllo wörld", 8, "héllo w…"},
		{"wörld", 1, "…"},
		{"abc", 0, ""},
	}
	for _, tc := range cases {
		if got := TruncRunes(tc.in, tc.n); got != tc.want {
			t.Fatalf("TruncRunes(%q, %d) = %q, want %q", tc.in, tc.n, got, tc.want)
		}
	}
}
