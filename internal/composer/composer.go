// Package composer derives a channel-neutral message (headline, body, link)
// from a post. It applies no destination markup; the channel adapter owns that.
package composer

import (
	"strings"
	"unicode/utf8"

	"postcast/internal/post"
)

const (
	DefaultExcerptMax  = 380
	DefaultExcerptMin  = 300
	DefaultContentPath = "journal"

	Ellipsis = "…"
)

type Config struct {
	BaseURL     string
	ContentPath string
	ExcerptMax  int
	ExcerptMin  int
}

// Message is the structured output handed to the channel adapter.
type Message struct {
	Headline string
	Body     string
	LinkURL  string
}

type Composer struct {
	cfg Config
}

func New(cfg Config) *Composer {
	return &Composer{cfg: normalize(cfg)}
}

func normalize(cfg Config) Config {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	cfg.ContentPath = strings.Trim(strings.TrimSpace(cfg.ContentPath), "/")
	if cfg.ContentPath == "" {
		cfg.ContentPath = DefaultContentPath
	}
	if cfg.ExcerptMax <= 0 {
		cfg.ExcerptMax = DefaultExcerptMax
	}
	if cfg.ExcerptMin <= 0 {
		cfg.ExcerptMin = DefaultExcerptMin
	}
	if cfg.ExcerptMin > cfg.ExcerptMax {
		cfg.ExcerptMin = cfg.ExcerptMax
	}
	return cfg
}

// Compose never fails. A post with no excerpt and no body text yields an
// empty Body.
func (c *Composer) Compose(p post.Post) Message {
	return Message{
		Headline: NormalizeSpace(p.Title),
		Body:     c.Body(p),
		LinkURL:  c.Link(p.Slug),
	}
}

// Body resolves the message body: the author's excerpt verbatim, else text
// derived from HTML, else from Markdown. Derived text is length-capped.
func (c *Composer) Body(p post.Post) string {
	if ex := NormalizeSpace(p.Excerpt); ex != "" {
		return ex
	}
	derived := NormalizeSpace(StripHTML(p.ContentHTML))
	if derived == "" {
		derived = NormalizeSpace(StripMarkdown(p.ContentMD))
	}
	return Truncate(derived, c.cfg.ExcerptMax, c.cfg.ExcerptMin)
}

// Link is {base}/{contentPath}/{slug}. The slug is used as stored.
func (c *Composer) Link(slug string) string {
	return c.cfg.BaseURL + "/" + c.cfg.ContentPath + "/" + strings.TrimSpace(slug)
}

// NormalizeSpace collapses whitespace runs (U+00A0 included) to one space and trims.
func NormalizeSpace(s string) string {
	if s == "" {
		return ""
	}
	return strings.Join(strings.Fields(s), " ")
}

// Truncate caps s at upper runes. The cut lands on the last space at or
// before index upper when that keeps at least lower runes; otherwise it is a
// hard cut at upper. Truncated output ends with Ellipsis.
func Truncate(s string, upper, lower int) string {
	if upper <= 0 || utf8.RuneCountInString(s) <= upper {
		return s
	}
	r := []rune(s)
	cut := upper
	window := r[:upper+1]
	for i := len(window) - 1; i >= 0; i-- {
		if window[i] == ' ' {
			if i >= lower {
				cut = i
			}
			break
		}
	}
	out := strings.TrimRight(string(r[:cut]), " ")
	return out + Ellipsis
}
