package adapter

import (
	"strings"

	tele "gopkg.in/telebot.v4"
)

// textLimit stays under Telegram's 4096-character message cap.
const textLimit = 4000

// splitText breaks s into chunks of at most limit runes. A chunk ends after
// its last newline when that is past the first third of the chunk, and in
// HTML mode it never ends inside a tag.
func splitText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	html := strings.EqualFold(parseMode, tele.ModeHTML)

	var out []string
	for len(rs) > 0 {
		n := len(rs)
		if n > limit {
			n = cutAt(rs[:limit], html)
		}
		if part := strings.TrimRight(string(rs[:n]), "\n"); part != "" {
			out = append(out, part)
		}
		rs = rs[n:]
		for len(rs) > 0 && rs[0] == '\n' {
			rs = rs[1:]
		}
	}
	return out
}

func cutAt(window []rune, html bool) int {
	n := len(window)
	if nl := lastRune(window, '\n'); nl > len(window)/3 {
		n = nl + 1
	}
	if html {
		if lt := lastRune(window[:n], '<'); lt > 1 && lt > lastRune(window[:n], '>') {
			n = lt
		}
	}
	return n
}

func lastRune(rs []rune, r rune) int {
	for i := len(rs) - 1; i >= 0; i-- {
		if rs[i] == r {
			return i
		}
	}
	return -1
}
