package router

import (
	"strings"
	"unicode"

	kit "postcast/internal/transport"
	"postcast/pkg/tgui"
)

// sanitizeCommand converts a name into a Telegram bot command, which is
// restricted to [a-z0-9_]{1,32}.
func sanitizeCommand(s string) string {
	s = strings.TrimSpace(strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "/")))
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	lastUnderscore := false
	for _, r := range s {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastUnderscore = false
		case r == '_' || r == '-' || r == '/' || unicode.IsSpace(r):
			if b.Len() > 0 && !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "_")
	if len(out) > 32 {
		out = strings.TrimRight(out[:32], "_")
	}
	if out != "" && out[0] >= '0' && out[0] <= '9' {
		out = "cmd_" + out
		if len(out) > 32 {
			out = strings.TrimRight(out[:32], "_")
		}
	}
	return out
}

// MenuCommands lists the registered commands for the client menu, owner
// commands marked with a lock.
func (m *Manager) MenuCommands() []kit.BotCommand {
	cmds := m.commands()
	out := make([]kit.BotCommand, 0, len(cmds))
	for _, c := range cmds {
		desc := strings.ReplaceAll(strings.TrimSpace(c.Description), "\n", " ")
		if desc == "" {
			desc = c.Name
		}
		if c.Access == AccessOwnerOnly {
			desc = "🔒 " + desc
		}
		out = append(out, kit.BotCommand{Command: c.Name, Description: tgui.TruncRunes(desc, 256)})
		if len(out) >= 100 {
			break
		}
	}
	return out
}

func (m *Manager) helpMessage(args []string) tgui.Message {
	if len(args) > 0 {
		word := sanitizeCommand(args[0])
		c, ok := m.lookup(word)
		if !ok {
			return tgui.New().Line("unknown command " + args[0] + ", try /help").Build()
		}
		b := tgui.New().Title("", "/"+c.Name)
		if c.Description != "" {
			b.Line(c.Description)
		}
		b.KVCode("usage", c.Usage)
		if len(c.Aliases) > 0 {
			b.KV("aliases", "/"+strings.Join(c.Aliases, ", /"))
		}
		if c.Access == AccessOwnerOnly {
			b.Line("🔒 owner only")
		}
		return b.Build()
	}

	b := tgui.New().Title("📚", "Commands")
	for _, c := range m.commands() {
		line := tgui.JoinH(" ", tgui.Code("/"+c.Name), tgui.Esc(c.Description))
		if c.Access == AccessOwnerOnly {
			line = tgui.JoinH(" ", line, tgui.Raw("🔒"))
		}
		b.RawLine(line)
	}
	return b.Blank().Line("/help <command> for details").Build()
}
