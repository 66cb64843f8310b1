// Package tgui provides small helpers for Telegram HTML text:
//   - escaping and tag helpers (H, Esc, B, Code, Link)
//   - rune-safe truncation
//   - a reply builder used by the operator commands
package tgui
