// Package logx is postcast's structured logging on top of zerolog.
//
// Console output is human-readable with a short caller, the optional file
// sink is JSON, and the optional Telegram sink forwards WARN and above to
// the operator log chat under a rate limit, with secret-looking keys
// redacted.
package logx
