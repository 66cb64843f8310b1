package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

// Precondition failures. They never reach the network.
var (
	ErrMissingToken = errors.New("missing_tg_token")
	ErrMissingChat  = errors.New("missing_tg_chat")
)

const (
	CodeTimeout           = "timeout"
	CodeTransport         = "transport_error"
	CodeMalformed         = "malformed_response"
	CodeRateLimited       = "rate_limited"
	CodeInternal          = "internal_error"
	CodeCanceled          = "canceled"
	CodeTelegramUndefined = "telegram_error"
)

// SendError is a normalized delivery failure.
type SendError struct {
	Code        string        // short snake_case, stored on the post
	Description string        // raw upstream text, for logs
	HTTPStatus  int           // upstream error_code when known
	RetryAfter  time.Duration // rate limiting hint
	Ref         string        // correlation id for internal errors
	Err         error
}

func (e *SendError) Error() string {
	if e.Ref != "" {
		return fmt.Sprintf("%s (ref=%s)", e.Code, e.Ref)
	}
	return e.Code
}

func (e *SendError) Unwrap() error { return e.Err }

// Temporary reports whether a later attempt may succeed without operator action.
func (e *SendError) Temporary() bool {
	switch e.Code {
	case CodeTimeout, CodeTransport, CodeRateLimited, CodeMalformed:
		return true
	}
	return strings.HasPrefix(e.Code, "http_5")
}

// telebot formats unknown API errors as "telegram: <description> (<code>)".
var reTelegramErr = regexp.MustCompile(`^telegram: (.*) \((\d+)\)$`)

var knownDescriptions = []struct {
	match string
	code  string
}{
	{"chat not found", "chat_not_found"},
	{"bot was blocked by the user", "bot_blocked"},
	{"bot was kicked", "bot_kicked"},
	{"bot is not a member", "bot_not_member"},
	{"need administrator rights", "not_enough_rights"},
	{"not enough rights", "not_enough_rights"},
	{"have no rights to send", "not_enough_rights"},
	{"chat_write_forbidden", "not_enough_rights"},
	{"user is deactivated", "user_deactivated"},
	{"message is too long", "message_too_long"},
	{"message caption is too long", "caption_too_long"},
	{"can't parse entities", "bad_markup"},
	{"wrong file identifier/http url specified", "bad_image"},
	{"failed to get http url content", "bad_image"},
	{"wrong type of the web page content", "bad_image"},
	{"photo_invalid_dimensions", "bad_image"},
	{"unauthorized", "unauthorized"},
	{"not found", "not_found"},
	{"too many requests", CodeRateLimited},
}

var reNonCode = regexp.MustCompile(`[^a-z0-9]+`)

// codeFromDescription maps a Telegram description to a short code. Unknown
// descriptions are snake_cased with their "Bad Request:"-style prefix dropped.
func codeFromDescription(desc string, status int) string {
	low := strings.ToLower(strings.TrimSpace(desc))
	if strings.HasPrefix(low, "http_") || low == CodeMalformed {
		return low
	}
	for _, k := range knownDescriptions {
		if strings.Contains(low, k.match) {
			return k.code
		}
	}
	if i := strings.Index(low, ":"); i >= 0 && i < 20 {
		low = low[i+1:]
	}
	code := strings.Trim(reNonCode.ReplaceAllString(low, "_"), "_")
	if len(code) > 48 {
		code = strings.TrimRight(code[:48], "_")
	}
	if code == "" {
		if status > 0 {
			return "http_" + strconv.Itoa(status)
		}
		return CodeTelegramUndefined
	}
	return code
}

// classify normalizes any error coming out of telebot or the HTTP client.
func classify(err error) *SendError {
	if err == nil {
		return nil
	}
	var se *SendError
	if errors.As(err, &se) {
		return se
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &SendError{Code: CodeRateLimited, Description: flood.Error(), HTTPStatus: 429, RetryAfter: time.Duration(flood.RetryAfter) * time.Second, Err: err}
	}
	var floodPtr *tele.FloodError
	if errors.As(err, &floodPtr) && floodPtr != nil {
		return &SendError{Code: CodeRateLimited, Description: floodPtr.Error(), HTTPStatus: 429, RetryAfter: time.Duration(floodPtr.RetryAfter) * time.Second, Err: err}
	}

	var te *tele.Error
	if errors.As(err, &te) && te != nil {
		return &SendError{Code: codeFromDescription(te.Description, te.Code), Description: te.Description, HTTPStatus: te.Code, Err: err}
	}

	if m := reTelegramErr.FindStringSubmatch(err.Error()); m != nil {
		status, _ := strconv.Atoi(m[2])
		return &SendError{Code: codeFromDescription(m[1], status), Description: m[1], HTTPStatus: status, Err: err}
	}

	if errors.Is(err, context.Canceled) {
		return &SendError{Code: CodeCanceled, Description: err.Error(), Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return &SendError{Code: CodeTimeout, Description: err.Error(), Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &SendError{Code: CodeTimeout, Description: err.Error(), Err: err}
	}

	var syn *json.SyntaxError
	var typ *json.UnmarshalTypeError
	if errors.As(err, &syn) || errors.As(err, &typ) {
		return &SendError{Code: CodeMalformed, Description: err.Error(), Err: err}
	}
	return &SendError{Code: CodeTransport, Description: err.Error(), Err: err}
}
