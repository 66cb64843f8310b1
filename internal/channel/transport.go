package channel

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

const maxResponseBytes = 1 << 20

// normalizingTransport rewrites responses that are not Telegram API JSON
// (proxy error pages, truncated bodies) into a Telegram-shaped failure so
// the bot library surfaces them as ordinary API errors.
type normalizingTransport struct {
	base http.RoundTripper
}

func (t normalizingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	resp, err := base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	_ = resp.Body.Close()
	if err != nil {
		return nil, err
	}

	var probe struct {
		OK *bool `json:"ok"`
	}
	validAPI := json.Unmarshal(body, &probe) == nil && probe.OK != nil

	switch {
	case validAPI:
	case resp.StatusCode/100 != 2:
		body = syntheticFailure(resp.StatusCode, "http_"+strconv.Itoa(resp.StatusCode))
	default:
		body = syntheticFailure(http.StatusBadGateway, CodeMalformed)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.Header.Del("Content-Length")
	return resp, nil
}

func syntheticFailure(status int, desc string) []byte {
	return fmt.Appendf(nil, `{"ok":false,"error_code":%d,"description":%q}`, status, desc)
}
