// Package channeltest runs a fake Telegram Bot API for tests.
package channeltest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

const Token = "123:TEST"

// Call is one recorded API request.
type Call struct {
	Method string
	Params map[string]string
}

// Reply is the raw response for one call. Zero Status means 200.
type Reply struct {
	Status int
	Body   string
	Delay  time.Duration
}

// Server records calls and answers with Handler, or with a success reply.
type Server struct {
	*httptest.Server

	mu      sync.Mutex
	calls   []Call
	nextID  int
	handler func(Call) Reply
}

func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{nextID: 100}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// Handle replaces the responder. Pass nil to restore success replies.
func (s *Server) Handle(fn func(Call) Reply) {
	s.mu.Lock()
	s.handler = fn
	s.mu.Unlock()
}

// FailWith makes every call fail with a Telegram API error.
func (s *Server) FailWith(code int, description string) {
	s.Handle(func(Call) Reply { return Failure(code, description) })
}

func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount counts calls of the given methods (all when empty).
func (s *Server) CallCount(methods ...string) int {
	n := 0
	for _, c := range s.Calls() {
		if len(methods) == 0 {
			n++
			continue
		}
		for _, m := range methods {
			if c.Method == m {
				n++
			}
		}
	}
	return n
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	// /bot<token>/<method>
	path := strings.TrimPrefix(r.URL.Path, "/")
	method := path[strings.LastIndex(path, "/")+1:]
	if !strings.HasPrefix(path, "bot"+Token+"/") {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":401,"description":"Unauthorized"}`))
		return
	}

	params := map[string]string{}
	_ = json.NewDecoder(r.Body).Decode(&params)
	call := Call{Method: method, Params: params}

	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.nextID++
	id := s.nextID
	h := s.handler
	s.mu.Unlock()

	reply := Success(method, params, id)
	if h != nil {
		reply = h(call)
	}
	if reply.Delay > 0 {
		select {
		case <-time.After(reply.Delay):
		case <-r.Context().Done():
			return
		}
	}
	if reply.Status == 0 {
		reply.Status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(reply.Status)
	_, _ = w.Write([]byte(reply.Body))
}

// Success is a well-formed sendMessage/sendPhoto result.
func Success(method string, params map[string]string, messageID int) Reply {
	msg := map[string]any{
		"message_id": messageID,
		"date":       time.Now().Unix(),
		"chat":       map[string]any{"id": -1001, "type": "channel"},
	}
	if method == "sendPhoto" {
		msg["photo"] = []map[string]any{{"file_id": "f1", "file_unique_id": "u1", "width": 640, "height": 480}}
		msg["caption"] = params["caption"]
	} else {
		msg["text"] = params["text"]
	}
	b, _ := json.Marshal(map[string]any{"ok": true, "result": msg})
	return Reply{Body: string(b)}
}

// Failure is a Telegram API error reply.
func Failure(code int, description string) Reply {
	return Reply{Status: code, Body: fmt.Sprintf(`{"ok":false,"error_code":%d,"description":%q}`, code, description)}
}

// Flood is a 429 reply carrying retry_after.
func Flood(retryAfter int) Reply {
	return Reply{Status: 429, Body: fmt.Sprintf(`{"ok":false,"error_code":429,"description":"Too Many Requests: retry after %d","parameters":{"retry_after":%d}}`, retryAfter, retryAfter)}
}
