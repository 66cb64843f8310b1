package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"postcast/internal/channel"
	"postcast/internal/channel/channeltest"
	"postcast/internal/composer"
	"postcast/internal/control"
	"postcast/internal/delivery"
	"postcast/internal/lock"
	"postcast/internal/post"
	"postcast/internal/publisher"
	"postcast/internal/storage"
	"postcast/internal/task/scheduler"
	logx "postcast/pkg/logx"
)

const testToken = "s3cret"

type fixture struct {
	store *storage.SQLStore
	tg    *channeltest.Server
	api   *httptest.Server
	scan  *fakeScanner
}

type fakeScanner struct {
	err error
	n   int
}

func (f *fakeScanner) RunOnce(context.Context) (publisher.ScanReport, error) {
	f.n++
	return publisher.ScanReport{Due: 2, Sent: 2}, f.err
}

func newFixture(t *testing.T, defaultChat string) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := storage.Open(ctx, storage.Config{Path: filepath.Join(t.TempDir(), "h.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	tg := channeltest.NewServer(t)
	ad, err := channel.New(channel.Config{
		Token:       channeltest.Token,
		APIURL:      tg.URL,
		DefaultChat: defaultChat,
		SiteOrigin:  "https://example.com",
		SendTimeout: 2 * time.Second,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("channel: %v", err)
	}
	comp := composer.New(composer.Config{BaseURL: "https://example.com"})
	pub := delivery.New(st, ad, comp, lock.NewLocal(), nil, logx.Nop())
	ctl := control.New(st, pub, nil, logx.Nop())
	sched := scheduler.New(scheduler.Config{Enabled: true, Timezone: "UTC"}, nil, logx.Nop(), nil)
	scan := &fakeScanner{}

	h := NewRouter(Config{Token: testToken, Pprof: true}, Deps{
		Control:   ctl,
		Scanner:   scan,
		Scheduler: sched,
		DB:        st,
		Log:       logx.Nop(),
	})
	api := httptest.NewServer(h)
	t.Cleanup(api.Close)
	return &fixture{store: st, tg: tg, api: api, scan: scan}
}

func (f *fixture) insert(t *testing.T, slug string, d post.Delivery) int64 {
	t.Helper()
	id, err := f.store.InsertPost(context.Background(), post.Post{
		Slug:     slug,
		Title:    "Septic Guide",
		Excerpt:  "How to look after a septic tank.",
		Delivery: d,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	return id
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != "" {
		rd = bytes.NewReader([]byte(body))
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.api.URL+path, rd)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("X-Actor", "ops")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func errCode(m map[string]any) string {
	e, _ := m["error"].(map[string]any)
	c, _ := e["code"].(string)
	return c
}

func path(id int64, action string) string {
	p := "/api/posts/" + strconv.FormatInt(id, 10)
	if action != "" {
		p += "/telegram/" + action
	}
	return p
}

func TestAuth(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "@channel")

	resp, err := http.Get(f.api.URL + "/api/posts")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status=%d want 401", resp.StatusCode)
	}

	resp, err = http.Get(f.api.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("X-Request-Id") == "" {
		t.Fatalf("healthz status=%d", resp.StatusCode)
	}
}

func TestScheduleFlow(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "@channel")
	id := f.insert(t, "septic-guide", post.Delivery{})

	code, body := f.do(t, http.MethodPost, path(id, "schedule"), `{"publish_at":"2030-01-02T10:00:00Z","chat_id":"@news_channel"}`)
	if code != http.StatusOK || body["changed"] != true {
		t.Fatalf("schedule code=%d body=%v", code, body)
	}
	p := body["post"].(map[string]any)
	if p["tg_status"] != "pending" || p["tg_chat_id"] != "@news_channel" || p["tg_publish_at"] != "2030-01-02T10:00:00Z" {
		t.Fatalf("post=%v", p)
	}

	code, body = f.do(t, http.MethodPost, path(id, "schedule"), `{"publish_at":"2030-01-02T10:00:00Z","chat_id":"@news_channel"}`)
	if code != http.StatusOK || body["changed"] != false {
		t.Fatalf("repeat schedule code=%d body=%v", code, body)
	}

	code, body = f.do(t, http.MethodPost, path(id, "cancel"), "")
	if code != http.StatusOK || body["post"].(map[string]any)["tg_publish_at"] != nil {
		t.Fatalf("cancel code=%d body=%v", code, body)
	}

	code, body = f.do(t, http.MethodGet, path(id, "")+"/audit", "")
	entries, _ := body["entries"].([]any)
	if code != http.StatusOK || len(entries) != 2 {
		t.Fatalf("audit code=%d body=%v", code, body)
	}
	if e := entries[0].(map[string]any); e["actor"] != "ops" || e["action"] != "cancel" {
		t.Fatalf("entry=%v", e)
	}
}

func TestScheduleWithoutPublishAt(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "@channel")
	at := time.Date(2030, 1, 2, 10, 0, 0, 0, time.UTC)
	failed := f.insert(t, "failed", post.Delivery{Status: post.StatusError, PublishAt: post.TimePtr(at), Error: "chat_not_found"})
	fresh := f.insert(t, "fresh", post.Delivery{})

	code, body := f.do(t, http.MethodPost, path(failed, "schedule"), `{"force_resend":true}`)
	if code != http.StatusOK || body["changed"] != true {
		t.Fatalf("force code=%d body=%v", code, body)
	}
	p := body["post"].(map[string]any)
	if p["tg_status"] != "pending" || p["tg_error"] != nil || p["tg_publish_at"] != "2030-01-02T10:00:00Z" {
		t.Fatalf("post=%v", p)
	}

	code, body = f.do(t, http.MethodPost, path(fresh, "schedule"), `{"chat_id":"@news_channel"}`)
	if code != http.StatusOK || body["changed"] != true {
		t.Fatalf("chat code=%d body=%v", code, body)
	}
	p = body["post"].(map[string]any)
	if p["tg_status"] != "pending" || p["tg_chat_id"] != "@news_channel" || p["tg_publish_at"] != nil {
		t.Fatalf("post=%v", p)
	}
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "@channel")
	sent := f.insert(t, "sent", post.Delivery{Status: post.StatusSent, PostedAt: post.TimePtr(time.Now())})

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{"bad id", http.MethodGet, "/api/posts/abc", "", 400, "invalid_id"},
		{"missing post", http.MethodGet, "/api/posts/999", "", 404, "post_not_found"},
		{"long publish_at", http.MethodPost, path(sent, "schedule"), `{"publish_at":"` + strings.Repeat("9", 65) + `"}`, 400, "invalid_request"},
		{"reset sent", http.MethodPost, path(sent, "reset"), "", 409, "already_sent"},
		{"bad publish_at", http.MethodPost, path(sent, "schedule"), `{"publish_at":"someday"}`, 400, "invalid_publish_at"},
		{"unknown field", http.MethodPost, path(sent, "schedule"), `{"publish_at":"+1h","when":1}`, 400, "invalid_body"},
		{"bad chat", http.MethodPost, path(sent, "schedule"), `{"publish_at":"+1h","chat_id":"nope nope"}`, 400, "invalid_request"},
		{"cancel sent", http.MethodPost, path(sent, "cancel"), "", 409, "already_sent"},
		{"publish sent", http.MethodPost, path(sent, "publish"), "", 409, "already_sent"},
		{"bad status filter", http.MethodGet, "/api/posts?status=in_flight", "", 400, "invalid_query"},
		{"bad limit", http.MethodGet, "/api/posts?limit=ten", "", 400, "invalid_query"},
		{"no route", http.MethodGet, "/api/nothing", "", 404, "route_not_found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, body := f.do(t, tc.method, tc.path, tc.body)
			if code != tc.status || errCode(body) != tc.code {
				t.Fatalf("code=%d body=%v want %d/%s", code, body, tc.status, tc.code)
			}
		})
	}
}

func TestPublishEndpoint(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "@channel")
	id := f.insert(t, "septic-guide", post.Delivery{})

	code, body := f.do(t, http.MethodPost, path(id, "publish"), "")
	if code != http.StatusOK {
		t.Fatalf("publish code=%d body=%v", code, body)
	}
	if r := body["result"].(map[string]any); r["status"] != "sent" {
		t.Fatalf("result=%v", r)
	}

	code, _ = f.do(t, http.MethodPost, path(id, "publish")+"?force=true", "")
	if code != http.StatusOK || f.tg.CallCount() != 2 {
		t.Fatalf("forced publish code=%d calls=%d", code, f.tg.CallCount())
	}

	f.tg.FailWith(400, "Bad Request: chat not found")
	code, body = f.do(t, http.MethodPost, path(id, "publish"), `{"force":true}`)
	if code != http.StatusBadGateway || errCode(body) != "chat_not_found" {
		t.Fatalf("failed publish code=%d body=%v", code, body)
	}
	if p := body["post"].(map[string]any); p["tg_status"] != "error" {
		t.Fatalf("post=%v", p)
	}

	code, body = f.do(t, http.MethodPost, path(id, "reset"), "")
	if code != http.StatusOK || body["post"].(map[string]any)["tg_error"] != nil {
		t.Fatalf("reset code=%d body=%v", code, body)
	}
}

func TestPublishPrecondition(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	id := f.insert(t, "septic-guide", post.Delivery{})

	code, body := f.do(t, http.MethodPost, path(id, "publish"), "")
	if code != http.StatusPreconditionFailed || errCode(body) != "missing_tg_chat" {
		t.Fatalf("code=%d body=%v", code, body)
	}
}

func TestListPosts(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "@channel")
	at := time.Date(2030, 1, 2, 10, 0, 0, 0, time.UTC)
	f.insert(t, "septic-guide", post.Delivery{Status: post.StatusPending, PublishAt: post.TimePtr(at)})
	f.insert(t, "drain-care", post.Delivery{Status: post.StatusError, Error: "timeout"})
	f.insert(t, "draft", post.Delivery{})

	for _, tc := range []struct {
		query string
		want  int
	}{
		{"", 3},
		{"?status=pending", 1},
		{"?status=null", 1},
		{"?q=drain", 1},
		{"?from=2030-01-01&to=2030-01-03", 1},
		{"?limit=2", 2},
	} {
		code, body := f.do(t, http.MethodGet, "/api/posts"+tc.query, "")
		if code != http.StatusOK || body["count"] != float64(tc.want) {
			t.Fatalf("%q: code=%d body=%v", tc.query, code, body)
		}
	}
}

func TestScanAndScheduler(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "@channel")

	code, body := f.do(t, http.MethodPost, "/api/scan", "")
	if code != http.StatusOK || body["sent"] != float64(2) || f.scan.n != 1 {
		t.Fatalf("scan code=%d body=%v", code, body)
	}
	f.scan.err = publisher.ErrScanBusy
	if code, body = f.do(t, http.MethodPost, "/api/scan", ""); code != http.StatusConflict || errCode(body) != "scan_busy" {
		t.Fatalf("busy scan code=%d body=%v", code, body)
	}

	code, body = f.do(t, http.MethodGet, "/api/scheduler", "")
	if code != http.StatusOK || body["timezone"] != "UTC" {
		t.Fatalf("scheduler code=%d body=%v", code, body)
	}

	code, _ = f.do(t, http.MethodGet, "/debug/pprof/", "")
	if code != http.StatusOK {
		t.Fatalf("pprof code=%d", code)
	}
}

func TestServerLifecycle(t *testing.T) {
	t.Parallel()
	srv := NewServer(Config{Enabled: true, Addr: "127.0.0.1:0"}, Deps{}, logx.Nop())
	ctx := context.Background()
	srv.Start(ctx)
	defer srv.Stop(ctx)

	var addr string
	for i := 0; i < 100 && addr == ""; i++ {
		time.Sleep(10 * time.Millisecond)
		addr = srv.Addr()
	}
	if addr == "" {
		t.Fatalf("server did not start")
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}

	srv.Reconfigure(ctx, Config{Enabled: false})
	if srv.Supervisor() != nil {
		t.Fatalf("server still running after disable")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	for addr, want := range map[string]bool{
		"127.0.0.1:8080": true,
		"localhost:80":   true,
		"[::1]:9000":     true,
		":8080":          false,
		"0.0.0.0:8080":   false,
		"10.0.0.5:8080":  false,
	} {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q)=%v want %v", addr, got, want)
		}
	}
	if !strings.HasPrefix(DefaultAddr, "127.0.0.1") {
		t.Fatalf("default addr should be loopback")
	}
}
