package delivery

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"postcast/internal/channel"
	"postcast/internal/channel/channeltest"
	"postcast/internal/composer"
	"postcast/internal/eventbus"
	"postcast/internal/lock"
	"postcast/internal/post"
	"postcast/internal/storage"
	logx "postcast/pkg/logx"
)

type fixture struct {
	store *storage.SQLStore
	srv   *channeltest.Server
	svc   *Service
	bus   eventbus.Bus
}

func newFixture(t *testing.T, defaultChat string) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := storage.Open(ctx, storage.Config{Path: filepath.Join(t.TempDir(), "d.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	srv := channeltest.NewServer(t)
	ad, err := channel.New(channel.Config{
		Token:       channeltest.Token,
		APIURL:      srv.URL,
		DefaultChat: defaultChat,
		SiteOrigin:  "https://example.com",
		SendTimeout: 2 * time.Second,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("channel: %v", err)
	}
	bus := eventbus.New()
	comp := composer.New(composer.Config{BaseURL: "https://example.com"})
	return &fixture{store: st, srv: srv, bus: bus, svc: New(st, ad, comp, lock.NewLocal(), bus, logx.Nop())}
}

func (f *fixture) insert(t *testing.T, p post.Post) int64 {
	t.Helper()
	id, err := f.store.InsertPost(context.Background(), p)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	return id
}

func (f *fixture) get(t *testing.T, id int64) post.Post {
	t.Helper()
	p, err := f.store.GetPost(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := p.Delivery.CheckInvariants(); err != nil {
		t.Fatalf("invariant: %v", err)
	}
	return p
}

func septicGuide(status post.Status, publishAt time.Time) post.Post {
	return post.Post{
		Slug:        "septic-guide",
		Title:       "Septic Guide",
		ContentHTML: strings.Repeat("<p>Word </p>", 100),
		Delivery:    post.Delivery{Status: status, PublishAt: post.TimePtr(publishAt)},
	}
}

func TestAttemptScheduledSuccess(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "@channel")
	id := f.insert(t, septicGuide(post.StatusPending, time.Now().Add(-time.Hour)))
	events, unsub := eventbus.SubscribePrefix(f.bus, 4, "delivery.")
	defer unsub()

	res, err := f.svc.Attempt(context.Background(), id, ModeAuto)
	if err != nil {
		t.Fatalf("Attempt: %v", err)
	}
	if res.Status != post.StatusSent || res.MessageID == 0 || res.Target != "@channel" || res.Attempts != 1 {
		t.Fatalf("result=%+v", res)
	}

	calls := f.srv.Calls()
	if len(calls) != 1 || calls[0].Method != "sendMessage" {
		t.Fatalf("calls=%+v", calls)
	}
	text := calls[0].Params["text"]
	if !strings.Contains(text, "Septic Guide") || !strings.Contains(text, "https://example.com/journal/septic-guide") {
		t.Fatalf("text=%q", text)
	}
	body := strings.Split(text, "\n\n")[1]
	if !strings.HasSuffix(body, composer.Ellipsis) || utf8.RuneCountInString(strings.TrimSuffix(body, composer.Ellipsis)) > composer.DefaultExcerptMax {
		t.Fatalf("body=%q", body)
	}

	p := f.get(t, id)
	d := p.Delivery
	if d.Status != post.StatusSent || d.PostedAt == nil || d.Error != "" || d.ClaimToken != "" || d.Attempts != 1 {
		t.Fatalf("delivery=%+v", d)
	}

	select {
	case ev := <-events:
		if ev.Type != eventbus.DeliverySent {
			t.Fatalf("event=%s", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("no delivery event")
	}
}

func TestAttemptChatNotFound(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "@channel")
	f.srv.FailWith(400, "Bad Request: chat not found")
	publishAt := time.Now().Add(-time.Hour)
	id := f.insert(t, septicGuide(post.StatusPending, publishAt))

	res, err := f.svc.Attempt(context.Background(), id, ModeAuto)
	var failed *FailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected FailedError, got %v", err)
	}
	var se *channel.SendError
	if !errors.As(err, &se) || se.Code != "chat_not_found" {
		t.Fatalf("send error=%v", err)
	}
	if res.Status != post.StatusError {
		t.Fatalf("result=%+v", res)
	}

	d := f.get(t, id).Delivery
	if d.Status != post.StatusError || !strings.Contains(d.Error, "chat_not_found") || d.PostedAt != nil {
		t.Fatalf("delivery=%+v", d)
	}
	if d.PublishAt == nil || !d.PublishAt.Equal(*post.TimePtr(publishAt)) {
		t.Fatalf("publish_at must be kept: %v", d.PublishAt)
	}
}

func TestPublishNowRejectsSent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "@channel")
	posted := time.Now().Add(-time.Hour)
	p := septicGuide(post.StatusSent, posted)
	p.Delivery.PostedAt = post.TimePtr(posted)
	id := f.insert(t, p)

	if _, err := f.svc.Attempt(context.Background(), id, ModeManual); !errors.Is(err, ErrAlreadySent) {
		t.Fatalf("err=%v", err)
	}
	d := f.get(t, id).Delivery
	if d.Status != post.StatusSent || d.PostedAt == nil || !d.PostedAt.Equal(*post.TimePtr(posted)) {
		t.Fatalf("sent post mutated: %+v", d)
	}
	if f.srv.CallCount() != 0 {
		t.Fatalf("conflict reached the API")
	}

	// Force resends.
	if _, err := f.svc.Attempt(context.Background(), id, ModeForce); err != nil {
		t.Fatalf("force: %v", err)
	}
	d = f.get(t, id).Delivery
	if d.Status != post.StatusSent || d.PostedAt.Equal(*post.TimePtr(posted)) || d.Attempts != 1 {
		t.Fatalf("forced delivery=%+v", d)
	}
}

func TestPublishNowUnscheduled(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "@channel")
	id := f.insert(t, post.Post{Slug: "a", Title: "A", Excerpt: "short", CoverImage: "/img/a.png"})

	if _, err := f.svc.Attempt(context.Background(), id, ModeAuto); !errors.Is(err, ErrNotPending) {
		t.Fatalf("auto on unscheduled: %v", err)
	}
	res, err := f.svc.Attempt(context.Background(), id, ModeManual)
	if err != nil || res.Status != post.StatusSent {
		t.Fatalf("manual: %+v %v", res, err)
	}
	if c := f.srv.Calls()[0]; c.Method != "sendPhoto" || c.Params["photo"] != "https://example.com/img/a.png" {
		t.Fatalf("call=%+v", c)
	}
	if d := f.get(t, id).Delivery; d.PublishAt != nil || d.Status != post.StatusSent {
		t.Fatalf("delivery=%+v", d)
	}
}

func TestAttemptPreconditions(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	id := f.insert(t, septicGuide(post.StatusPending, time.Now().Add(-time.Hour)))

	_, err := f.svc.Attempt(context.Background(), id, ModeAuto)
	if !errors.Is(err, channel.ErrMissingChat) || !IsPrecondition(err) {
		t.Fatalf("err=%v", err)
	}
	if d := f.get(t, id).Delivery; d.Status != post.StatusPending || d.Attempts != 0 {
		t.Fatalf("precondition mutated state: %+v", d)
	}
	if _, err := f.svc.Attempt(context.Background(), id+1, ModeManual); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("missing post: %v", err)
	}
	if f.srv.CallCount() != 0 {
		t.Fatalf("preconditions reached the API")
	}
}

func TestConcurrentScheduledAndManualSendOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "@channel")
	f.srv.Handle(func(c channeltest.Call) channeltest.Reply {
		r := channeltest.Success(c.Method, c.Params, 7)
		r.Delay = 200 * time.Millisecond
		return r
	})
	id := f.insert(t, septicGuide(post.StatusPending, time.Now().Add(-time.Minute)))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, mode := range []Mode{ModeAuto, ModeManual} {
		wg.Add(1)
		go func(i int, mode Mode) {
			defer wg.Done()
			_, errs[i] = f.svc.Attempt(context.Background(), id, mode)
		}(i, mode)
	}
	wg.Wait()

	if n := f.srv.CallCount(); n != 1 {
		t.Fatalf("send calls=%d (errs=%v)", n, errs)
	}
	ok := 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrConflict):
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("winners=%d errs=%v", ok, errs)
	}
	if d := f.get(t, id).Delivery; d.Status != post.StatusSent || d.Attempts != 1 {
		t.Fatalf("delivery=%+v", d)
	}
}

func TestAttemptRespectsExistingLock(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "@channel")
	id := f.insert(t, septicGuide(post.StatusPending, time.Now().Add(-time.Minute)))

	locker := lock.NewLocal()
	f.svc.locker = locker
	lease, err := locker.TryLock(context.Background(), "post:"+strconv.FormatInt(id, 10), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer lease.Release(context.Background())

	if _, err := f.svc.Attempt(context.Background(), id, ModeAuto); !errors.Is(err, ErrInFlight) {
		t.Fatalf("err=%v", err)
	}
	if d := f.get(t, id).Delivery; d.Status != post.StatusPending || d.Attempts != 0 {
		t.Fatalf("delivery=%+v", d)
	}
}

func TestAttemptRateWaitLeavesStateOnTimeout(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "@channel")
	ad, err := channel.New(channel.Config{
		Token:       channeltest.Token,
		APIURL:      f.srv.URL,
		DefaultChat: "@channel",
		SendTimeout: 2 * time.Second,
		RatePerSec:  0.001,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("channel: %v", err)
	}
	f.svc.sender = ad
	first := f.insert(t, septicGuide(post.StatusPending, time.Now().Add(-time.Hour)))
	p := septicGuide(post.StatusPending, time.Now().Add(-time.Hour))
	p.Slug = "drain-care"
	second := f.insert(t, p)

	if _, err := f.svc.Attempt(context.Background(), first, ModeAuto); err != nil {
		t.Fatalf("first: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = f.svc.Attempt(ctx, second, ModeAuto)
	var se *channel.SendError
	if !errors.As(err, &se) || se.Code != channel.CodeTimeout {
		t.Fatalf("err=%v", err)
	}
	var failed *FailedError
	if errors.As(err, &failed) {
		t.Fatalf("a queued attempt was recorded as failed")
	}
	if d := f.get(t, second).Delivery; d.Status != post.StatusPending || d.Attempts != 0 || d.ClaimToken != "" || d.Error != "" {
		t.Fatalf("delivery=%+v", d)
	}
	if n := f.srv.CallCount(); n != 1 {
		t.Fatalf("calls=%d", n)
	}
}

// changingStore applies change to the stored post once, right after the
// attempt has read it.
type changingStore struct {
	*storage.SQLStore
	once   *sync.Once
	change func(post.Delivery) post.Delivery
}

func (s changingStore) GetPost(ctx context.Context, id int64) (post.Post, error) {
	p, err := s.SQLStore.GetPost(ctx, id)
	if err != nil {
		return p, err
	}
	var uerr error
	s.once.Do(func() {
		uerr = s.SQLStore.UpdateDelivery(ctx, id, p.Delivery.Status, s.change(p.Delivery))
	})
	return p, uerr
}

func TestAttemptLostClaimNamesCause(t *testing.T) {
	t.Parallel()
	past := time.Now().Add(-time.Hour)

	cases := []struct {
		name   string
		status post.Status
		mode   Mode
		change func(post.Delivery) post.Delivery
		want   error
	}{
		{"no longer due", post.StatusPending, ModeAuto, func(d post.Delivery) post.Delivery {
			d.PublishAt = post.TimePtr(time.Now().Add(time.Hour))
			return d
		}, ErrNotDue},
		{"no longer pending", post.StatusPending, ModeAuto, func(d post.Delivery) post.Delivery {
			d.Status, d.Error = post.StatusError, "chat_not_found"
			return d
		}, ErrNotPending},
		{"sent meanwhile", post.StatusNone, ModeManual, func(d post.Delivery) post.Delivery {
			d.Status, d.PostedAt = post.StatusSent, post.TimePtr(time.Now())
			return d
		}, ErrAlreadySent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, "@channel")
			id := f.insert(t, septicGuide(tc.status, past))
			f.svc.store = changingStore{SQLStore: f.store, once: &sync.Once{}, change: tc.change}

			_, err := f.svc.Attempt(context.Background(), id, tc.mode)
			if !errors.Is(err, tc.want) || errors.Is(err, ErrInFlight) {
				t.Fatalf("err=%v want %v", err, tc.want)
			}
			if f.srv.CallCount() != 0 {
				t.Fatalf("lost claim reached the API")
			}
		})
	}
}
