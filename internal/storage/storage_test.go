package storage

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"postcast/internal/post"
	logx "postcast/pkg/logx"
)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	st, err := Open(context.Background(), Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func insert(t *testing.T, st *SQLStore, p post.Post) int64 {
	t.Helper()
	id, err := st.InsertPost(context.Background(), p)
	if err != nil {
		t.Fatalf("InsertPost: %v", err)
	}
	return id
}

func TestOpenRunsMigrationsOnce(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	applied, err := st.Migrate(context.Background())
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("second Migrate applied %v", applied)
	}
	if st.Driver() != "sqlite" {
		t.Fatalf("driver=%s", st.Driver())
	}
}

func TestGetPostRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	at := post.TimePtr(time.Now().Add(time.Hour))
	id := insert(t, st, post.Post{
		Slug: "septic-guide", Title: "Septic Guide", ContentHTML: "<p>x</p>", CoverImage: "/img/a.jpg", IsPublished: true,
		Delivery: post.Delivery{Status: post.StatusPending, PublishAt: at, ChatID: "@chan"},
	})

	p, err := st.GetPost(ctx, id)
	if err != nil {
		t.Fatalf("GetPost: %v", err)
	}
	if p.Slug != "septic-guide" || !p.IsPublished || p.CoverImage != "/img/a.jpg" || p.Excerpt != "" {
		t.Fatalf("unexpected post %+v", p)
	}
	d := p.Delivery
	if d.Status != post.StatusPending || d.ChatID != "@chan" || d.PublishAt == nil || !d.PublishAt.Equal(*at) {
		t.Fatalf("unexpected delivery %+v", d)
	}

	if _, err := st.GetPost(ctx, id+100); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing post err=%v", err)
	}
}

func TestListDue(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	now := time.Now()

	past2 := post.TimePtr(now.Add(-2 * time.Hour))
	past1 := post.TimePtr(now.Add(-time.Hour))
	future := post.TimePtr(now.Add(time.Hour))

	a := insert(t, st, post.Post{Slug: "a", Title: "A", Delivery: post.Delivery{Status: post.StatusPending, PublishAt: past1}})
	b := insert(t, st, post.Post{Slug: "b", Title: "B", Delivery: post.Delivery{Status: post.StatusPending, PublishAt: past2}})
	insert(t, st, post.Post{Slug: "c", Title: "C", Delivery: post.Delivery{Status: post.StatusPending, PublishAt: future}})
	insert(t, st, post.Post{Slug: "d", Title: "D", Delivery: post.Delivery{Status: post.StatusPending}})
	insert(t, st, post.Post{Slug: "e", Title: "E", Delivery: post.Delivery{Status: post.StatusSent, PublishAt: past1, PostedAt: past1}})
	insert(t, st, post.Post{Slug: "f", Title: "F", Delivery: post.Delivery{Status: post.StatusError, PublishAt: past1, Error: "x"}})
	insert(t, st, post.Post{Slug: "g", Title: "G", Delivery: post.Delivery{PublishAt: past1}})

	due, err := st.ListDue(context.Background(), now, DueCursor{}, 10)
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}
	if len(due) != 2 || due[0].ID != b || due[1].ID != a {
		t.Fatalf("due=%v", ids(due))
	}

	one, err := st.ListDue(context.Background(), now, DueCursor{}, 1)
	if err != nil || len(one) != 1 || one[0].ID != b {
		t.Fatalf("limit 1: %v %v", ids(one), err)
	}

	next, err := st.ListDue(context.Background(), now, CursorAfter(one[0]), 10)
	if err != nil || len(next) != 1 || next[0].ID != a {
		t.Fatalf("after %d: %v %v", b, ids(next), err)
	}
	if rest, err := st.ListDue(context.Background(), now, CursorAfter(next[0]), 10); err != nil || len(rest) != 0 {
		t.Fatalf("after %d: %v %v", a, ids(rest), err)
	}
}

func TestListDueCursorTies(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	now := time.Now()
	at := post.TimePtr(now.Add(-time.Hour))

	var want []int64
	for _, slug := range []string{"a", "b", "c"} {
		want = append(want, insert(t, st, post.Post{Slug: slug, Title: slug, Delivery: post.Delivery{Status: post.StatusPending, PublishAt: at}}))
	}

	var got []int64
	cur := DueCursor{}
	for range 5 {
		page, err := st.ListDue(context.Background(), now, cur, 1)
		if err != nil {
			t.Fatalf("ListDue: %v", err)
		}
		if len(page) == 0 {
			break
		}
		got = append(got, page[0].ID)
		cur = CursorAfter(page[0])
	}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] || got[2] != want[2] {
		t.Fatalf("paged=%v want %v", got, want)
	}
}

func TestListFilters(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	insert(t, st, post.Post{Slug: "septic-guide", Title: "Septic Guide", Delivery: post.Delivery{Status: post.StatusPending, PublishAt: post.TimePtr(base)}})
	insert(t, st, post.Post{Slug: "drain-care", Title: "Drain 100% care", Delivery: post.Delivery{Status: post.StatusError, PublishAt: post.TimePtr(base.Add(48 * time.Hour)), Error: "chat_not_found"}})
	insert(t, st, post.Post{Slug: "roof", Title: "Roof tips"})
	claimed := insert(t, st, post.Post{Slug: "claimed", Title: "Claimed", Delivery: post.Delivery{Status: post.StatusPending, PublishAt: post.TimePtr(base)}})
	if err := st.Claim(ctx, ClaimSpec{ID: claimed, Token: "t", Expect: []post.Status{post.StatusPending}}); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	pending, none, errSt := post.StatusPending, post.StatusNone, post.StatusError
	from, to := base.Add(24*time.Hour), base.Add(72*time.Hour)
	cases := []struct {
		name string
		f    Filter
		want int
	}{
		{name: "all", f: Filter{}, want: 4},
		{name: "pending includes claimed", f: Filter{Status: &pending}, want: 2},
		{name: "unscheduled", f: Filter{Status: &none}, want: 1},
		{name: "error", f: Filter{Status: &errSt}, want: 1},
		{name: "search title", f: Filter{Query: "SEPTIC"}, want: 1},
		{name: "search slug", f: Filter{Query: "drain-"}, want: 1},
		{name: "search literal percent", f: Filter{Query: "100%"}, want: 1},
		{name: "date range", f: Filter{From: &from, To: &to}, want: 1},
		{name: "limit", f: Filter{Limit: 2}, want: 2},
		{name: "offset", f: Filter{Offset: 3}, want: 1},
	}
	for _, tc := range cases {
		got, err := st.List(ctx, tc.f)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if len(got) != tc.want {
			t.Fatalf("%s: got %v want %d", tc.name, ids(got), tc.want)
		}
	}

	all, _ := st.List(ctx, Filter{})
	if all[len(all)-1].Slug != "roof" {
		t.Fatalf("unscheduled posts should sort last: %v", ids(all))
	}
}

func TestUpdateDeliveryConditional(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	id := insert(t, st, post.Post{Slug: "a", Title: "A"})

	at := post.TimePtr(time.Now())
	if err := st.UpdateDelivery(ctx, id, post.StatusNone, post.Delivery{Status: post.StatusPending, PublishAt: at}); err != nil {
		t.Fatalf("UpdateDelivery: %v", err)
	}
	// Stale expectation.
	if err := st.UpdateDelivery(ctx, id, post.StatusNone, post.Delivery{Status: post.StatusPending}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := st.UpdateDelivery(ctx, id+1, post.StatusNone, post.Delivery{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	p, _ := st.GetPost(ctx, id)
	if p.Delivery.Status != post.StatusPending || p.Delivery.PublishAt == nil {
		t.Fatalf("delivery=%+v", p.Delivery)
	}
}

func TestClaimAndFinish(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()
	id := insert(t, st, post.Post{Slug: "a", Title: "A", Delivery: post.Delivery{Status: post.StatusPending, PublishAt: post.TimePtr(now.Add(time.Hour))}})

	// Not due yet.
	dueBy := now
	err := st.Claim(ctx, ClaimSpec{ID: id, Token: "t1", Expect: []post.Status{post.StatusPending}, DueBy: &dueBy, Now: now})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("claim before due: %v", err)
	}
	// Manual claim ignores the due time.
	if err := st.Claim(ctx, ClaimSpec{ID: id, Token: "t1", Expect: []post.Status{post.StatusPending}, Now: now}); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := st.Claim(ctx, ClaimSpec{ID: id, Token: "t2", Expect: []post.Status{post.StatusPending}, Now: now}); !errors.Is(err, ErrConflict) {
		t.Fatalf("second claim: %v", err)
	}

	p, _ := st.GetPost(ctx, id)
	if p.Delivery.Status != post.StatusInFlight || p.Delivery.ClaimToken != "t1" || p.Delivery.Attempts != 1 || p.Delivery.LastAttemptAt == nil {
		t.Fatalf("claimed delivery=%+v", p.Delivery)
	}

	sent := post.Delivery{Status: post.StatusSent, PostedAt: post.TimePtr(now), MessageID: 42}
	if err := st.Finish(ctx, id, "wrong", sent); !errors.Is(err, ErrConflict) {
		t.Fatalf("finish with wrong token: %v", err)
	}
	if err := st.Finish(ctx, id, "t1", sent); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	p, _ = st.GetPost(ctx, id)
	d := p.Delivery
	if d.Status != post.StatusSent || d.PostedAt == nil || d.MessageID != 42 || d.ClaimToken != "" || d.PublishAt == nil {
		t.Fatalf("finished delivery=%+v", d)
	}
	if err := d.CheckInvariants(); err != nil {
		t.Fatal(err)
	}
}

func TestClaimConcurrentSingleWinner(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	id := insert(t, st, post.Post{Slug: "a", Title: "A", Delivery: post.Delivery{Status: post.StatusPending, PublishAt: post.TimePtr(time.Now())}})

	const n = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := st.Claim(ctx, ClaimSpec{ID: id, Token: string(rune('a' + i)), Expect: []post.Status{post.StatusPending}})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, ErrConflict) {
				t.Errorf("claim: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("wins=%d", wins)
	}
}

func TestRecoverStale(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()
	old := insert(t, st, post.Post{Slug: "old", Title: "Old", Delivery: post.Delivery{Status: post.StatusPending, PublishAt: post.TimePtr(now)}})
	fresh := insert(t, st, post.Post{Slug: "fresh", Title: "Fresh", Delivery: post.Delivery{Status: post.StatusPending, PublishAt: post.TimePtr(now)}})

	if err := st.Claim(ctx, ClaimSpec{ID: old, Token: "o", Expect: []post.Status{post.StatusPending}, Now: now.Add(-time.Hour)}); err != nil {
		t.Fatal(err)
	}
	if err := st.Claim(ctx, ClaimSpec{ID: fresh, Token: "f", Expect: []post.Status{post.StatusPending}, Now: now}); err != nil {
		t.Fatal(err)
	}

	got, err := st.RecoverStale(ctx, now.Add(-10*time.Minute), now, "attempt_interrupted")
	if err != nil {
		t.Fatalf("RecoverStale: %v", err)
	}
	if len(got) != 1 || got[0] != old {
		t.Fatalf("recovered=%v", got)
	}
	p, _ := st.GetPost(ctx, old)
	if p.Delivery.Status != post.StatusError || p.Delivery.Error != "attempt_interrupted" || p.Delivery.ClaimToken != "" {
		t.Fatalf("recovered delivery=%+v", p.Delivery)
	}
	if err := st.Finish(ctx, old, "o", post.Delivery{Status: post.StatusSent, PostedAt: post.TimePtr(now)}); !errors.Is(err, ErrConflict) {
		t.Fatalf("late finish must lose: %v", err)
	}
}

func TestAudit(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	for _, action := range []string{"schedule", "publish"} {
		err := st.AppendAudit(ctx, AuditEntry{Actor: "ops", Source: "http", Action: action, PostID: 7, StatusBefore: post.StatusNone, StatusAfter: post.StatusPending, OK: true})
		if err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
	}
	got, err := st.ListAudit(ctx, 7, 10)
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(got) != 2 || got[0].Action != "publish" || !got[0].OK || got[0].StatusAfter != post.StatusPending || got[0].StatusBefore != post.StatusNone {
		t.Fatalf("audit=%+v", got)
	}
}

func TestRebind(t *testing.T) {
	t.Parallel()
	s := &SQLStore{placeholders: true}
	if got := s.q(`a = ? AND b IN (?, ?)`); got != `a = $1 AND b IN ($2, $3)` {
		t.Fatalf("got %q", got)
	}
	if got := (&SQLStore{}).q(`a = ?`); got != `a = ?` {
		t.Fatalf("sqlite query rewritten: %q", got)
	}
}

func ids(ps []post.Post) []int64 {
	out := make([]int64, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.ID)
	}
	return out
}

// row feeds scanPost fixed column values in postColumns order.
type row []any

func (r row) Scan(dest ...any) error {
	if len(dest) != len(r) {
		return errors.New("column count mismatch")
	}
	for i, v := range r {
		switch d := dest[i].(type) {
		case *int64:
			*d = v.(int64)
		case *int:
			*d = v.(int)
		case *bool:
			*d = v.(bool)
		case *string:
			*d = v.(string)
		case *sql.NullString:
			s, ok := v.(string)
			*d = sql.NullString{String: s, Valid: ok}
		case *sql.NullInt64:
			n, ok := v.(int64)
			*d = sql.NullInt64{Int64: n, Valid: ok}
		default:
			return errors.New("unexpected scan target")
		}
	}
	return nil
}

func TestScanPostRejectsUnknownStatus(t *testing.T) {
	t.Parallel()
	columns := func(status any) row {
		return row{
			int64(7), "septic-guide", "Septic Guide", nil, nil, nil, nil, true,
			int64(1), int64(1),
			status, nil, nil, nil, nil, int64(0),
			0, nil, nil, nil,
		}
	}

	if _, err := scanPost(columns("queued")); err == nil {
		t.Fatalf("unknown status accepted")
	}
	for _, status := range []any{nil, "pending", "in_flight", "sent", "error"} {
		if _, err := scanPost(columns(status)); err != nil {
			t.Fatalf("status %v: %v", status, err)
		}
	}
}
