package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pressly/goose/v3"

	"postcast/internal/post"
	logx "postcast/pkg/logx"
)

// SQLStore implements Store on database/sql.
type SQLStore struct {
	db           *sql.DB
	dialect      goose.Dialect
	placeholders bool // rewrite ? to $n
	log          logx.Logger
}

var _ Store = (*SQLStore)(nil)

const postColumns = `id, slug, title, excerpt, content_html, content_md, cover_image, is_published,
	created_at, updated_at,
	tg_status, tg_publish_at, tg_posted_at, tg_chat_id, tg_error, tg_message_id,
	tg_attempts, tg_last_attempt_at, tg_claim_token, tg_claimed_at`

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Driver returns "sqlite" or "postgres".
func (s *SQLStore) Driver() string {
	if s.dialect == goose.DialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLStore) q(query string) string {
	if !s.placeholders {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *SQLStore) GetPost(ctx context.Context, id int64) (post.Post, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+postColumns+` FROM posts WHERE id = ?`), id)
	p, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return post.Post{}, ErrNotFound
	}
	if err != nil {
		return post.Post{}, fmt.Errorf("get post %d: %w", id, err)
	}
	return p, nil
}

func (s *SQLStore) ListDue(ctx context.Context, now time.Time, after DueCursor, limit int) ([]post.Post, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if after.IsZero() {
		return s.queryPosts(ctx, `SELECT `+postColumns+` FROM posts
			WHERE tg_status = ? AND tg_publish_at IS NOT NULL AND tg_publish_at <= ?
			ORDER BY tg_publish_at ASC, id ASC
			LIMIT ?`, string(post.StatusPending), micros(now), limit)
	}
	at := micros(after.PublishAt)
	return s.queryPosts(ctx, `SELECT `+postColumns+` FROM posts
		WHERE tg_status = ? AND tg_publish_at IS NOT NULL AND tg_publish_at <= ?
			AND (tg_publish_at > ? OR (tg_publish_at = ? AND id > ?))
		ORDER BY tg_publish_at ASC, id ASC
		LIMIT ?`, string(post.StatusPending), micros(now), at, at, after.ID, limit)
}

func (s *SQLStore) List(ctx context.Context, f Filter) ([]post.Post, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != nil {
		switch *f.Status {
		case post.StatusNone:
			where = append(where, `tg_status IS NULL`)
		case post.StatusPending:
			where = append(where, `tg_status IN (?, ?)`)
			args = append(args, string(post.StatusPending), string(post.StatusInFlight))
		default:
			where = append(where, `tg_status = ?`)
			args = append(args, string(*f.Status))
		}
	}
	if q := strings.ToLower(strings.TrimSpace(f.Query)); q != "" {
		like := "%" + escapeLike(q) + "%"
		where = append(where, `(LOWER(title) LIKE ? ESCAPE '\' OR LOWER(slug) LIKE ? ESCAPE '\')`)
		args = append(args, like, like)
	}
	if f.From != nil {
		where = append(where, `tg_publish_at >= ?`)
		args = append(args, micros(*f.From))
	}
	if f.To != nil {
		where = append(where, `tg_publish_at <= ?`)
		args = append(args, micros(*f.To))
	}

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	limit = min(limit, MaxListLimit)
	offset := max(f.Offset, 0)

	query := `SELECT ` + postColumns + ` FROM posts`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY (tg_publish_at IS NULL), tg_publish_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)
	return s.queryPosts(ctx, query, args...)
}

func (s *SQLStore) queryPosts(ctx context.Context, query string, args ...any) ([]post.Post, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	defer rows.Close()

	var out []post.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// InsertPost stores a new post and returns its id. Posts normally come from
// the content system; this exists for imports and tests.
func (s *SQLStore) InsertPost(ctx context.Context, p post.Post) (int64, error) {
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	d := p.Delivery
	var id int64
	err := s.db.QueryRowContext(ctx, s.q(`INSERT INTO posts (
			slug, title, excerpt, content_html, content_md, cover_image, is_published, created_at, updated_at,
			tg_status, tg_publish_at, tg_posted_at, tg_chat_id, tg_error, tg_message_id, tg_attempts, tg_last_attempt_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		RETURNING id`),
		p.Slug, p.Title, nullStr(p.Excerpt), nullStr(p.ContentHTML), nullStr(p.ContentMD), nullStr(p.CoverImage), p.IsPublished,
		micros(p.CreatedAt), micros(p.UpdatedAt),
		nullStr(string(d.Status)), microsPtr(d.PublishAt), microsPtr(d.PostedAt), nullStr(d.ChatID), nullStr(d.Error),
		d.MessageID, d.Attempts, microsPtr(d.LastAttemptAt),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert post: %w", err)
	}
	return id, nil
}

func (s *SQLStore) UpdateDelivery(ctx context.Context, id int64, expect post.Status, d post.Delivery) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE posts SET
			tg_status = ?, tg_publish_at = ?, tg_posted_at = ?, tg_chat_id = ?, tg_error = ?, updated_at = ?
		WHERE id = ? AND COALESCE(tg_status, '') = ?`),
		nullStr(string(d.Status)), microsPtr(d.PublishAt), microsPtr(d.PostedAt), nullStr(d.ChatID), nullStr(d.Error),
		micros(time.Now()), id, string(expect),
	)
	if err != nil {
		return fmt.Errorf("update delivery %d: %w", id, err)
	}
	return s.checkAffected(ctx, res, id)
}

func (s *SQLStore) Claim(ctx context.Context, c ClaimSpec) error {
	if c.Token == "" {
		return errors.New("claim token required")
	}
	if len(c.Expect) == 0 {
		return errors.New("claim needs at least one expected status")
	}
	if c.Now.IsZero() {
		c.Now = time.Now()
	}
	now := micros(c.Now)
	args := []any{string(post.StatusInFlight), c.Token, now, now, now, c.ID}
	marks := make([]string, 0, len(c.Expect))
	for _, st := range c.Expect {
		if st == post.StatusInFlight {
			return errors.New("cannot claim an in-flight post")
		}
		marks = append(marks, "?")
		args = append(args, string(st))
	}
	query := `UPDATE posts SET
			tg_status = ?, tg_claim_token = ?, tg_claimed_at = ?, tg_error = NULL, tg_posted_at = NULL,
			tg_attempts = tg_attempts + 1, tg_last_attempt_at = ?, updated_at = ?
		WHERE id = ? AND COALESCE(tg_status, '') IN (` + strings.Join(marks, ",") + `)`
	if c.DueBy != nil {
		query += ` AND tg_publish_at IS NOT NULL AND tg_publish_at <= ?`
		args = append(args, micros(*c.DueBy))
	}
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return fmt.Errorf("claim post %d: %w", c.ID, err)
	}
	return s.checkAffected(ctx, res, c.ID)
}

func (s *SQLStore) Finish(ctx context.Context, id int64, token string, d post.Delivery) error {
	if d.Status == post.StatusInFlight {
		return errors.New("finish needs a terminal status")
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE posts SET
			tg_status = ?, tg_posted_at = ?, tg_error = ?, tg_message_id = ?,
			tg_claim_token = NULL, tg_claimed_at = NULL, updated_at = ?
		WHERE id = ? AND tg_status = ? AND tg_claim_token = ?`),
		nullStr(string(d.Status)), microsPtr(d.PostedAt), nullStr(d.Error), d.MessageID,
		micros(time.Now()), id, string(post.StatusInFlight), token,
	)
	if err != nil {
		return fmt.Errorf("finish post %d: %w", id, err)
	}
	return s.checkAffected(ctx, res, id)
}

func (s *SQLStore) RecoverStale(ctx context.Context, cutoff, now time.Time, reason string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`UPDATE posts SET
			tg_status = ?, tg_error = ?, tg_posted_at = NULL, tg_claim_token = NULL, tg_claimed_at = NULL, updated_at = ?
		WHERE tg_status = ? AND (tg_claimed_at IS NULL OR tg_claimed_at < ?)
		RETURNING id`),
		string(post.StatusError), reason, micros(now), string(post.StatusInFlight), micros(cutoff),
	)
	if err != nil {
		return nil, fmt.Errorf("recover stale claims: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO audit(at, actor, source, action, post_id, status_before, status_after, ok, err, meta)
		VALUES(?,?,?,?,?,?,?,?,?,?)`),
		micros(e.At), nullStr(e.Actor), e.Source, e.Action, e.PostID,
		nullStr(string(e.StatusBefore)), nullStr(string(e.StatusAfter)), e.OK, nullStr(e.Error), nullStr(e.MetaJSON),
	)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (s *SQLStore) ListAudit(ctx context.Context, postID int64, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, at, actor, source, action, post_id, status_before, status_after, ok, err, meta
		FROM audit WHERE post_id = ? ORDER BY id DESC LIMIT ?`), postID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e                                   AuditEntry
			at                                  int64
			actor, before, after, errText, meta sql.NullString
		)
		if err := rows.Scan(&e.ID, &at, &actor, &e.Source, &e.Action, &e.PostID, &before, &after, &e.OK, &errText, &meta); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		e.At = time.UnixMicro(at).UTC()
		e.Actor = actor.String
		e.StatusBefore = post.Status(before.String)
		e.StatusAfter = post.Status(after.String)
		e.Error = errText.String
		e.MetaJSON = meta.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// checkAffected turns a zero-row conditional update into ErrNotFound or
// ErrConflict.
func (s *SQLStore) checkAffected(ctx context.Context, res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, s.q(`SELECT 1 FROM posts WHERE id = ?`), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrConflict
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(r rowScanner) (post.Post, error) {
	var (
		p                                       post.Post
		created, updated                        int64
		excerpt, html, md, cover                sql.NullString
		status, chatID, tgErr, token            sql.NullString
		publishAt, postedAt, lastAttempt, claim sql.NullInt64
		messageID                               int64
	)
	err := r.Scan(
		&p.ID, &p.Slug, &p.Title, &excerpt, &html, &md, &cover, &p.IsPublished,
		&created, &updated,
		&status, &publishAt, &postedAt, &chatID, &tgErr, &messageID,
		&p.Delivery.Attempts, &lastAttempt, &token, &claim,
	)
	if err != nil {
		return post.Post{}, err
	}
	p.Excerpt = excerpt.String
	p.ContentHTML = html.String
	p.ContentMD = md.String
	p.CoverImage = cover.String
	p.CreatedAt = time.UnixMicro(created).UTC()
	p.UpdatedAt = time.UnixMicro(updated).UTC()

	d := &p.Delivery
	d.Status = post.Status(status.String)
	if !d.Status.Valid() {
		return post.Post{}, fmt.Errorf("post %d: unknown tg_status %q", p.ID, status.String)
	}
	d.PublishAt = fromMicros(publishAt)
	d.PostedAt = fromMicros(postedAt)
	d.ChatID = chatID.String
	d.Error = tgErr.String
	d.MessageID = int(messageID)
	d.LastAttemptAt = fromMicros(lastAttempt)
	d.ClaimToken = token.String
	d.ClaimedAt = fromMicros(claim)
	return p, nil
}

func micros(t time.Time) int64 { return t.UTC().UnixMicro() }

func microsPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return micros(*t)
}

func fromMicros(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMicro(v.Int64).UTC()
	return &t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
