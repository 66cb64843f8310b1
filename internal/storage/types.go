package storage

import (
	"context"
	"errors"
	"time"

	"postcast/internal/post"
)

var (
	ErrNotFound = errors.New("post not found")
	ErrConflict = errors.New("delivery state changed concurrently")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite" (default): SQLite database file at Path
//   - "postgres": PostgreSQL via DSN
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Filter selects posts for operator listings.
type Filter struct {
	// Status matches the public status; pending includes claimed posts.
	Status *post.Status
	// Query is a case-insensitive substring of title or slug.
	Query string
	// From/To bound the publish time (inclusive).
	From   *time.Time
	To     *time.Time
	Limit  int
	Offset int
}

// ClaimSpec describes a conditional PENDING -> IN_FLIGHT transition.
type ClaimSpec struct {
	ID     int64
	Token  string
	Expect []post.Status
	// DueBy, when set, additionally requires publish_at <= DueBy.
	DueBy *time.Time
	Now   time.Time
}

// AuditEntry records an operator action. Keep it compact and schema-stable.
type AuditEntry struct {
	ID           int64       `json:"id"`
	At           time.Time   `json:"at"`
	Actor        string      `json:"actor,omitempty"`
	Source       string      `json:"source"`
	Action       string      `json:"action"`
	PostID       int64       `json:"post_id"`
	StatusBefore post.Status `json:"status_before"`
	StatusAfter  post.Status `json:"status_after"`
	OK           bool        `json:"ok"`
	Error        string      `json:"error,omitempty"`
	MetaJSON     string      `json:"meta,omitempty"`
}

// DueCursor resumes a due listing after the last post seen. The zero value
// starts from the oldest due post.
type DueCursor struct {
	PublishAt time.Time
	ID        int64
}

func (c DueCursor) IsZero() bool { return c.ID == 0 }

// CursorAfter positions a listing just past p.
func CursorAfter(p post.Post) DueCursor {
	c := DueCursor{ID: p.ID}
	if p.Delivery.PublishAt != nil {
		c.PublishAt = *p.Delivery.PublishAt
	}
	return c
}

// Store is the persistence API used by delivery, publisher and control.
type Store interface {
	GetPost(ctx context.Context, id int64) (post.Post, error)
	ListDue(ctx context.Context, now time.Time, after DueCursor, limit int) ([]post.Post, error)
	List(ctx context.Context, f Filter) ([]post.Post, error)

	// UpdateDelivery writes the operator-controlled fields when the stored
	// status still equals expect.
	UpdateDelivery(ctx context.Context, id int64, expect post.Status, d post.Delivery) error
	// Claim moves a post to in_flight under a fresh token.
	Claim(ctx context.Context, c ClaimSpec) error
	// Finish writes the attempt outcome if the claim token still holds.
	Finish(ctx context.Context, id int64, token string, d post.Delivery) error
	// RecoverStale fails claims taken before cutoff. It returns the ids moved.
	RecoverStale(ctx context.Context, cutoff, now time.Time, reason string) ([]int64, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	ListAudit(ctx context.Context, postID int64, limit int) ([]AuditEntry, error)
}
