// Package post holds the post record as seen by the publisher: the read-only
// content fields and the delivery slice the publisher owns.
package post

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the delivery status of a post.
type Status string

const (
	StatusNone    Status = "" // never scheduled
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusError   Status = "error"

	// StatusInFlight marks a claimed attempt. It never crosses the API boundary.
	StatusInFlight Status = "in_flight"
)

var ErrInvalidStatus = errors.New("invalid status")

// ParseStatus accepts the externally visible statuses. "null"/"none" map to
// StatusNone; in_flight and anything else is rejected.
func ParseStatus(raw string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "null", "none":
		return StatusNone, nil
	case "pending":
		return StatusPending, nil
	case "sent":
		return StatusSent, nil
	case "error":
		return StatusError, nil
	default:
		return StatusNone, fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
}

// Valid reports whether s is a storable status (in_flight included).
func (s Status) Valid() bool {
	switch s {
	case StatusNone, StatusPending, StatusSent, StatusError, StatusInFlight:
		return true
	}
	return false
}

// Public is the status shown to operators; a claimed post is still pending.
func (s Status) Public() Status {
	if s == StatusInFlight {
		return StatusPending
	}
	return s
}

func (s Status) String() string {
	if s == StatusNone {
		return "null"
	}
	return string(s)
}

// Delivery is the per-post delivery state.
type Delivery struct {
	Status        Status
	PublishAt     *time.Time
	PostedAt      *time.Time
	ChatID        string
	Error         string
	MessageID     int
	Attempts      int
	LastAttemptAt *time.Time

	ClaimToken string
	ClaimedAt  *time.Time
}

// Scheduled reports whether a publish time is set.
func (d Delivery) Scheduled() bool { return d.PublishAt != nil }

// Due reports whether the publish time is set and not in the future.
func (d Delivery) Due(now time.Time) bool {
	return d.PublishAt != nil && !d.PublishAt.After(now)
}

// CheckInvariants returns an error when the record violates the
// sent/posted_at and error/status pairing.
func (d Delivery) CheckInvariants() error {
	if (d.PostedAt != nil) != (d.Status == StatusSent) {
		return fmt.Errorf("posted_at set=%t with status %s", d.PostedAt != nil, d.Status)
	}
	if d.Error != "" && d.Status != StatusError {
		return fmt.Errorf("error %q with status %s", d.Error, d.Status)
	}
	return nil
}

// Post is a blog post.
type Post struct {
	ID          int64
	Slug        string
	Title       string
	Excerpt     string
	ContentHTML string
	ContentMD   string
	CoverImage  string
	IsPublished bool
	CreatedAt   time.Time
	UpdatedAt   time.Time

	Delivery Delivery
}

// View is the operator-facing shape of a post's delivery state.
type View struct {
	ID            int64      `json:"id"`
	Slug          string     `json:"slug"`
	Title         string     `json:"title"`
	IsPublished   bool       `json:"is_published"`
	Status        *string    `json:"tg_status"`
	PublishAt     *time.Time `json:"tg_publish_at"`
	PostedAt      *time.Time `json:"tg_posted_at"`
	ChatID        *string    `json:"tg_chat_id"`
	Error         *string    `json:"tg_error"`
	MessageID     int        `json:"tg_message_id,omitempty"`
	Attempts      int        `json:"tg_attempts"`
	LastAttemptAt *time.Time `json:"tg_last_attempt_at"`
}

// ToView renders p for operators. Empty strings become JSON null.
func (p Post) ToView() View {
	d := p.Delivery
	return View{
		ID:            p.ID,
		Slug:          p.Slug,
		Title:         p.Title,
		IsPublished:   p.IsPublished,
		Status:        strPtr(string(d.Status.Public())),
		PublishAt:     d.PublishAt,
		PostedAt:      d.PostedAt,
		ChatID:        strPtr(d.ChatID),
		Error:         strPtr(d.Error),
		MessageID:     d.MessageID,
		Attempts:      d.Attempts,
		LastAttemptAt: d.LastAttemptAt,
	}
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// TimePtr returns a pointer to a UTC copy of t, truncated to microseconds so
// values round-trip through both storage drivers.
func TimePtr(t time.Time) *time.Time {
	u := t.UTC().Truncate(time.Microsecond)
	return &u
}
