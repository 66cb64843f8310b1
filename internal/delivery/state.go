// Package delivery owns the per-post delivery state machine and the single
// path through which a send attempt claims, sends and finalizes a post.
//
//	UNSCHEDULED --schedule--> PENDING --success--> SENT
//	                          PENDING --failure--> ERROR
//	ERROR --reset/force--> PENDING
//	SENT  --force only---> PENDING (reset refuses)
//	non-SENT --cancel--> publish_at cleared, status kept
//
// Transitions here are pure; Service persists them with conditional writes.
package delivery

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"postcast/internal/post"
)

// ErrConflict marks a request that fails eligibility or loses a race. It
// never mutates state.
var ErrConflict = errors.New("conflict")

var (
	ErrAlreadySent = fmt.Errorf("%w: already sent (use force to resend)", ErrConflict)
	ErrInFlight    = fmt.Errorf("%w: a send attempt is in progress", ErrConflict)
	ErrNotPending  = fmt.Errorf("%w: not pending", ErrConflict)
	ErrNotDue      = fmt.Errorf("%w: not due yet", ErrConflict)
	ErrClaimLost   = fmt.Errorf("%w: attempt claim lost", ErrConflict)
)

// InterruptedError is stored on posts whose claim outlived the claim TTL.
const InterruptedError = "attempt_interrupted"

// Mode selects the eligibility rule of an attempt.
type Mode int

const (
	// ModeAuto is the scheduler: pending and due only.
	ModeAuto Mode = iota
	// ModeManual is publish-now: any time, never an already-sent post.
	ModeManual
	// ModeForce is publish-now with force: any status except in flight.
	ModeForce
)

func (m Mode) String() string {
	switch m {
	case ModeAuto:
		return "auto"
	case ModeManual:
		return "manual"
	case ModeForce:
		return "force"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// CanAutoSend reports whether the scheduler may attempt d now.
func CanAutoSend(d post.Delivery, now time.Time) error {
	switch d.Status {
	case post.StatusInFlight:
		return ErrInFlight
	case post.StatusSent:
		return ErrAlreadySent
	case post.StatusPending:
	default:
		return ErrNotPending
	}
	if !d.Due(now) {
		return ErrNotDue
	}
	return nil
}

// CheckManual reports whether publish-now may attempt d.
func CheckManual(d post.Delivery, force bool) error {
	if d.Status == post.StatusInFlight {
		return ErrInFlight
	}
	if d.Status == post.StatusSent && !force {
		return ErrAlreadySent
	}
	return nil
}

// Check applies the rule for mode.
func Check(d post.Delivery, mode Mode, now time.Time) error {
	switch mode {
	case ModeAuto:
		return CanAutoSend(d, now)
	case ModeForce:
		return CheckManual(d, true)
	default:
		return CheckManual(d, false)
	}
}

// ScheduleChange is an operator schedule request. Nil fields are left as is.
type ScheduleChange struct {
	PublishAt   *time.Time
	ChatID      *string
	ForceResend bool
}

// ApplySchedule sets the publish time and chat. An unscheduled post becomes
// pending; with ForceResend an errored or sent post is reset to pending.
// changed is false when the request matches the current state.
func ApplySchedule(d post.Delivery, req ScheduleChange) (next post.Delivery, changed bool, err error) {
	if d.Status == post.StatusInFlight {
		return d, false, ErrInFlight
	}
	next = d
	if req.PublishAt != nil {
		next.PublishAt = post.TimePtr(*req.PublishAt)
	}
	if req.ChatID != nil {
		next.ChatID = strings.TrimSpace(*req.ChatID)
	}
	if next.Status == post.StatusNone {
		next.Status = post.StatusPending
	}
	if req.ForceResend && (next.Status == post.StatusError || next.Status == post.StatusSent) {
		next = resetToPending(next)
	}
	return next, !sameDelivery(d, next), nil
}

// ApplyCancel clears the publish time; the status is kept.
func ApplyCancel(d post.Delivery) (next post.Delivery, changed bool, err error) {
	if d.Status == post.StatusSent {
		return d, false, ErrAlreadySent
	}
	next = d
	next.PublishAt = nil
	return next, d.PublishAt != nil, nil
}

// ApplyReset moves an errored or unscheduled post back to pending and clears
// the error. The publish time is kept. A sent post only goes back through a
// force resend.
func ApplyReset(d post.Delivery) (next post.Delivery, changed bool, err error) {
	switch d.Status {
	case post.StatusInFlight:
		return d, false, ErrInFlight
	case post.StatusSent:
		return d, false, ErrAlreadySent
	}
	next = resetToPending(d)
	return next, !sameDelivery(d, next), nil
}

// ApplySuccess is the PENDING -> SENT outcome.
func ApplySuccess(d post.Delivery, at time.Time, messageID int) post.Delivery {
	d.Status = post.StatusSent
	d.PostedAt = post.TimePtr(at)
	d.Error = ""
	d.MessageID = messageID
	d.ClaimToken = ""
	d.ClaimedAt = nil
	return d
}

// ApplyFailure is the PENDING -> ERROR outcome. The publish time is kept;
// a message id left from an earlier send is dropped.
func ApplyFailure(d post.Delivery, desc string) post.Delivery {
	desc = strings.TrimSpace(desc)
	if desc == "" {
		desc = "unknown_error"
	}
	d.Status = post.StatusError
	d.PostedAt = nil
	d.Error = desc
	d.MessageID = 0
	d.ClaimToken = ""
	d.ClaimedAt = nil
	return d
}

func resetToPending(d post.Delivery) post.Delivery {
	d.Status = post.StatusPending
	d.Error = ""
	d.PostedAt = nil
	return d
}

func sameDelivery(a, b post.Delivery) bool {
	return a.Status == b.Status &&
		a.ChatID == b.ChatID &&
		a.Error == b.Error &&
		a.MessageID == b.MessageID &&
		sameTime(a.PublishAt, b.PublishAt) &&
		sameTime(a.PostedAt, b.PostedAt)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
