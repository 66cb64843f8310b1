package delivery

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"postcast/internal/channel"
	"postcast/internal/composer"
	"postcast/internal/eventbus"
	"postcast/internal/lock"
	"postcast/internal/post"
	"postcast/internal/storage"
	logx "postcast/pkg/logx"
)

// Store is the storage subset an attempt needs.
type Store interface {
	GetPost(ctx context.Context, id int64) (post.Post, error)
	Claim(ctx context.Context, c storage.ClaimSpec) error
	Finish(ctx context.Context, id int64, token string, d post.Delivery) error
}

// Sender is the channel adapter. Wait paces outbound sends and is called
// before the claim, so a caller that gives up while queued leaves no trace.
type Sender interface {
	Resolve(chatID string) (string, error)
	Wait(ctx context.Context) error
	Send(ctx context.Context, target string, msg composer.Message, imageRef string) (channel.Receipt, error)
}

const (
	DefaultLockTTL  = 2 * time.Minute
	finalizeTimeout = 10 * time.Second
)

type Service struct {
	store    Store
	sender   Sender
	composer *composer.Composer
	locker   lock.Locker
	bus      eventbus.Bus
	log      logx.Logger

	lockTTL time.Duration
	now     func() time.Time
}

type Option func(*Service)

func WithLockTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.lockTTL = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func New(store Store, sender Sender, comp *composer.Composer, locker lock.Locker, bus eventbus.Bus, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if locker == nil {
		locker = lock.NewLocal()
	}
	if comp == nil {
		comp = composer.New(composer.Config{})
	}
	s := &Service{
		store:    store,
		sender:   sender,
		composer: comp,
		locker:   locker,
		bus:      bus,
		log:      log.With(logx.String("comp", "delivery")),
		lockTTL:  DefaultLockTTL,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Result describes a finished attempt.
type Result struct {
	PostID    int64         `json:"post_id"`
	Mode      string        `json:"mode"`
	Status    post.Status   `json:"status"`
	Target    string        `json:"target"`
	MessageID int           `json:"message_id,omitempty"`
	Error     string        `json:"error,omitempty"`
	Attempts  int           `json:"attempts"`
	Took      time.Duration `json:"took"`
}

// FailedError is returned when the send was attempted and failed. The
// failure is already persisted on the post.
type FailedError struct {
	PostID int64
	Err    error
}

func (e *FailedError) Error() string { return fmt.Sprintf("delivery of post %d failed: %v", e.PostID, e.Err) }
func (e *FailedError) Unwrap() error { return e.Err }

// Attempt runs one send for post id under mode.
//
// Errors:
//   - storage.ErrNotFound, channel.ErrMissingToken, channel.ErrMissingChat:
//     precondition, nothing written
//   - *channel.SendError from the rate limit wait: nothing written
//   - ErrConflict (wrapped): ineligible or raced, nothing written
//   - *FailedError: sent and failed; the post is now in error
func (s *Service) Attempt(ctx context.Context, id int64, mode Mode) (Result, error) {
	start := s.now()
	res := Result{PostID: id, Mode: mode.String()}
	log := s.log.With(logx.Int64("post_id", id), logx.String("mode", mode.String()))

	p, err := s.store.GetPost(ctx, id)
	if err != nil {
		return res, err
	}
	target, err := s.sender.Resolve(p.Delivery.ChatID)
	if err != nil {
		return res, err
	}
	res.Target = target
	if err := Check(p.Delivery, mode, start); err != nil {
		return res, err
	}

	lease, err := s.locker.TryLock(ctx, "post:"+strconv.FormatInt(id, 10), s.lockTTL)
	switch {
	case errors.Is(err, lock.ErrBusy):
		return res, ErrInFlight
	case err != nil:
		// The durable claim below still guarantees a single writer.
		log.Warn("post lock unavailable; relying on claim", logx.Err(err))
	default:
		defer func() {
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if rerr := lease.Release(rctx); rerr != nil {
				log.Warn("post lock release failed", logx.Err(rerr))
			}
		}()
	}

	if err := s.sender.Wait(ctx); err != nil {
		return res, err
	}

	token := uuid.NewString()
	claim := storage.ClaimSpec{ID: id, Token: token, Expect: []post.Status{p.Delivery.Status}, Now: start}
	if mode == ModeAuto {
		claim.DueBy = &start
	}
	if err := s.store.Claim(ctx, claim); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return res, s.claimConflict(ctx, id, mode)
		}
		return res, err
	}
	res.Attempts = p.Delivery.Attempts + 1

	// Once claimed the call goes out; the adapter's own timeout bounds it.
	msg := s.composer.Compose(p)
	rc, sendErr := s.sender.Send(context.WithoutCancel(ctx), target, msg, p.CoverImage)

	// The outcome must land even if the caller went away mid-send.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	var final post.Delivery
	if sendErr == nil {
		final = ApplySuccess(p.Delivery, s.now(), rc.MessageID)
	} else {
		final = ApplyFailure(p.Delivery, sendErr.Error())
	}
	if err := s.store.Finish(fctx, id, token, final); err != nil {
		log.Error("finalize failed", logx.Bool("sent", sendErr == nil), logx.Err(err))
		if errors.Is(err, storage.ErrConflict) {
			return res, ErrClaimLost
		}
		return res, fmt.Errorf("finalize post %d: %w", id, err)
	}

	res.Status = final.Status
	res.MessageID = final.MessageID
	res.Error = final.Error
	res.Took = s.now().Sub(start)

	if sendErr != nil {
		log.Warn("post delivery failed", logx.String("target", target), logx.String("error", final.Error), logx.Duration("took", res.Took))
		s.publish(eventbus.DeliveryFailed, res)
		return res, &FailedError{PostID: id, Err: sendErr}
	}
	log.Info("post delivered", logx.String("target", target), logx.Int("message_id", rc.MessageID), logx.Duration("took", res.Took))
	s.publish(eventbus.DeliverySent, res)
	return res, nil
}

// claimConflict explains a lost claim from the post's current state.
func (s *Service) claimConflict(ctx context.Context, id int64, mode Mode) error {
	p, err := s.store.GetPost(ctx, id)
	if err != nil {
		return ErrInFlight
	}
	if cerr := Check(p.Delivery, mode, s.now()); cerr != nil {
		return cerr
	}
	// Eligible again by now: someone else changed it between read and claim.
	return fmt.Errorf("%w: state changed", ErrConflict)
}

func (s *Service) publish(typ string, res Result) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: res})
}

// IsPrecondition reports errors raised before any state change because the
// post or the channel configuration is unusable.
func IsPrecondition(err error) bool {
	return errors.Is(err, storage.ErrNotFound) ||
		errors.Is(err, channel.ErrMissingToken) ||
		errors.Is(err, channel.ErrMissingChat)
}
