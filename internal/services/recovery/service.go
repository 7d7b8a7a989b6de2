package recovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/juliustm/nyota/internal/pkg/phone"
	pgrepo "github.com/juliustm/nyota/internal/repo/postgres"
	"github.com/juliustm/nyota/internal/services/auth"
)

var (
	ErrValidation = errors.New("validation error")
	ErrNoMatch    = errors.New("no completed purchase matches")
)

// LockoutError is returned when the caller has exhausted the attempt window.
// RetryAfterSec is the remaining window rounded up to whole seconds.
type LockoutError struct {
	RetryAfterSec int64
}

func (e *LockoutError) Error() string {
	return fmt.Sprintf("too many recovery attempts, retry after %ds", e.RetryAfterSec)
}

const purchaseDateLayout = "2006-01-02"

type PurchaseFinder interface {
	FindCompletedByPhoneAndDate(ctx context.Context, phoneNumber string, day time.Time) (pgrepo.PurchaseRecord, error)
	FindCompletedByPhone(ctx context.Context, phoneNumber string) (pgrepo.PurchaseRecord, error)
}

type AttemptStore interface {
	Record(ctx context.Context, phoneNumber, origin, outcome string, matchedPurchaseID *int64) (pgrepo.AccessAttemptRecord, error)
	CountSince(ctx context.Context, phoneNumber, origin string, cutoff time.Time) (int64, error)
}

type AttemptLimiter interface {
	Allow(ctx context.Context, phoneNumber, origin string) (int64, bool, error)
	Count(ctx context.Context, phoneNumber, origin string) error
}

type SessionGranter interface {
	GrantSession(ctx context.Context, phoneNumber string) (auth.Grant, error)
}

// Service restores library access for buyers who lost their session. Every
// attempt is written to the audit trail, including the ones the limiter
// rejects, so abuse is visible after the fact.
type Service struct {
	purchases PurchaseFinder
	attempts  AttemptStore
	limiter   AttemptLimiter
	sessions  SessionGranter
	cfg       Config
	now       func() time.Time
}

// Config mirrors the limiter's window so the audit trail can back it up:
// the redis window is the hot-path check, the attempt rows are the durable
// one that survives a redis flush.
type Config struct {
	MaxAttempts int
	Window      time.Duration
}

type Dependencies struct {
	Purchases PurchaseFinder
	Attempts  AttemptStore
	Limiter   AttemptLimiter
	Sessions  SessionGranter
}

func NewService(deps Dependencies, cfg Config) *Service {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Window <= 0 {
		cfg.Window = 15 * time.Minute
	}
	return &Service{
		purchases: deps.Purchases,
		attempts:  deps.Attempts,
		limiter:   deps.Limiter,
		sessions:  deps.Sessions,
		cfg:       cfg,
		now:       time.Now,
	}
}

type RecoverInput struct {
	PhoneNumber  string
	PurchaseDate string
	Origin       string
}

type RecoverResult struct {
	PurchaseID int64
	AssetRef   string
	Grant      auth.Grant
}

// Recover matches a phone number against the ledger's completed purchases on
// the given calendar day and mints a session on success. The limiter is
// consulted before any ledger work: a locked-out caller learns nothing about
// whether the phone number exists.
func (s *Service) Recover(ctx context.Context, in RecoverInput) (RecoverResult, error) {
	if s.purchases == nil || s.attempts == nil || s.limiter == nil || s.sessions == nil {
		return RecoverResult{}, fmt.Errorf("recovery dependencies are not configured")
	}

	number := phone.Normalize(in.PhoneNumber)
	if !phone.Valid(number) {
		return RecoverResult{}, ErrValidation
	}
	day, err := time.Parse(purchaseDateLayout, strings.TrimSpace(in.PurchaseDate))
	if err != nil {
		return RecoverResult{}, ErrValidation
	}
	origin := strings.TrimSpace(in.Origin)
	if origin == "" {
		return RecoverResult{}, ErrValidation
	}

	retryAfter, allowed, err := s.limiter.Allow(ctx, number, origin)
	if err != nil {
		return RecoverResult{}, err
	}
	if !allowed {
		if _, err := s.attempts.Record(ctx, number, origin, pgrepo.AttemptOutcomeRateLimited, nil); err != nil {
			return RecoverResult{}, err
		}
		return RecoverResult{}, &LockoutError{RetryAfterSec: retryAfter}
	}

	// Durable backstop: the audit rows re-assert the window even when the
	// redis counters are gone.
	durable, err := s.attempts.CountSince(ctx, number, origin, s.now().UTC().Add(-s.cfg.Window))
	if err != nil {
		return RecoverResult{}, err
	}
	if durable >= int64(s.cfg.MaxAttempts) {
		if _, err := s.attempts.Record(ctx, number, origin, pgrepo.AttemptOutcomeRateLimited, nil); err != nil {
			return RecoverResult{}, err
		}
		return RecoverResult{}, &LockoutError{RetryAfterSec: windowSeconds(s.cfg.Window)}
	}

	if err := s.limiter.Count(ctx, number, origin); err != nil {
		return RecoverResult{}, err
	}

	purchase, err := s.purchases.FindCompletedByPhoneAndDate(ctx, number, day)
	if err != nil {
		if errors.Is(err, pgrepo.ErrPurchaseNotFound) {
			if _, err := s.attempts.Record(ctx, number, origin, pgrepo.AttemptOutcomeNoMatch, nil); err != nil {
				return RecoverResult{}, err
			}
			return RecoverResult{}, ErrNoMatch
		}
		return RecoverResult{}, err
	}

	if _, err := s.attempts.Record(ctx, number, origin, pgrepo.AttemptOutcomeSuccess, &purchase.ID); err != nil {
		return RecoverResult{}, err
	}

	grant, err := s.sessions.GrantSession(ctx, number)
	if err != nil {
		return RecoverResult{}, err
	}

	return RecoverResult{
		PurchaseID: purchase.ID,
		AssetRef:   purchase.AssetRef,
		Grant:      grant,
	}, nil
}

func windowSeconds(d time.Duration) int64 {
	sec := int64(d / time.Second)
	if d%time.Second != 0 {
		sec++
	}
	return sec
}
