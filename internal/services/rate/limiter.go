package rate

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type WindowStore interface {
	IncrementWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
	WindowState(ctx context.Context, key string) (int64, time.Duration, error)
}

// Limiter enforces the recovery lockout: a (phone, origin) identity gets a
// bounded number of attempts per rolling window. The check is split from the
// count so a locked-out caller is rejected before any ledger work, while
// allowed attempts are counted whether they match or not.
type Limiter struct {
	store       WindowStore
	maxAttempts int
	window      time.Duration
}

func NewLimiter(store WindowStore, maxAttempts int, window time.Duration) *Limiter {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if window <= 0 {
		window = 15 * time.Minute
	}

	return &Limiter{
		store:       store,
		maxAttempts: maxAttempts,
		window:      window,
	}
}

// Allow reports whether another attempt may proceed, and the wait hint in
// seconds when it may not. It does not count the attempt.
func (l *Limiter) Allow(ctx context.Context, phoneNumber, origin string) (int64, bool, error) {
	key, err := l.key(phoneNumber, origin)
	if err != nil {
		return 0, false, err
	}
	if l.store == nil {
		return 0, false, fmt.Errorf("rate limiter store is nil")
	}

	count, ttl, err := l.store.WindowState(ctx, key)
	if err != nil {
		return 0, false, err
	}
	if count >= int64(l.maxAttempts) {
		return ceilSeconds(ttl), false, nil
	}

	return 0, true, nil
}

// Count records one attempt against the window. The first attempt arms the
// window's TTL.
func (l *Limiter) Count(ctx context.Context, phoneNumber, origin string) error {
	key, err := l.key(phoneNumber, origin)
	if err != nil {
		return err
	}
	if l.store == nil {
		return fmt.Errorf("rate limiter store is nil")
	}

	if _, _, err := l.store.IncrementWindow(ctx, key, l.window); err != nil {
		return err
	}

	return nil
}

func (l *Limiter) key(phoneNumber, origin string) (string, error) {
	phoneNumber = strings.TrimSpace(phoneNumber)
	origin = strings.TrimSpace(origin)
	if phoneNumber == "" || origin == "" {
		return "", fmt.Errorf("invalid rate identity")
	}
	return "rate:recovery:" + phoneNumber + ":" + origin, nil
}

func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	sec := int64(d / time.Second)
	if d%time.Second != 0 {
		sec++
	}
	if sec <= 0 {
		sec = 1
	}
	return sec
}
