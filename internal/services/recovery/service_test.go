package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	pgrepo "github.com/juliustm/nyota/internal/repo/postgres"
	"github.com/juliustm/nyota/internal/services/auth"
)

type purchaseFinderStub struct {
	byDay map[string]pgrepo.PurchaseRecord
}

func dayKey(phoneNumber string, day time.Time) string {
	return phoneNumber + "@" + day.Format("2006-01-02")
}

func (s *purchaseFinderStub) FindCompletedByPhoneAndDate(_ context.Context, phoneNumber string, day time.Time) (pgrepo.PurchaseRecord, error) {
	record, ok := s.byDay[dayKey(phoneNumber, day)]
	if !ok {
		return pgrepo.PurchaseRecord{}, pgrepo.ErrPurchaseNotFound
	}
	return record, nil
}

func (s *purchaseFinderStub) FindCompletedByPhone(_ context.Context, phoneNumber string) (pgrepo.PurchaseRecord, error) {
	for _, record := range s.byDay {
		if record.Phone == phoneNumber {
			return record, nil
		}
	}
	return pgrepo.PurchaseRecord{}, pgrepo.ErrPurchaseNotFound
}

type attemptRecorderStub struct {
	records []pgrepo.AccessAttemptRecord
}

func (s *attemptRecorderStub) Record(_ context.Context, phoneNumber, origin, outcome string, matchedPurchaseID *int64) (pgrepo.AccessAttemptRecord, error) {
	record := pgrepo.AccessAttemptRecord{
		ID:                int64(len(s.records) + 1),
		Phone:             phoneNumber,
		Origin:            origin,
		Outcome:           outcome,
		MatchedPurchaseID: matchedPurchaseID,
		CreatedAt:         time.Now().UTC(),
	}
	s.records = append(s.records, record)
	return record, nil
}

func (s *attemptRecorderStub) CountSince(_ context.Context, phoneNumber, origin string, cutoff time.Time) (int64, error) {
	var count int64
	for _, record := range s.records {
		if record.Phone != phoneNumber || record.Origin != origin {
			continue
		}
		if record.Outcome == pgrepo.AttemptOutcomeRateLimited || record.CreatedAt.Before(cutoff) {
			continue
		}
		count++
	}
	return count, nil
}

type limiterStub struct {
	counts     map[string]int64
	max        int64
	retryAfter int64
}

func newLimiterStub(max int64) *limiterStub {
	return &limiterStub{counts: make(map[string]int64), max: max, retryAfter: 900}
}

func (s *limiterStub) Allow(_ context.Context, phoneNumber, origin string) (int64, bool, error) {
	if s.counts[phoneNumber+":"+origin] >= s.max {
		return s.retryAfter, false, nil
	}
	return 0, true, nil
}

func (s *limiterStub) Count(_ context.Context, phoneNumber, origin string) error {
	s.counts[phoneNumber+":"+origin]++
	return nil
}

type sessionGranterStub struct {
	granted []string
	err     error
}

func (s *sessionGranterStub) GrantSession(_ context.Context, phoneNumber string) (auth.Grant, error) {
	if s.err != nil {
		return auth.Grant{}, s.err
	}
	s.granted = append(s.granted, phoneNumber)
	return auth.Grant{
		Token:     "token-" + phoneNumber,
		SID:       "sid-" + phoneNumber,
		Phone:     phoneNumber,
		ExpiresAt: time.Now().Add(time.Hour),
	}, nil
}

func newTestService(finder *purchaseFinderStub, attempts *attemptRecorderStub, limiter *limiterStub, sessions *sessionGranterStub) *Service {
	return NewService(Dependencies{
		Purchases: finder,
		Attempts:  attempts,
		Limiter:   limiter,
		Sessions:  sessions,
	}, Config{MaxAttempts: 3, Window: 15 * time.Minute})
}

func TestRecoverGrantsSessionOnMatch(t *testing.T) {
	day, _ := time.Parse("2006-01-02", "2026-03-10")
	finder := &purchaseFinderStub{byDay: map[string]pgrepo.PurchaseRecord{
		dayKey("0711000000", day): {ID: 42, Phone: "0711000000", AssetRef: "asset-a"},
	}}
	attempts := &attemptRecorderStub{}
	sessions := &sessionGranterStub{}
	svc := newTestService(finder, attempts, newLimiterStub(3), sessions)

	result, err := svc.Recover(context.Background(), RecoverInput{
		PhoneNumber:  "+255711000000",
		PurchaseDate: "2026-03-10",
		Origin:       "203.0.113.7",
	})
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if result.PurchaseID != 42 || result.AssetRef != "asset-a" {
		t.Fatalf("unexpected match: %+v", result)
	}
	if result.Grant.Token == "" || result.Grant.Phone != "0711000000" {
		t.Fatalf("expected a session grant, got %+v", result.Grant)
	}

	if len(attempts.records) != 1 {
		t.Fatalf("expected one audit row, got %d", len(attempts.records))
	}
	row := attempts.records[0]
	if row.Outcome != pgrepo.AttemptOutcomeSuccess || row.MatchedPurchaseID == nil || *row.MatchedPurchaseID != 42 {
		t.Fatalf("unexpected audit row: %+v", row)
	}
}

func TestRecoverRecordsNoMatch(t *testing.T) {
	finder := &purchaseFinderStub{byDay: map[string]pgrepo.PurchaseRecord{}}
	attempts := &attemptRecorderStub{}
	sessions := &sessionGranterStub{}
	svc := newTestService(finder, attempts, newLimiterStub(3), sessions)

	_, err := svc.Recover(context.Background(), RecoverInput{
		PhoneNumber:  "0711000000",
		PurchaseDate: "2026-03-10",
		Origin:       "203.0.113.7",
	})
	if !errors.Is(err, ErrNoMatch) {
		t.Fatalf("expected no match, got %v", err)
	}
	if len(sessions.granted) != 0 {
		t.Fatalf("no-match attempts must not mint sessions")
	}
	if len(attempts.records) != 1 || attempts.records[0].Outcome != pgrepo.AttemptOutcomeNoMatch {
		t.Fatalf("unexpected audit rows: %+v", attempts.records)
	}
}

func TestRecoverLocksOutAfterBudget(t *testing.T) {
	finder := &purchaseFinderStub{byDay: map[string]pgrepo.PurchaseRecord{}}
	attempts := &attemptRecorderStub{}
	limiter := newLimiterStub(3)
	svc := newTestService(finder, attempts, limiter, &sessionGranterStub{})

	in := RecoverInput{
		PhoneNumber:  "0711000000",
		PurchaseDate: "2026-03-10",
		Origin:       "203.0.113.7",
	}
	for i := 0; i < 3; i++ {
		if _, err := svc.Recover(context.Background(), in); !errors.Is(err, ErrNoMatch) {
			t.Fatalf("attempt %d: expected no match, got %v", i+1, err)
		}
	}

	_, err := svc.Recover(context.Background(), in)
	var lockout *LockoutError
	if !errors.As(err, &lockout) {
		t.Fatalf("expected lockout, got %v", err)
	}
	if lockout.RetryAfterSec != 900 {
		t.Fatalf("expected retry hint from the window, got %d", lockout.RetryAfterSec)
	}

	// Three counted attempts plus the rejected fourth.
	if len(attempts.records) != 4 {
		t.Fatalf("expected 4 audit rows, got %d", len(attempts.records))
	}
	if attempts.records[3].Outcome != pgrepo.AttemptOutcomeRateLimited {
		t.Fatalf("rejected attempt must still be audited: %+v", attempts.records[3])
	}
}

func TestRecoverAuditRowsBackstopLostCounters(t *testing.T) {
	finder := &purchaseFinderStub{byDay: map[string]pgrepo.PurchaseRecord{}}
	attempts := &attemptRecorderStub{}
	// A limiter that never locks stands in for flushed redis counters.
	svc := newTestService(finder, attempts, newLimiterStub(100), &sessionGranterStub{})

	in := RecoverInput{
		PhoneNumber:  "0711000000",
		PurchaseDate: "2026-03-10",
		Origin:       "203.0.113.7",
	}
	for i := 0; i < 3; i++ {
		if _, err := svc.Recover(context.Background(), in); !errors.Is(err, ErrNoMatch) {
			t.Fatalf("attempt %d: expected no match, got %v", i+1, err)
		}
	}

	_, err := svc.Recover(context.Background(), in)
	var lockout *LockoutError
	if !errors.As(err, &lockout) {
		t.Fatalf("audit rows must enforce the window on their own, got %v", err)
	}
	if lockout.RetryAfterSec != 900 {
		t.Fatalf("expected the full window as retry hint, got %d", lockout.RetryAfterSec)
	}
	if attempts.records[len(attempts.records)-1].Outcome != pgrepo.AttemptOutcomeRateLimited {
		t.Fatalf("rejected attempt must still be audited: %+v", attempts.records)
	}

	// Denied attempts do not extend the window: the durable count stays at
	// the three evaluated ones.
	count, err := attempts.CountSince(context.Background(), "0711000000", "203.0.113.7", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("count since: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 evaluated attempts, got %d", count)
	}
}

func TestRecoverLockoutScopedToOrigin(t *testing.T) {
	day, _ := time.Parse("2006-01-02", "2026-03-10")
	finder := &purchaseFinderStub{byDay: map[string]pgrepo.PurchaseRecord{
		dayKey("0711000000", day): {ID: 7, Phone: "0711000000", AssetRef: "asset-a"},
	}}
	limiter := newLimiterStub(3)
	svc := newTestService(finder, &attemptRecorderStub{}, limiter, &sessionGranterStub{})

	blocked := RecoverInput{PhoneNumber: "0711000000", PurchaseDate: "2026-03-11", Origin: "198.51.100.1"}
	for i := 0; i < 3; i++ {
		if _, err := svc.Recover(context.Background(), blocked); !errors.Is(err, ErrNoMatch) {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
	}
	var lockout *LockoutError
	if _, err := svc.Recover(context.Background(), blocked); !errors.As(err, &lockout) {
		t.Fatalf("expected lockout on the exhausted origin, got %v", err)
	}

	// A different origin still has its own budget.
	if _, err := svc.Recover(context.Background(), RecoverInput{
		PhoneNumber:  "0711000000",
		PurchaseDate: "2026-03-10",
		Origin:       "203.0.113.7",
	}); err != nil {
		t.Fatalf("fresh origin must not inherit the lockout: %v", err)
	}
}

func TestRecoverValidatesInput(t *testing.T) {
	svc := newTestService(&purchaseFinderStub{}, &attemptRecorderStub{}, newLimiterStub(3), &sessionGranterStub{})

	cases := []RecoverInput{
		{PhoneNumber: "123", PurchaseDate: "2026-03-10", Origin: "o"},
		{PhoneNumber: "0711000000", PurchaseDate: "10/03/2026", Origin: "o"},
		{PhoneNumber: "0711000000", PurchaseDate: "2026-03-10", Origin: ""},
	}
	for i, in := range cases {
		if _, err := svc.Recover(context.Background(), in); !errors.Is(err, ErrValidation) {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}
}
