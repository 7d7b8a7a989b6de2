package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	AttemptOutcomeSuccess     = "success"
	AttemptOutcomeNoMatch     = "no_match"
	AttemptOutcomeRateLimited = "rate_limited"
)

// AccessAttemptRepo is the append-only audit trail of library-recovery
// attempts. Rows are never updated or deleted by the engine.
type AccessAttemptRepo struct {
	pool *pgxpool.Pool
}

type AccessAttemptRecord struct {
	ID                int64
	Phone             string
	Origin            string
	Outcome           string
	MatchedPurchaseID *int64
	CreatedAt         time.Time
}

func NewAccessAttemptRepo(pool *pgxpool.Pool) *AccessAttemptRepo {
	return &AccessAttemptRepo{pool: pool}
}

func (r *AccessAttemptRepo) Record(ctx context.Context, phoneNumber, origin, outcome string, matchedPurchaseID *int64) (AccessAttemptRecord, error) {
	if r.pool == nil {
		return AccessAttemptRecord{}, fmt.Errorf("postgres pool is nil")
	}
	phoneNumber = strings.TrimSpace(phoneNumber)
	origin = strings.TrimSpace(origin)
	if phoneNumber == "" || origin == "" {
		return AccessAttemptRecord{}, fmt.Errorf("invalid access attempt payload")
	}
	switch outcome {
	case AttemptOutcomeSuccess, AttemptOutcomeNoMatch, AttemptOutcomeRateLimited:
	default:
		return AccessAttemptRecord{}, fmt.Errorf("unsupported access attempt outcome %q", outcome)
	}

	var record AccessAttemptRecord
	err := r.pool.QueryRow(ctx, `
INSERT INTO access_attempts (
	phone,
	origin,
	outcome,
	matched_purchase_id,
	created_at
) VALUES ($1, $2, $3, $4, NOW())
RETURNING id, phone, origin, outcome, matched_purchase_id, created_at
`, phoneNumber, origin, outcome, matchedPurchaseID).Scan(
		&record.ID,
		&record.Phone,
		&record.Origin,
		&record.Outcome,
		&record.MatchedPurchaseID,
		&record.CreatedAt,
	)
	if err != nil {
		return AccessAttemptRecord{}, fmt.Errorf("record access attempt: %w", err)
	}

	return record, nil
}

// CountSince reports evaluated attempts for a (phone, origin) pair newer
// than the cutoff. Denied attempts are excluded so a hammering caller does
// not extend their own lockout, mirroring the redis window. The hot-path
// check lives in redis; this read is the durable backstop that survives a
// redis flush.
func (r *AccessAttemptRepo) CountSince(ctx context.Context, phoneNumber, origin string, cutoff time.Time) (int64, error) {
	if r.pool == nil {
		return 0, fmt.Errorf("postgres pool is nil")
	}
	phoneNumber = strings.TrimSpace(phoneNumber)
	origin = strings.TrimSpace(origin)
	if phoneNumber == "" || origin == "" || cutoff.IsZero() {
		return 0, fmt.Errorf("invalid attempt count payload")
	}

	var count int64
	err := r.pool.QueryRow(ctx, `
SELECT COUNT(*)
FROM access_attempts
WHERE phone = $1
  AND origin = $2
  AND outcome <> 'rate_limited'
  AND created_at >= $3
`, phoneNumber, origin, cutoff.UTC()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count access attempts: %w", err)
	}

	return count, nil
}
