package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/juliustm/nyota/internal/domain/enums"
)

var (
	ErrPurchaseNotFound  = errors.New("purchase not found")
	ErrGatewayRefTaken   = errors.New("gateway reference already attached to another purchase")
	ErrNotRetryable      = errors.New("purchase is not in a retryable state")
	ErrRetriesExhausted  = errors.New("purchase retry budget exhausted")
	ErrPurchaseNotActive = errors.New("purchase is not pending")
)

// PurchaseRepo is the Ledger: the single durable source of truth for every
// purchase attempt and its lifecycle state. All state transitions go through
// conditional UPDATEs keyed on the current status so that two racing writers
// can never both win the same transition.
type PurchaseRepo struct {
	pool *pgxpool.Pool
}

type PurchaseRecord struct {
	ID          int64
	Phone       string
	AssetRef    string
	AmountMinor int64
	Currency    string
	GatewayRef  string
	ChannelID   string
	Status      enums.PurchaseStatus
	RetryCount  int
	Payload     map[string]any
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func NewPurchaseRepo(pool *pgxpool.Pool) *PurchaseRepo {
	return &PurchaseRepo{pool: pool}
}

const purchaseColumns = `id, phone, asset_ref, amount_minor, currency, gateway_ref, channel_id, status, retry_count, payload, created_at, updated_at`

func (r *PurchaseRepo) CreatePending(ctx context.Context, phone, assetRef string, amountMinor int64, currency, gatewayRef, channelID string) (PurchaseRecord, error) {
	if r.pool == nil {
		return PurchaseRecord{}, fmt.Errorf("postgres pool is nil")
	}
	if strings.TrimSpace(phone) == "" || strings.TrimSpace(assetRef) == "" || amountMinor <= 0 {
		return PurchaseRecord{}, fmt.Errorf("invalid purchase create payload")
	}
	if strings.TrimSpace(gatewayRef) == "" || strings.TrimSpace(channelID) == "" {
		return PurchaseRecord{}, fmt.Errorf("invalid purchase reference payload")
	}

	record, err := scanPurchase(r.pool.QueryRow(ctx, `
INSERT INTO purchases (
	phone,
	asset_ref,
	amount_minor,
	currency,
	gateway_ref,
	channel_id,
	status,
	retry_count,
	payload,
	created_at,
	updated_at
) VALUES ($1, $2, $3, $4, $5, $6, 'pending', 0, '{}'::jsonb, NOW(), NOW())
RETURNING `+purchaseColumns+`
`, phone, strings.TrimSpace(assetRef), amountMinor, strings.ToUpper(strings.TrimSpace(currency)), gatewayRef, channelID))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return PurchaseRecord{}, ErrGatewayRefTaken
		}
		return PurchaseRecord{}, fmt.Errorf("create pending purchase: %w", err)
	}

	return record, nil
}

func (r *PurchaseRepo) FindByID(ctx context.Context, purchaseID int64) (PurchaseRecord, error) {
	if r.pool == nil {
		return PurchaseRecord{}, fmt.Errorf("postgres pool is nil")
	}
	if purchaseID <= 0 {
		return PurchaseRecord{}, fmt.Errorf("invalid purchase id")
	}

	record, err := scanPurchase(r.pool.QueryRow(ctx, `
SELECT `+purchaseColumns+`
FROM purchases
WHERE id = $1
LIMIT 1
`, purchaseID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PurchaseRecord{}, ErrPurchaseNotFound
		}
		return PurchaseRecord{}, fmt.Errorf("find purchase by id: %w", err)
	}

	return record, nil
}

func (r *PurchaseRepo) FindByGatewayRef(ctx context.Context, gatewayRef string) (PurchaseRecord, error) {
	if r.pool == nil {
		return PurchaseRecord{}, fmt.Errorf("postgres pool is nil")
	}
	gatewayRef = strings.TrimSpace(gatewayRef)
	if gatewayRef == "" {
		return PurchaseRecord{}, fmt.Errorf("gateway reference is required")
	}

	record, err := scanPurchase(r.pool.QueryRow(ctx, `
SELECT `+purchaseColumns+`
FROM purchases
WHERE gateway_ref = $1
LIMIT 1
`, gatewayRef))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PurchaseRecord{}, ErrPurchaseNotFound
		}
		return PurchaseRecord{}, fmt.Errorf("find purchase by gateway ref: %w", err)
	}

	return record, nil
}

func (r *PurchaseRepo) FindByChannelID(ctx context.Context, channelID string) (PurchaseRecord, error) {
	if r.pool == nil {
		return PurchaseRecord{}, fmt.Errorf("postgres pool is nil")
	}
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return PurchaseRecord{}, fmt.Errorf("channel id is required")
	}

	record, err := scanPurchase(r.pool.QueryRow(ctx, `
SELECT `+purchaseColumns+`
FROM purchases
WHERE channel_id = $1
LIMIT 1
`, channelID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PurchaseRecord{}, ErrPurchaseNotFound
		}
		return PurchaseRecord{}, fmt.Errorf("find purchase by channel id: %w", err)
	}

	return record, nil
}

// FindCompletedByPhoneAndDate matches at UTC date granularity: the recovery
// flow asks buyers for the day they paid, not the exact time. The completion
// timestamp is shifted to UTC before truncation so the match does not depend
// on the database session's timezone.
func (r *PurchaseRepo) FindCompletedByPhoneAndDate(ctx context.Context, phoneNumber string, day time.Time) (PurchaseRecord, error) {
	if r.pool == nil {
		return PurchaseRecord{}, fmt.Errorf("postgres pool is nil")
	}
	phoneNumber = strings.TrimSpace(phoneNumber)
	if phoneNumber == "" || day.IsZero() {
		return PurchaseRecord{}, fmt.Errorf("invalid recovery lookup payload")
	}

	record, err := scanPurchase(r.pool.QueryRow(ctx, `
SELECT `+purchaseColumns+`
FROM purchases
WHERE phone = $1
  AND status = 'completed'
  AND (updated_at AT TIME ZONE 'UTC')::date = $2::date
ORDER BY updated_at DESC
LIMIT 1
`, phoneNumber, day.UTC().Format("2006-01-02")))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PurchaseRecord{}, ErrPurchaseNotFound
		}
		return PurchaseRecord{}, fmt.Errorf("find completed purchase by phone and date: %w", err)
	}

	return record, nil
}

func (r *PurchaseRepo) FindCompletedByPhone(ctx context.Context, phoneNumber string) (PurchaseRecord, error) {
	if r.pool == nil {
		return PurchaseRecord{}, fmt.Errorf("postgres pool is nil")
	}
	phoneNumber = strings.TrimSpace(phoneNumber)
	if phoneNumber == "" {
		return PurchaseRecord{}, fmt.Errorf("phone number is required")
	}

	record, err := scanPurchase(r.pool.QueryRow(ctx, `
SELECT `+purchaseColumns+`
FROM purchases
WHERE phone = $1
  AND status = 'completed'
ORDER BY updated_at DESC
LIMIT 1
`, phoneNumber))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PurchaseRecord{}, ErrPurchaseNotFound
		}
		return PurchaseRecord{}, fmt.Errorf("find completed purchase by phone: %w", err)
	}

	return record, nil
}

// MarkOutcome applies the gateway's outcome to the purchase currently
// holding gatewayRef. Pending rows take it directly; timed_out rows take it
// too, because a client-acknowledged timeout never means the gateway gave
// up. The WHERE clause is the mutual exclusion: of two concurrent webhook
// deliveries exactly one wins; the loser gets changed=false plus the
// post-transition record.
func (r *PurchaseRepo) MarkOutcome(ctx context.Context, gatewayRef string, to enums.PurchaseStatus, payload map[string]any) (PurchaseRecord, bool, error) {
	if r.pool == nil {
		return PurchaseRecord{}, false, fmt.Errorf("postgres pool is nil")
	}
	gatewayRef = strings.TrimSpace(gatewayRef)
	if gatewayRef == "" {
		return PurchaseRecord{}, false, fmt.Errorf("gateway reference is required")
	}
	if to != enums.PurchaseStatusCompleted && to != enums.PurchaseStatusFailed {
		return PurchaseRecord{}, false, fmt.Errorf("unsupported outcome status %q", to)
	}

	payloadJSON, err := marshalPayload(payload)
	if err != nil {
		return PurchaseRecord{}, false, err
	}

	record, err := scanPurchase(r.pool.QueryRow(ctx, `
UPDATE purchases
SET
	status = $2,
	payload = payload || $3::jsonb,
	updated_at = NOW()
WHERE gateway_ref = $1
  AND status IN ('pending', 'timed_out')
RETURNING `+purchaseColumns+`
`, gatewayRef, string(to), payloadJSON))
	if err == nil {
		return record, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return PurchaseRecord{}, false, fmt.Errorf("mark purchase outcome: %w", err)
	}

	existing, err := r.FindByGatewayRef(ctx, gatewayRef)
	if err != nil {
		return PurchaseRecord{}, false, err
	}
	return existing, false, nil
}

// RecordLateOutcome keeps the ledger honest about webhooks that arrive after
// cancellation: the payload is preserved for reconciliation, the status and
// the buyer-facing world stay untouched.
func (r *PurchaseRepo) RecordLateOutcome(ctx context.Context, purchaseID int64, payload map[string]any) error {
	if r.pool == nil {
		return fmt.Errorf("postgres pool is nil")
	}
	if purchaseID <= 0 {
		return fmt.Errorf("invalid purchase id")
	}

	payloadJSON, err := marshalPayload(payload)
	if err != nil {
		return err
	}

	tag, err := r.pool.Exec(ctx, `
UPDATE purchases
SET
	payload = payload || $2::jsonb,
	updated_at = NOW()
WHERE id = $1
`, purchaseID, payloadJSON)
	if err != nil {
		return fmt.Errorf("record late outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPurchaseNotFound
	}

	return nil
}

// ResetForRetry re-enters pending under fresh references. Only failed or
// timed_out rows within the retry budget qualify; the same row is reused so
// the buyer keeps one purchase identity across attempts.
func (r *PurchaseRepo) ResetForRetry(ctx context.Context, purchaseID int64, newGatewayRef, newChannelID string, maxRetries int) (PurchaseRecord, error) {
	if r.pool == nil {
		return PurchaseRecord{}, fmt.Errorf("postgres pool is nil")
	}
	if purchaseID <= 0 || strings.TrimSpace(newGatewayRef) == "" || strings.TrimSpace(newChannelID) == "" {
		return PurchaseRecord{}, fmt.Errorf("invalid retry payload")
	}

	record, err := scanPurchase(r.pool.QueryRow(ctx, `
UPDATE purchases
SET
	gateway_ref = $2,
	channel_id = $3,
	status = 'pending',
	retry_count = retry_count + 1,
	updated_at = NOW()
WHERE id = $1
  AND status IN ('failed', 'timed_out')
  AND retry_count < $4
RETURNING `+purchaseColumns+`
`, purchaseID, newGatewayRef, newChannelID, maxRetries))
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return PurchaseRecord{}, ErrGatewayRefTaken
		}
		return PurchaseRecord{}, fmt.Errorf("reset purchase for retry: %w", err)
	}

	existing, err := r.FindByID(ctx, purchaseID)
	if err != nil {
		return PurchaseRecord{}, err
	}
	if existing.Status.Retryable() {
		return PurchaseRecord{}, ErrRetriesExhausted
	}
	return PurchaseRecord{}, ErrNotRetryable
}

// MarkCancelled is idempotent: cancelling an already-cancelled purchase is a
// no-op success, cancelling any other non-pending purchase is rejected.
func (r *PurchaseRepo) MarkCancelled(ctx context.Context, purchaseID int64) (PurchaseRecord, error) {
	if r.pool == nil {
		return PurchaseRecord{}, fmt.Errorf("postgres pool is nil")
	}
	if purchaseID <= 0 {
		return PurchaseRecord{}, fmt.Errorf("invalid purchase id")
	}

	record, err := scanPurchase(r.pool.QueryRow(ctx, `
UPDATE purchases
SET
	status = 'cancelled',
	updated_at = NOW()
WHERE id = $1
  AND status = 'pending'
RETURNING `+purchaseColumns+`
`, purchaseID))
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return PurchaseRecord{}, fmt.Errorf("mark purchase cancelled: %w", err)
	}

	existing, err := r.FindByID(ctx, purchaseID)
	if err != nil {
		return PurchaseRecord{}, err
	}
	if existing.Status == enums.PurchaseStatusCancelled {
		return existing, nil
	}
	return PurchaseRecord{}, ErrPurchaseNotActive
}

// MarkTimedOut records a client-observed wait expiry. A webhook that already
// resolved the purchase wins: the call then reports the resolved record with
// changed=false and the client is expected to re-poll.
func (r *PurchaseRepo) MarkTimedOut(ctx context.Context, purchaseID int64) (PurchaseRecord, bool, error) {
	if r.pool == nil {
		return PurchaseRecord{}, false, fmt.Errorf("postgres pool is nil")
	}
	if purchaseID <= 0 {
		return PurchaseRecord{}, false, fmt.Errorf("invalid purchase id")
	}

	record, err := scanPurchase(r.pool.QueryRow(ctx, `
UPDATE purchases
SET
	status = 'timed_out',
	updated_at = NOW()
WHERE id = $1
  AND status = 'pending'
RETURNING `+purchaseColumns+`
`, purchaseID))
	if err == nil {
		return record, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return PurchaseRecord{}, false, fmt.Errorf("mark purchase timed out: %w", err)
	}

	existing, err := r.FindByID(ctx, purchaseID)
	if err != nil {
		return PurchaseRecord{}, false, err
	}
	return existing, false, nil
}

// FailStalePending closes out pending rows the gateway never called back
// about. Used by the cleanup job, not by request paths.
func (r *PurchaseRepo) FailStalePending(ctx context.Context, cutoff time.Time) ([]PurchaseRecord, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}
	if cutoff.IsZero() {
		return nil, fmt.Errorf("cutoff is required")
	}

	rows, err := r.pool.Query(ctx, `
UPDATE purchases
SET
	status = 'failed',
	payload = payload || '{"failure_reason":"no gateway callback"}'::jsonb,
	updated_at = NOW()
WHERE status = 'pending'
  AND updated_at < $1
RETURNING `+purchaseColumns+`
`, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("fail stale pending purchases: %w", err)
	}
	defer rows.Close()

	var failed []PurchaseRecord
	for rows.Next() {
		record, scanErr := scanPurchase(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan stale purchase: %w", scanErr)
		}
		failed = append(failed, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale purchases: %w", err)
	}

	return failed, nil
}

func scanPurchase(row pgx.Row) (PurchaseRecord, error) {
	var (
		record     PurchaseRecord
		status     string
		rawPayload []byte
	)
	if err := row.Scan(
		&record.ID,
		&record.Phone,
		&record.AssetRef,
		&record.AmountMinor,
		&record.Currency,
		&record.GatewayRef,
		&record.ChannelID,
		&status,
		&record.RetryCount,
		&rawPayload,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		return PurchaseRecord{}, err
	}
	record.Status = enums.PurchaseStatus(status)
	record.Payload = decodePayload(rawPayload)
	return record, nil
}

func marshalPayload(payload map[string]any) (string, error) {
	if len(payload) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal purchase payload: %w", err)
	}
	return string(raw), nil
}

func decodePayload(raw []byte) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return map[string]any{}
	}
	if payload == nil {
		return map[string]any{}
	}
	return payload
}
