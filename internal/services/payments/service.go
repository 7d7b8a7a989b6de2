package payments

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/juliustm/nyota/internal/domain/enums"
	"github.com/juliustm/nyota/internal/infra/gateway"
	"github.com/juliustm/nyota/internal/pkg/phone"
	pgrepo "github.com/juliustm/nyota/internal/repo/postgres"
	"github.com/juliustm/nyota/internal/services/broadcast"
)

const (
	eventStatusCompleted = "COMPLETED"
	eventStatusFailed    = "FAILED"
)

var (
	ErrValidation       = errors.New("validation error")
	ErrBadSignature     = errors.New("webhook signature mismatch")
	ErrPurchaseNotFound = errors.New("purchase not found")
	ErrInvalidState     = errors.New("operation not valid for current purchase state")
	ErrRetriesExhausted = errors.New("purchase retry budget exhausted")
	ErrGatewayPush      = errors.New("gateway push request failed")
)

type PurchaseStore interface {
	CreatePending(ctx context.Context, phoneNumber, assetRef string, amountMinor int64, currency, gatewayRef, channelID string) (pgrepo.PurchaseRecord, error)
	FindByID(ctx context.Context, purchaseID int64) (pgrepo.PurchaseRecord, error)
	FindByGatewayRef(ctx context.Context, gatewayRef string) (pgrepo.PurchaseRecord, error)
	FindByChannelID(ctx context.Context, channelID string) (pgrepo.PurchaseRecord, error)
	MarkOutcome(ctx context.Context, gatewayRef string, to enums.PurchaseStatus, payload map[string]any) (pgrepo.PurchaseRecord, bool, error)
	RecordLateOutcome(ctx context.Context, purchaseID int64, payload map[string]any) error
	ResetForRetry(ctx context.Context, purchaseID int64, newGatewayRef, newChannelID string, maxRetries int) (pgrepo.PurchaseRecord, error)
	MarkCancelled(ctx context.Context, purchaseID int64) (pgrepo.PurchaseRecord, error)
	MarkTimedOut(ctx context.Context, purchaseID int64) (pgrepo.PurchaseRecord, bool, error)
	FindCompletedByPhone(ctx context.Context, phoneNumber string) (pgrepo.PurchaseRecord, error)
}

type GatewayClient interface {
	RequestPush(ctx context.Context, push gateway.PushRequest) error
}

type EventPublisher interface {
	Publish(channelID string, event broadcast.Event) bool
}

type Config struct {
	Currency      string
	MaxRetries    int
	LibraryURL    string
	WebhookSecret string
}

// Service owns the purchase lifecycle: it creates pending ledger rows at
// checkout, applies gateway webhooks exactly once, and handles the buyer's
// retry, cancel and timeout actions. The ledger write always lands before
// any event is published.
type Service struct {
	purchases PurchaseStore
	gateway   GatewayClient
	events    EventPublisher
	cfg       Config
	now       func() time.Time
}

type Dependencies struct {
	Purchases PurchaseStore
	Gateway   GatewayClient
	Events    EventPublisher
}

type InitiateInput struct {
	PhoneNumber string
	AssetRef    string
	AmountMinor int64
	ChannelID   string
}

type InitiateResult struct {
	PurchaseID int64
	GatewayRef string
	ChannelID  string
	Status     enums.PurchaseStatus
}

type WebhookInput struct {
	GatewayRef  string
	Outcome     string
	AmountMinor int64
	Secret      string
	Payload     map[string]any
}

type WebhookResult struct {
	PurchaseID       int64
	Status           enums.PurchaseStatus
	AlreadyProcessed bool
	Suppressed       bool
}

type StatusResult struct {
	PurchaseID  int64
	ChannelID   string
	Status      enums.PurchaseStatus
	Message     string
	RedirectURL string
	RetryCount  int
}

type RetryInput struct {
	PurchaseID  int64
	GatewayRef  string
	PhoneNumber string
}

type RetryResult struct {
	PurchaseID int64
	GatewayRef string
	ChannelID  string
	RetryCount int
}

type TimeoutResult struct {
	PurchaseID int64
	Status     enums.PurchaseStatus
	Changed    bool
}

func NewService(deps Dependencies, cfg Config) *Service {
	if cfg.Currency == "" {
		cfg.Currency = "TZS"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.LibraryURL == "" {
		cfg.LibraryURL = "/library"
	}

	return &Service{
		purchases: deps.Purchases,
		gateway:   deps.Gateway,
		events:    deps.Events,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Initiate creates the pending ledger row and asks the gateway to push a
// payment prompt to the buyer's phone. The gateway call happens after the
// durable write and outside any state-changing section: a failed push leaves
// an honest pending row behind which the timeout/retry path resolves.
func (s *Service) Initiate(ctx context.Context, in InitiateInput) (InitiateResult, error) {
	if s.purchases == nil || s.gateway == nil {
		return InitiateResult{}, fmt.Errorf("payments dependencies are not configured")
	}

	number := phone.Normalize(in.PhoneNumber)
	if !phone.Valid(number) {
		return InitiateResult{}, ErrValidation
	}
	assetRef := strings.TrimSpace(in.AssetRef)
	if assetRef == "" || in.AmountMinor <= 0 {
		return InitiateResult{}, ErrValidation
	}

	channelID := strings.TrimSpace(in.ChannelID)
	if channelID == "" {
		channelID = uuid.NewString()
	}
	gatewayRef := uuid.NewString()

	record, err := s.purchases.CreatePending(ctx, number, assetRef, in.AmountMinor, s.cfg.Currency, gatewayRef, channelID)
	if err != nil {
		return InitiateResult{}, err
	}

	result := InitiateResult{
		PurchaseID: record.ID,
		GatewayRef: record.GatewayRef,
		ChannelID:  record.ChannelID,
		Status:     record.Status,
	}

	if err := s.gateway.RequestPush(ctx, gateway.PushRequest{
		GatewayRef:  record.GatewayRef,
		PhoneNumber: record.Phone,
		AmountMinor: record.AmountMinor,
		Currency:    record.Currency,
		Description: record.AssetRef,
	}); err != nil {
		return result, fmt.Errorf("%w: %s", ErrGatewayPush, err)
	}

	return result, nil
}

// ConfirmWebhook applies one gateway callback. A callback landing after the
// client acknowledged a local timeout still moves the ledger to the real
// outcome; duplicates and replays against resolved purchases land on the
// idempotent no-op path and still return success, so the gateway is never
// told to retry a business decision.
func (s *Service) ConfirmWebhook(ctx context.Context, in WebhookInput) (WebhookResult, error) {
	if s.purchases == nil {
		return WebhookResult{}, fmt.Errorf("purchase store is nil")
	}

	if !s.secretMatches(in.Secret) {
		return WebhookResult{}, ErrBadSignature
	}

	gatewayRef := strings.TrimSpace(in.GatewayRef)
	if gatewayRef == "" {
		return WebhookResult{}, ErrValidation
	}
	to, err := outcomeStatus(in.Outcome)
	if err != nil {
		return WebhookResult{}, err
	}

	record, err := s.purchases.FindByGatewayRef(ctx, gatewayRef)
	if err != nil {
		if errors.Is(err, pgrepo.ErrPurchaseNotFound) {
			return WebhookResult{}, ErrPurchaseNotFound
		}
		return WebhookResult{}, err
	}

	payload := webhookPayload(in, to)
	payload["gateway_received_at"] = s.now().UTC().Format(time.RFC3339)

	if record.Status == enums.PurchaseStatusCancelled {
		if err := s.purchases.RecordLateOutcome(ctx, record.ID, payload); err != nil {
			return WebhookResult{}, err
		}
		return WebhookResult{
			PurchaseID:       record.ID,
			Status:           record.Status,
			AlreadyProcessed: true,
			Suppressed:       true,
		}, nil
	}
	if record.Status != enums.PurchaseStatusPending && record.Status != enums.PurchaseStatusTimedOut {
		return WebhookResult{
			PurchaseID:       record.ID,
			Status:           record.Status,
			AlreadyProcessed: true,
		}, nil
	}

	updated, changed, err := s.purchases.MarkOutcome(ctx, gatewayRef, to, payload)
	if err != nil {
		return WebhookResult{}, err
	}
	if !changed {
		// Lost the race. A concurrent cancel still deserves the audit entry.
		suppressed := false
		if updated.Status == enums.PurchaseStatusCancelled {
			if err := s.purchases.RecordLateOutcome(ctx, updated.ID, payload); err != nil {
				return WebhookResult{}, err
			}
			suppressed = true
		}
		return WebhookResult{
			PurchaseID:       updated.ID,
			Status:           updated.Status,
			AlreadyProcessed: true,
			Suppressed:       suppressed,
		}, nil
	}

	s.publishOutcome(updated)

	return WebhookResult{
		PurchaseID: updated.ID,
		Status:     updated.Status,
	}, nil
}

// Status is the polling read: a pure ledger lookup that must agree with
// whatever the stream delivered or will deliver.
func (s *Service) Status(ctx context.Context, purchaseID int64) (StatusResult, error) {
	if s.purchases == nil {
		return StatusResult{}, fmt.Errorf("purchase store is nil")
	}

	record, err := s.purchases.FindByID(ctx, purchaseID)
	if err != nil {
		if errors.Is(err, pgrepo.ErrPurchaseNotFound) {
			return StatusResult{}, ErrPurchaseNotFound
		}
		return StatusResult{}, err
	}

	return s.statusResult(record), nil
}

func (s *Service) StatusByChannel(ctx context.Context, channelID string) (StatusResult, error) {
	if s.purchases == nil {
		return StatusResult{}, fmt.Errorf("purchase store is nil")
	}

	record, err := s.purchases.FindByChannelID(ctx, channelID)
	if err != nil {
		if errors.Is(err, pgrepo.ErrPurchaseNotFound) {
			return StatusResult{}, ErrPurchaseNotFound
		}
		return StatusResult{}, err
	}

	return s.statusResult(record), nil
}

// Retry re-enters pending under a fresh gateway reference and channel id,
// then pushes the gateway again. Valid only from failed or timed_out.
func (s *Service) Retry(ctx context.Context, in RetryInput) (RetryResult, error) {
	if s.purchases == nil || s.gateway == nil {
		return RetryResult{}, fmt.Errorf("payments dependencies are not configured")
	}
	if in.PurchaseID <= 0 {
		return RetryResult{}, ErrValidation
	}

	record, err := s.purchases.FindByID(ctx, in.PurchaseID)
	if err != nil {
		if errors.Is(err, pgrepo.ErrPurchaseNotFound) {
			return RetryResult{}, ErrPurchaseNotFound
		}
		return RetryResult{}, err
	}

	if number := phone.Normalize(in.PhoneNumber); in.PhoneNumber != "" && number != record.Phone {
		return RetryResult{}, ErrValidation
	}
	if ref := strings.TrimSpace(in.GatewayRef); ref != "" && ref != record.GatewayRef {
		return RetryResult{}, ErrValidation
	}

	updated, err := s.purchases.ResetForRetry(ctx, record.ID, uuid.NewString(), uuid.NewString(), s.cfg.MaxRetries)
	if err != nil {
		switch {
		case errors.Is(err, pgrepo.ErrRetriesExhausted):
			return RetryResult{}, ErrRetriesExhausted
		case errors.Is(err, pgrepo.ErrNotRetryable):
			return RetryResult{}, ErrInvalidState
		case errors.Is(err, pgrepo.ErrPurchaseNotFound):
			return RetryResult{}, ErrPurchaseNotFound
		default:
			return RetryResult{}, err
		}
	}

	result := RetryResult{
		PurchaseID: updated.ID,
		GatewayRef: updated.GatewayRef,
		ChannelID:  updated.ChannelID,
		RetryCount: updated.RetryCount,
	}

	if err := s.gateway.RequestPush(ctx, gateway.PushRequest{
		GatewayRef:  updated.GatewayRef,
		PhoneNumber: updated.Phone,
		AmountMinor: updated.AmountMinor,
		Currency:    updated.Currency,
		Description: updated.AssetRef,
	}); err != nil {
		return result, fmt.Errorf("%w: %s", ErrGatewayPush, err)
	}

	return result, nil
}

// Cancel abandons a pending purchase. No event is published: the buyer
// initiated the cancel, there is nobody left to notify.
func (s *Service) Cancel(ctx context.Context, purchaseID int64) (StatusResult, error) {
	if s.purchases == nil {
		return StatusResult{}, fmt.Errorf("purchase store is nil")
	}
	if purchaseID <= 0 {
		return StatusResult{}, ErrValidation
	}

	record, err := s.purchases.MarkCancelled(ctx, purchaseID)
	if err != nil {
		switch {
		case errors.Is(err, pgrepo.ErrPurchaseNotActive):
			return StatusResult{}, ErrInvalidState
		case errors.Is(err, pgrepo.ErrPurchaseNotFound):
			return StatusResult{}, ErrPurchaseNotFound
		default:
			return StatusResult{}, err
		}
	}

	return s.statusResult(record), nil
}

// AcknowledgeTimeout records a client-observed wait expiry. If a webhook
// resolved the purchase first, the resolved state is returned unchanged and
// the client should treat it as the answer it was waiting for.
func (s *Service) AcknowledgeTimeout(ctx context.Context, purchaseID int64) (TimeoutResult, error) {
	if s.purchases == nil {
		return TimeoutResult{}, fmt.Errorf("purchase store is nil")
	}
	if purchaseID <= 0 {
		return TimeoutResult{}, ErrValidation
	}

	record, changed, err := s.purchases.MarkTimedOut(ctx, purchaseID)
	if err != nil {
		if errors.Is(err, pgrepo.ErrPurchaseNotFound) {
			return TimeoutResult{}, ErrPurchaseNotFound
		}
		return TimeoutResult{}, err
	}

	return TimeoutResult{
		PurchaseID: record.ID,
		Status:     record.Status,
		Changed:    changed,
	}, nil
}

// VerifyCompleted confirms that a phone number owns a completed purchase,
// used before handing out a library session on the checkout success path.
func (s *Service) VerifyCompleted(ctx context.Context, purchaseID int64, phoneNumber string) (pgrepo.PurchaseRecord, error) {
	if s.purchases == nil {
		return pgrepo.PurchaseRecord{}, fmt.Errorf("purchase store is nil")
	}

	record, err := s.purchases.FindByID(ctx, purchaseID)
	if err != nil {
		if errors.Is(err, pgrepo.ErrPurchaseNotFound) {
			return pgrepo.PurchaseRecord{}, ErrPurchaseNotFound
		}
		return pgrepo.PurchaseRecord{}, err
	}

	if record.Status != enums.PurchaseStatusCompleted {
		return pgrepo.PurchaseRecord{}, ErrInvalidState
	}
	if phone.Normalize(phoneNumber) != record.Phone {
		return pgrepo.PurchaseRecord{}, ErrPurchaseNotFound
	}

	return record, nil
}

type LibraryItem struct {
	PurchaseID  int64
	AssetRef    string
	AmountMinor int64
	Currency    string
	CompletedAt time.Time
}

// Library returns the buyer's most recent completed purchase, used by the
// session-guarded library view.
func (s *Service) Library(ctx context.Context, phoneNumber string) (LibraryItem, error) {
	if s.purchases == nil {
		return LibraryItem{}, fmt.Errorf("purchase store is nil")
	}

	number := phone.Normalize(phoneNumber)
	if !phone.Valid(number) {
		return LibraryItem{}, ErrValidation
	}

	record, err := s.purchases.FindCompletedByPhone(ctx, number)
	if err != nil {
		if errors.Is(err, pgrepo.ErrPurchaseNotFound) {
			return LibraryItem{}, ErrPurchaseNotFound
		}
		return LibraryItem{}, err
	}

	return LibraryItem{
		PurchaseID:  record.ID,
		AssetRef:    record.AssetRef,
		AmountMinor: record.AmountMinor,
		Currency:    record.Currency,
		CompletedAt: record.UpdatedAt,
	}, nil
}

func (s *Service) publishOutcome(record pgrepo.PurchaseRecord) {
	if s.events == nil {
		return
	}

	event := broadcast.Event{
		Status:  eventStatusFailed,
		Message: statusMessage(record.Status),
	}
	if record.Status == enums.PurchaseStatusCompleted {
		event.Status = eventStatusCompleted
		event.RedirectURL = s.cfg.LibraryURL
	}

	s.events.Publish(record.ChannelID, event)
}

func (s *Service) statusResult(record pgrepo.PurchaseRecord) StatusResult {
	result := StatusResult{
		PurchaseID: record.ID,
		ChannelID:  record.ChannelID,
		Status:     record.Status,
		Message:    statusMessage(record.Status),
		RetryCount: record.RetryCount,
	}
	if record.Status == enums.PurchaseStatusCompleted {
		result.RedirectURL = s.cfg.LibraryURL
	}
	return result
}

func (s *Service) secretMatches(presented string) bool {
	if s.cfg.WebhookSecret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(s.cfg.WebhookSecret)) == 1
}

func webhookPayload(in WebhookInput, to enums.PurchaseStatus) map[string]any {
	payload := make(map[string]any, len(in.Payload)+3)
	for k, v := range in.Payload {
		payload[k] = v
	}
	payload["gateway_outcome"] = string(to)
	if in.AmountMinor > 0 {
		payload["gateway_amount_minor"] = in.AmountMinor
	}
	return payload
}

func outcomeStatus(raw string) (enums.PurchaseStatus, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "success", "succeeded", "completed", "confirmed", "paid":
		return enums.PurchaseStatusCompleted, nil
	case "failed", "failure", "declined", "rejected", "insufficient_funds":
		return enums.PurchaseStatusFailed, nil
	default:
		return "", ErrValidation
	}
}

func statusMessage(status enums.PurchaseStatus) string {
	switch status {
	case enums.PurchaseStatusPending:
		return "Waiting for confirmation. Please check your phone to authorize the transaction."
	case enums.PurchaseStatusCompleted:
		return "Payment confirmed!"
	case enums.PurchaseStatusFailed:
		return "Payment failed. Please check your phone and try again."
	case enums.PurchaseStatusCancelled:
		return "Payment cancelled."
	case enums.PurchaseStatusTimedOut:
		return "Payment request timed out."
	default:
		return ""
	}
}
