package handlers

import (
	"context"
	"sync"
	"time"

	"github.com/juliustm/nyota/internal/domain/enums"
	"github.com/juliustm/nyota/internal/infra/gateway"
	pgrepo "github.com/juliustm/nyota/internal/repo/postgres"
	authsvc "github.com/juliustm/nyota/internal/services/auth"
)

type memPurchaseStore struct {
	mu          sync.Mutex
	nextID      int64
	purchases   map[int64]pgrepo.PurchaseRecord
	gatewayRefs map[string]int64
}

func newMemPurchaseStore() *memPurchaseStore {
	return &memPurchaseStore{
		nextID:      1,
		purchases:   make(map[int64]pgrepo.PurchaseRecord),
		gatewayRefs: make(map[string]int64),
	}
}

func (s *memPurchaseStore) CreatePending(_ context.Context, phoneNumber, assetRef string, amountMinor int64, currency, gatewayRef, channelID string) (pgrepo.PurchaseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.gatewayRefs[gatewayRef]; exists {
		return pgrepo.PurchaseRecord{}, pgrepo.ErrGatewayRefTaken
	}

	id := s.nextID
	s.nextID++
	now := time.Now().UTC()
	record := pgrepo.PurchaseRecord{
		ID:          id,
		Phone:       phoneNumber,
		AssetRef:    assetRef,
		AmountMinor: amountMinor,
		Currency:    currency,
		GatewayRef:  gatewayRef,
		ChannelID:   channelID,
		Status:      enums.PurchaseStatusPending,
		Payload:     map[string]any{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.purchases[id] = record
	s.gatewayRefs[gatewayRef] = id
	return record, nil
}

func (s *memPurchaseStore) FindByID(_ context.Context, purchaseID int64) (pgrepo.PurchaseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.purchases[purchaseID]
	if !ok {
		return pgrepo.PurchaseRecord{}, pgrepo.ErrPurchaseNotFound
	}
	return record, nil
}

func (s *memPurchaseStore) FindByGatewayRef(_ context.Context, gatewayRef string) (pgrepo.PurchaseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.gatewayRefs[gatewayRef]
	if !ok {
		return pgrepo.PurchaseRecord{}, pgrepo.ErrPurchaseNotFound
	}
	record := s.purchases[id]
	if record.GatewayRef != gatewayRef {
		return pgrepo.PurchaseRecord{}, pgrepo.ErrPurchaseNotFound
	}
	return record, nil
}

func (s *memPurchaseStore) FindByChannelID(_ context.Context, channelID string) (pgrepo.PurchaseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, record := range s.purchases {
		if record.ChannelID == channelID {
			return record, nil
		}
	}
	return pgrepo.PurchaseRecord{}, pgrepo.ErrPurchaseNotFound
}

func (s *memPurchaseStore) MarkOutcome(_ context.Context, gatewayRef string, to enums.PurchaseStatus, payload map[string]any) (pgrepo.PurchaseRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.gatewayRefs[gatewayRef]
	if !ok {
		return pgrepo.PurchaseRecord{}, false, pgrepo.ErrPurchaseNotFound
	}
	record := s.purchases[id]
	if record.Status != enums.PurchaseStatusPending && record.Status != enums.PurchaseStatusTimedOut {
		return record, false, nil
	}

	record.Status = to
	for k, v := range payload {
		record.Payload[k] = v
	}
	record.UpdatedAt = time.Now().UTC()
	s.purchases[id] = record
	return record, true, nil
}

func (s *memPurchaseStore) RecordLateOutcome(_ context.Context, purchaseID int64, payload map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.purchases[purchaseID]
	if !ok {
		return pgrepo.ErrPurchaseNotFound
	}
	for k, v := range payload {
		record.Payload[k] = v
	}
	s.purchases[purchaseID] = record
	return nil
}

func (s *memPurchaseStore) ResetForRetry(_ context.Context, purchaseID int64, newGatewayRef, newChannelID string, maxRetries int) (pgrepo.PurchaseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.purchases[purchaseID]
	if !ok {
		return pgrepo.PurchaseRecord{}, pgrepo.ErrPurchaseNotFound
	}
	if !record.Status.Retryable() {
		return pgrepo.PurchaseRecord{}, pgrepo.ErrNotRetryable
	}
	if record.RetryCount >= maxRetries {
		return pgrepo.PurchaseRecord{}, pgrepo.ErrRetriesExhausted
	}

	delete(s.gatewayRefs, record.GatewayRef)
	record.GatewayRef = newGatewayRef
	record.ChannelID = newChannelID
	record.Status = enums.PurchaseStatusPending
	record.RetryCount++
	record.UpdatedAt = time.Now().UTC()
	s.purchases[purchaseID] = record
	s.gatewayRefs[newGatewayRef] = purchaseID
	return record, nil
}

func (s *memPurchaseStore) MarkCancelled(_ context.Context, purchaseID int64) (pgrepo.PurchaseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.purchases[purchaseID]
	if !ok {
		return pgrepo.PurchaseRecord{}, pgrepo.ErrPurchaseNotFound
	}
	if record.Status == enums.PurchaseStatusCancelled {
		return record, nil
	}
	if record.Status != enums.PurchaseStatusPending {
		return pgrepo.PurchaseRecord{}, pgrepo.ErrPurchaseNotActive
	}

	record.Status = enums.PurchaseStatusCancelled
	record.UpdatedAt = time.Now().UTC()
	s.purchases[purchaseID] = record
	return record, nil
}

func (s *memPurchaseStore) MarkTimedOut(_ context.Context, purchaseID int64) (pgrepo.PurchaseRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.purchases[purchaseID]
	if !ok {
		return pgrepo.PurchaseRecord{}, false, pgrepo.ErrPurchaseNotFound
	}
	if record.Status != enums.PurchaseStatusPending {
		return record, false, nil
	}

	record.Status = enums.PurchaseStatusTimedOut
	record.UpdatedAt = time.Now().UTC()
	s.purchases[purchaseID] = record
	return record, true, nil
}

func (s *memPurchaseStore) FindCompletedByPhoneAndDate(_ context.Context, phoneNumber string, day time.Time) (pgrepo.PurchaseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, record := range s.purchases {
		if record.Phone == phoneNumber &&
			record.Status == enums.PurchaseStatusCompleted &&
			record.UpdatedAt.Format("2006-01-02") == day.Format("2006-01-02") {
			return record, nil
		}
	}
	return pgrepo.PurchaseRecord{}, pgrepo.ErrPurchaseNotFound
}

func (s *memPurchaseStore) FindCompletedByPhone(_ context.Context, phoneNumber string) (pgrepo.PurchaseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, record := range s.purchases {
		if record.Phone == phoneNumber && record.Status == enums.PurchaseStatusCompleted {
			return record, nil
		}
	}
	return pgrepo.PurchaseRecord{}, pgrepo.ErrPurchaseNotFound
}

type fakeGateway struct {
	mu     sync.Mutex
	pushes []gateway.PushRequest
}

func (g *fakeGateway) RequestPush(_ context.Context, push gateway.PushRequest) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pushes = append(g.pushes, push)
	return nil
}

type memSessionStore struct {
	mu       sync.Mutex
	sessions map[string]authsvc.SessionRecord
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{sessions: make(map[string]authsvc.SessionRecord)}
}

func (s *memSessionStore) Create(_ context.Context, session authsvc.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.SID] = session
	return nil
}

func (s *memSessionStore) GetSession(_ context.Context, sid string) (authsvc.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sid]
	if !ok {
		return authsvc.SessionRecord{}, authsvc.ErrSessionNotFound
	}
	return session, nil
}

func (s *memSessionStore) DeleteSession(_ context.Context, sid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sid)
	return nil
}

func (s *memSessionStore) DeleteAllForPhone(_ context.Context, phoneNumber string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sid, session := range s.sessions {
		if session.Phone == phoneNumber {
			delete(s.sessions, sid)
		}
	}
	return nil
}

type memAttemptStore struct {
	mu      sync.Mutex
	records []pgrepo.AccessAttemptRecord
}

func (s *memAttemptStore) Record(_ context.Context, phoneNumber, origin, outcome string, matchedPurchaseID *int64) (pgrepo.AccessAttemptRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
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

func (s *memAttemptStore) CountSince(_ context.Context, phoneNumber, origin string, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
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

type memWindowStore struct {
	mu      sync.Mutex
	counts  map[string]int64
	expires map[string]time.Time
}

func newMemWindowStore() *memWindowStore {
	return &memWindowStore{
		counts:  make(map[string]int64),
		expires: make(map[string]time.Time),
	}
}

func (s *memWindowStore) IncrementWindow(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[key]++
	if s.counts[key] == 1 {
		s.expires[key] = time.Now().Add(window)
	}
	return s.counts[key], time.Until(s.expires[key]), nil
}

func (s *memWindowStore) WindowState(_ context.Context, key string) (int64, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count, ok := s.counts[key]
	if !ok {
		return 0, 0, nil
	}
	return count, time.Until(s.expires[key]), nil
}
