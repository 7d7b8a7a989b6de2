package apiapp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	authsvc "github.com/juliustm/nyota/internal/services/auth"
)

type sessionStoreStub struct {
	mu       sync.Mutex
	sessions map[string]authsvc.SessionRecord
}

func newSessionStoreStub() *sessionStoreStub {
	return &sessionStoreStub{sessions: make(map[string]authsvc.SessionRecord)}
}

func (s *sessionStoreStub) Create(_ context.Context, session authsvc.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.SID] = session
	return nil
}

func (s *sessionStoreStub) GetSession(_ context.Context, sid string) (authsvc.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sid]
	if !ok {
		return authsvc.SessionRecord{}, authsvc.ErrSessionNotFound
	}
	return session, nil
}

func (s *sessionStoreStub) DeleteSession(_ context.Context, sid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sid)
	return nil
}

func (s *sessionStoreStub) DeleteAllForPhone(_ context.Context, phoneNumber string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sid, session := range s.sessions {
		if session.Phone == phoneNumber {
			delete(s.sessions, sid)
		}
	}
	return nil
}

func newAuthFixture(t *testing.T) *authsvc.Service {
	t.Helper()
	return authsvc.NewService(authsvc.NewJWTManager("test-secret", time.Hour), newSessionStoreStub())
}

func TestSessionAuthMiddlewareRejectsMissingToken(t *testing.T) {
	mw := SessionAuthMiddleware(newAuthFixture(t), zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/api/library", nil)
	rr := httptest.NewRecorder()

	mw(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Fatalf("handler must not be called without a token")
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status: got %d want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestSessionAuthMiddlewareRejectsInvalidToken(t *testing.T) {
	mw := SessionAuthMiddleware(newAuthFixture(t), zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/api/library", nil)
	req.Header.Set("Authorization", "Bearer not-a-real-token")
	rr := httptest.NewRecorder()

	mw(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Fatalf("handler must not be called on an invalid token")
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status: got %d want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestSessionAuthMiddlewareSetsIdentity(t *testing.T) {
	authService := newAuthFixture(t)
	grant, err := authService.GrantSession(context.Background(), "0711000000")
	if err != nil {
		t.Fatalf("grant session: %v", err)
	}

	mw := SessionAuthMiddleware(authService, zap.NewNop())
	req := httptest.NewRequest(http.MethodGet, "/api/library", nil)
	req.Header.Set("Authorization", "Bearer "+grant.Token)
	rr := httptest.NewRecorder()

	mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := authsvc.IdentityFromContext(r.Context())
		if !ok || identity.Phone != "0711000000" || identity.SID != grant.SID {
			t.Fatalf("identity missing or wrong in context: %+v", identity)
		}
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("unexpected status: got %d want %d", rr.Code, http.StatusNoContent)
	}
}

func TestSessionAuthMiddlewareRejectsRevokedSession(t *testing.T) {
	authService := newAuthFixture(t)
	grant, err := authService.GrantSession(context.Background(), "0711000000")
	if err != nil {
		t.Fatalf("grant session: %v", err)
	}
	if err := authService.RevokeSession(context.Background(), grant.SID); err != nil {
		t.Fatalf("revoke session: %v", err)
	}

	mw := SessionAuthMiddleware(authService, zap.NewNop())
	req := httptest.NewRequest(http.MethodGet, "/api/library", nil)
	req.Header.Set("Authorization", "Bearer "+grant.Token)
	rr := httptest.NewRecorder()

	mw(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Fatalf("handler must not be called for a revoked session")
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status: got %d want %d", rr.Code, http.StatusUnauthorized)
	}
}
