package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type SessionStore interface {
	Create(ctx context.Context, session SessionRecord) error
	GetSession(ctx context.Context, sid string) (SessionRecord, error)
	DeleteSession(ctx context.Context, sid string) error
	DeleteAllForPhone(ctx context.Context, phoneNumber string) error
}

// Service issues and validates library sessions. A grant is the passwordless
// "key" to the buyer's library: created after a confirmed payment or a
// successful recovery, never from credentials.
type Service struct {
	jwt      *JWTManager
	sessions SessionStore
	now      func() time.Time
}

func NewService(jwtManager *JWTManager, sessions SessionStore) *Service {
	return &Service{
		jwt:      jwtManager,
		sessions: sessions,
		now:      time.Now,
	}
}

func (s *Service) GrantSession(ctx context.Context, phoneNumber string) (Grant, error) {
	if s.jwt == nil || s.sessions == nil {
		return Grant{}, fmt.Errorf("auth dependencies are not configured")
	}
	phoneNumber = strings.TrimSpace(phoneNumber)
	if phoneNumber == "" {
		return Grant{}, ErrInvalidInput
	}

	sid := uuid.NewString()
	token, expiresAt, err := s.jwt.GenerateSessionToken(phoneNumber, sid)
	if err != nil {
		return Grant{}, err
	}

	if err := s.sessions.Create(ctx, SessionRecord{
		SID:       sid,
		Phone:     phoneNumber,
		ExpiresAt: expiresAt,
	}); err != nil {
		return Grant{}, err
	}

	return Grant{
		Token:     token,
		SID:       sid,
		Phone:     phoneNumber,
		ExpiresAt: expiresAt,
	}, nil
}

// ValidateSession checks both the token signature and the live session
// record, so revocation wins over an otherwise valid token.
func (s *Service) ValidateSession(ctx context.Context, token string) (Identity, error) {
	if s.jwt == nil || s.sessions == nil {
		return Identity{}, fmt.Errorf("auth dependencies are not configured")
	}

	claims, err := s.jwt.ParseSessionToken(token)
	if err != nil {
		return Identity{}, err
	}

	record, err := s.sessions.GetSession(ctx, claims.SID)
	if err != nil {
		return Identity{}, ErrUnauthorized
	}
	if record.Phone != claims.Phone {
		return Identity{}, ErrUnauthorized
	}
	if !record.ExpiresAt.IsZero() && s.now().UTC().After(record.ExpiresAt) {
		return Identity{}, ErrUnauthorized
	}

	return Identity{
		Phone: claims.Phone,
		SID:   claims.SID,
	}, nil
}

func (s *Service) RevokeSession(ctx context.Context, sid string) error {
	if s.sessions == nil {
		return fmt.Errorf("session store is nil")
	}
	return s.sessions.DeleteSession(ctx, sid)
}

func (s *Service) RevokeAllForPhone(ctx context.Context, phoneNumber string) error {
	if s.sessions == nil {
		return fmt.Errorf("session store is nil")
	}
	return s.sessions.DeleteAllForPhone(ctx, phoneNumber)
}
