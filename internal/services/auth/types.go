package auth

import (
	"errors"
	"time"
)

var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrSessionNotFound = errors.New("session not found")
)

type SessionRecord struct {
	SID       string
	Phone     string
	ExpiresAt time.Time
}

type SessionClaims struct {
	Phone     string
	SID       string
	ExpiresAt time.Time
}

type Grant struct {
	Token     string
	SID       string
	Phone     string
	ExpiresAt time.Time
}
