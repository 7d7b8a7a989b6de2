package dto

import "time"

type RecoveryRequest struct {
	PhoneNumber  string `json:"phone_number"`
	PurchaseDate string `json:"purchase_date"`
}

type RecoveryResponse struct {
	OK          bool      `json:"ok"`
	PurchaseID  int64     `json:"purchase_id"`
	AssetRef    string    `json:"asset_ref"`
	Token       string    `json:"token"`
	ExpiresAt   time.Time `json:"expires_at"`
	RedirectURL string    `json:"redirect_url"`
}

type LibraryResponse struct {
	PurchaseID  int64  `json:"purchase_id"`
	AssetRef    string `json:"asset_ref"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
	CompletedAt string `json:"completed_at"`
}

type LibrarySessionRequest struct {
	PurchaseID  int64  `json:"purchase_id"`
	PhoneNumber string `json:"phone_number"`
}

type LibrarySessionResponse struct {
	Token       string    `json:"token"`
	ExpiresAt   time.Time `json:"expires_at"`
	RedirectURL string    `json:"redirect_url"`
}
