package dto

type PaymentInitiateRequest struct {
	PhoneNumber string `json:"phone_number"`
	AssetRef    string `json:"asset_ref"`
	AmountMinor int64  `json:"amount_minor"`
	ChannelID   string `json:"channel_id,omitempty"`
}

type PaymentInitiateResponse struct {
	PurchaseID int64  `json:"purchase_id"`
	GatewayRef string `json:"gateway_ref"`
	ChannelID  string `json:"channel_id"`
	Status     string `json:"status"`
	Message    string `json:"message"`
}

type PaymentWebhookRequest struct {
	GatewayRef  string                 `json:"gateway_ref"`
	Outcome     string                 `json:"outcome"`
	AmountMinor int64                  `json:"amount_minor,omitempty"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
}

type PaymentWebhookResponse struct {
	OK         bool   `json:"ok"`
	PurchaseID int64  `json:"purchase_id"`
	Status     string `json:"status"`
	Idempotent bool   `json:"idempotent"`
}

type PaymentStatusResponse struct {
	PurchaseID  int64  `json:"purchase_id"`
	ChannelID   string `json:"channel_id"`
	Status      string `json:"status"`
	Message     string `json:"message"`
	RedirectURL string `json:"redirect_url,omitempty"`
	RetryCount  int    `json:"retry_count"`
}

type PaymentRetryRequest struct {
	GatewayRef  string `json:"gateway_ref,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
}

type PaymentRetryResponse struct {
	PurchaseID int64  `json:"purchase_id"`
	GatewayRef string `json:"gateway_ref"`
	ChannelID  string `json:"channel_id"`
	RetryCount int    `json:"retry_count"`
	Message    string `json:"message"`
}

type PaymentTimeoutResponse struct {
	PurchaseID int64  `json:"purchase_id"`
	Status     string `json:"status"`
	Changed    bool   `json:"changed"`
	Message    string `json:"message"`
}
