package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	errors "github.com/chargeline/ev-booking/internal"
	"github.com/chargeline/ev-booking/internal/core/datamodel/booking"
)

const (
	GatewayKhalti = "khalti"

	khaltiSignatureHeader = "X-Khalti-Signature"
)

type KhaltiConfig struct {
	BaseURL       string
	SecretKey     string
	WebhookSecret string
	ReturnURL     string
	WebsiteURL    string
	Timeout       time.Duration
}

// KhaltiClient talks to Khalti's ePayment API. initiate opens a hosted
// payment page identified by a pidx; lookup is the authoritative status
// query for that pidx.
type KhaltiClient struct {
	cfg    KhaltiConfig
	client *http.Client
	logger *slog.Logger
}

func NewKhaltiClient(cfg KhaltiConfig, logger *slog.Logger) *KhaltiClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &KhaltiClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

func (c *KhaltiClient) Name() string {
	return GatewayKhalti
}

type khaltiInitiateRequest struct {
	ReturnURL         string `json:"return_url"`
	WebsiteURL        string `json:"website_url"`
	Amount            int64  `json:"amount"`
	PurchaseOrderID   string `json:"purchase_order_id"`
	PurchaseOrderName string `json:"purchase_order_name"`
}

type khaltiInitiateResponse struct {
	Pidx       string `json:"pidx"`
	PaymentURL string `json:"payment_url"`
	ExpiresAt  string `json:"expires_at"`
}

func (c *KhaltiClient) Initiate(ctx context.Context, b *booking.Booking, attemptNumber int) (*InitiateResult, error) {
	payload := khaltiInitiateRequest{
		ReturnURL:         fmt.Sprintf("%s?bookingId=%d", c.cfg.ReturnURL, b.ID),
		WebsiteURL:        c.cfg.WebsiteURL,
		Amount:            b.Amount,
		PurchaseOrderID:   fmt.Sprintf("BK-%d-%d", b.ID, attemptNumber),
		PurchaseOrderName: "EV Charge Booking",
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal khalti initiate request: %w", err)
	}

	respBody, err := c.post(ctx, "/epayment/initiate/", body, "initiate")
	if err != nil {
		return nil, err
	}

	var resp khaltiInitiateResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("decode khalti initiate response: %w", err)
	}
	if resp.Pidx == "" {
		return nil, errors.NewExternalError("khalti initiate returned no pidx", errors.ErrCodeGatewayError, nil)
	}

	c.logger.Info("khalti payment initiated",
		"booking_id", b.ID,
		"pidx", resp.Pidx,
		"amount", b.Amount)

	return &InitiateResult{
		ExternalRef: resp.Pidx,
		RedirectURL: resp.PaymentURL,
	}, nil
}

type khaltiLookupResponse struct {
	Pidx          string `json:"pidx"`
	TotalAmount   int64  `json:"total_amount"`
	Status        string `json:"status"`
	TransactionID string `json:"transaction_id"`
	Refunded      bool   `json:"refunded"`
}

func (c *KhaltiClient) Lookup(ctx context.Context, req LookupRequest) (*LookupResult, error) {
	body, err := json.Marshal(map[string]string{"pidx": req.ExternalRef})
	if err != nil {
		return nil, fmt.Errorf("marshal khalti lookup request: %w", err)
	}

	respBody, err := c.post(ctx, "/epayment/lookup/", body, "lookup")
	if err != nil {
		return nil, err
	}

	var resp khaltiLookupResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("decode khalti lookup response: %w", err)
	}

	status := mapKhaltiStatus(resp.Status)

	c.logger.Info("khalti lookup completed",
		"pidx", req.ExternalRef,
		"gateway_status", resp.Status,
		"status", status,
		"amount", resp.TotalAmount)

	return &LookupResult{
		Status:        status,
		Amount:        resp.TotalAmount,
		TransactionID: resp.TransactionID,
		VerifiedAt:    time.Now().UTC(),
		Raw:           respBody,
	}, nil
}

// mapKhaltiStatus folds Khalti's lookup vocabulary into the shared one.
func mapKhaltiStatus(s string) Status {
	switch s {
	case "Completed":
		return StatusCompleted
	case "Pending", "Initiated":
		return StatusPending
	case "User canceled":
		return StatusUserCanceled
	case "Expired":
		return StatusExpired
	case "Refunded", "Partially Refunded", "Failed":
		return StatusFailed
	default:
		return StatusUnknown
	}
}

// VerifySignature checks the HMAC-SHA256 hex digest Khalti sends alongside
// webhook payloads. A missing webhook secret rejects everything: an
// unverifiable claim is worth nothing.
func (c *KhaltiClient) VerifySignature(rawPayload []byte, headers http.Header) bool {
	if c.cfg.WebhookSecret == "" {
		c.logger.Warn("khalti webhook secret not configured, rejecting webhook")
		return false
	}

	got := headers.Get(khaltiSignatureHeader)
	if got == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(c.cfg.WebhookSecret))
	mac.Write(rawPayload)
	want := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(got), []byte(want))
}

func (c *KhaltiClient) ExtractExternalRef(rawPayload []byte) (string, error) {
	var payload struct {
		Pidx string `json:"pidx"`
	}
	if err := json.Unmarshal(rawPayload, &payload); err != nil {
		return "", fmt.Errorf("decode khalti webhook payload: %w", err)
	}
	if payload.Pidx == "" {
		return "", errors.NewValidationError("khalti webhook payload missing pidx", errors.ErrCodeValidationFailed)
	}
	return payload.Pidx, nil
}

func (c *KhaltiClient) post(ctx context.Context, path string, body []byte, op string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create khalti %s request: %w", op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Key "+c.cfg.SecretKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, errors.NewTransientGatewayError(GatewayKhalti, op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.NewTransientGatewayError(GatewayKhalti, op, err)
	}

	if resp.StatusCode >= http.StatusInternalServerError ||
		resp.StatusCode == http.StatusRequestTimeout ||
		resp.StatusCode == http.StatusTooManyRequests {
		return nil, errors.NewTransientGatewayError(GatewayKhalti, op,
			fmt.Errorf("khalti returned status %d", resp.StatusCode))
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("khalti API returned error",
			"op", op,
			"status", resp.StatusCode,
			"response", string(respBody))
		return nil, errors.NewExternalError(
			fmt.Sprintf("khalti %s failed with status %d", op, resp.StatusCode),
			errors.ErrCodeGatewayError, nil)
	}

	return respBody, nil
}
