package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	errors "github.com/chargeline/ev-booking/internal"
	"github.com/chargeline/ev-booking/internal/core/datamodel/booking"
)

const (
	GatewayEsewa = "esewa"

	esewaSignedFields = "total_amount,transaction_uuid,product_code"
)

type EsewaConfig struct {
	FormURL     string
	StatusURL   string
	ProductCode string
	SecretKey   string
	SuccessURL  string
	FailureURL  string
	Timeout     time.Duration
}

// EsewaClient implements the eSewa ePay v2 flow: payment opens through a
// signed hosted form post, status is confirmed through the transaction
// status API keyed on product code, amount and transaction uuid.
type EsewaClient struct {
	cfg    EsewaConfig
	client *http.Client
	logger *slog.Logger
}

func NewEsewaClient(cfg EsewaConfig, logger *slog.Logger) *EsewaClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &EsewaClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

func (c *EsewaClient) Name() string {
	return GatewayEsewa
}

// sign computes the HMAC-SHA256 base64 signature over the fields eSewa
// requires, in their fixed order.
func (c *EsewaClient) sign(totalAmount, transactionUUID string) string {
	message := fmt.Sprintf("total_amount=%s,transaction_uuid=%s,product_code=%s",
		totalAmount, transactionUUID, c.cfg.ProductCode)
	mac := hmac.New(sha256.New, []byte(c.cfg.SecretKey))
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (c *EsewaClient) Initiate(_ context.Context, b *booking.Booking, attemptNumber int) (*InitiateResult, error) {
	transactionUUID := fmt.Sprintf("BK-%d-%d", b.ID, attemptNumber)
	totalAmount := strconv.FormatInt(b.Amount, 10)
	signature := c.sign(totalAmount, transactionUUID)

	fields := map[string]string{
		"amount":                  totalAmount,
		"tax_amount":              "0",
		"product_service_charge":  "0",
		"product_delivery_charge": "0",
		"product_code":            c.cfg.ProductCode,
		"total_amount":            totalAmount,
		"transaction_uuid":        transactionUUID,
		"success_url":             fmt.Sprintf("%s?bookingId=%d", c.cfg.SuccessURL, b.ID),
		"failure_url":             fmt.Sprintf("%s?bookingId=%d", c.cfg.FailureURL, b.ID),
		"signed_field_names":      esewaSignedFields,
		"signature":               signature,
	}

	c.logger.Info("esewa payment initiated",
		"booking_id", b.ID,
		"transaction_uuid", transactionUUID,
		"total_amount", totalAmount)

	return &InitiateResult{
		ExternalRef: transactionUUID,
		RedirectURL: c.cfg.FormURL,
		FormFields:  fields,
	}, nil
}

type esewaStatusResponse struct {
	ProductCode     string          `json:"product_code"`
	TransactionUUID string          `json:"transaction_uuid"`
	TotalAmount     json.RawMessage `json:"total_amount"`
	Status          string          `json:"status"`
	RefID           string          `json:"ref_id"`
}

func (c *EsewaClient) Lookup(ctx context.Context, req LookupRequest) (*LookupResult, error) {
	q := url.Values{}
	q.Set("product_code", c.cfg.ProductCode)
	q.Set("total_amount", strconv.FormatInt(req.Amount, 10))
	q.Set("transaction_uuid", req.ExternalRef)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.StatusURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create esewa status request: %w", err)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, errors.NewTransientGatewayError(GatewayEsewa, "lookup", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.NewTransientGatewayError(GatewayEsewa, "lookup", err)
	}

	if resp.StatusCode >= http.StatusInternalServerError ||
		resp.StatusCode == http.StatusRequestTimeout ||
		resp.StatusCode == http.StatusTooManyRequests {
		return nil, errors.NewTransientGatewayError(GatewayEsewa, "lookup",
			fmt.Errorf("esewa returned status %d", resp.StatusCode))
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("esewa status API returned error",
			"status", resp.StatusCode,
			"response", string(respBody))
		return nil, errors.NewExternalError(
			fmt.Sprintf("esewa lookup failed with status %d", resp.StatusCode),
			errors.ErrCodeGatewayError, nil)
	}

	var statusResp esewaStatusResponse
	if err := json.Unmarshal(respBody, &statusResp); err != nil {
		return nil, fmt.Errorf("decode esewa status response: %w", err)
	}

	status := mapEsewaStatus(statusResp.Status)

	c.logger.Info("esewa lookup completed",
		"transaction_uuid", req.ExternalRef,
		"gateway_status", statusResp.Status,
		"status", status)

	return &LookupResult{
		Status:        status,
		Amount:        req.Amount,
		TransactionID: statusResp.RefID,
		VerifiedAt:    time.Now().UTC(),
		Raw:           respBody,
	}, nil
}

// mapEsewaStatus folds eSewa's transaction status vocabulary into the shared
// one. AMBIGUOUS means the gateway itself is unsure, so keep polling.
func mapEsewaStatus(s string) Status {
	switch strings.ToUpper(s) {
	case "COMPLETE":
		return StatusCompleted
	case "PENDING", "AMBIGUOUS":
		return StatusPending
	case "CANCELED":
		return StatusUserCanceled
	case "NOT_FOUND", "FULL_REFUND", "PARTIAL_REFUND":
		return StatusFailed
	default:
		return StatusUnknown
	}
}

// VerifySignature recomputes the HMAC over the fields listed in
// signed_field_names, in the order listed, and compares against the
// payload's signature field.
func (c *EsewaClient) VerifySignature(rawPayload []byte, _ http.Header) bool {
	var payload map[string]interface{}
	if err := json.Unmarshal(rawPayload, &payload); err != nil {
		return false
	}

	signature, _ := payload["signature"].(string)
	signedFieldNames, _ := payload["signed_field_names"].(string)
	if signature == "" || signedFieldNames == "" {
		return false
	}

	parts := make([]string, 0, 4)
	for _, field := range strings.Split(signedFieldNames, ",") {
		field = strings.TrimSpace(field)
		value := fieldAsString(payload[field])
		parts = append(parts, fmt.Sprintf("%s=%s", field, value))
	}

	mac := hmac.New(sha256.New, []byte(c.cfg.SecretKey))
	mac.Write([]byte(strings.Join(parts, ",")))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(signature), []byte(want))
}

func fieldAsString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", val)
	}
}

func (c *EsewaClient) ExtractExternalRef(rawPayload []byte) (string, error) {
	var payload struct {
		TransactionUUID string `json:"transaction_uuid"`
	}
	if err := json.Unmarshal(rawPayload, &payload); err != nil {
		return "", fmt.Errorf("decode esewa webhook payload: %w", err)
	}
	if payload.TransactionUUID == "" {
		return "", errors.NewValidationError("esewa webhook payload missing transaction_uuid", errors.ErrCodeValidationFailed)
	}
	return payload.TransactionUUID, nil
}
