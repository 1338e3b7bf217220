package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/chargeline/ev-booking/internal/core/datamodel/booking"
	"github.com/chargeline/ev-booking/internal/core/datamodel/payment"
)

// Status is the gateway-agnostic payment status vocabulary. Each adapter maps
// its gateway's own wording onto these values.
type Status string

const (
	StatusCompleted    Status = "completed"
	StatusPending      Status = "pending"
	StatusUserCanceled Status = "user_canceled"
	StatusFailed       Status = "failed"
	StatusExpired      Status = "expired"
	StatusUnknown      Status = "unknown"
)

// ToAttemptStatus maps a gateway status onto the persisted attempt status.
func (s Status) ToAttemptStatus() payment.AttemptStatus {
	switch s {
	case StatusCompleted:
		return payment.StatusCompleted
	case StatusUserCanceled:
		return payment.StatusUserCanceled
	case StatusFailed:
		return payment.StatusFailed
	case StatusExpired:
		return payment.StatusExpired
	default:
		return payment.StatusPending
	}
}

// InitiateResult is what a gateway hands back when a payment is opened.
// Redirect-style gateways fill RedirectURL; form-post gateways additionally
// fill FormFields for the client to submit.
type InitiateResult struct {
	ExternalRef string            `json:"external_ref"`
	RedirectURL string            `json:"redirect_url"`
	FormFields  map[string]string `json:"form_fields,omitempty"`
}

// LookupRequest identifies the payment to query. Amount is carried because
// some gateways (eSewa) key their status API on reference plus amount.
type LookupRequest struct {
	ExternalRef string
	Amount      int64
}

// LookupResult is the authoritative answer from the gateway's query API.
type LookupResult struct {
	Status        Status
	Amount        int64
	TransactionID string
	VerifiedAt    time.Time
	Raw           json.RawMessage
}

// Client abstracts one external payment gateway. Lookup is the single source
// of truth for payment outcomes; VerifySignature only decides whether a
// webhook is worth acting on, it never makes the claimed status trustworthy.
type Client interface {
	Name() string
	Initiate(ctx context.Context, b *booking.Booking, attemptNumber int) (*InitiateResult, error)
	Lookup(ctx context.Context, req LookupRequest) (*LookupResult, error)
	VerifySignature(rawPayload []byte, headers http.Header) bool
	ExtractExternalRef(rawPayload []byte) (string, error)
}
