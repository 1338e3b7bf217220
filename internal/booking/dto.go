package booking

import (
	"time"

	errors "github.com/chargeline/ev-booking/internal"
	"github.com/chargeline/ev-booking/internal/core/common/validation"
	bookingmodel "github.com/chargeline/ev-booking/internal/core/datamodel/booking"
	paymentmodel "github.com/chargeline/ev-booking/internal/core/datamodel/payment"
)

// CreateBookingRequest is the payload for opening a new booking. Amount is in
// the smallest currency unit (paisa for NPR).
type CreateBookingRequest struct {
	UserID    int64     `json:"user_id"`
	StationID int64     `json:"station_id"`
	ChargerID int64     `json:"charger_id"`
	SlotStart time.Time `json:"slot_start"`
	SlotEnd   time.Time `json:"slot_end"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
}

func (r *CreateBookingRequest) Validate() error {
	validator := validation.NewValidator()

	validator.Field("user_id", r.UserID).Required()
	validator.Field("station_id", r.StationID).Required()
	validator.Field("charger_id", r.ChargerID).Required()
	validator.Field("slot_start", r.SlotStart).Required()
	validator.Field("slot_end", r.SlotEnd).Required().After(r.SlotStart, errors.ErrCodeInvalidSlot)
	validator.Field("amount", r.Amount).Required().MinInt(1, errors.ErrCodeInvalidAmount)

	if appErr := validator.Validate(); appErr != nil {
		return appErr
	}
	return nil
}

type InitiatePaymentRequest struct {
	Gateway string `json:"gateway"`
}

func (r *InitiatePaymentRequest) Validate(supported []string) error {
	validator := validation.NewValidator()

	validator.Field("gateway", r.Gateway).Required().OneOf(supported, errors.ErrCodeInvalidGateway)

	if appErr := validator.Validate(); appErr != nil {
		return appErr
	}
	return nil
}

// BookingResponse is the status read surface. Raw gateway payloads never
// appear here.
type BookingResponse struct {
	ID        int64               `json:"id"`
	UserID    int64               `json:"user_id"`
	StationID int64               `json:"station_id"`
	ChargerID int64               `json:"charger_id"`
	SlotStart time.Time           `json:"slot_start"`
	SlotEnd   time.Time           `json:"slot_end"`
	Amount    int64               `json:"amount"`
	Currency  string              `json:"currency"`
	Status    bookingmodel.Status `json:"status"`
	Version   int64               `json:"version"`
	CreatedAt time.Time           `json:"created_at"`

	PaymentAttempts []AttemptSummary `json:"payment_attempts,omitempty"`
}

// AttemptSummary is what the status read exposes per payment attempt.
type AttemptSummary struct {
	ID            int64                      `json:"id"`
	Gateway       string                     `json:"gateway"`
	ExternalRef   string                     `json:"external_ref"`
	Status        paymentmodel.AttemptStatus `json:"status"`
	AttemptNumber int                        `json:"attempt_number"`
	FailureReason *string                    `json:"failure_reason,omitempty"`
	CreatedAt     time.Time                  `json:"created_at"`
}

func ToBookingResponse(b *bookingmodel.Booking, attempts []*paymentmodel.Attempt) *BookingResponse {
	resp := &BookingResponse{
		ID:        b.ID,
		UserID:    b.UserID,
		StationID: b.StationID,
		ChargerID: b.ChargerID,
		SlotStart: b.SlotStart,
		SlotEnd:   b.SlotEnd,
		Amount:    b.Amount,
		Currency:  b.Currency,
		Status:    b.Status,
		Version:   b.Version,
		CreatedAt: b.CreatedAt,
	}
	for _, a := range attempts {
		resp.PaymentAttempts = append(resp.PaymentAttempts, AttemptSummary{
			ID:            a.ID,
			Gateway:       a.Gateway,
			ExternalRef:   a.ExternalRef,
			Status:        a.Status,
			AttemptNumber: a.AttemptNumber,
			FailureReason: a.FailureReason,
			CreatedAt:     a.CreatedAt,
		})
	}
	return resp
}

// InitiatePaymentResponse tells the client where to send the user. Form-post
// gateways include the fields to submit alongside the redirect URL.
type InitiatePaymentResponse struct {
	BookingID   int64             `json:"booking_id"`
	Gateway     string            `json:"gateway"`
	ExternalRef string            `json:"external_ref"`
	RedirectURL string            `json:"redirect_url"`
	FormFields  map[string]string `json:"form_fields,omitempty"`
}
