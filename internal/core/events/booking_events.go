package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/chargeline/ev-booking/internal/core/datamodel/booking"
)

const (
	EventTypeBookingStatusChanged = "booking.status_changed"
	EventTypeBookingConfirmed     = "booking.confirmed"
	EventTypeBookingCancelled     = "booking.cancelled"
	EventTypeBookingPaymentFailed = "booking.payment_failed"
)

// BookingStatusChangedEvent is published on every successful store transition.
// The notification dispatcher consumes it; nothing in the reconciliation path
// depends on it.
type BookingStatusChangedEvent struct {
	BaseEvent
	BookingID   int64          `json:"booking_id"`
	UserID      int64          `json:"user_id"`
	FromStatus  booking.Status `json:"from_status"`
	ToStatus    booking.Status `json:"to_status"`
	ExternalRef string         `json:"external_ref,omitempty"`
	Gateway     string         `json:"gateway,omitempty"`
}

func NewBookingStatusChangedEvent(bookingID, userID int64, from, to booking.Status, externalRef, gateway string) *BookingStatusChangedEvent {
	return &BookingStatusChangedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypeBookingStatusChanged,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"booking_id":   bookingID,
				"user_id":      userID,
				"from_status":  string(from),
				"to_status":    string(to),
				"external_ref": externalRef,
				"gateway":      gateway,
			},
		},
		BookingID:   bookingID,
		UserID:      userID,
		FromStatus:  from,
		ToStatus:    to,
		ExternalRef: externalRef,
		Gateway:     gateway,
	}
}

type BookingConfirmedEvent struct {
	BaseEvent
	BookingID   int64  `json:"booking_id"`
	UserID      int64  `json:"user_id"`
	ExternalRef string `json:"external_ref"`
	Gateway     string `json:"gateway"`
	Amount      int64  `json:"amount"`
}

func NewBookingConfirmedEvent(bookingID, userID int64, externalRef, gateway string, amount int64) *BookingConfirmedEvent {
	return &BookingConfirmedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypeBookingConfirmed,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"booking_id":   bookingID,
				"user_id":      userID,
				"external_ref": externalRef,
				"gateway":      gateway,
				"amount":       amount,
			},
		},
		BookingID:   bookingID,
		UserID:      userID,
		ExternalRef: externalRef,
		Gateway:     gateway,
		Amount:      amount,
	}
}

type BookingCancelledEvent struct {
	BaseEvent
	BookingID   int64  `json:"booking_id"`
	UserID      int64  `json:"user_id"`
	ExternalRef string `json:"external_ref"`
	Gateway     string `json:"gateway"`
}

func NewBookingCancelledEvent(bookingID, userID int64, externalRef, gateway string) *BookingCancelledEvent {
	return &BookingCancelledEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypeBookingCancelled,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"booking_id":   bookingID,
				"user_id":      userID,
				"external_ref": externalRef,
				"gateway":      gateway,
			},
		},
		BookingID:   bookingID,
		UserID:      userID,
		ExternalRef: externalRef,
		Gateway:     gateway,
	}
}

type BookingPaymentFailedEvent struct {
	BaseEvent
	BookingID     int64  `json:"booking_id"`
	UserID        int64  `json:"user_id"`
	ExternalRef   string `json:"external_ref"`
	Gateway       string `json:"gateway"`
	FailureReason string `json:"failure_reason"`
	AttemptNumber int    `json:"attempt_number"`
}

func NewBookingPaymentFailedEvent(bookingID, userID int64, externalRef, gateway, failureReason string, attemptNumber int) *BookingPaymentFailedEvent {
	return &BookingPaymentFailedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypeBookingPaymentFailed,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"booking_id":     bookingID,
				"user_id":        userID,
				"external_ref":   externalRef,
				"gateway":        gateway,
				"failure_reason": failureReason,
				"attempt_number": attemptNumber,
			},
		},
		BookingID:     bookingID,
		UserID:        userID,
		ExternalRef:   externalRef,
		Gateway:       gateway,
		FailureReason: failureReason,
		AttemptNumber: attemptNumber,
	}
}
