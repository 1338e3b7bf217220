package payment

import (
	"encoding/json"
	"time"
)

type AttemptStatus string

const (
	StatusInitiated    AttemptStatus = "initiated"
	StatusPending      AttemptStatus = "pending"
	StatusCompleted    AttemptStatus = "completed"
	StatusUserCanceled AttemptStatus = "user_canceled"
	StatusFailed       AttemptStatus = "failed"
	StatusExpired      AttemptStatus = "expired"
)

// IsTerminal reports whether the attempt can never change again. Terminal
// attempts are immutable: the store refuses updates once one of these is
// persisted.
func (s AttemptStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusUserCanceled, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// Attempt is one payment try against an external gateway. A booking keeps
// every attempt it ever made; raw_callback_payload is audit material only
// and never drives a state transition.
type Attempt struct {
	ID                 int64           `gorm:"primaryKey"`
	BookingID          int64           `gorm:"column:booking_id;not null;index"`
	ExternalRef        string          `gorm:"column:external_ref;not null;uniqueIndex"`
	Gateway            string          `gorm:"column:gateway;size:32;not null"`
	Status             AttemptStatus   `gorm:"column:status;size:32;default:initiated;index"`
	AttemptNumber      int             `gorm:"column:attempt_number;not null;default:1"`
	Amount             int64           `gorm:"column:amount;not null"`
	Currency           string          `gorm:"column:currency;size:10;default:NPR"`
	LastLookupAt       *time.Time      `gorm:"column:last_lookup_at"`
	RawCallbackPayload json.RawMessage `gorm:"column:raw_callback_payload;type:jsonb"`
	FailureReason      *string         `gorm:"column:failure_reason"`
	CreatedAt          time.Time       `gorm:"column:created_at;default:now()"`
	UpdatedAt          time.Time       `gorm:"column:updated_at;default:now()"`
}

func (Attempt) TableName() string {
	return "payment_attempts"
}
