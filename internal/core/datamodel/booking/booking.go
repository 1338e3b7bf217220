package booking

import (
	"time"
)

type Status string

const (
	StatusPending         Status = "pending"
	StatusAwaitingPayment Status = "awaiting_payment"
	StatusConfirmed       Status = "confirmed"
	StatusInProgress      Status = "in_progress"
	StatusCompleted       Status = "completed"
	StatusCancelled       Status = "cancelled"
	StatusPaymentFailed   Status = "payment_failed"
)

// IsTerminalForPayment reports whether the payment outcome for this booking
// has already been decided. Completed and InProgress count: they are only
// reachable through Confirmed.
func (s Status) IsTerminalForPayment() bool {
	switch s {
	case StatusConfirmed, StatusInProgress, StatusCompleted, StatusCancelled, StatusPaymentFailed:
		return true
	}
	return false
}

type Booking struct {
	ID                     int64     `gorm:"primaryKey"`
	UserID                 int64     `gorm:"column:user_id;not null;index"`
	StationID              int64     `gorm:"column:station_id;not null;index"`
	ChargerID              int64     `gorm:"column:charger_id;not null"`
	SlotStart              time.Time `gorm:"column:slot_start;not null"`
	SlotEnd                time.Time `gorm:"column:slot_end;not null"`
	Amount                 int64     `gorm:"column:amount;not null"`
	Currency               string    `gorm:"column:currency;size:10;default:NPR"`
	Status                 Status    `gorm:"column:status;size:32;default:pending;index"`
	ActivePaymentAttemptID *int64    `gorm:"column:active_payment_attempt_id"`
	Version                int64     `gorm:"column:version;not null;default:1"`
	CreatedAt              time.Time `gorm:"column:created_at;default:now()"`
	UpdatedAt              time.Time `gorm:"column:updated_at;default:now()"`
}

func (Booking) TableName() string {
	return "bookings"
}
