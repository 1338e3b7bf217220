package postgres

import (
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"

	apperrors "github.com/chargeline/ev-booking/internal"
	bookingpkg "github.com/chargeline/ev-booking/internal/booking"
	"github.com/chargeline/ev-booking/internal/core/datamodel/booking"
	"github.com/chargeline/ev-booking/internal/core/datamodel/payment"
)

var nonTerminalAttemptStatuses = []payment.AttemptStatus{
	payment.StatusInitiated,
	payment.StatusPending,
}

type BookingRepository struct {
	db *gorm.DB
}

func NewBookingRepository(db *gorm.DB) bookingpkg.RepositoryAPI {
	return &BookingRepository{db: db}
}

func (r *BookingRepository) CreateBooking(b *booking.Booking) error {
	return r.db.Create(b).Error
}

func (r *BookingRepository) GetBooking(id int64) (*booking.Booking, error) {
	var b booking.Booking
	err := r.db.First(&b, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrBookingNotFound
		}
		return nil, err
	}
	return &b, nil
}

// Transition is the conditional write at the heart of the store: the booking
// row only moves when its version and status still match what the caller
// read, and the attempt mutation rides in the same transaction. Zero rows
// affected means someone else won the race.
func (r *BookingRepository) Transition(req *bookingpkg.TransitionRequest) (*booking.Booking, error) {
	var updated booking.Booking

	err := r.db.Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"status":     req.To,
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now(),
		}
		if req.SetActiveAttempt {
			updates["active_payment_attempt_id"] = req.ActiveAttemptID
		}

		res := tx.Model(&booking.Booking{}).
			Where("id = ? AND version = ? AND status IN ?", req.BookingID, req.ExpectedVersion, req.AllowedFrom).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperrors.ErrStaleTransition
		}

		if req.Attempt != nil {
			attemptUpdates := map[string]interface{}{
				"status":     req.AttemptStatus,
				"updated_at": time.Now(),
			}
			if req.FailureReason != nil {
				attemptUpdates["failure_reason"] = *req.FailureReason
			}

			// Terminal attempts are immutable, so the guard refuses to
			// touch a row that already reached a terminal status.
			ares := tx.Model(&payment.Attempt{}).
				Where("id = ? AND status IN ?", req.Attempt.ID, nonTerminalAttemptStatuses).
				Updates(attemptUpdates)
			if ares.Error != nil {
				return ares.Error
			}
			if ares.RowsAffected == 0 {
				return apperrors.ErrStaleTransition
			}
		}

		return tx.First(&updated, req.BookingID).Error
	})
	if err != nil {
		return nil, err
	}

	return &updated, nil
}

func (r *BookingRepository) CreateAttempt(a *payment.Attempt) error {
	return r.db.Create(a).Error
}

func (r *BookingRepository) GetAttempt(id int64) (*payment.Attempt, error) {
	var a payment.Attempt
	err := r.db.First(&a, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrAttemptNotFound
		}
		return nil, err
	}
	return &a, nil
}

func (r *BookingRepository) GetAttemptByExternalRef(externalRef string) (*payment.Attempt, error) {
	var a payment.Attempt
	err := r.db.Where("external_ref = ?", externalRef).First(&a).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrUnknownReference
		}
		return nil, err
	}
	return &a, nil
}

func (r *BookingRepository) ListAttemptsByBooking(bookingID int64) ([]*payment.Attempt, error) {
	var attempts []*payment.Attempt
	err := r.db.Where("booking_id = ?", bookingID).Order("attempt_number ASC").Find(&attempts).Error
	return attempts, err
}

func (r *BookingRepository) CountAttempts(bookingID int64) (int64, error) {
	var count int64
	err := r.db.Model(&payment.Attempt{}).Where("booking_id = ?", bookingID).Count(&count).Error
	return count, err
}

func (r *BookingRepository) UpdateAttemptStatus(id int64, from []payment.AttemptStatus, to payment.AttemptStatus) error {
	res := r.db.Model(&payment.Attempt{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(map[string]interface{}{"status": to, "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperrors.ErrStaleTransition
	}
	return nil
}

func (r *BookingRepository) RecordCallbackPayload(externalRef string, payload json.RawMessage) error {
	res := r.db.Model(&payment.Attempt{}).
		Where("external_ref = ?", externalRef).
		Updates(map[string]interface{}{"raw_callback_payload": payload, "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperrors.ErrUnknownReference
	}
	return nil
}

func (r *BookingRepository) TouchAttemptLookup(id int64, at time.Time) error {
	return r.db.Model(&payment.Attempt{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"last_lookup_at": at, "updated_at": time.Now()}).Error
}

func (r *BookingRepository) ListStaleAttempts(statuses []payment.AttemptStatus, olderThan time.Time, limit int) ([]*payment.Attempt, error) {
	var attempts []*payment.Attempt
	err := r.db.
		Where("status IN ? AND created_at < ?", statuses, olderThan).
		Order("created_at ASC").
		Limit(limit).
		Find(&attempts).Error
	return attempts, err
}

func (r *BookingRepository) ListBookingsDueToStart(now time.Time, limit int) ([]*booking.Booking, error) {
	var bookings []*booking.Booking
	err := r.db.
		Where("status = ? AND slot_start <= ? AND slot_end > ?", booking.StatusConfirmed, now, now).
		Order("slot_start ASC").
		Limit(limit).
		Find(&bookings).Error
	return bookings, err
}

func (r *BookingRepository) ListBookingsDueToComplete(now time.Time, limit int) ([]*booking.Booking, error) {
	var bookings []*booking.Booking
	err := r.db.
		Where("status IN ? AND slot_end <= ?", []booking.Status{booking.StatusConfirmed, booking.StatusInProgress}, now).
		Order("slot_end ASC").
		Limit(limit).
		Find(&bookings).Error
	return bookings, err
}
