package postgres

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	apperrors "github.com/chargeline/ev-booking/internal"
	bookingpkg "github.com/chargeline/ev-booking/internal/booking"
	"github.com/chargeline/ev-booking/internal/core/datamodel/booking"
	"github.com/chargeline/ev-booking/internal/core/datamodel/payment"
)

func TestBookingRepository(t *testing.T) {
	gomega.RegisterFailHandler(ginkgo.Fail)
	ginkgo.RunSpecs(t, "Booking Repository Suite")
}

// BookingSQLite mirrors the bookings table for the in-memory test database.
type BookingSQLite struct {
	ID                     int64     `gorm:"primaryKey"`
	UserID                 int64     `gorm:"column:user_id;not null"`
	StationID              int64     `gorm:"column:station_id;not null"`
	ChargerID              int64     `gorm:"column:charger_id;not null"`
	SlotStart              time.Time `gorm:"column:slot_start;not null"`
	SlotEnd                time.Time `gorm:"column:slot_end;not null"`
	Amount                 int64     `gorm:"column:amount;not null"`
	Currency               string    `gorm:"column:currency;size:10;default:NPR"`
	Status                 string    `gorm:"column:status;size:32;default:pending"`
	ActivePaymentAttemptID *int64    `gorm:"column:active_payment_attempt_id"`
	Version                int64     `gorm:"column:version;default:1"`
	CreatedAt              time.Time `gorm:"column:created_at"`
	UpdatedAt              time.Time `gorm:"column:updated_at"`
}

func (BookingSQLite) TableName() string {
	return "bookings"
}

// AttemptSQLite uses text instead of jsonb for SQLite compatibility.
type AttemptSQLite struct {
	ID                 int64      `gorm:"primaryKey"`
	BookingID          int64      `gorm:"column:booking_id;not null;index"`
	ExternalRef        string     `gorm:"column:external_ref;not null;uniqueIndex"`
	Gateway            string     `gorm:"column:gateway;size:32;not null"`
	Status             string     `gorm:"column:status;size:32;default:initiated"`
	AttemptNumber      int        `gorm:"column:attempt_number;default:1"`
	Amount             int64      `gorm:"column:amount;not null"`
	Currency           string     `gorm:"column:currency;size:10;default:NPR"`
	LastLookupAt       *time.Time `gorm:"column:last_lookup_at"`
	RawCallbackPayload string     `gorm:"column:raw_callback_payload;type:text"`
	FailureReason      *string    `gorm:"column:failure_reason"`
	CreatedAt          time.Time  `gorm:"column:created_at"`
	UpdatedAt          time.Time  `gorm:"column:updated_at"`
}

func (AttemptSQLite) TableName() string {
	return "payment_attempts"
}

var _ = ginkgo.Describe("BookingRepository", func() {
	var (
		db   *gorm.DB
		repo bookingpkg.RepositoryAPI
	)

	ginkgo.BeforeEach(func() {
		var err error
		db, err = gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
		gomega.Expect(err).ToNot(gomega.HaveOccurred())

		err = db.AutoMigrate(&BookingSQLite{}, &AttemptSQLite{})
		gomega.Expect(err).ToNot(gomega.HaveOccurred())

		repo = NewBookingRepository(db)
	})

	newBooking := func(status booking.Status) *booking.Booking {
		b := &booking.Booking{
			UserID:    1,
			StationID: 2,
			ChargerID: 3,
			SlotStart: time.Now().Add(time.Hour),
			SlotEnd:   time.Now().Add(2 * time.Hour),
			Amount:    50000,
			Currency:  "NPR",
			Status:    status,
			Version:   1,
		}
		err := repo.CreateBooking(b)
		gomega.Expect(err).ToNot(gomega.HaveOccurred())
		return b
	}

	newAttempt := func(bookingID int64, ref string, status payment.AttemptStatus) *payment.Attempt {
		a := &payment.Attempt{
			BookingID:     bookingID,
			ExternalRef:   ref,
			Gateway:       "khalti",
			Status:        status,
			AttemptNumber: 1,
			Amount:        50000,
			Currency:      "NPR",
		}
		err := repo.CreateAttempt(a)
		gomega.Expect(err).ToNot(gomega.HaveOccurred())
		return a
	}

	ginkgo.Describe("Transition", func() {
		ginkgo.It("moves the booking and bumps the version when status and version match", func() {
			b := newBooking(booking.StatusAwaitingPayment)

			updated, err := repo.Transition(&bookingpkg.TransitionRequest{
				BookingID:       b.ID,
				AllowedFrom:     []booking.Status{booking.StatusAwaitingPayment},
				To:              booking.StatusConfirmed,
				ExpectedVersion: b.Version,
			})

			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(updated.Status).To(gomega.Equal(booking.StatusConfirmed))
			gomega.Expect(updated.Version).To(gomega.Equal(b.Version + 1))
		})

		ginkgo.It("refuses a transition from a status outside the allowed set", func() {
			b := newBooking(booking.StatusConfirmed)

			_, err := repo.Transition(&bookingpkg.TransitionRequest{
				BookingID:       b.ID,
				AllowedFrom:     []booking.Status{booking.StatusAwaitingPayment},
				To:              booking.StatusCancelled,
				ExpectedVersion: b.Version,
			})

			gomega.Expect(err).To(gomega.HaveOccurred())
			gomega.Expect(apperrors.IsConflict(err)).To(gomega.BeTrue())
		})

		ginkgo.It("refuses a transition with a stale version", func() {
			b := newBooking(booking.StatusAwaitingPayment)

			_, err := repo.Transition(&bookingpkg.TransitionRequest{
				BookingID:       b.ID,
				AllowedFrom:     []booking.Status{booking.StatusAwaitingPayment},
				To:              booking.StatusConfirmed,
				ExpectedVersion: b.Version + 5,
			})

			gomega.Expect(err).To(gomega.HaveOccurred())
			gomega.Expect(apperrors.IsConflict(err)).To(gomega.BeTrue())
		})

		ginkgo.It("lets only one of two racing identical transitions through", func() {
			b := newBooking(booking.StatusAwaitingPayment)

			req := func() *bookingpkg.TransitionRequest {
				return &bookingpkg.TransitionRequest{
					BookingID:       b.ID,
					AllowedFrom:     []booking.Status{booking.StatusAwaitingPayment},
					To:              booking.StatusConfirmed,
					ExpectedVersion: b.Version,
				}
			}

			_, firstErr := repo.Transition(req())
			_, secondErr := repo.Transition(req())

			gomega.Expect(firstErr).ToNot(gomega.HaveOccurred())
			gomega.Expect(secondErr).To(gomega.HaveOccurred())
			gomega.Expect(apperrors.IsConflict(secondErr)).To(gomega.BeTrue())

			got, err := repo.GetBooking(b.ID)
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(got.Version).To(gomega.Equal(b.Version + 1))
		})

		ginkgo.It("finalizes the attempt in the same transition", func() {
			b := newBooking(booking.StatusAwaitingPayment)
			a := newAttempt(b.ID, "PIDX-1", payment.StatusPending)

			_, err := repo.Transition(&bookingpkg.TransitionRequest{
				BookingID:       b.ID,
				AllowedFrom:     []booking.Status{booking.StatusAwaitingPayment},
				To:              booking.StatusConfirmed,
				ExpectedVersion: b.Version,
				Attempt:         a,
				AttemptStatus:   payment.StatusCompleted,
			})

			gomega.Expect(err).ToNot(gomega.HaveOccurred())

			got, err := repo.GetAttempt(a.ID)
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(got.Status).To(gomega.Equal(payment.StatusCompleted))
		})

		ginkgo.It("rolls the whole transition back when the attempt is already terminal", func() {
			b := newBooking(booking.StatusAwaitingPayment)
			a := newAttempt(b.ID, "PIDX-1", payment.StatusCompleted)

			_, err := repo.Transition(&bookingpkg.TransitionRequest{
				BookingID:       b.ID,
				AllowedFrom:     []booking.Status{booking.StatusAwaitingPayment},
				To:              booking.StatusCancelled,
				ExpectedVersion: b.Version,
				Attempt:         a,
				AttemptStatus:   payment.StatusUserCanceled,
			})

			gomega.Expect(err).To(gomega.HaveOccurred())

			got, err := repo.GetBooking(b.ID)
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(got.Status).To(gomega.Equal(booking.StatusAwaitingPayment))
			gomega.Expect(got.Version).To(gomega.Equal(b.Version))

			gotAttempt, err := repo.GetAttempt(a.ID)
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(gotAttempt.Status).To(gomega.Equal(payment.StatusCompleted))
		})
	})

	ginkgo.Describe("attempt lookups", func() {
		ginkgo.It("finds an attempt by external reference", func() {
			b := newBooking(booking.StatusAwaitingPayment)
			a := newAttempt(b.ID, "PIDX-FIND", payment.StatusInitiated)

			got, err := repo.GetAttemptByExternalRef("PIDX-FIND")

			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(got.ID).To(gomega.Equal(a.ID))
		})

		ginkgo.It("maps a missing reference to unknown reference", func() {
			_, err := repo.GetAttemptByExternalRef("PIDX-NOBODY")

			gomega.Expect(err).To(gomega.HaveOccurred())
			appErr, ok := apperrors.IsAppError(err)
			gomega.Expect(ok).To(gomega.BeTrue())
			gomega.Expect(appErr.Code).To(gomega.Equal(apperrors.ErrCodeUnknownReference))
		})

		ginkgo.It("records a callback payload for auditing", func() {
			b := newBooking(booking.StatusAwaitingPayment)
			newAttempt(b.ID, "PIDX-AUDIT", payment.StatusInitiated)

			payload := json.RawMessage(`{"pidx":"PIDX-AUDIT","status":"Completed"}`)
			err := repo.RecordCallbackPayload("PIDX-AUDIT", payload)

			gomega.Expect(err).ToNot(gomega.HaveOccurred())
		})

		ginkgo.It("rejects a callback payload for an unknown reference", func() {
			err := repo.RecordCallbackPayload("PIDX-GHOST", json.RawMessage(`{}`))

			gomega.Expect(err).To(gomega.HaveOccurred())
			appErr, ok := apperrors.IsAppError(err)
			gomega.Expect(ok).To(gomega.BeTrue())
			gomega.Expect(appErr.Code).To(gomega.Equal(apperrors.ErrCodeUnknownReference))
		})

		ginkgo.It("guards attempt status updates on the expected current status", func() {
			b := newBooking(booking.StatusAwaitingPayment)
			a := newAttempt(b.ID, "PIDX-GUARD", payment.StatusInitiated)

			err := repo.UpdateAttemptStatus(a.ID, []payment.AttemptStatus{payment.StatusInitiated}, payment.StatusPending)
			gomega.Expect(err).ToNot(gomega.HaveOccurred())

			err = repo.UpdateAttemptStatus(a.ID, []payment.AttemptStatus{payment.StatusInitiated}, payment.StatusPending)
			gomega.Expect(err).To(gomega.HaveOccurred())
			gomega.Expect(apperrors.IsConflict(err)).To(gomega.BeTrue())
		})
	})

	ginkgo.Describe("sweep queries", func() {
		ginkgo.It("lists only stale open attempts", func() {
			b := newBooking(booking.StatusAwaitingPayment)

			old := newAttempt(b.ID, "PIDX-OLD", payment.StatusPending)
			db.Model(&AttemptSQLite{}).Where("id = ?", old.ID).
				Update("created_at", time.Now().Add(-time.Hour))

			newAttempt(b.ID, "PIDX-FRESH", payment.StatusPending)
			done := newAttempt(b.ID, "PIDX-DONE", payment.StatusCompleted)
			db.Model(&AttemptSQLite{}).Where("id = ?", done.ID).
				Update("created_at", time.Now().Add(-time.Hour))

			stale, err := repo.ListStaleAttempts(
				[]payment.AttemptStatus{payment.StatusInitiated, payment.StatusPending},
				time.Now().Add(-10*time.Minute), 100)

			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(stale).To(gomega.HaveLen(1))
			gomega.Expect(stale[0].ExternalRef).To(gomega.Equal("PIDX-OLD"))
		})

		ginkgo.It("lists confirmed bookings whose slot has started", func() {
			started := newBooking(booking.StatusConfirmed)
			db.Model(&BookingSQLite{}).Where("id = ?", started.ID).
				Updates(map[string]interface{}{
					"slot_start": time.Now().Add(-10 * time.Minute),
					"slot_end":   time.Now().Add(50 * time.Minute),
				})

			newBooking(booking.StatusConfirmed) // slot in the future

			due, err := repo.ListBookingsDueToStart(time.Now(), 100)

			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(due).To(gomega.HaveLen(1))
			gomega.Expect(due[0].ID).To(gomega.Equal(started.ID))
		})

		ginkgo.It("lists in-session bookings whose slot has ended", func() {
			ended := newBooking(booking.StatusInProgress)
			db.Model(&BookingSQLite{}).Where("id = ?", ended.ID).
				Updates(map[string]interface{}{
					"slot_start": time.Now().Add(-2 * time.Hour),
					"slot_end":   time.Now().Add(-time.Hour),
				})

			due, err := repo.ListBookingsDueToComplete(time.Now(), 100)

			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(due).To(gomega.HaveLen(1))
			gomega.Expect(due[0].ID).To(gomega.Equal(ended.ID))
		})
	})
})
