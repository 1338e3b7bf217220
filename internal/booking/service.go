package booking

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	errors "github.com/chargeline/ev-booking/internal"
	"github.com/chargeline/ev-booking/internal/core/datamodel/booking"
	"github.com/chargeline/ev-booking/internal/core/datamodel/payment"
	"github.com/chargeline/ev-booking/internal/core/events"
	"github.com/chargeline/ev-booking/internal/gateway"
)

// TransitionRequest is a conditional booking update. The write succeeds only
// while the booking's current status is in AllowedFrom and its version has
// not moved since it was read; anything else is a stale transition.
type TransitionRequest struct {
	BookingID       int64
	AllowedFrom     []booking.Status
	To              booking.Status
	ExpectedVersion int64

	// Attempt, when set, is persisted atomically with the booking update.
	// AttemptStatus is the status the attempt moves to; terminal attempt
	// rows are immutable, so the update is guarded on a non-terminal
	// current status.
	Attempt       *payment.Attempt
	AttemptStatus payment.AttemptStatus
	FailureReason *string

	// SetActiveAttempt updates bookings.active_payment_attempt_id; a nil
	// ActiveAttemptID clears it.
	SetActiveAttempt bool
	ActiveAttemptID  *int64
}

// RepositoryAPI is the persistence surface for bookings and their payment
// attempts. The repository owns both tables; nothing else writes them.
type RepositoryAPI interface {
	CreateBooking(b *booking.Booking) error
	GetBooking(id int64) (*booking.Booking, error)
	Transition(req *TransitionRequest) (*booking.Booking, error)

	CreateAttempt(a *payment.Attempt) error
	GetAttempt(id int64) (*payment.Attempt, error)
	GetAttemptByExternalRef(externalRef string) (*payment.Attempt, error)
	ListAttemptsByBooking(bookingID int64) ([]*payment.Attempt, error)
	CountAttempts(bookingID int64) (int64, error)
	UpdateAttemptStatus(id int64, from []payment.AttemptStatus, to payment.AttemptStatus) error
	RecordCallbackPayload(externalRef string, payload json.RawMessage) error
	TouchAttemptLookup(id int64, at time.Time) error

	ListStaleAttempts(statuses []payment.AttemptStatus, olderThan time.Time, limit int) ([]*payment.Attempt, error)
	ListBookingsDueToStart(now time.Time, limit int) ([]*booking.Booking, error)
	ListBookingsDueToComplete(now time.Time, limit int) ([]*booking.Booking, error)
}

// Service is the booking store: versioned booking lifecycle persistence plus
// payment-attempt bookkeeping. Every successful transition publishes a
// status-change event for the notification dispatcher.
type Service struct {
	repo     RepositoryAPI
	gateways *gateway.Registry
	eventBus *events.EventBus
	logger   *slog.Logger
}

func NewService(repo RepositoryAPI, gateways *gateway.Registry, eventBus *events.EventBus, logger *slog.Logger) *Service {
	return &Service{
		repo:     repo,
		gateways: gateways,
		eventBus: eventBus,
		logger:   logger,
	}
}

func (s *Service) SupportedGateways() []string {
	return s.gateways.Names()
}

func (s *Service) CreateBooking(req *CreateBookingRequest) (*booking.Booking, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	currency := req.Currency
	if currency == "" {
		currency = "NPR"
	}

	b := &booking.Booking{
		UserID:    req.UserID,
		StationID: req.StationID,
		ChargerID: req.ChargerID,
		SlotStart: req.SlotStart,
		SlotEnd:   req.SlotEnd,
		Amount:    req.Amount,
		Currency:  currency,
		Status:    booking.StatusPending,
		Version:   1,
	}

	if err := s.repo.CreateBooking(b); err != nil {
		s.logger.Error("failed to create booking", "error", err, "user_id", req.UserID)
		return nil, errors.NewInternalError("failed to create booking", err)
	}

	s.logger.Info("booking created",
		"booking_id", b.ID,
		"user_id", b.UserID,
		"station_id", b.StationID,
		"amount", b.Amount)

	return b, nil
}

func (s *Service) GetBooking(id int64) (*booking.Booking, error) {
	return s.repo.GetBooking(id)
}

func (s *Service) GetAttemptByExternalRef(externalRef string) (*payment.Attempt, error) {
	return s.repo.GetAttemptByExternalRef(externalRef)
}

func (s *Service) ListAttemptsByBooking(bookingID int64) ([]*payment.Attempt, error) {
	return s.repo.ListAttemptsByBooking(bookingID)
}

func (s *Service) RecordCallbackPayload(externalRef string, payload json.RawMessage) error {
	return s.repo.RecordCallbackPayload(externalRef, payload)
}

func (s *Service) TouchAttemptLookup(attemptID int64, at time.Time) error {
	return s.repo.TouchAttemptLookup(attemptID, at)
}

func (s *Service) UpdateAttemptStatus(id int64, from []payment.AttemptStatus, to payment.AttemptStatus) error {
	return s.repo.UpdateAttemptStatus(id, from, to)
}

func (s *Service) ListStaleAttempts(statuses []payment.AttemptStatus, olderThan time.Time, limit int) ([]*payment.Attempt, error) {
	return s.repo.ListStaleAttempts(statuses, olderThan, limit)
}

func (s *Service) ListBookingsDueToStart(now time.Time, limit int) ([]*booking.Booking, error) {
	return s.repo.ListBookingsDueToStart(now, limit)
}

func (s *Service) ListBookingsDueToComplete(now time.Time, limit int) ([]*booking.Booking, error) {
	return s.repo.ListBookingsDueToComplete(now, limit)
}

// InitiatePayment opens a payment attempt for a booking through the chosen
// gateway. A booking with a live (non-terminal) attempt rejects a second
// initiation; retrying after a failed attempt opens a fresh attempt with the
// next attempt number.
func (s *Service) InitiatePayment(ctx context.Context, bookingID int64, gatewayName string) (*InitiatePaymentResponse, error) {
	b, err := s.repo.GetBooking(bookingID)
	if err != nil {
		return nil, err
	}

	switch b.Status {
	case booking.StatusPending, booking.StatusAwaitingPayment, booking.StatusPaymentFailed:
	default:
		return nil, errors.ErrInvalidBookingStatus
	}

	if b.ActivePaymentAttemptID != nil {
		active, err := s.repo.GetAttempt(*b.ActivePaymentAttemptID)
		if err != nil {
			return nil, err
		}
		if !active.Status.IsTerminal() {
			s.logger.Warn("payment initiation rejected, active attempt exists",
				"booking_id", bookingID,
				"attempt_id", active.ID,
				"attempt_status", active.Status)
			return nil, errors.ErrActiveAttemptExists
		}
	}

	client, err := s.gateways.Get(gatewayName)
	if err != nil {
		return nil, err
	}

	count, err := s.repo.CountAttempts(bookingID)
	if err != nil {
		return nil, errors.NewInternalError("failed to count payment attempts", err)
	}
	attemptNumber := int(count) + 1

	result, err := client.Initiate(ctx, b, attemptNumber)
	if err != nil {
		s.logger.Error("payment initiation failed",
			"error", err,
			"booking_id", bookingID,
			"gateway", gatewayName)
		return nil, err
	}

	attempt := &payment.Attempt{
		BookingID:     b.ID,
		ExternalRef:   result.ExternalRef,
		Gateway:       gatewayName,
		Status:        payment.StatusInitiated,
		AttemptNumber: attemptNumber,
		Amount:        b.Amount,
		Currency:      b.Currency,
	}
	if err := s.repo.CreateAttempt(attempt); err != nil {
		return nil, errors.NewInternalError("failed to persist payment attempt", err)
	}

	_, err = s.Transition(ctx, &TransitionRequest{
		BookingID:        b.ID,
		AllowedFrom:      []booking.Status{booking.StatusPending, booking.StatusAwaitingPayment, booking.StatusPaymentFailed},
		To:               booking.StatusAwaitingPayment,
		ExpectedVersion:  b.Version,
		SetActiveAttempt: true,
		ActiveAttemptID:  &attempt.ID,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("payment attempt opened",
		"booking_id", b.ID,
		"gateway", gatewayName,
		"external_ref", result.ExternalRef,
		"attempt_number", attemptNumber)

	return &InitiatePaymentResponse{
		BookingID:   b.ID,
		Gateway:     gatewayName,
		ExternalRef: result.ExternalRef,
		RedirectURL: result.RedirectURL,
		FormFields:  result.FormFields,
	}, nil
}

// Transition applies a conditional status update and publishes the matching
// events. A Conflict from the repository is returned as-is; callers decide
// whether a concurrent identical transition counts as success.
func (s *Service) Transition(ctx context.Context, req *TransitionRequest) (*booking.Booking, error) {
	before, err := s.repo.GetBooking(req.BookingID)
	if err != nil {
		return nil, err
	}

	updated, err := s.repo.Transition(req)
	if err != nil {
		return nil, err
	}

	s.logger.Info("booking transitioned",
		"booking_id", updated.ID,
		"from_status", before.Status,
		"to_status", updated.Status,
		"version", updated.Version)

	s.publishTransitionEvents(ctx, before.Status, updated, req)

	return updated, nil
}

func (s *Service) publishTransitionEvents(ctx context.Context, from booking.Status, b *booking.Booking, req *TransitionRequest) {
	if s.eventBus == nil {
		return
	}

	var externalRef, gatewayName string
	var attemptNumber int
	if req.Attempt != nil {
		externalRef = req.Attempt.ExternalRef
		gatewayName = req.Attempt.Gateway
		attemptNumber = req.Attempt.AttemptNumber
	}

	s.eventBus.Publish(ctx, events.NewBookingStatusChangedEvent(b.ID, b.UserID, from, b.Status, externalRef, gatewayName))

	switch b.Status {
	case booking.StatusConfirmed:
		s.eventBus.Publish(ctx, events.NewBookingConfirmedEvent(b.ID, b.UserID, externalRef, gatewayName, b.Amount))
	case booking.StatusCancelled:
		s.eventBus.Publish(ctx, events.NewBookingCancelledEvent(b.ID, b.UserID, externalRef, gatewayName))
	case booking.StatusPaymentFailed:
		reason := ""
		if req.FailureReason != nil {
			reason = *req.FailureReason
		}
		s.eventBus.Publish(ctx, events.NewBookingPaymentFailedEvent(b.ID, b.UserID, externalRef, gatewayName, reason, attemptNumber))
	}
}

// StartDueBookings moves confirmed bookings whose slot has begun to
// InProgress. Conflicts are skipped; the next scan retries them.
func (s *Service) StartDueBookings(ctx context.Context, now time.Time, limit int) (int, error) {
	due, err := s.repo.ListBookingsDueToStart(now, limit)
	if err != nil {
		return 0, err
	}

	started := 0
	for _, b := range due {
		_, err := s.Transition(ctx, &TransitionRequest{
			BookingID:       b.ID,
			AllowedFrom:     []booking.Status{booking.StatusConfirmed},
			To:              booking.StatusInProgress,
			ExpectedVersion: b.Version,
		})
		if err != nil {
			if errors.IsConflict(err) {
				continue
			}
			return started, fmt.Errorf("start booking %d: %w", b.ID, err)
		}
		started++
	}
	return started, nil
}

// CompleteExpiredBookings auto-completes bookings whose slot has ended,
// mirroring what charging-session hardware would report in a full
// deployment.
func (s *Service) CompleteExpiredBookings(ctx context.Context, now time.Time, limit int) (int, error) {
	due, err := s.repo.ListBookingsDueToComplete(now, limit)
	if err != nil {
		return 0, err
	}

	completed := 0
	for _, b := range due {
		_, err := s.Transition(ctx, &TransitionRequest{
			BookingID:       b.ID,
			AllowedFrom:     []booking.Status{booking.StatusConfirmed, booking.StatusInProgress},
			To:              booking.StatusCompleted,
			ExpectedVersion: b.Version,
		})
		if err != nil {
			if errors.IsConflict(err) {
				continue
			}
			return completed, fmt.Errorf("complete booking %d: %w", b.ID, err)
		}
		completed++
	}
	return completed, nil
}
