package notification

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/chargeline/ev-booking/internal/core/events"
)

// Sender delivers one notification to one user. The log sender below is the
// only implementation for now; an email or push sender plugs in here without
// touching the dispatcher.
type Sender interface {
	Send(ctx context.Context, userID int64, subject, body string) error
}

// LogSender writes notifications to the structured log instead of an
// external channel.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, userID int64, subject, body string) error {
	s.logger.Info("notification sent",
		"user_id", userID,
		"subject", subject,
		"body", body)
	return nil
}

// Dispatcher turns booking lifecycle events into user notifications. It only
// observes transitions; failures here never affect booking state.
type Dispatcher struct {
	sender Sender
	logger *slog.Logger
}

func NewDispatcher(sender Sender, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		sender: sender,
		logger: logger,
	}
}

func (d *Dispatcher) HandleBookingConfirmed(ctx context.Context, event events.Event) error {
	e, ok := event.(*events.BookingConfirmedEvent)
	if !ok {
		d.logger.Error("invalid event type for booking confirmed handler", "event_type", event.EventType())
		return fmt.Errorf("expected BookingConfirmedEvent, got %T", event)
	}

	subject := "Your charging slot is confirmed"
	body := fmt.Sprintf("Payment for booking %d was received via %s. See you at the station.", e.BookingID, e.Gateway)

	if err := d.sender.Send(ctx, e.UserID, subject, body); err != nil {
		d.logger.Error("failed to send confirmation notification",
			"error", err,
			"booking_id", e.BookingID,
			"user_id", e.UserID,
			"event_id", e.EventID())
		return err
	}
	return nil
}

func (d *Dispatcher) HandleBookingCancelled(ctx context.Context, event events.Event) error {
	e, ok := event.(*events.BookingCancelledEvent)
	if !ok {
		d.logger.Error("invalid event type for booking cancelled handler", "event_type", event.EventType())
		return fmt.Errorf("expected BookingCancelledEvent, got %T", event)
	}

	subject := "Your booking was cancelled"
	body := fmt.Sprintf("Booking %d was cancelled after the payment was abandoned. The slot has been released.", e.BookingID)

	if err := d.sender.Send(ctx, e.UserID, subject, body); err != nil {
		d.logger.Error("failed to send cancellation notification",
			"error", err,
			"booking_id", e.BookingID,
			"user_id", e.UserID,
			"event_id", e.EventID())
		return err
	}
	return nil
}

func (d *Dispatcher) HandlePaymentFailed(ctx context.Context, event events.Event) error {
	e, ok := event.(*events.BookingPaymentFailedEvent)
	if !ok {
		d.logger.Error("invalid event type for payment failed handler", "event_type", event.EventType())
		return fmt.Errorf("expected BookingPaymentFailedEvent, got %T", event)
	}

	subject := "Payment for your booking did not go through"
	body := fmt.Sprintf("Payment for booking %d failed (%s). You can retry with a new payment attempt.", e.BookingID, e.FailureReason)

	if err := d.sender.Send(ctx, e.UserID, subject, body); err != nil {
		d.logger.Error("failed to send payment failure notification",
			"error", err,
			"booking_id", e.BookingID,
			"user_id", e.UserID,
			"event_id", e.EventID())
		return err
	}
	return nil
}

func (d *Dispatcher) RegisterEventHandlers(eventBus *events.EventBus) {
	eventBus.Subscribe(events.EventTypeBookingConfirmed, d.HandleBookingConfirmed)
	eventBus.Subscribe(events.EventTypeBookingCancelled, d.HandleBookingCancelled)
	eventBus.Subscribe(events.EventTypeBookingPaymentFailed, d.HandlePaymentFailed)

	d.logger.Info("notification event handlers registered",
		"handlers", []string{
			events.EventTypeBookingConfirmed,
			events.EventTypeBookingCancelled,
			events.EventTypeBookingPaymentFailed,
		})
}
