package reconcile

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/chargeline/ev-booking/internal"
	bookingpkg "github.com/chargeline/ev-booking/internal/booking"
	bookingmodel "github.com/chargeline/ev-booking/internal/core/datamodel/booking"
	paymentmodel "github.com/chargeline/ev-booking/internal/core/datamodel/payment"
	"github.com/chargeline/ev-booking/internal/gateway"
)

// Store is the slice of the booking store the engine needs. The engine holds
// no persistent state of its own; everything durable lives behind this
// interface.
type Store interface {
	GetBooking(id int64) (*bookingmodel.Booking, error)
	GetAttemptByExternalRef(externalRef string) (*paymentmodel.Attempt, error)
	RecordCallbackPayload(externalRef string, payload json.RawMessage) error
	TouchAttemptLookup(attemptID int64, at time.Time) error
	UpdateAttemptStatus(id int64, from []paymentmodel.AttemptStatus, to paymentmodel.AttemptStatus) error
	Transition(ctx context.Context, req *bookingpkg.TransitionRequest) (*bookingmodel.Booking, error)
}

// VerifyResult is the canonical outcome reported to every caller, whichever
// signal (redirect, webhook, scheduled re-check) triggered verification.
type VerifyResult struct {
	BookingID     int64                      `json:"booking_id"`
	BookingStatus bookingmodel.Status        `json:"booking_status"`
	AttemptStatus paymentmodel.AttemptStatus `json:"attempt_status"`
	ExternalRef   string                     `json:"external_ref"`
	Gateway       string                     `json:"gateway"`
}

type Config struct {
	LookupTimeout    time.Duration
	MaxLookupRetries int
	ExpireAfter      time.Duration
	BackoffBase      time.Duration
}

func (c *Config) applyDefaults() {
	if c.LookupTimeout <= 0 {
		c.LookupTimeout = 5 * time.Second
	}
	if c.MaxLookupRetries <= 0 {
		c.MaxLookupRetries = 3
	}
	if c.ExpireAfter <= 0 {
		c.ExpireAfter = 30 * time.Minute
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
}

// Engine converges the three payment signals onto one persisted booking
// state. Redirects and webhooks only ever trigger a gateway lookup; the
// lookup result is the sole input to any transition.
type Engine struct {
	store    Store
	gateways *gateway.Registry
	cfg      Config
	logger   *slog.Logger

	// flights collapses concurrent verifications of the same externalRef
	// into one outbound lookup within this process. Across replicas the
	// conditional versioned write is what keeps transitions exactly-once.
	flights singleflight.Group
}

func NewEngine(store Store, gateways *gateway.Registry, cfg Config, logger *slog.Logger) *Engine {
	cfg.applyDefaults()
	return &Engine{
		store:    store,
		gateways: gateways,
		cfg:      cfg,
		logger:   logger,
	}
}

// HandleReturn processes a browser redirect back from a gateway. The claimed
// status is logged for diagnostics and then ignored: the canonical answer
// comes from Verify.
func (e *Engine) HandleReturn(ctx context.Context, bookingRef, externalRef, claimedStatus string) (*VerifyResult, error) {
	if externalRef == "" {
		return nil, apperrors.NewValidationError("missing payment reference", apperrors.ErrCodeValidationFailed)
	}

	e.logger.Info("payment return received",
		"booking_ref", bookingRef,
		"external_ref", externalRef,
		"claimed_status", claimedStatus)

	return e.Verify(ctx, externalRef)
}

// HandleWebhook processes a gateway push notification. A valid signature
// only authorizes triggering a lookup; the payload's claimed status is
// stored for audit and never acted on directly.
func (e *Engine) HandleWebhook(ctx context.Context, gatewayName string, rawPayload []byte, headers http.Header) (*VerifyResult, error) {
	client, err := e.gateways.Get(gatewayName)
	if err != nil {
		return nil, err
	}

	if !client.VerifySignature(rawPayload, headers) {
		e.logger.Warn("webhook rejected, signature verification failed",
			"gateway", gatewayName,
			"payload_size", len(rawPayload))
		return nil, apperrors.ErrInvalidSignature
	}

	externalRef, err := client.ExtractExternalRef(rawPayload)
	if err != nil {
		return nil, err
	}

	e.logger.Info("webhook accepted",
		"gateway", gatewayName,
		"external_ref", externalRef)

	if err := e.store.RecordCallbackPayload(externalRef, rawPayload); err != nil {
		if appErr, ok := apperrors.IsAppError(err); ok && appErr.Code == apperrors.ErrCodeUnknownReference {
			e.logger.Error("webhook references unknown payment, gateway desynchronized",
				"gateway", gatewayName,
				"external_ref", externalRef)
			return nil, err
		}
		// audit write failure is not a reason to skip verification
		e.logger.Error("failed to record webhook payload", "error", err, "external_ref", externalRef)
	}

	return e.Verify(ctx, externalRef)
}

// Verify reconciles one payment attempt against the gateway's lookup API.
// Terminal attempts short-circuit with the stored result and no network
// call. Concurrent callers for the same reference share one in-flight
// verification and all receive the same result.
func (e *Engine) Verify(ctx context.Context, externalRef string) (*VerifyResult, error) {
	attempt, err := e.store.GetAttemptByExternalRef(externalRef)
	if err != nil {
		if appErr, ok := apperrors.IsAppError(err); ok && appErr.Code == apperrors.ErrCodeUnknownReference {
			e.logger.Error("verification requested for unknown reference",
				"external_ref", externalRef)
		}
		return nil, err
	}

	if attempt.Status.IsTerminal() {
		return e.canonicalResult(attempt)
	}

	// Verification always runs to completion even if the caller goes away;
	// the lookup is authoritative regardless of client lifecycle.
	bgCtx := context.WithoutCancel(ctx)

	v, err, _ := e.flights.Do(externalRef, func() (interface{}, error) {
		return e.verifyOnce(bgCtx, externalRef)
	})
	if err != nil {
		return nil, err
	}
	return v.(*VerifyResult), nil
}

func (e *Engine) verifyOnce(ctx context.Context, externalRef string) (*VerifyResult, error) {
	// re-read inside the flight: a racing caller may have finished first
	attempt, err := e.store.GetAttemptByExternalRef(externalRef)
	if err != nil {
		return nil, err
	}
	if attempt.Status.IsTerminal() {
		return e.canonicalResult(attempt)
	}

	client, err := e.gateways.Get(attempt.Gateway)
	if err != nil {
		return nil, err
	}

	result, err := e.lookupWithRetry(ctx, client, attempt)
	if err != nil {
		if apperrors.IsTransientGatewayError(err) {
			e.logger.Warn("gateway lookup retries exhausted, expiring attempt",
				"external_ref", externalRef,
				"gateway", attempt.Gateway,
				"error", err)
			reason := "gateway lookup retries exhausted"
			return e.applyTerminal(ctx, attempt, paymentmodel.StatusExpired, bookingmodel.StatusPaymentFailed, &reason)
		}
		return nil, err
	}

	if err := e.store.TouchAttemptLookup(attempt.ID, result.VerifiedAt); err != nil {
		e.logger.Error("failed to record lookup time", "error", err, "attempt_id", attempt.ID)
	}

	switch result.Status {
	case gateway.StatusCompleted:
		return e.applyTerminal(ctx, attempt, paymentmodel.StatusCompleted, bookingmodel.StatusConfirmed, nil)
	case gateway.StatusUserCanceled:
		return e.applyTerminal(ctx, attempt, paymentmodel.StatusUserCanceled, bookingmodel.StatusCancelled, nil)
	case gateway.StatusFailed:
		reason := "payment failed at gateway"
		return e.applyTerminal(ctx, attempt, paymentmodel.StatusFailed, bookingmodel.StatusPaymentFailed, &reason)
	case gateway.StatusExpired:
		reason := "payment expired at gateway"
		return e.applyTerminal(ctx, attempt, paymentmodel.StatusExpired, bookingmodel.StatusPaymentFailed, &reason)
	default:
		return e.handlePending(ctx, attempt)
	}
}

// handlePending keeps a still-open attempt alive, unless it has outlived the
// expiry window, in which case the attempt dies and the booking becomes
// eligible for a fresh one.
func (e *Engine) handlePending(ctx context.Context, attempt *paymentmodel.Attempt) (*VerifyResult, error) {
	if time.Since(attempt.CreatedAt) > e.cfg.ExpireAfter {
		reason := "payment not completed within the allowed window"
		return e.applyTerminal(ctx, attempt, paymentmodel.StatusExpired, bookingmodel.StatusPaymentFailed, &reason)
	}

	if attempt.Status == paymentmodel.StatusInitiated {
		err := e.store.UpdateAttemptStatus(attempt.ID,
			[]paymentmodel.AttemptStatus{paymentmodel.StatusInitiated}, paymentmodel.StatusPending)
		if err != nil && !apperrors.IsConflict(err) {
			return nil, err
		}
	}

	return e.canonicalResult(attempt)
}

// applyTerminal moves the attempt and booking to their final states through
// one conditional transition. Losing the race to an identical transition is
// success: the booking already reached the same canonical state, so re-read
// and report it.
func (e *Engine) applyTerminal(ctx context.Context, attempt *paymentmodel.Attempt, attemptStatus paymentmodel.AttemptStatus, bookingStatus bookingmodel.Status, reason *string) (*VerifyResult, error) {
	b, err := e.store.GetBooking(attempt.BookingID)
	if err != nil {
		return nil, err
	}

	if b.Status.IsTerminalForPayment() {
		return e.canonicalResult(attempt)
	}

	_, err = e.store.Transition(ctx, &bookingpkg.TransitionRequest{
		BookingID:       b.ID,
		AllowedFrom:     []bookingmodel.Status{bookingmodel.StatusAwaitingPayment},
		To:              bookingStatus,
		ExpectedVersion: b.Version,
		Attempt:         attempt,
		AttemptStatus:   attemptStatus,
		FailureReason:   reason,
	})
	if err != nil {
		if apperrors.IsConflict(err) {
			e.logger.Info("transition lost race, returning canonical state",
				"booking_id", b.ID,
				"external_ref", attempt.ExternalRef)
			return e.canonicalResult(attempt)
		}
		return nil, err
	}

	e.logger.Info("payment attempt finalized",
		"booking_id", b.ID,
		"external_ref", attempt.ExternalRef,
		"attempt_status", attemptStatus,
		"booking_status", bookingStatus)

	return e.canonicalResult(attempt)
}

// canonicalResult re-reads attempt and booking and reports their current,
// authoritative state.
func (e *Engine) canonicalResult(attempt *paymentmodel.Attempt) (*VerifyResult, error) {
	current, err := e.store.GetAttemptByExternalRef(attempt.ExternalRef)
	if err != nil {
		return nil, err
	}
	b, err := e.store.GetBooking(current.BookingID)
	if err != nil {
		return nil, err
	}

	return &VerifyResult{
		BookingID:     b.ID,
		BookingStatus: b.Status,
		AttemptStatus: current.Status,
		ExternalRef:   current.ExternalRef,
		Gateway:       current.Gateway,
	}, nil
}

func (e *Engine) lookupWithRetry(ctx context.Context, client gateway.Client, attempt *paymentmodel.Attempt) (*gateway.LookupResult, error) {
	backoff := retry.WithMaxRetries(uint64(e.cfg.MaxLookupRetries-1), retry.NewExponential(e.cfg.BackoffBase))

	var result *gateway.LookupResult
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		lookupCtx, cancel := context.WithTimeout(ctx, e.cfg.LookupTimeout)
		defer cancel()

		res, err := client.Lookup(lookupCtx, gateway.LookupRequest{
			ExternalRef: attempt.ExternalRef,
			Amount:      attempt.Amount,
		})
		if err != nil {
			if apperrors.IsTransientGatewayError(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
