package reconcile

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"

	apperrors "github.com/chargeline/ev-booking/internal"
	bookingmodel "github.com/chargeline/ev-booking/internal/core/datamodel/booking"
	"github.com/chargeline/ev-booking/internal/transport"
)

// webhook bodies are small JSON documents; anything larger is abuse
const maxWebhookBodySize = 1 << 20

type EngineAPI interface {
	HandleReturn(ctx context.Context, bookingRef, externalRef, claimedStatus string) (*VerifyResult, error)
	HandleWebhook(ctx context.Context, gatewayName string, rawPayload []byte, headers http.Header) (*VerifyResult, error)
}

type Handler struct {
	*transport.BaseHandler
	engine EngineAPI
	logger *slog.Logger
}

func NewHandler(engine EngineAPI, logger *slog.Logger) *Handler {
	return &Handler{
		BaseHandler: transport.NewBaseHandler(logger),
		engine:      engine,
		logger:      logger,
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/payments/return", h.paymentReturnHandler)
	r.Post("/payments/{gateway}/webhook", h.webhookHandler)
}

type returnResponse struct {
	BookingID int64  `json:"booking_id"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

// paymentReturnHandler lands the browser redirect from a gateway. Whatever
// the query string claims, the response reflects the verified state.
func (h *Handler) paymentReturnHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	externalRef := q.Get("pidx")
	if externalRef == "" {
		externalRef = q.Get("transaction_uuid")
	}

	bookingRef := q.Get("bookingId")
	if bookingRef == "" {
		bookingRef = q.Get("purchase_order_id")
	}

	result, err := h.engine.HandleReturn(r.Context(), bookingRef, externalRef, q.Get("status"))
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, returnResponse{
		BookingID: result.BookingID,
		Status:    string(result.BookingStatus),
		Message:   userMessage(result.BookingStatus),
	})
}

func (h *Handler) webhookHandler(w http.ResponseWriter, r *http.Request) {
	gatewayName := chi.URLParam(r, "gateway")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodySize))
	if err != nil {
		h.HandleError(w, apperrors.NewValidationError("unable to read request body", apperrors.ErrCodeValidationFailed))
		return
	}

	result, err := h.engine.HandleWebhook(r.Context(), gatewayName, body, r.Header)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, result)
}

func userMessage(status bookingmodel.Status) string {
	switch status {
	case bookingmodel.StatusConfirmed, bookingmodel.StatusInProgress, bookingmodel.StatusCompleted:
		return "payment successful, your booking is confirmed"
	case bookingmodel.StatusCancelled:
		return "payment was canceled"
	case bookingmodel.StatusPaymentFailed:
		return "payment failed, you can try again"
	default:
		return "payment is being verified, your booking will update shortly"
	}
}
