package booking

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"

	bookingmodel "github.com/chargeline/ev-booking/internal/core/datamodel/booking"
	paymentmodel "github.com/chargeline/ev-booking/internal/core/datamodel/payment"
	"github.com/chargeline/ev-booking/internal/transport"
	"github.com/chargeline/ev-booking/pkg/logger"
)

type ServiceAPI interface {
	CreateBooking(req *CreateBookingRequest) (*bookingmodel.Booking, error)
	GetBooking(id int64) (*bookingmodel.Booking, error)
	ListAttemptsByBooking(bookingID int64) ([]*paymentmodel.Attempt, error)
	InitiatePayment(ctx context.Context, bookingID int64, gatewayName string) (*InitiatePaymentResponse, error)
	SupportedGateways() []string
}

type Handler struct {
	*transport.BaseHandler
	Service ServiceAPI
}

func NewHandler(service ServiceAPI) *Handler {
	lg := logger.LoggerWrapper()
	if lg == nil {
		lg = slog.Default()
	}
	return &Handler{
		BaseHandler: transport.NewBaseHandler(lg),
		Service:     service,
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/bookings", h.CreateBooking)
	r.Get("/bookings/{id}", h.GetBooking)
	r.Post("/bookings/{id}/payments", h.InitiatePayment)
}

func (h *Handler) CreateBooking(w http.ResponseWriter, r *http.Request) {
	var dto CreateBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		h.Logger.Error("CreateBooking: invalid request body", "error", err)
		h.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	b, err := h.Service.CreateBooking(&dto)
	if err != nil {
		h.Logger.Error("CreateBooking: service error", "error", err, "user_id", dto.UserID)
		h.HandleServiceError(w, err)
		return
	}

	h.Logger.Info("CreateBooking: booking created",
		"booking_id", b.ID,
		"user_id", b.UserID,
		"station_id", b.StationID,
		"amount", b.Amount)

	h.WriteJSON(w, http.StatusCreated, ToBookingResponse(b, nil))
}

func (h *Handler) GetBooking(w http.ResponseWriter, r *http.Request) {
	bookingID, ok := h.bookingIDFromURL(w, r)
	if !ok {
		return
	}

	b, err := h.Service.GetBooking(bookingID)
	if err != nil {
		h.Logger.Error("GetBooking: service error", "error", err, "booking_id", bookingID)
		h.HandleServiceError(w, err)
		return
	}

	attempts, err := h.Service.ListAttemptsByBooking(bookingID)
	if err != nil {
		h.Logger.Error("GetBooking: failed to list attempts", "error", err, "booking_id", bookingID)
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, ToBookingResponse(b, attempts))
}

func (h *Handler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	bookingID, ok := h.bookingIDFromURL(w, r)
	if !ok {
		return
	}

	var dto InitiatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		h.Logger.Error("InitiatePayment: invalid request body", "error", err)
		h.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := dto.Validate(h.Service.SupportedGateways()); err != nil {
		h.Logger.Error("InitiatePayment: validation error", "error", err, "booking_id", bookingID)
		h.HandleServiceError(w, err)
		return
	}

	resp, err := h.Service.InitiatePayment(r.Context(), bookingID, dto.Gateway)
	if err != nil {
		h.Logger.Error("InitiatePayment: service error", "error", err,
			"booking_id", bookingID, "gateway", dto.Gateway)
		h.HandleServiceError(w, err)
		return
	}

	h.Logger.Info("InitiatePayment: payment attempt initiated",
		"booking_id", bookingID,
		"gateway", resp.Gateway,
		"external_ref", resp.ExternalRef)

	h.WriteJSON(w, http.StatusCreated, resp)
}

func (h *Handler) bookingIDFromURL(w http.ResponseWriter, r *http.Request) (int64, bool) {
	idStr := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		h.Logger.Error("invalid booking ID", "id", idStr)
		h.WriteError(w, http.StatusBadRequest, "invalid booking ID")
		return 0, false
	}
	return id, true
}
