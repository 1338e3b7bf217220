package reconcile_test

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"

	"github.com/go-chi/chi"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	apperrors "github.com/chargeline/ev-booking/internal"
	bookingmodel "github.com/chargeline/ev-booking/internal/core/datamodel/booking"
	paymentmodel "github.com/chargeline/ev-booking/internal/core/datamodel/payment"
	"github.com/chargeline/ev-booking/internal/reconcile"
)

type mockEngine struct {
	returnResult  *reconcile.VerifyResult
	returnError   error
	webhookResult *reconcile.VerifyResult
	webhookError  error

	lastBookingRef  string
	lastExternalRef string
	lastClaimed     string
	lastGateway     string
	lastPayload     []byte
}

func (m *mockEngine) HandleReturn(_ context.Context, bookingRef, externalRef, claimedStatus string) (*reconcile.VerifyResult, error) {
	m.lastBookingRef = bookingRef
	m.lastExternalRef = externalRef
	m.lastClaimed = claimedStatus
	if externalRef == "" {
		return nil, apperrors.NewValidationError("missing payment reference", apperrors.ErrCodeValidationFailed)
	}
	return m.returnResult, m.returnError
}

func (m *mockEngine) HandleWebhook(_ context.Context, gatewayName string, rawPayload []byte, _ http.Header) (*reconcile.VerifyResult, error) {
	m.lastGateway = gatewayName
	m.lastPayload = rawPayload
	return m.webhookResult, m.webhookError
}

var _ = Describe("ReconcileHandler", func() {
	var (
		engine *mockEngine
		router *chi.Mux
	)

	BeforeEach(func() {
		lg := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

		engine = &mockEngine{
			returnResult: &reconcile.VerifyResult{
				BookingID:     1,
				BookingStatus: bookingmodel.StatusConfirmed,
				AttemptStatus: paymentmodel.StatusCompleted,
				ExternalRef:   "PIDX-1",
				Gateway:       "khalti",
			},
			webhookResult: &reconcile.VerifyResult{
				BookingID:     1,
				BookingStatus: bookingmodel.StatusConfirmed,
				AttemptStatus: paymentmodel.StatusCompleted,
				ExternalRef:   "PIDX-1",
				Gateway:       "khalti",
			},
		}

		router = chi.NewRouter()
		reconcile.NewHandler(engine, lg).RegisterRoutes(router)
	})

	Describe("GET /payments/return", func() {
		It("verifies the khalti pidx from the query string", func() {
			req := httptest.NewRequest(http.MethodGet, "/payments/return?pidx=PIDX-1&status=Completed&bookingId=1", nil)
			rec := httptest.NewRecorder()

			router.ServeHTTP(rec, req)

			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(engine.lastExternalRef).To(Equal("PIDX-1"))
			Expect(engine.lastClaimed).To(Equal("Completed"))
			Expect(rec.Body.String()).To(ContainSubstring(`"booking_id":1`))
			Expect(rec.Body.String()).To(ContainSubstring("confirmed"))
		})

		It("falls back to the esewa transaction_uuid parameter", func() {
			req := httptest.NewRequest(http.MethodGet, "/payments/return?transaction_uuid=BK-1-1", nil)
			rec := httptest.NewRecorder()

			router.ServeHTTP(rec, req)

			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(engine.lastExternalRef).To(Equal("BK-1-1"))
		})

		It("answers 400 when no payment reference is present", func() {
			req := httptest.NewRequest(http.MethodGet, "/payments/return?status=Completed", nil)
			rec := httptest.NewRecorder()

			router.ServeHTTP(rec, req)

			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("POST /payments/{gateway}/webhook", func() {
		It("forwards the raw body and gateway name to the engine", func() {
			body := `{"pidx":"PIDX-1","status":"Completed"}`
			req := httptest.NewRequest(http.MethodPost, "/payments/khalti/webhook", strings.NewReader(body))
			rec := httptest.NewRecorder()

			router.ServeHTTP(rec, req)

			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(engine.lastGateway).To(Equal("khalti"))
			Expect(string(engine.lastPayload)).To(Equal(body))
		})

		It("answers 401 when the signature is rejected", func() {
			engine.webhookResult = nil
			engine.webhookError = apperrors.ErrInvalidSignature

			req := httptest.NewRequest(http.MethodPost, "/payments/khalti/webhook", strings.NewReader(`{}`))
			rec := httptest.NewRecorder()

			router.ServeHTTP(rec, req)

			Expect(rec.Code).To(Equal(http.StatusUnauthorized))
		})

		It("answers 404 for an unknown payment reference", func() {
			engine.webhookResult = nil
			engine.webhookError = apperrors.ErrUnknownReference

			req := httptest.NewRequest(http.MethodPost, "/payments/khalti/webhook", strings.NewReader(`{}`))
			rec := httptest.NewRecorder()

			router.ServeHTTP(rec, req)

			Expect(rec.Code).To(Equal(http.StatusNotFound))
		})
	})
})
