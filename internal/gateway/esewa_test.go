package gateway_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	apperrors "github.com/chargeline/ev-booking/internal"
	bookingmodel "github.com/chargeline/ev-booking/internal/core/datamodel/booking"
	"github.com/chargeline/ev-booking/internal/gateway"
)

func esewaSign(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

var _ = Describe("EsewaClient", func() {
	const (
		secretKey   = "8gBm/:&EnhH.1/q"
		productCode = "EPAYTEST"
	)

	var (
		server *httptest.Server
		client *gateway.EsewaClient
		lg     *slog.Logger

		statusCode int
		statusBody map[string]interface{}
	)

	BeforeEach(func() {
		lg = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

		statusCode = http.StatusOK
		statusBody = map[string]interface{}{
			"product_code":     productCode,
			"transaction_uuid": "BK-42-1",
			"total_amount":     50000,
			"status":           "COMPLETE",
			"ref_id":           "REF-1",
		}

		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			Expect(r.URL.Query().Get("product_code")).To(Equal(productCode))
			Expect(r.URL.Query().Get("transaction_uuid")).ToNot(BeEmpty())
			Expect(r.URL.Query().Get("total_amount")).ToNot(BeEmpty())

			w.WriteHeader(statusCode)
			if statusCode == http.StatusOK {
				json.NewEncoder(w).Encode(statusBody)
			}
		}))

		client = gateway.NewEsewaClient(gateway.EsewaConfig{
			FormURL:     "https://rc-epay.esewa.com.np/api/epay/main/v2/form",
			StatusURL:   server.URL,
			ProductCode: productCode,
			SecretKey:   secretKey,
			SuccessURL:  "https://app.example/payments/return",
			FailureURL:  "https://app.example/payments/return",
			Timeout:     2 * time.Second,
		}, lg)
	})

	AfterEach(func() {
		server.Close()
	})

	Describe("Initiate", func() {
		It("builds a signed form post without any network call", func() {
			b := &bookingmodel.Booking{ID: 42, Amount: 50000, Currency: "NPR"}

			result, err := client.Initiate(context.Background(), b, 1)

			Expect(err).ToNot(HaveOccurred())
			Expect(result.ExternalRef).To(Equal("BK-42-1"))
			Expect(result.RedirectURL).To(ContainSubstring("esewa.com.np"))
			Expect(result.FormFields["total_amount"]).To(Equal("50000"))
			Expect(result.FormFields["product_code"]).To(Equal(productCode))
			Expect(result.FormFields["signed_field_names"]).To(Equal("total_amount,transaction_uuid,product_code"))

			wantSig := esewaSign(secretKey,
				fmt.Sprintf("total_amount=%s,transaction_uuid=%s,product_code=%s", "50000", "BK-42-1", productCode))
			Expect(result.FormFields["signature"]).To(Equal(wantSig))
		})

		It("derives a fresh transaction uuid per attempt", func() {
			b := &bookingmodel.Booking{ID: 42, Amount: 50000}

			first, err := client.Initiate(context.Background(), b, 1)
			Expect(err).ToNot(HaveOccurred())
			second, err := client.Initiate(context.Background(), b, 2)
			Expect(err).ToNot(HaveOccurred())

			Expect(first.ExternalRef).ToNot(Equal(second.ExternalRef))
		})
	})

	Describe("Lookup", func() {
		It("maps COMPLETE onto the shared completed status", func() {
			result, err := client.Lookup(context.Background(), gateway.LookupRequest{ExternalRef: "BK-42-1", Amount: 50000})

			Expect(err).ToNot(HaveOccurred())
			Expect(result.Status).To(Equal(gateway.StatusCompleted))
			Expect(result.TransactionID).To(Equal("REF-1"))
		})

		DescribeTable("status mapping",
			func(gatewayStatus string, want gateway.Status) {
				statusBody["status"] = gatewayStatus

				result, err := client.Lookup(context.Background(), gateway.LookupRequest{ExternalRef: "BK-42-1", Amount: 50000})

				Expect(err).ToNot(HaveOccurred())
				Expect(result.Status).To(Equal(want))
			},
			Entry("pending stays pending", "PENDING", gateway.StatusPending),
			Entry("ambiguous keeps polling", "AMBIGUOUS", gateway.StatusPending),
			Entry("canceled by the user", "CANCELED", gateway.StatusUserCanceled),
			Entry("not found counts as failed", "NOT_FOUND", gateway.StatusFailed),
			Entry("full refund counts as failed", "FULL_REFUND", gateway.StatusFailed),
		)

		It("returns a transient error on a 5xx", func() {
			statusCode = http.StatusServiceUnavailable

			_, err := client.Lookup(context.Background(), gateway.LookupRequest{ExternalRef: "BK-42-1", Amount: 50000})

			Expect(err).To(HaveOccurred())
			Expect(apperrors.IsTransientGatewayError(err)).To(BeTrue())
		})
	})

	Describe("VerifySignature", func() {
		signedPayload := func(totalAmount, transactionUUID string) []byte {
			sig := esewaSign(secretKey,
				fmt.Sprintf("total_amount=%s,transaction_uuid=%s,product_code=%s", totalAmount, transactionUUID, productCode))
			payload := map[string]interface{}{
				"total_amount":       totalAmount,
				"transaction_uuid":   transactionUUID,
				"product_code":       productCode,
				"status":             "COMPLETE",
				"signed_field_names": "total_amount,transaction_uuid,product_code",
				"signature":          sig,
			}
			raw, err := json.Marshal(payload)
			Expect(err).ToNot(HaveOccurred())
			return raw
		}

		It("accepts a correctly signed callback", func() {
			Expect(client.VerifySignature(signedPayload("50000", "BK-42-1"), http.Header{})).To(BeTrue())
		})

		It("rejects a callback whose amount was tampered with", func() {
			raw := signedPayload("50000", "BK-42-1")

			var payload map[string]interface{}
			Expect(json.Unmarshal(raw, &payload)).To(Succeed())
			payload["total_amount"] = "1"
			tampered, err := json.Marshal(payload)
			Expect(err).ToNot(HaveOccurred())

			Expect(client.VerifySignature(tampered, http.Header{})).To(BeFalse())
		})

		It("rejects a callback without a signature", func() {
			Expect(client.VerifySignature([]byte(`{"transaction_uuid":"BK-42-1"}`), http.Header{})).To(BeFalse())
		})

		It("rejects a payload that is not JSON", func() {
			Expect(client.VerifySignature([]byte(`not-json`), http.Header{})).To(BeFalse())
		})
	})

	Describe("ExtractExternalRef", func() {
		It("reads the transaction uuid from the payload", func() {
			ref, err := client.ExtractExternalRef([]byte(`{"transaction_uuid":"BK-42-1"}`))

			Expect(err).ToNot(HaveOccurred())
			Expect(ref).To(Equal("BK-42-1"))
		})

		It("fails on a payload without a transaction uuid", func() {
			_, err := client.ExtractExternalRef([]byte(`{"status":"COMPLETE"}`))

			Expect(err).To(HaveOccurred())
		})
	})
})
