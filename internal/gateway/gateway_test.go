package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fulfillment-service/config"
	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGatewayConfig(baseURL string) config.GatewayConfig {
	return config.GatewayConfig{
		BaseURL: baseURL,
		APIKey:  "test-key",
		Timeout: 2 * time.Second,
	}
}

func testRequest() Request {
	return Request{
		OrderID:       "o1",
		ReferenceID:   "ref-1",
		Amount:        decimal.NewFromInt(30000),
		Currency:      "XAF",
		CustomerPhone: "+237670000001",
		CustomerEmail: "buyer@example.com",
	}
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry(NewCashOnDeliveryGateway())

	g, err := r.Get(models.GatewayCashOnDelivery)
	require.NoError(t, err)
	assert.Equal(t, models.GatewayCashOnDelivery, g.Name())

	_, err = r.Get(models.PaymentGateway("bitcoin"))
	assert.ErrorIs(t, err, apperr.ErrUnsupportedGateway)
}

func TestCardInitiate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payment_intents", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]string{
			"id":            "pi_123",
			"client_secret": "pi_123_secret",
			"status":        "requires_payment_method",
		})
	}))
	defer srv.Close()

	g := NewCardGateway(testGatewayConfig(srv.URL))
	res, err := g.Initiate(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusInitiated, res.Status)
	assert.Equal(t, "pi_123", res.GatewayTransactionID)
	assert.Equal(t, "pi_123_secret", res.ClientSecret)
	assert.True(t, res.RequiresAction)
}

func TestCardParseWebhook(t *testing.T) {
	g := NewCardGateway(testGatewayConfig("http://unused"))

	payload := []byte(`{
		"type": "payment_intent.succeeded",
		"data": {"object": {"id": "pi_123", "metadata": {"reference": "ref-1"}}}
	}`)
	notice, err := g.ParseWebhook(payload, "")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusSuccess, notice.Status)
	assert.Equal(t, "pi_123", notice.GatewayTransactionID)
	assert.Equal(t, "ref-1", notice.ReferenceID)

	payload = []byte(`{
		"type": "payment_intent.payment_failed",
		"data": {"object": {"id": "pi_123", "last_payment_error": {"message": "card declined"}}}
	}`)
	notice, err = g.ParseWebhook(payload, "")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, notice.Status)
	assert.Equal(t, "card declined", notice.FailureReason)

	payload = []byte(`{"type": "charge.refunded", "data": {"object": {"id": "pi_123"}}}`)
	notice, err = g.ParseWebhook(payload, "")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusRefunded, notice.Status)

	_, err = g.ParseWebhook([]byte(`{"type": "customer.created"}`), "")
	assert.Error(t, err)

	_, err = g.ParseWebhook([]byte(`not json`), "")
	assert.Error(t, err)
}

func signCardPayload(secret string, ts string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	return "t=" + ts + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}

func TestCardWebhookSignature(t *testing.T) {
	cfg := testGatewayConfig("http://unused")
	cfg.WebhookSecret = "whsec_test"
	g := NewCardGateway(cfg)

	payload := []byte(`{
		"type": "payment_intent.succeeded",
		"data": {"object": {"id": "pi_123", "metadata": {"reference": "ref-1"}}}
	}`)
	header := signCardPayload("whsec_test", "1693468800", payload)

	notice, err := g.ParseWebhook(payload, header)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusSuccess, notice.Status)

	// A payload altered after signing must be refused.
	tampered := []byte(`{
		"type": "payment_intent.succeeded",
		"data": {"object": {"id": "pi_999", "metadata": {"reference": "ref-1"}}}
	}`)
	_, err = g.ParseWebhook(tampered, header)
	assert.Error(t, err)

	// A signature under the wrong secret must be refused.
	_, err = g.ParseWebhook(payload, signCardPayload("whsec_other", "1693468800", payload))
	assert.Error(t, err)

	_, err = g.ParseWebhook(payload, "")
	assert.Error(t, err)

	_, err = g.ParseWebhook(payload, "garbage")
	assert.Error(t, err)
}

func TestCardConfirmNotSupported(t *testing.T) {
	g := NewCardGateway(testGatewayConfig("http://unused"))
	_, err := g.Confirm(context.Background(), "ref-1")
	assert.ErrorIs(t, err, ErrConfirmNotSupported)
}

func TestMobileMoneyRequiresPhone(t *testing.T) {
	req := testRequest()
	req.CustomerPhone = ""

	om := NewOrangeMoneyGateway(testGatewayConfig("http://unused"))
	assert.ErrorIs(t, om.Validate(req), apperr.ErrMissingPhoneNumber)
	_, err := om.Initiate(context.Background(), req)
	assert.ErrorIs(t, err, apperr.ErrMissingPhoneNumber)

	momo := NewMTNMomoGateway(testGatewayConfig("http://unused"), "sandbox")
	assert.ErrorIs(t, momo.Validate(req), apperr.ErrMissingPhoneNumber)

	req.CustomerPhone = "+237670000001"
	assert.NoError(t, om.Validate(req))
	assert.NoError(t, momo.Validate(req))
}

func TestOrangeMoneyInitiate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/payments/initiate", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]string{
			"transaction_id": "om_555",
			"status":         "PENDING",
		})
	}))
	defer srv.Close()

	g := NewOrangeMoneyGateway(testGatewayConfig(srv.URL))
	res, err := g.Initiate(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, res.Status)
	assert.Equal(t, "om_555", res.GatewayTransactionID)
	assert.Contains(t, res.Instructions, "+237670000001")
}

func TestOrangeMoneyStatusMapping(t *testing.T) {
	cases := map[string]models.PaymentStatus{
		"SUCCESS":    models.PaymentStatusSuccess,
		"SUCCESSFUL": models.PaymentStatusSuccess,
		"FAILED":     models.PaymentStatusFailed,
		"REJECTED":   models.PaymentStatusFailed,
		"EXPIRED":    models.PaymentStatusExpired,
		"TIMEOUT":    models.PaymentStatusExpired,
		"PENDING":    models.PaymentStatusPending,
		"WEIRD":      models.PaymentStatusPending,
	}
	for in, want := range cases {
		assert.Equal(t, want, mapOrangeStatus(in), "status %s", in)
	}
}

func TestMTNMomoInitiateSendsReferenceHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/collection/v1_0/requesttopay", r.URL.Path)
		assert.Equal(t, "ref-1", r.Header.Get("X-Reference-Id"))
		assert.Equal(t, "sandbox", r.Header.Get("X-Target-Environment"))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	g := NewMTNMomoGateway(testGatewayConfig(srv.URL), "sandbox")
	res, err := g.Initiate(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, res.Status)

	// The reference id is the provider-side handle.
	assert.Equal(t, "ref-1", res.GatewayTransactionID)
}

func TestMTNMomoConfirm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/collection/v1_0/requesttopay/ref-1", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]string{"status": "SUCCESSFUL"})
	}))
	defer srv.Close()

	g := NewMTNMomoGateway(testGatewayConfig(srv.URL), "sandbox")
	res, err := g.Confirm(context.Background(), "ref-1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusSuccess, res.Status)
}

func TestMTNMomoParseWebhook(t *testing.T) {
	g := NewMTNMomoGateway(testGatewayConfig("http://unused"), "sandbox")

	notice, err := g.ParseWebhook([]byte(`{"externalId": "ref-1", "status": "FAILED", "reason": "PAYER_NOT_FOUND"}`), "")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, notice.Status)
	assert.Equal(t, "ref-1", notice.ReferenceID)
	assert.Equal(t, "PAYER_NOT_FOUND", notice.FailureReason)
}

func TestCashOnDelivery(t *testing.T) {
	g := NewCashOnDeliveryGateway()

	res, err := g.Initiate(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, res.Status)
	assert.Equal(t, "cod_ref-1", res.GatewayTransactionID)

	_, err = g.Confirm(context.Background(), "ref-1")
	assert.ErrorIs(t, err, ErrConfirmNotSupported)

	_, err = g.ParseWebhook([]byte(`{}`), "")
	assert.Error(t, err)
}

func TestGatewayErrorMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	g := NewOrangeMoneyGateway(testGatewayConfig(srv.URL))
	_, err := g.Initiate(context.Background(), testRequest())
	assert.ErrorIs(t, err, apperr.ErrGatewayTimeout)
	srv.Close()

	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()
	g = NewOrangeMoneyGateway(testGatewayConfig(srv.URL))
	_, err = g.Initiate(context.Background(), testRequest())
	assert.ErrorIs(t, err, apperr.ErrGatewayRejected)

	// Unreachable host is retryable.
	g = NewOrangeMoneyGateway(testGatewayConfig("http://127.0.0.1:1"))
	_, err = g.Initiate(context.Background(), testRequest())
	assert.ErrorIs(t, err, apperr.ErrGatewayTimeout)
}
