package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"fulfillment-service/config"
	"fulfillment-service/internal/models"

	"github.com/shopspring/decimal"
)

// CardGateway creates remote payment intents with the card processor. The
// client confirms the intent browser-side using the returned client secret;
// the terminal status arrives exclusively via webhook.
type CardGateway struct {
	cfg    config.GatewayConfig
	client *http.Client
}

func NewCardGateway(cfg config.GatewayConfig) *CardGateway {
	return &CardGateway{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (g *CardGateway) Name() models.PaymentGateway {
	return models.GatewayCard
}

// Validate accepts everything; the card form collects its own details.
func (g *CardGateway) Validate(Request) error { return nil }

type cardIntentResponse struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
	Status       string `json:"status"`
}

func (g *CardGateway) Initiate(ctx context.Context, req Request) (*Result, error) {
	body := map[string]interface{}{
		"amount":   req.Amount.String(),
		"currency": req.Currency,
		"metadata": map[string]string{
			"order_id":  req.OrderID,
			"reference": req.ReferenceID,
			"email":     req.CustomerEmail,
		},
		"automatic_payment_methods": map[string]bool{"enabled": true},
	}
	headers := map[string]string{
		"Authorization": "Bearer " + g.cfg.APIKey,
	}

	var resp cardIntentResponse
	if err := postJSON(ctx, g.client, g.Name(), g.cfg.BaseURL+"/v1/payment_intents", headers, body, &resp); err != nil {
		return nil, err
	}

	return &Result{
		Status:               models.PaymentStatusInitiated,
		GatewayTransactionID: resp.ID,
		ClientSecret:         resp.ClientSecret,
		RequiresAction:       true,
	}, nil
}

// Confirm is not used for cards: confirmation happens client-side and the
// outcome arrives via webhook.
func (g *CardGateway) Confirm(ctx context.Context, referenceID string) (*Result, error) {
	return nil, ErrConfirmNotSupported
}

// Refund reverses a settled payment intent through the processor.
func (g *CardGateway) Refund(ctx context.Context, gatewayTransactionID string, amount decimal.Decimal, reason string) error {
	body := map[string]interface{}{
		"payment_intent": gatewayTransactionID,
		"amount":         amount.String(),
		"reason":         reason,
	}
	headers := map[string]string{
		"Authorization": "Bearer " + g.cfg.APIKey,
	}
	return postJSON(ctx, g.client, g.Name(), g.cfg.BaseURL+"/v1/refunds", headers, body, nil)
}

type cardWebhookPayload struct {
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID       string `json:"id"`
			Metadata struct {
				Reference string `json:"reference"`
			} `json:"metadata"`
			LastPaymentError struct {
				Message string `json:"message"`
			} `json:"last_payment_error"`
		} `json:"object"`
	} `json:"data"`
}

// verifySignature checks the processor's webhook signature header,
// "t=<unix>,v1=<hex hmac>", where the HMAC-SHA256 of "<t>.<payload>" is
// keyed with the shared webhook secret. An empty configured secret
// disables verification for local development.
func (g *CardGateway) verifySignature(payload []byte, header string) error {
	if g.cfg.WebhookSecret == "" {
		return nil
	}

	var ts, sig string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			sig = v
		}
	}
	if ts == "" || sig == "" {
		return fmt.Errorf("missing card webhook signature")
	}

	mac := hmac.New(sha256.New, []byte(g.cfg.WebhookSecret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return fmt.Errorf("card webhook signature mismatch")
	}
	return nil
}

func (g *CardGateway) ParseWebhook(payload []byte, signature string) (*WebhookNotice, error) {
	if err := g.verifySignature(payload, signature); err != nil {
		return nil, err
	}

	var ev cardWebhookPayload
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("malformed card webhook: %w", err)
	}

	notice := &WebhookNotice{
		EventType:            ev.Type,
		GatewayTransactionID: ev.Data.Object.ID,
		ReferenceID:          ev.Data.Object.Metadata.Reference,
	}

	switch ev.Type {
	case "payment_intent.succeeded":
		notice.Status = models.PaymentStatusSuccess
	case "payment_intent.payment_failed":
		notice.Status = models.PaymentStatusFailed
		notice.FailureReason = ev.Data.Object.LastPaymentError.Message
	case "payment_intent.canceled":
		notice.Status = models.PaymentStatusExpired
	case "charge.refunded":
		notice.Status = models.PaymentStatusRefunded
	case "payment_intent.processing":
		notice.Status = models.PaymentStatusProcessing
	default:
		return nil, fmt.Errorf("unhandled card event type: %s", ev.Type)
	}

	return notice, nil
}
