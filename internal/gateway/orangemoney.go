package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"fulfillment-service/config"
	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/models"
)

// OrangeMoneyGateway triggers a provider-side payment prompt on the
// customer's phone. The provider calls back with the final status; Confirm
// can poll it before the webhook lands.
type OrangeMoneyGateway struct {
	cfg    config.GatewayConfig
	client *http.Client
}

func NewOrangeMoneyGateway(cfg config.GatewayConfig) *OrangeMoneyGateway {
	return &OrangeMoneyGateway{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (g *OrangeMoneyGateway) Name() models.PaymentGateway {
	return models.GatewayOrangeMoney
}

type orangeInitiateResponse struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
	Message       string `json:"message"`
}

// Validate rejects requests without the phone number the prompt is sent to.
func (g *OrangeMoneyGateway) Validate(req Request) error {
	if req.CustomerPhone == "" {
		return apperr.ErrMissingPhoneNumber
	}
	return nil
}

func (g *OrangeMoneyGateway) Initiate(ctx context.Context, req Request) (*Result, error) {
	if err := g.Validate(req); err != nil {
		return nil, err
	}

	body := map[string]interface{}{
		"amount":       req.Amount.String(),
		"currency":     req.Currency,
		"phone_number": req.CustomerPhone,
		"reference":    req.ReferenceID,
		"description":  fmt.Sprintf("Payment for order %s", req.OrderID),
		"callback_url": g.cfg.CallbackURL,
	}
	headers := map[string]string{
		"Authorization": "Bearer " + g.cfg.APIKey,
	}

	var resp orangeInitiateResponse
	if err := postJSON(ctx, g.client, g.Name(), g.cfg.BaseURL+"/payments/initiate", headers, body, &resp); err != nil {
		return nil, err
	}

	return &Result{
		Status:               models.PaymentStatusPending,
		GatewayTransactionID: resp.TransactionID,
		Instructions:         fmt.Sprintf("Confirm the payment prompt sent to %s", req.CustomerPhone),
	}, nil
}

type orangeStatusResponse struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
	Reason        string `json:"reason"`
}

// Confirm polls the provider for the current payment status.
func (g *OrangeMoneyGateway) Confirm(ctx context.Context, referenceID string) (*Result, error) {
	headers := map[string]string{
		"Authorization": "Bearer " + g.cfg.APIKey,
	}

	var resp orangeStatusResponse
	url := fmt.Sprintf("%s/payments/%s/status", g.cfg.BaseURL, referenceID)
	if err := getJSON(ctx, g.client, g.Name(), url, headers, &resp); err != nil {
		return nil, err
	}

	return &Result{
		Status:               mapOrangeStatus(resp.Status),
		GatewayTransactionID: resp.TransactionID,
		ErrorMessage:         resp.Reason,
	}, nil
}

type orangeWebhookPayload struct {
	EventType     string `json:"event_type"`
	TransactionID string `json:"transaction_id"`
	Reference     string `json:"reference"`
	Status        string `json:"status"`
	Reason        string `json:"reason"`
}

func (g *OrangeMoneyGateway) ParseWebhook(payload []byte, _ string) (*WebhookNotice, error) {
	var ev orangeWebhookPayload
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("malformed orange money webhook: %w", err)
	}

	return &WebhookNotice{
		EventType:            ev.EventType,
		GatewayTransactionID: ev.TransactionID,
		ReferenceID:          ev.Reference,
		Status:               mapOrangeStatus(ev.Status),
		FailureReason:        ev.Reason,
	}, nil
}

func mapOrangeStatus(s string) models.PaymentStatus {
	switch s {
	case "SUCCESS", "SUCCESSFUL":
		return models.PaymentStatusSuccess
	case "FAILED", "REJECTED":
		return models.PaymentStatusFailed
	case "EXPIRED", "TIMEOUT":
		return models.PaymentStatusExpired
	default:
		return models.PaymentStatusPending
	}
}
