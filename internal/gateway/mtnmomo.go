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

// MTNMomoGateway implements the MTN Mobile Money request-to-pay flow. The
// reference id doubles as the provider-side transaction id: it is sent as
// the X-Reference-Id header and queried back by it.
type MTNMomoGateway struct {
	cfg    config.GatewayConfig
	target string
	client *http.Client
}

func NewMTNMomoGateway(cfg config.GatewayConfig, target string) *MTNMomoGateway {
	return &MTNMomoGateway{
		cfg:    cfg,
		target: target,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (g *MTNMomoGateway) Name() models.PaymentGateway {
	return models.GatewayMTNMomo
}

// Validate rejects requests without the MSISDN the request-to-pay targets.
func (g *MTNMomoGateway) Validate(req Request) error {
	if req.CustomerPhone == "" {
		return apperr.ErrMissingPhoneNumber
	}
	return nil
}

func (g *MTNMomoGateway) Initiate(ctx context.Context, req Request) (*Result, error) {
	if err := g.Validate(req); err != nil {
		return nil, err
	}

	body := map[string]interface{}{
		"amount":     req.Amount.String(),
		"currency":   req.Currency,
		"externalId": req.ReferenceID,
		"payer": map[string]string{
			"partyIdType": "MSISDN",
			"partyId":     req.CustomerPhone,
		},
		"payerMessage": fmt.Sprintf("Payment for order %s", req.OrderID),
		"payeeNote":    fmt.Sprintf("Order %s", req.OrderID),
	}
	headers := map[string]string{
		"Authorization":        "Bearer " + g.cfg.APIKey,
		"X-Reference-Id":       req.ReferenceID,
		"X-Target-Environment": g.target,
	}

	// requesttopay returns 202 with an empty body; the reference id is the
	// handle for everything after.
	if err := postJSON(ctx, g.client, g.Name(), g.cfg.BaseURL+"/collection/v1_0/requesttopay", headers, body, nil); err != nil {
		return nil, err
	}

	return &Result{
		Status:               models.PaymentStatusPending,
		GatewayTransactionID: req.ReferenceID,
		Instructions:         fmt.Sprintf("Approve the MoMo request sent to %s", req.CustomerPhone),
	}, nil
}

type momoStatusResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// Confirm polls request-to-pay status by reference id.
func (g *MTNMomoGateway) Confirm(ctx context.Context, referenceID string) (*Result, error) {
	headers := map[string]string{
		"Authorization":        "Bearer " + g.cfg.APIKey,
		"X-Target-Environment": g.target,
	}

	var resp momoStatusResponse
	url := fmt.Sprintf("%s/collection/v1_0/requesttopay/%s", g.cfg.BaseURL, referenceID)
	if err := getJSON(ctx, g.client, g.Name(), url, headers, &resp); err != nil {
		return nil, err
	}

	return &Result{
		Status:               mapMomoStatus(resp.Status),
		GatewayTransactionID: referenceID,
		ErrorMessage:         resp.Reason,
	}, nil
}

type momoWebhookPayload struct {
	ExternalID string `json:"externalId"`
	Status     string `json:"status"`
	Reason     string `json:"reason"`
}

func (g *MTNMomoGateway) ParseWebhook(payload []byte, _ string) (*WebhookNotice, error) {
	var ev momoWebhookPayload
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("malformed momo webhook: %w", err)
	}

	return &WebhookNotice{
		EventType:            "requesttopay." + ev.Status,
		GatewayTransactionID: ev.ExternalID,
		ReferenceID:          ev.ExternalID,
		Status:               mapMomoStatus(ev.Status),
		FailureReason:        ev.Reason,
	}, nil
}

func mapMomoStatus(s string) models.PaymentStatus {
	switch s {
	case "SUCCESSFUL":
		return models.PaymentStatusSuccess
	case "FAILED":
		return models.PaymentStatusFailed
	case "TIMEOUT", "EXPIRED":
		return models.PaymentStatusExpired
	default:
		return models.PaymentStatusPending
	}
}
